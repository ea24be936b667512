// swarmd is the coordination kernel's bootstrap process: it connects to
// PostgreSQL, applies migrations, and exposes /health and /metrics for the
// operator tooling in cmd/swarmctl and any external monitoring.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmkernel/swarmd/pkg/database"
	"github.com/swarmkernel/swarmd/pkg/swarm"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file",
		getEnv("SWARMD_ENV_FILE", ".env"),
		"Path to a .env file to load before reading configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", *envFile)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)

	log.Println("Starting swarmd")
	log.Printf("HTTP port: %s", httpPort)

	ctx := context.Background()

	dbConfig := database.LoadConfigFromEnv()
	if err := dbConfig.Validate(); err != nil {
		log.Fatalf("Invalid database config: %v", err)
	}

	pool, err := database.NewPool(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	log.Println("Connected to PostgreSQL and applied migrations")

	registry := prometheus.NewRegistry()
	metrics := swarm.NewMetrics(registry)

	store := swarm.NewStore(pool,
		swarm.WithLeaseDuration(dbConfig.LeaseDuration),
		swarm.WithMetrics(metrics),
	)
	defer store.Close()
	log.Println("Coordination store ready")

	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, store.Pool())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": dbHealth,
				"error":    err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"database": dbHealth,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	log.Printf("HTTP server listening on :%s", httpPort)
	log.Printf("Health check available at: http://localhost:%s/health", httpPort)
	if err := router.Run(":" + httpPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
