package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database connection and pool configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// LeaseDuration is the default bead-claim lease length used by
	// claim_next when no explicit duration is supplied.
	LeaseDuration time.Duration
}

// LoadConfigFromEnv builds a Config from DB_* environment variables (plus
// SWARM_LEASE_DURATION for the claim lease), applying the same defaults the teacher's tarsy binary uses.
func LoadConfigFromEnv() Config {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	maxOpen, err := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		maxOpen = 25
	}

	maxIdle, err := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))
	if err != nil {
		maxIdle = 5
	}

	connLifetime := parseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"), time.Hour)
	connIdleTime := parseDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "10m"), 10*time.Minute)
	leaseDuration := parseDuration(getEnvOrDefault("SWARM_LEASE_DURATION", "5m"), 5*time.Minute)

	return Config{
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Port:     port,
		User:     getEnvOrDefault("DB_USER", "postgres"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: getEnvOrDefault("DB_NAME", "swarmd"),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),

		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: connLifetime,
		ConnMaxIdleTime: connIdleTime,

		LeaseDuration: leaseDuration,
	}
}

// Validate checks the configuration for obviously invalid combinations.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("database password is required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max open conns must be at least 1, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle conns must be non-negative, got %d", c.MaxIdleConns)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max idle conns (%d) cannot exceed max open conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %s", c.LeaseDuration)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
