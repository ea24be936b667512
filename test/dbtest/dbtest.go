// Package dbtest provides the PostgreSQL test fixture shared by pkg/swarm's
// integration tests: in CI (CI_DATABASE_URL set) it connects to the
// externally-provisioned service container, otherwise it spins up a
// testcontainers-go PostgreSQL instance. Either way migrations are applied
// through the same pkg/database.NewPool path production uses.
package dbtest

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/swarmkernel/swarmd/pkg/database"
	"github.com/swarmkernel/swarmd/pkg/swarm"
)

// NewTestStore returns a *swarm.Store backed by a migrated PostgreSQL
// database. Outside CI that is a fresh container terminated via t.Cleanup;
// with CI_DATABASE_URL set it is the shared external database, which is not
// torn down. The pool is closed via t.Cleanup in both cases.
func NewTestStore(t *testing.T, opts ...swarm.Option) *swarm.Store {
	t.Helper()
	cfg := testConfig(t)

	pool, err := database.NewPool(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return swarm.NewStore(pool, opts...)
}

func testConfig(t *testing.T) database.Config {
	t.Helper()

	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		t.Log("dbtest: using external PostgreSQL from CI_DATABASE_URL")
		return configFromURL(t, ciURL)
	}

	t.Log("dbtest: using testcontainers for PostgreSQL")
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("swarmd_test"),
		postgres.WithUsername("swarmd_test"),
		postgres.WithPassword("swarmd_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("dbtest: failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	return database.Config{
		Host:            host,
		Port:            portNum,
		User:            "swarmd_test",
		Password:        "swarmd_test",
		Database:        "swarmd_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		LeaseDuration:   5 * time.Minute,
	}
}

func configFromURL(t *testing.T, raw string) database.Config {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)

	port := 5432
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		require.NoError(t, err)
		port = parsed
	}
	password, _ := u.User.Password()

	return database.Config{
		Host:            u.Hostname(),
		Port:            port,
		User:            u.User.Username(),
		Password:        password,
		Database:        strings.TrimPrefix(u.Path, "/"),
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		LeaseDuration:   5 * time.Minute,
	}
}

