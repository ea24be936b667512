// Package swarm implements the transactional coordination core: bead
// claiming with crash-safe lease recovery, the stage pipeline and its
// retry/artifact machinery, the append-only event log, read-side resume
// projections, inter-agent messaging, and advisory resource locks.
//
// Every exported method is a short, self-contained transaction. There is no
// in-process scheduler: callers (the driver) invoke these methods directly,
// as many times, from as many goroutines, as they have agents to run.
package swarm

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the coordination core's single entry point. Its methods are
// split across sibling files by the component they implement (claims.go,
// agents.go, history.go, and so on) but all share this one type,
// mirroring the way the original Rust crate splits one SwarmDb impl across
// many db/write_ops and db/read_ops modules.
type Store struct {
	pool *pgxpool.Pool

	// LeaseDuration is the default bead-claim lease length used by
	// ClaimNext when the caller does not override it.
	LeaseDuration time.Duration

	// DefaultMaxImplementationAttempts is the max_implementation_attempts
	// written into swarm_config rows created by InitRepo, and the bound used
	// for a repo that has no swarm_config row.
	DefaultMaxImplementationAttempts int

	// metrics is nil unless WithMetrics was passed; every observe* call is a
	// no-op on a nil receiver, so call sites never need to check it.
	metrics *Metrics
}

// Option configures a new Store.
type Option func(*Store)

// WithLeaseDuration overrides the default claim lease length.
func WithLeaseDuration(d time.Duration) Option {
	return func(s *Store) { s.LeaseDuration = d }
}

// WithDefaultMaxImplementationAttempts overrides the default attempt bound
// used when seeding a new repo's SwarmConfig.
func WithDefaultMaxImplementationAttempts(n int) Option {
	return func(s *Store) { s.DefaultMaxImplementationAttempts = n }
}

// WithMetrics attaches a Prometheus metrics surface built by NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore wraps an already-connected, already-migrated pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:                              pool,
		LeaseDuration:                     5 * time.Minute,
		DefaultMaxImplementationAttempts: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool exposes the underlying pgx pool for health checks and metrics.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }
