package swarm

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the operator-facing Prometheus surface for one Store. It is
// optional: a Store with a nil Metrics simply skips every increment.
type Metrics struct {
	claimsIssuedTotal    *prometheus.CounterVec
	claimsRecoveredTotal prometheus.Counter
	transitionsTotal     *prometheus.CounterVec
	beadsBlockedTotal    *prometheus.CounterVec
	backlogDepth         *prometheus.GaugeVec
	activeAgents         *prometheus.GaugeVec
}

// NewMetrics builds the swarm kernel's counters/gauges and registers them
// against reg. Pass prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to expose them on the default /metrics path.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claimsIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_claims_issued_total",
				Help: "Total number of bead claims issued, by repo",
			},
			[]string{"repo"},
		),
		claimsRecoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_claims_recovered_total",
				Help: "Total number of expired claims recovered by lease sweeps",
			},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_stage_transitions_total",
				Help: "Total number of stage transitions applied, by transition kind",
			},
			[]string{"kind"},
		),
		beadsBlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_beads_blocked_total",
				Help: "Total number of beads marked blocked, by repo",
			},
			[]string{"repo"},
		),
		backlogDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarmd_backlog_depth",
				Help: "Current pending-bead backlog depth, by repo",
			},
			[]string{"repo"},
		),
		activeAgents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarmd_active_agents",
				Help: "Current agent count by repo and status",
			},
			[]string{"repo", "status"},
		),
	}
	reg.MustRegister(
		m.claimsIssuedTotal, m.claimsRecoveredTotal, m.transitionsTotal,
		m.beadsBlockedTotal, m.backlogDepth, m.activeAgents,
	)
	return m
}

func (m *Metrics) observeClaimIssued(repo string) {
	if m == nil {
		return
	}
	m.claimsIssuedTotal.WithLabelValues(repo).Inc()
}

func (m *Metrics) observeClaimsRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claimsRecoveredTotal.Add(float64(n))
}

func (m *Metrics) observeTransition(kind string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeBeadBlocked(repo string) {
	if m == nil {
		return
	}
	m.beadsBlockedTotal.WithLabelValues(repo).Inc()
}

func (m *Metrics) setBacklogDepth(repo string, depth int) {
	if m == nil {
		return
	}
	m.backlogDepth.WithLabelValues(repo).Set(float64(depth))
}

func (m *Metrics) setActiveAgents(repo, status string, count int) {
	if m == nil {
		return
	}
	m.activeAgents.WithLabelValues(repo, status).Set(float64(count))
}
