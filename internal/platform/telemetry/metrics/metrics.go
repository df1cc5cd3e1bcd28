package metrics

import (
	"net/http"

	"github.com/louisbranch/messagevault/internal/services/indexer/consumer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace prefixes every metric name.
	Namespace = "messagevault"
	// Subsystem is shared by the indexer metrics.
	Subsystem = "indexer"
)

var states = []consumer.State{
	consumer.StateSyncing,
	consumer.StateLive,
	consumer.StateReconciling,
	consumer.StatePaused,
	consumer.StateStopped,
	consumer.StateFailed,
}

// Indexer records consumer progress in its own registry.
type Indexer struct {
	registry *prometheus.Registry

	applied    prometheus.Counter
	checkpoint prometheus.Gauge
	duplicates prometheus.Counter
	gaps       prometheus.Counter
	missing    prometheus.Counter
	reorgs     prometheus.Counter
	rolledBack prometheus.Counter
	state      *prometheus.GaugeVec
}

var _ consumer.Metrics = (*Indexer)(nil)

// NewIndexer registers the indexer metrics plus process and Go runtime
// collectors on a fresh registry.
func NewIndexer() *Indexer {
	m := &Indexer{
		registry: prometheus.NewRegistry(),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "transitions_applied_total",
			Help:      "Transitions committed to the projection.",
		}),
		checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "checkpoint_seq",
			Help:      "Seq of the last committed transition.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "duplicates_total",
			Help:      "Redelivered transitions dropped as already applied.",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "gaps_total",
			Help:      "Live deliveries that skipped ahead of the checkpoint.",
		}),
		missing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "gap_transitions_total",
			Help:      "Transitions re-fetched to fill gaps.",
		}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "reorgs_total",
			Help:      "Rollbacks caused by retracted or conflicting history.",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "rolled_back_transitions_total",
			Help:      "Transitions discarded by rollbacks.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "consumer_state",
			Help:      "1 for the current consumer state, 0 otherwise.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.applied,
		m.checkpoint,
		m.duplicates,
		m.gaps,
		m.missing,
		m.reorgs,
		m.rolledBack,
		m.state,
	)
	for _, s := range states {
		m.state.WithLabelValues(string(s)).Set(0)
	}
	return m
}

// Registry exposes the underlying registry.
func (m *Indexer) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Indexer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Indexer) ObserveApplied(seq uint64) {
	m.applied.Inc()
	m.checkpoint.Set(float64(seq))
}

func (m *Indexer) ObserveDuplicate() {
	m.duplicates.Inc()
}

func (m *Indexer) ObserveGap(missing uint64) {
	m.gaps.Inc()
	m.missing.Add(float64(missing))
}

func (m *Indexer) ObserveReorg(rolledBack uint64) {
	m.reorgs.Inc()
	m.rolledBack.Add(float64(rolledBack))
}

func (m *Indexer) ObserveState(state consumer.State) {
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.WithLabelValues(string(s)).Set(value)
	}
}

// ObserveCheckpoint sets the checkpoint gauge, e.g. after a rollback or at
// startup.
func (m *Indexer) ObserveCheckpoint(seq uint64) {
	m.checkpoint.Set(float64(seq))
}
