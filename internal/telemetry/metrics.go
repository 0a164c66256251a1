// Package telemetry holds the Prometheus metrics registry (spec §4.10
// "token metrics, runtime stats"), adapted from the teacher's escrow
// metrics registry to the realtime worker's domain.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the worker exports.
type Metrics struct {
	ActiveRuntimes      prometheus.Gauge
	FactsStoreSize      *prometheus.GaugeVec
	TokenBudgetOverflow *prometheus.CounterVec
	SessionReconnects   *prometheus.CounterVec
	PingPongMisses      *prometheus.CounterVec
	IngestQueueDepth    *prometheus.GaugeVec
	ChunksDropped       *prometheus.CounterVec
	CheckpointWrites    *prometheus.CounterVec
	FactsDebounceRuns   prometheus.Counter
}

// NewMetrics creates and registers every metric against the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveRuntimes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ocx_active_event_runtimes",
			Help: "Number of EventRuntimes currently tracked by the orchestrator",
		}),
		FactsStoreSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ocx_facts_store_size",
				Help: "Number of facts currently held per event",
			},
			[]string{"event_id"},
		),
		TokenBudgetOverflow: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_token_budget_overflow_total",
				Help: "Times a prompt assembly exceeded its configured token budget",
			},
			[]string{"event_id", "agent_type"},
		),
		SessionReconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_session_reconnects_total",
				Help: "Realtime session reconnect attempts",
			},
			[]string{"event_id", "agent_type"},
		),
		PingPongMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_ping_pong_misses_total",
				Help: "Missed pong responses observed on a session's keepalive loop",
			},
			[]string{"event_id", "agent_type"},
		),
		IngestQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ocx_ingest_queue_depth",
				Help: "Current depth of a per-event inbound transcript queue",
			},
			[]string{"event_id"},
		),
		ChunksDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_transcript_chunks_dropped_total",
				Help: "Transcript chunks dropped by the backpressure policy",
			},
			[]string{"event_id", "reason"},
		),
		CheckpointWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocx_checkpoint_writes_total",
				Help: "Checkpoint store writes, by outcome",
			},
			[]string{"agent_type", "outcome"},
		),
		FactsDebounceRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ocx_facts_debounce_runs_total",
			Help: "Completed debounced Facts passes across all events",
		}),
	}
}

// RecordDrop records a dropped transcript chunk, reason is "non_final"
// or "final_delayed" (spec §5 backpressure policy).
func (m *Metrics) RecordDrop(eventID, reason string) {
	m.ChunksDropped.WithLabelValues(eventID, reason).Inc()
}

// RecordCheckpointWrite records a checkpoint store write outcome,
// outcome is "ok" or "failed".
func (m *Metrics) RecordCheckpointWrite(agentType, outcome string) {
	m.CheckpointWrites.WithLabelValues(agentType, outcome).Inc()
}

// SetFactsStoreSize updates the per-event facts gauge.
func (m *Metrics) SetFactsStoreSize(eventID string, size int) {
	m.FactsStoreSize.WithLabelValues(eventID).Set(float64(size))
}

// SetIngestQueueDepth updates the per-event queue depth gauge.
func (m *Metrics) SetIngestQueueDepth(eventID string, depth int) {
	m.IngestQueueDepth.WithLabelValues(eventID).Set(float64(depth))
}
