package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the streaming coordinator.
type Metrics struct {
	registry *prometheus.Registry

	// Session lifecycle
	SessionsStarted   prometheus.Counter
	SessionsFinished  *prometheus.CounterVec // label: outcome
	ActiveSessions    prometheus.Gauge
	StreamDuration    prometheus.Histogram
	ReservationDenied prometheus.Counter

	// Event fan-out
	ChunkEvents       prometheus.Counter
	ObserversAttached prometheus.Counter
	ObserverDrops     prometheus.Counter

	// Credits
	CreditsReserved prometheus.Counter
	CreditsSettled  prometheus.Counter
	CreditsRefunded prometheus.Counter

	// Storage
	StorageCommitDuration prometheus.Histogram
	StorageReadBytes      prometheus.Counter
	StorageWriteBytes     prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_sessions_started_total",
			Help: "Total number of streaming sessions started",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skein_sessions_finished_total",
			Help: "Total number of sessions reaching a terminal state",
		}, []string{"outcome"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "skein_active_sessions",
			Help: "Current number of live streaming sessions",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "skein_stream_duration_seconds",
			Help:    "Duration of streaming sessions from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ReservationDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_reservations_denied_total",
			Help: "Stream starts denied because credits could not be reserved",
		}),

		ChunkEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_chunk_events_total",
			Help: "Total chunk events published across all sessions",
		}),
		ObserversAttached: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_observers_attached_total",
			Help: "Total observer attachments",
		}),
		ObserverDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_observer_dropped_events_total",
			Help: "Events dropped for lagging observers instead of applying backpressure",
		}),

		CreditsReserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_credits_reserved_total",
			Help: "Credits reserved against owner balances",
		}),
		CreditsSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_credits_settled_total",
			Help: "Credits charged at settlement",
		}),
		CreditsRefunded: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_credits_refunded_total",
			Help: "Credits returned to owner balances at settlement",
		}),

		StorageCommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "skein_storage_commit_duration_seconds",
			Help:    "Latency of durable batch commits",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		StorageReadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_storage_read_bytes_total",
			Help: "Bytes read from the durable store",
		}),
		StorageWriteBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "skein_storage_write_bytes_total",
			Help: "Bytes written to the durable store",
		}),
	}
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StorageHook adapts Metrics to the storage layer's MetricsHook interface.
type StorageHook struct {
	M *Metrics
}

func (h StorageHook) ObserveWrite(elapsed time.Duration, bytes int) {
	h.M.StorageWriteBytes.Add(float64(bytes))
}

func (h StorageHook) ObserveRead(elapsed time.Duration, bytes int) {
	h.M.StorageReadBytes.Add(float64(bytes))
}

func (h StorageHook) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	h.M.StorageCommitDuration.Observe(elapsed.Seconds())
	h.M.StorageWriteBytes.Add(float64(bytes))
}
