// Package metrics exposes indexer counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/persistence/r2s3"
)

const namespace = "land_indexer"

// Metrics implements land.Observer. Each instance owns its registry so tests
// and multiple indexers in one process do not collide.
type Metrics struct {
	reg *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	faultsTotal     *prometheus.CounterVec
	chainReads      *prometheus.HistogramVec
	chainReadErrors *prometheus.CounterVec
	lastBlock       prometheus.Gauge
	halted          prometheus.Gauge
	snapshotsTotal  prometheus.Counter
	eventLogErrors  prometheus.Counter
	sessions        prometheus.Gauge
}

var _ land.Observer = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events handled, by kind and outcome (applied, noop, skipped).",
		}, []string{"kind", "outcome"}),
		faultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Events rejected with a fault, by kind and fault class.",
		}, []string{"kind", "class"}),
		chainReads: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_read_duration_seconds",
			Help:      "Latency of contract reads.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),
		chainReadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_read_errors_total",
			Help:      "Failed contract reads.",
		}, []string{"op"}),
		lastBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_applied_block",
			Help:      "Block of the most recently committed event.",
		}),
		halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "halted",
			Help:      "1 when the processor stopped after a fault.",
		}),
		snapshotsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot files written.",
		}),
		eventLogErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_log_errors_total",
			Help:      "Committed events that could not be appended to the replay log.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_sessions",
			Help:      "Open websocket ingest sessions.",
		}),
	}
}

func (m *Metrics) EventApplied(kind land.Kind, outcome land.Outcome, pos land.Position) {
	m.eventsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
	if outcome != land.OutcomeSkipped {
		m.lastBlock.Set(float64(pos.Block))
	}
}

func (m *Metrics) EventFailed(kind land.Kind, class land.FaultClass) {
	m.faultsTotal.WithLabelValues(string(kind), string(class)).Inc()
}

func (m *Metrics) ChainRead(op string, d time.Duration, err error) {
	m.chainReads.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.chainReadErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SetHalted(halted bool) {
	if halted {
		m.halted.Set(1)
	} else {
		m.halted.Set(0)
	}
}

func (m *Metrics) SnapshotWritten() { m.snapshotsTotal.Inc() }
func (m *Metrics) EventLogFailed()  { m.eventLogErrors.Inc() }

func (m *Metrics) SessionOpened() { m.sessions.Inc() }
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// WatchMirror exports the mirror's queue counters.
func (m *Metrics) WatchMirror(mirror *r2s3.Mirror) {
	gauge := func(name, help string, fn func(r2s3.Stats) float64) {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(mirror.Stats()) }))
	}
	gauge("queue_depth", "Uploads waiting in the mirror queue.", func(s r2s3.Stats) float64 { return float64(s.Queued) })
	gauge("dropped", "Uploads dropped because the queue was full.", func(s r2s3.Stats) float64 { return float64(s.Dropped) })
	gauge("skipped", "Files outside the data dir that were not uploaded.", func(s r2s3.Stats) float64 { return float64(s.Skipped) })
	gauge("upload_success", "Successful uploads.", func(s r2s3.Stats) float64 { return float64(s.Uploaded) })
	gauge("upload_fail", "Uploads that failed after retries.", func(s r2s3.Stats) float64 { return float64(s.Failed) })
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
