package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ModelSwaps         *prometheus.CounterVec
	ModelLoadLatency   *prometheus.HistogramVec
	ResidentModel      *prometheus.GaugeVec
	ModelMemoryBytes   prometheus.Gauge
	SynthesisLatency   *prometheus.HistogramVec
	SynthesisErrors    *prometheus.CounterVec
	TranscribeLatency  prometheus.Histogram
	ActiveJobs         prometheus.Gauge
	JobEvents          *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	PersonalityChanges *prometheus.CounterVec

	Stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ModelSwaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_swaps_total",
			Help:      "Model hot-swaps by target kind.",
		}, []string{"kind"}),
		ModelLoadLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_seconds",
			Help:      "Time to release the resident model and load the next one.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"kind"}),
		ResidentModel: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resident_model",
			Help:      "1 for the kind currently occupying the synthesis slot.",
		}, []string{"kind"}),
		ModelMemoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_memory_bytes",
			Help:      "Device memory reported by the resident model.",
		}),
		SynthesisLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_seconds",
			Help:      "Synthesis call latency by model kind.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"kind"}),
		SynthesisErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_errors_total",
			Help:      "Failed synthesis calls by model kind.",
		}, []string{"kind"}),
		TranscribeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcribe_seconds",
			Help:      "Transcription latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40},
		}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently running.",
		}),
		JobEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle events by job kind and event.",
		}, []string{"kind", "event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Progress stream frames by type.",
		}, []string{"type"}),
		PersonalityChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "personality_changes_total",
			Help:      "Personality store mutations by operation.",
		}, []string{"op"}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveModelLoad(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelSwaps.WithLabelValues(kind).Inc()
	m.ModelLoadLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// SetResidentModel flips the resident gauge to kind; an empty kind clears it.
func (m *Metrics) SetResidentModel(kind string, memoryBytes int64) {
	if m == nil {
		return
	}
	m.ResidentModel.Reset()
	if kind != "" {
		m.ResidentModel.WithLabelValues(kind).Set(1)
	}
	m.ModelMemoryBytes.Set(float64(memoryBytes))
}

func (m *Metrics) ObserveSynthesis(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SynthesisLatency.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.SynthesisErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveTranscription(d time.Duration) {
	if m == nil {
		return
	}
	m.TranscribeLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveJobEvent(kind, event string) {
	if m == nil {
		return
	}
	m.JobEvents.WithLabelValues(kind, event).Inc()
}

func (m *Metrics) ObserveWSMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ObservePersonalityChange(op string) {
	if m == nil {
		return
	}
	m.PersonalityChanges.WithLabelValues(op).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(n))
}

// ObserveStage records a job stage latency in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Stages.Observe(stage, d)
}

func (m *Metrics) ObserveOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.Stages.ObserveOutcome(kind + ":" + outcome)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return NewStageWindow(0).Snapshot()
	}
	return m.Stages.Snapshot()
}
