package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicejournal"

// Job outcomes
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Pipeline stages
const (
	StageNormalize  = "normalize"
	StageTranscribe = "transcribe"
	StagePersist    = "persist"
)

// QueueCounter reports the number of jobs per status
type QueueCounter func(ctx context.Context) (map[string]int, error)

// Metrics holds every collector exported by the service
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	AudioDuration      prometheus.Histogram
	ReflectionsCreated *prometheus.CounterVec
	EngineInits        prometheus.Counter
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_jobs_total",
			Help:      "Transcription job attempts by outcome",
		}, []string{"outcome", "reason"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_stage_duration_seconds",
			Help:      "Time spent in each transcription stage",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		AudioDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reflection_audio_duration_seconds",
			Help:      "Length of normalized reflection audio",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		ReflectionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflections_created_total",
			Help:      "Reflections created through the API",
		}, []string{"with_audio"}),
		EngineInits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_engine_initializations_total",
			Help:      "Times the transcription engine was initialized in this process",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsTotal,
		m.StageDuration,
		m.AudioDuration,
		m.ReflectionsCreated,
		m.EngineInits,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long a stage took
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// JobOutcome counts a finished attempt
func (m *Metrics) JobOutcome(outcome, reason string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveAudio records the length of a normalized waveform
func (m *Metrics) ObserveAudio(d time.Duration) {
	if m == nil {
		return
	}
	m.AudioDuration.Observe(d.Seconds())
}

// ReflectionCreated counts a new reflection
func (m *Metrics) ReflectionCreated(withAudio bool) {
	if m == nil {
		return
	}
	label := "false"
	if withAudio {
		label = "true"
	}
	m.ReflectionsCreated.WithLabelValues(label).Inc()
}

// EngineInitialized counts an engine initialization
func (m *Metrics) EngineInitialized() {
	if m == nil {
		return
	}
	m.EngineInits.Inc()
}

// RegisterQueue exports the current queue size per status, read at scrape time
func (m *Metrics) RegisterQueue(counter QueueCounter) error {
	return m.registry.Register(&queueCollector{
		counter: counter,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "transcription_queue_jobs"),
			"Transcription jobs currently in each status",
			[]string{"status"}, nil,
		),
	})
}

type queueCollector struct {
	counter QueueCounter
	desc    *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := c.counter(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
