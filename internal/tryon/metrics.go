package tryon

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for pipeline runs
type Observer interface {
	RecordStage(stage Stage, duration time.Duration, err error)
	RecordPolls(attempts int)
	RecordStored(sizeBytes uint64)
}

// PrometheusObserver exports pipeline metrics to Prometheus
type PrometheusObserver struct {
	stageDuration *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	pollAttempts  prometheus.Histogram
	storedBytes   prometheus.Counter
}

// NewPrometheusObserver registers stage, failure, poll and storage metrics
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "tryon"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each try-on pipeline stage.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Try-on pipeline failures by stage and kind.",
		}, []string{"stage", "kind"}),
		pollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_attempts",
			Help:      "Status queries issued per remote job.",
			Buckets:   prometheus.LinearBuckets(1, 3, 11),
		}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_bytes_total",
			Help:      "Cumulative size of artifacts written to object storage.",
		}),
	}

	collectors := []prometheus.Collector{o.stageDuration, o.failures, o.pollAttempts, o.storedBytes}
	for i, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				collectors[i] = are.ExistingCollector
				continue
			}
			return nil, fmt.Errorf("register tryon metric: %w", err)
		}
	}
	// Reuse collectors registered by an earlier observer in the same process
	o.stageDuration = collectors[0].(*prometheus.HistogramVec)
	o.failures = collectors[1].(*prometheus.CounterVec)
	o.pollAttempts = collectors[2].(prometheus.Histogram)
	o.storedBytes = collectors[3].(prometheus.Counter)
	return o, nil
}

func (o *PrometheusObserver) RecordStage(stage Stage, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
	if err == nil {
		return
	}
	kind := "internal"
	if e, ok := AsError(err); ok {
		kind = string(e.Kind)
	}
	o.failures.WithLabelValues(string(stage), kind).Inc()
}

func (o *PrometheusObserver) RecordPolls(attempts int) {
	if o == nil {
		return
	}
	o.pollAttempts.Observe(float64(attempts))
}

func (o *PrometheusObserver) RecordStored(sizeBytes uint64) {
	if o == nil {
		return
	}
	o.storedBytes.Add(float64(sizeBytes))
}

type nopObserver struct{}

func (nopObserver) RecordStage(Stage, time.Duration, error) {}
func (nopObserver) RecordPolls(int)                         {}
func (nopObserver) RecordStored(uint64)                     {}
