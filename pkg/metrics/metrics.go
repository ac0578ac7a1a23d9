package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels a single delivery attempt.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// Observer captures pipeline telemetry from the listener and delivery worker.
type Observer interface {
	RecordEnqueue(depth int)
	RecordDelivery(duration time.Duration, outcome Outcome, depth int)
}

// Nop returns an observer that drops every measurement.
func Nop() Observer { return nopObserver{} }

// PrometheusObserver exports pipeline metrics to Prometheus.
type PrometheusObserver struct {
	chords     prometheus.Counter
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	depth      prometheus.Gauge
}

// NewPrometheusObserver registers chord, delivery and queue metrics.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "keyboard_monitor"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	observer := &PrometheusObserver{
		chords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chords_enqueued_total",
			Help:      "Chord records handed from the key hook to the queue.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Latency of datastore inserts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting for delivery.",
		}),
	}

	var err error
	if observer.chords, err = register(reg, observer.chords); err != nil {
		return nil, err
	}
	if observer.deliveries, err = register(reg, observer.deliveries); err != nil {
		return nil, err
	}
	if observer.duration, err = register(reg, observer.duration); err != nil {
		return nil, err
	}
	if observer.depth, err = register(reg, observer.depth); err != nil {
		return nil, err
	}
	return observer, nil
}

// register adopts an already registered collector of the same type so that
// several observers in one process share series.
func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return collector, fmt.Errorf("register pipeline metric: %w", err)
	}
	return collector, nil
}

// RecordEnqueue counts a chord and updates the queue depth.
func (o *PrometheusObserver) RecordEnqueue(depth int) {
	if o == nil {
		return
	}
	o.chords.Inc()
	o.depth.Set(float64(depth))
}

// RecordDelivery tracks one insert attempt.
func (o *PrometheusObserver) RecordDelivery(duration time.Duration, outcome Outcome, depth int) {
	if o == nil {
		return
	}
	o.deliveries.WithLabelValues(string(outcome)).Inc()
	o.duration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
	o.depth.Set(float64(depth))
}

type nopObserver struct{}

func (nopObserver) RecordEnqueue(int) {}

func (nopObserver) RecordDelivery(time.Duration, Outcome, int) {}
