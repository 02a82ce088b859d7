package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trackerd",
			Subsystem: "collector",
			Name:      "events_recorded_total",
			Help:      "Number of events recorded, by event type.",
		}, []string{"event_type"},
	)
	flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trackerd",
			Subsystem: "collector",
			Name:      "flushes_total",
			Help:      "Number of flush attempts, by outcome.",
		}, []string{"outcome"},
	)
	flushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trackerd",
			Subsystem: "collector",
			Name:      "flush_batch_size",
			Help:      "Number of events carried by each delivery attempt.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
	pendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trackerd",
			Subsystem: "collector",
			Name:      "pending_events",
			Help:      "Events waiting for the next flush.",
		},
	)
	historyWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trackerd",
			Subsystem: "collector",
			Name:      "history_write_failures_total",
			Help:      "Failed writes of the local event history.",
		},
	)
	sinkStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trackerd",
			Subsystem: "sink",
			Name:      "events_stored_total",
			Help:      "Events appended to the sink store.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{eventsRecorded, flushes, flushBatchSize, pendingEvents, historyWriteFailures, sinkStored}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRecorded(eventType string) {
	if regOK.Load() {
		eventsRecorded.WithLabelValues(eventType).Inc()
	}
}

func IncFlush(outcome string) {
	if regOK.Load() {
		flushes.WithLabelValues(outcome).Inc()
	}
}

func ObserveBatchSize(n int) {
	if regOK.Load() {
		flushBatchSize.Observe(float64(n))
	}
}

func SetPending(n int) {
	if regOK.Load() {
		pendingEvents.Set(float64(n))
	}
}

func IncHistoryWriteFailure() {
	if regOK.Load() {
		historyWriteFailures.Inc()
	}
}

func AddSinkStored(n int) {
	if regOK.Load() {
		sinkStored.Add(float64(n))
	}
}
