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

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apitrail",
			Subsystem: "recorder",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apitrail",
			Subsystem: "recorder",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	transitionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apitrail",
			Subsystem: "recorder",
			Name:      "transition_failures_total",
			Help:      "Number of rejected or failed transitions by reason.",
		}, []string{"reason"},
	)
	callsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apitrail",
			Subsystem: "capture",
			Name:      "calls_recorded_total",
			Help:      "Number of calls admitted into the store.",
		},
	)
	callsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apitrail",
			Subsystem: "capture",
			Name:      "calls_rejected_total",
			Help:      "Number of calls refused at the admission gate.",
		}, []string{"reason"},
	)
	bodiesTruncated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apitrail",
			Subsystem: "capture",
			Name:      "bodies_truncated_total",
			Help:      "Number of response bodies truncated at write time.",
		},
	)
	exportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apitrail",
			Subsystem: "export",
			Name:      "exports_total",
			Help:      "Number of completed session exports.",
		},
	)
	exportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "apitrail",
			Subsystem: "export",
			Name:      "duration_seconds",
			Help:      "Time spent serializing a session export.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stateTransitions, currentState, transitionFailures,
		callsRecorded, callsRejected, bodiesTruncated, exportsTotal, exportDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op if Register hasn't been called.

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentState.WithLabelValues(state).Set(v)
	}
}

func IncTransitionFailure(reason string) {
	if regOK.Load() {
		transitionFailures.WithLabelValues(reason).Inc()
	}
}

func IncCallRecorded() {
	if regOK.Load() {
		callsRecorded.Inc()
	}
}

func IncCallRejected(reason string) {
	if regOK.Load() {
		callsRejected.WithLabelValues(reason).Inc()
	}
}

func IncBodyTruncated() {
	if regOK.Load() {
		bodiesTruncated.Inc()
	}
}

func IncExport() {
	if regOK.Load() {
		exportsTotal.Inc()
	}
}

func ObserveExportDuration(seconds float64) {
	if regOK.Load() {
		exportDuration.Observe(seconds)
	}
}
