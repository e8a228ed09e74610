// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyfuzz.
//
// go-keyfuzz is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics exposes Prometheus instrumentation for replay runs and
// fuzzing campaigns. Collection can be switched off globally with Disable.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace prefixes every metric name.
	Namespace = "keyfuzz"

	LabelOperation = "operation"
	LabelTarget    = "target"
	LabelStatus    = "status"
	LabelResult    = "result"

	// Run results.
	ResultCompleted = "completed"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
)

var (
	// DispatchTotal counts dispatched operations by device status name.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dispatch_total",
			Help:      "Total number of operations dispatched to a device target",
		},
		[]string{LabelOperation, LabelTarget, LabelStatus},
	)

	// DispatchDuration observes device call latency.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of device calls in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{LabelOperation, LabelTarget},
	)

	// UnknownOperationsTotal counts functions file entries with no action.
	// Names come from untrusted input and are never used as label values.
	UnknownOperationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "unknown_operations_total",
			Help:      "Total number of unknown operation names encountered",
		},
	)

	// RunsTotal counts replay runs by result.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Total number of replay runs",
		},
		[]string{LabelResult},
	)

	// DivergencesTotal counts comparator mismatches by operation.
	DivergencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "divergences_total",
			Help:      "Total number of cross-target response mismatches",
		},
		[]string{LabelOperation},
	)

	// DisallowedTransitions reports the size of the grammar's stale bigram set.
	DisallowedTransitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "grammar_disallowed_transitions",
			Help:      "Number of operation transitions the grammar currently disallows",
		},
	)

	// Goroutines is updated by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes is updated by the resource collector.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	// Uptime is updated by the resource collector.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the resource collector started",
		},
	)
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// Enable turns metric collection on.
func Enable() {
	enabled.Store(true)
}

// Disable turns metric collection off. Record calls become no-ops.
func Disable() {
	enabled.Store(false)
}

// IsEnabled reports whether metrics are being collected.
func IsEnabled() bool {
	return enabled.Load()
}

// RecordDispatch records one device call.
func RecordDispatch(operation, target, status string, seconds float64) {
	if !IsEnabled() {
		return
	}
	DispatchTotal.WithLabelValues(operation, target, status).Inc()
	DispatchDuration.WithLabelValues(operation, target).Observe(seconds)
}

// RecordUnknown records a functions file entry with no dispatch action.
func RecordUnknown() {
	if !IsEnabled() {
		return
	}
	UnknownOperationsTotal.Inc()
}

// RecordRun records the outcome of a replay run.
func RecordRun(result string) {
	if !IsEnabled() {
		return
	}
	RunsTotal.WithLabelValues(result).Inc()
}

// RecordDivergence records a comparator mismatch.
func RecordDivergence(operation string) {
	if !IsEnabled() {
		return
	}
	DivergencesTotal.WithLabelValues(operation).Inc()
}

// SetDisallowedTransitions publishes the grammar's disallowed transition count.
func SetDisallowedTransitions(n int) {
	if !IsEnabled() {
		return
	}
	DisallowedTransitions.Set(float64(n))
}
