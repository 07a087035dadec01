package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "vsphere_actions"

	actionResultsTotal  = "action_results_total"
	taskTrackingSeconds = "task_tracking_duration_seconds"

	actionLabel    = "action"
	errorTypeLabel = "error_type"
	stateLabel     = "state"

	// ErrorTypeNone is the error_type label value for successful actions.
	ErrorTypeNone = "NONE"
)

var actionResultsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      actionResultsTotal,
		Help:      "number of action results partitioned by action and error type",
	},
	[]string{actionLabel, errorTypeLabel},
)

var taskTrackingSecondsMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      taskTrackingSeconds,
		Help:      "time spent tracking a management-plane task to a terminal state",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	},
	[]string{stateLabel},
)

// IncreaseActionResultMetric records one action outcome. Pass ErrorTypeNone
// for successes.
func IncreaseActionResultMetric(action, errorType string) {
	actionResultsTotalMetric.With(prometheus.Labels{
		actionLabel:    action,
		errorTypeLabel: errorType,
	}).Inc()
}

// ObserveTaskTrackingMetric records how long a task took to reach the given
// terminal state.
func ObserveTaskTrackingMetric(state string, elapsed time.Duration) {
	taskTrackingSecondsMetric.With(prometheus.Labels{
		stateLabel: state,
	}).Observe(elapsed.Seconds())
}

// RegisterMetrics registers the action metrics on the default registerer.
func RegisterMetrics() {
	prometheus.MustRegister(actionResultsTotalMetric)
	prometheus.MustRegister(taskTrackingSecondsMetric)
}
