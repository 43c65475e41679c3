package sqlite

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLabels  = []string{"query", "success"}
	databaseTimer = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vulnstore",
		Subsystem: "datastore_sqlite",
		Name:      "query_duration_seconds",
		Help:      "Database query duration for noted query, including data read time.",
	}, metricLabels)
	databaseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulnstore",
		Subsystem: "datastore_sqlite",
		Name:      "query_total",
		Help:      "Database query count for noted query.",
	}, metricLabels)
)

// observe times the named store method. The returned func must be
// deferred; it reads *err at return time to label the observation.
func observe(name string, err *error) func() {
	timer := prometheus.NewTimer(nil)
	return func() {
		labels := prometheus.Labels{
			"query":   name,
			"success": strconv.FormatBool(errors.Is(*err, nil)),
		}
		databaseTimer.With(labels).Observe(timer.ObserveDuration().Seconds())
		databaseCounter.With(labels).Inc()
	}
}
