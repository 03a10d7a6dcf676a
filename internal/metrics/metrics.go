package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the collectors that describe reconciliation activity. It is
// deliberately free of domain imports so the core can depend on it.
type Set struct {
	cyclesTotal   prometheus.Counter
	cycleDuration prometheus.Histogram
	feedFailures  prometheus.Counter
	eventsTotal   *prometheus.CounterVec
	targetsTotal  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Set {
	s := &Set{
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "cycles_total",
			Help:      "Completed reconciliation cycles",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "calsync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one reconciliation cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		feedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "feed_failures_total",
			Help:      "Cycles aborted because the source snapshot could not be fetched",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "events_total",
			Help:      "Source event transitions by change kind",
		}, []string{"change"}),
		targetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "targets_total",
			Help:      "Per-(event,identity) dispatch outcomes",
		}, []string{"action", "status"}),
	}
	if reg != nil {
		reg.MustRegister(s.cyclesTotal, s.cycleDuration, s.feedFailures, s.eventsTotal, s.targetsTotal)
	}
	return s
}

func (s *Set) ObserveCycle(d time.Duration) {
	if s == nil {
		return
	}
	s.cyclesTotal.Inc()
	s.cycleDuration.Observe(d.Seconds())
}

func (s *Set) IncFeedFailure() {
	if s == nil {
		return
	}
	s.feedFailures.Inc()
}

func (s *Set) AddEvents(change string, n int) {
	if s == nil || n <= 0 {
		return
	}
	s.eventsTotal.WithLabelValues(change).Add(float64(n))
}

func (s *Set) IncTarget(action, status string) {
	if s == nil {
		return
	}
	s.targetsTotal.WithLabelValues(action, status).Inc()
}
