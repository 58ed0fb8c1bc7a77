package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged, never propagated.
type PrometheusSink struct {
	log zerolog.Logger

	armedTotal      prometheus.Counter
	firedTotal      prometheus.Counter
	fireLateness    prometheus.Histogram
	skippedTotal    prometheus.Counter
	cancelledTotal  *prometheus.CounterVec
	armedJobs       prometheus.Gauge
	chainEndedTotal *prometheus.CounterVec

	deliveryOutcomesTotal *prometheus.CounterVec

	reconcileRunsTotal    prometheus.Counter
	reconcileErrorsTotal  prometheus.Counter
	reconcileRearmedTotal prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer, logger zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: logger.With().Str("component", "metrics").Logger()}
	s.initSchedulerMetrics(reg)
	s.initDeliveryMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.armedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remindline_scheduler_armed_total",
		Help: "Total number of reminder occurrences armed.",
	})
	s.firedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remindline_scheduler_fired_total",
		Help: "Total number of reminder occurrences fired.",
	})
	s.fireLateness = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "remindline_scheduler_fire_lateness_seconds",
		Help:    "Delay between the due time and the actual fire time in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
	s.skippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remindline_scheduler_skipped_total",
		Help: "Total number of occurrences skipped because they were overdue beyond the grace window.",
	})
	s.cancelledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remindline_scheduler_cancel_requests_total",
		Help: "Total number of cancel requests by result.",
	}, []string{"result"})
	s.armedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remindline_scheduler_armed_jobs",
		Help: "Number of timers currently armed.",
	})
	s.chainEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remindline_scheduler_chains_terminated_total",
		Help: "Total number of recurrence chains that stopped, by reason.",
	}, []string{"reason"})

	s.register(reg, s.armedTotal, "remindline_scheduler_armed_total")
	s.register(reg, s.firedTotal, "remindline_scheduler_fired_total")
	s.register(reg, s.fireLateness, "remindline_scheduler_fire_lateness_seconds")
	s.register(reg, s.skippedTotal, "remindline_scheduler_skipped_total")
	s.register(reg, s.cancelledTotal, "remindline_scheduler_cancel_requests_total")
	s.register(reg, s.armedJobs, "remindline_scheduler_armed_jobs")
	s.register(reg, s.chainEndedTotal, "remindline_scheduler_chains_terminated_total")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remindline_delivery_outcomes_total",
		Help: "Total number of per-recipient delivery outcomes.",
	}, []string{"outcome"})

	s.register(reg, s.deliveryOutcomesTotal, "remindline_delivery_outcomes_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remindline_reconciler_runs_total",
		Help: "Total number of reconcile cycles.",
	})
	s.reconcileErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remindline_reconciler_errors_total",
		Help: "Total number of reconcile cycles that failed.",
	})
	s.reconcileRearmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remindline_reconciler_rearmed_total",
		Help: "Total number of reminders armed by the reconciler.",
	})

	s.register(reg, s.reconcileRunsTotal, "remindline_reconciler_runs_total")
	s.register(reg, s.reconcileErrorsTotal, "remindline_reconciler_errors_total")
	s.register(reg, s.reconcileRearmedTotal, "remindline_reconciler_rearmed_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn().Err(err).Str("metric", name).Msg("failed to register metric")
	}
}

func (s *PrometheusSink) ReminderArmed() {
	s.armedTotal.Inc()
}

func (s *PrometheusSink) ReminderFired(lateness time.Duration) {
	s.firedTotal.Inc()
	d := lateness.Seconds()
	if d < 0 {
		d = 0
	}
	s.fireLateness.Observe(d)
}

func (s *PrometheusSink) ReminderSkipped() {
	s.skippedTotal.Inc()
}

func (s *PrometheusSink) ReminderCancelled(result string) {
	s.cancelledTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) ArmedJobsUpdate(count int) {
	s.armedJobs.Set(float64(count))
}

func (s *PrometheusSink) ChainTerminated(reason string) {
	s.chainEndedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) ReconcileCompleted(rearmed int, err error) {
	s.reconcileRunsTotal.Inc()
	if err != nil {
		s.reconcileErrorsTotal.Inc()
		return
	}
	s.reconcileRearmedTotal.Add(float64(rearmed))
}
