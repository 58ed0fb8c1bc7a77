// Package reconciler periodically re-arms persisted reminders that have no
// live timer: rows written by another process, or whose arming was lost.
package reconciler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/hray3182/remindline/internal/clock"
	"github.com/hray3182/remindline/internal/metrics"
)

type Resyncer interface {
	Resync(ctx context.Context) (int, error)
}

type Reconciler struct {
	scheduler gocron.Scheduler
	engine    Resyncer
	timeout   time.Duration
	metrics   metrics.Sink
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers a job that resyncs the engine every interval. Runs never
// overlap; a run still going when the next is due pushes it back.
func New(engine Resyncer, interval time.Duration, clk clock.Clock, sink metrics.Sink, logger zerolog.Logger) (*Reconciler, error) {
	s, err := gocron.NewScheduler(gocron.WithClock(clk))
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		scheduler: s,
		engine:    engine,
		timeout:   interval,
		metrics:   sink,
		log:       logger.With().Str("component", "reconciler").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { r.RunOnce(r.ctx) }),
		gocron.WithName("reconcile-reminders"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return nil, errors.Wrap(err, "register reconcile job")
	}
	return r, nil
}

func (r *Reconciler) Start() {
	r.scheduler.Start()
}

// Stop cancels a run in progress and waits for the scheduler to shut down.
func (r *Reconciler) Stop() error {
	r.cancel()
	return errors.Wrap(r.scheduler.Shutdown(), "shutdown scheduler")
}

// RunOnce performs one reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.engine.Resync(ctx)
	r.metrics.ReconcileCompleted(n, err)
	if err != nil {
		r.log.Error().Err(err).Int("rearmed", n).Msg("reconcile failed")
		return
	}
	if n > 0 {
		r.log.Info().Int("rearmed", n).Msg("re-armed reminders without a timer")
	}
}
