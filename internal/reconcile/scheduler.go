package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

const sweepTag = "reconcile-sweep"

// Scheduler runs Reconciler.Sweep at a fixed interval. Overlapping runs are skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler schedules sweeps every interval, the first one immediately.
// A non-positive interval selects DefaultInterval.
func NewScheduler(r *Reconciler, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	_, err := s.Every(interval).Tag(sweepTag).Do(func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Reconcile sweep failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return &Scheduler{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop cancels any running sweep and stops the scheduler.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}
