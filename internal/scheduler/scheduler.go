package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/pipeline"
)

// Runner executes a whole run.
type Runner interface {
	RunAll(ctx context.Context, runKey string) (pipeline.RunResult, error)
}

// Scheduler triggers one run per cron tick. The run key is the logical date:
// the day before the tick, so a 02:00 run loads yesterday's data.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	runner     Runner
	schedule   string
	retries    int
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler. retries is the number of extra attempts after
// a failed run.
func New(runner Runner, schedule string, retries int, retryDelay time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler:  gocron.NewScheduler(time.UTC),
		runner:     runner,
		schedule:   schedule,
		retries:    retries,
		retryDelay: retryDelay,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start schedules the daily job and starts the underlying scheduler.
// Overlapping ticks are skipped while a run is still in progress.
func (s *Scheduler) Start() error {
	s.scheduler.SingletonModeAll()

	_, err := s.scheduler.Cron(s.schedule).Do(func() {
		runKey := LogicalDate(time.Now())
		zap.L().Info("scheduler: triggering run", zap.String("run_key", runKey))
		if _, err := s.RunWithRetries(s.ctx, runKey); err != nil {
			zap.L().Error("scheduler: run gave up", zap.String("run_key", runKey), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	zap.L().Info("scheduler: started", zap.String("schedule", s.schedule))
	return nil
}

// Stop stops the scheduler, cancels any future jobs and aborts a pending
// retry wait.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// RunWithRetries runs runKey and retries the whole run on failure, waiting
// retryDelay between attempts. Retrying is safe because loads upsert by id.
func (s *Scheduler) RunWithRetries(ctx context.Context, runKey string) (pipeline.RunResult, error) {
	var (
		res pipeline.RunResult
		err error
	)
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			zap.L().Warn("scheduler: retrying run",
				zap.String("run_key", runKey),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", s.retryDelay),
				zap.Error(err),
			)
			if werr := wait(ctx, s.retryDelay); werr != nil {
				return res, errors.Join(err, werr)
			}
		}
		res, err = s.runner.RunAll(ctx, runKey)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, pipeline.ErrRunKeyRequired) {
			return res, err
		}
	}
	return res, err
}

// LogicalDate returns the run key for a tick at t.
func LogicalDate(t time.Time) string {
	return t.UTC().AddDate(0, 0, -1).Format("2006-01-02")
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
