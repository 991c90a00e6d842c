package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"authgate/internal/observability"
)

const defaultInterval = time.Hour

// Job is a unit of periodic maintenance work. Jobs must be idempotent:
// the scheduler runs them on every tick and may run a tick twice after a
// restart.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler drives registered jobs on a fixed interval, in registration
// order. A failing or panicking job never stops the others.
type Scheduler struct {
	logger   *observability.Logger
	interval time.Duration
	jobs     []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScheduler(logger *observability.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
	}
}

// Register appends a job to the run order. Not safe to call after Start.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches the scheduler loop. The first tick fires one full interval
// after Start, not immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)

	s.logger.Info("job_scheduler_started", map[string]any{
		"interval": s.interval.String(),
		"jobs":     len(s.jobs),
	})
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("job_scheduler_stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every registered job once, in order. Exposed so
// operators can trigger a sweep outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("job %s panicked: %v", job.Name(), recovered)
			sentry.CaptureException(err)
			s.logger.Error("job_panicked", map[string]any{
				"job":   job.Name(),
				"panic": fmt.Sprint(recovered),
			})
		}
	}()

	started := time.Now()
	if err := job.Run(ctx); err != nil {
		sentry.CaptureException(err)
		s.logger.Error("job_failed", map[string]any{
			"job":   job.Name(),
			"error": err.Error(),
		})
		return
	}

	s.logger.Info("job_completed", map[string]any{
		"job":         job.Name(),
		"duration_ms": time.Since(started).Milliseconds(),
	})
}
