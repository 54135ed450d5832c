// Package scheduler runs named periodic tasks until stopped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/metrics"
)

// Task is one periodic job. Run receives a context that is canceled on Stop.
type Task struct {
	Name         string
	InitialDelay time.Duration
	Interval     time.Duration
	Run          func(ctx context.Context) error
}

// Scheduler owns one goroutine per task. A run never overlaps with the next
// run of the same task; ticks that arrive while a run is in progress are
// dropped.
type Scheduler struct {
	tasks  []Task
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New validates tasks and returns a stopped Scheduler.
func New(logger *zap.Logger, tasks ...Task) (*Scheduler, error) {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return nil, errors.New("scheduler: task name is required")
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate task %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Interval <= 0 {
			return nil, fmt.Errorf("scheduler: task %q interval must be > 0", t.Name)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("scheduler: task %q has no run func", t.Name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{tasks: append([]Task(nil), tasks...), logger: logger.Named("scheduler")}, nil
}

// Start launches every task. Tasks stop when ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(task Task) {
			defer s.wg.Done()
			s.loop(runCtx, task)
		}(t)
	}
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels running tasks and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	if task.InitialDelay > 0 {
		timer := time.NewTimer(task.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.runOnce(ctx, task)

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	logger := s.logger.With(zap.String("task", task.Name))
	start := time.Now()
	ctx, span := otel.Tracer("procwatch/scheduler").Start(ctx, "scheduler."+task.Name)
	defer span.End()
	err := safeRun(ctx, task.Run)
	metrics.ObserveSchedulerRun(task.Name, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("task interrupted by shutdown", zap.Error(err))
			return
		}
		logger.Error("task failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	logger.Debug("task completed", zap.Duration("duration", time.Since(start)))
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx)
}
