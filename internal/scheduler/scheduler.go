// Package scheduler fans collection tasks out across a bounded worker pool
// with per-task timeout and retry. The pool capacity is process-wide shared
// state: one Scheduler instance serves every session, so the configured
// concurrency limit holds across concurrent runs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/resilience"
)

// FetchFunc executes one collection attempt. Implementations must respect
// the context deadline; on expiry the attempt counts as a failure for retry
// purposes.
type FetchFunc func(ctx context.Context) ([]model.Artifact, error)

// Task is one independent unit of collection work. Dependency gating happens
// upstream in the orchestrator; by the time a task is submitted its
// dependencies are already satisfied.
type Task struct {
	Module  string
	Source  string
	Timeout time.Duration // zero falls back to the scheduler default
	Fetch   FetchFunc
}

// TaskResult is delivered on the results channel as tasks complete,
// unordered relative to submission.
type TaskResult struct {
	Task      Task
	Artifacts []model.Artifact
	Err       error
	Attempts  int
}

// Config bounds the worker pool.
type Config struct {
	// ConcurrencyLimit caps simultaneously running tasks. Default: 4.
	ConcurrencyLimit int

	// DefaultTimeout is the per-task deadline for tasks that do not carry
	// their own. Default: 60s.
	DefaultTimeout time.Duration

	// Retry is the per-task retry policy (exponential backoff with jitter).
	Retry resilience.Policy
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	return c
}

// Scheduler runs collection tasks through the shared worker pool.
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted
}

// New creates a scheduler with a fixed pool capacity.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
	}
}

// Submit starts the given tasks and returns a channel that yields one
// TaskResult per task as it completes. The channel is closed once every task
// has reported. Cancelling ctx aborts queued and in-flight tasks at their
// next suspension point.
func (s *Scheduler) Submit(ctx context.Context, tasks []Task) <-chan TaskResult {
	results := make(chan TaskResult, len(tasks))

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			results <- s.run(ctx, task)
		}(task)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (s *Scheduler) run(ctx context.Context, task Task) TaskResult {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return TaskResult{Task: task, Err: eris.Wrapf(err, "scheduler: %s aborted before start", task.Module)}
	}
	defer s.sem.Release(1)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	retry := s.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("scheduler", task.Module)
	}

	attempts := 0
	start := time.Now()
	artifacts, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.Artifact, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return task.Fetch(attemptCtx)
	})

	if err != nil {
		zap.L().Warn("scheduler: task failed",
			zap.String("module", task.Module),
			zap.String("source", task.Source),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return TaskResult{
			Task:     task,
			Err:      eris.Wrapf(err, "scheduler: %s exhausted retries", task.Module),
			Attempts: attempts,
		}
	}

	zap.L().Debug("scheduler: task complete",
		zap.String("module", task.Module),
		zap.String("source", task.Source),
		zap.Int("artifacts", len(artifacts)),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(start)),
	)
	return TaskResult{Task: task, Artifacts: artifacts, Attempts: attempts}
}
