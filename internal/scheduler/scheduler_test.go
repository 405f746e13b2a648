package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/resilience"
)

func noRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond}
}

func TestSubmit_DeliversAllResults(t *testing.T) {
	s := New(Config{ConcurrencyLimit: 2, Retry: noRetry()})

	tasks := []Task{
		{Module: "a", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
			return []model.Artifact{{Title: "a1"}}, nil
		}},
		{Module: "b", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
			return []model.Artifact{{Title: "b1"}, {Title: "b2"}}, nil
		}},
		{Module: "c", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
			return nil, eris.New("source down")
		}},
	}

	byModule := map[string]TaskResult{}
	for res := range s.Submit(context.Background(), tasks) {
		byModule[res.Task.Module] = res
	}

	require.Len(t, byModule, 3)
	assert.Len(t, byModule["a"].Artifacts, 1)
	assert.Len(t, byModule["b"].Artifacts, 2)
	assert.Error(t, byModule["c"].Err)
}

func TestSubmit_ConcurrencyBound(t *testing.T) {
	const limit = 2
	s := New(Config{ConcurrencyLimit: limit, Retry: noRetry()})

	var current, peak int64
	task := Task{Module: "m", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return nil, nil
	}}

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = task
	}
	for range s.Submit(context.Background(), tasks) {
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
}

func TestSubmit_PoolSharedAcrossSubmissions(t *testing.T) {
	s := New(Config{ConcurrencyLimit: 1, Retry: noRetry()})

	var current, peak int64
	task := Task{Module: "m", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return nil, nil
	}}

	// Two independent Submit calls share one semaphore.
	ch1 := s.Submit(context.Background(), []Task{task, task})
	ch2 := s.Submit(context.Background(), []Task{task, task})
	for range ch1 {
	}
	for range ch2 {
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&peak))
}

func TestSubmit_PerTaskTimeout(t *testing.T) {
	s := New(Config{ConcurrencyLimit: 1, DefaultTimeout: 20 * time.Millisecond, Retry: noRetry()})

	task := Task{Module: "slow", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return []model.Artifact{{Title: "too late"}}, nil
		}
	}}

	res := <-s.Submit(context.Background(), []Task{task})
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	s := New(Config{ConcurrencyLimit: 1, Retry: resilience.Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}})

	var calls int64
	task := Task{Module: "flaky", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return nil, resilience.Transient(eris.New("source hiccup"))
		}
		return []model.Artifact{{Title: "finally"}}, nil
	}}

	res := <-s.Submit(context.Background(), []Task{task})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.Artifacts, 1)
}

func TestSubmit_CancelAbortsQueuedTasks(t *testing.T) {
	s := New(Config{ConcurrencyLimit: 1, Retry: noRetry()})
	ctx, cancel := context.WithCancel(context.Background())

	// With a pool of one, whichever task starts first blocks the other in
	// the queue; cancelling must abort both.
	started := make(chan struct{}, 2)
	hang := Task{Module: "hang", Fetch: func(ctx context.Context) ([]model.Artifact, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	results := s.Submit(ctx, []Task{hang, hang})
	<-started
	cancel()

	errs := 0
	for res := range results {
		if res.Err != nil {
			errs++
		}
	}
	assert.Equal(t, 2, errs)
}
