package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/pkg/util/errkind"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()

	p, err := New(Config{
		NumWorkers: workers,
		MinBackoff: time.Millisecond,
		MaxBackoff: 4 * time.Millisecond,
		MaxRetries: 3,
	}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))
	})
	return p
}

func TestPool_Do(t *testing.T) {
	p := newTestPool(t, 4)

	var ran atomic.Int32
	var tasks []Task
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tasks = append(tasks, Task{
			ID: id,
			Run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		})
	}

	require.NoError(t, p.Do(context.Background(), tasks...))
	require.EqualValues(t, 5, ran.Load())
}

func TestPool_dependencyOrder(t *testing.T) {
	p := newTestPool(t, 4)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(id string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, id)
			return nil
		}
	}

	// Diamond: buckets depend on both inputs, the final merge on both buckets.
	err := p.Do(context.Background(),
		Task{ID: "merge", Deps: []string{"bucket/0", "bucket/1"}, Run: record("merge")},
		Task{ID: "bucket/0", Deps: []string{"input/0", "input/1"}, Run: record("bucket/0")},
		Task{ID: "bucket/1", Deps: []string{"input/0", "input/1"}, Run: record("bucket/1")},
		Task{ID: "input/0", Run: record("input/0")},
		Task{ID: "input/1", Run: record("input/1")},
	)
	require.NoError(t, err)
	require.Len(t, order, 5)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	require.Less(t, pos["input/0"], pos["bucket/0"])
	require.Less(t, pos["input/1"], pos["bucket/0"])
	require.Less(t, pos["input/0"], pos["bucket/1"])
	require.Less(t, pos["input/1"], pos["bucket/1"])
	require.Equal(t, 4, pos["merge"])
}

func TestPool_transientRetry(t *testing.T) {
	p := newTestPool(t, 2)

	var flaky, stable atomic.Int32
	err := p.Do(context.Background(),
		Task{ID: "flaky", Run: func(context.Context) error {
			if flaky.Add(1) < 3 {
				return errkind.Transientf("worker unreachable")
			}
			return nil
		}},
		Task{ID: "stable", Run: func(context.Context) error {
			stable.Add(1)
			return nil
		}},
	)
	require.NoError(t, err)

	// Only the failing task is re-run.
	require.EqualValues(t, 3, flaky.Load())
	require.EqualValues(t, 1, stable.Load())
}

func TestPool_retriesExhausted(t *testing.T) {
	p := newTestPool(t, 1)

	var attempts atomic.Int32
	err := p.Do(context.Background(), Task{ID: "flaky", Run: func(context.Context) error {
		attempts.Add(1)
		return errkind.Transientf("worker unreachable")
	}})
	require.ErrorContains(t, err, "task flaky")
	require.ErrorContains(t, err, "worker unreachable")
	require.True(t, errkind.IsTransient(err))

	// Initial attempt plus MaxRetries-bounded retries.
	require.EqualValues(t, 3, attempts.Load())
}

func TestPool_fatalCancelsDependents(t *testing.T) {
	p := newTestPool(t, 2)

	boom := errors.New("malformed partition")
	var dependents atomic.Int32
	err := p.Do(context.Background(),
		Task{ID: "input", Run: func(context.Context) error { return boom }},
		Task{ID: "bucket/0", Deps: []string{"input"}, Run: func(context.Context) error {
			dependents.Add(1)
			return nil
		}},
		Task{ID: "bucket/1", Deps: []string{"input"}, Run: func(context.Context) error {
			dependents.Add(1)
			return nil
		}},
	)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "task input")
	require.Zero(t, dependents.Load())
}

func TestPool_cancellation(t *testing.T) {
	p := newTestPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	h, err := p.Submit(ctx, []Task{
		{ID: "blocked", Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}},
		{ID: "queued", Deps: []string{"blocked"}, Run: func(context.Context) error {
			t.Error("queued task must not run after cancellation")
			return nil
		}},
	})
	require.NoError(t, err)

	<-started
	cancel()
	require.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
}

func TestPool_Go_noRetry(t *testing.T) {
	p := newTestPool(t, 1)

	var attempts atomic.Int32
	h, err := p.Go(context.Background(), "stream", func(context.Context) error {
		attempts.Add(1)
		return errkind.Transientf("broken stream")
	})
	require.NoError(t, err)
	require.ErrorContains(t, h.Wait(context.Background()), "broken stream")
	require.EqualValues(t, 1, attempts.Load())
}

func TestPool_Submit_validation(t *testing.T) {
	p := newTestPool(t, 1)
	noop := func(context.Context) error { return nil }

	for _, tc := range []struct {
		name  string
		tasks []Task
		want  string
	}{
		{
			name:  "missing ID",
			tasks: []Task{{Run: noop}},
			want:  "task without ID",
		},
		{
			name:  "missing function",
			tasks: []Task{{ID: "a"}},
			want:  "no function",
		},
		{
			name:  "duplicate ID",
			tasks: []Task{{ID: "a", Run: noop}, {ID: "a", Run: noop}},
			want:  "duplicate task ID",
		},
		{
			name:  "unknown dependency",
			tasks: []Task{{ID: "a", Deps: []string{"ghost"}, Run: noop}},
			want:  "unknown task",
		},
		{
			name: "cycle",
			tasks: []Task{
				{ID: "a", Deps: []string{"b"}, Run: noop},
				{ID: "b", Deps: []string{"a"}, Run: noop},
			},
			want: "cycle",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Submit(context.Background(), tc.tasks)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestPool_notRunning(t *testing.T) {
	p, err := New(Config{NumWorkers: 1, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), []Task{{ID: "a", Run: func(context.Context) error { return nil }}})
	require.ErrorContains(t, err, "not running")
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{NumWorkers: 0}
	require.ErrorContains(t, cfg.Validate(), "at least one worker")

	cfg = Config{NumWorkers: 1, MinBackoff: time.Second, MaxBackoff: time.Millisecond}
	require.ErrorContains(t, cfg.Validate(), "backoff")
}
