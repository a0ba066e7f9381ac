// Package worker provides the in-process scheduler used to execute plan
// fragments in parallel: a fixed pool of goroutine workers consuming tasks
// from submitted task graphs.
//
// Tasks within one submission may depend on each other; a task becomes ready
// once all of its dependencies succeeded. Ready tasks from all submissions
// share the same workers, so concurrency is bounded globally rather than per
// query. Tasks failing with a transient error (see
// [github.com/keelproject/keel/pkg/util/errkind]) are retried with backoff;
// any other failure cancels the remainder of the submission.
package worker

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keelproject/keel/pkg/util/errkind"
)

// Config configures a [Pool].
type Config struct {
	// NumWorkers sets how many tasks may run concurrently.
	NumWorkers int `yaml:"num_workers"`

	// MinBackoff and MaxBackoff bound the delay between retries of a task
	// that failed with a transient error.
	MinBackoff time.Duration `yaml:"retry_min_backoff"`
	MaxBackoff time.Duration `yaml:"retry_max_backoff"`

	// MaxRetries caps how often a transiently failing task is retried before
	// its last error is treated as fatal.
	MaxRetries int `yaml:"retry_max_retries"`
}

// RegisterFlags registers flags for the pool configuration.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.NumWorkers, "worker.num-workers", runtime.GOMAXPROCS(0), "Number of concurrent task workers.")
	f.DurationVar(&cfg.MinBackoff, "worker.retry-min-backoff", 50*time.Millisecond, "Minimum delay between retries of a transiently failing task.")
	f.DurationVar(&cfg.MaxBackoff, "worker.retry-max-backoff", 2*time.Second, "Maximum delay between retries of a transiently failing task.")
	f.IntVar(&cfg.MaxRetries, "worker.retry-max-retries", 3, "How often a transiently failing task is retried before giving up.")
}

// Validate validates the pool configuration.
func (cfg *Config) Validate() error {
	if cfg.NumWorkers < 1 {
		return fmt.Errorf("worker pool needs at least one worker, got %d", cfg.NumWorkers)
	}
	if cfg.MinBackoff > cfg.MaxBackoff {
		return fmt.Errorf("worker retry minimum backoff %s exceeds maximum backoff %s", cfg.MinBackoff, cfg.MaxBackoff)
	}
	return nil
}

// Task is one unit of work scheduled onto a [Pool].
type Task struct {
	// ID identifies the task within its submission. IDs are typically derived
	// from plan node identities so that logs correlate with plans.
	ID string

	// Deps lists IDs of tasks in the same submission that must succeed before
	// this task runs.
	Deps []string

	// Run does the work. Run must be safe to invoke again after returning a
	// transient error; the pool retries by calling it anew.
	Run func(ctx context.Context) error
}

// Pool is a fixed-size set of goroutine workers. It implements
// [services.Service]; tasks are only accepted while the pool is running.
type Pool struct {
	services.Service

	cfg     Config
	logger  log.Logger
	metrics *metrics

	queue   chan *job
	stopped chan struct{}
}

type job struct {
	ctx     context.Context
	task    Task
	retry   bool
	results chan<- result
}

type result struct {
	id  string
	err error
}

// New creates a pool. Call [services.StartAndAwaitRunning] before submitting
// tasks and [services.StopAndAwaitTerminated] to shut it down.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	p := &Pool{
		cfg:     cfg,
		logger:  log.With(logger, "component", "worker"),
		metrics: newMetrics(reg),
		queue:   make(chan *job),
		stopped: make(chan struct{}),
	}
	p.Service = services.NewBasicService(nil, p.running, nil)
	return p, nil
}

func (p *Pool) running(ctx context.Context) error {
	level.Debug(p.logger).Log("msg", "worker pool running", "workers", p.cfg.NumWorkers)

	done := make(chan struct{})
	for range p.cfg.NumWorkers {
		go func() {
			defer func() { done <- struct{}{} }()
			p.worker(ctx)
		}()
	}

	<-ctx.Done()

	// Unblocks coordinators before the workers are awaited: a coordinator
	// holding an unclaimed ready task would otherwise wait for a worker that
	// no longer exists.
	close(p.stopped)

	for range p.cfg.NumWorkers {
		<-done
	}
	return nil
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			j.results <- result{id: j.task.ID, err: p.process(j)}
		}
	}
}

func (p *Pool) process(j *job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	p.metrics.busyWorkers.Inc()
	defer p.metrics.busyWorkers.Dec()

	start := time.Now()
	err := p.runTask(j)
	p.metrics.taskDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.metrics.tasksTotal.WithLabelValues(statusFailure).Inc()
		return err
	}
	p.metrics.tasksTotal.WithLabelValues(statusSuccess).Inc()
	return nil
}

func (p *Pool) runTask(j *job) error {
	bo := backoff.New(j.ctx, backoff.Config{
		MinBackoff: p.cfg.MinBackoff,
		MaxBackoff: p.cfg.MaxBackoff,
		MaxRetries: p.cfg.MaxRetries,
	})

	for {
		err := j.task.Run(j.ctx)
		if err == nil || !j.retry || !errkind.IsTransient(err) {
			return err
		}

		bo.Wait()
		if !bo.Ongoing() {
			return err
		}

		p.metrics.tasksRetried.Inc()
		level.Warn(p.logger).Log("msg", "retrying task after transient failure", "task", j.task.ID, "attempt", bo.NumRetries(), "err", err)
	}
}

// Handle tracks an in-flight submission.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until every task of the submission reached a terminal state, or
// until ctx is cancelled. It returns the first task failure.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

// Submit schedules a task graph and returns a [Handle] to wait on. Submit
// validates the graph upfront: IDs must be unique and non-empty, dependencies
// must reference tasks of the same submission, and cycles are rejected.
//
// Cancelling ctx abandons tasks that have not started yet and cancels the
// context passed to running ones.
func (p *Pool) Submit(ctx context.Context, tasks []Task) (*Handle, error) {
	if s := p.State(); s != services.Running {
		return nil, fmt.Errorf("worker pool is %s, not running", s)
	}

	g, err := buildGraph(tasks)
	if err != nil {
		return nil, err
	}

	h := &Handle{done: make(chan struct{})}
	p.metrics.submissionsTotal.Inc()
	go p.coordinate(ctx, g, h, true)
	return h, nil
}

// Do is [Pool.Submit] followed by [Handle.Wait].
func (p *Pool) Do(ctx context.Context, tasks ...Task) error {
	h, err := p.Submit(ctx, tasks)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Go runs a single function on a pool worker without retrying it, regardless
// of its failure class. It is meant for streaming work whose partial effects
// make re-running unsafe.
func (p *Pool) Go(ctx context.Context, id string, fn func(ctx context.Context) error) (*Handle, error) {
	if s := p.State(); s != services.Running {
		return nil, fmt.Errorf("worker pool is %s, not running", s)
	}

	g := &graph{
		tasks:   map[string]Task{id: {ID: id, Run: fn}},
		waiting: map[string]int{},
		ready:   []string{id},
	}
	h := &Handle{done: make(chan struct{})}
	go p.coordinate(ctx, g, h, false)
	return h, nil
}

// coordinate feeds ready tasks of one submission into the shared queue and
// releases dependents as results come back. The first failure cancels the
// submission context; tasks that have not been handed to a worker yet are
// dropped silently.
func (p *Pool) coordinate(ctx context.Context, g *graph, h *Handle, retry bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result)

	var (
		inflight  int
		remaining = len(g.tasks)
		firstErr  error
	)

	for remaining > 0 && firstErr == nil {
		if len(g.ready) == 0 && inflight == 0 {
			// Cannot happen after the cycle check in buildGraph; guard so a
			// bug stalls loudly instead of deadlocking.
			firstErr = fmt.Errorf("worker submission stalled with %d tasks waiting on unmet dependencies", remaining)
			break
		}

		if len(g.ready) > 0 {
			j := &job{ctx: ctx, task: g.tasks[g.ready[0]], retry: retry, results: results}
			select {
			case p.queue <- j:
				g.ready = g.ready[1:]
				inflight++
			case res := <-results:
				inflight--
				remaining--
				firstErr = g.apply(res)
			case <-p.stopped:
				firstErr = fmt.Errorf("worker pool stopped")
			case <-ctx.Done():
				firstErr = ctx.Err()
			}
			continue
		}

		select {
		case res := <-results:
			inflight--
			remaining--
			firstErr = g.apply(res)
		case <-ctx.Done():
			firstErr = ctx.Err()
		}
	}

	cancel()
	for inflight > 0 {
		<-results
		inflight--
	}

	h.err = firstErr
	close(h.done)
}

type graph struct {
	tasks      map[string]Task
	waiting    map[string]int
	dependents map[string][]string
	ready      []string
}

// apply records a task result, releasing dependents on success.
func (g *graph) apply(res result) error {
	if res.err != nil {
		return fmt.Errorf("task %s: %w", res.id, res.err)
	}
	for _, dep := range g.dependents[res.id] {
		g.waiting[dep]--
		if g.waiting[dep] == 0 {
			g.ready = append(g.ready, dep)
		}
	}
	return nil
}

func buildGraph(tasks []Task) (*graph, error) {
	g := &graph{
		tasks:      make(map[string]Task, len(tasks)),
		waiting:    make(map[string]int, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task without ID")
		}
		if t.Run == nil {
			return nil, fmt.Errorf("task %s has no function to run", t.ID)
		}
		if _, ok := g.tasks[t.ID]; ok {
			return nil, fmt.Errorf("duplicate task ID %s", t.ID)
		}
		g.tasks[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.Deps {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
		g.waiting[t.ID] = len(t.Deps)
		if len(t.Deps) == 0 {
			g.ready = append(g.ready, t.ID)
		}
	}

	// Kahn's algorithm over a scratch copy to reject cycles upfront.
	var (
		order   = append([]string(nil), g.ready...)
		waiting = make(map[string]int, len(g.waiting))
		settled int
	)
	for id, n := range g.waiting {
		waiting[id] = n
	}
	for len(order) > 0 {
		id := order[0]
		order = order[1:]
		settled++
		for _, dep := range g.dependents[id] {
			waiting[dep]--
			if waiting[dep] == 0 {
				order = append(order, dep)
			}
		}
	}
	if settled != len(tasks) {
		return nil, fmt.Errorf("task dependencies form a cycle")
	}

	return g, nil
}
