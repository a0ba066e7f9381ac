package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelproject/keel/pkg/engine/worker"
)

// Pipeline is a pull-based stream of record batches. Pipelines are composed
// into trees mirroring the physical plan; reading the root drives the whole
// tree.
type Pipeline interface {
	// Read returns the next record batch. Ownership of the returned record
	// transfers to the caller, who must release it. Read returns [EOF] once
	// the pipeline is exhausted.
	Read(context.Context) (arrow.Record, error)
	// Close releases the resources of the pipeline, including its inputs.
	Close()
}

// EOF marks the end of a pipeline.
var EOF = errors.New("pipeline exhausted") //nolint:revive

type state struct {
	batch arrow.Record
	err   error
}

type readFunc func(context.Context, []Pipeline) (arrow.Record, error)

// GenericPipeline implements [Pipeline] with a read function over a set of
// input pipelines.
type GenericPipeline struct {
	inputs []Pipeline
	read   readFunc
}

var _ Pipeline = (*GenericPipeline)(nil)

func newGenericPipeline(read readFunc, inputs ...Pipeline) *GenericPipeline {
	return &GenericPipeline{read: read, inputs: inputs}
}

// Read implements Pipeline.
func (p *GenericPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if p.read == nil {
		return nil, EOF
	}
	return p.read(ctx, p.inputs)
}

// Close implements Pipeline.
func (p *GenericPipeline) Close() {
	for _, inp := range p.inputs {
		inp.Close()
	}
}

func errorPipeline(ctx context.Context, err error) Pipeline {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return newGenericPipeline(func(_ context.Context, _ []Pipeline) (arrow.Record, error) {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	})
}

func emptyPipeline() Pipeline {
	return newGenericPipeline(func(_ context.Context, _ []Pipeline) (arrow.Record, error) {
		return nil, EOF
	})
}

// prefetchWrapper reads its inner pipeline ahead of the consumer. The read
// loop runs as a worker pool task when a pool is available, or on a plain
// goroutine otherwise. Batches are handed over through an unbuffered
// channel, so at most one batch is fetched ahead.
type prefetchWrapper struct {
	Pipeline

	pool *worker.Pool
	id   string

	initialized bool
	finalErr    error
	ch          chan state
	cancel      context.CancelCauseFunc
}

var _ Pipeline = (*prefetchWrapper)(nil)

func newPrefetchingPipeline(pool *worker.Pool, id string, p Pipeline) *prefetchWrapper {
	return &prefetchWrapper{
		Pipeline: p,
		pool:     pool,
		id:       id,
		ch:       make(chan state),
	}
}

// Read implements [Pipeline].
func (p *prefetchWrapper) Read(ctx context.Context) (arrow.Record, error) {
	p.init(ctx)
	if p.finalErr != nil {
		return nil, p.finalErr
	}
	return p.read()
}

func (p *prefetchWrapper) init(ctx context.Context) {
	if p.initialized {
		return
	}
	p.initialized = true

	ctx, p.cancel = context.WithCancelCause(ctx)
	if p.pool != nil {
		// The fetch loop streams partial results; it must not be re-run on
		// failure, hence Go instead of Submit.
		if _, err := p.pool.Go(ctx, p.id, p.prefetch); err == nil {
			return
		}
	}
	go p.prefetch(ctx) //nolint:errcheck
}

func (p *prefetchWrapper) prefetch(ctx context.Context) error {
	defer close(p.ch)

	for {
		var s state
		s.batch, s.err = p.Pipeline.Read(ctx)

		select {
		case <-ctx.Done():
			if s.batch != nil {
				s.batch.Release()
			}
			return context.Cause(ctx)
		case p.ch <- s:
			if errors.Is(s.err, EOF) {
				return nil
			}
			if s.err != nil {
				return s.err
			}
		}
	}
}

func (p *prefetchWrapper) read() (arrow.Record, error) {
	s, ok := <-p.ch
	if !ok {
		// The fetch loop exited due to cancellation without a final state.
		p.finalErr = context.Canceled
		return nil, p.finalErr
	}
	if s.err != nil {
		p.finalErr = s.err
	}
	return s.batch, s.err
}

// Close implements [Pipeline].
func (p *prefetchWrapper) Close() {
	if p.cancel != nil {
		p.cancel(errors.New("pipeline is closed"))

		// Drain until the fetch loop exits so no batch in flight leaks.
		for s := range p.ch {
			if s.batch != nil {
				s.batch.Release()
			}
		}
	}
	p.Pipeline.Close()
}

type tracedPipeline struct {
	name  string
	inner Pipeline
}

var _ Pipeline = (*tracedPipeline)(nil)

// tracePipeline wraps a [Pipeline] to record each call to Read with a span.
func tracePipeline(name string, pipeline Pipeline) *tracedPipeline {
	return &tracedPipeline{name: name, inner: pipeline}
}

func (p *tracedPipeline) Read(ctx context.Context) (arrow.Record, error) {
	ctx, span := tracer.Start(ctx, p.name+".Read")
	defer span.End()

	rec, err := p.inner.Read(ctx)
	if err != nil && !errors.Is(err, EOF) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

func (p *tracedPipeline) Close() {
	p.inner.Close()
}
