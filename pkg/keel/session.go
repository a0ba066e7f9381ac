// Package keel is the public surface of the engine: sessions own the storage
// and the worker pool, frames are lazy views over logical plans, and
// materializing a frame plans, optimizes, and executes it.
package keel

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"

	"github.com/keelproject/keel/pkg/engine"
	"github.com/keelproject/keel/pkg/engine/worker"
	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/bucket"
	"github.com/keelproject/keel/pkg/storage/catalog"
	"github.com/keelproject/keel/pkg/storage/csvio"
	"github.com/keelproject/keel/pkg/storage/memstore"
)

// Session owns the resources frames execute against: the object storage
// client, the catalog, the in-memory store for persisted tables, the worker
// pool, and the engine. Sessions are safe for concurrent use; individual
// frame chains are not.
type Session struct {
	cfg    Config
	logger log.Logger

	bucket  objstore.Bucket
	store   *memstore.Store
	catalog *catalog.Catalog
	pool    *worker.Pool
	engine  *engine.Engine
}

// New creates a Session and starts its worker pool. A nil logger discards
// logs; a nil registerer discards metrics.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Session, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bkt, err := bucket.NewClient(cfg.Storage, "keel", logger, reg)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	store := memstore.New(cfg.Store, log.With(logger, "component", "memstore"), reg)
	cat := catalog.New(cfg.Catalog, bkt, store, log.With(logger, "component", "catalog"), reg)

	pool, err := worker.New(cfg.Worker, logger, reg)
	if err != nil {
		return nil, err
	}
	if err := services.StartAndAwaitRunning(context.Background(), pool); err != nil {
		return nil, fmt.Errorf("starting worker pool: %w", err)
	}

	eng, err := engine.New(engine.Params{
		Logger:     log.With(logger, "component", "engine"),
		Registerer: reg,
		Config:     cfg.Engine,
		Bucket:     bkt,
		Store:      store,
		Pool:       pool,
	})
	if err != nil {
		_ = services.StopAndAwaitTerminated(context.Background(), pool)
		return nil, err
	}

	level.Debug(logger).Log("msg", "session created", "backend", cfg.Storage.Backend, "workers", cfg.Worker.NumWorkers)
	return &Session{
		cfg:     cfg,
		logger:  logger,
		bucket:  bkt,
		store:   store,
		catalog: cat,
		pool:    pool,
		engine:  eng,
	}, nil
}

// Bucket returns the object storage client of the session.
func (s *Session) Bucket() objstore.Bucket {
	return s.bucket
}

// CSVOption customizes CSV parsing for [Session.ReadCSV].
type CSVOption func(*csvio.Options)

// WithDelimiter sets the field delimiter.
func WithDelimiter(r rune) CSVOption {
	return func(o *csvio.Options) { o.Comma = r }
}

// WithNoHeader treats objects as having no header row. Columns are named
// column_0, column_1, and so on.
func WithNoHeader() CSVOption {
	return func(o *csvio.Options) { o.NoHeader = true }
}

// WithTypes overrides the inferred type of the named columns.
func WithTypes(overrides map[string]types.DataType) CSVOption {
	return func(o *csvio.Options) { o.Types = overrides }
}

// WithTimeLayout sets the timestamp layout of the named column, replacing the
// default layouts for it. The column then infers as a timestamp whenever its
// cells match the layout.
func WithTimeLayout(column, layout string) CSVOption {
	return func(o *csvio.Options) {
		if o.TimeLayouts == nil {
			o.TimeLayouts = make(map[string]string)
		}
		o.TimeLayouts[column] = layout
	}
}

// WithNullValues sets the cell contents treated as null.
func WithNullValues(vals ...string) CSVOption {
	return func(o *csvio.Options) { o.NullValues = vals }
}

// WithCompression forces a payload compression instead of deciding by object
// name suffix.
func WithCompression(c csvio.Compression) CSVOption {
	return func(o *csvio.Options) { o.Compression = c }
}

// ReadCSV resolves a glob pattern against the session's bucket into a lazy
// frame with one partition per matched object, ordered by object name. The
// schema is inferred from a sample of the first object; no row data is read
// until the frame is materialized.
func (s *Session) ReadCSV(ctx context.Context, pattern string, opts ...CSVOption) (*Frame, error) {
	var options csvio.Options
	for _, opt := range opts {
		opt(&options)
	}

	desc, err := s.catalog.ResolveCSV(ctx, pattern, options)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", pattern, err)
	}
	return s.frameFromDesc(desc), nil
}

// Table returns a frame over a previously persisted table by its handle.
// The returned frame holds an additional pin on the table; release it with
// [Frame.Release].
func (s *Session) Table(handle string) (*Frame, error) {
	desc, err := s.catalog.ResolveStore(context.Background(), handle)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddPin(handle); err != nil {
		return nil, err
	}
	f := s.frameFromDesc(desc)
	f.handle = handle
	return f, nil
}

func (s *Session) frameFromDesc(desc *catalog.TableDesc) *Frame {
	return &Frame{
		sess:      s,
		val:       &logical.MakeTable{Table: desc},
		schema:    desc.Schema,
		parts:     desc.NumPartitions(),
		divisions: desc.Divisions,
	}
}

// Close stops the worker pool and drops every persisted table. Frames of
// this session must not be used afterwards.
func (s *Session) Close() error {
	errs := multierror.New()
	errs.Add(services.StopAndAwaitTerminated(context.Background(), s.pool))
	s.store.Close()
	errs.Add(s.bucket.Close())
	return errs.Err()
}
