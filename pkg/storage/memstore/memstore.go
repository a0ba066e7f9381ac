// Package memstore holds materialized tables pinned in memory. Persisting a
// table trades memory for recomputation: once materialized, downstream
// reads scan record batches instead of re-reading and re-parsing objects.
package memstore

import (
	"flag"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/catalog"
)

var (
	// ErrStoreFull is returned when materializing a table would exceed the
	// configured memory budget.
	ErrStoreFull = errors.New("memory store is full")

	// ErrNotFound is returned for handles that are not materialized.
	ErrNotFound = errors.New("table not found in store")
)

// Config configures the in-memory store.
type Config struct {
	// MaxBytes is the memory budget for materialized tables. Zero means no
	// limit.
	MaxBytes flagext.Bytes `yaml:"max_bytes"`
}

// RegisterFlags registers store flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers flags with the provided prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	_ = cfg.MaxBytes.Set("1GiB")
	f.Var(&cfg.MaxBytes, prefix+"memstore.max-bytes", "Memory budget for materialized tables. 0 to disable the limit.")
}

// Partition is one materialized partition: a sequence of record batches
// sharing a schema.
type Partition struct {
	Records []arrow.Record

	Rows      int64
	SizeBytes int64

	// Bounds are the partition's index bounds when the table is sorted.
	Bounds types.Bounds
}

// Table is a materialized table.
type Table struct {
	Schema     types.Schema
	Partitions []Partition
	Divisions  types.Divisions
}

// Rows returns the total row count across partitions.
func (t Table) Rows() int64 {
	var rows int64
	for _, p := range t.Partitions {
		rows += p.Rows
	}
	return rows
}

// SizeBytes returns the total memory footprint across partitions.
func (t Table) SizeBytes() int64 {
	var size int64
	for _, p := range t.Partitions {
		size += p.SizeBytes
	}
	return size
}

// RecordSize returns the memory footprint of a record's buffers.
func RecordSize(rec arrow.Record) int64 {
	var size int64
	for _, col := range rec.Columns() {
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				size += int64(buf.Len())
			}
		}
	}
	return size
}

type entry struct {
	table Table
	pins  int
}

type storeMetrics struct {
	bytes      prometheus.Gauge
	tables     prometheus.Gauge
	creates    prometheus.Counter
	drops      prometheus.Counter
	rejections prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		bytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "keel_memstore_bytes",
			Help: "Bytes currently held by materialized tables.",
		}),
		tables: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "keel_memstore_tables",
			Help: "Number of materialized tables.",
		}),
		creates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_memstore_creates_total",
			Help: "Total number of materialized tables created.",
		}),
		drops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_memstore_drops_total",
			Help: "Total number of materialized tables dropped.",
		}),
		rejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_memstore_rejections_total",
			Help: "Total number of tables rejected because the store was full.",
		}),
	}
}

var _ catalog.StoreResolver = (*Store)(nil)

// Store keeps materialized tables in memory under a byte budget. Tables are
// reference counted: creation pins the table once and it is dropped when
// the last pin is removed.
type Store struct {
	cfg     Config
	logger  log.Logger
	metrics *storeMetrics

	mtx      sync.Mutex
	tables   map[string]*entry
	curBytes int64
}

// New creates an empty store.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) *Store {
	return &Store{
		cfg:     cfg,
		logger:  logger,
		metrics: newStoreMetrics(reg),
		tables:  make(map[string]*entry),
	}
}

// Create materializes a table under the given handle with a single pin. Row
// counts and sizes are derived from the record batches. Create fails with
// [ErrStoreFull] when the table would exceed the memory budget, leaving the
// store unchanged.
func (s *Store) Create(handle string, table Table) error {
	for i := range table.Partitions {
		p := &table.Partitions[i]
		p.Rows, p.SizeBytes = 0, 0
		for _, rec := range p.Records {
			p.Rows += rec.NumRows()
			p.SizeBytes += RecordSize(rec)
		}
	}
	size := table.SizeBytes()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.tables[handle]; ok {
		return errors.Errorf("table %q already materialized", handle)
	}
	if max := int64(s.cfg.MaxBytes); max > 0 && s.curBytes+size > max {
		s.metrics.rejections.Inc()
		return fmt.Errorf("%w: %d bytes in use, %d requested, budget %d", ErrStoreFull, s.curBytes, size, max)
	}

	for _, p := range table.Partitions {
		for _, rec := range p.Records {
			rec.Retain()
		}
	}
	s.tables[handle] = &entry{table: table, pins: 1}
	s.curBytes += size

	s.metrics.creates.Inc()
	s.metrics.tables.Set(float64(len(s.tables)))
	s.metrics.bytes.Set(float64(s.curBytes))
	level.Debug(s.logger).Log("msg", "materialized table", "handle", handle, "partitions", len(table.Partitions), "rows", table.Rows(), "bytes", size)
	return nil
}

// Get returns the materialized table for the handle.
func (s *Store) Get(handle string) (Table, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.tables[handle]
	if !ok {
		return Table{}, errors.Wrap(ErrNotFound, handle)
	}
	return e.table, nil
}

// GetPartition returns the records of one partition. The records are
// retained for the caller, who must release them.
func (s *Store) GetPartition(handle string, partition int) ([]arrow.Record, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.tables[handle]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, handle)
	}
	if partition < 0 || partition >= len(e.table.Partitions) {
		return nil, errors.Errorf("table %q has no partition %d", handle, partition)
	}

	records := e.table.Partitions[partition].Records
	for _, rec := range records {
		rec.Retain()
	}
	return records, nil
}

// AddPin takes an additional reference on the table.
func (s *Store) AddPin(handle string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.tables[handle]
	if !ok {
		return errors.Wrap(ErrNotFound, handle)
	}
	e.pins++
	return nil
}

// RemovePin drops one reference on the table. When the last pin is removed
// the table is dropped and its memory released.
func (s *Store) RemovePin(handle string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.tables[handle]
	if !ok {
		return errors.Wrap(ErrNotFound, handle)
	}
	if e.pins <= 0 {
		return errors.Errorf("table %q is not pinned", handle)
	}
	e.pins--
	if e.pins == 0 {
		s.drop(handle, e)
	}
	return nil
}

// Pins returns the pin count of the table, or zero for unknown handles.
func (s *Store) Pins(handle string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if e, ok := s.tables[handle]; ok {
		return e.pins
	}
	return 0
}

// Drop removes the table regardless of its pin count.
func (s *Store) Drop(handle string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.tables[handle]
	if !ok {
		return errors.Wrap(ErrNotFound, handle)
	}
	s.drop(handle, e)
	return nil
}

// drop must be called with the mutex held.
func (s *Store) drop(handle string, e *entry) {
	for _, p := range e.table.Partitions {
		for _, rec := range p.Records {
			rec.Release()
		}
	}
	s.curBytes -= e.table.SizeBytes()
	delete(s.tables, handle)

	s.metrics.drops.Inc()
	s.metrics.tables.Set(float64(len(s.tables)))
	s.metrics.bytes.Set(float64(s.curBytes))
	level.Debug(s.logger).Log("msg", "dropped table", "handle", handle)
}

// Close drops all tables.
func (s *Store) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for handle, e := range s.tables {
		s.drop(handle, e)
	}
}

// Bytes returns the memory currently in use.
func (s *Store) Bytes() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.curBytes
}

// Len returns the number of materialized tables.
func (s *Store) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.tables)
}

// ResolveStore implements [catalog.StoreResolver].
func (s *Store) ResolveStore(handle string) (*catalog.TableDesc, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.tables[handle]
	if !ok {
		return nil, false
	}

	desc := &catalog.TableDesc{
		Name:       handle,
		Format:     catalog.FormatStore,
		Schema:     e.table.Schema,
		Partitions: make([]catalog.PartitionDesc, len(e.table.Partitions)),
		Divisions:  e.table.Divisions,
	}
	for i, p := range e.table.Partitions {
		desc.Partitions[i] = catalog.PartitionDesc{
			Location:  fmt.Sprintf("mem://%s/%d", handle, i),
			Rows:      p.Rows,
			SizeBytes: p.SizeBytes,
			Bounds:    p.Bounds,
		}
	}
	return desc, true
}
