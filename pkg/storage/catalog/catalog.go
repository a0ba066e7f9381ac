package catalog

import (
	"context"
	"flag"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/thanos-io/objstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/csvio"
	"github.com/keelproject/keel/pkg/util/errkind"
)

var tracer = otel.Tracer("pkg/storage/catalog")

// Config configures table resolution.
type Config struct {
	// ListConcurrency is the number of concurrent object attribute
	// requests issued while resolving a pattern.
	ListConcurrency int `yaml:"list_concurrency"`
}

// RegisterFlags registers catalog flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers flags with the provided prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.ListConcurrency, prefix+"catalog.list-concurrency", 16, "Number of concurrent object storage requests while resolving a table pattern.")
}

type metrics struct {
	resolves        *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	objectsMatched  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		resolves: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "keel_catalog_resolves_total",
			Help: "Total number of table resolutions, partitioned by format.",
		}, []string{"format"}),
		resolveDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_catalog_resolve_duration_seconds",
			Help:    "Time spent resolving a table pattern against object storage.",
			Buckets: prometheus.DefBuckets,
		}),
		objectsMatched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_catalog_objects_matched_total",
			Help: "Total number of objects matched by resolved table patterns.",
		}),
	}
}

// Catalog resolves table references against object storage and the
// in-memory store.
type Catalog struct {
	cfg     Config
	bucket  objstore.Bucket
	stores  StoreResolver
	logger  log.Logger
	metrics *metrics
}

// New creates a Catalog reading from the given bucket. stores may be nil if
// no in-memory store is attached.
func New(cfg Config, bucket objstore.Bucket, stores StoreResolver, logger log.Logger, reg prometheus.Registerer) *Catalog {
	if cfg.ListConcurrency <= 0 {
		cfg.ListConcurrency = 16
	}
	return &Catalog{
		cfg:     cfg,
		bucket:  bucket,
		stores:  stores,
		logger:  logger,
		metrics: newMetrics(reg),
	}
}

// ResolveCSV lists the objects matching pattern and returns a table with one
// partition per object, ordered by object name. The schema is inferred from
// a sample of the first object, with opts.Types taking precedence.
func (c *Catalog) ResolveCSV(ctx context.Context, pattern string, opts csvio.Options) (*TableDesc, error) {
	ctx, span := tracer.Start(ctx, "Catalog.ResolveCSV")
	defer span.End()
	span.SetAttributes(attribute.String("pattern", pattern))

	start := time.Now()
	defer func() {
		c.metrics.resolveDuration.Observe(time.Since(start).Seconds())
	}()
	c.metrics.resolves.WithLabelValues(FormatCSV.String()).Inc()

	names, err := c.listMatches(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no objects match pattern %q", pattern)
	}
	span.SetAttributes(attribute.Int("matches", len(names)))
	c.metrics.objectsMatched.Add(float64(len(names)))

	table := &TableDesc{
		Name:       pattern,
		Format:     FormatCSV,
		CSV:        opts,
		Partitions: make([]PartitionDesc, len(names)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ListConcurrency)
	for i, name := range names {
		g.Go(func() error {
			attrs, err := c.bucket.Attributes(gctx, name)
			if err != nil {
				return errkind.Transient(errors.Wrapf(err, "reading attributes of %s", name))
			}
			table.Partitions[i] = PartitionDesc{
				Location:  name,
				Rows:      -1,
				SizeBytes: attrs.Size,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	schema, err := c.inferSchema(ctx, names[0], opts)
	if err != nil {
		return nil, err
	}
	table.Schema = schema

	level.Debug(c.logger).Log(
		"msg", "resolved csv table",
		"pattern", pattern,
		"partitions", len(table.Partitions),
		"bytes", table.TotalSizeBytes(),
		"duration", time.Since(start),
	)
	return table, nil
}

// ResolveStore returns the descriptor of a materialized table.
func (c *Catalog) ResolveStore(_ context.Context, handle string) (*TableDesc, error) {
	c.metrics.resolves.WithLabelValues(FormatStore.String()).Inc()

	if c.stores == nil {
		return nil, errors.New("no in-memory store attached to catalog")
	}
	table, ok := c.stores.ResolveStore(handle)
	if !ok {
		return nil, errors.Errorf("table %q not found in store", handle)
	}
	return table, nil
}

func (c *Catalog) inferSchema(ctx context.Context, name string, opts csvio.Options) (schema types.Schema, err error) {
	rc, err := c.bucket.Get(ctx, name)
	if err != nil {
		return schema, errkind.Transient(errors.Wrapf(err, "opening %s for schema inference", name))
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return csvio.InferSchema(rc, name, opts)
}

// listMatches lists bucket objects matching the glob pattern. Patterns
// without meta characters match the single named object.
func (c *Catalog) listMatches(ctx context.Context, pattern string) ([]string, error) {
	var names []string
	err := c.bucket.Iter(ctx, staticPrefix(pattern), func(name string) error {
		if strings.HasSuffix(name, objstore.DirDelim) {
			return nil
		}
		ok, err := path.Match(pattern, name)
		if err != nil {
			return errors.Wrapf(err, "invalid pattern %q", pattern)
		}
		if ok {
			names = append(names, name)
		}
		return nil
	}, objstore.WithRecursiveIter())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, errkind.Transient(errors.Wrapf(err, "listing objects for pattern %q", pattern))
	}

	sort.Strings(names)
	return names, nil
}

// staticPrefix returns the pattern prefix up to the last path separator
// before the first glob meta character. Listing starts there.
func staticPrefix(pattern string) string {
	meta := strings.IndexAny(pattern, "*?[\\")
	if meta < 0 {
		meta = len(pattern)
	}
	slash := strings.LastIndex(pattern[:meta], "/")
	if slash < 0 {
		return ""
	}
	return pattern[:slash+1]
}
