// Command keelbench generates a synthetic timeseries dataset and walks
// through the engine's performance features: filtering without and with a
// persisted table, range-partitioned indexing with partition pruning,
// grouping, and resampling. Timings and engine statistics are printed per
// step.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"

	"github.com/keelproject/keel/pkg/engine"
	"github.com/keelproject/keel/pkg/keel"
	"github.com/keelproject/keel/pkg/storage/bucket"
	utillog "github.com/keelproject/keel/pkg/util/log"
)

type benchConfig struct {
	Keel keel.Config    `yaml:"keel"`
	Log  utillog.Config `yaml:"log"`

	DataDir    string `yaml:"data_dir"`
	Partitions int    `yaml:"partitions"`
	Rows       int    `yaml:"rows"`
	Seed       int64  `yaml:"seed"`
	Keep       bool   `yaml:"keep"`
}

func (cfg *benchConfig) registerFlags(f *flag.FlagSet) {
	cfg.Keel.RegisterFlags(f)
	cfg.Log.RegisterFlags(f)
	f.StringVar(&cfg.DataDir, "data-dir", "", "Directory for the generated dataset. A temporary directory is used when empty.")
	f.IntVar(&cfg.Partitions, "partitions", 8, "Number of CSV files to generate.")
	f.IntVar(&cfg.Rows, "rows", 200_000, "Total number of rows to generate.")
	f.Int64Var(&cfg.Seed, "seed", 1, "Seed for the dataset generator.")
	f.BoolVar(&cfg.Keep, "keep", false, "Keep the generated dataset on exit.")
}

func main() {
	var (
		cfg        benchConfig
		configFile string
	)
	fs := flag.NewFlagSet("keelbench", flag.ExitOnError)
	cfg.registerFlags(fs)
	fs.StringVar(&configFile, "config.file", "", "Path to a YAML file overriding flag defaults.")
	_ = fs.Parse(os.Args[1:])

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			fatal("reading config file: %v", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			fatal("parsing config file: %v", err)
		}
		// Flags win over the file.
		_ = fs.Parse(os.Args[1:])
	}

	if err := run(cfg); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "keelbench: "+format+"\n", args...)
	os.Exit(1)
}

func run(cfg benchConfig) error {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "keelbench")
		if err != nil {
			return err
		}
		dataDir = dir
		if !cfg.Keep {
			defer os.RemoveAll(dir)
		}
	}
	cfg.Keel.Storage.Backend = bucket.Filesystem
	cfg.Keel.Storage.Filesystem.Directory = dataDir

	logger := utillog.New(cfg.Log, os.Stderr)
	sess, err := keel.New(cfg.Keel, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	ctx := context.Background()
	if err := generate(ctx, sess, cfg); err != nil {
		return fmt.Errorf("generating dataset: %w", err)
	}

	fmt.Printf("dataset: %s rows in %d files under %s\n\n",
		humanize.Comma(int64(cfg.Rows)), cfg.Partitions, dataDir)

	frame, err := sess.ReadCSV(ctx, "bench/*.csv")
	if err != nil {
		return err
	}

	// Step 1: the same filtered aggregation twice. Every run re-reads and
	// re-parses the CSV objects.
	query := func(f *keel.Frame) (*keel.Frame, error) {
		filtered, err := f.Filter(keel.Col("value").Gt(keel.Lit(0.5)))
		if err != nil {
			return nil, err
		}
		return filtered.GroupBy("host").Mean("value")
	}

	for i := 1; i <= 2; i++ {
		agg, err := query(frame)
		if err != nil {
			return err
		}
		if err := step(ctx, fmt.Sprintf("filtered mean by host, from storage (run %d)", i), agg); err != nil {
			return err
		}
	}

	// Step 2: persist once, then the same aggregation reads partitions from
	// memory.
	started := time.Now()
	persisted, err := frame.Persist(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = persisted.Release() }()
	fmt.Printf("%-55s %10s\n", "persist into memory", time.Since(started).Round(time.Millisecond))

	agg, err := query(persisted)
	if err != nil {
		return err
	}
	if err := step(ctx, "filtered mean by host, from memory", agg); err != nil {
		return err
	}

	// Step 3: index by timestamp. The persisted result has known divisions,
	// so range and point lookups only scan the overlapping partitions.
	indexed, err := persisted.SetIndex("ts", keel.WithPartitions(cfg.Partitions))
	if err != nil {
		return err
	}
	started = time.Now()
	indexed, err = indexed.Persist(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = indexed.Release() }()
	fmt.Printf("%-55s %10s (divisions known: %v)\n",
		"set_index(ts) and persist", time.Since(started).Round(time.Millisecond), indexed.KnownDivisions())

	divisions := indexed.Divisions()
	mid := divisions[len(divisions)/2].Time()

	day, err := indexed.Loc(mid, mid.Add(24*time.Hour))
	if err != nil {
		return err
	}
	if err := step(ctx, "one-day range lookup on the index", day); err != nil {
		return err
	}

	point, err := indexed.LocValue(mid)
	if err != nil {
		return err
	}
	if err := step(ctx, "point lookup on the index", point); err != nil {
		return err
	}

	// Step 4: grouping over the indexed table.
	byHost, err := indexed.GroupBy("host").Sum("value")
	if err != nil {
		return err
	}
	if err := step(ctx, "sum by host", byHost); err != nil {
		return err
	}

	// Step 5: resampling the timestamp index into daily buckets.
	daily, err := indexed.Resample(24 * time.Hour).Mean("value")
	if err != nil {
		return err
	}
	return step(ctx, "daily mean via resample", daily)
}

// step materializes a frame and prints its timing and engine statistics.
func step(ctx context.Context, name string, f *keel.Frame) error {
	res, err := f.Collect(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer res.Close()

	fmt.Printf("%-55s %10s  %s\n", name, res.Stats.ExecutionDuration.Round(time.Millisecond), formatStats(res.Stats, res.Rows()))
	return nil
}

func formatStats(st engine.Stats, rows int64) string {
	parts := []string{
		fmt.Sprintf("rows=%s", humanize.Comma(rows)),
		fmt.Sprintf("scanned=%d", st.PartitionsScanned),
	}
	if st.PartitionsPruned > 0 {
		parts = append(parts, fmt.Sprintf("pruned=%d", st.PartitionsPruned))
	}
	if st.BytesRead > 0 {
		parts = append(parts, fmt.Sprintf("read=%s", humanize.IBytes(uint64(st.BytesRead))))
	}
	if st.RowsShuffled > 0 {
		parts = append(parts, fmt.Sprintf("shuffled=%s", humanize.Comma(st.RowsShuffled)))
	}
	return strings.Join(parts, " ")
}

// generate writes the synthetic dataset: rows of (ts, host, value) spread
// over one month, unordered within each file.
func generate(ctx context.Context, sess *keel.Session, cfg benchConfig) error {
	rng := rand.New(rand.NewSource(cfg.Seed))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	span := 30 * 24 * time.Hour
	hosts := []string{"web-1", "web-2", "web-3", "db-1", "db-2", "cache-1"}

	perFile := cfg.Rows / cfg.Partitions
	for i := 0; i < cfg.Partitions; i++ {
		var sb strings.Builder
		sb.WriteString("ts,host,value\n")
		for r := 0; r < perFile; r++ {
			ts := base.Add(time.Duration(rng.Int63n(int64(span))))
			fmt.Fprintf(&sb, "%s,%s,%.4f\n",
				ts.Format(time.RFC3339), hosts[rng.Intn(len(hosts))], rng.Float64())
		}
		name := fmt.Sprintf("bench/part-%04d.csv", i)
		if err := sess.Bucket().Upload(ctx, name, strings.NewReader(sb.String())); err != nil {
			return err
		}
	}
	return nil
}
