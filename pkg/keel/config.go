package keel

import (
	"flag"
	"runtime"
	"time"

	"github.com/keelproject/keel/pkg/engine"
	"github.com/keelproject/keel/pkg/engine/worker"
	"github.com/keelproject/keel/pkg/storage/bucket"
	"github.com/keelproject/keel/pkg/storage/catalog"
	"github.com/keelproject/keel/pkg/storage/memstore"
)

// Config configures a [Session] and everything behind it: the object storage
// backend tables are read from, the catalog, the in-memory store for
// persisted tables, the worker pool, and the execution engine.
type Config struct {
	Storage bucket.Config   `yaml:"storage"`
	Catalog catalog.Config  `yaml:"catalog"`
	Store   memstore.Config `yaml:"store"`
	Worker  worker.Config   `yaml:"worker"`
	Engine  engine.Config   `yaml:"engine"`
}

// RegisterFlags registers the flags of all components.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Storage.RegisterFlagsWithPrefix("storage.", f)
	cfg.Catalog.RegisterFlags(f)
	cfg.Store.RegisterFlags(f)
	cfg.Worker.RegisterFlags(f)
	cfg.Engine.RegisterFlags(f)
}

// applyDefaults fills zero values of configs that were built literally
// instead of through flag registration.
func (cfg *Config) applyDefaults() {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = bucket.InMemory
	}
	if cfg.Worker.NumWorkers == 0 {
		cfg.Worker.NumWorkers = runtime.GOMAXPROCS(0)
	}
	if cfg.Worker.MinBackoff == 0 {
		cfg.Worker.MinBackoff = 50 * time.Millisecond
	}
	if cfg.Worker.MaxBackoff == 0 {
		cfg.Worker.MaxBackoff = 2 * time.Second
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 3
	}
}

// Validate validates the configuration.
func (cfg *Config) Validate() error {
	if err := cfg.Storage.Validate(); err != nil {
		return err
	}
	return cfg.Worker.Validate()
}
