// Package bucket creates the object storage clients tables are read from.
package bucket

import (
	"flag"
	"fmt"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"github.com/thanos-io/objstore/providers/s3"
)

const (
	// S3 is the value for the S3 storage backend.
	S3 = "s3"

	// Filesystem is the value for the filesystem storage backend.
	Filesystem = "filesystem"

	// InMemory is the value for the in-memory storage backend, useful for
	// tests and benchmarks.
	InMemory = "inmem"
)

// SupportedBackends lists the selectable storage backends.
var SupportedBackends = []string{S3, Filesystem, InMemory}

// S3Config holds the configuration for the S3 backend.
type S3Config struct {
	Endpoint        string         `yaml:"endpoint"`
	Region          string         `yaml:"region"`
	BucketName      string         `yaml:"bucket_name"`
	AccessKeyID     string         `yaml:"access_key_id"`
	SecretAccessKey flagext.Secret `yaml:"secret_access_key"`
	Insecure        bool           `yaml:"insecure"`
}

// RegisterFlagsWithPrefix registers flags with the provided prefix.
func (cfg *S3Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+"s3.endpoint", "", "The S3 endpoint to connect to.")
	f.StringVar(&cfg.Region, prefix+"s3.region", "", "S3 region. If unset, the client will issue a S3 GetBucketLocation API call to autodetect it.")
	f.StringVar(&cfg.BucketName, prefix+"s3.bucket-name", "", "S3 bucket name.")
	f.StringVar(&cfg.AccessKeyID, prefix+"s3.access-key-id", "", "S3 access key ID.")
	f.Var(&cfg.SecretAccessKey, prefix+"s3.secret-access-key", "S3 secret access key.")
	f.BoolVar(&cfg.Insecure, prefix+"s3.insecure", false, "If enabled, use http:// for the S3 endpoint instead of https://.")
}

// FilesystemConfig holds the configuration for the filesystem backend.
type FilesystemConfig struct {
	Directory string `yaml:"dir"`
}

// RegisterFlagsWithPrefix registers flags with the provided prefix.
func (cfg *FilesystemConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, prefix+"filesystem.dir", "", "Local filesystem storage directory.")
}

// Config holds the configuration for the object storage backend.
type Config struct {
	Backend string `yaml:"backend"`

	S3         S3Config         `yaml:"s3"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
}

// RegisterFlags registers the storage config with the default prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers flags with the provided prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"backend", Filesystem, fmt.Sprintf("Storage backend to use. Supported values are: %v.", SupportedBackends))
	cfg.S3.RegisterFlagsWithPrefix(prefix, f)
	cfg.Filesystem.RegisterFlagsWithPrefix(prefix, f)
}

// Validate checks the configured backend is supported.
func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case S3, Filesystem, InMemory:
		return nil
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// NewClient creates a bucket client for the configured backend. When reg is
// non-nil the client is instrumented with operation metrics.
func NewClient(cfg Config, name string, logger log.Logger, reg prometheus.Registerer) (objstore.Bucket, error) {
	var (
		client objstore.Bucket
		err    error
	)

	switch cfg.Backend {
	case S3:
		client, err = s3.NewBucketWithConfig(logger, s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.BucketName,
			AccessKey: cfg.S3.AccessKeyID,
			SecretKey: cfg.S3.SecretAccessKey.String(),
			Insecure:  cfg.S3.Insecure,
		}, name, nil)
	case Filesystem:
		client, err = filesystem.NewBucket(cfg.Filesystem.Directory)
	case InMemory:
		client = objstore.NewInMemBucket()
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if reg != nil {
		client = objstore.WrapWithMetrics(client, prometheus.WrapRegistererWithPrefix("keel_", reg), name)
	}
	return client, nil
}
