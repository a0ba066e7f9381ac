// Package log builds the loggers used across keel.
package log

import (
	"flag"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Supported log formats.
const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Config configures logging.
type Config struct {
	Level  dslog.Level `yaml:"level"`
	Format string      `yaml:"format"`
}

// RegisterFlags registers logging flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	_ = cfg.Level.Set("info")
	f.Var(&cfg.Level, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error].")
	f.StringVar(&cfg.Format, "log.format", FormatLogfmt, "Output log messages in the given format. Valid formats: [logfmt, json].")
}

// New creates a leveled logger writing to w. A nil writer logs to stderr.
func New(cfg Config, w io.Writer) log.Logger {
	if w == nil {
		w = os.Stderr
	}
	w = log.NewSyncWriter(w)

	var logger log.Logger
	if cfg.Format == FormatJSON {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}

	logger = level.NewFilter(logger, levelFilter(cfg.Level.String()))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}

func levelFilter(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

var (
	fallbackOnce sync.Once
	fallback     log.Logger
)

// Fallback returns the process-wide logfmt logger for code paths that were
// not handed a logger. It logs everything.
func Fallback() log.Logger {
	fallbackOnce.Do(func() {
		fallback = log.With(
			log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
			"ts", log.DefaultTimestampUTC,
		)
	})
	return fallback
}
