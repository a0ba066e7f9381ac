package log

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestNew_levelFilter(t *testing.T) {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	require.NoError(t, cfg.Level.Set("warn"))

	var buf bytes.Buffer
	logger := New(cfg, &buf)

	require.NoError(t, level.Debug(logger).Log("msg", "dropped"))
	require.NoError(t, level.Warn(logger).Log("msg", "kept"))

	out := buf.String()
	require.NotContains(t, out, "dropped")
	require.Contains(t, out, "kept")
	require.Contains(t, out, "level=warn")
}

func TestNew_jsonFormat(t *testing.T) {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	cfg.Format = FormatJSON

	var buf bytes.Buffer
	logger := New(cfg, &buf)

	require.NoError(t, level.Info(logger).Log("msg", "hello"))
	require.True(t, strings.HasPrefix(buf.String(), "{"))
	require.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestNew_rejectsNothingOnUnknownLevel(t *testing.T) {
	var cfg Config
	require.Error(t, cfg.Level.Set("loud"))
}
