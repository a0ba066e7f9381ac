package bucket

import (
	"bytes"
	"context"
	"flag"
	"io"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Backend: Filesystem}
	require.NoError(t, cfg.Validate())

	cfg.Backend = "carrier-pigeon"
	require.ErrorContains(t, cfg.Validate(), "unsupported storage backend")
}

func TestConfig_RegisterFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlagsWithPrefix("store.", fs)

	require.NoError(t, fs.Parse([]string{"-store.backend=inmem"}))
	require.Equal(t, InMemory, cfg.Backend)
}

func TestNewClient_inmem(t *testing.T) {
	client, err := NewClient(Config{Backend: InMemory}, "test", log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Upload(ctx, "tables/a.csv", strings.NewReader("v\n1\n")))

	rc, err := client.Get(ctx, "tables/a.csv")
	require.NoError(t, err)
	defer rc.Close()

	var buf bytes.Buffer
	_, err = io.Copy(&buf, rc)
	require.NoError(t, err)
	require.Equal(t, "v\n1\n", buf.String())
}

func TestNewClient_filesystem(t *testing.T) {
	client, err := NewClient(Config{
		Backend:    Filesystem,
		Filesystem: FilesystemConfig{Directory: t.TempDir()},
	}, "test", log.NewNopLogger(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Upload(ctx, "a.csv", strings.NewReader("x")))
	ok, err := client.Exists(ctx, "a.csv")
	require.NoError(t, err)
	require.True(t, ok)
}
