package keel

import (
	"context"
	"flag"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelproject/keel/pkg/storage/bucket"
)

func TestConfig_RegisterFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-storage.backend", "inmem",
		"-worker.num-workers", "4",
		"-engine.batch-size", "1024",
	}))

	require.Equal(t, bucket.InMemory, cfg.Storage.Backend)
	require.Equal(t, 4, cfg.Worker.NumWorkers)
	require.EqualValues(t, 1024, cfg.Engine.BatchSize)
	require.NoError(t, cfg.Validate())
}

func TestNew_rejectsBadConfig(t *testing.T) {
	cfg := Config{Storage: bucket.Config{Backend: "tape"}}
	_, err := New(cfg, nil, nil)
	require.ErrorContains(t, err, "unsupported storage backend")
}

func TestSession_Table(t *testing.T) {
	sess := newTestSession(t)
	uploadSales(t, sess)

	f, err := sess.ReadCSV(context.Background(), "sales/*.csv")
	require.NoError(t, err)

	persisted, err := f.Persist(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, persisted.Handle())

	// A second frame over the same table takes its own pin.
	again, err := sess.Table(persisted.Handle())
	require.NoError(t, err)
	require.Equal(t, 2, sess.store.Pins(persisted.Handle()))
	require.Equal(t, persisted.NumPartitions(), again.NumPartitions())

	require.NoError(t, persisted.Release())
	require.Equal(t, 1, sess.store.Len())

	n, err := again.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 6, n)

	require.NoError(t, again.Release())
	require.Zero(t, sess.store.Len())

	t.Run("unknown handle", func(t *testing.T) {
		_, err := sess.Table("missing")
		require.ErrorContains(t, err, "not found")
	})
}
