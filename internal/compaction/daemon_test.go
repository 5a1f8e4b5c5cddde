package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvengine/lsmkv/internal/catalog"
)

func TestDaemonRunsCycleAndInstalls(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(dir)
	require.NoError(t, err)
	defer cat.Close()

	viewer := catalog.NewViewer(cat)
	defer viewer.Close()

	require.NoError(t, viewer.Set([]byte("a"), []byte("1")))

	daemon := NewDaemon(cat, Config{
		MemtableCompactionThreshold: 1,
		GenerationGeometricRatio:    4,
		Cycle:                       10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = daemon.Run(ctx)
	assert.NoError(t, err)

	val, found, err := viewer.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)
}

func TestDaemonNoOpWhenBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(dir)
	require.NoError(t, err)
	defer cat.Close()

	viewer := catalog.NewViewer(cat)
	defer viewer.Close()
	require.NoError(t, viewer.Set([]byte("a"), []byte("1")))

	daemon := NewDaemon(cat, Config{
		MemtableCompactionThreshold: 1 << 20,
		GenerationGeometricRatio:    4,
		Cycle:                       10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, daemon.Run(ctx))
}
