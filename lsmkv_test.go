package lsmkv

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSetGetRemove(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{})
	require.NoError(t, err)
	defer e.Close()

	v := e.NewViewer()
	defer v.Close()

	require.NoError(t, v.Set("hello", []byte("world")))
	val, found, err := v.Get("hello")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("world"), val)

	require.NoError(t, v.Remove("hello"))
	_, found, err = v.Get("hello")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngineRecoversAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(dir, Options{CompactionDaemonCycle: time.Hour})
	require.NoError(t, err)
	v1 := e1.NewViewer()
	require.NoError(t, v1.Set("a", []byte("1")))
	require.NoError(t, v1.Set("b", []byte("2")))
	require.NoError(t, v1.Close())
	require.NoError(t, e1.Close())

	e2, err := Open(dir, Options{CompactionDaemonCycle: time.Hour})
	require.NoError(t, err)
	defer e2.Close()
	v2 := e2.NewViewer()
	defer v2.Close()

	val, found, err := v2.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)
}

func TestEngineCompactionRunsInBackground(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{
		MemtableCompactionThreshold: 64,
		GenerationGeometricRatio:    2,
		CompactionDaemonCycle:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer e.Close()

	v := e.NewViewer()
	defer v.Close()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		require.NoError(t, v.Set(key, []byte(fmt.Sprintf("value-%d", i))))
	}

	// Give the daemon a few cycles to freeze and merge.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		val, found, err := v.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s should still be readable after compaction", key)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), val)
	}
}

func TestEngineOverwriteAndDeleteSurviveCompaction(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{
		MemtableCompactionThreshold: 16,
		GenerationGeometricRatio:    2,
		CompactionDaemonCycle:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer e.Close()

	v := e.NewViewer()
	defer v.Close()

	require.NoError(t, v.Set("k", []byte("first")))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, v.Set("k", []byte("second")))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, v.Remove("k"))
	time.Sleep(30 * time.Millisecond)

	_, found, err := v.Get("k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMultipleViewersIsolateCaches(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{CompactionDaemonCycle: time.Hour})
	require.NoError(t, err)
	defer e.Close()

	v1 := e.NewViewer()
	defer v1.Close()
	v2 := e.NewViewer()
	defer v2.Close()

	require.NoError(t, v1.Set("shared", []byte("value")))

	val, found, err := v2.Get("shared")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value"), val)
}
