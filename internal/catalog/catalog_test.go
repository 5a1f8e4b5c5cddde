package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvengine/lsmkv/internal/sstable"
)

// buildMergedForTest performs compaction Phase B exactly the way
// internal/compaction's daemon does, without pulling in that package
// (which itself depends on catalog) just for one test helper.
func buildMergedForTest(work *CycleWork) (*sstable.SSTable, error) {
	return sstable.Create(work.NewPath, work.Frozen, work.MergeSet, work.TargetGen, work.EpochNo)
}

func TestOpenCreatesFreshCatalog(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(dir)
	require.NoError(t, err)
	defer cat.Close()

	assert.Empty(t, cat.sstables)
	assert.NotNil(t, cat.active)
}

func TestOpenRejectsNonContiguousGenerations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gen_0_aaaa.sst"), []byte{0, 0, 0, 0}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gen_2_bbbb.sst"), []byte{0, 0, 0, 2}, 0o644))

	_, err := Open(dir)
	require.Error(t, err)
}

func TestOpenRejectsMultipleMemtableLogs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memtable_aaaa.log"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memtable_bbbb.log"), nil, 0o644))

	_, err := Open(dir)
	require.Error(t, err)
}

func TestViewerSetGetRemove(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(dir)
	require.NoError(t, err)
	defer cat.Close()

	viewer := NewViewer(cat)
	defer viewer.Close()

	require.NoError(t, viewer.Set([]byte("a"), []byte("1")))
	val, found, err := viewer.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)

	require.NoError(t, viewer.Remove([]byte("a")))
	_, found, err = viewer.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBeginCycleNoOpBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(dir)
	require.NoError(t, err)
	defer cat.Close()

	require.NoError(t, cat.active.Set([]byte("a"), []byte("1")))

	work, ok, err := cat.BeginCycle(1<<20, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, work)
}

func TestFullCompactionCycle(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(dir)
	require.NoError(t, err)
	defer cat.Close()

	viewer := NewViewer(cat)
	defer viewer.Close()

	require.NoError(t, viewer.Set([]byte("a"), []byte("1")))
	require.NoError(t, viewer.Set([]byte("b"), []byte("2")))

	work, ok, err := cat.BeginCycle(1, 4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, work.TargetGen)
	assert.Equal(t, uint64(1), work.EpochNo)
	assert.Empty(t, work.MergeSet)

	// Reads during the merge window must still see the frozen data.
	val, found, err := viewer.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)

	// Writes during the merge window land in the new active memtable.
	require.NoError(t, viewer.Set([]byte("c"), []byte("3")))

	merged, err := buildMergedForTest(work)
	require.NoError(t, err)

	require.NoError(t, cat.InstallCycle(work, merged))

	val, found, err = viewer.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)

	val, found, err = viewer.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("3"), val)

	assert.Len(t, cat.sstables, 1)
}
