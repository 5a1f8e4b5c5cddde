package sstable

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/memtable"
)

func newFrozenMemtable(t *testing.T, dir, name string, kv map[string]string, deletes []string) *memtable.Memtable {
	t.Helper()
	mt, err := memtable.Open(filepath.Join(dir, name))
	require.NoError(t, err)
	for k, v := range kv {
		require.NoError(t, mt.Set([]byte(k), []byte(v)))
	}
	for _, k := range deletes {
		require.NoError(t, mt.Remove([]byte(k)))
	}
	require.NoError(t, mt.Freeze())
	return mt
}

func TestCreateEmptyThenOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gen_0.sst")

	created, err := CreateEmpty(path, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, created.GenNo())
	assert.Equal(t, uint64(1), created.EpochNo())

	opened, err := Open(path, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, opened.IndexEntries())
}

func TestCreateFromMemtableAndGetViaView(t *testing.T) {
	dir := t.TempDir()
	mt := newFrozenMemtable(t, dir, "memtable_0.log", map[string]string{
		"a": "1",
		"b": "2",
		"c": "3",
	}, nil)

	sstPath := filepath.Join(dir, "gen_0.sst")
	sst, err := Create(sstPath, mt, nil, 0, 1)
	require.NoError(t, err)
	// Three small records fit well under ChunkSizeThreshold: one chunk.
	assert.Equal(t, 1, sst.IndexEntries())

	view, err := newTestView(t, sst)
	require.NoError(t, err)
	defer view.Close()

	rec, found, err := view.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("2"), rec.Value)

	_, found, err = view.Get([]byte("z"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateMergesTombstones(t *testing.T) {
	dir := t.TempDir()
	mt := newFrozenMemtable(t, dir, "memtable_0.log", map[string]string{"a": "1"}, []string{"a"})

	sstPath := filepath.Join(dir, "gen_0.sst")
	sst, err := Create(sstPath, mt, nil, 0, 1)
	require.NoError(t, err)

	view, err := newTestView(t, sst)
	require.NoError(t, err)
	defer view.Close()

	rec, found, err := view.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Tombstone)
}

func TestCreateMergeOrderNewerWins(t *testing.T) {
	dir := t.TempDir()

	oldMt := newFrozenMemtable(t, dir, "memtable_old.log", map[string]string{"a": "old"}, nil)
	oldPath := filepath.Join(dir, "gen_0.sst")
	oldSst, err := Create(oldPath, oldMt, nil, 0, 1)
	require.NoError(t, err)

	newMt := newFrozenMemtable(t, dir, "memtable_new.log", map[string]string{"a": "new", "b": "fresh"}, nil)

	mergedPath := filepath.Join(dir, "gen_0_v2.sst")
	merged, err := Create(mergedPath, newMt, []*SSTable{oldSst}, 0, 2)
	require.NoError(t, err)

	view, err := newTestView(t, merged)
	require.NoError(t, err)
	defer view.Close()

	rec, found, err := view.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("new"), rec.Value)

	rec, found, err = view.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), rec.Value)
}

func TestCreateSpansMultipleChunks(t *testing.T) {
	dir := t.TempDir()
	mt, err := memtable.Open(filepath.Join(dir, "memtable_0.log"))
	require.NoError(t, err)

	big := make([]byte, 300)
	for i := range big {
		big[i] = byte('x')
	}
	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, mt.Set(key, big))
	}
	require.NoError(t, mt.Freeze())

	sstPath := filepath.Join(dir, "gen_0.sst")
	sst, err := Create(sstPath, mt, nil, 0, 1)
	require.NoError(t, err)
	assert.Greater(t, sst.IndexEntries(), 1)

	view, err := newTestView(t, sst)
	require.NoError(t, err)
	defer view.Close()

	rec, found, err := view.Get([]byte{byte('a' + 19)})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, big, rec.Value)
}

// TestGetOnTruncatedFileAtIndexedOffsetIsInvalidData covers spec.md §4.4's
// corruption case: the sparse index still names an offset, but the bytes
// that used to live there are gone, so the chunk read at that offset comes
// back empty rather than absent.
func TestGetOnTruncatedFileAtIndexedOffsetIsInvalidData(t *testing.T) {
	dir := t.TempDir()
	mt := newFrozenMemtable(t, dir, "memtable_0.log", map[string]string{"a": "1"}, nil)

	sstPath := filepath.Join(dir, "gen_0.sst")
	sst, err := Create(sstPath, mt, nil, 0, 1)
	require.NoError(t, err)
	require.Equal(t, 1, sst.IndexEntries())

	// The in-memory index still points past the header at the chunk that
	// held "a"; truncate the file down to just the header so that offset
	// reads as a clean EOF instead of real chunk data.
	require.NoError(t, os.Truncate(sstPath, int64(genNoSize)))

	view, err := newTestView(t, sst)
	require.NoError(t, err)
	defer view.Close()

	_, found, err := view.Get([]byte("a"))
	assert.False(t, found)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kverrors.ErrInvalidData))
}

// newTestView builds a View the way production code does: Retain before
// NewView, since NewView assumes ownership of that reference.
func newTestView(t *testing.T, sst *SSTable) (*View, error) {
	t.Helper()
	sst.Retain()
	return NewView(sst)
}
