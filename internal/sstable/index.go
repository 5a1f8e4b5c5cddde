package sstable

import "bytes"

// indexEntry records the offset within an sstable file at which a chunk
// starts, keyed by the first key stored in that chunk.
type indexEntry struct {
	firstKey []byte
	offset   int64
}

// sparseIndex is the in-memory, never-persisted index built while scanning
// an sstable: one entry per chunk, ordered by firstKey. A point lookup
// binary-searches for the entry whose firstKey is the greatest one not
// exceeding the query key, then linearly scans that chunk's body for the
// exact record. It is rebuilt from scratch every time an sstable is opened
// or created; nothing about it is ever written to disk.
type sparseIndex struct {
	entries []indexEntry
}

func newSparseIndex() *sparseIndex {
	return &sparseIndex{}
}

// Add records that a chunk starting at offset begins with firstKey. Callers
// must add entries in increasing key order, matching the order chunks are
// written or scanned in.
func (si *sparseIndex) Add(firstKey []byte, offset int64) {
	key := make([]byte, len(firstKey))
	copy(key, firstKey)
	si.entries = append(si.entries, indexEntry{firstKey: key, offset: offset})
}

// FindFloor returns the offset of the chunk that would contain key: the
// entry with the greatest firstKey <= key. The second return value is false
// if key is smaller than every indexed chunk's first key, meaning this
// sstable cannot contain it.
func (si *sparseIndex) FindFloor(key []byte) (int64, bool) {
	lo, hi := 0, len(si.entries)-1
	var result int64
	found := false
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(si.entries[mid].firstKey, key) <= 0 {
			result = si.entries[mid].offset
			found = true
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result, found
}

func (si *sparseIndex) Len() int {
	return len(si.entries)
}
