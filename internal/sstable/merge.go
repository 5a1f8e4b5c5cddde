package sstable

import (
	"bytes"
	"container/heap"

	"github.com/kvengine/lsmkv/internal/record"
)

// mergeItem is one source's current position in the k-way merge: the
// frozen memtable is source 0, the sstables being compacted are sources
// 1..k ordered youngest generation to oldest.
type mergeItem struct {
	key  []byte
	src  int
	curs cursor
}

// mergeHeap orders by key, then by source index. A smaller source index
// wins ties, so the memtable shadows every sstable and a younger
// generation shadows an older one.
type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeItem))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIterator walks the union of all sources in ascending key order,
// yielding exactly one record per distinct key: the one from the
// smallest-indexed source that holds it. Sources carrying a shadowed copy
// of the winning key are advanced past it without being emitted.
type mergeIterator struct {
	h          mergeHeap
	curKey     []byte
	curRec     record.Record
	ok         bool
	err        error
}

// newMergeIterator reads from cursors but does not close them; that
// remains the caller's job once the merge completes or fails.
func newMergeIterator(cursors []cursor) *mergeIterator {
	it := &mergeIterator{}
	for i, c := range cursors {
		if c.valid() {
			heap.Push(&it.h, &mergeItem{key: c.key(), src: i, curs: c})
		}
	}
	return it
}

// Next advances to the next distinct key and reports whether one exists.
// Once Next returns false, check Err.
func (it *mergeIterator) Next() bool {
	if it.err != nil || it.h.Len() == 0 {
		it.ok = false
		return false
	}

	winner := heap.Pop(&it.h).(*mergeItem)
	it.curKey = winner.key
	it.curRec = winner.curs.record()

	if err := winner.curs.advance(); err != nil {
		it.err = err
		it.ok = false
		return false
	}
	if winner.curs.valid() {
		heap.Push(&it.h, &mergeItem{key: winner.curs.key(), src: winner.src, curs: winner.curs})
	}

	for it.h.Len() > 0 && bytes.Equal(it.h[0].key, it.curKey) {
		loser := heap.Pop(&it.h).(*mergeItem)
		if err := loser.curs.advance(); err != nil {
			it.err = err
			it.ok = false
			return false
		}
		if loser.curs.valid() {
			heap.Push(&it.h, &mergeItem{key: loser.curs.key(), src: loser.src, curs: loser.curs})
		}
	}

	it.ok = true
	return true
}

func (it *mergeIterator) Key() []byte           { return it.curKey }
func (it *mergeIterator) Record() record.Record { return it.curRec }
func (it *mergeIterator) Err() error            { return it.err }
