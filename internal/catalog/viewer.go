package catalog

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kvengine/lsmkv/internal/record"
	"github.com/kvengine/lsmkv/internal/sstable"
)

// maxCachedViews bounds how many open sstable file handles one Viewer
// keeps around at once. A generation array rarely grows past a handful of
// slots in practice (the geometric ratio keeps it logarithmic in data
// size), so this is generous headroom rather than a tight budget.
const maxCachedViews = 128

// Viewer is the read/write facade a caller actually interacts with: one
// per logical client of the store. It is not safe for concurrent use by
// multiple goroutines without external synchronization, matching its
// per-caller file handle cache; callers wanting concurrent access open
// one Viewer each.
type Viewer struct {
	catalog *Catalog
	views   *lru.Cache[int, *sstable.View]
}

// NewViewer builds a Viewer over catalog. Its sstable view cache is
// private: two Viewers over the same Catalog never share file handles.
func NewViewer(catalog *Catalog) *Viewer {
	cache, err := lru.NewWithEvict[int, *sstable.View](maxCachedViews, func(_ int, v *sstable.View) {
		v.Close()
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxCachedViews never is.
		panic(fmt.Sprintf("catalog: building view cache: %v", err))
	}
	return &Viewer{catalog: catalog, views: cache}
}

// Get looks up key across the active memtable, the frozen memtable (if
// one is mid-compaction) and every sstable generation, newest first. A
// tombstone at any layer shadows every older layer and is reported as not
// found.
func (v *Viewer) Get(key []byte) ([]byte, bool, error) {
	cat := v.catalog
	cat.mu.RLock()
	active := cat.active
	frozen := cat.frozen
	snapshot := make([]*sstable.SSTable, len(cat.sstables))
	copy(snapshot, cat.sstables)
	for _, s := range snapshot {
		s.Retain()
	}
	cat.mu.RUnlock()
	defer func() {
		for _, s := range snapshot {
			s.Release()
		}
	}()

	if rec, ok := active.Get(key); ok {
		return recordToResult(rec)
	}
	if frozen != nil {
		if rec, ok := frozen.Get(key); ok {
			return recordToResult(rec)
		}
	}

	for slot, sst := range snapshot {
		view, err := v.viewFor(slot, sst)
		if err != nil {
			return nil, false, err
		}
		rec, found, err := view.Get(key)
		if err != nil {
			return nil, false, err
		}
		if found {
			return recordToResult(rec)
		}
	}

	return nil, false, nil
}

func recordToResult(rec record.Record) ([]byte, bool, error) {
	if rec.Tombstone {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// viewFor returns a View onto sst at slot, reusing a cached one when its
// epoch still matches. sst must already have been Retain()'d by the
// caller for the duration of this call; viewFor only adds an additional,
// long-lived Retain when it actually builds a new cached View.
func (v *Viewer) viewFor(slot int, sst *sstable.SSTable) (*sstable.View, error) {
	if cached, ok := v.views.Get(slot); ok && cached.EpochNo() == sst.EpochNo() {
		return cached, nil
	}

	sst.Retain()
	view, err := sstable.NewView(sst)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	if old, ok := v.views.Peek(slot); ok {
		old.Close()
	}
	v.views.Add(slot, view)
	return view, nil
}

// Set writes key=value to the active memtable. The memtable handle is
// re-read from the catalog on every call rather than cached, since a
// compaction cycle may have swapped it out between calls; the catalog's
// read lock is held across the write so a cycle cannot freeze the
// memtable while a Set is in flight.
func (v *Viewer) Set(key, value []byte) error {
	v.catalog.mu.RLock()
	defer v.catalog.mu.RUnlock()
	active := v.catalog.active

	if err := active.Set(key, value); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}

// Remove appends a tombstone for key to the active memtable.
func (v *Viewer) Remove(key []byte) error {
	v.catalog.mu.RLock()
	defer v.catalog.mu.RUnlock()
	active := v.catalog.active

	if err := active.Remove(key); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}

// Close releases every cached View's file handle and sstable reference.
func (v *Viewer) Close() error {
	v.views.Purge()
	return nil
}
