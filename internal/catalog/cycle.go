package catalog

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/memtable"
	"github.com/kvengine/lsmkv/internal/sstable"
)

// CycleWork is the plan a compaction cycle acts on, produced by BeginCycle
// under the catalog's write lock and consumed by the caller (see
// internal/compaction) without holding any lock at all: the merge itself
// is the expensive part and must run lock-free against concurrent readers
// and writers.
type CycleWork struct {
	Frozen    *memtable.Memtable
	MergeSet  []*sstable.SSTable
	TargetGen int
	EpochNo   uint64
	NewPath   string
}

// BeginCycle is compaction Phase A. If the active memtable's accounted
// size is below threshold, it returns ok=false and leaves the catalog
// untouched: there is nothing to flush this cycle. Otherwise it bumps the
// epoch counter, freezes the active memtable, installs a brand new active
// memtable in its place, and computes which existing sstable generations
// the frozen memtable must be merged with to keep the geometric size
// invariant across generations.
func (c *Catalog) BeginCycle(threshold int64, ratio int) (*CycleWork, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active.DataSize() < threshold {
		return nil, false, nil
	}

	c.epochNo++
	epoch := c.epochNo

	newActivePath := genMemtablePath(c.folderPath)
	newActive, err := memtable.Open(newActivePath)
	if err != nil {
		return nil, false, fmt.Errorf("catalog: open new active memtable: %w", err)
	}

	frozen := c.active
	if err := frozen.Freeze(); err != nil {
		newActive.Close()
		return nil, false, fmt.Errorf("catalog: freeze active memtable: %w", err)
	}
	c.frozen = frozen
	c.active = newActive

	accumulated := frozen.DataSize()
	thresh := threshold * int64(ratio)
	target := 0
	mergeSet := make([]*sstable.SSTable, 0, len(c.sstables))
	for i, sst := range c.sstables {
		mergeSet = append(mergeSet, sst)
		accumulated += sst.FileSize()
		if accumulated < thresh {
			target = i
			break
		}
		target = i + 1
		thresh *= int64(ratio)
	}

	newPath := genSSTablePath(c.folderPath, target)

	log.Info().Int("target_gen", target).Int("merge_set_size", len(mergeSet)).Uint64("epoch", epoch).
		Msg("compaction cycle beginning")

	return &CycleWork{
		Frozen:    frozen,
		MergeSet:  mergeSet,
		TargetGen: target,
		EpochNo:   epoch,
		NewPath:   newPath,
	}, true, nil
}

// InstallCycle is compaction Phase C. It replaces the generations named in
// work with merged, closes the frozen memtable (which unlinks its WAL),
// deprecates the sstables it absorbed, and fills every generation below
// TargetGen with a fresh empty placeholder so the array stays dense. A
// deprecated sstable's file is unlinked only once every reference to it,
// the catalog's own and every outstanding View's, has been released, which
// is why readers never observe a torn merge.
func (c *Catalog) InstallCycle(work *CycleWork, merged *sstable.SSTable) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen != nil {
		c.frozen.Deprecate()
		if err := c.frozen.Close(); err != nil {
			log.Error().Err(err).Msg("catalog: close deprecated frozen memtable")
		}
		c.frozen = nil
	}

	if work.TargetGen == len(c.sstables) {
		c.sstables = append(c.sstables, merged)
	} else {
		old := c.sstables[work.TargetGen]
		old.Deprecate()
		old.Release()
		c.sstables[work.TargetGen] = merged
	}

	for i := 0; i < work.TargetGen; i++ {
		old := c.sstables[i]
		old.Deprecate()
		old.Release()

		path := genSSTablePath(c.folderPath, i)
		empty, err := sstable.CreateEmpty(path, i, work.EpochNo)
		if err != nil {
			return fmt.Errorf("catalog: install placeholder generation %d: %w", i, kverrors.ErrIO)
		}
		c.sstables[i] = empty
	}

	log.Info().Int("target_gen", work.TargetGen).Uint64("epoch", work.EpochNo).Msg("compaction cycle installed")
	return nil
}
