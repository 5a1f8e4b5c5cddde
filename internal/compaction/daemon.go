// Package compaction runs the background cycle that keeps the memtable
// small and the sstable generation array geometrically bounded: freeze the
// active memtable, merge it with however many existing generations the
// size ratio calls for, and install the result. Phase A and Phase C hold
// the catalog's write lock briefly; Phase B, the expensive merge itself,
// runs with no lock held at all.
package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvengine/lsmkv/internal/catalog"
	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/sstable"
)

// Config controls the pacing and geometry of the daemon.
type Config struct {
	// MemtableCompactionThreshold is the active memtable's accounted size,
	// in bytes, at which a cycle freezes it and begins a merge.
	MemtableCompactionThreshold int64
	// GenerationGeometricRatio is the growth factor between successive
	// sstable generations' target sizes.
	GenerationGeometricRatio int
	// Cycle is how often the daemon wakes up to check whether a cycle is
	// due.
	Cycle time.Duration
}

// Daemon drives compaction cycles against one catalog until its context is
// canceled.
type Daemon struct {
	catalog *catalog.Catalog
	cfg     Config
}

// NewDaemon builds a Daemon over cat using cfg.
func NewDaemon(cat *catalog.Catalog, cfg Config) *Daemon {
	return &Daemon{catalog: cat, cfg: cfg}
}

// Run loops until ctx is canceled, checking for due work once per Cycle. A
// cycle already in progress always runs to completion; cancellation is
// only observed between cycles.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Cycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.runCycleSafely(); err != nil {
				return err
			}
		}
	}
}

// runCycleSafely wraps runCycle with a panic recovery, the closest analogue
// in Go to the lock-poisoning a failed critical section would cause in a
// language where a mutex can be poisoned. A panic here would otherwise take
// down the whole process via the goroutine started in lsmkv.Open.
func (d *Daemon) runCycleSafely() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compaction: cycle panicked: %v: %w", r, kverrors.ErrLockPoisoned)
		}
	}()
	return d.runCycle()
}

func (d *Daemon) runCycle() error {
	work, ok, err := d.catalog.BeginCycle(d.cfg.MemtableCompactionThreshold, d.cfg.GenerationGeometricRatio)
	if err != nil {
		return fmt.Errorf("compaction: phase A: %w", err)
	}
	if !ok {
		return nil
	}

	merged, err := sstable.Create(work.NewPath, work.Frozen, work.MergeSet, work.TargetGen, work.EpochNo)
	if err != nil {
		// The frozen memtable and the pre-merge generations are still
		// installed in the catalog; the next cycle retries the same
		// merge from the same state. Nothing has been lost.
		log.Error().Err(err).Msg("compaction: phase B merge failed, will retry next cycle")
		return nil
	}

	if err := d.catalog.InstallCycle(work, merged); err != nil {
		// merged was never installed anywhere the catalog or a viewer can
		// reach it; deprecating and releasing it here unlinks its file
		// rather than leaking an orphaned sstable on disk.
		merged.Deprecate()
		merged.Release()
		log.Error().Err(err).Msg("compaction: phase C install failed")
		return nil
	}

	return nil
}
