// Package lsmkv is an embedded, persistent, single-process key-value
// store built on a log-structured merge tree: an in-memory memtable with a
// write-ahead log absorbs writes, a background daemon periodically freezes
// and merges it into immutable, generationally organized sstables on disk.
//
// Open a store with Open, obtain a Viewer to read and write it, and Close
// the store when done. Range scans, iterators, bloom filters, block
// caches, replication and secondary indexes are out of scope; this is a
// point-lookup key-value engine only.
package lsmkv

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kvengine/lsmkv/internal/catalog"
	"github.com/kvengine/lsmkv/internal/compaction"
	"github.com/kvengine/lsmkv/internal/kverrors"
)

// Re-exported error kinds. Callers use errors.Is against these to classify
// a failure without reaching into internal packages.
var (
	ErrIO                  = kverrors.ErrIO
	ErrBufferFlush         = kverrors.ErrBufferFlush
	ErrLockPoisoned        = kverrors.ErrLockPoisoned
	ErrInvalidData         = kverrors.ErrInvalidData
	ErrSerializationFailed = kverrors.ErrSerializationFailed
)

// Options configures an Engine. The zero value is valid: every field falls
// back to a documented default.
type Options struct {
	// MemtableCompactionThreshold is the accounted size, in bytes, at
	// which the active memtable is frozen and merged into the sstable
	// generations. Default 1 MiB.
	MemtableCompactionThreshold int64

	// GenerationGeometricRatio is the growth factor between the target
	// size of one sstable generation and the next. Default 8.
	GenerationGeometricRatio int

	// CompactionDaemonCycle is how often the background daemon checks
	// whether a compaction cycle is due. Default 1 second.
	CompactionDaemonCycle time.Duration
}

const (
	defaultMemtableCompactionThreshold = 1 << 20
	defaultGenerationGeometricRatio    = 8
	defaultCompactionDaemonCycle       = time.Second
)

func (o Options) withDefaults() Options {
	if o.MemtableCompactionThreshold <= 0 {
		o.MemtableCompactionThreshold = defaultMemtableCompactionThreshold
	}
	if o.GenerationGeometricRatio <= 1 {
		o.GenerationGeometricRatio = defaultGenerationGeometricRatio
	}
	if o.CompactionDaemonCycle <= 0 {
		o.CompactionDaemonCycle = defaultCompactionDaemonCycle
	}
	return o
}

// Engine is an open store. It owns the catalog and the background
// compaction daemon's lifecycle.
type Engine struct {
	catalog *catalog.Catalog
	cancel  context.CancelFunc
	group   *errgroup.Group
	log     zerolog.Logger
}

// Open recovers or creates a store rooted at folder and starts its
// background compaction daemon.
func Open(folder string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	logger := log.With().Str("component", "lsmkv").Str("folder", folder).Logger()

	cat, err := catalog.Open(folder)
	if err != nil {
		return nil, fmt.Errorf("lsmkv: open %s: %w", folder, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	daemon := compaction.NewDaemon(cat, compaction.Config{
		MemtableCompactionThreshold: opts.MemtableCompactionThreshold,
		GenerationGeometricRatio:    opts.GenerationGeometricRatio,
		Cycle:                       opts.CompactionDaemonCycle,
	})
	group.Go(func() error {
		return daemon.Run(gctx)
	})

	logger.Info().Msg("engine opened")
	return &Engine{catalog: cat, cancel: cancel, group: group, log: logger}, nil
}

// NewViewer returns a fresh read/write handle onto the store. Each Viewer
// holds its own sstable file handle cache and is not safe for concurrent
// use by multiple goroutines; callers needing concurrent access open one
// Viewer per goroutine.
func (e *Engine) NewViewer() *Viewer {
	return &Viewer{inner: catalog.NewViewer(e.catalog)}
}

// Close stops the compaction daemon, waits for any in-flight cycle to
// finish, and closes the catalog. Errors from either step are aggregated
// rather than the first one masking the rest.
func (e *Engine) Close() error {
	e.cancel()

	var result *multierror.Error
	if err := e.group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.catalog.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	e.log.Info().Msg("engine closed")
	return result.ErrorOrNil()
}

// Viewer is a read/write handle onto an open Engine.
type Viewer struct {
	inner *catalog.Viewer
}

// Get returns the value stored at key, or found=false if key is absent or
// has been deleted.
func (v *Viewer) Get(key string) ([]byte, bool, error) {
	return v.inner.Get([]byte(key))
}

// Set stores value at key, overwriting any previous value.
func (v *Viewer) Set(key string, value []byte) error {
	return v.inner.Set([]byte(key), value)
}

// Remove deletes key. Removing an absent key is not an error.
func (v *Viewer) Remove(key string) error {
	return v.inner.Remove([]byte(key))
}

// Close releases this Viewer's cached sstable file handles. It does not
// affect the underlying Engine.
func (v *Viewer) Close() error {
	return v.inner.Close()
}
