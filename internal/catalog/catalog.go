// Package catalog owns the durable directory layout: which memtable is
// active, which sstable generations exist, and the epoch counter that
// lets readers detect when a generation has been replaced underneath
// them. Catalog itself holds the lock that serializes compaction cycles
// against readers and writers; Viewer (see viewer.go) is the read/write
// facade built on top of it.
package catalog

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/memtable"
	"github.com/kvengine/lsmkv/internal/sstable"
)

const (
	memtablePrefix = "memtable_"
	memtableSuffix = ".log"
	sstableSuffix  = ".sst"
)

// Catalog is the single source of truth for what is on disk. Every field
// below is protected by mu; readers take RLock, the compaction daemon
// takes Lock for the brief Phase A (freeze) and Phase C (install) windows
// described in internal/compaction.
type Catalog struct {
	mu sync.RWMutex

	folderPath string
	active     *memtable.Memtable
	frozen     *memtable.Memtable
	sstables   []*sstable.SSTable
	epochNo    uint64
}

// Open recovers a Catalog from folderPath, creating the directory if it
// does not exist. It scans the directory rather than trusting any manifest
// file: every *.sst name must encode a dense, zero-based generation
// sequence, and at most one memtable_*.log may be present (the active
// memtable's WAL; there can never be two, since at most one other
// memtable, the frozen one, is ever in flight, and a frozen memtable's WAL
// is deleted once the merge that consumes it commits).
func Open(folderPath string) (*Catalog, error) {
	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create %s: %w", folderPath, kverrors.ErrIO)
	}

	entries, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", folderPath, kverrors.ErrIO)
	}

	var memtablePaths []string
	type sstEntry struct {
		path  string
		genNo int
	}
	var sstEntries []sstEntry

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasPrefix(name, memtablePrefix) && strings.HasSuffix(name, memtableSuffix):
			memtablePaths = append(memtablePaths, filepath.Join(folderPath, name))
		case strings.HasSuffix(name, sstableSuffix):
			genNo, ok := parseGenNo(name)
			if !ok {
				log.Error().Str("path", name).Msg("catalog: sstable file name does not encode a generation number")
				return nil, fmt.Errorf("catalog: %s: %w", name, kverrors.ErrInvalidData)
			}
			sstEntries = append(sstEntries, sstEntry{path: filepath.Join(folderPath, name), genNo: genNo})
		}
	}

	if len(memtablePaths) > 1 {
		for _, p := range memtablePaths {
			log.Error().Str("path", p).Msg("catalog: unexpected extra memtable WAL found at open")
		}
		return nil, fmt.Errorf("catalog: %d memtable logs found in %s, expected at most one: %w",
			len(memtablePaths), folderPath, kverrors.ErrInvalidData)
	}

	sort.Slice(sstEntries, func(i, j int) bool { return sstEntries[i].genNo < sstEntries[j].genNo })

	sstables := make([]*sstable.SSTable, 0, len(sstEntries))
	for i, e := range sstEntries {
		if e.genNo != i {
			log.Error().Int("expected_gen_no", i).Int("found_gen_no", e.genNo).Str("path", e.path).
				Msg("catalog: sstable generation array is not dense")
			return nil, fmt.Errorf("catalog: non-contiguous generation %d at index %d in %s: %w",
				e.genNo, i, folderPath, kverrors.ErrInvalidData)
		}
		sst, err := sstable.Open(e.path, e.genNo, 0)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		sstables = append(sstables, sst)
	}

	var activePath string
	if len(memtablePaths) == 1 {
		activePath = memtablePaths[0]
	} else {
		activePath = genMemtablePath(folderPath)
	}
	active, err := memtable.Open(activePath)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	log.Info().Str("folder", folderPath).Int("sstables", len(sstables)).Msg("catalog opened")

	return &Catalog{
		folderPath: folderPath,
		active:     active,
		sstables:   sstables,
	}, nil
}

// Close flushes and closes the active and (if present) frozen memtables.
// It does not touch sstables: in steady state they hold no open file
// handles of their own, only Views do, and those belong to whatever
// Viewer created them.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result *multierror.Error
	if err := c.active.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.frozen != nil {
		if err := c.frozen.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func parseGenNo(sstFileName string) (int, bool) {
	name := strings.TrimSuffix(sstFileName, sstableSuffix)
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 || parts[0] != "gen" {
		return 0, false
	}
	genNo, err := strconv.Atoi(parts[1])
	if err != nil || genNo < 0 {
		return 0, false
	}
	return genNo, true
}

func genMemtablePath(folderPath string) string {
	return filepath.Join(folderPath, fmt.Sprintf("%s%s%s", memtablePrefix, randomSuffix(), memtableSuffix))
}

func genSSTablePath(folderPath string, genNo int) string {
	return filepath.Join(folderPath, fmt.Sprintf("gen_%d_%s%s", genNo, randomSuffix(), sstableSuffix))
}

// randomSuffix returns a high-entropy hex string used to keep successive
// files for the same generation or the same memtable role from colliding
// in the directory listing. A plain counter would work just as well for
// uniqueness but would leak the number of compactions run across restarts
// into the file name; crypto/rand is the stdlib's only source of
// uniformly random bytes and needs no third-party replacement here.
func randomSuffix() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("catalog: system randomness unavailable: %v", err))
	}
	return fmt.Sprintf("%x", binary.BigEndian.Uint64(buf[:]))
}
