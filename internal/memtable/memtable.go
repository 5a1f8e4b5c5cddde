// Package memtable implements the in-memory ordered map backing the active
// write path, and its write-ahead log.
package memtable

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/huandu/skiplist"
	"github.com/rs/zerolog/log"

	"github.com/kvengine/lsmkv/internal/codec"
	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/record"
)

// ErrFrozen is returned by Set/Remove against a memtable that has already
// transitioned out of the Active lifecycle state.
var ErrFrozen = errors.New("memtable: frozen for writes")

// Memtable is a WAL-backed ordered map. All mutation goes through Set and
// Remove, which append to the WAL before touching the in-memory structure,
// so recovery can always reconstruct the map from the log alone.
type Memtable struct {
	mu       sync.RWMutex
	data     *skiplist.SkipList
	dataSize int64

	logPath string
	logFile *os.File
	logW    *bufio.Writer

	frozen     atomic.Bool
	deprecated atomic.Bool
}

// Open recovers a Memtable from its WAL at logPath, creating an empty one if
// the file does not yet exist. Records are replayed in log order, later
// commands overwriting earlier ones for the same key, exactly as they would
// have been applied live.
func Open(logPath string) (*Memtable, error) {
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memtable: open %s: %w", logPath, kverrors.ErrIO)
	}

	data := skiplist.New(keyComparable)
	var dataSize int64
	var recovered, skipped int

	for {
		payload, err := codec.ReadChunk(f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("memtable: replay %s: %w", logPath, err)
		}

		cmd, err := record.DecodeCommand(bytes.NewReader(payload))
		if err != nil {
			// A single malformed tail record most often means the process
			// crashed mid-append. Rather than fail recovery outright, skip
			// it and log, matching the original engine's fault tolerance
			// for WAL replay.
			skipped++
			log.Warn().Str("path", logPath).Err(err).Msg("memtable: skipping unreadable WAL record")
			continue
		}
		rec, err := cmd.ToRecord()
		if err != nil {
			skipped++
			log.Warn().Str("path", logPath).Err(err).Msg("memtable: skipping invalid WAL command")
			continue
		}
		applyLocked(data, &dataSize, cmd.Key, rec)
		recovered++
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("memtable: seek to end of %s: %w", logPath, kverrors.ErrIO)
	}

	mt := &Memtable{
		data:     data,
		dataSize: dataSize,
		logPath:  logPath,
		logFile:  f,
		logW:     bufio.NewWriter(f),
	}

	log.Info().Str("path", logPath).Int("recovered", recovered).Int("skipped", skipped).Msg("memtable recovered")
	return mt, nil
}

// applyLocked mutates data and dataSize to reflect key taking on rec,
// accounting for the size delta whether this is an insert or an overwrite.
// Callers must hold the memtable's write lock (or have exclusive access, as
// during Open's replay).
func applyLocked(data *skiplist.SkipList, dataSize *int64, key []byte, rec record.Record) {
	if elem := data.Get(key); elem != nil {
		old := elem.Value.(record.Record)
		*dataSize += int64(rec.Len()) - int64(old.Len())
		data.Set(elem.Key(), rec)
		return
	}
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	data.Set(keyCopy, rec)
	*dataSize += int64(len(key)) + int64(rec.Len())
}

// Set appends a SetValue command to the WAL, then installs it in the
// in-memory map. value is copied; the caller's buffer is never retained.
func (m *Memtable) Set(key, value []byte) error {
	return m.apply(record.Command{Key: key, Kind: record.SetValue, Value: value})
}

// Remove appends a tombstone for key.
func (m *Memtable) Remove(key []byte) error {
	return m.apply(record.Command{Key: key, Kind: record.Delete})
}

func (m *Memtable) apply(cmd record.Command) error {
	if m.frozen.Load() {
		return ErrFrozen
	}

	payload, err := record.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("memtable: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen.Load() {
		return ErrFrozen
	}
	if err := codec.WriteChunk(m.logW, payload); err != nil {
		return fmt.Errorf("memtable: wal append to %s: %w", m.logPath, err)
	}

	rec, err := cmd.ToRecord()
	if err != nil {
		return fmt.Errorf("memtable: %w", err)
	}
	if !rec.Tombstone {
		rec = record.NewValue(rec.Value)
	}
	key := make([]byte, len(cmd.Key))
	copy(key, cmd.Key)
	applyLocked(m.data, &m.dataSize, key, rec)
	return nil
}

// Get looks up key in the in-memory map only; it never touches the WAL.
func (m *Memtable) Get(key []byte) (record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	elem := m.data.Get(key)
	if elem == nil {
		return record.Record{}, false
	}
	return elem.Value.(record.Record), true
}

// DataSize returns the current accounted size, the figure the compaction
// daemon compares against the flush threshold.
func (m *Memtable) DataSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dataSize
}

// IsFrozen reports whether the memtable has left the Active lifecycle
// state.
func (m *Memtable) IsFrozen() bool {
	return m.frozen.Load()
}

// Freeze transitions the memtable out of Active: further Set/Remove calls
// fail with ErrFrozen, and the WAL is flushed and fsynced so the frozen
// memtable's log is durable before the merge that consumes it begins.
func (m *Memtable) Freeze() error {
	m.frozen.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.logW.Flush(); err != nil {
		return fmt.Errorf("memtable: flush %s on freeze: %w", m.logPath, kverrors.ErrBufferFlush)
	}
	if err := m.logFile.Sync(); err != nil {
		return fmt.Errorf("memtable: sync %s on freeze: %w", m.logPath, kverrors.ErrIO)
	}
	return nil
}

// Deprecate marks the memtable for deletion once Close runs. It is called
// once a compaction cycle has durably merged this memtable's contents into
// an sstable.
func (m *Memtable) Deprecate() {
	m.deprecated.Store(true)
}

// WalPath returns the path to this memtable's backing log file.
func (m *Memtable) WalPath() string {
	return m.logPath
}

// Close flushes, syncs and closes the backing file, unlinking it if the
// memtable was deprecated.
func (m *Memtable) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	if err := m.logW.Flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush %s: %w", m.logPath, err))
	}
	if err := m.logFile.Sync(); err != nil {
		result = multierror.Append(result, fmt.Errorf("sync %s: %w", m.logPath, err))
	}
	if err := m.logFile.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", m.logPath, err))
	}
	if m.deprecated.Load() {
		if err := os.Remove(m.logPath); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", m.logPath, err))
		}
	}
	return result.ErrorOrNil()
}

// Iterator walks the memtable in ascending key order. It is only safe to
// use against a frozen memtable, since it does not hold the lock across
// Next calls.
type Iterator struct {
	elem *skiplist.Element
}

// NewIterator returns an Iterator positioned before the first key.
func (m *Memtable) NewIterator() *Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Iterator{elem: m.data.Front()}
}

func (it *Iterator) Valid() bool {
	return it.elem != nil
}

func (it *Iterator) Key() []byte {
	return it.elem.Key().([]byte)
}

func (it *Iterator) Record() record.Record {
	return it.elem.Value.(record.Record)
}

func (it *Iterator) Next() {
	it.elem = it.elem.Next()
}
