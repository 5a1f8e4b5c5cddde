// Package sstable implements the on-disk, immutable sorted string table:
// a 4-byte generation number header followed by a sequence of
// length-prefixed chunks, each chunk holding one or more encoded commands
// in ascending key order. Point lookups go through a View (see view.go);
// SSTable itself only tracks metadata and the sparse first-key index used
// to locate a chunk.
package sstable

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	mathrand "math/rand"
	"os"
	"sync"
	"sync/atomic"

	fileatomic "github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"

	"github.com/kvengine/lsmkv/internal/codec"
	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/memtable"
	"github.com/kvengine/lsmkv/internal/record"
)

const (
	genNoSize = 4

	// ChunkSizeThreshold is the target size, in encoded command bytes, of
	// each chunk written while building a new sstable. It trades read
	// amplification (a hit must scan up to this many bytes past the
	// indexed offset) against index density.
	ChunkSizeThreshold = 1024
)

// SSTable is an immutable generation of merged records. It is safe for
// concurrent use: Views open their own file handles against FilePath, and
// the only mutable state here is the reference count that gates unlinking
// a deprecated file.
type SSTable struct {
	genNo    int
	epochNo  uint64
	index    *sparseIndex
	filePath string
	fileSize int64

	mu         sync.Mutex
	deprecated bool
	refCount   int32
}

// Open recovers an SSTable's metadata by scanning path: reads the
// generation number header, then walks every chunk to rebuild the sparse
// index. The scan-time file handle is not retained; subsequent reads go
// through a View.
func Open(path string, genNo int, epochNo uint64) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, kverrors.ErrIO)
	}
	defer f.Close()

	var header [genNoSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("sstable: read header of %s: %w", path, kverrors.ErrInvalidData)
	}
	storedGenNo := int(binary.BigEndian.Uint32(header[:]))
	if storedGenNo != genNo {
		return nil, fmt.Errorf("sstable: %s header gen_no %d does not match file name gen_no %d: %w",
			path, storedGenNo, genNo, kverrors.ErrInvalidData)
	}

	idx := newSparseIndex()
	offset := int64(genNoSize)
	for {
		payload, err := codec.ReadChunk(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sstable: scan %s: %w", path, err)
		}
		firstKey, err := firstKeyOf(payload)
		if err != nil {
			return nil, fmt.Errorf("sstable: scan %s: %w", path, err)
		}
		idx.Add(firstKey, offset)
		offset += int64(lengthPrefixSize) + int64(len(payload))
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat %s: %w", path, kverrors.ErrIO)
	}

	return &SSTable{
		genNo:    genNo,
		epochNo:  epochNo,
		index:    idx,
		filePath: path,
		fileSize: info.Size(),
		refCount: 1,
	}, nil
}

// CreateEmpty writes a new, empty sstable at path: just the generation
// header, no chunks. It fills the placeholder slot left behind at a
// generation a compaction cycle fully consumed.
func CreateEmpty(path string, genNo int, epochNo uint64) (*SSTable, error) {
	tmpPath := tempPathNear(path)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", tmpPath, kverrors.ErrIO)
	}
	if err := writeGenHeader(f, genNo); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: sync %s: %w", tmpPath, kverrors.ErrIO)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close %s: %w", tmpPath, kverrors.ErrIO)
	}
	if err := fileatomic.ReplaceFile(tmpPath, path); err != nil {
		return nil, fmt.Errorf("sstable: publish %s: %w", path, kverrors.ErrIO)
	}
	return &SSTable{
		genNo:    genNo,
		epochNo:  epochNo,
		index:    newSparseIndex(),
		filePath: path,
		fileSize: genNoSize,
		refCount: 1,
	}, nil
}

// Create merges frozen with mergeSet (ordered youngest generation to
// oldest) into a brand new sstable at path, written to a temp file and
// published with a single atomic rename so a reader never observes a
// partially written file.
func Create(path string, frozen *memtable.Memtable, mergeSet []*SSTable, genNo int, epochNo uint64) (*SSTable, error) {
	cursors := make([]cursor, 0, 1+len(mergeSet))
	cursors = append(cursors, newMemtableCursor(frozen))
	for _, sst := range mergeSet {
		c, err := newSSTableCursor(sst.filePath)
		if err != nil {
			closeCursors(cursors)
			return nil, err
		}
		cursors = append(cursors, c)
	}
	defer closeCursors(cursors)

	tmpPath := tempPathNear(path)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", tmpPath, kverrors.ErrIO)
	}

	if err := writeGenHeader(f, genNo); err != nil {
		f.Close()
		return nil, err
	}

	idx := newSparseIndex()
	offset := int64(genNoSize)
	var buf []byte
	var chunkFirstKey []byte

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := codec.WriteChunk(f, buf); err != nil {
			return fmt.Errorf("sstable: write chunk to %s: %w", tmpPath, err)
		}
		idx.Add(chunkFirstKey, offset)
		offset += int64(lengthPrefixSize) + int64(len(buf))
		buf = buf[:0]
		chunkFirstKey = nil
		return nil
	}

	merge := newMergeIterator(cursors)
	for merge.Next() {
		key, rec := merge.Key(), merge.Record()
		if len(buf) == 0 {
			chunkFirstKey = append([]byte(nil), key...)
		}
		buf, err = record.AppendCommand(buf, record.FromRecord(key, rec))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("sstable: encode merged record: %w", err)
		}
		if len(buf) >= ChunkSizeThreshold {
			if err := flush(); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	if err := merge.Err(); err != nil {
		f.Close()
		return nil, err
	}
	if err := flush(); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: sync %s: %w", tmpPath, kverrors.ErrIO)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close %s: %w", tmpPath, kverrors.ErrIO)
	}
	if err := fileatomic.ReplaceFile(tmpPath, path); err != nil {
		return nil, fmt.Errorf("sstable: publish %s: %w", path, kverrors.ErrIO)
	}

	log.Info().Str("path", path).Int("gen_no", genNo).Int64("size", offset).Msg("sstable created")

	return &SSTable{
		genNo:    genNo,
		epochNo:  epochNo,
		index:    idx,
		filePath: path,
		fileSize: offset,
		refCount: 1,
	}, nil
}

func closeCursors(cursors []cursor) {
	for _, c := range cursors {
		c.close()
	}
}

func writeGenHeader(w io.Writer, genNo int) error {
	var header [genNoSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(genNo))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("sstable: write header: %w", kverrors.ErrIO)
	}
	return nil
}

func firstKeyOf(chunkPayload []byte) ([]byte, error) {
	cmd, err := record.DecodeCommand(bytes.NewReader(chunkPayload))
	if err != nil {
		return nil, err
	}
	return cmd.Key, nil
}

const lengthPrefixSize = 4

// tempPathNear derives a sibling temp path for path, used as the staging
// file an atomic rename publishes from.
func tempPathNear(path string) string {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a weaker but always-available source
		// rather than propagating an error a caller has no sane response
		// to for a temp file name collision.
		mathrand.Read(suffix[:])
	}
	return fmt.Sprintf("%s.tmp-%x", path, suffix)
}

func (s *SSTable) GenNo() int          { return s.genNo }
func (s *SSTable) EpochNo() uint64     { return s.epochNo }
func (s *SSTable) FileSize() int64     { return s.fileSize }
func (s *SSTable) FilePath() string    { return s.filePath }
func (s *SSTable) IndexEntries() int   { return s.index.Len() }

// Retain increments the reference count protecting this sstable's file
// from being unlinked. Paired with Release.
func (s *SSTable) Retain() {
	atomic.AddInt32(&s.refCount, 1)
}

// Release drops a reference. If the count reaches zero and the sstable has
// been marked deprecated, its file is unlinked.
func (s *SSTable) Release() {
	if atomic.AddInt32(&s.refCount, -1) <= 0 {
		s.maybeUnlink()
	}
}

// Deprecate marks the sstable for deletion once every outstanding
// reference (every open View still reading it) has been released. The
// file itself is not touched here unless the reference count has already
// reached zero.
func (s *SSTable) Deprecate() {
	s.mu.Lock()
	s.deprecated = true
	s.mu.Unlock()
	s.maybeUnlink()
}

func (s *SSTable) maybeUnlink() {
	s.mu.Lock()
	shouldUnlink := s.deprecated && atomic.LoadInt32(&s.refCount) <= 0
	s.mu.Unlock()
	if !shouldUnlink {
		return
	}
	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		log.Error().Str("path", s.filePath).Err(err).Msg("sstable: failed to unlink deprecated file")
	}
}

