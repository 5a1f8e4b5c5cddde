package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kvengine/lsmkv/internal/codec"
	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/record"
)

// View is a single reader's handle onto one sstable generation. It owns a
// private *os.File so concurrent Views never contend over a shared seek
// position, and caches the generation's epoch_no at the moment it was
// built so a catalog viewer can tell, without touching the file, whether
// this View still reflects the live sstable installed at its slot.
//
// NewView takes ownership of one Retain on owner; Close releases it.
type View struct {
	owner   *SSTable
	file    *os.File
	epochNo uint64
}

// NewView opens a fresh handle onto owner's file. The caller must have
// already called owner.Retain(); NewView transfers that reference into the
// returned View (on error, it releases it itself).
func NewView(owner *SSTable) (*View, error) {
	f, err := os.Open(owner.filePath)
	if err != nil {
		owner.Release()
		return nil, fmt.Errorf("sstable: open view of %s: %w", owner.filePath, kverrors.ErrIO)
	}
	return &View{owner: owner, file: f, epochNo: owner.epochNo}, nil
}

// EpochNo returns the epoch this View was built against.
func (v *View) EpochNo() uint64 {
	return v.epochNo
}

// Stale reports whether owner has moved on to a later epoch since this
// View was built, meaning it was installed over by a compaction cycle.
func (v *View) Stale() bool {
	return v.owner.EpochNo() != v.epochNo
}

// Close releases the file handle and the sstable reference this View held.
func (v *View) Close() error {
	err := v.file.Close()
	v.owner.Release()
	if err != nil {
		return fmt.Errorf("sstable: close view: %w", kverrors.ErrIO)
	}
	return nil
}

// Get looks up key against this generation: binary-search the sparse index
// for the chunk that could hold it, read that chunk, then scan its
// decoded commands in order. Because commands within a chunk are sorted,
// the scan can stop as soon as it passes key.
func (v *View) Get(key []byte) (record.Record, bool, error) {
	offset, ok := v.owner.index.FindFloor(key)
	if !ok {
		return record.Record{}, false, nil
	}

	if _, err := v.file.Seek(offset, io.SeekStart); err != nil {
		return record.Record{}, false, fmt.Errorf("sstable: seek in %s: %w", v.owner.filePath, kverrors.ErrIO)
	}
	payload, err := codec.ReadChunk(v.file)
	if errors.Is(err, io.EOF) {
		// The index pointed at this offset; a chunk read yielding zero
		// bytes there is corruption, not absence.
		return record.Record{}, false, fmt.Errorf("sstable: read chunk in %s: %w", v.owner.filePath, kverrors.ErrInvalidData)
	}
	if err != nil {
		return record.Record{}, false, fmt.Errorf("sstable: read chunk in %s: %w", v.owner.filePath, err)
	}

	r := bytes.NewReader(payload)
	for {
		cmd, err := record.DecodeCommand(r)
		if errors.Is(err, io.EOF) {
			return record.Record{}, false, nil
		}
		if err != nil {
			return record.Record{}, false, fmt.Errorf("sstable: decode chunk in %s: %w", v.owner.filePath, err)
		}
		switch bytes.Compare(cmd.Key, key) {
		case 0:
			rec, err := cmd.ToRecord()
			if err != nil {
				return record.Record{}, false, err
			}
			return rec, true, nil
		case 1:
			return record.Record{}, false, nil
		}
	}
}
