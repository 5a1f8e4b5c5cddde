package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kvengine/lsmkv/internal/codec"
	"github.com/kvengine/lsmkv/internal/kverrors"
	"github.com/kvengine/lsmkv/internal/memtable"
	"github.com/kvengine/lsmkv/internal/record"
)

// cursor is a forward-only, ascending walk over one merge input: either the
// frozen memtable or an existing sstable generation. Create uses one per
// source to drive the k-way merge.
type cursor interface {
	valid() bool
	key() []byte
	record() record.Record
	advance() error
	close() error
}

// memtableCursor adapts a memtable.Iterator to the cursor interface.
type memtableCursor struct {
	it *memtable.Iterator
}

func newMemtableCursor(mt *memtable.Memtable) *memtableCursor {
	return &memtableCursor{it: mt.NewIterator()}
}

func (c *memtableCursor) valid() bool            { return c.it.Valid() }
func (c *memtableCursor) key() []byte            { return c.it.Key() }
func (c *memtableCursor) record() record.Record  { return c.it.Record() }
func (c *memtableCursor) advance() error         { c.it.Next(); return nil }
func (c *memtableCursor) close() error           { return nil }

// sstableCursor sequentially decodes the chunks of an existing sstable,
// opening its own file handle for the duration of the merge. This is
// distinct from View: a View serves point lookups against a live,
// shared-across-callers sstable and is cached by the catalog's viewer; a
// cursor is a private, throwaway sequential scan used only while building
// the next generation.
type sstableCursor struct {
	f          *os.File
	chunk      *bytes.Reader
	curKey     []byte
	curRec     record.Record
	ok         bool
}

func newSSTableCursor(path string) (*sstableCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s for merge: %w", path, kverrors.ErrIO)
	}
	var header [genNoSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read header of %s: %w", path, kverrors.ErrInvalidData)
	}
	c := &sstableCursor{f: f}
	if err := c.advance(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *sstableCursor) valid() bool           { return c.ok }
func (c *sstableCursor) key() []byte           { return c.curKey }
func (c *sstableCursor) record() record.Record { return c.curRec }
func (c *sstableCursor) close() error          { return c.f.Close() }

func (c *sstableCursor) advance() error {
	for {
		if c.chunk != nil {
			cmd, err := record.DecodeCommand(c.chunk)
			if err == nil {
				rec, rerr := cmd.ToRecord()
				if rerr != nil {
					return fmt.Errorf("sstable: decode merge record: %w", rerr)
				}
				c.curKey, c.curRec, c.ok = cmd.Key, rec, true
				return nil
			}
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("sstable: decode merge record: %w", err)
			}
			c.chunk = nil
		}

		payload, err := codec.ReadChunk(c.f)
		if errors.Is(err, io.EOF) {
			c.ok = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("sstable: read merge chunk: %w", err)
		}
		c.chunk = bytes.NewReader(payload)
	}
}
