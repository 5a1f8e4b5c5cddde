// Package record defines the Record and Command types shared by the
// memtable, the sstable writer/reader and the compaction merge. A Record is
// either a live value or a tombstone; a Command is a Record paired with the
// key it applies to, the unit that actually gets framed onto a WAL or
// sstable chunk.
package record

import "github.com/kvengine/lsmkv/internal/kverrors"

// tombstoneSize is the constant accounted size of a deletion marker. The
// marker itself carries no payload, but it still occupies a slot in the
// memtable and still needs to participate in size-triggered flush
// decisions, so it is not free.
const tombstoneSize = 2

// Record is either a live value or a tombstone. The zero value is a live
// record with a nil value, not a tombstone; NewTombstone builds a deletion
// marker.
type Record struct {
	Value     []byte
	Tombstone bool
}

// NewValue wraps v into a live Record, copying it so the caller's buffer can
// be reused or mutated afterward.
func NewValue(v []byte) Record {
	return Record{Value: cloneBytes(v)}
}

// NewTombstone returns a deletion marker.
func NewTombstone() Record {
	return Record{Tombstone: true}
}

// Len returns the accounted size used by the memtable's size-based flush
// trigger: the byte length of the value, or the tombstone constant.
func (r Record) Len() int {
	if r.Tombstone {
		return tombstoneSize
	}
	return len(r.Value)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Kind tags the two forms a Command can take.
type Kind uint8

const (
	SetValue Kind = iota
	Delete
)

// Command is the unit written to a WAL and replayed into a memtable, or
// produced by the merge step while building a new sstable. Key and Value
// are never aliased into a caller's buffer once a Command leaves the
// package boundary that built it.
type Command struct {
	Key   []byte
	Kind  Kind
	Value []byte
}

// Validate reports whether a Command is internally consistent: SetValue
// commands must carry a non-nil value and Delete commands must not.
func (c Command) Validate() error {
	switch c.Kind {
	case SetValue:
		if c.Value == nil {
			return kverrors.ErrSerializationFailed
		}
	case Delete:
		if c.Value != nil {
			return kverrors.ErrSerializationFailed
		}
	default:
		return kverrors.ErrSerializationFailed
	}
	return nil
}

// FromRecord builds the Command that would produce r when applied to key.
func FromRecord(key []byte, r Record) Command {
	if r.Tombstone {
		return Command{Key: key, Kind: Delete}
	}
	return Command{Key: key, Kind: SetValue, Value: r.Value}
}

// ToRecord converts a Command back into the Record it represents.
func (c Command) ToRecord() (Record, error) {
	if err := c.Validate(); err != nil {
		return Record{}, err
	}
	if c.Kind == Delete {
		return Record{Tombstone: true}, nil
	}
	return Record{Value: c.Value}, nil
}
