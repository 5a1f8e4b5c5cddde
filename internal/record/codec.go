package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kvengine/lsmkv/internal/kverrors"
)

// wire layout of an encoded Command:
//
//	1 byte   kind (0 = SetValue, 1 = Delete)
//	4 bytes  key length, big-endian
//	N bytes  key
//	[SetValue only]
//	4 bytes  value length, big-endian
//	M bytes  value
//
// A Command never embeds its own length prefix: callers decode a run of
// commands from a single already length-prefixed chunk payload by reading
// until the payload is exhausted.

// AppendCommand encodes cmd and appends it to buf, returning the grown
// slice. Reusing buf across multiple commands while packing a chunk avoids
// an allocation per record.
func AppendCommand(buf []byte, cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}

	buf = append(buf, byte(cmd.Kind))
	buf = appendUint32(buf, uint32(len(cmd.Key)))
	buf = append(buf, cmd.Key...)
	if cmd.Kind == SetValue {
		buf = appendUint32(buf, uint32(len(cmd.Value)))
		buf = append(buf, cmd.Value...)
	}
	return buf, nil
}

// EncodeCommand is AppendCommand against a fresh buffer.
func EncodeCommand(cmd Command) ([]byte, error) {
	return AppendCommand(nil, cmd)
}

// DecodeCommand reads one Command from r, which is positioned at the start
// of an encoded command. It returns io.EOF (unwrapped) when r has no more
// bytes at all, which a caller uses to detect the end of a chunk payload.
// Any other read failure, including running out of bytes mid-record,
// is reported as kverrors.ErrInvalidData.
func DecodeCommand(r *bytes.Reader) (Command, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return Command{}, io.EOF
		}
		return Command{}, fmt.Errorf("record: decode: %w", kverrors.ErrInvalidData)
	}
	kind := Kind(kindByte)
	if kind != SetValue && kind != Delete {
		return Command{}, fmt.Errorf("record: decode: unknown kind %d: %w", kindByte, kverrors.ErrInvalidData)
	}

	keyLen, err := readUint32(r)
	if err != nil {
		return Command{}, fmt.Errorf("record: decode key length: %w", kverrors.ErrInvalidData)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Command{}, fmt.Errorf("record: decode key: %w", kverrors.ErrInvalidData)
	}

	cmd := Command{Key: key, Kind: kind}
	if kind == SetValue {
		valLen, err := readUint32(r)
		if err != nil {
			return Command{}, fmt.Errorf("record: decode value length: %w", kverrors.ErrInvalidData)
		}
		value := make([]byte, valLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return Command{}, fmt.Errorf("record: decode value: %w", kverrors.ErrInvalidData)
		}
		cmd.Value = value
	}
	return cmd, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}
