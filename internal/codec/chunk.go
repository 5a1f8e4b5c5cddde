// Package codec implements the chunk framing shared by the memtable's WAL
// and the sstable body: a 4-byte big-endian length prefix followed by that
// many bytes of opaque payload. Nothing in this package knows what a
// payload contains; internal/record decodes the commands inside it.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kvengine/lsmkv/internal/kverrors"
)

const lengthPrefixSize = 4

// flusher is satisfied by *bufio.Writer. WriteChunk flushes after every
// write so a crash between writes never leaves a chunk partially buffered
// in user space.
type flusher interface {
	Flush() error
}

// WriteChunk frames payload with its length prefix and writes it to w. If w
// is a buffered writer, WriteChunk flushes it before returning.
func WriteChunk(w io.Writer, payload []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("codec: write chunk length: %w", kverrors.ErrIO)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("codec: write chunk body: %w", kverrors.ErrIO)
		}
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("codec: flush chunk: %w", kverrors.ErrBufferFlush)
		}
	}
	return nil
}

// ReadChunk reads one length-prefixed payload from r. A clean end of stream
// (zero bytes read before the length prefix) returns io.EOF unwrapped. Any
// other truncation, including a length prefix followed by fewer bytes than
// it promises, is corruption and is reported as kverrors.ErrInvalidData.
func ReadChunk(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("codec: truncated chunk length: %w", kverrors.ErrInvalidData)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("codec: truncated chunk body: %w", kverrors.ErrInvalidData)
	}
	return payload, nil
}
