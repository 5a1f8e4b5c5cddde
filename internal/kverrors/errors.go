// Package kverrors defines the sentinel error kinds shared across the
// storage engine. Every layer wraps one of these with fmt.Errorf's %w so a
// caller can test the kind with errors.Is while still seeing the original
// path/offset/cause in the message.
package kverrors

import "errors"

var (
	// ErrIO covers any failed read/write/seek/sync against the underlying
	// filesystem.
	ErrIO = errors.New("lsmkv: io error")

	// ErrBufferFlush covers a failed flush of a buffered writer (WAL or
	// sstable writer) to its backing file.
	ErrBufferFlush = errors.New("lsmkv: buffer flush failed")

	// ErrLockPoisoned marks an operation that observed a background
	// goroutine fail mid critical-section. Go mutexes do not poison the way
	// a Rust std::sync::Mutex does; this is raised only when the
	// compaction daemon recovers from a panic during a compaction cycle,
	// which is the closest real analogue.
	ErrLockPoisoned = errors.New("lsmkv: lock poisoned")

	// ErrInvalidData marks a corruption signal: a malformed command, a bad
	// sstable header, a non-contiguous generation array, more than one
	// memtable WAL found at open.
	ErrInvalidData = errors.New("lsmkv: invalid data")

	// ErrSerializationFailed covers a Command that cannot be encoded, e.g.
	// a SetValue command built without a value.
	ErrSerializationFailed = errors.New("lsmkv: serialization failed")
)
