// Package dberrors collects the sentinel error values shared across the
// storage, catalog, and transaction layers, grouped the way the engine's
// own error taxonomy distinguishes I/O, schema, type, record, index, and
// concurrency failures.
package dberrors

import "errors"

// I/O errors.
var (
	ErrShortIO      = errors.New("io: short read or write")
	ErrFileNotFound = errors.New("io: file not found")
	ErrFileBusy     = errors.New("io: file already open")
	ErrPageOutOfRange = errors.New("io: page number out of range")
)

// Schema errors.
var (
	ErrTableNotFound    = errors.New("schema: table not found")
	ErrTableExists      = errors.New("schema: table already exists")
	ErrColumnNotFound   = errors.New("schema: column not found")
	ErrAmbiguousColumn  = errors.New("schema: ambiguous column reference")
	ErrIndexNotFound    = errors.New("schema: index not found")
	ErrIndexExists      = errors.New("schema: index already exists")
	ErrInvalidColLength = errors.New("schema: invalid column length")
)

// Type errors.
var (
	ErrIncompatibleType = errors.New("type: incompatible type")
	ErrTypeOverflow     = errors.New("type: overflow")
	ErrInvalidType      = errors.New("type: invalid type")
)

// Record errors.
var (
	ErrRecordNotFound   = errors.New("record: not found")
	ErrInvalidRecordSize = errors.New("record: invalid size")
	ErrInvalidSlotNo    = errors.New("record: invalid slot number")
)

// Index errors.
var (
	ErrDuplicateKey       = errors.New("index: duplicate key")
	ErrIndexEntryNotFound = errors.New("index: entry not found")
)

// Concurrency errors.
var (
	ErrWaitDieAbort      = errors.New("concurrency: wait-die abort")
	ErrLockOnShrinking   = errors.New("concurrency: lock requested during shrinking phase")
	ErrDeadlockPrevention = errors.New("concurrency: deadlock prevention")
)

// Buffer pool errors.
var (
	ErrPoolExhausted = errors.New("buffer: pool exhausted, no evictable frame")
)

// Internal invariant violations; these are not expected to ever surface in
// normal operation and indicate a bug in the engine itself.
var (
	ErrInternal = errors.New("internal: invariant violation")
)
