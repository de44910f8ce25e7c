package logstore

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted is returned by File.replay when a record's checksum
	// does not match its recorded bytes.
	ErrCorrupted = errors.New("logstore: log file is corrupted")
	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("logstore: store is closed")
	// ErrHardStateCorrupted is returned when the hard-state file exists
	// but fails to decode.
	ErrHardStateCorrupted = errors.New("logstore: hard state file is corrupted")
)

// ChecksumError reports a specific record whose checksum did not match,
// mirroring the predecessor WAL's per-record corruption diagnostics.
type ChecksumError struct {
	Index    uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("logstore: checksum mismatch at index %d: expected %d got %d", e.Index, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrCorrupted }
