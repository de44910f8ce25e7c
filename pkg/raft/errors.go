package raft

import "errors"

// ErrIndexOutOfRange is returned by GetLogEntries when the requested range
// reaches past what the store currently retains.
var ErrIndexOutOfRange = errors.New("raft: requested log index out of range")

// ErrNonContiguousAppend is returned by AppendToLog when the caller tries
// to append entries that do not immediately follow the store's current
// last entry.
var ErrNonContiguousAppend = errors.New("raft: append entries are not contiguous with the log")

// Compactable is an optional capability a LogStore implementation can
// expose: the ability to discard entries at or before a given LogId once
// they are no longer needed to reconstruct state. internal/compactor type-
// asserts for this rather than requiring it of every LogStore; a store
// that does not implement it simply keeps every entry.
type Compactable interface {
	PurgeLogsUpTo(id LogId) error
}
