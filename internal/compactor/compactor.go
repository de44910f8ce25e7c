// Package compactor periodically snapshots the state machine to disk and,
// when the store underneath it supports it, purges log entries that
// snapshot makes redundant. It is invoked by internal/core's ApplyPipeline
// after every successful apply — never on the AppendEntries hot path.
package compactor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nedstrom/raftcore/internal/statemachine"
	"github.com/nedstrom/raftcore/pkg/raft"
)

var (
	ErrCorruptedSnapshot   = errors.New("compactor: snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("compactor: snapshot schema version is incompatible")
)

// onDiskSnapshot is the file format written by Manager. LastApplied is
// what lets startup recovery skip replaying any log entry the snapshot
// already reflects.
type onDiskSnapshot struct {
	Snapshot    statemachine.Snapshot `json:"snapshot"`
	LastApplied raft.LogId            `json:"last_applied"`
}

// Manager owns the on-disk snapshot file and the policy for when a new one
// is due. Its shape — atomic temp-file-then-rename writes, a schema
// version check on load — mirrors the predecessor queue system's snapshot
// manager; what changed is the payload (a statemachine.Snapshot instead of
// a raw job map) and the trigger (applied-log count instead of a timer).
type Manager struct {
	path               string
	maxAppliedUnkept   uint64 // entries applied since last snapshot before one is due
	mu                 sync.Mutex
	sinceLastSnapshot  uint64
	log                *slog.Logger
}

// NewManager returns a Manager that writes snapshots to path and considers
// one due every maxAppliedUnkept applied entries.
func NewManager(path string, maxAppliedUnkept uint64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAppliedUnkept == 0 {
		maxAppliedUnkept = 1000
	}
	return &Manager{path: path, maxAppliedUnkept: maxAppliedUnkept, log: logger.With("component", "compactor")}
}

// Write atomically persists snap as the current snapshot.
func (m *Manager) Write(snap statemachine.Snapshot, lastApplied raft.LogId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap.SchemaVer = 1
	b, err := json.MarshalIndent(onDiskSnapshot{Snapshot: snap, LastApplied: lastApplied}, "", "  ")
	if err != nil {
		return fmt.Errorf("compactor: marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("compactor: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("compactor: rename snapshot: %w", err)
	}
	m.sinceLastSnapshot = 0
	return nil
}

// Load reads the snapshot from disk. A missing file is not an error: it
// means this is a fresh node with nothing to restore.
func (m *Manager) Load() (statemachine.Snapshot, raft.LogId, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return statemachine.Snapshot{}, raft.LogId{}, false, nil
		}
		return statemachine.Snapshot{}, raft.LogId{}, false, fmt.Errorf("compactor: read snapshot: %w", err)
	}

	var on onDiskSnapshot
	if err := json.Unmarshal(b, &on); err != nil {
		return statemachine.Snapshot{}, raft.LogId{}, false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if on.Snapshot.SchemaVer != 1 {
		return statemachine.Snapshot{}, raft.LogId{}, false, fmt.Errorf("%w: got %d, want 1", ErrIncompatibleVersion, on.Snapshot.SchemaVer)
	}
	return on.Snapshot, on.LastApplied, true, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// NoteApplied records that n additional entries were applied since the
// last snapshot, and reports whether a new snapshot is now due.
func (m *Manager) NoteApplied(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinceLastSnapshot += n
	return m.sinceLastSnapshot >= m.maxAppliedUnkept
}

// TriggerIfDue writes a fresh snapshot if enough entries have been applied
// since the last one, and — when store also implements raft.Compactable —
// purges every log entry the new snapshot makes redundant. It is meant to
// be called from ApplyPipeline's completion callback, so a purge failure
// is logged rather than escalated: losing the ability to compact is not as
// serious as losing the ability to apply.
func (m *Manager) TriggerIfDue(sm *statemachine.StateMachine, store raft.LogStore, appliedThrough raft.LogId, appliedCount uint64) {
	if !m.NoteApplied(appliedCount) {
		return
	}

	snap := sm.Snapshot()
	if err := m.Write(snap, appliedThrough); err != nil {
		m.log.Error("failed to write snapshot", "error", err)
		return
	}
	m.log.Info("wrote snapshot", "last_applied", appliedThrough, "jobs", len(snap.Jobs))

	if compactable, ok := store.(raft.Compactable); ok {
		if err := compactable.PurgeLogsUpTo(appliedThrough); err != nil {
			m.log.Error("failed to purge compacted log entries", "error", err, "through", appliedThrough)
		}
	}
}
