// Package logstore provides LogStore implementations: an in-memory store
// for tests and a durable, file-backed store for production use. Both are
// adapted from the same predecessor, an append-only write-ahead log with a
// batched-commit writer goroutine; Memory keeps its shape minus the file,
// File keeps the file.
package logstore

import (
	"sync"

	"github.com/nedstrom/raftcore/internal/statemachine"
	"github.com/nedstrom/raftcore/pkg/raft"
)

// Memory is a LogStore backed by a plain slice, with no durability at all.
// It exists for unit tests of internal/core, where exercising real fsync
// behavior would only add noise.
type Memory struct {
	mu         sync.Mutex
	entries    []raft.Entry // ascending by index; entries[0] is firstIndex
	firstIndex uint64
	lastPurged *raft.LogId
	hardState  raft.HardState
	membership *raft.EffectiveMembership
	sm         *statemachine.StateMachine
}

// NewMemory returns an empty Memory store whose ApplyToStateMachine calls
// are delegated to sm.
func NewMemory(sm *statemachine.StateMachine) *Memory {
	return &Memory{firstIndex: 1, sm: sm}
}

func (m *Memory) indexOf(index uint64) (int, bool) {
	if index < m.firstIndex {
		return 0, false
	}
	i := int(index - m.firstIndex)
	if i >= len(m.entries) {
		return 0, false
	}
	return i, true
}

func (m *Memory) GetLogState() (raft.LogState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := raft.LogState{LastPurgedLogID: m.lastPurged}
	if len(m.entries) > 0 {
		last := m.entries[len(m.entries)-1].LogID
		state.LastLogID = &last
	} else if m.lastPurged != nil {
		purged := *m.lastPurged
		state.LastLogID = &purged
	}
	return state, nil
}

func (m *Memory) TryGetLogEntry(index uint64) (*raft.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.indexOf(index)
	if !ok {
		return nil, nil
	}
	e := m.entries[i]
	return &e, nil
}

func (m *Memory) GetLogEntries(start, end uint64) ([]raft.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start >= end {
		return nil, nil
	}
	startIdx, ok := m.indexOf(start)
	if !ok {
		if start == m.firstIndex+uint64(len(m.entries)) {
			return nil, nil
		}
		return nil, raft.ErrIndexOutOfRange
	}
	endIdx := int(end - m.firstIndex)
	if endIdx > len(m.entries) {
		return nil, raft.ErrIndexOutOfRange
	}
	out := make([]raft.Entry, endIdx-startIdx)
	copy(out, m.entries[startIdx:endIdx])
	return out, nil
}

func (m *Memory) AppendToLog(entries []raft.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	wantIndex := m.firstIndex + uint64(len(m.entries))
	if len(m.entries) == 0 && m.lastPurged != nil {
		wantIndex = m.lastPurged.Index + 1
	}
	if entries[0].LogID.Index != wantIndex {
		return raft.ErrNonContiguousAppend
	}
	m.entries = append(m.entries, entries...)
	for _, e := range entries {
		if e.Kind == raft.PayloadMembership && e.Config != nil {
			m.membership = &raft.EffectiveMembership{LogID: e.LogID, Config: *e.Config}
		}
	}
	return nil
}

func (m *Memory) DeleteConflictLogsSince(since raft.LogId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.indexOf(since.Index)
	if !ok {
		if since.Index < m.firstIndex {
			m.entries = m.entries[:0]
		}
		return nil
	}
	m.entries = m.entries[:i]
	m.membership = m.recomputeMembershipLocked()
	return nil
}

func (m *Memory) recomputeMembershipLocked() *raft.EffectiveMembership {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Kind == raft.PayloadMembership && m.entries[i].Config != nil {
			return &raft.EffectiveMembership{LogID: m.entries[i].LogID, Config: *m.entries[i].Config}
		}
	}
	return nil
}

func (m *Memory) GetMembership() (*raft.EffectiveMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.membership == nil {
		return nil, nil
	}
	cp := *m.membership
	return &cp, nil
}

func (m *Memory) SaveHardState(hs raft.HardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardState = hs
	return nil
}

func (m *Memory) GetHardState() (raft.HardState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardState, nil
}

func (m *Memory) ApplyToStateMachine(entries []raft.Entry) ([]raft.Response, error) {
	return m.sm.Apply(entries)
}

// PurgeLogsUpTo implements raft.Compactable by dropping every retained
// entry with index <= id.Index.
func (m *Memory) PurgeLogsUpTo(id raft.LogId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.indexOf(id.Index)
	if !ok {
		return nil
	}
	m.entries = append([]raft.Entry(nil), m.entries[i+1:]...)
	m.firstIndex = id.Index + 1
	purged := id
	m.lastPurged = &purged
	return nil
}
