package logstore

import (
	"testing"

	"github.com/nedstrom/raftcore/internal/statemachine"
	"github.com/nedstrom/raftcore/pkg/raft"
)

func TestMemoryAppendAndRead(t *testing.T) {
	m := NewMemory(statemachine.New(nil))

	entries := []raft.Entry{
		{LogID: raft.LogId{Term: 1, Index: 1}, Kind: raft.PayloadBlank},
		{LogID: raft.LogId{Term: 1, Index: 2}, Kind: raft.PayloadNormal, App: []byte("x")},
	}
	if err := m.AppendToLog(entries); err != nil {
		t.Fatalf("AppendToLog: %v", err)
	}

	state, err := m.GetLogState()
	if err != nil {
		t.Fatalf("GetLogState: %v", err)
	}
	if state.LastLogID == nil || *state.LastLogID != (raft.LogId{Term: 1, Index: 2}) {
		t.Fatalf("unexpected last log id: %+v", state.LastLogID)
	}

	e, err := m.TryGetLogEntry(1)
	if err != nil || e == nil {
		t.Fatalf("TryGetLogEntry(1) = %+v, %v", e, err)
	}

	got, err := m.GetLogEntries(1, 3)
	if err != nil {
		t.Fatalf("GetLogEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestMemoryAppendRejectsNonContiguous(t *testing.T) {
	m := NewMemory(statemachine.New(nil))
	err := m.AppendToLog([]raft.Entry{{LogID: raft.LogId{Term: 1, Index: 5}}})
	if err != raft.ErrNonContiguousAppend {
		t.Fatalf("expected ErrNonContiguousAppend, got %v", err)
	}
}

func TestMemoryDeleteConflictLogsSince(t *testing.T) {
	m := NewMemory(statemachine.New(nil))
	cfg := raft.Config{Members: []raft.NodeID{"n1"}}
	entries := []raft.Entry{
		{LogID: raft.LogId{Term: 1, Index: 1}, Kind: raft.PayloadMembership, Config: &cfg},
		{LogID: raft.LogId{Term: 1, Index: 2}, Kind: raft.PayloadBlank},
		{LogID: raft.LogId{Term: 1, Index: 3}, Kind: raft.PayloadBlank},
	}
	if err := m.AppendToLog(entries); err != nil {
		t.Fatalf("AppendToLog: %v", err)
	}

	if err := m.DeleteConflictLogsSince(raft.LogId{Term: 2, Index: 2}); err != nil {
		t.Fatalf("DeleteConflictLogsSince: %v", err)
	}

	state, _ := m.GetLogState()
	if state.LastLogID == nil || state.LastLogID.Index != 1 {
		t.Fatalf("expected last log id index 1, got %+v", state.LastLogID)
	}

	mem, err := m.GetMembership()
	if err != nil || mem == nil {
		t.Fatalf("expected membership still present after truncation past it, got %+v, %v", mem, err)
	}
}

func TestMemoryPurgeLogsUpTo(t *testing.T) {
	m := NewMemory(statemachine.New(nil))
	entries := []raft.Entry{
		{LogID: raft.LogId{Term: 1, Index: 1}},
		{LogID: raft.LogId{Term: 1, Index: 2}},
		{LogID: raft.LogId{Term: 1, Index: 3}},
	}
	if err := m.AppendToLog(entries); err != nil {
		t.Fatalf("AppendToLog: %v", err)
	}
	if err := m.PurgeLogsUpTo(raft.LogId{Term: 1, Index: 2}); err != nil {
		t.Fatalf("PurgeLogsUpTo: %v", err)
	}

	e, err := m.TryGetLogEntry(2)
	if err != nil || e != nil {
		t.Fatalf("expected index 2 purged, got %+v, %v", e, err)
	}
	e, err = m.TryGetLogEntry(3)
	if err != nil || e == nil {
		t.Fatalf("expected index 3 retained, got %+v, %v", e, err)
	}
}
