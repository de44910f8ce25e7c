package logstore

import (
	"testing"
	"time"

	"github.com/nedstrom/raftcore/internal/statemachine"
	"github.com/nedstrom/raftcore/pkg/raft"
)

func openTestFile(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	f, err := OpenFile(FileOptions{Dir: dir, BufferSize: 4, FlushInterval: 2 * time.Millisecond}, statemachine.New(nil))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileAppendPersistsAndReplays(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(FileOptions{Dir: dir, BufferSize: 4, FlushInterval: 2 * time.Millisecond}, statemachine.New(nil))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	entries := []raft.Entry{
		{LogID: raft.LogId{Term: 1, Index: 1}, Kind: raft.PayloadNormal, App: []byte("hello")},
		{LogID: raft.LogId{Term: 1, Index: 2}, Kind: raft.PayloadBlank},
	}
	if err := f.AppendToLog(entries); err != nil {
		t.Fatalf("AppendToLog: %v", err)
	}
	if err := f.SaveHardState(raft.HardState{CurrentTerm: 3}); err != nil {
		t.Fatalf("SaveHardState: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenFile(FileOptions{Dir: dir}, statemachine.New(nil))
	if err != nil {
		t.Fatalf("reopen OpenFile: %v", err)
	}
	defer reopened.Close()

	state, err := reopened.GetLogState()
	if err != nil {
		t.Fatalf("GetLogState: %v", err)
	}
	if state.LastLogID == nil || *state.LastLogID != (raft.LogId{Term: 1, Index: 2}) {
		t.Fatalf("unexpected last log id after replay: %+v", state.LastLogID)
	}

	hs, err := reopened.GetHardState()
	if err != nil {
		t.Fatalf("GetHardState: %v", err)
	}
	if hs.CurrentTerm != 3 {
		t.Fatalf("expected term 3 after replay, got %d", hs.CurrentTerm)
	}
}

func TestFileDeleteConflictLogsSincePersists(t *testing.T) {
	f := openTestFile(t)

	entries := []raft.Entry{
		{LogID: raft.LogId{Term: 1, Index: 1}},
		{LogID: raft.LogId{Term: 1, Index: 2}},
		{LogID: raft.LogId{Term: 1, Index: 3}},
	}
	if err := f.AppendToLog(entries); err != nil {
		t.Fatalf("AppendToLog: %v", err)
	}
	if err := f.DeleteConflictLogsSince(raft.LogId{Term: 2, Index: 2}); err != nil {
		t.Fatalf("DeleteConflictLogsSince: %v", err)
	}

	state, err := f.GetLogState()
	if err != nil {
		t.Fatalf("GetLogState: %v", err)
	}
	if state.LastLogID == nil || state.LastLogID.Index != 1 {
		t.Fatalf("expected last log id index 1, got %+v", state.LastLogID)
	}
}
