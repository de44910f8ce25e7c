package core

import (
	"testing"
	"time"

	"github.com/nedstrom/raftcore/internal/logstore"
	"github.com/nedstrom/raftcore/internal/statemachine"
	"github.com/nedstrom/raftcore/pkg/raft"
)

func newTestNode(t *testing.T) *NodeCore {
	t.Helper()
	sm := statemachine.New(nil)
	store := logstore.NewMemory(sm)
	pipeline := NewApplyPipeline(store, nil, nil)
	t.Cleanup(pipeline.Stop)

	n, err := New(Config{ID: "n1"}, store, pipeline, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func waitApplied(t *testing.T, n *NodeCore, want raft.LogId) {
	t.Helper()
	select {
	case res := <-n.pipeline.Completions():
		if res.Err != nil {
			t.Fatalf("apply completion error: %v", res.Err)
		}
		n.onApplyCompletion(res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for apply completion")
	}
	if n.lastApplied == nil || *n.lastApplied != want {
		t.Fatalf("expected last applied %v, got %v", want, n.lastApplied)
	}
}

func blank(term, index uint64) raft.Entry {
	return raft.Entry{LogID: raft.LogId{Term: term, Index: index}, Kind: raft.PayloadBlank}
}

func ptr(id raft.LogId) *raft.LogId { return &id }

// Scenario 1: initial accept.
func TestScenarioInitialAccept(t *testing.T) {
	n := newTestNode(t)
	leader := raft.NodeID("A")

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:     1,
		LeaderID: leader,
		Entries:  []raft.Entry{blank(1, 1)},
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success || resp.Conflict || resp.Term != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n.lastLogID == nil || *n.lastLogID != (raft.LogId{Term: 1, Index: 1}) {
		t.Fatalf("unexpected last log id: %+v", n.lastLogID)
	}
	if n.currentLeader == nil || *n.currentLeader != leader {
		t.Fatalf("unexpected current leader: %+v", n.currentLeader)
	}
	if n.committed != nil {
		t.Fatalf("expected committed to remain nil, got %+v", n.committed)
	}
}

// Scenario 2: heartbeat with commit, following scenario 1.
func TestScenarioHeartbeatWithCommit(t *testing.T) {
	n := newTestNode(t)
	leader := raft.NodeID("A")

	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term: 1, LeaderID: leader, Entries: []raft.Entry{blank(1, 1)},
	}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     leader,
		PrevLogID:    ptr(raft.LogId{Term: 1, Index: 1}),
		LeaderCommit: ptr(raft.LogId{Term: 1, Index: 1}),
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success || resp.Conflict {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n.committed == nil || *n.committed != (raft.LogId{Term: 1, Index: 1}) {
		t.Fatalf("unexpected committed: %+v", n.committed)
	}
	waitApplied(t, n, raft.LogId{Term: 1, Index: 1})
}

// Scenario 3: stale term is rejected with no state change.
func TestScenarioStaleTerm(t *testing.T) {
	n := newTestNode(t)
	n.currentTerm = 5

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{Term: 4, LeaderID: "A"})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if resp.Success || resp.Conflict || resp.Term != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n.currentTerm != 5 {
		t.Fatalf("expected term unchanged, got %d", n.currentTerm)
	}
	if n.currentLeader != nil {
		t.Fatalf("expected no leader recorded for a stale-term request, got %+v", n.currentLeader)
	}
}

// Scenario 4: consistency miss when the local log is too short.
func TestScenarioConsistencyMissLogTooShort(t *testing.T) {
	n := newTestNode(t)
	n.currentTerm = 3
	last := raft.LogId{Term: 2, Index: 3}
	n.lastLogID = &last
	if err := n.store.AppendToLog([]raft.Entry{
		blank(2, 1), blank(2, 2), blank(2, 3),
	}); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:      3,
		LeaderID:  "A",
		PrevLogID: ptr(raft.LogId{Term: 2, Index: 5}),
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if resp.Success || !resp.Conflict || resp.Term != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n.lastLogID == nil || *n.lastLogID != last {
		t.Fatalf("expected last log id unchanged, got %+v", n.lastLogID)
	}
}

// Scenario 5: conflicting suffix is deleted and overwritten.
func TestScenarioConflictAndOverwrite(t *testing.T) {
	n := newTestNode(t)
	n.currentTerm = 2
	if err := n.store.AppendToLog([]raft.Entry{
		blank(1, 1), blank(1, 2), blank(2, 3),
	}); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	last := raft.LogId{Term: 2, Index: 3}
	n.lastLogID = &last
	committed := raft.LogId{Term: 1, Index: 2}
	n.committed = &committed

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         3,
		LeaderID:     "A",
		PrevLogID:    ptr(raft.LogId{Term: 1, Index: 2}),
		Entries:      []raft.Entry{blank(3, 3), blank(3, 4)},
		LeaderCommit: ptr(raft.LogId{Term: 3, Index: 3}),
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success || resp.Conflict {
		t.Fatalf("unexpected response: %+v", resp)
	}

	entries, err := n.store.GetLogEntries(1, 5)
	if err != nil {
		t.Fatalf("GetLogEntries: %v", err)
	}
	want := []raft.LogId{{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 3, Index: 3}, {Term: 3, Index: 4}}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if e.LogID != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], e.LogID)
		}
	}
	if n.committed == nil || *n.committed != (raft.LogId{Term: 3, Index: 3}) {
		t.Fatalf("unexpected committed: %+v", n.committed)
	}
}

// Scenario 6: skip-matching optimization avoids an unnecessary delete.
func TestScenarioSkipMatchingOptimization(t *testing.T) {
	n := newTestNode(t)
	n.currentTerm = 1
	if err := n.store.AppendToLog([]raft.Entry{
		blank(1, 1), blank(1, 2), blank(1, 3),
	}); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	last := raft.LogId{Term: 1, Index: 3}
	n.lastLogID = &last
	committed := raft.LogId{Term: 1, Index: 1}
	n.committed = &committed

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "A",
		PrevLogID:    ptr(raft.LogId{Term: 1, Index: 1}),
		Entries:      []raft.Entry{blank(1, 2), blank(1, 3), blank(1, 4)},
		LeaderCommit: ptr(raft.LogId{Term: 1, Index: 3}),
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success || resp.Conflict {
		t.Fatalf("unexpected response: %+v", resp)
	}

	entries, err := n.store.GetLogEntries(1, 5)
	if err != nil {
		t.Fatalf("GetLogEntries: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if n.committed == nil || *n.committed != (raft.LogId{Term: 1, Index: 3}) {
		t.Fatalf("unexpected committed: %+v", n.committed)
	}
}

// P1: committed never decreases across a sequence of requests.
func TestPropertyMonotoneCommit(t *testing.T) {
	n := newTestNode(t)
	leader := raft.NodeID("A")

	reqs := []*raft.AppendEntriesRequest{
		{Term: 1, LeaderID: leader, Entries: []raft.Entry{blank(1, 1), blank(1, 2)}},
		{Term: 1, LeaderID: leader, PrevLogID: ptr(raft.LogId{Term: 1, Index: 2}), LeaderCommit: ptr(raft.LogId{Term: 1, Index: 2})},
		{Term: 1, LeaderID: leader, PrevLogID: ptr(raft.LogId{Term: 1, Index: 2}), LeaderCommit: ptr(raft.LogId{Term: 1, Index: 1})},
	}

	var prevCommitted uint64
	for _, req := range reqs {
		if _, err := n.HandleAppendEntries(req); err != nil {
			t.Fatalf("HandleAppendEntries: %v", err)
		}
		cur := committedIndex(n.committed)
		if cur < prevCommitted {
			t.Fatalf("committed decreased: %d -> %d", prevCommitted, cur)
		}
		prevCommitted = cur
	}
}

// P3: current_term never decreases, and voted_for is cleared exactly when
// current_term strictly increases.
func TestPropertyTermMonotonicityAndVoteReset(t *testing.T) {
	n := newTestNode(t)
	self := raft.NodeID("n1")
	n.votedFor = &self

	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{Term: 5, LeaderID: "A"}); err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if n.currentTerm != 5 {
		t.Fatalf("expected term 5, got %d", n.currentTerm)
	}
	if n.votedFor != nil {
		t.Fatalf("expected voted_for cleared after term increase, got %+v", n.votedFor)
	}

	n.votedFor = &self
	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{Term: 5, LeaderID: "A"}); err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if n.votedFor == nil {
		t.Fatalf("expected voted_for preserved when term does not increase")
	}
}

// P6: repeated identical heartbeats yield identical state after the first.
func TestPropertyHeartbeatIdempotence(t *testing.T) {
	n := newTestNode(t)
	leader := raft.NodeID("A")
	if _, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term: 1, LeaderID: leader, Entries: []raft.Entry{blank(1, 1)},
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	heartbeat := &raft.AppendEntriesRequest{
		Term: 1, LeaderID: leader,
		PrevLogID:    ptr(raft.LogId{Term: 1, Index: 1}),
		LeaderCommit: ptr(raft.LogId{Term: 1, Index: 1}),
	}
	if _, err := n.HandleAppendEntries(heartbeat); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	waitApplied(t, n, raft.LogId{Term: 1, Index: 1})

	stateAfterFirst := n.State()
	if _, err := n.HandleAppendEntries(heartbeat); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	stateAfterSecond := n.State()

	if stateAfterFirst.Committed == nil || stateAfterSecond.Committed == nil || *stateAfterFirst.Committed != *stateAfterSecond.Committed {
		t.Fatalf("committed changed across idempotent heartbeats: %+v vs %+v", stateAfterFirst.Committed, stateAfterSecond.Committed)
	}
	if *stateAfterFirst.LastLogID != *stateAfterSecond.LastLogID {
		t.Fatalf("last log id changed across idempotent heartbeats")
	}
}

// Crash recovery: a node restarted after a snapshot purged the log below
// its applied watermark must resume applying from that restored watermark,
// not from index 1 — otherwise the first AppendEntries that advances
// committed past the purge point asks the log store for entries it no
// longer has and fails the node permanently.
func TestRestoredLastAppliedSurvivesCompaction(t *testing.T) {
	sm := statemachine.New(nil)
	store := logstore.NewMemory(sm)

	var entries []raft.Entry
	for i := uint64(1); i <= 7; i++ {
		entries = append(entries, blank(1, i))
	}
	if err := store.AppendToLog(entries); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	if _, err := sm.Apply(entries[:5]); err != nil {
		t.Fatalf("seed apply: %v", err)
	}
	if err := store.PurgeLogsUpTo(raft.LogId{Term: 1, Index: 5}); err != nil {
		t.Fatalf("purge: %v", err)
	}

	pipeline := NewApplyPipeline(store, nil, nil)
	t.Cleanup(pipeline.Stop)

	restored := raft.LogId{Term: 1, Index: 5}
	n, err := New(Config{ID: "n1"}, store, pipeline, nil, nil, &restored)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := n.HandleAppendEntries(&raft.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "leader",
		PrevLogID:    ptr(raft.LogId{Term: 1, Index: 6}),
		Entries:      []raft.Entry{blank(1, 7)},
		LeaderCommit: ptr(raft.LogId{Term: 1, Index: 7}),
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	waitApplied(t, n, raft.LogId{Term: 1, Index: 7})
}
