package core

import (
	"time"

	"github.com/nedstrom/raftcore/pkg/raft"
)

// HandleAppendEntries is the follower-side AppendEntries algorithm. It
// runs the ten phases in order; any LogStore error at any phase is fatal
// — wrapped in ErrStorageFatal and returned immediately, never retried and
// never allowed to leave NodeCore in a half-updated state silently.
//
// Phase numbers in the comments below refer to the same ten steps every
// implementation of this algorithm in this codebase's history has used:
// stale-term rejection, election-timer reset, term/leader bookkeeping,
// valid-commit computation, conflict detection against PrevLogID, skipping
// entries already present, truncate-then-append, membership activation,
// commit advancement, and the success reply.
func (n *NodeCore) HandleAppendEntries(req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	start := time.Now()
	resp, err := n.handleAppendEntries(req)
	if err == nil {
		n.metrics.AppendEntriesResult(resp.Success, resp.Conflict, time.Since(start))
	}
	return resp, err
}

func (n *NodeCore) handleAppendEntries(req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	// Phase 1: reject stale terms outright, before touching any other
	// state. A leader retrying after its term lost an election gets
	// told immediately so it can step down.
	if req.Term < n.currentTerm {
		n.log.Debug("rejecting stale-term append entries", "current_term", n.currentTerm, "rpc_term", req.Term)
		return &raft.AppendEntriesResponse{Term: n.currentTerm, Success: false, Conflict: false}, nil
	}

	// Phase 2: any append from a current-or-newer-term leader resets the
	// election clock, whether or not the entries themselves turn out to
	// be acceptable.
	n.resetElectionTimer()

	// Phase 3: adopt the new term and leader, stepping down to follower.
	if req.Term > n.currentTerm {
		n.currentTerm = req.Term
		n.votedFor = nil
		if err := n.persistHardState(); err != nil {
			return nil, n.fatal(err)
		}
		n.metrics.TermChanged(n.currentTerm)
	}
	if n.currentLeader == nil || *n.currentLeader != req.LeaderID {
		n.metrics.LeaderChanged()
	}
	leaderID := req.LeaderID
	n.currentLeader = &leaderID
	if n.role != RoleLearner {
		n.role = RoleFollower
	}

	// Phase 4: compute the commit index this request would advance us
	// to, clamped to what the leader actually sent us entries for.
	validCommit := computeValidCommit(req)

	// Phase 5: check PrevLogID against what we actually have.
	mismatch, err := n.matchLogID(req.PrevLogID)
	if err != nil {
		return nil, n.fatal(err)
	}
	if mismatch != nil {
		if err := n.deleteConflictsIfStale(*mismatch); err != nil {
			return nil, n.fatal(err)
		}
		n.log.Debug("append entries conflict", "prev_log_id", req.PrevLogID)
		return &raft.AppendEntriesResponse{Term: n.currentTerm, Success: false, Conflict: true}, nil
	}

	// Phase 6: drop the prefix of req.Entries we already have, whether
	// because it is already committed or because the local entry at that
	// index has the same LogId.
	suffix, err := n.skipMatching(req.Entries)
	if err != nil {
		return nil, n.fatal(err)
	}

	// Phase 7: whatever is left conflicts with or extends our log;
	// truncate first if needed, then append durably.
	if len(suffix) > 0 {
		if err := n.deleteConflictsIfStale(suffix[0].LogID); err != nil {
			return nil, n.fatal(err)
		}
		if err := n.store.AppendToLog(suffix); err != nil {
			return nil, n.fatal(err)
		}
		last := suffix[len(suffix)-1].LogID
		n.lastLogID = &last
	}

	// Phase 8: activate membership as soon as it is appended, not when
	// it commits — a follower must vote under the membership it has
	// durably stored.
	if m := n.tracker.ExtractLatest(suffix); m != nil {
		n.effectiveMembership = *m
	}

	// Phase 9: advance the commit index and hand off anything newly
	// committed to the apply pipeline.
	if raft.CompareOptLogId(validCommit, n.committed) > 0 {
		n.committed = validCommit
		n.metrics.CommitIndexSet(committedIndex(n.committed))
	}
	if err := n.maybeSubmitApply(); err != nil {
		return nil, n.fatal(err)
	}

	// Phase 10.
	return &raft.AppendEntriesResponse{Term: n.currentTerm, Success: true, Conflict: false}, nil
}

func committedIndex(id *raft.LogId) uint64 {
	if id == nil {
		return 0
	}
	return id.Index
}

// deleteConflictsIfStale truncates the log since since, but only when
// since actually falls within what we have stored — appending a brand new
// suffix past the end of our log is not a conflict and needs no deletion.
func (n *NodeCore) deleteConflictsIfStale(since raft.LogId) error {
	if n.lastLogID == nil || since.Index > n.lastLogID.Index {
		return nil
	}
	return n.deleteConflictsSince(since)
}

func (n *NodeCore) deleteConflictsSince(since raft.LogId) error {
	if err := n.store.DeleteConflictLogsSince(since); err != nil {
		return err
	}
	state, err := n.store.GetLogState()
	if err != nil {
		return err
	}
	n.lastLogID = state.LastLogID

	membership, err := n.store.GetMembership()
	if err != nil {
		return err
	}
	if membership == nil {
		initial := raft.InitialMembership()
		membership = &initial
	}
	n.effectiveMembership = *membership
	return nil
}

// matchLogID reports whether prevLogID is compatible with the local log.
// It returns (nil, nil) when there is nothing to reconcile — either
// because the leader sent no PrevLogID, because it falls at or before
// what is already committed (and thus beyond dispute), or because the
// local log has exactly that entry. A non-nil return is the LogId the
// caller should truncate from.
func (n *NodeCore) matchLogID(prevLogID *raft.LogId) (*raft.LogId, error) {
	if prevLogID == nil {
		return nil, nil
	}
	if raft.CompareOptLogId(prevLogID, n.committed) <= 0 {
		return nil, nil
	}
	local, err := n.store.TryGetLogEntry(prevLogID.Index)
	if err != nil {
		return nil, err
	}
	if local != nil && local.LogID == *prevLogID {
		return nil, nil
	}
	return prevLogID, nil
}

// skipMatching returns the suffix of entries that is not already either
// committed or identically present locally.
func (n *NodeCore) skipMatching(entries []raft.Entry) ([]raft.Entry, error) {
	for i := range entries {
		id := entries[i].LogID
		if raft.CompareOptLogId(&id, n.committed) <= 0 {
			continue
		}
		local, err := n.store.TryGetLogEntry(id.Index)
		if err != nil {
			return nil, err
		}
		if local != nil && local.LogID == id {
			continue
		}
		return entries[i:], nil
	}
	return nil, nil
}

// computeValidCommit mirrors the leader's view of what can safely commit:
// never past the last entry this request actually supplied (or, if it
// supplied none, past PrevLogID), and never past what the leader itself
// claims is committed.
func computeValidCommit(req *raft.AppendEntriesRequest) *raft.LogId {
	var lastOffered *raft.LogId
	if len(req.Entries) > 0 {
		last := req.Entries[len(req.Entries)-1].LogID
		lastOffered = &last
	} else {
		lastOffered = req.PrevLogID
	}
	return raft.MinOptLogId(req.LeaderCommit, lastOffered)
}

// maybeSubmitApply hands off [last_applied+1, committed] to the apply
// pipeline when there is anything new to apply. It never blocks: if a
// previous apply is still in flight, ApplyPipeline.Submit is a no-op and
// the next AppendEntries call (or the completion handler) will retry.
func (n *NodeCore) maybeSubmitApply() error {
	if raft.CompareOptLogId(n.committed, n.lastApplied) <= 0 {
		return nil
	}
	from := uint64(1)
	if n.lastApplied != nil {
		from = n.lastApplied.Index + 1
	}
	entries, err := n.store.GetLogEntries(from, n.committed.Index+1)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	n.pipeline.Submit(entries, *n.committed)
	return nil
}
