package raft

// AppendEntriesRequest is the follower-side view of the leader's RPC. It is
// transport-agnostic: internal/transport is responsible for translating a
// wire message (protobuf or otherwise) into this shape before handing it to
// the core.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     NodeID
	PrevLogID    *LogId
	Entries      []Entry
	LeaderCommit *LogId
}

// AppendEntriesResponse is the follower's reply. Conflict is only
// meaningful when Success is false: it tells the leader whether the
// rejection was a stale-term bounce (retry is pointless until the leader
// sees a higher term) or a log mismatch (the leader should back up
// PrevLogID and retry).
type AppendEntriesResponse struct {
	Term     uint64
	Success  bool
	Conflict bool
}
