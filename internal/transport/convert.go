// Package transport adapts the gRPC-defined RaftInternal service to
// pkg/raft's transport-agnostic request/response types. api/proto/v1/raft.proto
// defines the wire contract; pb is its generated Go package, produced by
// protoc/buf at build time the same way the predecessor job-queue service's
// api/proto/v1 package was — this repo only ever imports it, it is never
// checked in alongside hand-written source.
package transport

import (
	"github.com/nedstrom/raftcore/internal/transport/pb"
	"github.com/nedstrom/raftcore/pkg/raft"
)

func logIDFromPb(id *pb.LogId) raft.LogId {
	if id == nil {
		return raft.LogId{}
	}
	return raft.LogId{Term: id.Term, Index: id.Index}
}

func logIDToPb(id raft.LogId) *pb.LogId {
	return &pb.LogId{Term: id.Term, Index: id.Index}
}

func optLogIDFromPb(id *pb.LogId, has bool) *raft.LogId {
	if !has {
		return nil
	}
	v := logIDFromPb(id)
	return &v
}

func optLogIDToPb(id *raft.LogId) (*pb.LogId, bool) {
	if id == nil {
		return nil, false
	}
	return logIDToPb(*id), true
}

func payloadKindFromPb(k pb.PayloadKind) raft.PayloadKind {
	switch k {
	case pb.PayloadKind_NORMAL:
		return raft.PayloadNormal
	case pb.PayloadKind_MEMBERSHIP:
		return raft.PayloadMembership
	default:
		return raft.PayloadBlank
	}
}

func payloadKindToPb(k raft.PayloadKind) pb.PayloadKind {
	switch k {
	case raft.PayloadNormal:
		return pb.PayloadKind_NORMAL
	case raft.PayloadMembership:
		return pb.PayloadKind_MEMBERSHIP
	default:
		return pb.PayloadKind_BLANK
	}
}

func configFromPb(c *pb.Config) *raft.Config {
	if c == nil {
		return nil
	}
	cfg := &raft.Config{}
	for _, m := range c.Members {
		cfg.Members = append(cfg.Members, raft.NodeID(m))
	}
	for _, m := range c.Joint {
		cfg.Joint = append(cfg.Joint, raft.NodeID(m))
	}
	return cfg
}

func configToPb(c *raft.Config) *pb.Config {
	if c == nil {
		return nil
	}
	out := &pb.Config{}
	for _, m := range c.Members {
		out.Members = append(out.Members, string(m))
	}
	for _, m := range c.Joint {
		out.Joint = append(out.Joint, string(m))
	}
	return out
}

func entryFromPb(e *pb.Entry) raft.Entry {
	return raft.Entry{
		LogID:  logIDFromPb(e.LogId),
		Kind:   payloadKindFromPb(e.Kind),
		App:    e.App,
		Config: configFromPb(e.Config),
	}
}

func entryToPb(e raft.Entry) *pb.Entry {
	return &pb.Entry{
		LogId:  logIDToPb(e.LogID),
		Kind:   payloadKindToPb(e.Kind),
		App:    e.App,
		Config: configToPb(e.Config),
	}
}

func entriesFromPb(entries []*pb.Entry) []raft.Entry {
	out := make([]raft.Entry, len(entries))
	for i, e := range entries {
		out[i] = entryFromPb(e)
	}
	return out
}

func entriesToPb(entries []raft.Entry) []*pb.Entry {
	out := make([]*pb.Entry, len(entries))
	for i, e := range entries {
		out[i] = entryToPb(e)
	}
	return out
}

func requestFromPb(req *pb.AppendEntriesRequest) *raft.AppendEntriesRequest {
	return &raft.AppendEntriesRequest{
		Term:         req.Term,
		LeaderID:     raft.NodeID(req.LeaderId),
		PrevLogID:    optLogIDFromPb(req.PrevLogId, req.HasPrevLogId),
		Entries:      entriesFromPb(req.Entries),
		LeaderCommit: optLogIDFromPb(req.LeaderCommit, req.HasLeaderCommit),
	}
}

func requestToPb(req *raft.AppendEntriesRequest) *pb.AppendEntriesRequest {
	prev, hasPrev := optLogIDToPb(req.PrevLogID)
	commit, hasCommit := optLogIDToPb(req.LeaderCommit)
	return &pb.AppendEntriesRequest{
		Term:            req.Term,
		LeaderId:        string(req.LeaderID),
		PrevLogId:       prev,
		HasPrevLogId:    hasPrev,
		Entries:         entriesToPb(req.Entries),
		LeaderCommit:    commit,
		HasLeaderCommit: hasCommit,
	}
}

func responseFromPb(resp *pb.AppendEntriesResponse) *raft.AppendEntriesResponse {
	return &raft.AppendEntriesResponse{Term: resp.Term, Success: resp.Success, Conflict: resp.Conflict}
}

func responseToPb(resp *raft.AppendEntriesResponse) *pb.AppendEntriesResponse {
	return &pb.AppendEntriesResponse{Term: resp.Term, Success: resp.Success, Conflict: resp.Conflict}
}
