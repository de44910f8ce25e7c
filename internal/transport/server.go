package transport

import (
	"context"
	"log/slog"

	"github.com/nedstrom/raftcore/internal/core"
	"github.com/nedstrom/raftcore/internal/transport/pb"
)

// Server implements the RaftInternal gRPC service by translating wire
// messages into pkg/raft types and handing them to a NodeCore, the same
// translate-then-delegate shape the predecessor job-queue gRPC server used
// for its own AppendEntries method.
type Server struct {
	pb.UnimplementedRaftInternalServer
	node *core.NodeCore
	log  *slog.Logger
}

// NewServer returns a Server that delegates every AppendEntries call to
// node.
func NewServer(node *core.NodeCore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: node, log: logger.With("component", "transport.server")}
}

func (s *Server) AppendEntries(ctx context.Context, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	domainReq := requestFromPb(req)
	resp, err := s.node.Submit(ctx, domainReq)
	if err != nil {
		s.log.Error("append entries failed", "error", err, "leader_id", domainReq.LeaderID)
		return nil, err
	}
	return responseToPb(resp), nil
}
