package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nedstrom/raftcore/internal/transport/pb"
	"github.com/nedstrom/raftcore/pkg/raft"
)

// Client is an outbound helper for driving AppendEntries against a peer by
// address. Nothing in this repository calls it — a leader's replication
// driver is out of this repo's scope — it is an exported helper for
// driving a follower over the wire by hand. Connections are cached per
// address the same way the predecessor
// job-queue transport cached its gRPC client connections.
type Client struct {
	mu    sync.Mutex
	conns map[string]pb.RaftInternalClient
	log   *slog.Logger
}

// NewClient returns a Client with an empty connection cache.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conns: make(map[string]pb.RaftInternalClient), log: logger.With("component", "transport.client")}
}

func (c *Client) getClient(addr string) (pb.RaftInternalClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.conns[addr]; ok {
		return client, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	client := pb.NewRaftInternalClient(conn)
	c.conns[addr] = client
	return client, nil
}

// SendAppendEntries issues one AppendEntries RPC against addr. Every call
// is tagged with a correlation id (a v4 UUID) purely for correlating this
// client's debug log lines for one call — it is not sent on the wire, so
// the server never sees it.
func (c *Client) SendAppendEntries(ctx context.Context, addr string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	correlationID := uuid.New().String()
	client, err := c.getClient(addr)
	if err != nil {
		return nil, err
	}

	c.log.Debug("sending append entries", "correlation_id", correlationID, "addr", addr, "term", req.Term)
	resp, err := client.AppendEntries(ctx, requestToPb(req))
	if err != nil {
		c.log.Debug("append entries rpc failed", "correlation_id", correlationID, "addr", addr, "error", err)
		return nil, fmt.Errorf("transport: append entries to %s: %w", addr, err)
	}
	return responseFromPb(resp), nil
}
