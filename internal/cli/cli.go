// Package cli builds raftd's command tree with cobra, the same library
// and root-command-plus-persistent-flag shape the predecessor job-queue
// CLI used.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/nedstrom/raftcore/internal/compactor"
	"github.com/nedstrom/raftcore/internal/config"
	"github.com/nedstrom/raftcore/internal/core"
	"github.com/nedstrom/raftcore/internal/logstore"
	"github.com/nedstrom/raftcore/internal/metrics"
	"github.com/nedstrom/raftcore/internal/statemachine"
	"github.com/nedstrom/raftcore/internal/transport"
	"github.com/nedstrom/raftcore/internal/transport/pb"
	"github.com/nedstrom/raftcore/pkg/raft"
)

var configPath string

// BuildCLI assembles the raftd command tree.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "raftd",
		Short:   "raftd runs the follower-side Raft replication core",
		Version: "1.0.0",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/default.yaml", "path to the node's config file")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildStatusCommand())
	return root
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start this node's replication core and gRPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context())
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "query a running node's term/leader/commit/applied over its debug endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printStatus(cfg.Debug.ListenAddr)
		},
	}
}

func printStatus(debugAddr string) error {
	url := "http://" + debugAddr + "/debug/status"
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("cli: query status endpoint %s (is the node running?): %w", url, err)
	}
	defer resp.Body.Close()

	var status transport.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("cli: decode status response: %w", err)
	}

	fmt.Printf("term:      %d\n", status.Term)
	fmt.Printf("leader:    %s\n", status.Leader)
	fmt.Printf("role:      %s\n", status.Role)
	fmt.Printf("committed: term=%d index=%d\n", status.CommittedTerm, status.CommittedIndex)
	fmt.Printf("applied:   term=%d index=%d\n", status.AppliedTerm, status.AppliedIndex)
	return nil
}

func runNode(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.Default().With("node_id", cfg.Node.ID)

	var sink core.MetricsSink
	if cfg.Metrics.Enabled {
		sink = metrics.NewCollector(prometheus.DefaultRegisterer)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	sm := statemachine.New(logger)
	store, err := logstore.OpenFile(logstore.FileOptions{
		Dir:           cfg.LogStore.Dir,
		BufferSize:    cfg.LogStore.BufferSize,
		FlushInterval: cfg.FlushInterval(),
		Logger:        logger,
	}, sm)
	if err != nil {
		return fmt.Errorf("cli: open log store: %w", err)
	}
	defer store.Close()

	compactMgr := compactor.NewManager(cfg.Compaction.SnapshotDir+"/snapshot.json", cfg.Compaction.MaxAppliedLogsToKeep, logger)
	var restoredApplied *raft.LogId
	if snap, lastApplied, ok, err := compactMgr.Load(); err != nil {
		return fmt.Errorf("cli: load snapshot: %w", err)
	} else if ok {
		sm.Restore(snap, lastApplied)
		restoredApplied = &lastApplied
		logger.Info("restored snapshot", "last_applied", lastApplied, "jobs", len(snap.Jobs))
	}

	pipeline := core.NewApplyPipeline(store, func(through raft.LogId, count int) {
		compactMgr.TriggerIfDue(sm, store, through, uint64(count))
	}, logger)
	defer pipeline.Stop()

	nodeCfg := core.Config{
		ID:                   raft.NodeID(cfg.Node.ID),
		ElectionTimeoutMin:   cfg.ElectionTimeoutMin(),
		ElectionTimeoutMax:   cfg.ElectionTimeoutMax(),
		MaxAppliedLogsToKeep: cfg.Compaction.MaxAppliedLogsToKeep,
	}
	node, err := core.New(nodeCfg, store, pipeline, sink, logger, restoredApplied)
	if err != nil {
		return fmt.Errorf("cli: construct node core: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go node.Run(runCtx)
	defer node.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.Debug.ListenAddr, transport.NewDebugHandler(node)); err != nil {
			logger.Error("debug status server stopped", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.Transport.ListenAddr)
	if err != nil {
		return fmt.Errorf("cli: listen on %s: %w", cfg.Transport.ListenAddr, err)
	}
	grpcServer := grpc.NewServer()
	pb.RegisterRaftInternalServer(grpcServer, transport.NewServer(node, logger))

	logger.Info("raftd listening", "addr", cfg.Transport.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
