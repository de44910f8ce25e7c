// Package core implements the follower-side replication state machine:
// NodeCore owns term/vote/commit bookkeeping and the single run loop that
// serializes every mutation of it, AppendEntriesHandler is the 10-phase
// algorithm that loop dispatches to, ApplyPipeline moves committed entries
// into the state machine off that hot path, and MembershipTracker derives
// the currently-effective cluster configuration from the log.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nedstrom/raftcore/pkg/raft"
)

// Role is which of the four Raft roles a node currently believes it
// holds. AppendEntriesHandler only ever moves a node toward Follower;
// becoming Candidate or Leader is out of scope for this core and is left
// to whatever election/replication driver sits above it.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleLearner
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleLearner:
		return "learner"
	default:
		return "unknown"
	}
}

// MetricsSink is the subset of internal/metrics.Collector's behavior
// NodeCore depends on. It is defined here, not in internal/metrics, so
// that core has no import-time dependency on the metrics package — a
// Collector satisfies it structurally.
type MetricsSink interface {
	TermChanged(term uint64)
	LeaderChanged()
	AppendEntriesResult(success, conflict bool, latency time.Duration)
	CommitIndexSet(index uint64)
	AppliedIndexSet(index uint64)
	StorageError()
}

type noopMetrics struct{}

func (noopMetrics) TermChanged(uint64)                       {}
func (noopMetrics) LeaderChanged()                           {}
func (noopMetrics) AppendEntriesResult(bool, bool, time.Duration) {}
func (noopMetrics) CommitIndexSet(uint64)                    {}
func (noopMetrics) AppliedIndexSet(uint64)                   {}
func (noopMetrics) StorageError()                            {}

// Config holds the election-timing and replication tuning NodeCore needs.
// It does not carry cluster membership — that lives in the log itself and
// is read back through MembershipTracker.
type Config struct {
	ID                   raft.NodeID
	ElectionTimeoutMin   time.Duration
	ElectionTimeoutMax   time.Duration
	MaxAppliedLogsToKeep uint64
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = c.ElectionTimeoutMin * 2
	}
	return c
}

// appendEntriesCall is how the run loop receives a request from
// internal/transport: the request plus a channel to deliver the response
// (or error) on, so the RPC handler's goroutine can block waiting for it
// while NodeCore itself stays single-threaded.
type appendEntriesCall struct {
	req    *raft.AppendEntriesRequest
	result chan<- appendEntriesResult
}

type appendEntriesResult struct {
	resp *raft.AppendEntriesResponse
	err  error
}

// NodeCore is deliberately lock-free: every field below is only ever read
// or written from the goroutine running Run (or, in tests, from whatever
// single goroutine calls HandleAppendEntries directly). Concurrent access
// from more than one goroutine is a programming error, not a race this
// type defends against — that is what the appendEntriesCh handoff in Run
// is for.
type NodeCore struct {
	cfg Config

	currentTerm         uint64
	votedFor            *raft.NodeID
	currentLeader       *raft.NodeID
	role                Role
	lastLogID           *raft.LogId
	committed           *raft.LogId
	lastApplied         *raft.LogId
	effectiveMembership raft.EffectiveMembership
	nextElectionDeadline time.Time

	store    raft.LogStore
	pipeline *ApplyPipeline
	tracker  MembershipTracker
	metrics  MetricsSink
	log      *slog.Logger
	rng      *rand.Rand

	electionTimer *time.Timer

	appendEntriesCh chan appendEntriesCall
	stopCh          chan struct{}
	stopped         chan struct{}
}

// New constructs a NodeCore, loading whatever term/vote/log state store
// already has durably recorded. lastApplied is the state machine's restored
// watermark (nil if no snapshot was loaded) — callers that skip restoring a
// snapshot before construction must pass nil, never a zero LogId, or
// maybeSubmitApply will believe index 0 was already applied. It does not
// start Run; callers that want the background loop must call Run
// separately, and tests that only want to exercise HandleAppendEntries
// directly never need to.
func New(cfg Config, store raft.LogStore, pipeline *ApplyPipeline, metrics MetricsSink, logger *slog.Logger, lastApplied *raft.LogId) (*NodeCore, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	hs, err := store.GetHardState()
	if err != nil {
		return nil, fmt.Errorf("core: load hard state: %w", err)
	}
	state, err := store.GetLogState()
	if err != nil {
		return nil, fmt.Errorf("core: load log state: %w", err)
	}
	membership, err := store.GetMembership()
	if err != nil {
		return nil, fmt.Errorf("core: load membership: %w", err)
	}
	if membership == nil {
		initial := raft.InitialMembership()
		membership = &initial
	}

	n := &NodeCore{
		cfg:                 cfg,
		currentTerm:         hs.CurrentTerm,
		votedFor:            hs.VotedFor,
		role:                RoleFollower,
		lastLogID:           state.LastLogID,
		lastApplied:         lastApplied,
		effectiveMembership: *membership,
		store:               store,
		pipeline:            pipeline,
		metrics:             metrics,
		log:                 logger.With("component", "core", "node_id", string(cfg.ID)),
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		appendEntriesCh:     make(chan appendEntriesCall),
		stopCh:              make(chan struct{}),
		stopped:             make(chan struct{}),
	}
	n.resetElectionTimer()
	return n, nil
}

// Submit hands req to the run loop and blocks for its response. It is what
// internal/transport's server calls on every inbound AppendEntries RPC.
func (n *NodeCore) Submit(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	result := make(chan appendEntriesResult, 1)
	select {
	case n.appendEntriesCh <- appendEntriesCall{req: req, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopCh:
		return nil, fmt.Errorf("core: node stopped")
	}
	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run owns NodeCore's fields for as long as it is executing. It is the
// only goroutine ever allowed to call HandleAppendEntries outside of a
// test.
func (n *NodeCore) Run(ctx context.Context) {
	defer close(n.stopped)
	for {
		select {
		case call := <-n.appendEntriesCh:
			resp, err := n.HandleAppendEntries(call.req)
			call.result <- appendEntriesResult{resp: resp, err: err}
			if err != nil {
				n.log.Error("stopping after fatal storage error", "error", err)
				return
			}
		case <-n.electionTimer.C:
			n.log.Debug("election timeout elapsed", "term", n.currentTerm)
			// Starting an election is outside this core's scope; a
			// driver above it observes this via State() and acts.
			n.resetElectionTimer()
		case completion := <-n.pipeline.Completions():
			if err := n.onApplyCompletion(completion); err != nil {
				n.log.Error("stopping after fatal storage error", "error", err)
				return
			}
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		}
	}
}

// Stop asks Run to exit and waits for it to do so.
func (n *NodeCore) Stop() {
	select {
	case <-n.stopCh:
	default:
		close(n.stopCh)
	}
	<-n.stopped
}

func (n *NodeCore) onApplyCompletion(res ApplyResult) error {
	if res.Err != nil {
		n.log.Error("apply pipeline reported a fatal error", "error", res.Err)
		return nil
	}
	n.lastApplied = &res.LastApplied
	n.metrics.AppliedIndexSet(res.LastApplied.Index)
	// Anything committed while that batch was in flight was not submitted
	// (Submit is a no-op while busy); hand it off now.
	if err := n.maybeSubmitApply(); err != nil {
		return n.fatal(err)
	}
	return nil
}

func (n *NodeCore) resetElectionTimer() {
	lo, hi := n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax
	d := lo
	if hi > lo {
		d = lo + time.Duration(n.rng.Int63n(int64(hi-lo)))
	}
	n.nextElectionDeadline = time.Now().Add(d)
	if n.electionTimer == nil {
		n.electionTimer = time.NewTimer(d)
		return
	}
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(d)
}

func (n *NodeCore) persistHardState() error {
	return n.store.SaveHardState(raft.HardState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor})
}

func (n *NodeCore) fatal(err error) error {
	n.metrics.StorageError()
	wrapped := fmt.Errorf("%w: %w", ErrStorageFatal, err)
	n.log.Error("storage operation failed", "error", err)
	return wrapped
}

// State is a point-in-time snapshot of NodeCore's bookkeeping, used by the
// status CLI and by tests; it is safe to call from any goroutine only
// because tests call it synchronously after the call under test returns —
// Run itself never reads it concurrently with a mutation.
type State struct {
	Term        uint64
	Leader      *raft.NodeID
	Role        Role
	LastLogID   *raft.LogId
	Committed   *raft.LogId
	LastApplied *raft.LogId
	Membership  raft.EffectiveMembership
}

func (n *NodeCore) State() State {
	return State{
		Term:        n.currentTerm,
		Leader:      n.currentLeader,
		Role:        n.role,
		LastLogID:   n.lastLogID,
		Committed:   n.committed,
		LastApplied: n.lastApplied,
		Membership:  n.effectiveMembership,
	}
}
