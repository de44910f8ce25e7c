package statemachine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nedstrom/raftcore/pkg/raft"
)

var (
	// ErrDuplicateJob is reported in the entry's Response (not as Apply's
	// error) when a CmdEnqueue names a job ID that already exists. It is
	// not fatal: the entry is still considered applied, the duplicate is
	// simply ignored, because by the time an entry reaches here it is
	// already committed and must never be retried against the log.
	ErrDuplicateJob = errors.New("statemachine: job already exists")
	// ErrJobNotFound is reported in the entry's Response when a CmdAck
	// names a job ID that is not known. Treated the same non-fatal way as
	// ErrDuplicateJob.
	ErrJobNotFound = errors.New("statemachine: job not found")
)

// StateMachine holds every job this node has ever learned about, keyed by
// ID, with status tracked directly on the Job rather than through a set of
// parallel index maps — once entries only ever arrive already committed
// and in order, there is no pending/in-flight race to optimize for.
type StateMachine struct {
	mu          sync.RWMutex
	jobs        map[JobID]*Job
	lastApplied raft.LogId
	log         *slog.Logger
}

func New(logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		jobs: make(map[JobID]*Job),
		log:  logger.With("component", "statemachine"),
	}
}

// Apply decodes and applies entries in order, returning one Response per
// entry. It is called off the hot path, from internal/core's ApplyPipeline,
// never directly from an AppendEntries call.
func (sm *StateMachine) Apply(entries []raft.Entry) ([]raft.Response, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	responses := make([]raft.Response, 0, len(entries))
	for _, e := range entries {
		resp, err := sm.applyOne(e)
		if err != nil {
			return responses, fmt.Errorf("statemachine: apply %s: %w", e.LogID, err)
		}
		responses = append(responses, resp)
		sm.lastApplied = e.LogID
	}
	return responses, nil
}

func (sm *StateMachine) applyOne(e raft.Entry) (raft.Response, error) {
	switch e.Kind {
	case raft.PayloadBlank:
		return nil, nil
	case raft.PayloadMembership:
		// Membership entries never carry application commands; the
		// MembershipTracker already acted on them at append time.
		return nil, nil
	case raft.PayloadNormal:
		return sm.applyCommand(e.App)
	default:
		return nil, fmt.Errorf("unknown payload kind %v", e.Kind)
	}
}

func (sm *StateMachine) applyCommand(raw []byte) (raft.Response, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CmdEnqueue:
		var p EnqueuePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode enqueue payload: %w", err)
		}
		if _, exists := sm.jobs[p.JobID]; exists {
			sm.log.Warn("duplicate enqueue applied", "job_id", p.JobID)
			return encodeAck(false, ErrDuplicateJob), nil
		}
		now := nowMillis()
		sm.jobs[p.JobID] = &Job{
			ID:        p.JobID,
			Payload:   p.Payload,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return encodeAck(true, nil), nil

	case CmdAck:
		var p AckPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode ack payload: %w", err)
		}
		job, ok := sm.jobs[p.JobID]
		if !ok {
			sm.log.Warn("ack for unknown job applied", "job_id", p.JobID)
			return encodeAck(false, ErrJobNotFound), nil
		}
		job.Status = p.Status
		job.UpdatedAt = nowMillis()
		if p.Status != StatusCompleted && p.Status != StatusDead {
			job.Attempt++
		}
		return encodeAck(true, nil), nil

	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

type ackResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func encodeAck(ok bool, err error) raft.Response {
	r := ackResult{OK: ok}
	if err != nil {
		r.Error = err.Error()
	}
	b, marshalErr := json.Marshal(r)
	if marshalErr != nil {
		return nil
	}
	return raft.Response(b)
}

// Job returns a copy of the job with the given ID, or nil if unknown.
func (sm *StateMachine) Job(id JobID) *Job {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	j, ok := sm.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// LastApplied reports the LogId of the most recently applied entry.
func (sm *StateMachine) LastApplied() raft.LogId {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastApplied
}

// Snapshot serializes the full state machine for internal/compactor.
func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	jobs := make(map[JobID]*Job, len(sm.jobs))
	for id, j := range sm.jobs {
		cp := *j
		jobs[id] = &cp
	}
	return Snapshot{Jobs: jobs, SchemaVer: 1, LastAppliedMs: nowMillis()}
}

// Restore replaces the state machine's contents with a previously captured
// Snapshot, used during startup recovery before any log replay happens.
func (sm *StateMachine) Restore(snap Snapshot, lastApplied raft.LogId) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if snap.Jobs == nil {
		snap.Jobs = make(map[JobID]*Job)
	}
	sm.jobs = snap.Jobs
	sm.lastApplied = lastApplied
}

// Len reports how many jobs the state machine currently tracks.
func (sm *StateMachine) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.jobs)
}
