package core

import (
	"log/slog"
	"sync"

	"github.com/nedstrom/raftcore/pkg/raft"
)

// ApplyResult is delivered on ApplyPipeline.Completions() after a
// submitted batch finishes (or fails).
type ApplyResult struct {
	Err         error
	LastApplied raft.LogId
}

type applyTask struct {
	entries []raft.Entry
	through raft.LogId
}

// CompactionHook is called after every successful apply batch with the
// LogId it applied through and how many entries that batch contained. A
// real wiring points this at internal/compactor.Manager.TriggerIfDue; tests
// can leave it nil.
type CompactionHook func(appliedThrough raft.LogId, count int)

// ApplyPipeline runs state-machine application on a single dedicated
// goroutine, off NodeCore's hot path. At most one apply task is ever in
// flight: Submit is a silent no-op if a previous task has not yet
// completed, matching the "single in-flight apply" rule every apply driver
// in this codebase has followed since the store's underlying log became
// an append-only journal rather than something mutated synchronously.
type ApplyPipeline struct {
	store raft.LogStore
	hook  CompactionHook
	log   *slog.Logger

	mu   sync.Mutex
	busy bool

	taskCh chan applyTask
	doneCh chan ApplyResult
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewApplyPipeline starts the background apply goroutine and returns a
// pipeline ready to accept Submit calls.
func NewApplyPipeline(store raft.LogStore, hook CompactionHook, logger *slog.Logger) *ApplyPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ApplyPipeline{
		store:  store,
		hook:   hook,
		log:    logger.With("component", "apply_pipeline"),
		taskCh: make(chan applyTask, 1),
		doneCh: make(chan ApplyResult, 1),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Submit schedules entries (which must run up through LogId through) for
// application. If an apply is already in flight, Submit does nothing — the
// caller will be asked again once committed moves further, or the pending
// completion will itself trigger a follow-up submit if there is more to do.
func (p *ApplyPipeline) Submit(entries []raft.Entry, through raft.LogId) {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return
	}
	p.busy = true
	p.mu.Unlock()

	select {
	case p.taskCh <- applyTask{entries: entries, through: through}:
	case <-p.stopCh:
	}
}

// Completions returns the channel ApplyResults are delivered on.
func (p *ApplyPipeline) Completions() <-chan ApplyResult {
	return p.doneCh
}

func (p *ApplyPipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskCh:
			_, err := p.store.ApplyToStateMachine(task.entries)
			p.mu.Lock()
			p.busy = false
			p.mu.Unlock()

			if err != nil {
				p.log.Error("apply to state machine failed", "error", err)
			} else if p.hook != nil {
				p.hook(task.through, len(task.entries))
			}

			select {
			case p.doneCh <- ApplyResult{Err: err, LastApplied: task.through}:
			case <-p.stopCh:
				return
			}
		case <-p.stopCh:
			return
		}
	}
}

// Stop halts the background goroutine and waits for it to exit.
func (p *ApplyPipeline) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}
