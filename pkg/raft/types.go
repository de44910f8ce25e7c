// Package raft defines the data model shared by the follower-side log
// replication core, its storage backends and its transport adapters.
//
// It intentionally carries no behavior of its own: NodeID, LogId, Entry and
// friends are plain value types so that internal/core, internal/logstore and
// internal/transport can all depend on them without depending on each other.
package raft

import "fmt"

// NodeID identifies a member of the cluster. Cluster membership is tracked
// as a set of NodeIDs inside Config, never resolved to network addresses
// here — that mapping is a transport concern.
type NodeID string

// LogId names a single entry in the replicated log. Entries are totally
// ordered by Index; Term records which leader's election produced the
// entry and is what conflict detection compares.
type LogId struct {
	Term  uint64
	Index uint64
}

func (id LogId) String() string {
	return fmt.Sprintf("(term=%d,index=%d)", id.Term, id.Index)
}

// Less reports whether id sorts strictly before other. Log ids only ever
// need to be compared by Index once they belong to the same log — Term is
// carried for conflict checks, not for ordering.
func (id LogId) Less(other LogId) bool {
	return id.Index < other.Index
}

// CompareOptLogId compares two optional log ids (nil meaning "no entry /
// the start of the log"), returning -1, 0 or 1 the way bytes.Compare does.
// A nil value sorts below every concrete LogId.
func CompareOptLogId(a, b *LogId) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	default:
		return 0
	}
}

// MinOptLogId returns whichever of a, b is not greater, treating nil as
// the smallest possible value.
func MinOptLogId(a, b *LogId) *LogId {
	if CompareOptLogId(a, b) <= 0 {
		return a
	}
	return b
}

// PayloadKind distinguishes the three shapes an Entry's payload can take.
type PayloadKind uint8

const (
	// PayloadBlank entries carry no application data. Leaders append one
	// on election so a no-op commits quickly in the new term.
	PayloadBlank PayloadKind = iota
	// PayloadNormal entries carry an opaque, application-defined command.
	PayloadNormal
	// PayloadMembership entries carry a new Config and drive
	// MembershipTracker.
	PayloadMembership
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadBlank:
		return "blank"
	case PayloadNormal:
		return "normal"
	case PayloadMembership:
		return "membership"
	default:
		return "unknown"
	}
}

// Entry is one record in the replicated log. App is only populated for
// PayloadNormal and is opaque to everything in this module tree except the
// state machine that decodes it. Config is only populated for
// PayloadMembership.
type Entry struct {
	LogID  LogId
	Kind   PayloadKind
	App    []byte
	Config *Config
}

// Config describes cluster membership. Joint is non-empty only while a
// joint-consensus reconfiguration is in flight; ordinary single-config
// entries leave it nil.
type Config struct {
	Members []NodeID
	Joint   []NodeID
}

// Contains reports whether id is a voting member of either half of a
// (possibly joint) configuration.
func (c Config) Contains(id NodeID) bool {
	for _, m := range c.Members {
		if m == id {
			return true
		}
	}
	for _, m := range c.Joint {
		if m == id {
			return true
		}
	}
	return false
}

// EffectiveMembership pairs a Config with the LogId of the entry that
// introduced it, so that stepping back to an older membership (after a
// conflict-truncation) can be done by log id rather than by guessing.
type EffectiveMembership struct {
	LogID  LogId
	Config Config
}

// InitialMembership is the well-known membership in force before any
// membership-change entry has ever been appended to the log.
func InitialMembership() EffectiveMembership {
	return EffectiveMembership{LogID: LogId{}, Config: Config{}}
}

// HardState is the small amount of state that must be fsynced before a
// node is allowed to act on it: the term it believes is current, and who
// (if anyone) it has voted for in that term.
type HardState struct {
	CurrentTerm uint64
	VotedFor    *NodeID
}

// Response is whatever an applied Entry's command handler returned. It is
// opaque here; state-machine packages define what goes inside it.
type Response []byte
