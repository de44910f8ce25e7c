package core

import "github.com/nedstrom/raftcore/pkg/raft"

// MembershipTracker derives the EffectiveMembership a batch of newly
// appended entries introduces, if any. It holds no state of its own:
// NodeCore is the only thing that remembers the currently effective
// membership, MembershipTracker just knows how to read one out of a slice
// of entries.
type MembershipTracker struct{}

// ExtractLatest returns the EffectiveMembership implied by the last
// PayloadMembership entry in appended, or nil if appended contains none.
// Per the activation rule this core follows, the caller applies the
// result immediately after a durable append — it does not wait for the
// entry to commit.
func (MembershipTracker) ExtractLatest(appended []raft.Entry) *raft.EffectiveMembership {
	var latest *raft.Entry
	for i := range appended {
		if appended[i].Kind == raft.PayloadMembership && appended[i].Config != nil {
			latest = &appended[i]
		}
	}
	if latest == nil {
		return nil
	}
	return &raft.EffectiveMembership{LogID: latest.LogID, Config: *latest.Config}
}
