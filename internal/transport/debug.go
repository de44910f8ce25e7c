package transport

import (
	"encoding/json"
	"net/http"

	"github.com/nedstrom/raftcore/internal/core"
)

// StatusResponse is the JSON body /debug/status returns. It exists so that
// `raftd status`, a separate process invocation from `raftd run`, can learn
// a running node's term/leader/commit/applied without ever touching the log
// store or state machine directly.
type StatusResponse struct {
	Term           uint64 `json:"term"`
	Leader         string `json:"leader,omitempty"`
	Role           string `json:"role"`
	LastLogTerm    uint64 `json:"last_log_term,omitempty"`
	LastLogIndex   uint64 `json:"last_log_index,omitempty"`
	CommittedTerm  uint64 `json:"committed_term,omitempty"`
	CommittedIndex uint64 `json:"committed_index,omitempty"`
	AppliedTerm    uint64 `json:"applied_term,omitempty"`
	AppliedIndex   uint64 `json:"applied_index,omitempty"`
}

// NewDebugHandler returns the mux a running node's debug HTTP server serves,
// the same bare net/http.ServeMux-plus-single-route shape
// internal/metrics.StartServer uses for /metrics.
func NewDebugHandler(node *core.NodeCore) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		s := node.State()
		resp := StatusResponse{Term: s.Term, Role: s.Role.String()}
		if s.Leader != nil {
			resp.Leader = string(*s.Leader)
		}
		if s.LastLogID != nil {
			resp.LastLogTerm, resp.LastLogIndex = s.LastLogID.Term, s.LastLogID.Index
		}
		if s.Committed != nil {
			resp.CommittedTerm, resp.CommittedIndex = s.Committed.Term, s.Committed.Index
		}
		if s.LastApplied != nil {
			resp.AppliedTerm, resp.AppliedIndex = s.LastApplied.Term, s.LastApplied.Index
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}
