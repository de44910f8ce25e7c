// Package statemachine is the application state machine that rides on top
// of the replicated log. It is deliberately the only place in this module
// tree that knows what a "job" is — internal/core and pkg/raft never look
// inside an Entry's App bytes, they only move them around.
package statemachine

import "time"

// JobID uniquely identifies a job.
type JobID string

// JobStatus represents job execution state.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusInFlight  JobStatus = "in_flight"
	StatusCompleted JobStatus = "completed"
	StatusDead      JobStatus = "dead"
)

// Job is a unit of work tracked by the state machine. It is the AppData
// this core's Normal log entries ultimately carry.
type Job struct {
	ID      JobID                  `json:"id"`
	Payload map[string]interface{} `json:"payload"`

	Status  JobStatus `json:"status"`
	Attempt int       `json:"attempt"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	WorkerID string `json:"worker_id,omitempty"`
}

// Snapshot is the serialized form of the whole state machine, written to
// and read back from disk by internal/compactor.
type Snapshot struct {
	Jobs          map[JobID]*Job `json:"jobs"`
	SchemaVer     int            `json:"schema_ver"`
	LastAppliedMs int64          `json:"last_applied_ms"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
