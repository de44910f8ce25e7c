package statemachine

import "encoding/json"

// CommandType discriminates the kinds of command a Normal log entry's App
// bytes can decode to.
type CommandType string

const (
	CmdEnqueue CommandType = "enqueue"
	CmdAck     CommandType = "ack"
)

// Command is the envelope stored in Entry.App for PayloadNormal entries.
// It is encoded/decoded as JSON, matching the rest of this repo's on-disk
// formats (log records, hard state, snapshots).
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueuePayload is the Command.Payload shape for CmdEnqueue.
type EnqueuePayload struct {
	JobID   JobID                  `json:"job_id"`
	Payload map[string]interface{} `json:"payload"`
}

// AckPayload is the Command.Payload shape for CmdAck.
type AckPayload struct {
	JobID  JobID     `json:"job_id"`
	Status JobStatus `json:"status"`
}

// EncodeEnqueue builds the App bytes for a PayloadNormal entry that
// enqueues a new job.
func EncodeEnqueue(id JobID, payload map[string]interface{}) ([]byte, error) {
	p, err := json.Marshal(EnqueuePayload{JobID: id, Payload: payload})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Type: CmdEnqueue, Payload: p})
}

// EncodeAck builds the App bytes for a PayloadNormal entry that records
// the outcome of a job.
func EncodeAck(id JobID, status JobStatus) ([]byte, error) {
	p, err := json.Marshal(AckPayload{JobID: id, Status: status})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Type: CmdAck, Payload: p})
}
