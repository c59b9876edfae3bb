package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is a remote task's lifecycle state as reported by the
// agent that owns it.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// Terminal reports whether no further state changes can follow.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// TaskStatus is a point-in-time view of a remote task, optionally
// carrying the message that accompanied the state change (for
// input-required, the clarification question).
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Task is the remote agent's record of one dispatched unit of work.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history,omitempty"`
}

// StatusUpdate is one incremental event on a streamed task. Final
// marks the last event of the stream.
type StatusUpdate struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

// SendResult is the polymorphic result of message/send: agents answer
// either with a direct reply message (simple synchronous case) or with
// a task snapshot to poll or stream against.
type SendResult struct {
	Message *Message
	Task    *Task
}

func (r *SendResult) UnmarshalJSON(data []byte) error {
	var probe struct {
		Role Role   `json:"role"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch {
	case probe.Role != "":
		r.Message = &Message{}
		return json.Unmarshal(data, r.Message)
	case probe.ID != "":
		r.Task = &Task{}
		return json.Unmarshal(data, r.Task)
	default:
		return fmt.Errorf("send result is neither a message nor a task")
	}
}

func (r SendResult) MarshalJSON() ([]byte, error) {
	switch {
	case r.Message != nil:
		return json.Marshal(r.Message)
	case r.Task != nil:
		return json.Marshal(r.Task)
	default:
		return nil, fmt.Errorf("empty send result")
	}
}

// StreamEvent is one event from a message/stream subscription. Exactly
// one field is set; an Err event is always the last before the channel
// closes.
type StreamEvent struct {
	Task    *Task
	Status  *StatusUpdate
	Message *Message
	Err     error
}

// decodeStreamResult maps a raw stream result onto the event variant it
// carries: messages have a role, task snapshots an id, status updates a
// taskId.
func decodeStreamResult(raw json.RawMessage) (StreamEvent, error) {
	var probe struct {
		Role   Role   `json:"role"`
		ID     string `json:"id"`
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return StreamEvent{}, err
	}
	switch {
	case probe.Role != "":
		m := &Message{}
		if err := json.Unmarshal(raw, m); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Message: m}, nil
	case probe.ID != "":
		t := &Task{}
		if err := json.Unmarshal(raw, t); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Task: t}, nil
	case probe.TaskID != "":
		u := &StatusUpdate{}
		if err := json.Unmarshal(raw, u); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Status: u}, nil
	default:
		return StreamEvent{}, fmt.Errorf("unrecognized stream event shape")
	}
}
