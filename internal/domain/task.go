// Package domain holds task types.
// A Task is one unit of work derived from an application step. It flows
// through the lifecycle workflow: created → assign → in progress → completed.
package domain

import (
	"encoding/json"
	"time"
)

// Well-known event names appended to a task's event log.
const (
	EventWorkerAssigned  = "WorkerAssigned"
	EventWorkerAccepted  = "WorkerAccepted"
	EventWorkerRejected  = "WorkerRejected"
	EventWorkerCompleted = "WorkerCompleted"
	EventTimeout         = "Timeout"
)

// RejectReasonDisconnect is recorded when an assignee drops off the network.
const RejectReasonDisconnect = "disconnect"

// TaskPayload is the immutable description of a task, fixed at creation.
type TaskPayload struct {
	ApplicationID string          `json:"application_id"`
	StepID        string          `json:"step_id"`
	Reward        uint64          `json:"reward"`
	TimeLimitMs   uint64          `json:"time_limit_ms"`
	Capability    string          `json:"capability,omitempty"`
	TemplateData  json.RawMessage `json:"template_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TimeLimit returns the time limit as a duration.
func (p TaskPayload) TimeLimit() time.Duration {
	return time.Duration(p.TimeLimitMs) * time.Millisecond
}

// Event is one entry of a task's append-only event log.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event, encoding v as its payload. A nil v yields an
// event with no payload.
func NewEvent(name string, v any) Event {
	if v == nil {
		return Event{Name: name}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Event{Name: name}
	}
	return Event{Name: name, Payload: raw}
}

// WorkerEvent is the payload of the Worker* events.
type WorkerEvent struct {
	Peer      string          `json:"peer"`
	Timestamp int64           `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// DecodeWorkerEvent returns the worker payload of e, if any.
func DecodeWorkerEvent(e Event) (WorkerEvent, bool) {
	var we WorkerEvent
	if len(e.Payload) == 0 {
		return we, false
	}
	if err := json.Unmarshal(e.Payload, &we); err != nil {
		return we, false
	}
	return we, true
}

// TaskSubmission asks the orchestrator to create a task for an application step.
// Capability and TemplateData fall back to the step definition when empty.
// Context, when a non-empty JSON object, is wrapped together with the template.
type TaskSubmission struct {
	TaskID        string          `json:"task_id,omitempty"`
	ApplicationID string          `json:"application_id"`
	StepID        string          `json:"step_id"`
	Reward        uint64          `json:"reward"`
	TimeLimitMs   uint64          `json:"time_limit_ms"`
	Capability    string          `json:"capability,omitempty"`
	TemplateData  json.RawMessage `json:"template_data,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
}

// ActiveTaskRecord is the persisted form of a live task.
type ActiveTaskRecord struct {
	TaskID     string      `json:"task_id"`
	WorkflowID string      `json:"workflow_id"`
	Payload    TaskPayload `json:"payload"`
	Events     []Event     `json:"events"`
	State      string      `json:"state"`
	Completed  bool        `json:"completed"`
}

// CompletedTaskRecord is the archived form of a finished task.
type CompletedTaskRecord struct {
	TaskID     string          `json:"task_id"`
	Payload    TaskPayload     `json:"payload"`
	Events     []Event         `json:"events"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// StepCompleted notifies the job sequencer that a task finished.
type StepCompleted struct {
	TaskID        string          `json:"task_id"`
	ApplicationID string          `json:"application_id"`
	StepID        string          `json:"step_id"`
	Result        json.RawMessage `json:"result,omitempty"`
}
