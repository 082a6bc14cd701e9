// Package domain holds peer messaging types.
// Workers are peers on the network. They exchange task messages with the
// orchestrator and receive payloads and receipts through network actions.
package domain

import (
	"encoding/json"
	"time"
)

// MessageType is the kind of a task message sent by a worker.
type MessageType string

const (
	MessageAccept    MessageType = "accept"
	MessageReject    MessageType = "reject"
	MessageCompleted MessageType = "completed"
)

// TaskMessage is an inbound message from a worker about a task.
type TaskMessage struct {
	TaskID    string          `json:"task_id"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// TaskEnvelope is the payload delivered to the worker that gets a task.
type TaskEnvelope struct {
	TaskID  string      `json:"task_id"`
	Payload TaskPayload `json:"payload"`
}

// ActionKind identifies a network action.
type ActionKind string

const (
	ActionSendTask    ActionKind = "send_task"
	ActionSendReceipt ActionKind = "send_receipt"
)

// NetworkAction is a declarative I/O request returned by the orchestrator.
// The transport executes actions after the mutation that produced them commits.
type NetworkAction struct {
	Kind    ActionKind    `json:"kind"`
	Peer    string        `json:"peer"`
	Task    *TaskEnvelope `json:"task,omitempty"`
	Receipt *Receipt      `json:"receipt,omitempty"`
}

// SendTask builds a SendTask action.
func SendTask(peer, taskID string, payload TaskPayload) NetworkAction {
	return NetworkAction{
		Kind: ActionSendTask,
		Peer: peer,
		Task: &TaskEnvelope{TaskID: taskID, Payload: payload},
	}
}

// SendReceipt builds a SendReceipt action.
func SendReceipt(peer string, r Receipt) NetworkAction {
	return NetworkAction{Kind: ActionSendReceipt, Peer: peer, Receipt: &r}
}

// Receipt is a signed, nullifier-bearing proof of task completion.
type Receipt struct {
	TaskID     string    `json:"task_id"`
	TaskNumber uint64    `json:"task_number"`
	Worker     string    `json:"worker"`
	Reward     uint64    `json:"reward"`
	DurationMs int64     `json:"duration_ms"`
	Signature  string    `json:"signature"`
	ManagerKey string    `json:"manager_key"`
	Nullifier  string    `json:"nullifier"`
	IssuedAt   time.Time `json:"issued_at"`
}

// ReceiptRequest carries what the receipt builder needs about a completed task.
type ReceiptRequest struct {
	TaskID   string
	Worker   string
	Reward   uint64
	Duration time.Duration
}
