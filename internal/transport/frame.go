// Package transport carries peer traffic over websockets. Workers connect to
// the Hub at /ws/worker?peer=<id>; every websocket message is one JSON Frame.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/tutu-network/conductor/internal/domain"
)

// FrameType identifies a frame.
type FrameType string

const (
	FrameTaskPayload FrameType = "task_payload" // node → worker
	FrameTaskMessage FrameType = "task_message" // worker → node
	FrameTaskReceipt FrameType = "task_receipt" // node → worker
	FrameRequest     FrameType = "request"      // worker → node
	FrameAck         FrameType = "ack"          // node → worker
)

// Frame is the unit on the wire.
type Frame struct {
	Type FrameType `json:"type"`
	// ID correlates a request with its ack.
	ID      string               `json:"id,omitempty"`
	Task    *domain.TaskEnvelope `json:"task,omitempty"`
	Message *domain.TaskMessage  `json:"message,omitempty"`
	Receipt *domain.Receipt      `json:"receipt,omitempty"`
	Request json.RawMessage      `json:"request,omitempty"`
	Ack     *domain.Ack          `json:"ack,omitempty"`
}

// FrameFor converts a network action into its frame.
func FrameFor(a domain.NetworkAction) (Frame, error) {
	switch a.Kind {
	case domain.ActionSendTask:
		if a.Task == nil {
			return Frame{}, fmt.Errorf("%w: send_task without task", domain.ErrInvalidArgument)
		}
		return Frame{Type: FrameTaskPayload, Task: a.Task}, nil
	case domain.ActionSendReceipt:
		if a.Receipt == nil {
			return Frame{}, fmt.Errorf("%w: send_receipt without receipt", domain.ErrInvalidArgument)
		}
		return Frame{Type: FrameTaskReceipt, Receipt: a.Receipt}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown action kind %q", domain.ErrInvalidArgument, a.Kind)
	}
}
