package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutu-network/conductor/internal/domain"
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 10 * time.Second

// Client is a worker's connection to a node.
type Client struct {
	peer    string
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
}

// Dial connects to a node's worker endpoint as peer.
func Dial(ctx context.Context, endpoint, peer string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("peer", peer)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: DefaultDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(DefaultMaxMessageBytes)
	return &Client{peer: peer, conn: conn}, nil
}

// Peer returns the client's peer id.
func (c *Client) Peer() string { return c.peer }

// Send writes one frame.
func (c *Client) Send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return c.conn.WriteJSON(f)
}

// Receive blocks for the next frame.
func (c *Client) Receive() (Frame, error) {
	var f Frame
	err := c.conn.ReadJSON(&f)
	return f, err
}

// SendTaskMessage reports accept, reject or completed for a task.
func (c *Client) SendTaskMessage(taskID string, typ domain.MessageType, data json.RawMessage) error {
	return c.Send(Frame{Type: FrameTaskMessage, Message: &domain.TaskMessage{
		TaskID:    taskID,
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}})
}

// SendRequest sends a control request; the ack arrives as a frame with the
// same id.
func (c *Client) SendRequest(id string, req any) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.Send(Frame{Type: FrameRequest, ID: id, Request: raw})
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// ─── Worker Loop ────────────────────────────────────────────────────────────

// TaskFunc executes a task and returns its result.
type TaskFunc func(ctx context.Context, task domain.TaskEnvelope) (json.RawMessage, error)

// Serve accepts every task it receives, runs fn, and reports the result.
// A task fn fails on is rejected. Serve returns when ctx ends or the
// connection drops.
func (c *Client) Serve(ctx context.Context, fn TaskFunc) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()
	for {
		f, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		switch f.Type {
		case FrameTaskPayload:
			if f.Task == nil {
				continue
			}
			if err := c.runTask(ctx, *f.Task, fn); err != nil {
				return err
			}
		case FrameTaskReceipt:
			if f.Receipt != nil {
				log.Printf("[worker] receipt for %s: reward %d, nullifier %s",
					f.Receipt.TaskID, f.Receipt.Reward, f.Receipt.Nullifier)
			}
		case FrameAck:
			if f.Ack != nil && !f.Ack.OK {
				log.Printf("[worker] request %s failed: %s %s", f.ID, f.Ack.Code, f.Ack.Message)
			}
		}
	}
}

func (c *Client) runTask(ctx context.Context, task domain.TaskEnvelope, fn TaskFunc) error {
	if err := c.SendTaskMessage(task.TaskID, domain.MessageAccept, nil); err != nil {
		return fmt.Errorf("accept %s: %w", task.TaskID, err)
	}
	result, err := fn(ctx, task)
	if err != nil {
		log.Printf("[worker] task %s failed: %v", task.TaskID, err)
		return c.SendTaskMessage(task.TaskID, domain.MessageReject, nil)
	}
	log.Printf("[worker] task %s done", task.TaskID)
	return c.SendTaskMessage(task.TaskID, domain.MessageCompleted, result)
}

// EchoTask completes a task with {"echo": <template_data>}.
func EchoTask(_ context.Context, task domain.TaskEnvelope) (json.RawMessage, error) {
	data := task.Payload.TemplateData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(map[string]json.RawMessage{"echo": data})
}
