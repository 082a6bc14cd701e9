package scheduler

import (
	"math/rand"
	"sort"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Worker Pool ────────────────────────────────────────────────────────────

// WorkerPool tracks connected peers, the FIFO of idle peers and which peer
// each task is assigned to. A disconnected peer is never idle or assigned.
type WorkerPool struct {
	idle        []string
	connected   map[string]bool
	assignments map[string]string // task id → peer
	rng         *rand.Rand
}

// NewWorkerPool creates an empty pool. rng drives the Random strategy.
func NewWorkerPool(rng *rand.Rand) *WorkerPool {
	return &WorkerPool{
		connected:   make(map[string]bool),
		assignments: make(map[string]string),
		rng:         rng,
	}
}

// Connect marks a peer connected and idle. Connecting a known peer is a no-op
// and returns false.
func (p *WorkerPool) Connect(peer string) bool {
	if p.connected[peer] {
		return false
	}
	p.connected[peer] = true
	p.idle = append(p.idle, peer)
	return true
}

// Disconnect removes a peer everywhere and returns the tasks it held,
// sorted by task id.
func (p *WorkerPool) Disconnect(peer string) []string {
	delete(p.connected, peer)
	p.RemoveIdle(peer)
	var tasks []string
	for task, assignee := range p.assignments {
		if assignee == peer {
			tasks = append(tasks, task)
			delete(p.assignments, task)
		}
	}
	sort.Strings(tasks)
	return tasks
}

// IsConnected reports whether a peer is connected.
func (p *WorkerPool) IsConnected(peer string) bool { return p.connected[peer] }

// IsIdle reports whether a peer is in the idle queue.
func (p *WorkerPool) IsIdle(peer string) bool {
	for _, id := range p.idle {
		if id == peer {
			return true
		}
	}
	return false
}

// ReturnIdle puts a connected peer at the back of the idle queue unless it
// is already there or still holds a task.
func (p *WorkerPool) ReturnIdle(peer string) bool {
	if !p.connected[peer] || p.IsIdle(peer) || p.Holds(peer) {
		return false
	}
	p.idle = append(p.idle, peer)
	return true
}

// RemoveIdle drops a peer from the idle queue.
func (p *WorkerPool) RemoveIdle(peer string) {
	for i, id := range p.idle {
		if id == peer {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// Select takes an idle, connected peer according to the strategy. Stale
// entries met on the way are discarded.
func (p *WorkerPool) Select(strategy domain.DelegationStrategy) (string, bool) {
	if strategy == domain.DelegateRandom {
		return p.selectRandom()
	}
	return p.selectFIFO()
}

func (p *WorkerPool) selectFIFO() (string, bool) {
	for len(p.idle) > 0 {
		peer := p.idle[0]
		p.idle = p.idle[1:]
		if p.connected[peer] {
			return peer, true
		}
	}
	return "", false
}

func (p *WorkerPool) selectRandom() (string, bool) {
	attempts := len(p.idle)
	for i := 0; i < attempts && len(p.idle) > 0; i++ {
		j := p.rng.Intn(len(p.idle))
		peer := p.idle[j]
		p.idle = append(p.idle[:j], p.idle[j+1:]...)
		if p.connected[peer] {
			return peer, true
		}
	}
	return "", false
}

// Assign records task → peer.
func (p *WorkerPool) Assign(taskID, peer string) {
	p.assignments[taskID] = peer
}

// Release forgets a task's assignment and returns the peer it had.
func (p *WorkerPool) Release(taskID string) (string, bool) {
	peer, ok := p.assignments[taskID]
	if ok {
		delete(p.assignments, taskID)
	}
	return peer, ok
}

// Holds reports whether any task is assigned to peer.
func (p *WorkerPool) Holds(peer string) bool {
	for _, assignee := range p.assignments {
		if assignee == peer {
			return true
		}
	}
	return false
}

// AssigneeOf returns the peer assigned to a task.
func (p *WorkerPool) AssigneeOf(taskID string) (string, bool) {
	peer, ok := p.assignments[taskID]
	return peer, ok
}

// Idle returns a copy of the idle queue.
func (p *WorkerPool) Idle() []string {
	return append([]string(nil), p.idle...)
}

// Connected returns the connected peers, sorted.
func (p *WorkerPool) Connected() []string {
	out := make([]string, 0, len(p.connected))
	for id := range p.connected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Assignments returns a copy of the task → peer map.
func (p *WorkerPool) Assignments() map[string]string {
	out := make(map[string]string, len(p.assignments))
	for k, v := range p.assignments {
		out[k] = v
	}
	return out
}
