package scheduler

import (
	"math/rand"
	"testing"

	"github.com/tutu-network/conductor/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Pending queue & worker pool tests
// ═══════════════════════════════════════════════════════════════════════════

func newTestPool(t *testing.T) *WorkerPool {
	t.Helper()
	return NewWorkerPool(rand.New(rand.NewSource(7)))
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

func TestScheduler_EnqueueDedupes(t *testing.T) {
	s := NewScheduler()
	if !s.Enqueue("a") {
		t.Fatal("Enqueue(a) = false")
	}
	if s.Enqueue("a") {
		t.Error("second Enqueue(a) = true, want false")
	}
	if s.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1", s.QueueDepth())
	}
}

func TestScheduler_DrainAndRequeueKeepOrder(t *testing.T) {
	s := NewScheduler()
	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(id)
	}
	got := s.Drain()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("Drain() = %v", got)
	}
	if s.QueueDepth() != 0 || s.Contains("a") {
		t.Fatal("Drain() should empty the queue")
	}

	s.Enqueue("d")
	s.Requeue([]string{"a", "c"})
	want := []string{"a", "c", "d"}
	pending := s.Pending()
	for i := range want {
		if pending[i] != want[i] {
			t.Errorf("Pending()[%d] = %q, want %q", i, pending[i], want[i])
		}
	}
}

func TestScheduler_Remove(t *testing.T) {
	s := NewScheduler()
	s.Enqueue("a")
	s.Enqueue("b")
	s.Remove("a")
	s.Remove("zzz")
	if s.Contains("a") || s.QueueDepth() != 1 {
		t.Errorf("after Remove: pending=%v", s.Pending())
	}
	if st := s.Stats(); st.TotalEnqueued != 2 {
		t.Errorf("TotalEnqueued = %d, want 2", st.TotalEnqueued)
	}
}

// ─── Worker Pool ────────────────────────────────────────────────────────────

func TestWorkerPool_ConnectIdempotent(t *testing.T) {
	p := newTestPool(t)
	if !p.Connect("p1") {
		t.Fatal("Connect(p1) = false")
	}
	if p.Connect("p1") {
		t.Error("second Connect(p1) = true")
	}
	if got := p.Idle(); len(got) != 1 {
		t.Errorf("Idle() = %v, want one entry", got)
	}
}

func TestWorkerPool_RoundRobinFIFO(t *testing.T) {
	p := newTestPool(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		p.Connect(id)
	}
	for _, want := range []string{"p1", "p2"} {
		got, ok := p.Select(domain.DelegateRoundRobin)
		if !ok || got != want {
			t.Errorf("Select() = %q,%v want %q", got, ok, want)
		}
	}
	p.ReturnIdle("p1")
	for _, want := range []string{"p3", "p1"} {
		got, _ := p.Select(domain.DelegateSingle)
		if got != want {
			t.Errorf("Select() = %q, want %q", got, want)
		}
	}
	if _, ok := p.Select(domain.DelegateRoundRobin); ok {
		t.Error("Select() on empty idle queue should fail")
	}
}

func TestWorkerPool_RandomOnlyConnected(t *testing.T) {
	p := newTestPool(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		p.Connect(id)
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		got, ok := p.Select(domain.DelegateRandom)
		if !ok {
			t.Fatalf("Select(random) #%d failed", i)
		}
		if seen[got] {
			t.Errorf("peer %q selected twice", got)
		}
		seen[got] = true
	}
	if _, ok := p.Select(domain.DelegateRandom); ok {
		t.Error("random Select() should fail once idle queue is empty")
	}
}

func TestWorkerPool_DisconnectClearsEverything(t *testing.T) {
	p := newTestPool(t)
	p.Connect("p1")
	p.Connect("p2")
	peer, _ := p.Select(domain.DelegateRoundRobin)
	p.Assign("t1", peer)
	p.Assign("t2", peer)
	p.ReturnIdle(peer)

	tasks := p.Disconnect("p1")
	if len(tasks) != 2 || tasks[0] != "t1" || tasks[1] != "t2" {
		t.Errorf("Disconnect() tasks = %v, want [t1 t2]", tasks)
	}
	if p.IsConnected("p1") || p.IsIdle("p1") {
		t.Error("disconnected peer still connected or idle")
	}
	if _, ok := p.AssigneeOf("t1"); ok {
		t.Error("assignment survived disconnect")
	}
	if p.ReturnIdle("p1") {
		t.Error("ReturnIdle() accepted a disconnected peer")
	}
}

func TestWorkerPool_InvariantUnderChurn(t *testing.T) {
	p := newTestPool(t)
	rng := rand.New(rand.NewSource(42))
	peers := []string{"a", "b", "c", "d"}
	for i := 0; i < 500; i++ {
		peer := peers[rng.Intn(len(peers))]
		switch rng.Intn(4) {
		case 0:
			p.Connect(peer)
		case 1:
			p.Disconnect(peer)
		case 2:
			if got, ok := p.Select(domain.DelegateRandom); ok {
				p.Assign("task-"+got, got)
			}
		case 3:
			if got, ok := p.Release("task-" + peer); ok {
				p.ReturnIdle(got)
			}
		}
		for _, idle := range p.Idle() {
			if !p.IsConnected(idle) {
				t.Fatalf("step %d: disconnected peer %q in idle queue", i, idle)
			}
		}
		for task, assignee := range p.Assignments() {
			if !p.IsConnected(assignee) {
				t.Fatalf("step %d: task %s assigned to disconnected %q", i, task, assignee)
			}
			if p.IsIdle(assignee) && task == "task-"+assignee {
				t.Fatalf("step %d: peer %q idle while holding %s", i, assignee, task)
			}
		}
	}
}
