package workflow

import "container/heap"

// ─── Timer Queue ────────────────────────────────────────────────────────────
// Indexed min-heap of (due, task) entries. At most one entry per task:
// scheduling again replaces the previous deadline. Cancel is O(log n).

type timerEntry struct {
	dueMs  int64
	seq    uint64
	taskID string
	index  int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].dueMs != h[j].dueMs {
		return h[i].dueMs < h[j].dueMs
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerQueue schedules per-task deadlines in milliseconds.
type TimerQueue struct {
	heap  timerHeap
	byKey map[string]*timerEntry
	seq   uint64
}

// NewTimerQueue creates an empty queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{byKey: make(map[string]*timerEntry)}
}

// Schedule sets the deadline for taskID, replacing any pending one.
func (q *TimerQueue) Schedule(taskID string, dueMs int64) {
	q.seq++
	if e, ok := q.byKey[taskID]; ok {
		e.dueMs = dueMs
		e.seq = q.seq
		heap.Fix(&q.heap, e.index)
		return
	}
	e := &timerEntry{dueMs: dueMs, seq: q.seq, taskID: taskID}
	heap.Push(&q.heap, e)
	q.byKey[taskID] = e
}

// Cancel removes the pending deadline for taskID. It is idempotent.
func (q *TimerQueue) Cancel(taskID string) bool {
	e, ok := q.byKey[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byKey, taskID)
	return true
}

// Due reports the deadline of taskID, if one is pending.
func (q *TimerQueue) Due(taskID string) (int64, bool) {
	e, ok := q.byKey[taskID]
	if !ok {
		return 0, false
	}
	return e.dueMs, true
}

// PopDue removes and returns every task whose deadline is <= nowMs, in
// ascending deadline order (ties in scheduling order).
func (q *TimerQueue) PopDue(nowMs int64) []string {
	var due []string
	for q.heap.Len() > 0 && q.heap[0].dueMs <= nowMs {
		e := heap.Pop(&q.heap).(*timerEntry)
		delete(q.byKey, e.taskID)
		due = append(due, e.taskID)
	}
	return due
}

// Len returns the number of pending deadlines.
func (q *TimerQueue) Len() int { return q.heap.Len() }
