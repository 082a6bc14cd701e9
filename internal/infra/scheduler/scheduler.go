// Package scheduler holds the assignment-side bookkeeping of the orchestrator:
//
//   - Scheduler: the FIFO of tasks waiting for a worker (deduplicated)
//   - WorkerPool: idle FIFO, connected set and task → peer assignments
//   - Select: delegation strategies (round robin, random, single)
//
// Both types have a single owner (the orchestrator's event loop) and do no
// locking of their own.
package scheduler

// ─── Pending-Assignment Queue ───────────────────────────────────────────────

// Scheduler is the queue of tasks awaiting assignment. A task is queued at
// most once.
type Scheduler struct {
	queue  []string
	queued map[string]bool

	totalEnqueued int64
	totalDrained  int64
	totalRequeued int64
}

// NewScheduler creates an empty queue.
func NewScheduler() *Scheduler {
	return &Scheduler{queued: make(map[string]bool)}
}

// Enqueue appends a task. It returns false if the task is already queued.
func (s *Scheduler) Enqueue(taskID string) bool {
	if s.queued[taskID] {
		return false
	}
	s.queue = append(s.queue, taskID)
	s.queued[taskID] = true
	s.totalEnqueued++
	return true
}

// Drain removes and returns every queued task in FIFO order.
func (s *Scheduler) Drain() []string {
	out := s.queue
	s.queue = nil
	for _, id := range out {
		delete(s.queued, id)
	}
	s.totalDrained += int64(len(out))
	return out
}

// Requeue puts tasks that could not be assigned back at the head of the
// queue, keeping their relative order.
func (s *Scheduler) Requeue(taskIDs []string) {
	if len(taskIDs) == 0 {
		return
	}
	head := make([]string, 0, len(taskIDs)+len(s.queue))
	for _, id := range taskIDs {
		if s.queued[id] {
			continue
		}
		head = append(head, id)
		s.queued[id] = true
	}
	s.queue = append(head, s.queue...)
	s.totalRequeued += int64(len(head))
}

// Remove drops a task from the queue.
func (s *Scheduler) Remove(taskID string) {
	if !s.queued[taskID] {
		return
	}
	delete(s.queued, taskID)
	for i, id := range s.queue {
		if id == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Contains reports whether a task is queued.
func (s *Scheduler) Contains(taskID string) bool { return s.queued[taskID] }

// QueueDepth returns the number of queued tasks.
func (s *Scheduler) QueueDepth() int { return len(s.queue) }

// Pending returns a copy of the queue.
func (s *Scheduler) Pending() []string {
	return append([]string(nil), s.queue...)
}

// Stats holds queue statistics.
type Stats struct {
	QueueDepth    int   `json:"queue_depth"`
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalDrained  int64 `json:"total_drained"`
	TotalRequeued int64 `json:"total_requeued"`
}

// Stats returns current queue statistics.
func (s *Scheduler) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.queue),
		TotalEnqueued: s.totalEnqueued,
		TotalDrained:  s.totalDrained,
		TotalRequeued: s.totalRequeued,
	}
}
