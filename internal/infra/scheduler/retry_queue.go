package scheduler

import (
	"container/heap"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Retry Queue ────────────────────────────────────────────────────────────
// Step completions whose job could not be advanced (usually a storage
// failure) are retried with exponential backoff. The min-heap orders
// entries by NextRetry. Not safe for concurrent use.

// RetryConfig configures the retry queue behavior.
type RetryConfig struct {
	MaxRetries int           // Maximum retry attempts before giving up
	BaseDelay  time.Duration // Initial backoff delay (doubles each retry)
	MaxDelay   time.Duration // Cap on backoff delay
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}

// RetryEntry tracks a step completion's retry state.
type RetryEntry struct {
	Notification domain.StepCompleted
	Attempt      int       // Retries scheduled so far (1 = first retry)
	NextRetry    time.Time // Earliest time this can be retried
	FailedAt     time.Time // When the last failure occurred
	Error        string    // Last failure reason
}

type retryHeap []RetryEntry

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if h[i].NextRetry.Equal(h[j].NextRetry) {
		return h[i].Notification.TaskID < h[j].Notification.TaskID
	}
	return h[i].NextRetry.Before(h[j].NextRetry)
}
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)   { *h = append(*h, x.(RetryEntry)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// RetryQueue schedules step-completion retries with exponential backoff.
type RetryQueue struct {
	config RetryConfig
	heap   retryHeap

	// Stats
	totalRetries   int64
	totalExhausted int64 // Entries that exceeded MaxRetries
}

// NewRetryQueue creates a retry queue. Zero config fields take defaults.
func NewRetryQueue(cfg RetryConfig) *RetryQueue {
	def := DefaultRetryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
	}
	return &RetryQueue{config: cfg}
}

// ScheduleRetry queues entry for another attempt after the backoff for its
// next attempt number. Returns false if the entry has exceeded MaxRetries.
func (rq *RetryQueue) ScheduleRetry(entry RetryEntry, now time.Time) bool {
	entry.Attempt++
	if entry.Attempt > rq.config.MaxRetries {
		rq.totalExhausted++
		return false
	}

	entry.FailedAt = now
	entry.NextRetry = now.Add(rq.Backoff(entry.Attempt))
	heap.Push(&rq.heap, entry)
	rq.totalRetries++
	return true
}

// Backoff returns the delay before attempt: BaseDelay * 2^(attempt-1),
// capped at MaxDelay.
func (rq *RetryQueue) Backoff(attempt int) time.Duration {
	delay := rq.config.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= rq.config.MaxDelay {
			return rq.config.MaxDelay
		}
	}
	return delay
}

// DrainReady pops every entry due at now, earliest first.
func (rq *RetryQueue) DrainReady(now time.Time) []RetryEntry {
	var ready []RetryEntry
	for rq.heap.Len() > 0 && !rq.heap[0].NextRetry.After(now) {
		ready = append(ready, heap.Pop(&rq.heap).(RetryEntry))
	}
	return ready
}

// Len returns the number of entries pending retry.
func (rq *RetryQueue) Len() int {
	return rq.heap.Len()
}

// RetryStats holds retry queue statistics.
type RetryStats struct {
	PendingRetries int   `json:"pending_retries"`
	TotalRetries   int64 `json:"total_retries"`
	TotalExhausted int64 `json:"total_exhausted"` // Exceeded MaxRetries
}

// RetryStats returns current retry queue statistics.
func (rq *RetryQueue) RetryStats() RetryStats {
	return RetryStats{
		PendingRetries: rq.heap.Len(),
		TotalRetries:   rq.totalRetries,
		TotalExhausted: rq.totalExhausted,
	}
}
