package scheduler

import (
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Retry Queue Tests ──────────────────────────────────────────────────────

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func entryFor(taskID string) RetryEntry {
	return RetryEntry{Notification: domain.StepCompleted{TaskID: taskID}, Error: "storage failure"}
}

func TestRetryQueue_ScheduleAndDrain(t *testing.T) {
	rq := NewRetryQueue(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	})

	if !rq.ScheduleRetry(entryFor("j1::step::0"), t0) {
		t.Fatal("expected ScheduleRetry to succeed for first retry")
	}
	if rq.Len() != 1 {
		t.Fatalf("expected 1 pending retry, got %d", rq.Len())
	}

	if ready := rq.DrainReady(t0.Add(500 * time.Millisecond)); len(ready) != 0 {
		t.Fatalf("entry should not be ready before its backoff, got %d", len(ready))
	}

	ready := rq.DrainReady(t0.Add(time.Second))
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready retry, got %d", len(ready))
	}
	if ready[0].Notification.TaskID != "j1::step::0" {
		t.Errorf("got task ID %q, want j1::step::0", ready[0].Notification.TaskID)
	}
	if ready[0].Attempt != 1 || !ready[0].FailedAt.Equal(t0) {
		t.Errorf("entry = %+v, want attempt 1 failed at t0", ready[0])
	}
	if rq.Len() != 0 {
		t.Errorf("Len() after drain = %d, want 0", rq.Len())
	}
}

func TestRetryQueue_MaxRetriesExhausted(t *testing.T) {
	rq := NewRetryQueue(RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	})

	entry := entryFor("j1::step::1")
	if !rq.ScheduleRetry(entry, t0) {
		t.Fatal("retry 1 should succeed")
	}
	entry.Attempt = 1
	if !rq.ScheduleRetry(entry, t0) {
		t.Fatal("retry 2 should succeed")
	}
	entry.Attempt = 2
	if rq.ScheduleRetry(entry, t0) {
		t.Fatal("retry 3 should fail (exceeds MaxRetries=2)")
	}

	stats := rq.RetryStats()
	if stats.TotalExhausted != 1 || stats.TotalRetries != 2 {
		t.Errorf("stats = %+v, want 2 retries and 1 exhausted", stats)
	}
}

func TestRetryQueue_ExponentialBackoff(t *testing.T) {
	rq := NewRetryQueue(RetryConfig{
		MaxRetries: 10,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
	})
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	}
	for i, w := range want {
		if got := rq.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryQueue_Ordering(t *testing.T) {
	rq := NewRetryQueue(RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	})

	late := entryFor("late")
	late.Attempt = 2 // next backoff 4s
	rq.ScheduleRetry(late, t0)
	rq.ScheduleRetry(entryFor("b"), t0)
	rq.ScheduleRetry(entryFor("a"), t0)

	ready := rq.DrainReady(t0.Add(time.Minute))
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready, got %d", len(ready))
	}
	got := []string{ready[0].Notification.TaskID, ready[1].Notification.TaskID, ready[2].Notification.TaskID}
	if got[0] != "a" || got[1] != "b" || got[2] != "late" {
		t.Errorf("order = %v, want [a b late]", got)
	}
}

func TestRetryQueue_EmptyQueue(t *testing.T) {
	rq := NewRetryQueue(RetryConfig{})

	if ready := rq.DrainReady(t0); len(ready) != 0 {
		t.Errorf("empty drain should return 0 items, got %d", len(ready))
	}
	if rq.Backoff(1) != DefaultRetryConfig().BaseDelay {
		t.Errorf("zero config should take default base delay, got %v", rq.Backoff(1))
	}
}
