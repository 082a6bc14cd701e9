package redisstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/conductor/internal/domain"
)

// setupStore creates a test store backed by miniredis.
func setupStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(client, opts...)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func activeTask(id, state string) domain.ActiveTaskRecord {
	return domain.ActiveTaskRecord{
		TaskID:     id,
		WorkflowID: "default",
		State:      state,
		Payload:    domain.TaskPayload{ApplicationID: "app", StepID: "s1", Reward: 3},
		Events:     []domain.Event{domain.NewEvent(domain.EventWorkerAssigned, domain.WorkerEvent{Peer: "w1"})},
	}
}

func TestStore_Ping(t *testing.T) {
	store, _ := setupStore(t)
	assert.NoError(t, store.Ping())
}

func TestOpen_ConnectsAndFails(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := Open(mr.Addr(), WithPrefix("x"), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "x:jobs", store.key("jobs"))
	store.Close()

	mr.Close()
	_, err = Open(mr.Addr(), WithTimeout(100*time.Millisecond))
	assert.Error(t, err)
}

func TestStore_ActiveTasks(t *testing.T) {
	store, _ := setupStore(t)

	require.NoError(t, store.PersistActiveTask(activeTask("b", "Assign")))
	require.NoError(t, store.PersistActiveTask(activeTask("a", "Assign")))
	require.NoError(t, store.PersistActiveTask(activeTask("b", "InProgress")))

	recs, err := store.LoadActiveTasks()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].TaskID)
	assert.Equal(t, "InProgress", recs[1].State)
	assert.Equal(t, uint64(3), recs[1].Payload.Reward)
	require.Len(t, recs[1].Events, 1)
	we, ok := domain.DecodeWorkerEvent(recs[1].Events[0])
	require.True(t, ok)
	assert.Equal(t, "w1", we.Peer)

	require.NoError(t, store.RemoveActiveTask("a"))
	recs, err = store.LoadActiveTasks()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_ArchiveTask(t *testing.T) {
	store, _ := setupStore(t)
	require.NoError(t, store.PersistActiveTask(activeTask("t1", "Completed")))

	finished := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.ArchiveTask(domain.CompletedTaskRecord{
		TaskID:     "t1",
		Result:     json.RawMessage(`{"ok":true}`),
		FinishedAt: finished,
	}))

	active, err := store.LoadActiveTasks()
	require.NoError(t, err)
	assert.Empty(t, active)

	done, err := store.LoadCompletedTasks()
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.JSONEq(t, `{"ok":true}`, string(done[0].Result))
	assert.True(t, done[0].FinishedAt.Equal(finished))
}

func TestStore_Applications(t *testing.T) {
	store, _ := setupStore(t)

	missing, err := store.GetApplication("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.PutApplication(domain.Application{ID: "b", Steps: []domain.Step{{ID: "s"}}}))
	require.NoError(t, store.PutApplication(domain.Application{ID: "a"}))

	got, err := store.GetApplication("b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"s"}, got.StepOrder())

	all, err := store.LoadApplications()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
}

func TestStore_Jobs(t *testing.T) {
	store, _ := setupStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.PersistJob(domain.SequenceRecord{JobID: "late", CreatedAt: base.Add(time.Minute), StepOrder: []string{"x"}}))
	require.NoError(t, store.PersistJob(domain.SequenceRecord{
		JobID:     "early",
		CreatedAt: base,
		StepOrder: []string{"x", "y"},
		Context:   map[string]json.RawMessage{"x": json.RawMessage(`1`)},
	}))

	jobs, err := store.LoadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "early", jobs[0].JobID)

	got, err := store.GetJob("early")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.CurrentStepID())
	assert.JSONEq(t, `1`, string(got.Context["x"]))

	require.NoError(t, store.RemoveJob("early"))
	require.NoError(t, store.RemoveJob("early"))
	got, err = store.GetJob("early")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Receipts(t *testing.T) {
	store, _ := setupStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutReceipt(domain.Receipt{TaskID: "t1", TaskNumber: 1 << 63, Worker: "w1", Reward: 5, Nullifier: "n1", IssuedAt: base}))
	require.NoError(t, store.PutReceipt(domain.Receipt{TaskID: "t2", Worker: "w2", Nullifier: "n2", IssuedAt: base.Add(time.Second)}))

	// re-issuing for the same task is allowed
	require.NoError(t, store.PutReceipt(domain.Receipt{TaskID: "t1", TaskNumber: 1 << 63, Worker: "w1", Reward: 6, Nullifier: "n1", IssuedAt: base}))

	err := store.PutReceipt(domain.Receipt{TaskID: "t3", Nullifier: "n1", IssuedAt: base})
	assert.ErrorIs(t, err, ErrNullifierReused)

	all, err := store.Receipts(0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].TaskID)
	assert.Equal(t, uint64(1<<63), all[1].TaskNumber)
	assert.Equal(t, uint64(6), all[1].Reward)

	one, err := store.Receipts(1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestStore_PrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	a := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithPrefix("a"))
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithPrefix("b"))
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.PutApplication(domain.Application{ID: "only-a"}))
	apps, err := b.LoadApplications()
	require.NoError(t, err)
	assert.Empty(t, apps)
	assert.True(t, mr.Exists("a:applications"))
}
