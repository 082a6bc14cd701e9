package sqlite

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTask(id string) domain.ActiveTaskRecord {
	return domain.ActiveTaskRecord{
		TaskID:     id,
		WorkflowID: "default",
		State:      "InProgress",
		Payload: domain.TaskPayload{
			ApplicationID: "echo",
			StepID:        "run",
			Reward:        10,
			TimeLimitMs:   30000,
			TemplateData:  json.RawMessage(`{"text":"hi"}`),
			CreatedAt:     time.UnixMilli(1_700_000_000_000).UTC(),
		},
		Events: []domain.Event{
			domain.NewEvent(domain.EventWorkerAssigned, domain.WorkerEvent{Peer: "p1", Timestamp: 1}),
			domain.NewEvent(domain.EventWorkerAccepted, domain.WorkerEvent{Peer: "p1", Timestamp: 2}),
		},
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		db, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() #%d error: %v", i, err)
		}
		db.Close()
	}
}

// ─── Active Tasks ───────────────────────────────────────────────────────────

func TestActiveTask_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	want := sampleTask("t1")
	if err := db.PersistActiveTask(want); err != nil {
		t.Fatalf("PersistActiveTask() error: %v", err)
	}

	recs, err := db.LoadActiveTasks()
	if err != nil {
		t.Fatalf("LoadActiveTasks() error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	got := recs[0]
	if got.State != want.State || got.Completed != want.Completed || got.WorkflowID != want.WorkflowID {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.Payload.CreatedAt.Equal(want.Payload.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.Payload.CreatedAt, want.Payload.CreatedAt)
	}
	if string(got.Payload.TemplateData) != string(want.Payload.TemplateData) {
		t.Errorf("TemplateData = %s, want %s", got.Payload.TemplateData, want.Payload.TemplateData)
	}
	if len(got.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(got.Events))
	}
	for i := range want.Events {
		if got.Events[i].Name != want.Events[i].Name || string(got.Events[i].Payload) != string(want.Events[i].Payload) {
			t.Errorf("Events[%d] = %+v, want %+v", i, got.Events[i], want.Events[i])
		}
	}
}

func TestActiveTask_UpsertAndRemove(t *testing.T) {
	db := newTestDB(t)
	rec := sampleTask("t1")
	db.PersistActiveTask(rec)
	rec.State = "Assign"
	rec.Events = append(rec.Events, domain.NewEvent(domain.EventTimeout, nil))
	if err := db.PersistActiveTask(rec); err != nil {
		t.Fatalf("second PersistActiveTask() error: %v", err)
	}
	recs, _ := db.LoadActiveTasks()
	if len(recs) != 1 || recs[0].State != "Assign" || len(recs[0].Events) != 3 {
		t.Errorf("after upsert: %+v", recs)
	}

	if err := db.RemoveActiveTask("t1"); err != nil {
		t.Fatalf("RemoveActiveTask() error: %v", err)
	}
	if err := db.RemoveActiveTask("t1"); err != nil {
		t.Errorf("second RemoveActiveTask() error: %v", err)
	}
	recs, _ = db.LoadActiveTasks()
	if len(recs) != 0 {
		t.Errorf("len(recs) = %d, want 0", len(recs))
	}
}

func TestArchiveTask_MovesRecord(t *testing.T) {
	db := newTestDB(t)
	rec := sampleTask("t1")
	db.PersistActiveTask(rec)

	finished := time.UnixMilli(1_700_000_005_000).UTC()
	err := db.ArchiveTask(domain.CompletedTaskRecord{
		TaskID:     "t1",
		Payload:    rec.Payload,
		Events:     rec.Events,
		Result:     json.RawMessage(`{"v":1}`),
		FinishedAt: finished,
	})
	if err != nil {
		t.Fatalf("ArchiveTask() error: %v", err)
	}

	active, _ := db.LoadActiveTasks()
	if len(active) != 0 {
		t.Errorf("active tasks = %d, want 0", len(active))
	}
	done, err := db.LoadCompletedTasks()
	if err != nil {
		t.Fatalf("LoadCompletedTasks() error: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("completed = %d, want 1", len(done))
	}
	if string(done[0].Result) != `{"v":1}` {
		t.Errorf("Result = %s, want {\"v\":1}", done[0].Result)
	}
	if !done[0].FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", done[0].FinishedAt, finished)
	}
}

// ─── Applications ───────────────────────────────────────────────────────────

func TestApplications(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetApplication("missing")
	if err != nil || got != nil {
		t.Fatalf("GetApplication(missing) = %v, %v; want nil, nil", got, err)
	}

	app := domain.Application{ID: "pipeline", Steps: []domain.Step{
		{ID: "a", Capabilities: []string{"gpu"}, Delegation: domain.DelegateRandom},
		{ID: "b", Template: json.RawMessage(`{"step":"a"}`)},
	}}
	if err := db.PutApplication(app); err != nil {
		t.Fatalf("PutApplication() error: %v", err)
	}
	app.Name = "renamed"
	db.PutApplication(app)
	db.PutApplication(domain.Application{ID: "echo"})

	got, err = db.GetApplication("pipeline")
	if err != nil || got == nil {
		t.Fatalf("GetApplication() = %v, %v", got, err)
	}
	if got.Name != "renamed" || len(got.Steps) != 2 || got.Steps[0].Delegation != domain.DelegateRandom {
		t.Errorf("GetApplication() = %+v", got)
	}

	all, _ := db.LoadApplications()
	if len(all) != 2 || all[0].ID != "echo" {
		t.Errorf("LoadApplications() = %+v", all)
	}
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

func TestJobs(t *testing.T) {
	db := newTestDB(t)
	rec := domain.SequenceRecord{
		JobID:         "job-1",
		ApplicationID: "pipeline",
		StepOrder:     []string{"a", "b"},
		Context:       map[string]json.RawMessage{"a": json.RawMessage(`{"result":"X"}`)},
		CreatedAt:     time.Now(),
	}
	if err := db.PersistJob(rec); err != nil {
		t.Fatalf("PersistJob() error: %v", err)
	}
	rec.CurrentStep = 1
	db.PersistJob(rec)

	got, err := db.GetJob("job-1")
	if err != nil || got == nil {
		t.Fatalf("GetJob() = %v, %v", got, err)
	}
	if got.CurrentStep != 1 || got.CurrentStepID() != "b" {
		t.Errorf("CurrentStep = %d (%s), want 1 (b)", got.CurrentStep, got.CurrentStepID())
	}
	if string(got.Context["a"]) != `{"result":"X"}` {
		t.Errorf("Context[a] = %s", got.Context["a"])
	}

	jobs, _ := db.LoadJobs()
	if len(jobs) != 1 {
		t.Errorf("LoadJobs() = %d, want 1", len(jobs))
	}
	db.RemoveJob("job-1")
	if got, _ := db.GetJob("job-1"); got != nil {
		t.Error("GetJob() after RemoveJob should be nil")
	}
}

// ─── Receipts ───────────────────────────────────────────────────────────────

func TestReceipts(t *testing.T) {
	db := newTestDB(t)
	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"t1", "t2", "t3"} {
		err := db.PutReceipt(domain.Receipt{
			TaskID:     id,
			TaskNumber: ^uint64(0) - uint64(i),
			Worker:     "p1",
			Reward:     5,
			Nullifier:  "n-" + id,
			IssuedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("PutReceipt(%s) error: %v", id, err)
		}
	}

	got, err := db.Receipts(2)
	if err != nil {
		t.Fatalf("Receipts() error: %v", err)
	}
	if len(got) != 2 || got[0].TaskID != "t3" {
		t.Fatalf("Receipts(2) = %+v, want newest first", got)
	}
	if got[0].TaskNumber != ^uint64(0)-2 {
		t.Errorf("TaskNumber = %d, want max-2", got[0].TaskNumber)
	}

	dup := domain.Receipt{TaskID: "t4", Worker: "p1", Nullifier: "n-t1", IssuedAt: base}
	if err := db.PutReceipt(dup); err == nil {
		t.Error("PutReceipt() accepted a reused nullifier")
	}
}
