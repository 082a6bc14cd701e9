package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/app/control"
	"github.com/tutu-network/conductor/internal/app/credit"
	"github.com/tutu-network/conductor/internal/app/orchestrator"
	"github.com/tutu-network/conductor/internal/app/sequencer"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/health"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
)

// localDispatcher runs requests inline under a lock, standing in for the
// daemon's event loop.
type localDispatcher struct {
	mu  sync.Mutex
	svc *control.Service
	err error
}

func (d *localDispatcher) Dispatch(_ context.Context, req control.Request) (domain.Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return domain.Ack{}, d.err
	}
	ack, _ := d.svc.HandleRequest("", req)
	return ack, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *localDispatcher) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	orch, err := orchestrator.New(db, nil, orchestrator.Options{Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	d := &localDispatcher{svc: control.New(orch, sequencer.New(db, orch), credit.NewService(db))}

	srv := NewServer(d, "test")
	srv.EnableMetrics()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, d
}

func do(t *testing.T, method, url, body string) (int, domain.Ack) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var ack domain.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return resp.StatusCode, ack
}

const echoApp = `{"id":"echo","steps":[{"id":"run","template":{"message":"hi"}}]}`

// ─── Health & Metadata ──────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealth_ReportsChecker(t *testing.T) {
	srv := NewServer(&localDispatcher{}, "test")
	stale := func() time.Time { return time.Time{} }
	c := health.NewChecker(pingOK{}, t.TempDir(), stale, time.Second).WithInterval(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()
	// the first pass runs immediately
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Statuses()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	srv.SetHealth(c)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with a stalled loop", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "event_loop") {
		t.Errorf("body = %s, want event_loop check", rec.Body.String())
	}
}

type pingOK struct{}

func (pingOK) Ping() error { return nil }

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

// ─── Applications ───────────────────────────────────────────────────────────

func TestApplications_RegisterAndList(t *testing.T) {
	ts, _ := newTestServer(t)

	code, ack := do(t, http.MethodPost, ts.URL+"/api/applications", echoApp)
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("register = %d %+v", code, ack)
	}

	code, ack = do(t, http.MethodGet, ts.URL+"/api/applications", "")
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	apps, _ := json.Marshal(ack.Data)
	if !strings.Contains(string(apps), `"id":"echo"`) {
		t.Errorf("applications = %s", apps)
	}
}

func TestApplications_SchemaViolations(t *testing.T) {
	ts, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"steps":[]}`},
		{"step without id", `{"id":"a","steps":[{"template":{}}]}`},
		{"bad delegation", `{"id":"a","steps":[{"id":"s","delegation":"loudest"}]}`},
		{"not json", `{"id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ack := do(t, http.MethodPost, ts.URL+"/api/applications", tt.body)
			if code != http.StatusBadRequest || ack.Code != domain.CodeInvalidArgument {
				t.Errorf("status = %d, ack = %+v; want 400 invalid_argument", code, ack)
			}
		})
	}
}

// ─── Tasks & Jobs ───────────────────────────────────────────────────────────

func TestTasks_CreateAndErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/api/applications", echoApp)

	code, ack := do(t, http.MethodPost, ts.URL+"/api/tasks", `{"task_id":"t1","application_id":"echo","step_id":"run"}`)
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("create = %d %+v", code, ack)
	}
	code, ack = do(t, http.MethodPost, ts.URL+"/api/tasks", `{"task_id":"t1","application_id":"echo","step_id":"run"}`)
	if code != http.StatusConflict || ack.Code != domain.CodeAlreadyExists {
		t.Errorf("duplicate = %d %+v, want 409 already_exists", code, ack)
	}
	code, ack = do(t, http.MethodPost, ts.URL+"/api/tasks", `{"application_id":"nope","step_id":"run"}`)
	if code != http.StatusNotFound {
		t.Errorf("unknown app = %d %+v, want 404", code, ack)
	}
	code, _ = do(t, http.MethodPost, ts.URL+"/api/tasks", `{"application_id":"echo","step_id":"run","reward":-1}`)
	if code != http.StatusBadRequest {
		t.Errorf("negative reward = %d, want 400", code)
	}

	code, ack = do(t, http.MethodGet, ts.URL+"/api/status", "")
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("status = %d %+v", code, ack)
	}
	st, _ := json.Marshal(ack.Data)
	if !strings.Contains(string(st), `"live_tasks":1`) {
		t.Errorf("status = %s, want one live task", st)
	}
}

func TestJobs_SubmitAndList(t *testing.T) {
	ts, _ := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/api/applications", echoApp)

	code, ack := do(t, http.MethodPost, ts.URL+"/api/jobs", `{"job_id":"j1","application_id":"echo","params":{"x":1}}`)
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("submit = %d %+v", code, ack)
	}
	code, ack = do(t, http.MethodPost, ts.URL+"/api/jobs", `{"job_id":"j1","application_id":"echo"}`)
	if code != http.StatusConflict {
		t.Errorf("resubmit = %d %+v, want 409", code, ack)
	}

	code, ack = do(t, http.MethodGet, ts.URL+"/api/jobs", "")
	jobs, _ := json.Marshal(ack.Data)
	if code != http.StatusOK || !strings.Contains(string(jobs), `"job_id":"j1"`) {
		t.Errorf("jobs = %d %s", code, jobs)
	}

	code, ack = do(t, http.MethodGet, ts.URL+"/api/tasks/completed", "")
	if code != http.StatusOK || !ack.OK {
		t.Errorf("completed = %d %+v", code, ack)
	}
	code, ack = do(t, http.MethodGet, ts.URL+"/api/credits", "")
	if code != http.StatusOK || !ack.OK {
		t.Errorf("credits = %d %+v", code, ack)
	}
}

func TestDispatchFailure(t *testing.T) {
	ts, d := newTestServer(t)
	d.err = errors.New("node is shutting down")
	code, ack := do(t, http.MethodGet, ts.URL+"/api/status", "")
	if code != http.StatusServiceUnavailable || ack.OK {
		t.Errorf("status = %d %+v, want 503", code, ack)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/jobs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[domain.Code]int{
		"":                         http.StatusOK,
		domain.CodeInvalidArgument: http.StatusBadRequest,
		domain.CodeNotFound:        http.StatusNotFound,
		domain.CodeUnauthorized:    http.StatusForbidden,
		domain.CodeConflict:        http.StatusConflict,
		domain.CodeAlreadyExists:   http.StatusConflict,
		domain.CodeStorage:         http.StatusServiceUnavailable,
		domain.CodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%q) = %d, want %d", code, got, want)
		}
	}
}
