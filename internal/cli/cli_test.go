package cli

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tutu-network/conductor/internal/domain"
)

func withNode(t *testing.T, h http.HandlerFunc) *apiClient {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	old := nodeAddr
	nodeAddr = ts.URL
	t.Cleanup(func() { nodeAddr = old })
	return newAPIClient()
}

func TestAPIClient_DecodesData(t *testing.T) {
	c := withNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"ok":true,"data":{"job_id":"j1"}}`))
	})
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.call("POST", "/api/jobs", map[string]string{"application_id": "echo"}, &out); err != nil {
		t.Fatalf("call() error: %v", err)
	}
	if out.JobID != "j1" {
		t.Errorf("job_id = %q, want j1", out.JobID)
	}
}

func TestAPIClient_FailedAck(t *testing.T) {
	c := withNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"code":"not_found","message":"application \"x\" not found"}`))
	})
	err := c.call("GET", "/api/applications", nil, nil)
	var ae *ackError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want *ackError", err)
	}
	if ae.Code != domain.CodeNotFound {
		t.Errorf("code = %q, want not_found", ae.Code)
	}
}

func TestWorkerEndpoint(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:7420": "ws://127.0.0.1:7420/ws/worker",
		"https://node.example/": "wss://node.example/ws/worker",
		"10.0.0.5:7420":         "ws://10.0.0.5:7420/ws/worker",
	}
	old := nodeAddr
	defer func() { nodeAddr = old }()
	for in, want := range tests {
		nodeAddr = in
		if got := workerEndpoint(); got != want {
			t.Errorf("workerEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseJSONFlag(t *testing.T) {
	if raw, err := parseJSONFlag("params", ""); err != nil || raw != nil {
		t.Errorf("empty = %s, %v", raw, err)
	}
	if _, err := parseJSONFlag("params", `{"a":`); err == nil {
		t.Error("invalid JSON should fail")
	}
	if raw, err := parseJSONFlag("params", `{"a":1}`); err != nil || string(raw) != `{"a":1}` {
		t.Errorf("valid = %s, %v", raw, err)
	}
}

// ─── Progress ───────────────────────────────────────────────────────────────

func TestRenderBar(t *testing.T) {
	if got := renderBar(0, 3); got != strings.Repeat(".", barWidth) {
		t.Errorf("renderBar(0, 3) = %q", got)
	}
	if got := renderBar(3, 3); got != strings.Repeat("=", barWidth) {
		t.Errorf("renderBar(3, 3) = %q", got)
	}
	got := renderBar(1, 2)
	if len(got) != barWidth || !strings.Contains(got, ">") {
		t.Errorf("renderBar(1, 2) = %q", got)
	}
}

func TestProgressBar_Update(t *testing.T) {
	var sb strings.Builder
	p := newProgressBar(&sb)
	p.update(1, 3, "resize", p.started)
	if !strings.Contains(sb.String(), "step 2/3 | resize | 0s") {
		t.Errorf("output = %q", sb.String())
	}
}
