// Package api provides the HTTP control API for a conductor node.
// Every mutating request is validated against an embedded JSON schema and
// then handed to the node's event loop; replies are structured acks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/tutu-network/conductor/internal/app/control"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/health"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Dispatcher runs a control request on the node's event loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, req control.Request) (domain.Ack, error)
}

// Server is the conductor HTTP API server.
type Server struct {
	dispatcher     Dispatcher
	version        string
	metricsEnabled bool
	health         *health.Checker
	workers        http.Handler // websocket hub (nil if not set)
}

// NewServer creates a new API server.
func NewServer(d Dispatcher, version string) *Server {
	return &Server{dispatcher: d, version: version}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth sets the health checker reported by /health.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// SetWorkerHandler mounts the worker websocket endpoint at /ws/worker.
func (s *Server) SetWorkerHandler(h http.Handler) { s.workers = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(corsMiddleware)

		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
		})
		r.Get("/status", s.simple(control.KindStatus))

		r.Get("/applications", s.simple(control.KindListApplications))
		r.Post("/applications", s.validated(control.KindRegisterApplication, applicationSchema))

		r.Post("/tasks", s.validated(control.KindCreateTask, taskSchema))
		r.Get("/tasks/completed", s.simple(control.KindCompletedTasks))

		r.Get("/jobs", s.simple(control.KindListJobs))
		r.Post("/jobs", s.validated(control.KindSubmitJob, jobSchema))

		r.Get("/credits", s.simple(control.KindBalances))
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Worker transport
	if s.workers != nil {
		r.Handle("/ws/worker", s.workers)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// simple serves a request kind that takes no body.
func (s *Server) simple(kind control.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, control.Request{Kind: kind, ID: middleware.GetReqID(r.Context())})
	}
}

// validated serves a request kind whose body must match schema.
func (s *Server) validated(kind control.Kind, schema *gojsonschema.Schema) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeAck(w, domain.Fail(fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err)))
			return
		}
		if err := validateBody(schema, body); err != nil {
			writeAck(w, domain.Fail(err))
			return
		}
		s.dispatch(w, r, control.Request{
			Kind: kind,
			ID:   middleware.GetReqID(r.Context()),
			Body: json.RawMessage(body),
		})
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req control.Request) {
	ack, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, domain.Ack{OK: false, Code: domain.CodeInternal, Message: err.Error()})
		return
	}
	writeAck(w, ack)
}

// ─── Responses ──────────────────────────────────────────────────────────────

// StatusFor maps an ack code to its HTTP status.
func StatusFor(code domain.Code) int {
	switch code {
	case "":
		return http.StatusOK
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeConflict, domain.CodeAlreadyExists:
		return http.StatusConflict
	case domain.CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAck(w http.ResponseWriter, ack domain.Ack) {
	status := http.StatusOK
	if !ack.OK {
		status = StatusFor(ack.Code)
	}
	writeJSON(w, status, ack)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
