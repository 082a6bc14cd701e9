// Package control is the node facade driven by the daemon's event loop. It
// turns control requests, worker messages, connects, disconnects and ticks
// into orchestrator and sequencer calls, then feeds step completions to the
// sequencer until no notification is left.
//
// A Service is not safe for concurrent use; the daemon calls it from one
// goroutine.
package control

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/conductor/internal/app/credit"
	"github.com/tutu-network/conductor/internal/app/orchestrator"
	"github.com/tutu-network/conductor/internal/app/sequencer"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/scheduler"
)

// Kind names a control request.
type Kind string

const (
	KindRegisterApplication Kind = "register_application"
	KindListApplications    Kind = "list_applications"
	KindCreateTask          Kind = "create_task"
	KindSubmitJob           Kind = "submit_job"
	KindCompletedTasks      Kind = "completed_tasks"
	KindListJobs            Kind = "list_jobs"
	KindStatus              Kind = "status"
	KindBalances            Kind = "balances"
)

// Request is a control request from an operator or a peer.
type Request struct {
	ID   string          `json:"id,omitempty"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Status is the node snapshot served by the status request.
type Status struct {
	Orchestrator orchestrator.Stats   `json:"orchestrator"`
	ActiveJobs   int                  `json:"active_jobs"`
	Retries      scheduler.RetryStats `json:"retries"`
}

// Service is the node facade.
type Service struct {
	orch    *orchestrator.Orchestrator
	seq     *sequencer.Sequencer
	queue   *sequencer.Queue
	retries *scheduler.RetryQueue
	credits *credit.Service
	now     func() time.Time
}

// New wires the sequencer to the orchestrator's completion notifications.
// credits may be nil.
func New(orch *orchestrator.Orchestrator, seq *sequencer.Sequencer, credits *credit.Service) *Service {
	q := &sequencer.Queue{}
	orch.SetNotifier(q)
	return &Service{
		orch:    orch,
		seq:     seq,
		queue:   q,
		retries: scheduler.NewRetryQueue(scheduler.DefaultRetryConfig()),
		credits: credits,
		now:     time.Now,
	}
}

// WithRetryConfig sets the backoff for completions whose job could not be
// advanced.
func (s *Service) WithRetryConfig(cfg scheduler.RetryConfig) *Service {
	s.retries = scheduler.NewRetryQueue(cfg)
	return s
}

// WithTimeFunc overrides the clock used to schedule retries.
func (s *Service) WithTimeFunc(fn func() time.Time) *Service {
	s.now = fn
	return s
}

// Start recovers persisted tasks and restarts job steps that have no live
// task. It must run before any worker connects.
func (s *Service) Start() (orchestrator.RecoveryReport, []domain.NetworkAction, error) {
	report, err := s.orch.Recover()
	if err != nil {
		return report, nil, fmt.Errorf("recover tasks: %w", err)
	}
	// completions archived during recovery advance their jobs first
	actions := s.settle(nil)
	more, restarted, err := s.seq.Reconcile()
	if err != nil {
		return report, actions, fmt.Errorf("reconcile jobs: %w", err)
	}
	if restarted > 0 {
		log.Printf("[control] restarted %d job steps", restarted)
	}
	return report, append(actions, more...), nil
}

// ─── Worker Events ──────────────────────────────────────────────────────────

// WorkerConnected registers a worker and runs an assignment pass.
func (s *Service) WorkerConnected(peer string) []domain.NetworkAction {
	return s.settle(s.orch.HandleWorkerConnected(peer))
}

// WorkerDisconnected drops a worker and reassigns its tasks.
func (s *Service) WorkerDisconnected(peer string) []domain.NetworkAction {
	return s.settle(s.orch.HandleWorkerDisconnected(peer))
}

// TaskMessage handles accept, reject and completed messages from a worker.
func (s *Service) TaskMessage(peer string, msg domain.TaskMessage) ([]domain.NetworkAction, error) {
	actions, err := s.orch.HandleTaskMessage(peer, msg)
	return s.settle(actions), err
}

// Tick fires due timeouts and retries completions whose backoff expired.
func (s *Service) Tick(nowMs int64) []domain.NetworkAction {
	var actions []domain.NetworkAction
	now := time.UnixMilli(nowMs)
	for _, e := range s.retries.DrainReady(now) {
		more, err := s.seq.HandleNotification(e.Notification)
		actions = append(actions, more...)
		if err != nil {
			s.retry(e, err, now)
			continue
		}
		log.Printf("[control] advanced job for task %s after %d retries", e.Notification.TaskID, e.Attempt)
	}
	return s.settle(append(actions, s.orch.OnTick(nowMs)...))
}

// retry schedules another attempt for a failed completion. Once retries are
// exhausted the job waits for reconciliation at the next start.
func (s *Service) retry(e scheduler.RetryEntry, err error, now time.Time) {
	e.Error = err.Error()
	if !s.retries.ScheduleRetry(e, now) {
		log.Printf("[control] giving up on task %s after %d retries: %v", e.Notification.TaskID, e.Attempt, err)
	}
}

// settle hands queued completions to the sequencer. Starting a next step
// never completes a task synchronously, but the loop tolerates it.
func (s *Service) settle(actions []domain.NetworkAction) []domain.NetworkAction {
	for s.queue.Len() > 0 {
		for _, n := range s.queue.Drain() {
			more, err := s.seq.HandleNotification(n)
			actions = append(actions, more...)
			if err != nil {
				log.Printf("[control] advance job for task %s: %v", n.TaskID, err)
				s.retry(scheduler.RetryEntry{Notification: n}, err, s.now())
			}
		}
	}
	return actions
}

// ─── Requests ───────────────────────────────────────────────────────────────

// HandleRequest executes a control request. peer is the requesting peer, or
// "" for the local operator.
func (s *Service) HandleRequest(peer string, req Request) (domain.Ack, []domain.NetworkAction) {
	data, actions, err := s.dispatch(req)
	actions = s.settle(actions)
	if err != nil {
		if peer != "" {
			log.Printf("[control] %s request from %s: %v", req.Kind, peer, err)
		}
		return domain.Fail(err), actions
	}
	return domain.OK(data), actions
}

func (s *Service) dispatch(req Request) (any, []domain.NetworkAction, error) {
	switch req.Kind {
	case KindRegisterApplication:
		var app domain.Application
		if err := decodeBody(req.Body, &app); err != nil {
			return nil, nil, err
		}
		if err := s.orch.RegisterApplication(app); err != nil {
			return nil, nil, err
		}
		return map[string]string{"application_id": app.ID}, nil, nil

	case KindListApplications:
		return s.orch.Applications(), nil, nil

	case KindCreateTask:
		var sub domain.TaskSubmission
		if err := decodeBody(req.Body, &sub); err != nil {
			return nil, nil, err
		}
		id, actions, err := s.orch.CreateTask(sub)
		if err != nil {
			return nil, nil, err
		}
		return map[string]string{"task_id": id}, actions, nil

	case KindSubmitJob:
		var sub domain.JobSubmission
		if err := decodeBody(req.Body, &sub); err != nil {
			return nil, nil, err
		}
		id, actions, err := s.seq.SubmitJob(sub)
		if err != nil {
			return nil, nil, err
		}
		return map[string]string{"job_id": id}, actions, nil

	case KindCompletedTasks:
		recs, err := s.orch.CompletedTasks()
		return recs, nil, err

	case KindListJobs:
		jobs, err := s.seq.Jobs()
		return jobs, nil, err

	case KindStatus:
		st, err := s.Status()
		return st, nil, err

	case KindBalances:
		if s.credits == nil {
			return []credit.Balance{}, nil, nil
		}
		b, err := s.credits.Balances()
		return b, nil, err

	default:
		return nil, nil, fmt.Errorf("%w: unknown request kind %q", domain.ErrInvalidArgument, req.Kind)
	}
}

// Status returns the node snapshot.
func (s *Service) Status() (Status, error) {
	jobs, err := s.seq.Jobs()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Orchestrator: s.orch.Stats(),
		ActiveJobs:   len(jobs),
		Retries:      s.retries.RetryStats(),
	}, nil
}

// RegisterApplications registers a batch, typically from the catalog.
// Registration stops at the first failure.
func (s *Service) RegisterApplications(apps []domain.Application) error {
	for _, app := range apps {
		if err := s.orch.RegisterApplication(app); err != nil {
			return fmt.Errorf("register %s: %w", app.ID, err)
		}
	}
	return nil
}

// Application looks up a registered application.
func (s *Service) Application(id string) (domain.Application, bool) {
	return s.orch.Application(id)
}

func decodeBody(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: request body is required", domain.ErrInvalidArgument)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode request body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
