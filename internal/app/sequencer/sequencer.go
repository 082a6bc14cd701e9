// Package sequencer threads a job through the ordered steps of an
// application. Each step runs as one task under the synthetic id
// "{job}::step::{index}"; when the task completes, its result is merged into
// the job context and the next step is started with its template resolved
// against that context.
//
// The Sequencer shares the orchestrator's single mutator and reaches tasks
// only through the Orchestrator interface.
package sequencer

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// Orchestrator is what the sequencer needs from the task orchestrator.
type Orchestrator interface {
	Application(id string) (domain.Application, bool)
	CreateTask(sub domain.TaskSubmission) (string, []domain.NetworkAction, error)
	IsLive(taskID string) bool
	CompletedTasks() ([]domain.CompletedTaskRecord, error)
}

// Sequencer is the job sequencer.
type Sequencer struct {
	store domain.JobStore
	orch  Orchestrator
	now   func() time.Time

	// unsaved holds advanced records whose PersistJob failed. They are the
	// current truth for their job until a later write succeeds.
	unsaved map[string]domain.SequenceRecord
}

// New creates a sequencer.
func New(store domain.JobStore, orch Orchestrator) *Sequencer {
	return &Sequencer{
		store:   store,
		orch:    orch,
		now:     time.Now,
		unsaved: make(map[string]domain.SequenceRecord),
	}
}

// WithTimeFunc sets the clock for deterministic tests.
func (s *Sequencer) WithTimeFunc(fn func() time.Time) *Sequencer {
	s.now = fn
	return s
}

// SubmitJob validates a job, persists it at step 0 and starts that step.
// If the step cannot start, the job record is removed again.
func (s *Sequencer) SubmitJob(sub domain.JobSubmission) (string, []domain.NetworkAction, error) {
	if sub.JobID == "" {
		sub.JobID = uuid.NewString()
	}
	existing, err := s.store.GetJob(sub.JobID)
	if err != nil {
		return "", nil, fmt.Errorf("%w: get job %s: %v", domain.ErrStorage, sub.JobID, err)
	}
	if existing != nil {
		return "", nil, fmt.Errorf("%w: %q", domain.ErrJobExists, sub.JobID)
	}
	app, ok := s.orch.Application(sub.ApplicationID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", domain.ErrApplicationNotFound, sub.ApplicationID)
	}
	if len(app.Steps) == 0 {
		return "", nil, fmt.Errorf("%w: %q", domain.ErrEmptyApplication, app.ID)
	}
	if sub.StepID != "" && sub.StepID != app.Steps[0].ID {
		return "", nil, fmt.Errorf("%w: got %q, first step is %q", domain.ErrNotFirstStep, sub.StepID, app.Steps[0].ID)
	}
	if len(sub.Params) > 0 && !json.Valid(sub.Params) {
		return "", nil, fmt.Errorf("%w: params are not valid JSON", domain.ErrInvalidArgument)
	}

	now := s.now().UTC()
	rec := domain.SequenceRecord{
		JobID:         sub.JobID,
		ApplicationID: app.ID,
		StepOrder:     app.StepOrder(),
		Submission:    sub,
		Context:       map[string]json.RawMessage{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.PersistJob(rec); err != nil {
		return "", nil, fmt.Errorf("%w: persist job %s: %v", domain.ErrStorage, rec.JobID, err)
	}

	actions, err := s.startStep(rec, 0)
	if err != nil {
		if rmErr := s.store.RemoveJob(rec.JobID); rmErr != nil {
			metrics.StoreErrors.WithLabelValues("remove_job").Inc()
			log.Printf("[sequencer] roll back job %s: %v", rec.JobID, rmErr)
		}
		return "", nil, fmt.Errorf("start job %s: %w", rec.JobID, err)
	}
	metrics.JobsStarted.Inc()
	metrics.JobsActive.Inc()
	log.Printf("[sequencer] job %s started (%s, %d steps)", rec.JobID, app.ID, len(rec.StepOrder))
	return rec.JobID, actions, nil
}

// startStep resolves the step's template against the job context and
// submits it as a task.
func (s *Sequencer) startStep(rec domain.SequenceRecord, idx int) ([]domain.NetworkAction, error) {
	if idx < 0 || idx >= len(rec.StepOrder) {
		return nil, fmt.Errorf("%w: step index %d out of range", domain.ErrInvalidArgument, idx)
	}
	app, ok := s.orch.Application(rec.ApplicationID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrApplicationNotFound, rec.ApplicationID)
	}
	stepID := rec.StepOrder[idx]
	step, ok := app.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: %q in application %q", domain.ErrStepNotFound, stepID, app.ID)
	}

	source := step.Template
	if len(source) == 0 {
		source = rec.Submission.Params
	}
	template, err := ResolveTemplate(source, rec.Context)
	if err != nil {
		return nil, fmt.Errorf("resolve template of step %s: %w", stepID, err)
	}
	ctx, err := json.Marshal(rec.Context)
	if err != nil {
		return nil, fmt.Errorf("encode job context: %w", err)
	}

	_, actions, err := s.orch.CreateTask(domain.TaskSubmission{
		TaskID:        domain.StepTaskID(rec.JobID, idx),
		ApplicationID: rec.ApplicationID,
		StepID:        stepID,
		Reward:        rec.Submission.Reward,
		TimeLimitMs:   rec.Submission.TimeLimitMs,
		TemplateData:  template,
		Context:       ctx,
	})
	return actions, err
}

// job returns the current record of a job, writing out a pending unsaved
// advance first.
func (s *Sequencer) job(jobID string) (*domain.SequenceRecord, error) {
	if rec, ok := s.unsaved[jobID]; ok {
		if err := s.store.PersistJob(rec); err != nil {
			metrics.StoreErrors.WithLabelValues("persist_job").Inc()
			return nil, fmt.Errorf("%w: persist job %s: %v", domain.ErrStorage, jobID, err)
		}
		delete(s.unsaved, jobID)
		log.Printf("[sequencer] job %s: saved step %d after a failed write", jobID, rec.CurrentStep)
		return &rec, nil
	}
	rec, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: get job %s: %v", domain.ErrStorage, jobID, err)
	}
	return rec, nil
}

// HandleNotification advances the job owning a completed step task. Tasks
// that do not belong to a job and stale or duplicate completions are
// ignored without touching state.
//
// A storage error is returned together with any actions already produced;
// the caller must execute those and may redeliver n later. Redelivery is
// idempotent.
func (s *Sequencer) HandleNotification(n domain.StepCompleted) ([]domain.NetworkAction, error) {
	return s.handle(n, nil)
}

// handle advances a job. archived maps archived step task ids to their
// results; it is nil outside reconciliation.
func (s *Sequencer) handle(n domain.StepCompleted, archived map[string]json.RawMessage) ([]domain.NetworkAction, error) {
	jobID, idx, err := domain.ParseStepTaskID(n.TaskID)
	if err != nil {
		return nil, nil
	}
	rec, err := s.job(jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if idx != rec.CurrentStep {
		log.Printf("[sequencer] job %s: ignoring completion of step %d (current %d)", jobID, idx, rec.CurrentStep)
		return nil, nil
	}

	result := n.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	next := *rec
	next.Context = make(map[string]json.RawMessage, len(rec.Context)+1)
	for k, v := range rec.Context {
		next.Context[k] = v
	}
	next.Context[rec.CurrentStepID()] = result
	next.UpdatedAt = s.now().UTC()

	if idx+1 >= len(rec.StepOrder) {
		if err := s.store.RemoveJob(jobID); err != nil {
			metrics.StoreErrors.WithLabelValues("remove_job").Inc()
			return nil, fmt.Errorf("%w: remove job %s: %v", domain.ErrStorage, jobID, err)
		}
		metrics.JobsCompleted.Inc()
		metrics.JobsActive.Dec()
		log.Printf("[sequencer] job %s completed", jobID)
		return nil, nil
	}

	var actions []domain.NetworkAction
	nextTask := domain.StepTaskID(jobID, idx+1)
	if _, done := archived[nextTask]; done || s.orch.IsLive(nextTask) {
		log.Printf("[sequencer] job %s: step %d already started", jobID, idx+1)
	} else {
		actions, err = s.startStep(next, idx+1)
		if err != nil {
			log.Printf("[sequencer] job %s: start step %d: %v", jobID, idx+1, err)
			return nil, fmt.Errorf("advance job %s: %w", jobID, err)
		}
	}
	next.CurrentStep = idx + 1
	if err := s.store.PersistJob(next); err != nil {
		metrics.StoreErrors.WithLabelValues("persist_job").Inc()
		s.unsaved[jobID] = next
		log.Printf("[sequencer] persist job %s: %v", jobID, err)
		return actions, fmt.Errorf("%w: persist job %s: %v", domain.ErrStorage, jobID, err)
	}
	log.Printf("[sequencer] job %s advanced to step %d (%s)", jobID, next.CurrentStep, next.CurrentStepID())
	return actions, nil
}

// Reconcile restarts the current step of every persisted job whose step
// task is not live. A current step that was already archived is replayed as
// a completion instead, so completed steps are never re-run. It returns the
// number of restarted steps.
func (s *Sequencer) Reconcile() ([]domain.NetworkAction, int, error) {
	jobs, err := s.store.LoadJobs()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: load jobs: %v", domain.ErrStorage, err)
	}
	metrics.JobsActive.Set(float64(len(jobs)))

	var (
		actions   []domain.NetworkAction
		archived  map[string]json.RawMessage
		restarted int
	)
	for _, rec := range jobs {
		if s.orch.IsLive(domain.StepTaskID(rec.JobID, rec.CurrentStep)) {
			continue
		}
		if archived == nil {
			if archived, err = s.archivedResults(); err != nil {
				return actions, restarted, err
			}
		}
		out, started, err := s.reconcileJob(rec, archived)
		actions = append(actions, out...)
		if err != nil {
			log.Printf("[sequencer] reconcile job %s: %v", rec.JobID, err)
			continue
		}
		if started {
			restarted++
		}
	}
	if restarted > 0 {
		log.Printf("[sequencer] reconciled %d of %d jobs", restarted, len(jobs))
	}
	return actions, restarted, nil
}

// reconcileJob replays archived completions of rec until it reaches a step
// that is live, finishes, or has to be started.
func (s *Sequencer) reconcileJob(rec domain.SequenceRecord, archived map[string]json.RawMessage) ([]domain.NetworkAction, bool, error) {
	var actions []domain.NetworkAction
	for {
		taskID := domain.StepTaskID(rec.JobID, rec.CurrentStep)
		if s.orch.IsLive(taskID) {
			return actions, false, nil
		}
		result, done := archived[taskID]
		if !done {
			out, err := s.startStep(rec, rec.CurrentStep)
			return append(actions, out...), err == nil, err
		}

		log.Printf("[sequencer] job %s: replaying completion of step %d", rec.JobID, rec.CurrentStep)
		out, err := s.handle(domain.StepCompleted{
			TaskID:        taskID,
			ApplicationID: rec.ApplicationID,
			StepID:        rec.CurrentStepID(),
			Result:        result,
		}, archived)
		actions = append(actions, out...)
		if err != nil {
			return actions, false, err
		}
		next, err := s.job(rec.JobID)
		if err != nil {
			return actions, false, err
		}
		if next == nil || next.CurrentStep == rec.CurrentStep {
			return actions, false, nil
		}
		rec = *next
	}
}

func (s *Sequencer) archivedResults() (map[string]json.RawMessage, error) {
	recs, err := s.orch.CompletedTasks()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(recs))
	for _, r := range recs {
		out[r.TaskID] = r.Result
	}
	return out, nil
}

// Jobs returns every active job.
func (s *Sequencer) Jobs() ([]domain.SequenceRecord, error) {
	jobs, err := s.store.LoadJobs()
	if err != nil {
		return nil, fmt.Errorf("%w: load jobs: %v", domain.ErrStorage, err)
	}
	return jobs, nil
}

// ─── Notification Queue ─────────────────────────────────────────────────────

// Queue buffers step-completion notifications raised inside an orchestrator
// call so they are handled after that call returns.
type Queue struct {
	items []domain.StepCompleted
}

// NotifyStepCompleted implements orchestrator.Notifier.
func (q *Queue) NotifyStepCompleted(n domain.StepCompleted) {
	q.items = append(q.items, n)
}

// Drain returns and clears the buffered notifications.
func (q *Queue) Drain() []domain.StepCompleted {
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of buffered notifications.
func (q *Queue) Len() int { return len(q.items) }
