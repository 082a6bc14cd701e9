// Package orchestrator maps the task lifecycle workflow onto a live worker
// pool. It owns the workflow engine, the pending-assignment queue and the
// worker pool, persists every durable change before returning, and hands
// network I/O back to the caller as a list of domain.NetworkAction.
//
// The Orchestrator has exactly one mutator (the daemon's event loop) and does
// no locking.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/conductor/internal/app/workflow"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
	"github.com/tutu-network/conductor/internal/infra/scheduler"
)

// Store is the durable state the orchestrator needs.
type Store interface {
	domain.TaskStore
	domain.ApplicationStore
	domain.ReceiptStore
}

// Notifier receives step-completion notifications.
type Notifier interface {
	NotifyStepCompleted(n domain.StepCompleted)
}

// Options tunes an Orchestrator. Zero values pick defaults.
type Options struct {
	// DefaultTimeLimit applies to submissions without a time limit.
	DefaultTimeLimit time.Duration
	// DefaultReward applies to submissions without a reward.
	DefaultReward uint64
	// Rand drives the Random delegation strategy.
	Rand *rand.Rand
	// Now overrides the clock for deterministic tests.
	Now func() time.Time
}

const defaultTimeLimit = 5 * time.Minute

// Orchestrator is the task orchestrator.
type Orchestrator struct {
	engine   *workflow.Engine
	store    Store
	receipts domain.ReceiptBuilder
	notifier Notifier

	pending *scheduler.Scheduler
	pool    *scheduler.WorkerPool

	applications map[string]domain.Application
	delegation   map[string]domain.DelegationStrategy

	defaultTimeLimit time.Duration
	defaultReward    uint64
	now              func() time.Time
}

// New creates an orchestrator with the default lifecycle workflow
// registered. receipts may be nil to disable receipts.
func New(store Store, receipts domain.ReceiptBuilder, opts Options) (*Orchestrator, error) {
	if opts.DefaultTimeLimit <= 0 {
		opts.DefaultTimeLimit = defaultTimeLimit
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	reg := workflow.NewRegistry()
	if err := reg.Register(DefaultWorkflow(opts.DefaultTimeLimit)); err != nil {
		return nil, fmt.Errorf("register lifecycle workflow: %w", err)
	}
	engine := workflow.NewEngine(reg).WithTimeFunc(opts.Now)

	return &Orchestrator{
		engine:           engine,
		store:            store,
		receipts:         receipts,
		pending:          scheduler.NewScheduler(),
		pool:             scheduler.NewWorkerPool(opts.Rand),
		applications:     make(map[string]domain.Application),
		delegation:       make(map[string]domain.DelegationStrategy),
		defaultTimeLimit: opts.DefaultTimeLimit,
		defaultReward:    opts.DefaultReward,
		now:              opts.Now,
	}, nil
}

// SetNotifier registers the receiver of step-completion notifications.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// ─── Applications ───────────────────────────────────────────────────────────

// RegisterApplication persists an application and caches it. Re-registration
// overwrites. Zero steps is accepted here.
func (o *Orchestrator) RegisterApplication(app domain.Application) error {
	if err := app.Validate(); err != nil {
		return err
	}
	if err := o.store.PutApplication(app); err != nil {
		metrics.StoreErrors.WithLabelValues("put_application").Inc()
		return fmt.Errorf("%w: put application %s: %v", domain.ErrStorage, app.ID, err)
	}
	o.applications[app.ID] = app
	log.Printf("[orchestrator] registered application %s (%d steps)", app.ID, len(app.Steps))
	return nil
}

// Application returns a registered application.
func (o *Orchestrator) Application(id string) (domain.Application, bool) {
	app, ok := o.applications[id]
	return app, ok
}

// Applications returns every registered application sorted by id.
func (o *Orchestrator) Applications() []domain.Application {
	out := make([]domain.Application, 0, len(o.applications))
	for _, app := range o.applications {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) resolveStep(appID, stepID string) (domain.Application, domain.Step, error) {
	app, ok := o.applications[appID]
	if !ok {
		return app, domain.Step{}, fmt.Errorf("%w: %q", domain.ErrApplicationNotFound, appID)
	}
	step, ok := app.Step(stepID)
	if !ok {
		return app, step, fmt.Errorf("%w: %q in application %q", domain.ErrStepNotFound, stepID, appID)
	}
	return app, step, nil
}

// ─── Task Creation & Assignment ─────────────────────────────────────────────

// CreateTask instantiates a task for an application step, queues it for
// assignment and runs an assignment pass. It returns the task id and the
// resulting network actions.
func (o *Orchestrator) CreateTask(sub domain.TaskSubmission) (string, []domain.NetworkAction, error) {
	_, step, err := o.resolveStep(sub.ApplicationID, sub.StepID)
	if err != nil {
		return "", nil, err
	}
	taskID := sub.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if o.engine.Has(taskID) {
		return "", nil, fmt.Errorf("%w: %q", domain.ErrDuplicateTaskID, taskID)
	}
	strategy, err := domain.ParseDelegation(string(step.Delegation))
	if err != nil {
		return "", nil, err
	}

	template := sub.TemplateData
	if len(template) == 0 {
		template = step.Template
	}
	template, err = WrapContext(template, sub.Context)
	if err != nil {
		return "", nil, err
	}

	payload := domain.TaskPayload{
		ApplicationID: sub.ApplicationID,
		StepID:        sub.StepID,
		Reward:        sub.Reward,
		TimeLimitMs:   sub.TimeLimitMs,
		Capability:    sub.Capability,
		TemplateData:  template,
		CreatedAt:     o.now().UTC(),
	}
	if payload.Capability == "" {
		payload.Capability = step.Capability()
	}
	if payload.Reward == 0 {
		payload.Reward = o.defaultReward
	}
	if payload.TimeLimitMs == 0 {
		payload.TimeLimitMs = uint64(o.defaultTimeLimit.Milliseconds())
	}

	o.delegation[taskID] = strategy
	if err := o.engine.CreateTask(DefaultWorkflowID, taskID, payload); err != nil {
		delete(o.delegation, taskID)
		return "", nil, err
	}
	o.applyEffects()
	o.persist(taskID)
	metrics.TasksCreated.WithLabelValues(sub.ApplicationID).Inc()
	log.Printf("[orchestrator] created task %s (%s/%s, %s)", taskID, sub.ApplicationID, sub.StepID, strategy)

	return taskID, o.assignReadyTasks(), nil
}

// WrapContext merges a job context into a raw template. An empty context
// (absent, null or {}) leaves the template unchanged; otherwise the result
// is {"template": <template>, "context": <context>}. A template that is not
// valid JSON is embedded as a string literal.
func WrapContext(template, context json.RawMessage) (json.RawMessage, error) {
	if len(context) == 0 {
		return template, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(context, &fields); err != nil {
		return nil, fmt.Errorf("%w: context must be a JSON object: %v", domain.ErrInvalidArgument, err)
	}
	if len(fields) == 0 {
		return template, nil
	}
	var inner json.RawMessage
	switch {
	case len(template) == 0:
		inner = json.RawMessage("null")
	case json.Valid(template):
		inner = template
	default:
		lit, _ := json.Marshal(string(template))
		inner = lit
	}
	return json.Marshal(struct {
		Template json.RawMessage            `json:"template"`
		Context  map[string]json.RawMessage `json:"context"`
	}{inner, fields})
}

// assignReadyTasks drains the pending queue and hands each task still in
// Assign to an idle worker chosen by its delegation strategy. Tasks that
// find no worker go back to the head of the queue in their original order.
func (o *Orchestrator) assignReadyTasks() []domain.NetworkAction {
	var actions []domain.NetworkAction
	var requeue []string
	for _, taskID := range o.pending.Drain() {
		snap, ok := o.engine.Get(taskID)
		if !ok || snap.Completed || snap.State != StateAssign {
			continue
		}
		if _, assigned := o.pool.AssigneeOf(taskID); assigned {
			continue
		}
		strategy := o.strategyFor(taskID)
		peer, ok := o.pool.Select(strategy)
		if !ok {
			requeue = append(requeue, taskID)
			continue
		}
		o.pool.Assign(taskID, peer)
		o.engine.SubmitEvent(taskID, domain.NewEvent(domain.EventWorkerAssigned, domain.WorkerEvent{
			Peer:      peer,
			Timestamp: o.now().UnixMilli(),
		}))
		o.applyEffects()
		o.persist(taskID)
		actions = append(actions, domain.SendTask(peer, taskID, snap.Payload))
		metrics.TasksAssigned.WithLabelValues(string(strategy)).Inc()
		log.Printf("[orchestrator] assigned task %s to %s", taskID, peer)
	}
	o.pending.Requeue(requeue)
	o.observe()
	return actions
}

func (o *Orchestrator) strategyFor(taskID string) domain.DelegationStrategy {
	if s, ok := o.delegation[taskID]; ok {
		return s
	}
	return domain.DelegateRoundRobin
}

// applyEffects drains and executes the engine's queued effects.
func (o *Orchestrator) applyEffects() {
	for _, ef := range o.engine.DrainEffects() {
		switch ef.Kind {
		case workflow.EffectRequestAssignment:
			if _, assigned := o.pool.AssigneeOf(ef.TaskID); !assigned {
				o.pending.Enqueue(ef.TaskID)
			}
		case workflow.EffectReleaseAssignment:
			if peer, ok := o.pool.Release(ef.TaskID); ok {
				o.pool.ReturnIdle(peer)
			}
		}
	}
}

// ─── Worker Pool Events ─────────────────────────────────────────────────────

// HandleWorkerConnected adds a peer to the pool and runs an assignment pass.
func (o *Orchestrator) HandleWorkerConnected(peer string) []domain.NetworkAction {
	if o.pool.Connect(peer) {
		log.Printf("[orchestrator] worker %s connected", peer)
	}
	return o.assignReadyTasks()
}

// HandleWorkerDisconnected removes a peer everywhere. Every task it held gets
// a WorkerRejected(reason=disconnect) event and is queued again.
func (o *Orchestrator) HandleWorkerDisconnected(peer string) []domain.NetworkAction {
	tasks := o.pool.Disconnect(peer)
	for _, taskID := range tasks {
		o.engine.SubmitEvent(taskID, domain.NewEvent(domain.EventWorkerRejected, domain.WorkerEvent{
			Peer:      peer,
			Timestamp: o.now().UnixMilli(),
			Reason:    domain.RejectReasonDisconnect,
		}))
		o.applyEffects()
		if snap, ok := o.engine.Get(taskID); ok && snap.State == StateAssign {
			o.pending.Enqueue(taskID)
		}
		o.persist(taskID)
		metrics.TasksRejected.WithLabelValues(domain.RejectReasonDisconnect).Inc()
	}
	log.Printf("[orchestrator] worker %s disconnected (%d tasks requeued)", peer, len(tasks))
	return o.assignReadyTasks()
}

// ─── Timers ─────────────────────────────────────────────────────────────────

// OnTick fires due timeouts and runs an assignment pass.
func (o *Orchestrator) OnTick(nowMs int64) []domain.NetworkAction {
	due := o.engine.Tick(nowMs)
	o.applyEffects()
	for _, taskID := range due {
		o.persist(taskID)
		metrics.TasksTimedOut.Inc()
		log.Printf("[orchestrator] task %s timed out", taskID)
	}
	return o.assignReadyTasks()
}

// ─── Queries ────────────────────────────────────────────────────────────────

// IsLive reports whether a task is held by the engine.
func (o *Orchestrator) IsLive(taskID string) bool { return o.engine.Has(taskID) }

// Task returns a snapshot of a live task.
func (o *Orchestrator) Task(taskID string) (workflow.Snapshot, bool) {
	return o.engine.Get(taskID)
}

// CompletedTasks returns every archived task.
func (o *Orchestrator) CompletedTasks() ([]domain.CompletedTaskRecord, error) {
	recs, err := o.store.LoadCompletedTasks()
	if err != nil {
		return nil, fmt.Errorf("%w: load completed tasks: %v", domain.ErrStorage, err)
	}
	return recs, nil
}

// Stats is a point-in-time view of the orchestrator.
type Stats struct {
	LiveTasks        int             `json:"live_tasks"`
	PendingTasks     int             `json:"pending_tasks"`
	Assignments      int             `json:"assignments"`
	ConnectedWorkers int             `json:"connected_workers"`
	IdleWorkers      int             `json:"idle_workers"`
	Applications     int             `json:"applications"`
	Queue            scheduler.Stats `json:"queue"`
}

// Stats returns current statistics.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		LiveTasks:        o.engine.Len(),
		PendingTasks:     o.pending.QueueDepth(),
		Assignments:      len(o.pool.Assignments()),
		ConnectedWorkers: len(o.pool.Connected()),
		IdleWorkers:      len(o.pool.Idle()),
		Applications:     len(o.applications),
		Queue:            o.pending.Stats(),
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

// persist writes a live task's record. Failures are logged; recovery
// tolerates a store that lags memory.
func (o *Orchestrator) persist(taskID string) {
	snap, ok := o.engine.Get(taskID)
	if !ok {
		return
	}
	if err := o.store.PersistActiveTask(snap.Record()); err != nil {
		metrics.StoreErrors.WithLabelValues("persist_task").Inc()
		log.Printf("[orchestrator] persist task %s: %v", taskID, err)
	}
}

func (o *Orchestrator) observe() {
	metrics.TasksPending.Set(float64(o.pending.QueueDepth()))
	metrics.TasksLive.Set(float64(o.engine.Len()))
	metrics.WorkersConnected.Set(float64(len(o.pool.Connected())))
	metrics.WorkersIdle.Set(float64(len(o.pool.Idle())))
}
