package workflow

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

// Synthetic events an action may emit. The engine turns them into timer
// operations; they never reach the event log.
const (
	EventScheduleTimeout = "__schedule_timeout"
	EventClearTimeout    = "__clear_timeout"
)

// defaultMaxAutoSteps bounds fall-through chains so a cycle of Auto
// transitions cannot spin forever.
const defaultMaxAutoSteps = 64

type timeoutRequest struct {
	AfterMs int64 `json:"after_ms"`
}

// EffectKind names a request from a workflow action to the engine's owner.
type EffectKind string

const (
	// EffectRequestAssignment asks the owner to queue the task for a worker.
	EffectRequestAssignment EffectKind = "request_assignment"
	// EffectReleaseAssignment asks the owner to drop the task's assignee.
	EffectReleaseAssignment EffectKind = "release_assignment"
)

// Effect is queued by actions and drained by the owner after each call.
type Effect struct {
	Kind   EffectKind
	TaskID string
}

// ─── Action Context ─────────────────────────────────────────────────────────

// ActionContext is what an action sees and can do.
type ActionContext struct {
	TaskID  string
	State   string
	Payload domain.TaskPayload
	Events  []domain.Event
	// Event is the triggering event; nil for on-enter of Auto chains.
	Event *domain.Event

	emitted []domain.Event
	effects []Effect
}

// Emit appends an event to the task's log once the action returns.
func (c *ActionContext) Emit(e domain.Event) {
	c.emitted = append(c.emitted, e)
}

// ScheduleTimeout requests a Timeout event after d.
func (c *ActionContext) ScheduleTimeout(d time.Duration) {
	c.Emit(domain.NewEvent(EventScheduleTimeout, timeoutRequest{AfterMs: d.Milliseconds()}))
}

// ClearTimeout cancels any pending timeout of the task.
func (c *ActionContext) ClearTimeout() {
	c.Emit(domain.Event{Name: EventClearTimeout})
}

// Effect queues a request for the engine's owner.
func (c *ActionContext) Effect(kind EffectKind) {
	c.effects = append(c.effects, Effect{Kind: kind, TaskID: c.TaskID})
}

// ─── Instances ──────────────────────────────────────────────────────────────

type instance struct {
	def       *Definition
	id        string
	state     string
	payload   domain.TaskPayload
	events    []domain.Event
	completed bool
}

// Snapshot is a read-only copy of a task instance.
type Snapshot struct {
	TaskID     string
	WorkflowID string
	State      string
	Payload    domain.TaskPayload
	Events     []domain.Event
	Completed  bool
}

// Record converts the snapshot to its persisted form.
func (s Snapshot) Record() domain.ActiveTaskRecord {
	return domain.ActiveTaskRecord{
		TaskID:     s.TaskID,
		WorkflowID: s.WorkflowID,
		Payload:    s.Payload,
		Events:     s.Events,
		State:      s.State,
		Completed:  s.Completed,
	}
}

// TimeFunc returns the current time. Override for deterministic tests.
type TimeFunc func() time.Time

// ─── Engine ─────────────────────────────────────────────────────────────────

// Engine interprets workflow definitions for task instances. It has a single
// owner and no internal locking.
type Engine struct {
	registry     *Registry
	tasks        map[string]*instance
	timers       *TimerQueue
	effects      []Effect
	now          TimeFunc
	maxAutoSteps int
}

// NewEngine creates an engine over a populated registry.
func NewEngine(reg *Registry) *Engine {
	return &Engine{
		registry:     reg,
		tasks:        make(map[string]*instance),
		timers:       NewTimerQueue(),
		now:          time.Now,
		maxAutoSteps: defaultMaxAutoSteps,
	}
}

// WithTimeFunc sets a custom time function for deterministic tests.
func (e *Engine) WithTimeFunc(fn TimeFunc) *Engine {
	e.now = fn
	return e
}

// Registry returns the engine's definitions.
func (e *Engine) Registry() *Registry { return e.registry }

// CreateTask instantiates a task at the workflow's start state, runs its
// on-enter action and follows eligible Auto transitions.
func (e *Engine) CreateTask(workflowID, taskID string, payload domain.TaskPayload) error {
	def, ok := e.registry.Get(workflowID)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrWorkflowNotFound, workflowID)
	}
	if _, exists := e.tasks[taskID]; exists {
		return fmt.Errorf("%w: %q", domain.ErrDuplicateTaskID, taskID)
	}
	inst := &instance{def: def, id: taskID, state: def.Start, payload: payload}
	e.tasks[taskID] = inst
	e.enter(inst, nil)
	e.settle(inst)
	return nil
}

// RestoreTask rebuilds an instance at an explicit state without running any
// on-enter action or Auto transition. Used at startup from persisted state.
func (e *Engine) RestoreTask(rec domain.ActiveTaskRecord) error {
	def, ok := e.registry.Get(rec.WorkflowID)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrWorkflowNotFound, rec.WorkflowID)
	}
	if _, ok := def.States[rec.State]; !ok {
		return fmt.Errorf("%w: %q in workflow %q", domain.ErrUnknownState, rec.State, def.ID)
	}
	if _, exists := e.tasks[rec.TaskID]; exists {
		return fmt.Errorf("%w: %q", domain.ErrDuplicateTaskID, rec.TaskID)
	}
	e.tasks[rec.TaskID] = &instance{
		def:       def,
		id:        rec.TaskID,
		state:     rec.State,
		payload:   rec.Payload,
		events:    append([]domain.Event(nil), rec.Events...),
		completed: def.IsEnd(rec.State),
	}
	return nil
}

// SubmitEvent appends ev to the task's log and, unless the task is completed,
// fires the first matching transition whose guard passes. It reports whether
// a transition fired. Unknown tasks are ignored.
func (e *Engine) SubmitEvent(taskID string, ev domain.Event) bool {
	inst, ok := e.tasks[taskID]
	if !ok {
		return false
	}
	inst.events = append(inst.events, ev)
	if inst.completed {
		return false
	}
	for i := range inst.def.Transitions {
		t := &inst.def.Transitions[i]
		if t.From != inst.state || t.Trigger.Kind != TriggerEvent || t.Trigger.Event != ev.Name {
			continue
		}
		if !e.allowed(inst, t, &ev) {
			continue
		}
		e.fire(inst, t, &ev)
		e.settle(inst)
		return true
	}
	return false
}

// Tick fires a Timeout event for every deadline at or before nowMs, in
// ascending deadline order. It returns the affected task ids.
func (e *Engine) Tick(nowMs int64) []string {
	due := e.timers.PopDue(nowMs)
	for _, id := range due {
		e.SubmitEvent(id, domain.NewEvent(domain.EventTimeout, map[string]int64{"at": nowMs}))
	}
	return due
}

// ArmTimeout schedules a timeout for a task directly. Recovery uses it for
// restored tasks whose timer was lost with the process.
func (e *Engine) ArmTimeout(taskID string, after time.Duration) bool {
	if _, ok := e.tasks[taskID]; !ok {
		return false
	}
	e.timers.Schedule(taskID, e.now().UnixMilli()+after.Milliseconds())
	return true
}

// TimerDue reports the pending deadline of a task.
func (e *Engine) TimerDue(taskID string) (int64, bool) {
	return e.timers.Due(taskID)
}

// Get returns a snapshot of a task.
func (e *Engine) Get(taskID string) (Snapshot, bool) {
	inst, ok := e.tasks[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		TaskID:     inst.id,
		WorkflowID: inst.def.ID,
		State:      inst.state,
		Payload:    inst.payload,
		Events:     append([]domain.Event(nil), inst.events...),
		Completed:  inst.completed,
	}, true
}

// Has reports whether the task is live in the engine.
func (e *Engine) Has(taskID string) bool {
	_, ok := e.tasks[taskID]
	return ok
}

// Remove forgets a task and its timer.
func (e *Engine) Remove(taskID string) {
	delete(e.tasks, taskID)
	e.timers.Cancel(taskID)
}

// Len returns the number of live tasks.
func (e *Engine) Len() int { return len(e.tasks) }

// DrainEffects returns and clears queued effects.
func (e *Engine) DrainEffects() []Effect {
	out := e.effects
	e.effects = nil
	return out
}

// ─── Internal ───────────────────────────────────────────────────────────────

func (e *Engine) allowed(inst *instance, t *TransitionDef, ev *domain.Event) bool {
	if t.Guard == nil {
		return true
	}
	events := inst.events
	if ev != nil && len(events) > 0 {
		// SubmitEvent has already logged ev
		events = events[:len(events)-1]
	}
	return t.Guard.Allow(GuardContext{
		TaskID:  inst.id,
		Payload: inst.payload,
		Events:  events,
		Event:   ev,
	})
}

// settle applies Auto transitions until none is eligible. The first Auto
// transition in declaration order whose guard passes wins.
func (e *Engine) settle(inst *instance) {
	for step := 0; step < e.maxAutoSteps; step++ {
		if inst.completed {
			return
		}
		var next *TransitionDef
		for i := range inst.def.Transitions {
			t := &inst.def.Transitions[i]
			if t.From == inst.state && t.Trigger.Kind == TriggerAuto && e.allowed(inst, t, nil) {
				next = t
				break
			}
		}
		if next == nil {
			return
		}
		e.fire(inst, next, nil)
	}
	log.Printf("[workflow] task %s: auto transitions exceeded %d steps in state %s",
		inst.id, e.maxAutoSteps, inst.state)
}

func (e *Engine) fire(inst *instance, t *TransitionDef, ev *domain.Event) {
	if t.Action != nil {
		e.run(inst, t.Action, ev)
	}
	inst.state = t.To
	inst.completed = inst.def.IsEnd(inst.state)
	e.enter(inst, ev)
	if inst.completed {
		e.timers.Cancel(inst.id)
	}
}

func (e *Engine) enter(inst *instance, ev *domain.Event) {
	if s, ok := inst.def.States[inst.state]; ok && s.OnEnter != nil {
		e.run(inst, s.OnEnter, ev)
	}
}

func (e *Engine) run(inst *instance, a Action, ev *domain.Event) {
	ctx := &ActionContext{
		TaskID:  inst.id,
		State:   inst.state,
		Payload: inst.payload,
		Events:  inst.events,
		Event:   ev,
	}
	a.Run(ctx)
	for _, em := range ctx.emitted {
		switch em.Name {
		case EventScheduleTimeout:
			var req timeoutRequest
			if err := json.Unmarshal(em.Payload, &req); err != nil {
				log.Printf("[workflow] task %s: bad timeout request: %v", inst.id, err)
				continue
			}
			e.timers.Schedule(inst.id, e.now().UnixMilli()+req.AfterMs)
		case EventClearTimeout:
			e.timers.Cancel(inst.id)
		default:
			inst.events = append(inst.events, em)
		}
	}
	e.effects = append(e.effects, ctx.effects...)
}
