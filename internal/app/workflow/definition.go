// Package workflow is a finite-state-machine runtime for task lifecycles.
//
// A Definition declares states, transitions, a start state and end states.
// Transitions fire either automatically (Auto) or on a named event, subject to
// an optional Guard, and may run an Action. States may run an on-enter Action.
// The Engine interprets definitions for many task instances and keeps a timer
// queue for timeouts requested by actions. It knows nothing about networking
// or storage: effects for the owner are queued and drained synchronously.
package workflow

import (
	"fmt"

	"github.com/tutu-network/conductor/internal/domain"
)

// TriggerKind tells when a transition is evaluated.
type TriggerKind int

const (
	// TriggerAuto transitions are tried whenever the engine settles a state.
	TriggerAuto TriggerKind = iota
	// TriggerEvent transitions fire only on a matching submitted event.
	TriggerEvent
)

// Trigger is either Auto or Event(name).
type Trigger struct {
	Kind  TriggerKind
	Event string
}

// Auto returns an automatic trigger.
func Auto() Trigger { return Trigger{Kind: TriggerAuto} }

// On returns a trigger matching events named name.
func On(name string) Trigger { return Trigger{Kind: TriggerEvent, Event: name} }

func (t Trigger) String() string {
	if t.Kind == TriggerAuto {
		return "auto"
	}
	return "event(" + t.Event + ")"
}

// ─── Guards & Actions ───────────────────────────────────────────────────────

// GuardContext is the read-only view a guard decides on.
type GuardContext struct {
	TaskID  string
	Payload domain.TaskPayload
	// Events is the log before the triggering event.
	Events []domain.Event
	// Event is the triggering event; nil for Auto transitions.
	Event *domain.Event
}

// Guard is a pure predicate over a task.
type Guard interface {
	Allow(ctx GuardContext) bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx GuardContext) bool

// Allow implements Guard.
func (f GuardFunc) Allow(ctx GuardContext) bool { return f(ctx) }

// Action runs on state entry or when a transition fires. Its only side
// effects are appending events, timer requests and queued effects.
type Action interface {
	Run(ctx *ActionContext)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx *ActionContext)

// Run implements Action.
func (f ActionFunc) Run(ctx *ActionContext) { f(ctx) }

// Actions runs several actions in order.
func Actions(actions ...Action) Action {
	return ActionFunc(func(ctx *ActionContext) {
		for _, a := range actions {
			a.Run(ctx)
		}
	})
}

// ─── Definitions ────────────────────────────────────────────────────────────

// StateDef declares one state.
type StateDef struct {
	ID      string
	OnEnter Action
}

// TransitionDef declares one transition. ID 0 means "assign automatically".
type TransitionDef struct {
	ID      uint64
	From    string
	To      string
	Trigger Trigger
	Guard   Guard
	Action  Action
}

// Definition is a complete workflow.
type Definition struct {
	ID          string
	Name        string
	States      map[string]StateDef
	Transitions []TransitionDef
	Start       string
	End         []string

	// AllowTerminalExits permits cleanup transitions out of end states.
	AllowTerminalExits bool
}

// IsEnd reports whether state is an end state.
func (d *Definition) IsEnd(state string) bool {
	for _, e := range d.End {
		if e == state {
			return true
		}
	}
	return false
}

// validate checks references and assigns transition ids. Explicit ids are
// reserved first; automatic ids continue past the highest explicit id.
func (d *Definition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: workflow id is required", domain.ErrWorkflowInvalid)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: workflow %q has no states", domain.ErrWorkflowInvalid, d.ID)
	}
	for key, s := range d.States {
		if s.ID != "" && s.ID != key {
			return fmt.Errorf("%w: state key %q does not match id %q", domain.ErrWorkflowInvalid, key, s.ID)
		}
	}
	if _, ok := d.States[d.Start]; !ok {
		return fmt.Errorf("%w: start %q", domain.ErrUnknownState, d.Start)
	}
	for _, e := range d.End {
		if _, ok := d.States[e]; !ok {
			return fmt.Errorf("%w: end state %q", domain.ErrUnknownState, e)
		}
	}

	used := make(map[uint64]bool, len(d.Transitions))
	var next uint64 = 1
	for _, t := range d.Transitions {
		if t.ID == 0 {
			continue
		}
		if used[t.ID] {
			return fmt.Errorf("%w: %d in workflow %q", domain.ErrDuplicateTransition, t.ID, d.ID)
		}
		used[t.ID] = true
		if t.ID >= next {
			next = t.ID + 1
		}
	}

	for i := range d.Transitions {
		t := &d.Transitions[i]
		if _, ok := d.States[t.From]; !ok {
			return fmt.Errorf("%w: transition from %q", domain.ErrUnknownState, t.From)
		}
		if _, ok := d.States[t.To]; !ok {
			return fmt.Errorf("%w: transition to %q", domain.ErrUnknownState, t.To)
		}
		if t.Trigger.Kind == TriggerEvent && t.Trigger.Event == "" {
			return fmt.Errorf("%w: event transition %s->%s has no event name", domain.ErrWorkflowInvalid, t.From, t.To)
		}
		if !d.AllowTerminalExits && d.IsEnd(t.From) {
			return fmt.Errorf("%w: end state %q has an outgoing transition", domain.ErrWorkflowInvalid, t.From)
		}
		if t.ID == 0 {
			t.ID = next
			next++
		}
	}
	return nil
}

// ─── Registry ───────────────────────────────────────────────────────────────

// Registry holds workflow definitions. It is filled once at startup and read
// afterwards; it is not safe for concurrent registration.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates def and adds it. A definition is rejected if its id is
// taken or any reference is malformed.
func (r *Registry) Register(def Definition) error {
	if _, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("%w: %q", domain.ErrWorkflowExists, def.ID)
	}
	d := def
	d.Transitions = append([]TransitionDef(nil), def.Transitions...)
	d.States = make(map[string]StateDef, len(def.States))
	for k, s := range def.States {
		if s.ID == "" {
			s.ID = k
		}
		d.States[k] = s
	}
	if err := d.validate(); err != nil {
		return err
	}
	r.defs[d.ID] = &d
	return nil
}

// Get returns a registered definition.
func (r *Registry) Get(id string) (*Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// IDs returns the registered workflow ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	return ids
}
