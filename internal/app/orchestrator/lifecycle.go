package orchestrator

import (
	"time"

	"github.com/tutu-network/conductor/internal/app/workflow"
	"github.com/tutu-network/conductor/internal/domain"
)

// DefaultWorkflowID is the workflow every task is created under.
const DefaultWorkflowID = "default"

// Lifecycle states.
const (
	StateCreated    = "Created"
	StateAssign     = "Assign"
	StateInProgress = "InProgress"
	StateCompleted  = "Completed"
)

// DefaultWorkflow builds the task lifecycle:
//
//	Created ─auto→ Assign ─WorkerAccepted→ InProgress ─WorkerCompleted→ Completed
//
// WorkerAccepted only fires while the log records an assignee. Assign loops
// on WorkerRejected. InProgress returns to Assign on Timeout or
// WorkerRejected (an accepted worker disconnecting). Entering InProgress arms
// a timeout of the task's time limit, or fallback when the limit is zero.
func DefaultWorkflow(fallback time.Duration) workflow.Definition {
	release := workflow.ActionFunc(func(ctx *workflow.ActionContext) {
		ctx.ClearTimeout()
		ctx.Effect(workflow.EffectReleaseAssignment)
	})
	return workflow.Definition{
		ID:   DefaultWorkflowID,
		Name: "task lifecycle",
		States: map[string]workflow.StateDef{
			StateCreated: {},
			StateAssign: {OnEnter: workflow.ActionFunc(func(ctx *workflow.ActionContext) {
				ctx.Effect(workflow.EffectRequestAssignment)
			})},
			StateInProgress: {OnEnter: workflow.ActionFunc(func(ctx *workflow.ActionContext) {
				ctx.ScheduleTimeout(timeLimit(ctx.Payload, fallback))
			})},
			StateCompleted: {},
		},
		Transitions: []workflow.TransitionDef{
			{From: StateCreated, To: StateAssign, Trigger: workflow.Auto()},
			{
				From:    StateAssign,
				To:      StateInProgress,
				Trigger: workflow.On(domain.EventWorkerAccepted),
				Guard: workflow.GuardFunc(func(ctx workflow.GuardContext) bool {
					return CurrentAssignee(ctx.Events) != ""
				}),
			},
			{From: StateAssign, To: StateAssign, Trigger: workflow.On(domain.EventWorkerRejected)},
			{From: StateInProgress, To: StateCompleted, Trigger: workflow.On(domain.EventWorkerCompleted)},
			{From: StateInProgress, To: StateAssign, Trigger: workflow.On(domain.EventTimeout), Action: release},
			{From: StateInProgress, To: StateAssign, Trigger: workflow.On(domain.EventWorkerRejected), Action: release},
		},
		Start: StateCreated,
		End:   []string{StateCompleted},
	}
}

func timeLimit(p domain.TaskPayload, fallback time.Duration) time.Duration {
	if p.TimeLimitMs == 0 {
		return fallback
	}
	return p.TimeLimit()
}

// ─── Log-derived Assignment ─────────────────────────────────────────────────

// lastAssignmentEvent returns the most recent event that changes who holds
// a task.
func lastAssignmentEvent(events []domain.Event) (domain.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Name {
		case domain.EventWorkerAssigned, domain.EventWorkerAccepted,
			domain.EventWorkerRejected, domain.EventWorkerCompleted, domain.EventTimeout:
			return events[i], true
		}
	}
	return domain.Event{}, false
}

// CurrentAssignee walks the log backward for the most recent WorkerAssigned
// or WorkerAccepted not superseded by a rejection, completion or timeout.
func CurrentAssignee(events []domain.Event) string {
	ev, ok := lastAssignmentEvent(events)
	if !ok {
		return ""
	}
	switch ev.Name {
	case domain.EventWorkerAssigned, domain.EventWorkerAccepted:
		we, _ := domain.DecodeWorkerEvent(ev)
		return we.Peer
	}
	return ""
}

// acceptedBy returns the peer whose acceptance is the latest assignment
// event, or "" if the task is not currently accepted.
func acceptedBy(events []domain.Event) string {
	ev, ok := lastAssignmentEvent(events)
	if !ok || ev.Name != domain.EventWorkerAccepted {
		return ""
	}
	we, _ := domain.DecodeWorkerEvent(ev)
	return we.Peer
}

// completionResult returns the result recorded by the last WorkerCompleted.
func completionResult(events []domain.Event) []byte {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Name == domain.EventWorkerCompleted {
			we, _ := domain.DecodeWorkerEvent(events[i])
			return we.Result
		}
	}
	return nil
}
