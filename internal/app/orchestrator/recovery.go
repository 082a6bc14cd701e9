package orchestrator

import (
	"fmt"
	"log"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// RecoveryReport summarizes a startup recovery.
type RecoveryReport struct {
	Applications int `json:"applications"`
	Restored     int `json:"restored"`
	Requeued     int `json:"requeued"`
	Rearmed      int `json:"rearmed"`
	Finished     int `json:"finished"`
	Skipped      int `json:"skipped"`
}

// Recover loads applications and active tasks from the store. Each task is
// restored at its persisted state without re-running on-enter actions.
// Tasks whose application or step is gone are skipped. Tasks waiting for a
// worker are queued again; tasks in progress get their timeout re-armed so
// a reconnecting worker can still complete them. A task persisted as
// completed but never archived is archived now.
//
// Call SetNotifier before Recover so such late completions reach the
// sequencer.
func (o *Orchestrator) Recover() (RecoveryReport, error) {
	var report RecoveryReport

	apps, err := o.store.LoadApplications()
	if err != nil {
		return report, fmt.Errorf("%w: load applications: %v", domain.ErrStorage, err)
	}
	for _, app := range apps {
		o.applications[app.ID] = app
	}
	report.Applications = len(apps)

	recs, err := o.store.LoadActiveTasks()
	if err != nil {
		return report, fmt.Errorf("%w: load active tasks: %v", domain.ErrStorage, err)
	}
	for _, rec := range recs {
		_, step, err := o.resolveStep(rec.Payload.ApplicationID, rec.Payload.StepID)
		if err != nil {
			report.Skipped++
			log.Printf("[orchestrator] recovery: skipping task %s: %v", rec.TaskID, err)
			continue
		}
		if rec.WorkflowID == "" {
			rec.WorkflowID = DefaultWorkflowID
		}
		if err := o.engine.RestoreTask(rec); err != nil {
			report.Skipped++
			log.Printf("[orchestrator] recovery: skipping task %s: %v", rec.TaskID, err)
			continue
		}
		strategy, err := domain.ParseDelegation(string(step.Delegation))
		if err != nil {
			strategy = domain.DelegateRoundRobin
		}
		o.delegation[rec.TaskID] = strategy
		report.Restored++

		snap, _ := o.engine.Get(rec.TaskID)
		switch {
		case snap.Completed:
			// no receipt: one may already have been issued before the crash
			o.finish(snap, "", completionResult(snap.Events))
			report.Finished++
		case snap.State == StateInProgress:
			o.engine.ArmTimeout(rec.TaskID, timeLimit(snap.Payload, o.defaultTimeLimit))
			report.Rearmed++
		case snap.State == StateAssign:
			o.pending.Enqueue(rec.TaskID)
			report.Requeued++
		default:
			log.Printf("[orchestrator] recovery: task %s restored in state %s", rec.TaskID, snap.State)
		}
	}
	if report.Skipped > 0 {
		metrics.StoreErrors.WithLabelValues("recover_task").Add(float64(report.Skipped))
	}
	o.observe()
	log.Printf("[orchestrator] recovered %d applications, %d tasks (%d queued, %d in progress, %d skipped)",
		report.Applications, report.Restored, report.Requeued, report.Rearmed, report.Skipped)
	return report, nil
}
