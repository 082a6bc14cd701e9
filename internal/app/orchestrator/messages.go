package orchestrator

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/conductor/internal/app/workflow"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// ─── Task Messages ──────────────────────────────────────────────────────────

// HandleTaskMessage applies an accept, reject or completed message from a
// peer. Authorization and consistency failures leave the task unchanged.
func (o *Orchestrator) HandleTaskMessage(peer string, msg domain.TaskMessage) ([]domain.NetworkAction, error) {
	snap, ok := o.engine.Get(msg.TaskID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrTaskNotFound, msg.TaskID)
	}
	switch msg.Type {
	case domain.MessageAccept:
		return o.handleAccept(peer, snap)
	case domain.MessageReject:
		return o.handleReject(peer, snap)
	case domain.MessageCompleted:
		return o.handleCompleted(peer, snap, msg.Data)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidArgument, msg.Type)
	}
}

func (o *Orchestrator) handleAccept(peer string, snap workflow.Snapshot) ([]domain.NetworkAction, error) {
	if !o.pool.IsConnected(peer) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerNotConnected, peer)
	}
	if snap.State != StateAssign || acceptedBy(snap.Events) != "" {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrAcceptConflict, snap.TaskID, snap.State)
	}
	switch assignee := CurrentAssignee(snap.Events); assignee {
	case peer:
	case "":
		return nil, fmt.Errorf("%w: task %s is not assigned", domain.ErrNotAssignee, snap.TaskID)
	default:
		return nil, fmt.Errorf("%w: task %s is assigned to %s", domain.ErrNotAssignee, snap.TaskID, assignee)
	}

	o.pending.Remove(snap.TaskID)
	o.pool.RemoveIdle(peer)
	o.pool.Assign(snap.TaskID, peer)
	o.engine.SubmitEvent(snap.TaskID, domain.NewEvent(domain.EventWorkerAccepted, domain.WorkerEvent{
		Peer:      peer,
		Timestamp: o.now().UnixMilli(),
	}))
	o.applyEffects()
	o.persist(snap.TaskID)
	log.Printf("[orchestrator] task %s accepted by %s", snap.TaskID, peer)
	return o.assignReadyTasks(), nil
}

func (o *Orchestrator) handleReject(peer string, snap workflow.Snapshot) ([]domain.NetworkAction, error) {
	if assignee := CurrentAssignee(snap.Events); assignee == "" || assignee != peer {
		return nil, fmt.Errorf("%w: %s does not hold task %s", domain.ErrNotAssignee, peer, snap.TaskID)
	}
	o.pool.Release(snap.TaskID)
	o.pool.ReturnIdle(peer)
	o.engine.SubmitEvent(snap.TaskID, domain.NewEvent(domain.EventWorkerRejected, domain.WorkerEvent{
		Peer:      peer,
		Timestamp: o.now().UnixMilli(),
		Reason:    "worker",
	}))
	o.applyEffects()
	o.persist(snap.TaskID)
	metrics.TasksRejected.WithLabelValues("worker").Inc()
	log.Printf("[orchestrator] task %s rejected by %s", snap.TaskID, peer)
	return o.assignReadyTasks(), nil
}

func (o *Orchestrator) handleCompleted(peer string, snap workflow.Snapshot, data json.RawMessage) ([]domain.NetworkAction, error) {
	accepted := acceptedBy(snap.Events)
	if accepted == "" {
		return nil, fmt.Errorf("%w: task %s has no accepted worker", domain.ErrCompletionConflict, snap.TaskID)
	}
	if accepted != peer {
		return nil, fmt.Errorf("%w: task %s was accepted by %s", domain.ErrNotAssignee, snap.TaskID, accepted)
	}

	result := normalizeResult(data)
	o.engine.SubmitEvent(snap.TaskID, domain.NewEvent(domain.EventWorkerCompleted, domain.WorkerEvent{
		Peer:      peer,
		Timestamp: o.now().UnixMilli(),
		Result:    result,
	}))
	o.applyEffects()
	o.pool.Release(snap.TaskID)
	o.pool.ReturnIdle(peer)

	var actions []domain.NetworkAction
	if done, ok := o.engine.Get(snap.TaskID); ok && done.Completed {
		actions = o.finish(done, peer, result)
	} else {
		o.persist(snap.TaskID)
	}
	return append(actions, o.assignReadyTasks()...), nil
}

// finish archives a completed task, issues its receipt and notifies the
// sequencer. peer may be empty when the worker is unknown.
func (o *Orchestrator) finish(snap workflow.Snapshot, peer string, result json.RawMessage) []domain.NetworkAction {
	finishedAt := o.now().UTC()
	err := o.store.ArchiveTask(domain.CompletedTaskRecord{
		TaskID:     snap.TaskID,
		Payload:    snap.Payload,
		Events:     snap.Events,
		Result:     result,
		FinishedAt: finishedAt,
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("archive_task").Inc()
		log.Printf("[orchestrator] archive task %s: %v", snap.TaskID, err)
	}
	duration := finishedAt.Sub(snap.Payload.CreatedAt)
	metrics.TasksCompleted.WithLabelValues(snap.Payload.ApplicationID).Inc()
	metrics.TaskDuration.Observe(duration.Seconds())
	log.Printf("[orchestrator] task %s completed by %s in %s", snap.TaskID, peer, duration.Round(time.Millisecond))

	var actions []domain.NetworkAction
	if r, ok := o.issueReceipt(snap, peer, duration); ok {
		actions = append(actions, domain.SendReceipt(peer, r))
	}
	if o.notifier != nil {
		o.notifier.NotifyStepCompleted(domain.StepCompleted{
			TaskID:        snap.TaskID,
			ApplicationID: snap.Payload.ApplicationID,
			StepID:        snap.Payload.StepID,
			Result:        result,
		})
	}
	o.engine.Remove(snap.TaskID)
	o.pending.Remove(snap.TaskID)
	delete(o.delegation, snap.TaskID)
	return actions
}

func (o *Orchestrator) issueReceipt(snap workflow.Snapshot, peer string, d time.Duration) (domain.Receipt, bool) {
	if o.receipts == nil || peer == "" {
		return domain.Receipt{}, false
	}
	r, err := o.receipts.Build(domain.ReceiptRequest{
		TaskID:   snap.TaskID,
		Worker:   peer,
		Reward:   snap.Payload.Reward,
		Duration: d,
	})
	if err != nil {
		metrics.ReceiptsFailed.Inc()
		log.Printf("[orchestrator] receipt for task %s: %v", snap.TaskID, err)
		return domain.Receipt{}, false
	}
	if err := o.store.PutReceipt(r); err != nil {
		metrics.StoreErrors.WithLabelValues("put_receipt").Inc()
		log.Printf("[orchestrator] store receipt for task %s: %v", snap.TaskID, err)
	}
	metrics.ReceiptsIssued.Inc()
	return r, true
}

func normalizeResult(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(data) {
		return data
	}
	lit, _ := json.Marshal(string(data))
	return lit
}
