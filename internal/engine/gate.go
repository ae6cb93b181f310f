package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lawtrack/internal/domain"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/events"
)

// ApproveCheckpoint sets one checkpoint of the task's approval chain.
// Re-approving a settled checkpoint returns the task unchanged.
func (e Engine) ApproveCheckpoint(ctx context.Context, taskID, checkpoint string, actor domain.User) (domain.Task, error) {
	cp, err := domain.ParseCheckpoint(checkpoint)
	if err != nil {
		return domain.Task{}, ValidationError{Field: "checkpoint", Message: fmt.Sprintf("%q is not one of admin, principal, assignee", checkpoint)}
	}
	var granted *ApprovalEvent
	task, err := e.mutateTask(ctx, taskID, func(tx *sql.Tx, t domain.Task) (domain.Task, bool, error) {
		if t.Approvals.Approved(cp) {
			return t, false, nil
		}
		from := t.ApprovalStatus()
		if open := t.Approvals.Open(); open != cp {
			return t, false, ConflictError{Reason: fmt.Sprintf("checkpoint %s not open; approval status %s", cp, from)}
		}
		stage, err := e.stageOf(ctx, tx, t)
		if err != nil {
			return t, false, err
		}
		if !e.Resolver.CanApproveCheckpoint(actor, t, stage, cp) {
			return t, false, auth.ForbiddenError{
				Checkpoint: cp,
				Policy:     stage.ApprovalPolicy,
				Reason:     fmt.Sprintf("user %s (%s) may not approve checkpoint %s", actor.ID, actor.Role, cp),
			}
		}
		t.Approvals = t.Approvals.With(cp)
		to := t.ApprovalStatus()
		at := e.now().UTC()
		w := e.eventWriter()
		w.Now = func() time.Time { return at }
		id, err := w.Append(ctx, tx, events.ApprovalGranted, "task", t.ID, actor.ID, events.EventPayload{
			"checkpoint":  cp,
			"approver":    actor.ID,
			"from_status": from,
			"to_status":   to,
		})
		if err != nil {
			return t, false, err
		}
		granted = &ApprovalEvent{
			EventID:    id,
			TaskID:     t.ID,
			TaskCode:   t.Code,
			ApproverID: actor.ID,
			Checkpoint: cp,
			Status:     to,
			At:         at,
		}
		return t, true, nil
	})
	if err != nil {
		return task, err
	}
	if granted != nil {
		e.log().Info("approval granted", "task", task.Code, "checkpoint", cp, "approver", actor.ID, "status", granted.Status)
		e.notify(ctx, *granted)
	}
	return task, nil
}

// notify runs after commit; a failing Notifier never undoes the approval.
func (e Engine) notify(ctx context.Context, evt ApprovalEvent) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.ApprovalGranted(ctx, evt); err != nil {
		e.log().Warn("approval notification failed", "task", evt.TaskCode, "checkpoint", evt.Checkpoint, "err", err)
	}
}
