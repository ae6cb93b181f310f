package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lawtrack/internal/domain"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/events"
	"lawtrack/internal/repo"
)

// AssignInitialStage places a task that has no stage yet. Any existing stage
// may be the first one.
func (e Engine) AssignInitialStage(ctx context.Context, taskID, stageID string, actor domain.User) (domain.Task, error) {
	return e.mutateTask(ctx, taskID, func(tx *sql.Tx, t domain.Task) (domain.Task, bool, error) {
		if t.HasStage() {
			return t, false, ConflictError{Reason: fmt.Sprintf("task %s already has stage %s", t.Code, *t.StageID)}
		}
		if !isParticipant(actor, t) {
			return t, false, auth.ForbiddenError{Reason: fmt.Sprintf("user %s is not a participant of task %s", actor.ID, t.Code)}
		}
		stage, err := e.Repo.GetStage(ctx, tx, stageID)
		if err != nil {
			return t, false, notFound("stage", stageID, err)
		}
		t.StageID = &stage.ID
		if _, err := e.eventWriter().Append(ctx, tx, events.StageAssigned, "task", t.ID, actor.ID, events.EventPayload{
			"to_stage": stage.ID,
		}); err != nil {
			return t, false, err
		}
		return t, true, nil
	})
}

// AdvanceStage moves the task exactly one stage forward, to the stage whose
// order follows the current one.
func (e Engine) AdvanceStage(ctx context.Context, taskID string, actor domain.User) (domain.Task, error) {
	return e.advance(ctx, taskID, "", actor)
}

func (e Engine) advance(ctx context.Context, taskID, fromStageID string, actor domain.User) (domain.Task, error) {
	var from, to domain.Stage
	task, err := e.mutateTask(ctx, taskID, func(tx *sql.Tx, t domain.Task) (domain.Task, bool, error) {
		if !t.HasStage() {
			return t, false, ConflictError{Reason: fmt.Sprintf("task %s has no stage", t.Code)}
		}
		if fromStageID != "" && *t.StageID != fromStageID {
			return t, false, ConflictError{Reason: fmt.Sprintf("task %s is not at stage %s", t.Code, fromStageID)}
		}
		current, err := e.stageOf(ctx, tx, t)
		if err != nil {
			return t, false, err
		}
		next, err := e.Repo.GetStageByOrder(ctx, tx, current.Order+1)
		if errors.Is(err, repo.ErrNotFound) {
			return t, false, ConflictError{Reason: fmt.Sprintf("no further stage after %s", current.Name)}
		}
		if err != nil {
			return t, false, err
		}
		if err := e.Resolver.CanAdvance(actor, t, current); err != nil {
			return t, false, err
		}
		t.StageID = &next.ID
		if _, err := e.eventWriter().Append(ctx, tx, events.StageAdvanced, "task", t.ID, actor.ID, events.EventPayload{
			"from_stage": current.ID,
			"to_stage":   next.ID,
		}); err != nil {
			return t, false, err
		}
		from, to = current, next
		return t, true, nil
	})
	if err != nil {
		return task, err
	}
	e.log().Info("stage advanced", "task", task.Code, "from", from.Name, "to", to.Name, "actor", actor.ID)
	return task, nil
}

// OverrideStage moves a task to any stage. It is an administrative action
// outside the workflow and leaves the approval chain alone.
func (e Engine) OverrideStage(ctx context.Context, taskID, stageID string, actor domain.User) (domain.Task, error) {
	if err := auth.RequireAdmin(actor, "stage override"); err != nil {
		return domain.Task{}, err
	}
	return e.mutateTask(ctx, taskID, func(tx *sql.Tx, t domain.Task) (domain.Task, bool, error) {
		stage, err := e.Repo.GetStage(ctx, tx, stageID)
		if err != nil {
			return t, false, notFound("stage", stageID, err)
		}
		if t.HasStage() && *t.StageID == stage.ID {
			return t, false, nil
		}
		payload := events.EventPayload{"to_stage": stage.ID}
		if t.HasStage() {
			payload["from_stage"] = *t.StageID
		}
		t.StageID = &stage.ID
		if _, err := e.eventWriter().Append(ctx, tx, events.StageOverridden, "task", t.ID, actor.ID, payload); err != nil {
			return t, false, err
		}
		return t, true, nil
	})
}

func isParticipant(user domain.User, t domain.Task) bool {
	switch user.ID {
	case t.CreatorID, t.AssigneeID, t.PrincipalReviewerID:
		return true
	}
	return user.Role == domain.RoleAdmin
}
