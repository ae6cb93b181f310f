package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lawtrack/internal/domain"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/events"
	"lawtrack/internal/repo"
)

var priorities = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

type CreateTaskInput struct {
	Title               string
	Description         string
	ClientID            string
	DepartmentID        string
	PrincipalReviewerID string
	AssigneeID          string
	Priority            string
	DueDate             string
	InitialStageID      string
}

// CreateTask stores a new task with an empty approval chain, optionally
// placing it at the chosen initial stage.
func (e Engine) CreateTask(ctx context.Context, in CreateTaskInput, actor domain.User) (domain.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return domain.Task{}, ValidationError{Field: "title", Message: "title is required"}
	}
	if in.PrincipalReviewerID == "" {
		return domain.Task{}, ValidationError{Field: "principal_reviewer_id", Message: "principal reviewer is required"}
	}
	if in.AssigneeID == "" {
		return domain.Task{}, ValidationError{Field: "assignee_id", Message: "assignee is required"}
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}
	if !priorities[in.Priority] {
		return domain.Task{}, ValidationError{Field: "priority", Message: fmt.Sprintf("%q is not one of low, normal, high, urgent", in.Priority)}
	}
	if in.DueDate != "" {
		if _, err := time.Parse(time.DateOnly, in.DueDate); err != nil {
			return domain.Task{}, ValidationError{Field: "due_date", Message: fmt.Sprintf("%q is not a YYYY-MM-DD date", in.DueDate)}
		}
	}
	if err := e.ensureKnownUsers(ctx, map[string]string{
		"principal_reviewer_id": in.PrincipalReviewerID,
		"assignee_id":           in.AssigneeID,
	}); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	var stageID *string
	if in.InitialStageID != "" {
		stage, err := e.Repo.GetStage(ctx, tx, in.InitialStageID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, ValidationError{Field: "initial_stage_id", Message: fmt.Sprintf("stage %s does not exist", in.InitialStageID)}
		}
		if err != nil {
			return domain.Task{}, err
		}
		stageID = &stage.ID
	}
	code, err := e.Repo.NextTaskCode(ctx, tx, e.codePrefix())
	if err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t := domain.Task{
		ID:                  uuid.NewString(),
		Code:                code,
		Title:               in.Title,
		Description:         in.Description,
		ClientID:            optionalString(in.ClientID),
		DepartmentID:        optionalString(in.DepartmentID),
		Priority:            in.Priority,
		DueDate:             optionalString(in.DueDate),
		LifecycleStatus:     domain.LifecycleOpen,
		StageID:             stageID,
		CreatorID:           actor.ID,
		PrincipalReviewerID: in.PrincipalReviewerID,
		AssigneeID:          in.AssigneeID,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	payload := events.EventPayload{
		"code":                  t.Code,
		"title":                 t.Title,
		"principal_reviewer_id": t.PrincipalReviewerID,
		"assignee_id":           t.AssigneeID,
	}
	if stageID != nil {
		payload["stage_id"] = *stageID
	}
	if _, err := e.eventWriter().Append(ctx, tx, events.TaskCreated, "task", t.ID, actor.ID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", "task", t.Code, "creator", actor.ID)
	return t, nil
}

// ensureKnownUsers checks participants against the user directory. An empty
// directory accepts any id.
func (e Engine) ensureKnownUsers(ctx context.Context, fields map[string]string) error {
	n, err := e.Repo.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	for _, field := range []string{"principal_reviewer_id", "assignee_id"} {
		id, ok := fields[field]
		if !ok {
			continue
		}
		if _, err := e.Repo.GetUser(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ValidationError{Field: field, Message: fmt.Sprintf("unknown user %s", id)}
			}
			return err
		}
	}
	return nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		t, err = e.Repo.GetTaskByCode(ctx, id)
	}
	if err != nil {
		return t, notFound("task", id, err)
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// MoveToNextStage is the workflow name for AdvanceStage.
func (e Engine) MoveToNextStage(ctx context.Context, taskID string, actor domain.User) (domain.Task, error) {
	return e.AdvanceStage(ctx, taskID, actor)
}

// AdvanceFromStage advances the task only if it is still at stageID.
func (e Engine) AdvanceFromStage(ctx context.Context, stageID, taskID string, actor domain.User) (domain.Task, error) {
	if _, err := e.GetStage(ctx, stageID); err != nil {
		return domain.Task{}, err
	}
	return e.advance(ctx, taskID, stageID, actor)
}

// ReassignStage performs the initial assignment for an unplaced task and an
// administrative override otherwise.
func (e Engine) ReassignStage(ctx context.Context, taskID, stageID string, actor domain.User) (domain.Task, error) {
	t, err := e.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	taskID = t.ID
	if !t.HasStage() {
		t, err = e.AssignInitialStage(ctx, taskID, stageID, actor)
		var conflict ConflictError
		if !errors.As(err, &conflict) {
			return t, err
		}
		// Placed concurrently; fall through to the override path.
	}
	return e.OverrideStage(ctx, taskID, stageID, actor)
}

// SetLifecycleStatus moves the coarse open/in_progress/completed flag.
// Only an administrator may force a transition out of completed.
func (e Engine) SetLifecycleStatus(ctx context.Context, taskID, status string, force bool, actor domain.User) (domain.Task, error) {
	next := domain.LifecycleStatus(status)
	if !next.Valid() {
		return domain.Task{}, ValidationError{Field: "status", Message: fmt.Sprintf("%q is not one of open, in_progress, completed", status)}
	}
	if force {
		if err := auth.RequireAdmin(actor, "forced status change"); err != nil {
			return domain.Task{}, err
		}
	}
	return e.mutateTask(ctx, taskID, func(tx *sql.Tx, t domain.Task) (domain.Task, bool, error) {
		if t.LifecycleStatus == next {
			return t, false, nil
		}
		if !isParticipant(actor, t) {
			return t, false, auth.ForbiddenError{Reason: fmt.Sprintf("user %s is not a participant of task %s", actor.ID, t.Code)}
		}
		if err := ensureLifecycleTransition(t.LifecycleStatus, next, force); err != nil {
			return t, false, err
		}
		from := t.LifecycleStatus
		t.LifecycleStatus = next
		if _, err := e.eventWriter().Append(ctx, tx, events.TaskStatusChanged, "task", t.ID, actor.ID, events.EventPayload{
			"from_status": from,
			"to_status":   next,
			"forced":      force,
		}); err != nil {
			return t, false, err
		}
		return t, true, nil
	})
}

func ensureLifecycleTransition(from, to domain.LifecycleStatus, force bool) error {
	if force {
		return nil
	}
	switch from {
	case domain.LifecycleOpen:
		if to == domain.LifecycleInProgress {
			return nil
		}
	case domain.LifecycleInProgress:
		if to == domain.LifecycleCompleted || to == domain.LifecycleOpen {
			return nil
		}
	}
	return ConflictError{Reason: fmt.Sprintf("invalid task status transition %s -> %s", from, to)}
}

// ListEvents returns audit events newest first.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, f)
}
