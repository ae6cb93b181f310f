package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"lawtrack/internal/config"
	"lawtrack/internal/domain"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/events"
	"lawtrack/internal/repo"
)

type StageInput struct {
	Name           string
	Order          int
	ApprovalPolicy string
	Color          string
	Requirements   string
	Description    string
}

func (e Engine) ListStages(ctx context.Context) ([]domain.Stage, error) {
	return e.Repo.ListStages(ctx, nil)
}

func (e Engine) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, nil, id)
	if err != nil {
		return s, notFound("stage", id, err)
	}
	return s, nil
}

func (e Engine) CreateStage(ctx context.Context, in StageInput, actor domain.User) (domain.Stage, error) {
	if err := auth.RequireAdmin(actor, "create stage"); err != nil {
		return domain.Stage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	s, err := e.insertStage(ctx, tx, in, actor.ID)
	if err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

func (e Engine) insertStage(ctx context.Context, tx *sql.Tx, in StageInput, actorID string) (domain.Stage, error) {
	if err := e.validateStage(ctx, tx, in, ""); err != nil {
		return domain.Stage{}, err
	}
	now := e.timestamp()
	s := domain.Stage{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(in.Name),
		Order:          in.Order,
		ApprovalPolicy: domain.ApprovalPolicy(in.ApprovalPolicy),
		Color:          in.Color,
		Requirements:   in.Requirements,
		Description:    in.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
		return domain.Stage{}, fmt.Errorf("insert stage: %w", err)
	}
	if _, err := e.eventWriter().Append(ctx, tx, events.StageCreated, "stage", s.ID, actorID, events.EventPayload{
		"name":            s.Name,
		"order":           s.Order,
		"approval_policy": s.ApprovalPolicy,
	}); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

func (e Engine) UpdateStage(ctx context.Context, id string, in StageInput, actor domain.User) (domain.Stage, error) {
	if err := auth.RequireAdmin(actor, "update stage"); err != nil {
		return domain.Stage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStage(ctx, tx, id)
	if err != nil {
		return domain.Stage{}, notFound("stage", id, err)
	}
	if err := e.validateStage(ctx, tx, in, id); err != nil {
		return domain.Stage{}, err
	}
	before := s
	s.Name = strings.TrimSpace(in.Name)
	s.Order = in.Order
	s.ApprovalPolicy = domain.ApprovalPolicy(in.ApprovalPolicy)
	s.Color = in.Color
	s.Requirements = in.Requirements
	s.Description = in.Description
	s.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateStage(ctx, tx, s); err != nil {
		return domain.Stage{}, notFound("stage", id, err)
	}
	if _, err := e.eventWriter().Append(ctx, tx, events.StageUpdated, "stage", s.ID, actor.ID, events.EventPayload{
		"from_order":  before.Order,
		"to_order":    s.Order,
		"from_policy": before.ApprovalPolicy,
		"to_policy":   s.ApprovalPolicy,
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

// DeleteStage refuses while any task still sits at the stage.
func (e Engine) DeleteStage(ctx context.Context, id string, actor domain.User) error {
	if err := auth.RequireAdmin(actor, "delete stage"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStage(ctx, tx, id)
	if err != nil {
		return notFound("stage", id, err)
	}
	n, err := e.Repo.CountTasksAtStage(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ConflictError{Reason: fmt.Sprintf("stage %s still has %d task(s); reassign them first", s.Name, n)}
	}
	if err := e.Repo.DeleteStage(ctx, tx, id); err != nil {
		return notFound("stage", id, err)
	}
	if _, err := e.eventWriter().Append(ctx, tx, events.StageDeleted, "stage", id, actor.ID, events.EventPayload{
		"name":  s.Name,
		"order": s.Order,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedStages inserts the configured stages when the registry is empty and
// reports how many were created.
func (e Engine) SeedStages(ctx context.Context, seeds []config.StageSeed, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	existing, err := e.Repo.ListStages(ctx, tx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 || len(seeds) == 0 {
		return 0, nil
	}
	for _, seed := range seeds {
		if _, err := e.insertStage(ctx, tx, StageInput{
			Name:           seed.Name,
			Order:          seed.Order,
			ApprovalPolicy: seed.ApprovalPolicy,
			Color:          seed.Color,
			Requirements:   seed.Requirements,
			Description:    seed.Description,
		}, actorID); err != nil {
			return 0, fmt.Errorf("seed stage %s: %w", seed.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(seeds), nil
}

func (e Engine) validateStage(ctx context.Context, tx *sql.Tx, in StageInput, selfID string) error {
	if strings.TrimSpace(in.Name) == "" {
		return ValidationError{Field: "name", Message: "name is required"}
	}
	if in.Order <= 0 {
		return ValidationError{Field: "order", Message: fmt.Sprintf("order must be positive, got %d", in.Order)}
	}
	if !domain.ApprovalPolicy(in.ApprovalPolicy).Valid() {
		return ValidationError{Field: "approval_policy", Message: fmt.Sprintf("%q is not one of single, multiple, admin_only", in.ApprovalPolicy)}
	}
	other, err := e.Repo.GetStageByOrder(ctx, tx, in.Order)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil
	case err != nil:
		return err
	case other.ID != selfID:
		return ValidationError{Field: "order", Message: fmt.Sprintf("order %d already used by stage %s", in.Order, other.Name)}
	}
	return nil
}
