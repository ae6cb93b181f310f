package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"lawtrack/internal/config"
	"lawtrack/internal/domain"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/events"
	"lawtrack/internal/repo"
)

// RegisterUser adds or updates a directory entry.
func (e Engine) RegisterUser(ctx context.Context, u domain.User, actorID string) (domain.User, error) {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return domain.User{}, ValidationError{Field: "id", Message: "id is required"}
	}
	if !u.Role.Valid() {
		return domain.User{}, ValidationError{Field: "role", Message: fmt.Sprintf("%q is not one of admin, lawyer, staff", u.Role)}
	}
	if u.CreatedAt == "" {
		u.CreatedAt = e.timestamp()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	if _, err := e.eventWriter().Append(ctx, tx, events.UserRegistered, "user", u.ID, actorID, events.EventPayload{
		"role": u.Role,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		return u, notFound("user", id, err)
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

// SeedUsers registers configured users that are not in the directory yet.
func (e Engine) SeedUsers(ctx context.Context, seeds []config.UserSeed, actorID string) (int, error) {
	created := 0
	for _, seed := range seeds {
		if _, err := e.Repo.GetUser(ctx, seed.ID); err == nil {
			continue
		}
		if _, err := e.RegisterUser(ctx, domain.User{ID: seed.ID, Name: seed.Name, Role: domain.Role(seed.Role)}, actorID); err != nil {
			return created, fmt.Errorf("seed user %s: %w", seed.ID, err)
		}
		created++
	}
	return created, nil
}

// CreateAPIKey mints a key for userID. The plaintext is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	if _, err := e.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "lt_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// UserForAPIKey resolves a plaintext API key to its user.
func (e Engine) UserForAPIKey(ctx context.Context, plain string) (domain.User, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return domain.User{}, notFound("api key", "", err)
	}
	return e.GetUser(ctx, key.UserID)
}

func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey deletes a key. Administrators may revoke any key, other users
// only their own.
func (e Engine) RevokeAPIKey(ctx context.Context, id string, actor domain.User) error {
	if actor.Role != domain.RoleAdmin {
		keys, err := e.Repo.ListAPIKeys(ctx, actor.ID)
		if err != nil {
			return err
		}
		owned := false
		for _, k := range keys {
			if k.ID == id {
				owned = true
				break
			}
		}
		if !owned {
			return auth.RequireAdmin(actor, "revoking another user's api key")
		}
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return notFound("api key", id, err)
	}
	return nil
}
