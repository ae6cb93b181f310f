package engine

import (
	"errors"
	"fmt"

	"lawtrack/internal/repo"
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError reports a transition the current state does not allow.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return e.Reason
}

// notFound wraps repo.ErrNotFound with the entity; other errors pass through.
func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
	}
	return err
}
