package auth

import (
	"fmt"
	"strings"

	"lawtrack/internal/domain"
)

// ForbiddenError indicates the acting user may not perform the step. It
// names the checkpoint (empty for stage moves) and the stage policy that
// blocked the request.
type ForbiddenError struct {
	Checkpoint domain.Checkpoint
	Policy     domain.ApprovalPolicy
	Reason     string
}

func (e ForbiddenError) Error() string {
	var b strings.Builder
	b.WriteString("forbidden")
	if e.Checkpoint != "" {
		fmt.Fprintf(&b, ": checkpoint %s", e.Checkpoint)
	}
	if e.Policy != "" {
		fmt.Fprintf(&b, " under %s policy", e.Policy)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// RequireAdmin returns ForbiddenError unless user is an administrator.
func RequireAdmin(user domain.User, action string) error {
	if user.Role == domain.RoleAdmin {
		return nil
	}
	return ForbiddenError{Reason: fmt.Sprintf("%s requires role admin, user %s has role %s", action, user.ID, user.Role)}
}
