package auth

import (
	"fmt"

	"lawtrack/internal/domain"
)

// Eligibility selects who may approve the principal checkpoint.
type Eligibility string

const (
	// AnyNonAssignee lets any user other than the assignee approve.
	AnyNonAssignee Eligibility = "any_non_assignee"
	// ReviewerRoles narrows AnyNonAssignee to the configured roles.
	ReviewerRoles Eligibility = "reviewer_roles"
	// Designated requires the task's principal reviewer.
	Designated Eligibility = "designated"
)

// Resolver decides who may act on a task. It holds no state beyond its
// settings and never touches storage.
type Resolver struct {
	Eligibility   Eligibility
	ReviewerRoles []domain.Role
}

func NewResolver(eligibility string, reviewerRoles []string) (Resolver, error) {
	r := Resolver{Eligibility: Eligibility(eligibility)}
	if r.Eligibility == "" {
		r.Eligibility = AnyNonAssignee
	}
	switch r.Eligibility {
	case AnyNonAssignee, ReviewerRoles, Designated:
	default:
		return Resolver{}, fmt.Errorf("unknown principal eligibility %q", eligibility)
	}
	for _, role := range reviewerRoles {
		rr := domain.Role(role)
		if !rr.Valid() {
			return Resolver{}, fmt.Errorf("unknown reviewer role %q", role)
		}
		r.ReviewerRoles = append(r.ReviewerRoles, rr)
	}
	if r.Eligibility == ReviewerRoles && len(r.ReviewerRoles) == 0 {
		return Resolver{}, fmt.Errorf("reviewer_roles eligibility needs at least one role")
	}
	return r, nil
}

// CanApprove reports whether user may approve any checkpoint of task at stage.
func (r Resolver) CanApprove(user domain.User, task domain.Task, stage domain.Stage) bool {
	for _, cp := range domain.Checkpoints {
		if r.CanApproveCheckpoint(user, task, stage, cp) {
			return true
		}
	}
	return false
}

// CanApproveCheckpoint applies the approval table to a single checkpoint.
// An admin_only stage admits only the admin checkpoint.
func (r Resolver) CanApproveCheckpoint(user domain.User, task domain.Task, stage domain.Stage, cp domain.Checkpoint) bool {
	if task.Approvals.Approved(cp) {
		return false
	}
	if stage.ApprovalPolicy == domain.PolicyAdminOnly {
		return cp == domain.CheckpointAdmin && isAdmin(user)
	}
	switch cp {
	case domain.CheckpointAdmin:
		return isAdmin(user)
	case domain.CheckpointAssignee:
		return user.ID == task.AssigneeID
	case domain.CheckpointPrincipal:
		return r.principalEligible(user, task)
	}
	return false
}

// CanAdvance gates a one-step stage move out of stage. A nil result allows it.
// It is not CanApprove: an admin may advance an admin_only stage after the
// admin checkpoint is settled, and multiple requires the whole chain.
func (r Resolver) CanAdvance(user domain.User, task domain.Task, stage domain.Stage) error {
	switch stage.ApprovalPolicy {
	case domain.PolicyAdminOnly:
		if !isAdmin(user) {
			return ForbiddenError{Policy: stage.ApprovalPolicy, Reason: fmt.Sprintf("stage %s can only be advanced by an administrator", stage.Name)}
		}
		return nil
	case domain.PolicyMultiple:
		if !r.participates(user, task) {
			return ForbiddenError{Policy: stage.ApprovalPolicy, Reason: fmt.Sprintf("user %s holds no checkpoint on task %s", user.ID, task.Code)}
		}
		if status := task.ApprovalStatus(); status != domain.StatusApproved {
			return ForbiddenError{Policy: stage.ApprovalPolicy, Checkpoint: task.Approvals.Open(), Reason: fmt.Sprintf("approval chain incomplete (%s)", status)}
		}
		return nil
	default:
		if !r.participates(user, task) {
			return ForbiddenError{Policy: stage.ApprovalPolicy, Reason: fmt.Sprintf("user %s holds no checkpoint on task %s", user.ID, task.Code)}
		}
		return nil
	}
}

// participates reports whether user holds any checkpoint on task,
// regardless of whether it is already approved.
func (r Resolver) participates(user domain.User, task domain.Task) bool {
	return isAdmin(user) || user.ID == task.AssigneeID || r.principalEligible(user, task)
}

func (r Resolver) principalEligible(user domain.User, task domain.Task) bool {
	if user.ID == "" || user.ID == task.AssigneeID {
		return false
	}
	switch r.Eligibility {
	case Designated:
		return user.ID == task.PrincipalReviewerID
	case ReviewerRoles:
		for _, role := range r.ReviewerRoles {
			if user.Role == role {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func isAdmin(user domain.User) bool {
	return user.Role == domain.RoleAdmin
}
