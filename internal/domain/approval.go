package domain

import "fmt"

// Checkpoint names one of the three approval slots.
type Checkpoint string

const (
	CheckpointAdmin     Checkpoint = "admin"
	CheckpointPrincipal Checkpoint = "principal"
	CheckpointAssignee  Checkpoint = "assignee"
)

// Checkpoints lists the checkpoints in the order they must be approved.
var Checkpoints = []Checkpoint{CheckpointAdmin, CheckpointPrincipal, CheckpointAssignee}

func ParseCheckpoint(s string) (Checkpoint, error) {
	switch c := Checkpoint(s); c {
	case CheckpointAdmin, CheckpointPrincipal, CheckpointAssignee:
		return c, nil
	}
	return "", fmt.Errorf("unknown checkpoint %q", s)
}

type ApprovalStatus string

const (
	StatusPendingAdmin     ApprovalStatus = "pending_admin"
	StatusPendingPrincipal ApprovalStatus = "pending_principal"
	StatusPendingAssignee  ApprovalStatus = "pending_assignee"
	StatusApproved         ApprovalStatus = "approved"
)

// ApprovalChain holds the three append-only checkpoint flags.
type ApprovalChain struct {
	AdminApproved     bool `json:"admin_approved"`
	PrincipalApproved bool `json:"principal_approved"`
	AssigneeApproved  bool `json:"assignee_approved"`
}

// Status derives the approval status; first match wins.
func (c ApprovalChain) Status() ApprovalStatus {
	switch {
	case !c.AdminApproved:
		return StatusPendingAdmin
	case !c.PrincipalApproved:
		return StatusPendingPrincipal
	case !c.AssigneeApproved:
		return StatusPendingAssignee
	default:
		return StatusApproved
	}
}

// Approved reports whether the given checkpoint is already set.
func (c ApprovalChain) Approved(cp Checkpoint) bool {
	switch cp {
	case CheckpointAdmin:
		return c.AdminApproved
	case CheckpointPrincipal:
		return c.PrincipalApproved
	case CheckpointAssignee:
		return c.AssigneeApproved
	}
	return false
}

// Open returns the checkpoint currently awaiting approval, or "" once approved.
func (c ApprovalChain) Open() Checkpoint {
	switch c.Status() {
	case StatusPendingAdmin:
		return CheckpointAdmin
	case StatusPendingPrincipal:
		return CheckpointPrincipal
	case StatusPendingAssignee:
		return CheckpointAssignee
	}
	return ""
}

// With returns a copy of the chain with cp set. Flags are never cleared.
func (c ApprovalChain) With(cp Checkpoint) ApprovalChain {
	switch cp {
	case CheckpointAdmin:
		c.AdminApproved = true
	case CheckpointPrincipal:
		c.PrincipalApproved = true
	case CheckpointAssignee:
		c.AssigneeApproved = true
	}
	return c
}

type ApprovalPolicy string

const (
	PolicySingle    ApprovalPolicy = "single"
	PolicyMultiple  ApprovalPolicy = "multiple"
	PolicyAdminOnly ApprovalPolicy = "admin_only"
)

func (p ApprovalPolicy) Valid() bool {
	switch p {
	case PolicySingle, PolicyMultiple, PolicyAdminOnly:
		return true
	}
	return false
}

type LifecycleStatus string

const (
	LifecycleOpen       LifecycleStatus = "open"
	LifecycleInProgress LifecycleStatus = "in_progress"
	LifecycleCompleted  LifecycleStatus = "completed"
)

func (s LifecycleStatus) Valid() bool {
	switch s {
	case LifecycleOpen, LifecycleInProgress, LifecycleCompleted:
		return true
	}
	return false
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleLawyer Role = "lawyer"
	RoleStaff  Role = "staff"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleLawyer, RoleStaff:
		return true
	}
	return false
}
