package domain

// Task is the unit of work tracked through stages and approvals.
type Task struct {
	ID                  string          `json:"id"`
	Code                string          `json:"code"`
	Title               string          `json:"title"`
	Description         string          `json:"description,omitempty"`
	ClientID            *string         `json:"client_id,omitempty"`
	DepartmentID        *string         `json:"department_id,omitempty"`
	Priority            string          `json:"priority" enum:"low,normal,high,urgent"`
	DueDate             *string         `json:"due_date,omitempty"`
	LifecycleStatus     LifecycleStatus `json:"lifecycle_status" enum:"open,in_progress,completed"`
	StageID             *string         `json:"stage_id,omitempty"`
	CreatorID           string          `json:"creator_id"`
	PrincipalReviewerID string          `json:"principal_reviewer_id"`
	AssigneeID          string          `json:"assignee_id"`
	Approvals           ApprovalChain   `json:"approvals"`
	Version             int64           `json:"version"`
	CreatedAt           string          `json:"created_at" format:"date-time"`
	UpdatedAt           string          `json:"updated_at" format:"date-time"`
}

// ApprovalStatus is derived from the chain on every read.
func (t Task) ApprovalStatus() ApprovalStatus {
	return t.Approvals.Status()
}

// HasStage reports whether the task has been placed in the pipeline.
func (t Task) HasStage() bool {
	return t.StageID != nil && *t.StageID != ""
}

type Stage struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Order          int            `json:"order"`
	ApprovalPolicy ApprovalPolicy `json:"approval_policy" enum:"single,multiple,admin_only"`
	Color          string         `json:"color,omitempty"`
	Requirements   string         `json:"requirements,omitempty"`
	Description    string         `json:"description,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
