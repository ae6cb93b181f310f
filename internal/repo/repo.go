package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lawtrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion reports a compare-and-set miss on tasks.version.
	ErrStaleVersion = errors.New("stale version")
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

const taskColumns = `id,code,title,description,client_id,department_id,priority,due_date,lifecycle_status,stage_id,creator_id,principal_reviewer_id,assignee_id,admin_approved,principal_approved,assignee_approved,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, clientID, departmentID, dueDate, stageID sql.NullString
	var adminOK, principalOK, assigneeOK int
	err := row.Scan(&t.ID, &t.Code, &t.Title, &description, &clientID, &departmentID, &t.Priority, &dueDate,
		&t.LifecycleStatus, &stageID, &t.CreatorID, &t.PrincipalReviewerID, &t.AssigneeID,
		&adminOK, &principalOK, &assigneeOK, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.ClientID = stringPtr(clientID)
	t.DepartmentID = stringPtr(departmentID)
	t.DueDate = stringPtr(dueDate)
	t.StageID = stringPtr(stageID)
	t.Approvals = domain.ApprovalChain{
		AdminApproved:     adminOK != 0,
		PrincipalApproved: principalOK != 0,
		AssigneeApproved:  assigneeOK != 0,
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Code, t.Title, nullable(t.Description), nullableStringPtr(t.ClientID), nullableStringPtr(t.DepartmentID),
		t.Priority, nullableStringPtr(t.DueDate), t.LifecycleStatus, nullableStringPtr(t.StageID),
		t.CreatorID, t.PrincipalReviewerID, t.AssigneeID,
		boolInt(t.Approvals.AdminApproved), boolInt(t.Approvals.PrincipalApproved), boolInt(t.Approvals.AssigneeApproved),
		t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTaskCAS writes the mutable task columns when the stored version still
// equals expected, and stores t.Version. A miss returns ErrStaleVersion, or
// ErrNotFound when the row is gone.
func (r Repo) UpdateTaskCAS(ctx context.Context, tx *sql.Tx, t domain.Task, expected int64) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET lifecycle_status=?, stage_id=?, admin_approved=?, principal_approved=?, assignee_approved=?, version=?, updated_at=?
WHERE id=? AND version=?`,
		t.LifecycleStatus, nullableStringPtr(t.StageID),
		boolInt(t.Approvals.AdminApproved), boolInt(t.Approvals.PrincipalApproved), boolInt(t.Approvals.AssigneeApproved),
		t.Version, t.UpdatedAt, t.ID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetTaskTx(ctx, tx, t.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetTaskTx reads through tx so the read shares the write lock.
func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskByCode(ctx context.Context, code string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE code=?`, code))
}

type TaskFilters struct {
	StageID         string
	AssigneeID      string
	LifecycleStatus string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.LifecycleStatus != "" {
		clauses = append(clauses, "lifecycle_status=?")
		args = append(args, f.LifecycleStatus)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksAtStage returns how many tasks currently reference the stage.
func (r Repo) CountTasksAtStage(ctx context.Context, tx *sql.Tx, stageID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE stage_id=?`, stageID).Scan(&n)
	return n, err
}

// NextTaskCode reserves the next number for prefix and returns "<prefix>-<n>".
func (r Repo) NextTaskCode(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	var n int64
	err := r.conn(tx).QueryRowContext(ctx, `INSERT INTO task_codes(prefix,next_value) VALUES (?,2)
ON CONFLICT(prefix) DO UPDATE SET next_value=next_value+1
RETURNING next_value-1`, prefix).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("reserve task code: %w", err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
