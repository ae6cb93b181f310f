package repo

import (
	"context"
	"database/sql"

	"lawtrack/internal/domain"
)

const stageColumns = `id,name,stage_order,approval_policy,COALESCE(color,''),COALESCE(requirements,''),COALESCE(description,''),created_at,updated_at`

func scanStage(row rowScanner) (domain.Stage, error) {
	var s domain.Stage
	err := row.Scan(&s.ID, &s.Name, &s.Order, &s.ApprovalPolicy, &s.Color, &s.Requirements, &s.Description, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO stages(id,name,stage_order,approval_policy,color,requirements,description,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.Order, s.ApprovalPolicy, nullable(s.Color), nullable(s.Requirements), nullable(s.Description), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE stages SET name=?, stage_order=?, approval_policy=?, color=?, requirements=?, description=?, updated_at=? WHERE id=?`,
		s.Name, s.Order, s.ApprovalPolicy, nullable(s.Color), nullable(s.Requirements), nullable(s.Description), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteStage(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM stages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetStage(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	return scanStage(r.conn(tx).QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
}

// GetStageByOrder looks a stage up by its position in the pipeline.
func (r Repo) GetStageByOrder(ctx context.Context, tx *sql.Tx, order int) (domain.Stage, error) {
	return scanStage(r.conn(tx).QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE stage_order=?`, order))
}

// ListStages returns stages ascending by order.
func (r Repo) ListStages(ctx context.Context, tx *sql.Tx) ([]domain.Stage, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT `+stageColumns+` FROM stages ORDER BY stage_order ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
