package repo

import (
	"context"
	"database/sql"
	"errors"

	"lawtrack/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(id,name,role,created_at) VALUES (?,?,?,?)`,
		u.ID, nullable(u.Name), u.Role, u.CreatedAt)
	return err
}

// UpsertUser inserts the user or updates its name and role.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(id,name,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role`,
		u.ID, nullable(u.Name), u.Role, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),role,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
