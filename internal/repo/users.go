package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"caseflow/internal/domain"
)

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var active, allRoles int
	err := row.Scan(&u.Username, &u.Name, &u.Email, &u.Team, &u.Role, &active, &allRoles, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active == 1
	u.AllRolesAccess = allRoles == 1
	return u, err
}

const userColumns = `username,COALESCE(name,''),COALESCE(email,''),COALESCE(team,''),role,is_active,all_roles_access,created_at`

// UpsertUser inserts u or updates every field but created_at.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username required")
	}
	if strings.TrimSpace(u.Role) == "" {
		return errors.New("role required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO users(username,name,email,team,role,is_active,all_roles_access,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(username) DO UPDATE SET name=excluded.name, email=excluded.email, team=excluded.team, role=excluded.role,
is_active=excluded.is_active, all_roles_access=excluded.all_roles_access`,
		u.Username, nullable(u.Name), nullable(u.Email), nullable(u.Team), u.Role, boolInt(u.Active), boolInt(u.AllRolesAccess), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, username string) (domain.User, error) {
	return scanUser(r.on(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
}

// ListUsers returns users ordered by username, optionally restricted to role.
func (r Repo) ListUsers(ctx context.Context, role string, activeOnly bool) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var where []string
	var args []any
	if role != "" {
		where = append(where, "role=?")
		args = append(args, role)
	}
	if activeOnly {
		where = append(where, "is_active=1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY username"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r Repo) SetUserActive(ctx context.Context, username string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET is_active=? WHERE username=?`, boolInt(active), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
