package repo

import (
	"context"
	"database/sql"

	"fleetwatch/internal/domain"
)

// EnsureUser records an operator seen on a write request. An empty display
// name does not overwrite a stored one.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,display_name,role,last_seen_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  display_name=CASE WHEN excluded.display_name<>'' THEN excluded.display_name ELSE users.display_name END,
  role=CASE WHEN excluded.role<>'' THEN excluded.role ELSE users.role END,
  last_seen_at=excluded.last_seen_at`,
		u.ID, u.DisplayName, u.Role, FormatTime(u.LastSeenAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	var seen string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,display_name,role,last_seen_at FROM users WHERE id=?`, id).Scan(&u.ID, &u.DisplayName, &u.Role, &seen)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.LastSeenAt, err = parseTime(seen)
	return u, err
}
