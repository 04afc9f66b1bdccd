package repo

import (
	"context"
	"database/sql"

	"fleetwatch/internal/domain"
)

// InsertHistory appends one history row.
func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO equipment_history(equipment_id,user_id,action,old_value,new_value,ts) VALUES (?,?,?,?,?,?)`,
		h.EquipmentID, nullableStringPtr(h.UserID), h.Action, h.OldValue, h.NewValue, FormatTime(h.Timestamp))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const historyColumns = `id,equipment_id,user_id,action,old_value,new_value,ts`

func scanHistory(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var userID, oldValue, newValue sql.NullString
		var ts string
		if err := rows.Scan(&h.ID, &h.EquipmentID, &userID, &h.Action, &oldValue, &newValue, &ts); err != nil {
			return nil, err
		}
		if userID.Valid {
			h.UserID = &userID.String
		}
		if oldValue.Valid {
			h.OldValue = &oldValue.String
		}
		if newValue.Valid {
			h.NewValue = &newValue.String
		}
		var err error
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListHistory returns entries for one equipment id, newest first.
func (r Repo) ListHistory(ctx context.Context, tx *sql.Tx, equipmentID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+historyColumns+` FROM equipment_history WHERE equipment_id=? ORDER BY id DESC LIMIT ?`, equipmentID, limit)
	if err != nil {
		return nil, err
	}
	return scanHistory(rows)
}

// HistoryAfter returns entries with id greater than afterID, oldest first.
func (r Repo) HistoryAfter(ctx context.Context, tx *sql.Tx, afterID int64, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+historyColumns+` FROM equipment_history WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanHistory(rows)
}

// LatestHistoryID returns the highest history id, or 0 when empty.
func (r Repo) LatestHistoryID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var id sql.NullInt64
	if err := r.q(tx).QueryRowContext(ctx, `SELECT MAX(id) FROM equipment_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// CountHistory counts all history rows for an equipment id.
func (r Repo) CountHistory(ctx context.Context, tx *sql.Tx, equipmentID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM equipment_history WHERE equipment_id=?`, equipmentID).Scan(&n)
	return n, err
}
