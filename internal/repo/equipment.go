package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/domain"
)

const equipmentColumns = `row_id,id,equipment_type,model,section,status,malfunction,mechanic_name,planned_start,planned_end,actual_start,actual_end,planned_hours,mssql_equipment_id,mssql_status_id,mssql_reason,last_sync_time,lifecycle,manually_edited,created_at,updated_at,archived_at`

func scanEquipment(s rowScanner) (domain.EquipmentRecord, error) {
	var (
		rec                                              domain.EquipmentRecord
		status, lifecycle, createdAt, updatedAt          string
		plannedStart, plannedEnd, actualStart, actualEnd sql.NullString
		lastSync, archivedAt                             sql.NullString
		plannedHours                                     sql.NullFloat64
		mssqlEquipmentID, mssqlStatusID                  sql.NullInt64
		manual                                           int
	)
	err := s.Scan(&rec.RowID, &rec.ID, &rec.EquipmentType, &rec.Model, &rec.Section, &status, &rec.Malfunction, &rec.MechanicName,
		&plannedStart, &plannedEnd, &actualStart, &actualEnd, &plannedHours, &mssqlEquipmentID, &mssqlStatusID, &rec.MSSQLReason,
		&lastSync, &lifecycle, &manual, &createdAt, &updatedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Status = domain.Status(status)
	rec.Lifecycle = domain.Lifecycle(lifecycle)
	rec.ManuallyEdited = manual != 0
	if plannedHours.Valid {
		h := plannedHours.Float64
		rec.PlannedHours = &h
	}
	if mssqlEquipmentID.Valid {
		v := mssqlEquipmentID.Int64
		rec.MSSQLEquipmentID = &v
	}
	if mssqlStatusID.Valid {
		v := mssqlStatusID.Int64
		rec.MSSQLStatusID = &v
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{plannedStart, &rec.PlannedStart},
		{plannedEnd, &rec.PlannedEnd},
		{actualStart, &rec.ActualStart},
		{actualEnd, &rec.ActualEnd},
		{lastSync, &rec.LastSyncTime},
		{archivedAt, &rec.ArchivedAt},
	} {
		t, err := parseNullTime(f.src)
		if err != nil {
			return rec, fmt.Errorf("equipment %s: %w", rec.ID, err)
		}
		*f.dst = t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("equipment %s created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, fmt.Errorf("equipment %s updated_at: %w", rec.ID, err)
	}
	return rec, nil
}

// ActiveSnapshot returns status and manual flag for every active row.
func (r Repo) ActiveSnapshot(ctx context.Context, tx *sql.Tx) (map[string]domain.SnapshotEntry, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,status,manually_edited FROM equipment_master WHERE lifecycle='active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]domain.SnapshotEntry{}
	for rows.Next() {
		var id, status string
		var manual int
		if err := rows.Scan(&id, &status, &manual); err != nil {
			return nil, err
		}
		out[id] = domain.SnapshotEntry{Status: domain.Status(status), ManuallyEdited: manual != 0}
	}
	return out, rows.Err()
}

// GetActive returns the active row for id.
func (r Repo) GetActive(ctx context.Context, tx *sql.Tx, id string) (domain.EquipmentRecord, error) {
	return scanEquipment(r.q(tx).QueryRowContext(ctx, `SELECT `+equipmentColumns+` FROM equipment_master WHERE id=? AND lifecycle='active'`, id))
}

// GetByRowID returns a row regardless of lifecycle.
func (r Repo) GetByRowID(ctx context.Context, tx *sql.Tx, rowID int64) (domain.EquipmentRecord, error) {
	return scanEquipment(r.q(tx).QueryRowContext(ctx, `SELECT `+equipmentColumns+` FROM equipment_master WHERE row_id=?`, rowID))
}

type EquipmentFilters struct {
	Status        string
	Section       string
	EquipmentType string
}

// ListActive returns active rows ordered by id.
func (r Repo) ListActive(ctx context.Context, tx *sql.Tx, f EquipmentFilters) ([]domain.EquipmentRecord, error) {
	clauses := []string{"lifecycle='active'"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Section != "" {
		clauses = append(clauses, "section=?")
		args = append(args, f.Section)
	}
	if f.EquipmentType != "" {
		clauses = append(clauses, "equipment_type=?")
		args = append(args, f.EquipmentType)
	}
	query := fmt.Sprintf(`SELECT %s FROM equipment_master WHERE %s ORDER BY id`, equipmentColumns, strings.Join(clauses, " AND "))
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EquipmentRecord
	for rows.Next() {
		rec, err := scanEquipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountActiveRows counts active rows for id. Used to check the single-active invariant.
func (r Repo) CountActiveRows(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM equipment_master WHERE id=? AND lifecycle='active'`, id).Scan(&n)
	return n, err
}

// InsertEquipment inserts a new active row and returns its row id.
func (r Repo) InsertEquipment(ctx context.Context, tx *sql.Tx, rec domain.EquipmentRecord) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO equipment_master(id,equipment_type,model,section,status,malfunction,mechanic_name,planned_start,planned_end,actual_start,actual_end,planned_hours,mssql_equipment_id,mssql_status_id,mssql_reason,last_sync_time,lifecycle,manually_edited,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,'active',?,?,?)`,
		rec.ID, rec.EquipmentType, rec.Model, rec.Section, string(rec.Status), rec.Malfunction, rec.MechanicName,
		nullableTime(rec.PlannedStart), nullableTime(rec.PlannedEnd), nullableTime(rec.ActualStart), nullableTime(rec.ActualEnd),
		nullableFloatPtr(rec.PlannedHours), nullableInt64Ptr(rec.MSSQLEquipmentID), nullableInt64Ptr(rec.MSSQLStatusID), rec.MSSQLReason,
		nullableTime(rec.LastSyncTime), boolInt(rec.ManuallyEdited), FormatTime(rec.CreatedAt), FormatTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("equipment %s: %w", rec.ID, ErrConflict)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// SaveEquipment writes every mutable column of an active row.
func (r Repo) SaveEquipment(ctx context.Context, tx *sql.Tx, rec domain.EquipmentRecord) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE equipment_master SET equipment_type=?, model=?, section=?, status=?, malfunction=?, mechanic_name=?,
planned_start=?, planned_end=?, actual_start=?, actual_end=?, planned_hours=?, manually_edited=?, updated_at=?
WHERE row_id=? AND lifecycle='active'`,
		rec.EquipmentType, rec.Model, rec.Section, string(rec.Status), rec.Malfunction, rec.MechanicName,
		nullableTime(rec.PlannedStart), nullableTime(rec.PlannedEnd), nullableTime(rec.ActualStart), nullableTime(rec.ActualEnd),
		nullableFloatPtr(rec.PlannedHours), boolInt(rec.ManuallyEdited), FormatTime(rec.UpdatedAt), rec.RowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertResult describes what a sync upsert did.
type UpsertResult struct {
	RowID          int64
	Inserted       bool
	Changed        bool
	Preserved      bool
	PreviousStatus domain.Status
	Status         domain.Status
}

// Upsert inserts or refreshes the active row for rec.ID from sync data.
// When preserveManualFields is set and the stored row is manually edited,
// status and malfunction keep their stored values; everything else is refreshed.
// The manual flag itself is never touched here.
func (r Repo) Upsert(ctx context.Context, tx *sql.Tx, rec domain.EquipmentRecord, preserveManualFields bool) (UpsertResult, error) {
	existing, err := r.GetActive(ctx, tx, rec.ID)
	if errors.Is(err, ErrNotFound) {
		rec.ManuallyEdited = false
		rowID, err := r.InsertEquipment(ctx, tx, rec)
		if err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{RowID: rowID, Inserted: true, Changed: true, Status: rec.Status}, nil
	}
	if err != nil {
		return UpsertResult{}, err
	}
	preserve := preserveManualFields && existing.ManuallyEdited
	_, err = r.q(tx).ExecContext(ctx, `UPDATE equipment_master SET
equipment_type=?, model=?, section=?,
status=CASE WHEN ?=1 AND manually_edited=1 THEN status ELSE ? END,
malfunction=CASE WHEN ?=1 AND manually_edited=1 THEN malfunction ELSE ? END,
actual_start=?, planned_end=?, planned_hours=?,
mssql_equipment_id=?, mssql_status_id=?, mssql_reason=?, last_sync_time=?, updated_at=?
WHERE row_id=?`,
		rec.EquipmentType, rec.Model, rec.Section,
		boolInt(preserveManualFields), string(rec.Status),
		boolInt(preserveManualFields), rec.Malfunction,
		nullableTime(rec.ActualStart), nullableTime(rec.PlannedEnd), nullableFloatPtr(rec.PlannedHours),
		nullableInt64Ptr(rec.MSSQLEquipmentID), nullableInt64Ptr(rec.MSSQLStatusID), rec.MSSQLReason,
		nullableTime(rec.LastSyncTime), FormatTime(rec.UpdatedAt), existing.RowID)
	if err != nil {
		return UpsertResult{}, err
	}
	res := UpsertResult{
		RowID:          existing.RowID,
		Preserved:      preserve,
		PreviousStatus: existing.Status,
		Status:         rec.Status,
	}
	if preserve {
		res.Status = existing.Status
		rec.Status = existing.Status
		rec.Malfunction = existing.Malfunction
	}
	res.Changed = syncFieldsDiffer(existing, rec)
	return res, nil
}

func syncFieldsDiffer(a, b domain.EquipmentRecord) bool {
	return a.EquipmentType != b.EquipmentType ||
		a.Model != b.Model ||
		a.Section != b.Section ||
		a.Status != b.Status ||
		a.Malfunction != b.Malfunction ||
		a.MSSQLReason != b.MSSQLReason ||
		!sameTime(a.ActualStart, b.ActualStart) ||
		!sameTime(a.PlannedEnd, b.PlannedEnd) ||
		!sameFloat(a.PlannedHours, b.PlannedHours) ||
		!sameInt(a.MSSQLEquipmentID, b.MSSQLEquipmentID) ||
		!sameInt(a.MSSQLStatusID, b.MSSQLStatusID)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	// stored precision is whole seconds
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// MarkInactive moves the active row for id to the archived lifecycle.
// It is idempotent: no active row is not an error.
func (r Repo) MarkInactive(ctx context.Context, tx *sql.Tx, id string, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE equipment_master SET lifecycle='archived', archived_at=?, updated_at=? WHERE id=? AND lifecycle='active'`,
		FormatTime(at), FormatTime(at), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteActive hard-deletes the active row for id.
func (r Repo) DeleteActive(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM equipment_master WHERE id=? AND lifecycle='active'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveByStatus returns counts for every status, zero-filled.
func (r Repo) CountActiveByStatus(ctx context.Context, tx *sql.Tx) (map[domain.Status]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT status, COUNT(*) FROM equipment_master WHERE lifecycle='active' GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for _, s := range domain.Statuses() {
		out[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}

// PurgeArchivedBefore deletes archived mirror rows older than cutoff that
// have an archive row. Rows without one are kept.
func (r Repo) PurgeArchivedBefore(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM equipment_master
WHERE lifecycle='archived' AND archived_at IS NOT NULL AND archived_at < ?
AND EXISTS (SELECT 1 FROM equipment_archive a WHERE a.mirror_row_id = equipment_master.row_id)`, FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
