package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/domain"
)

const archiveColumns = `a.id,a.mirror_row_id,a.equipment_id,a.equipment_type,a.model,a.section,a.status,a.malfunction,a.mechanic_name,a.planned_start,a.planned_end,a.actual_start,a.actual_end,a.planned_hours,a.mssql_equipment_id,a.mssql_status_id,a.mssql_reason,a.manually_edited,a.completed_date,a.completion_user,a.archive_reason,COALESCE(NULLIF(u.display_name,''),u.id)`

func scanArchive(s rowScanner) (domain.ArchiveRecord, error) {
	var (
		a                                                domain.ArchiveRecord
		status, reason, completed                        string
		plannedStart, plannedEnd, actualStart, actualEnd sql.NullString
		completionUser, completionUserName               sql.NullString
		plannedHours                                     sql.NullFloat64
		mssqlEquipmentID, mssqlStatusID                  sql.NullInt64
		manual                                           int
	)
	err := s.Scan(&a.ID, &a.MirrorRowID, &a.EquipmentID, &a.EquipmentType, &a.Model, &a.Section, &status, &a.Malfunction, &a.MechanicName,
		&plannedStart, &plannedEnd, &actualStart, &actualEnd, &plannedHours, &mssqlEquipmentID, &mssqlStatusID, &a.MSSQLReason,
		&manual, &completed, &completionUser, &reason, &completionUserName)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.Status(status)
	a.ArchiveReason = domain.ArchiveReason(reason)
	a.ManuallyEdited = manual != 0
	if plannedHours.Valid {
		h := plannedHours.Float64
		a.PlannedHours = &h
	}
	if mssqlEquipmentID.Valid {
		v := mssqlEquipmentID.Int64
		a.MSSQLEquipmentID = &v
	}
	if mssqlStatusID.Valid {
		v := mssqlStatusID.Int64
		a.MSSQLStatusID = &v
	}
	if completionUser.Valid {
		a.CompletionUser = &completionUser.String
	}
	if completionUserName.Valid {
		a.CompletionUserName = &completionUserName.String
	}
	if a.PlannedStart, err = parseNullTime(plannedStart); err != nil {
		return a, err
	}
	if a.PlannedEnd, err = parseNullTime(plannedEnd); err != nil {
		return a, err
	}
	if a.ActualStart, err = parseNullTime(actualStart); err != nil {
		return a, err
	}
	if a.ActualEnd, err = parseNullTime(actualEnd); err != nil {
		return a, err
	}
	if a.CompletedDate, err = parseTime(completed); err != nil {
		return a, fmt.Errorf("archive %s completed_date: %w", a.ID, err)
	}
	return a, nil
}

// InsertArchive appends an immutable archive row. A second archive for the
// same mirror row is a conflict.
func (r Repo) InsertArchive(ctx context.Context, tx *sql.Tx, a domain.ArchiveRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO equipment_archive(id,mirror_row_id,equipment_id,equipment_type,model,section,status,malfunction,mechanic_name,planned_start,planned_end,actual_start,actual_end,planned_hours,mssql_equipment_id,mssql_status_id,mssql_reason,manually_edited,completed_date,completion_user,archive_reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.MirrorRowID, a.EquipmentID, a.EquipmentType, a.Model, a.Section, string(a.Status), a.Malfunction, a.MechanicName,
		nullableTime(a.PlannedStart), nullableTime(a.PlannedEnd), nullableTime(a.ActualStart), nullableTime(a.ActualEnd),
		nullableFloatPtr(a.PlannedHours), nullableInt64Ptr(a.MSSQLEquipmentID), nullableInt64Ptr(a.MSSQLStatusID), a.MSSQLReason,
		boolInt(a.ManuallyEdited), FormatTime(a.CompletedDate), nullableStringPtr(a.CompletionUser), string(a.ArchiveReason))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("archive for row %d: %w", a.MirrorRowID, ErrConflict)
		}
		return err
	}
	return nil
}

// GetArchive returns one archive row.
func (r Repo) GetArchive(ctx context.Context, tx *sql.Tx, id string) (domain.ArchiveRecord, error) {
	return scanArchive(r.q(tx).QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM equipment_archive a LEFT JOIN users u ON u.id = a.completion_user WHERE a.id=?`, id))
}

type ArchiveFilters struct {
	Page          int
	Limit         int
	EquipmentID   string
	EquipmentType string
	Mechanic      string
	Reason        string
	DateFrom      *time.Time
	DateTo        *time.Time
}

func (f ArchiveFilters) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.EquipmentID != "" {
		clauses = append(clauses, "a.equipment_id=?")
		args = append(args, f.EquipmentID)
	}
	if f.EquipmentType != "" {
		clauses = append(clauses, "a.equipment_type=?")
		args = append(args, f.EquipmentType)
	}
	if f.Mechanic != "" {
		clauses = append(clauses, "a.mechanic_name LIKE ?")
		args = append(args, "%"+f.Mechanic+"%")
	}
	if f.Reason != "" {
		clauses = append(clauses, "a.archive_reason=?")
		args = append(args, f.Reason)
	}
	if f.DateFrom != nil {
		clauses = append(clauses, "a.completed_date>=?")
		args = append(args, FormatTime(*f.DateFrom))
	}
	if f.DateTo != nil {
		clauses = append(clauses, "a.completed_date<?")
		args = append(args, FormatTime(*f.DateTo))
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListArchive returns one page of archive rows, newest first, and the total match count.
func (r Repo) ListArchive(ctx context.Context, tx *sql.Tx, f ArchiveFilters) ([]domain.ArchiveRecord, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	where, args := f.where()
	var total int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM equipment_archive a `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM equipment_archive a LEFT JOIN users u ON u.id = a.completion_user %s ORDER BY a.completed_date DESC, a.id DESC LIMIT ? OFFSET ?`, archiveColumns, where)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []domain.ArchiveRecord
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ArchiveStats aggregates archive rows in a date window.
type ArchiveStats struct {
	Total    int            `json:"total"`
	ByReason map[string]int `json:"by_reason"`
	ByType   map[string]int `json:"by_equipment_type"`
}

func (r Repo) ArchiveStats(ctx context.Context, tx *sql.Tx, from, to *time.Time) (ArchiveStats, error) {
	where, args := ArchiveFilters{DateFrom: from, DateTo: to}.where()
	stats := ArchiveStats{ByReason: map[string]int{}, ByType: map[string]int{}}
	for _, g := range []struct {
		column string
		dst    map[string]int
	}{
		{"a.archive_reason", stats.ByReason},
		{"a.equipment_type", stats.ByType},
	} {
		rows, err := r.q(tx).QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM equipment_archive a %s GROUP BY %s`, g.column, where, g.column), args...)
		if err != nil {
			return stats, err
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return stats, err
			}
			g.dst[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return stats, err
		}
		rows.Close()
	}
	for _, n := range stats.ByReason {
		stats.Total += n
	}
	return stats, nil
}

// CountArchiveForEquipment counts archive rows for a logical id.
func (r Repo) CountArchiveForEquipment(ctx context.Context, tx *sql.Tx, equipmentID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM equipment_archive WHERE equipment_id=?`, equipmentID).Scan(&n)
	return n, err
}
