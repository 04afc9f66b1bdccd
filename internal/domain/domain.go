package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the operational state of a unit of equipment.
type Status string

const (
	StatusDown        Status = "Down"
	StatusReady       Status = "Ready"
	StatusStandby     Status = "Standby"
	StatusDelay       Status = "Delay"
	StatusShiftchange Status = "Shiftchange"
)

var allStatuses = []Status{StatusDown, StatusReady, StatusStandby, StatusDelay, StatusShiftchange}

// Statuses returns every known status in display order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus matches a status name case-insensitively.
func ParseStatus(s string) (Status, bool) {
	s = strings.TrimSpace(s)
	for _, st := range allStatuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Launchable reports whether an operator may launch equipment in this status.
func (s Status) Launchable() bool {
	return s == StatusReady || s == StatusStandby
}

// Lifecycle is the tagged lifecycle state of a mirror row.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "active"
	LifecycleArchived Lifecycle = "archived"
)

// ArchiveReason records why a row left active tracking.
type ArchiveReason string

const (
	ArchiveLaunched      ArchiveReason = "launched"
	ArchiveCompleted     ArchiveReason = "completed"
	ArchiveCancelled     ArchiveReason = "cancelled"
	ArchiveAutoReady     ArchiveReason = "auto_ready"
	ArchiveStatusChanged ArchiveReason = "status_changed"
)

// ParseArchiveReason validates a caller-supplied reason.
func ParseArchiveReason(s string) (ArchiveReason, bool) {
	switch r := ArchiveReason(strings.ToLower(strings.TrimSpace(s))); r {
	case ArchiveLaunched, ArchiveCompleted, ArchiveCancelled, ArchiveAutoReady, ArchiveStatusChanged:
		return r, true
	}
	return "", false
}

// History actions.
const (
	ActionCreated           = "created"
	ActionSyncCreated       = "sync_created"
	ActionSyncStatusChanged = "sync_status_changed"
	ActionAutoArchived      = "auto_archived"
	ActionLaunched          = "launched"
	ActionManualFlagCleared = "manual_flag_cleared"
	ActionDeleted           = "deleted"
	ActionFieldPrefix       = "update:"
)

// EquipmentID derives the logical mirror id from the external numeric id.
func EquipmentID(externalID int64) string {
	return fmt.Sprintf("EQ-%d", externalID)
}

// EquipmentRecord is one mirror row.
type EquipmentRecord struct {
	RowID            int64      `json:"row_id"`
	ID               string     `json:"id"`
	EquipmentType    string     `json:"equipment_type"`
	Model            string     `json:"model"`
	Section          string     `json:"section"`
	Status           Status     `json:"status" enum:"Down,Ready,Standby,Delay,Shiftchange"`
	Malfunction      string     `json:"malfunction,omitempty"`
	MechanicName     string     `json:"mechanic_name,omitempty"`
	PlannedStart     *time.Time `json:"planned_start,omitempty"`
	PlannedEnd       *time.Time `json:"planned_end,omitempty"`
	ActualStart      *time.Time `json:"actual_start,omitempty"`
	ActualEnd        *time.Time `json:"actual_end,omitempty"`
	PlannedHours     *float64   `json:"planned_hours,omitempty"`
	MSSQLEquipmentID *int64     `json:"mssql_equipment_id,omitempty"`
	MSSQLStatusID    *int64     `json:"mssql_status_id,omitempty"`
	MSSQLReason      string     `json:"mssql_reason,omitempty"`
	LastSyncTime     *time.Time `json:"last_sync_time,omitempty"`
	Lifecycle        Lifecycle  `json:"lifecycle" enum:"active,archived"`
	ManuallyEdited   bool       `json:"manually_edited"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
}

// IsActive reports whether the row is still tracked.
func (r EquipmentRecord) IsActive() bool {
	return r.Lifecycle == LifecycleActive
}

// DelayHours is the overrun past the planned duration for a Down row.
// Nil when the row is not Down or lacks a start or plan.
func (r EquipmentRecord) DelayHours(now time.Time) *float64 {
	if r.Status != StatusDown || r.ActualStart == nil || r.PlannedHours == nil {
		return nil
	}
	elapsed := now.Sub(*r.ActualStart).Hours()
	delay := elapsed - *r.PlannedHours
	if delay < 0 {
		delay = 0
	}
	return &delay
}

// ExternalRecord is one open downtime interval as reported by the source feed.
// Timestamps are already normalized to absolute instants.
type ExternalRecord struct {
	RecordID      int64
	EquipmentID   int64
	EquipmentName string
	Model         string
	StatusID      int64
	Reason        string
	Comment       string
	StartTime     *time.Time
	PlannedEnd    *time.Time
	PlannedHours  *float64
}

// SnapshotEntry is the per-id view used to diff a sync cycle.
type SnapshotEntry struct {
	Status         Status
	ManuallyEdited bool
}

// ArchiveRecord is an immutable copy of a mirror row at archival time.
type ArchiveRecord struct {
	ID                 string        `json:"id"`
	MirrorRowID        int64         `json:"mirror_row_id"`
	EquipmentID        string        `json:"equipment_id"`
	EquipmentType      string        `json:"equipment_type"`
	Model              string        `json:"model"`
	Section            string        `json:"section"`
	Status             Status        `json:"status"`
	Malfunction        string        `json:"malfunction,omitempty"`
	MechanicName       string        `json:"mechanic_name,omitempty"`
	PlannedStart       *time.Time    `json:"planned_start,omitempty"`
	PlannedEnd         *time.Time    `json:"planned_end,omitempty"`
	ActualStart        *time.Time    `json:"actual_start,omitempty"`
	ActualEnd          *time.Time    `json:"actual_end,omitempty"`
	PlannedHours       *float64      `json:"planned_hours,omitempty"`
	MSSQLEquipmentID   *int64        `json:"mssql_equipment_id,omitempty"`
	MSSQLStatusID      *int64        `json:"mssql_status_id,omitempty"`
	MSSQLReason        string        `json:"mssql_reason,omitempty"`
	ManuallyEdited     bool          `json:"manually_edited"`
	CompletedDate      time.Time     `json:"completed_date"`
	CompletionUser     *string       `json:"completion_user,omitempty"`
	CompletionUserName *string       `json:"completion_user_name,omitempty"`
	ArchiveReason      ArchiveReason `json:"archive_reason" enum:"launched,completed,cancelled,auto_ready,status_changed"`
}

// NewArchiveRecord snapshots a mirror row.
func NewArchiveRecord(id string, rec EquipmentRecord, reason ArchiveReason, user *string, at time.Time) ArchiveRecord {
	return ArchiveRecord{
		ID:               id,
		MirrorRowID:      rec.RowID,
		EquipmentID:      rec.ID,
		EquipmentType:    rec.EquipmentType,
		Model:            rec.Model,
		Section:          rec.Section,
		Status:           rec.Status,
		Malfunction:      rec.Malfunction,
		MechanicName:     rec.MechanicName,
		PlannedStart:     rec.PlannedStart,
		PlannedEnd:       rec.PlannedEnd,
		ActualStart:      rec.ActualStart,
		ActualEnd:        rec.ActualEnd,
		PlannedHours:     rec.PlannedHours,
		MSSQLEquipmentID: rec.MSSQLEquipmentID,
		MSSQLStatusID:    rec.MSSQLStatusID,
		MSSQLReason:      rec.MSSQLReason,
		ManuallyEdited:   rec.ManuallyEdited,
		CompletedDate:    at,
		CompletionUser:   user,
		ArchiveReason:    reason,
	}
}

// HistoryEntry is one append-only audit row.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	EquipmentID string    `json:"equipment_id"`
	UserID      *string   `json:"user_id,omitempty"`
	Action      string    `json:"action"`
	OldValue    *string   `json:"old_value,omitempty"`
	NewValue    *string   `json:"new_value,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// User is an operator seen through a bearer credential.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// SyncOutcome summarizes a finished cycle.
type SyncOutcome string

const (
	SyncSuccess SyncOutcome = "success"
	SyncPartial SyncOutcome = "partial"
	SyncFailed  SyncOutcome = "failed"
)

// SyncCounters are the per-cycle counters.
type SyncCounters struct {
	Processed       int `json:"processed"`
	Updated         int `json:"updated"`
	Archived        int `json:"archived"`
	Errors          int `json:"errors"`
	MappingDefaults int `json:"mapping_defaults"`
}

// Add accumulates another set of counters.
func (c *SyncCounters) Add(o SyncCounters) {
	c.Processed += o.Processed
	c.Updated += o.Updated
	c.Archived += o.Archived
	c.Errors += o.Errors
	c.MappingDefaults += o.MappingDefaults
}

// SyncRun is a persisted record of one executed cycle.
type SyncRun struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Outcome    SyncOutcome  `json:"outcome" enum:"success,partial,failed"`
	Counters   SyncCounters `json:"counters"`
	Error      string       `json:"error,omitempty"`
}
