package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/history"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/statusmap"
)

// ErrInvalidState is returned when an operation does not apply to the row's current status.
var ErrInvalidState = errors.New("invalid state")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Actor is the authenticated operator behind a write.
type Actor struct {
	ID   string
	Name string
	Role string
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Config  *config.Config
	Mapper  *statusmap.Mapper
	Now     func() time.Time
	Logger  logrus.FieldLogger
}

func New(db *sql.DB, cfg *config.Config, logger logrus.FieldLogger) Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var mapping config.MappingConfig
	if cfg != nil {
		mapping = cfg.Mapping
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		History: history.Writer{Repo: r, Logger: logger},
		Config:  cfg,
		Mapper:  statusmap.New(mapping),
		Now:     time.Now,
		Logger:  logger,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

func (e Engine) mapper() *statusmap.Mapper {
	if e.Mapper != nil {
		return e.Mapper
	}
	return statusmap.New(config.MappingConfig{})
}

func (e Engine) history() history.Writer {
	w := e.History
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e Engine) ensureActor(ctx context.Context, tx *sql.Tx, actor *Actor) (*string, error) {
	if actor == nil || actor.ID == "" {
		return nil, nil
	}
	if err := e.Repo.EnsureUser(ctx, tx, domain.User{ID: actor.ID, DisplayName: actor.Name, Role: actor.Role, LastSeenAt: e.now()}); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	id := actor.ID
	return &id, nil
}

// CreateOptions are parameters for a manually created mirror row.
type CreateOptions struct {
	ID            string
	EquipmentType string
	Model         string
	Section       string
	Status        string
	Malfunction   string
	MechanicName  string
	PlannedStart  *time.Time
	PlannedEnd    *time.Time
	ActualStart   *time.Time
	ActualEnd     *time.Time
	PlannedHours  *float64
}

// CreateEquipment inserts an operator-entered row. It is flagged as manually
// edited so the sync path keeps its status.
func (e Engine) CreateEquipment(ctx context.Context, actor *Actor, opts CreateOptions) (domain.EquipmentRecord, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return domain.EquipmentRecord{}, ValidationError{Field: "id", Message: "is required"}
	}
	status, ok := domain.ParseStatus(opts.Status)
	if !ok {
		return domain.EquipmentRecord{}, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	if opts.PlannedHours != nil && *opts.PlannedHours < 0 {
		return domain.EquipmentRecord{}, ValidationError{Field: "planned_hours", Message: "must not be negative"}
	}
	eqType := strings.TrimSpace(opts.EquipmentType)
	if eqType == "" {
		eqType = e.mapper().EquipmentType(opts.Model)
	}
	section := strings.TrimSpace(opts.Section)
	if section == "" {
		section = e.mapper().Section("", eqType)
	}
	malfunction := strings.TrimSpace(opts.Malfunction)
	if status != domain.StatusDown {
		malfunction = ""
	}
	now := e.now()
	rec := domain.EquipmentRecord{
		ID:             id,
		EquipmentType:  eqType,
		Model:          strings.TrimSpace(opts.Model),
		Section:        section,
		Status:         status,
		Malfunction:    malfunction,
		MechanicName:   strings.TrimSpace(opts.MechanicName),
		PlannedStart:   opts.PlannedStart,
		PlannedEnd:     opts.PlannedEnd,
		ActualStart:    opts.ActualStart,
		ActualEnd:      opts.ActualEnd,
		PlannedHours:   opts.PlannedHours,
		Lifecycle:      domain.LifecycleActive,
		ManuallyEdited: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	defer tx.Rollback()
	userID, err := e.ensureActor(ctx, tx, actor)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	rowID, err := e.Repo.InsertEquipment(ctx, tx, rec)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EquipmentRecord{}, err
	}
	rec.RowID = rowID
	w := e.history()
	_ = w.Record(ctx, w.Entry(rec.ID, userID, domain.ActionCreated, nil, history.Value(string(rec.Status))))
	return rec, nil
}

// UpdateOptions is a partial update; nil fields are left alone.
type UpdateOptions struct {
	EquipmentType *string
	Model         *string
	Section       *string
	Status        *string
	Malfunction   *string
	MechanicName  *string
	PlannedStart  *time.Time
	PlannedEnd    *time.Time
	ActualStart   *time.Time
	ActualEnd     *time.Time
	PlannedHours  *float64
}

type fieldChange struct {
	field    string
	old, new string
}

// UpdateEquipment applies a partial update to the active row for id. Every
// changed field gets its own history entry. A direct change to status or
// malfunction marks the row as manually edited.
func (e Engine) UpdateEquipment(ctx context.Context, actor *Actor, id string, opts UpdateOptions) (domain.EquipmentRecord, error) {
	var status domain.Status
	if opts.Status != nil {
		st, ok := domain.ParseStatus(*opts.Status)
		if !ok {
			return domain.EquipmentRecord{}, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *opts.Status)}
		}
		status = st
	}
	if opts.PlannedHours != nil && *opts.PlannedHours < 0 {
		return domain.EquipmentRecord{}, ValidationError{Field: "planned_hours", Message: "must not be negative"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetActive(ctx, tx, id)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}

	var changes []fieldChange
	setString := func(field string, dst *string, v *string) {
		if v == nil {
			return
		}
		nv := strings.TrimSpace(*v)
		if nv != *dst {
			changes = append(changes, fieldChange{field: field, old: *dst, new: nv})
			*dst = nv
		}
	}
	setTime := func(field string, dst **time.Time, v *time.Time) {
		if v == nil {
			return
		}
		nv := v.UTC().Truncate(time.Second)
		if *dst != nil && (*dst).Equal(nv) {
			return
		}
		changes = append(changes, fieldChange{field: field, old: formatTimePtr(*dst), new: repo.FormatTime(nv)})
		*dst = &nv
	}

	setString("equipment_type", &rec.EquipmentType, opts.EquipmentType)
	setString("model", &rec.Model, opts.Model)
	setString("section", &rec.Section, opts.Section)
	setString("mechanic_name", &rec.MechanicName, opts.MechanicName)
	manual := false
	if opts.Status != nil && status != rec.Status {
		changes = append(changes, fieldChange{field: "status", old: string(rec.Status), new: string(status)})
		rec.Status = status
		manual = true
	}
	if opts.Malfunction != nil && strings.TrimSpace(*opts.Malfunction) != "" && rec.Status != domain.StatusDown {
		return domain.EquipmentRecord{}, ValidationError{Field: "malfunction", Message: "only allowed while status is Down"}
	}
	before := len(changes)
	setString("malfunction", &rec.Malfunction, opts.Malfunction)
	if len(changes) > before {
		manual = true
	}
	if rec.Status != domain.StatusDown && rec.Malfunction != "" {
		changes = append(changes, fieldChange{field: "malfunction", old: rec.Malfunction, new: ""})
		rec.Malfunction = ""
	}
	setTime("planned_start", &rec.PlannedStart, opts.PlannedStart)
	setTime("planned_end", &rec.PlannedEnd, opts.PlannedEnd)
	setTime("actual_start", &rec.ActualStart, opts.ActualStart)
	setTime("actual_end", &rec.ActualEnd, opts.ActualEnd)
	if opts.PlannedHours != nil && (rec.PlannedHours == nil || *rec.PlannedHours != *opts.PlannedHours) {
		changes = append(changes, fieldChange{field: "planned_hours", old: formatFloatPtr(rec.PlannedHours), new: formatFloatPtr(opts.PlannedHours)})
		h := *opts.PlannedHours
		rec.PlannedHours = &h
	}
	if len(changes) == 0 {
		return rec, nil
	}
	if manual {
		rec.ManuallyEdited = true
	}
	rec.UpdatedAt = e.now()

	userID, err := e.ensureActor(ctx, tx, actor)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	if err := e.Repo.SaveEquipment(ctx, tx, rec); err != nil {
		return domain.EquipmentRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EquipmentRecord{}, err
	}

	w := e.history()
	entries := make([]domain.HistoryEntry, 0, len(changes))
	for _, c := range changes {
		entries = append(entries, w.Entry(rec.ID, userID, domain.ActionFieldPrefix+c.field, history.Value(c.old), history.Value(c.new)))
	}
	_ = w.Record(ctx, entries...)
	return rec, nil
}

// DeleteEquipment hard-deletes the active row for id.
func (e Engine) DeleteEquipment(ctx context.Context, actor *Actor, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetActive(ctx, tx, id)
	if err != nil {
		return err
	}
	userID, err := e.ensureActor(ctx, tx, actor)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteActive(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w := e.history()
	_ = w.Record(ctx, w.Entry(id, userID, domain.ActionDeleted, history.Value(string(rec.Status)), nil))
	return nil
}

// ClearManualFlag hands status and malfunction back to the sync path.
// Clearing an unflagged row is a no-op.
func (e Engine) ClearManualFlag(ctx context.Context, actor *Actor, id string) (domain.EquipmentRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetActive(ctx, tx, id)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	if !rec.ManuallyEdited {
		return rec, nil
	}
	userID, err := e.ensureActor(ctx, tx, actor)
	if err != nil {
		return domain.EquipmentRecord{}, err
	}
	rec.ManuallyEdited = false
	rec.UpdatedAt = e.now()
	if err := e.Repo.SaveEquipment(ctx, tx, rec); err != nil {
		return domain.EquipmentRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EquipmentRecord{}, err
	}
	w := e.history()
	_ = w.Record(ctx, w.Entry(id, userID, domain.ActionManualFlagCleared, history.Value("true"), history.Value("false")))
	return rec, nil
}

// Launch archives an active Ready or Standby row on behalf of an operator.
// An empty reason means launched; auto_ready is not accepted.
func (e Engine) Launch(ctx context.Context, actor *Actor, id, reason string) (domain.ArchiveRecord, error) {
	r := domain.ArchiveLaunched
	if strings.TrimSpace(reason) != "" {
		parsed, ok := domain.ParseArchiveReason(reason)
		if !ok {
			return domain.ArchiveRecord{}, ValidationError{Field: "completion_reason", Message: fmt.Sprintf("unknown reason %q", reason)}
		}
		if parsed == domain.ArchiveAutoReady {
			return domain.ArchiveRecord{}, ValidationError{Field: "completion_reason", Message: "auto_ready is reserved for sync archival"}
		}
		r = parsed
	}
	return e.archive(ctx, archiveRequest{
		EquipmentID: id,
		Reason:      r,
		Actor:       actor,
		Action:      domain.ActionLaunched,
		NewValue:    string(r),
		Check: func(rec domain.EquipmentRecord) error {
			if !rec.Status.Launchable() {
				return fmt.Errorf("%w: %s is %s, launch requires Ready or Standby", ErrInvalidState, rec.ID, rec.Status)
			}
			return nil
		},
	})
}

// AutoArchive archives the active row for id after the feed reported it
// leaving Down. newStatus is recorded in history only; empty means the id
// dropped out of the feed.
func (e Engine) AutoArchive(ctx context.Context, id string, newStatus domain.Status) (domain.ArchiveRecord, error) {
	return e.archive(ctx, archiveRequest{
		EquipmentID: id,
		Reason:      domain.ArchiveAutoReady,
		Action:      domain.ActionAutoArchived,
		NewValue:    string(newStatus),
	})
}

type archiveRequest struct {
	EquipmentID string
	Reason      domain.ArchiveReason
	Actor       *Actor
	Action      string
	NewValue    string
	Check       func(domain.EquipmentRecord) error
}

// archive copies the active row into the archive and deactivates it in one
// transaction. The history entry follows the commit.
func (e Engine) archive(ctx context.Context, req archiveRequest) (domain.ArchiveRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetActive(ctx, tx, req.EquipmentID)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	if req.Check != nil {
		if err := req.Check(rec); err != nil {
			return domain.ArchiveRecord{}, err
		}
	}
	userID, err := e.ensureActor(ctx, tx, req.Actor)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	at := e.now()
	a := domain.NewArchiveRecord(uuid.NewString(), rec, req.Reason, userID, at)
	if err := e.Repo.InsertArchive(ctx, tx, a); err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("insert archive: %w", err)
	}
	ok, err := e.Repo.MarkInactive(ctx, tx, rec.ID, at)
	if err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("mark inactive: %w", err)
	}
	if !ok {
		return domain.ArchiveRecord{}, fmt.Errorf("mark inactive %s: %w", rec.ID, repo.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return domain.ArchiveRecord{}, err
	}
	if req.Actor != nil {
		a.CompletionUserName = stringPtr(req.Actor.Name)
	}
	e.logger().WithFields(logrus.Fields{
		"component":    "engine",
		"equipment_id": rec.ID,
		"archive_id":   a.ID,
		"reason":       string(req.Reason),
	}).Info("equipment archived")

	w := e.history()
	var newValue *string
	if req.NewValue != "" {
		newValue = history.Value(req.NewValue)
	}
	_ = w.Record(ctx, w.Entry(rec.ID, userID, req.Action, history.Value(string(rec.Status)), newValue))
	return a, nil
}

// HistoryLimit clamps a requested history page size.
func HistoryLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 200:
		return 200
	}
	return n
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return repo.FormatTime(*t)
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
