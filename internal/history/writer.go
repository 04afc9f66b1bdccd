package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/repo"
)

// ErrHistoryWriteFailed wraps any failure to append a history row.
var ErrHistoryWriteFailed = errors.New("history write failed")

// Writer appends to the equipment history log.
type Writer struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger logrus.FieldLogger
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) logger() logrus.FieldLogger {
	if w.Logger != nil {
		return w.Logger
	}
	return logrus.StandardLogger()
}

// Entry builds a history entry stamped with the writer clock.
func (w Writer) Entry(equipmentID string, userID *string, action string, oldValue, newValue *string) domain.HistoryEntry {
	return domain.HistoryEntry{
		EquipmentID: equipmentID,
		UserID:      userID,
		Action:      action,
		OldValue:    oldValue,
		NewValue:    newValue,
		Timestamp:   w.now().UTC(),
	}
}

// Append writes e using tx when given.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now().UTC()
	}
	if _, err := w.Repo.InsertHistory(ctx, tx, e); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrHistoryWriteFailed, e.EquipmentID, e.Action, err)
	}
	return nil
}

// Record appends entries outside any transaction. A failure is logged at
// error level and returned, but the caller's primary change already stands.
func (w Writer) Record(ctx context.Context, entries ...domain.HistoryEntry) error {
	var failed error
	for _, e := range entries {
		if err := w.Append(ctx, nil, e); err != nil {
			w.logger().WithFields(logrus.Fields{
				"component":    "history",
				"equipment_id": e.EquipmentID,
				"action":       e.Action,
			}).WithError(err).Error("history write failed")
			if failed == nil {
				failed = err
			}
		}
	}
	return failed
}

// Value renders v for the old/new columns.
func Value(v string) *string {
	return &v
}
