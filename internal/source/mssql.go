package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
)

// ErrSourceUnavailable means the external store could not be reached or timed out.
var ErrSourceUnavailable = errors.New("source unavailable")

// Feed returns the currently open downtime intervals.
type Feed interface {
	FetchActiveDowntimeRecords(ctx context.Context) ([]domain.ExternalRecord, error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context) ([]domain.ExternalRecord, error)

func (f FeedFunc) FetchActiveDowntimeRecords(ctx context.Context) ([]domain.ExternalRecord, error) {
	return f(ctx)
}

// DefaultQuery selects open, non-deleted intervals. Column order is fixed.
const DefaultQuery = `SELECT d.id, d.equipment_id, e.name, e.model, d.status_id, d.reason,
       d.start_time, d.planned_end, d.planned_hours, d.comment
FROM dbo.EquipmentDowntime d
JOIN dbo.Equipment e ON e.id = d.equipment_id
WHERE d.is_deleted = 0 AND e.is_deleted = 0 AND d.end_time IS NULL
ORDER BY d.equipment_id, d.start_time`

// Open opens the external database handle. It does not dial until first use.
func Open(cfg config.SourceConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("source dsn is required")
	}
	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return conn, nil
}

// MSSQL reads the downtime feed from the operations database.
type MSSQL struct {
	DB       *sql.DB
	Query    string
	Timeout  time.Duration
	Location *time.Location
	// Decode non-UTF-8 varchar columns as Windows-1251.
	LegacyCharset bool
	Logger        logrus.FieldLogger
}

// NewMSSQL builds an adapter from config.
func NewMSSQL(conn *sql.DB, cfg config.SourceConfig, loc *time.Location, logger logrus.FieldLogger) *MSSQL {
	return &MSSQL{
		DB:            conn,
		Query:         cfg.Query,
		Timeout:       cfg.QueryTimeout,
		Location:      loc,
		LegacyCharset: cfg.LegacyCharset == "windows-1251",
		Logger:        logger,
	}
}

func (m *MSSQL) logger() logrus.FieldLogger {
	if m.Logger != nil {
		return m.Logger
	}
	return logrus.StandardLogger()
}

func (m *MSSQL) location() *time.Location {
	if m.Location != nil {
		return m.Location
	}
	return time.UTC
}

// FetchActiveDowntimeRecords runs the feed query once. When an equipment id
// has several open intervals the latest one wins.
func (m *MSSQL) FetchActiveDowntimeRecords(ctx context.Context) ([]domain.ExternalRecord, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	query := m.Query
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var out []domain.ExternalRecord
	index := map[int64]int{}
	for rows.Next() {
		var (
			recordID, equipmentID, statusID int64
			name, model, reason, comment    []byte
			start, plannedEnd               any
			plannedHours                    sql.NullFloat64
		)
		if err := rows.Scan(&recordID, &equipmentID, &name, &model, &statusID, &reason, &start, &plannedEnd, &plannedHours, &comment); err != nil {
			return nil, fmt.Errorf("scan downtime row: %w", err)
		}
		rec := domain.ExternalRecord{
			RecordID:      recordID,
			EquipmentID:   equipmentID,
			EquipmentName: m.text(name),
			Model:         m.text(model),
			StatusID:      statusID,
			Reason:        m.text(reason),
			Comment:       m.text(comment),
		}
		if plannedHours.Valid {
			h := plannedHours.Float64
			rec.PlannedHours = &h
		}
		if rec.StartTime, err = ParseTimestamp(start, m.location()); err != nil {
			m.logger().WithFields(logrus.Fields{"record_id": recordID, "column": "start_time"}).WithError(err).Warn("unparseable source timestamp")
		}
		if rec.PlannedEnd, err = ParseTimestamp(plannedEnd, m.location()); err != nil {
			m.logger().WithFields(logrus.Fields{"record_id": recordID, "column": "planned_end"}).WithError(err).Warn("unparseable source timestamp")
		}
		if i, ok := index[equipmentID]; ok {
			out[i] = rec
			continue
		}
		index[equipmentID] = len(out)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return out, nil
}

func (m *MSSQL) text(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if m.LegacyCharset && !utf8.Valid(b) {
		decoded, err := charmap.Windows1251.NewDecoder().Bytes(b)
		if err == nil {
			return strings.TrimSpace(string(decoded))
		}
	}
	return strings.TrimSpace(string(b))
}
