package retention

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/repo"
)

// Worker periodically removes archived mirror rows and old sync runs.
// Archive and history rows are never touched.
type Worker struct {
	DB           *sql.DB
	Repo         repo.Repo
	MirrorMaxAge time.Duration
	RunMaxAge    time.Duration
	Interval     time.Duration
	Now          func() time.Time
	Logger       logrus.FieldLogger
}

// Result counts what one pass removed.
type Result struct {
	MirrorRows int64     `json:"mirror_rows"`
	SyncRuns   int64     `json:"sync_runs"`
	Cutoff     time.Time `json:"mirror_cutoff"`
}

func New(db *sql.DB, cfg config.RetentionConfig, logger logrus.FieldLogger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		MirrorMaxAge: time.Duration(cfg.ArchivedMirrorDays) * 24 * time.Hour,
		RunMaxAge:    time.Duration(cfg.SyncRunDays) * 24 * time.Hour,
		Interval:     cfg.Interval,
		Now:          time.Now,
		Logger:       logger.WithField("component", "retention"),
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// Run purges on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w.Interval <= 0 || (w.MirrorMaxAge <= 0 && w.RunMaxAge <= 0) {
		w.Logger.Info("retention worker disabled")
		return
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	w.Logger.WithField("interval", w.Interval.String()).Info("retention worker started")
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("retention worker stopped")
			return
		case <-ticker.C:
			if _, err := w.Purge(ctx); err != nil {
				w.Logger.WithError(err).Error("retention pass failed")
			}
		}
	}
}

// Purge performs a single retention pass in one transaction.
func (w *Worker) Purge(ctx context.Context) (Result, error) {
	now := w.now()
	res := Result{Cutoff: now.Add(-w.MirrorMaxAge)}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if w.MirrorMaxAge > 0 {
		if res.MirrorRows, err = w.Repo.PurgeArchivedBefore(ctx, tx, res.Cutoff); err != nil {
			return res, fmt.Errorf("purge archived mirror rows: %w", err)
		}
	}
	if w.RunMaxAge > 0 {
		if res.SyncRuns, err = w.Repo.DeleteSyncRunsBefore(ctx, tx, now.Add(-w.RunMaxAge)); err != nil {
			return res, fmt.Errorf("purge sync runs: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	if res.MirrorRows > 0 || res.SyncRuns > 0 {
		w.Logger.WithFields(logrus.Fields{
			"mirror_rows": res.MirrorRows,
			"sync_runs":   res.SyncRuns,
			"cutoff":      res.Cutoff.Format(time.RFC3339),
		}).Info("retention pass completed")
	}
	return res, nil
}
