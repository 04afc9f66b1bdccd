package repo

import (
	"context"
	"database/sql"
	"time"

	"fleetwatch/internal/domain"
)

func (r Repo) InsertSyncRun(ctx context.Context, tx *sql.Tx, run domain.SyncRun) error {
	c := run.Counters
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sync_runs(id,started_at,finished_at,outcome,processed,updated,archived,errors,mapping_defaults,error) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, FormatTime(run.StartedAt), FormatTime(run.FinishedAt), string(run.Outcome),
		c.Processed, c.Updated, c.Archived, c.Errors, c.MappingDefaults, run.Error)
	return err
}

// ListSyncRuns returns the most recent runs first.
func (r Repo) ListSyncRuns(ctx context.Context, tx *sql.Tx, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,started_at,finished_at,outcome,processed,updated,archived,errors,mapping_defaults,error FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SyncRun
	for rows.Next() {
		var run domain.SyncRun
		var started, finished, outcome string
		c := &run.Counters
		if err := rows.Scan(&run.ID, &started, &finished, &outcome, &c.Processed, &c.Updated, &c.Archived, &c.Errors, &c.MappingDefaults, &run.Error); err != nil {
			return nil, err
		}
		run.Outcome = domain.SyncOutcome(outcome)
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteSyncRunsBefore removes runs that started before cutoff.
func (r Repo) DeleteSyncRunsBefore(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
