package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/history"
	"fleetwatch/internal/lock"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/source"
	"fleetwatch/internal/statusmap"
)

var (
	// ErrCycleInProgress is returned when a cycle is already running here or
	// on another replica holding the shared lock.
	ErrCycleInProgress = errors.New("sync cycle in progress")
	// ErrRecordWriteFailed wraps a local store failure for one record.
	ErrRecordWriteFailed = errors.New("record write failed")
)

// Reconciler pulls the source feed into the mirror on a fixed interval.
type Reconciler struct {
	Engine           engine.Engine
	Feed             source.Feed
	Locker           lock.Locker
	State            *State
	Interval         time.Duration
	ArchiveOnAbsence bool
	Logger           logrus.FieldLogger

	sem *semaphore.Weighted
}

func New(eng engine.Engine, feed source.Feed, cfg *config.Config, locker lock.Locker, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	if eng.Mapper == nil {
		var mapping config.MappingConfig
		if cfg != nil {
			mapping = cfg.Mapping
		}
		eng.Mapper = statusmap.New(mapping)
	}
	r := &Reconciler{
		Engine:   eng,
		Feed:     feed,
		Locker:   locker,
		State:    NewState(),
		Interval: 30 * time.Second,
		Logger:   logger.WithField("component", "reconcile"),
		sem:      semaphore.NewWeighted(1),
	}
	if cfg != nil {
		if cfg.Sync.Interval > 0 {
			r.Interval = cfg.Sync.Interval
		}
		r.ArchiveOnAbsence = cfg.Sync.ArchiveOnAbsence
	}
	return r
}

func (r *Reconciler) now() time.Time {
	if r.Engine.Now != nil {
		return r.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) history() history.Writer {
	w := r.Engine.History
	if w.Now == nil {
		w.Now = r.Engine.Now
	}
	return w
}

// Run executes a cycle immediately and then on every tick until ctx is done.
// A tick that finds a cycle still running is dropped.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	r.Logger.WithField("interval", r.Interval.String()).Info("sync scheduler started")
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	// failures are logged and counted inside the cycle
	if _, err := r.RunCycle(ctx); errors.Is(err, ErrCycleInProgress) {
		r.Logger.Debug("sync tick skipped, cycle in progress")
	}
}

type pendingArchive struct {
	newStatus domain.Status
}

// RunCycle performs one reconciliation pass: snapshot, fetch, map, upsert,
// then archive ids that left Down. It returns ErrCycleInProgress without
// touching anything when another cycle holds the guard.
func (r *Reconciler) RunCycle(ctx context.Context) (domain.SyncRun, error) {
	if !r.sem.TryAcquire(1) {
		r.State.skip()
		return domain.SyncRun{}, ErrCycleInProgress
	}
	defer r.sem.Release(1)

	release, err := r.Locker.Obtain(ctx)
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		r.State.skip()
		return domain.SyncRun{}, ErrCycleInProgress
	case err != nil:
		r.Logger.WithError(err).Warn("shared sync lock unavailable, continuing with local guard")
	default:
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.Logger.WithError(err).Warn("release sync lock")
			}
		}()
	}

	run := domain.SyncRun{ID: uuid.NewString(), StartedAt: r.now()}
	log := r.Logger.WithField("cycle_id", run.ID)
	r.State.begin()
	defer func() { r.State.finish(run) }()

	cycleErr := r.cycle(ctx, log, &run.Counters)
	run.FinishedAt = r.now()
	switch {
	case cycleErr != nil:
		run.Outcome = domain.SyncFailed
		run.Error = cycleErr.Error()
	case run.Counters.Errors > 0:
		run.Outcome = domain.SyncPartial
	default:
		run.Outcome = domain.SyncSuccess
	}
	if err := r.Engine.Repo.InsertSyncRun(context.WithoutCancel(ctx), nil, run); err != nil {
		log.WithError(err).Warn("persist sync run")
	}
	fields := logrus.Fields{
		"outcome":          string(run.Outcome),
		"processed":        run.Counters.Processed,
		"updated":          run.Counters.Updated,
		"archived":         run.Counters.Archived,
		"errors":           run.Counters.Errors,
		"mapping_defaults": run.Counters.MappingDefaults,
		"duration_ms":      run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	}
	if cycleErr != nil {
		log.WithFields(fields).WithError(cycleErr).Error("sync cycle failed")
		return run, cycleErr
	}
	log.WithFields(fields).Info("sync cycle finished")
	return run, nil
}

func (r *Reconciler) cycle(ctx context.Context, log logrus.FieldLogger, c *domain.SyncCounters) error {
	snapshot, err := r.Engine.Repo.ActiveSnapshot(ctx, nil)
	if err != nil {
		c.Errors++
		return fmt.Errorf("snapshot: %w", err)
	}
	records, err := r.Feed.FetchActiveDowntimeRecords(ctx)
	if err != nil {
		c.Errors++
		if !errors.Is(err, source.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", source.ErrSourceUnavailable, err)
		}
		return err
	}

	records = latestPerEquipment(records)

	seen := mapset.NewThreadUnsafeSet[string]()
	queue := mapset.NewThreadUnsafeSet[string]()
	pending := map[string]pendingArchive{}
	for _, ext := range records {
		c.Processed++
		id := domain.EquipmentID(ext.EquipmentID)
		seen.Add(id)
		mapped := r.Engine.Mapper.Map(ext)
		if mapped.Defaulted {
			c.MappingDefaults++
		}
		if mapped.Status == domain.StatusDown {
			changed, err := r.applyDown(ctx, id, ext, mapped)
			if err != nil {
				c.Errors++
				log.WithFields(logrus.Fields{"equipment_id": id}).WithError(err).Error("sync record failed")
				continue
			}
			if changed {
				c.Updated++
			}
			continue
		}
		if prev, ok := snapshot[id]; ok && prev.Status == domain.StatusDown {
			queue.Add(id)
			pending[id] = pendingArchive{newStatus: mapped.Status}
		}
	}

	if r.ArchiveOnAbsence && len(records) > 0 {
		for id, prev := range snapshot {
			if prev.Status == domain.StatusDown && !seen.Contains(id) {
				queue.Add(id)
				pending[id] = pendingArchive{}
			}
		}
	}

	ids := queue.ToSlice()
	sort.Strings(ids)
	for _, id := range ids {
		a, err := r.Engine.AutoArchive(ctx, id, pending[id].newStatus)
		if errors.Is(err, repo.ErrNotFound) {
			log.WithField("equipment_id", id).Debug("queued id no longer active")
			continue
		}
		if err != nil {
			c.Errors++
			log.WithField("equipment_id", id).WithError(fmt.Errorf("%w: %v", ErrRecordWriteFailed, err)).Error("auto archive failed")
			continue
		}
		c.Archived++
		log.WithFields(logrus.Fields{"equipment_id": id, "archive_id": a.ID}).Debug("auto archived")
	}
	return nil
}

// latestPerEquipment keeps one record per equipment id. A later record
// replaces an earlier one in place, so feed order is otherwise kept.
func latestPerEquipment(records []domain.ExternalRecord) []domain.ExternalRecord {
	index := make(map[int64]int, len(records))
	out := make([]domain.ExternalRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := index[rec.EquipmentID]; ok {
			out[i] = rec
			continue
		}
		index[rec.EquipmentID] = len(out)
		out = append(out, rec)
	}
	return out
}

// applyDown upserts one Down record in its own transaction and reports
// whether any sync-owned field changed.
func (r *Reconciler) applyDown(ctx context.Context, id string, ext domain.ExternalRecord, mapped statusmap.Result) (bool, error) {
	now := r.now()
	externalID := ext.EquipmentID
	statusID := ext.StatusID
	model := ext.Model
	if model == "" {
		model = ext.EquipmentName
	}
	rec := domain.EquipmentRecord{
		ID:               id,
		EquipmentType:    mapped.EquipmentType,
		Model:            model,
		Section:          mapped.Section,
		Status:           mapped.Status,
		Malfunction:      mapped.Malfunction,
		ActualStart:      ext.StartTime,
		PlannedEnd:       ext.PlannedEnd,
		PlannedHours:     ext.PlannedHours,
		MSSQLEquipmentID: &externalID,
		MSSQLStatusID:    &statusID,
		MSSQLReason:      ext.Reason,
		LastSyncTime:     &now,
		Lifecycle:        domain.LifecycleActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrRecordWriteFailed, id, err)
	}
	defer tx.Rollback()
	res, err := r.Engine.Repo.Upsert(ctx, tx, rec, true)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrRecordWriteFailed, id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrRecordWriteFailed, id, err)
	}

	w := r.history()
	switch {
	case res.Inserted:
		_ = w.Record(ctx, w.Entry(id, nil, domain.ActionSyncCreated, nil, history.Value(string(res.Status))))
	case res.PreviousStatus != res.Status:
		_ = w.Record(ctx, w.Entry(id, nil, domain.ActionSyncStatusChanged, history.Value(string(res.PreviousStatus)), history.Value(string(res.Status))))
	}
	return res.Changed, nil
}
