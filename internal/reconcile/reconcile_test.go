package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/lock"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/source"
)

var fixedNow = time.Date(2026, 10, 17, 6, 30, 0, 0, time.UTC)

type stubFeed struct {
	mu      sync.Mutex
	records []domain.ExternalRecord
	err     error
	calls   int
}

func (f *stubFeed) set(records ...domain.ExternalRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.err = nil
}

func (f *stubFeed) FetchActiveDowntimeRecords(context.Context) ([]domain.ExternalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.records, f.err
}

func newReconciler(t *testing.T, feed source.Feed) *Reconciler {
	t.Helper()
	conn, err := db.Open(db.Config{Path: t.TempDir() + "/fleetwatch.db"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	logger, _ := logtest.NewNullLogger()
	cfg := config.Default()
	eng := engine.New(conn, cfg, logger)
	eng.Now = func() time.Time { return fixedNow }
	return New(eng, feed, cfg, nil, logger)
}

func downRecord(equipmentID int64, reason string) domain.ExternalRecord {
	start := fixedNow.Add(-3 * time.Hour)
	hours := 2.0
	return domain.ExternalRecord{
		RecordID:      equipmentID * 10,
		EquipmentID:   equipmentID,
		EquipmentName: "EX-" + reason,
		Model:         "Komatsu PC4000",
		StatusID:      331,
		Reason:        reason,
		StartTime:     &start,
		PlannedHours:  &hours,
	}
}

func withStatus(rec domain.ExternalRecord, code int64) domain.ExternalRecord {
	rec.StatusID = code
	return rec
}

func historyCount(t *testing.T, r *Reconciler, id string) int {
	t.Helper()
	n, err := r.Engine.Repo.CountHistory(context.Background(), nil, id)
	require.NoError(t, err)
	return n
}

func archiveCount(t *testing.T, r *Reconciler, id string) int {
	t.Helper()
	n, err := r.Engine.Repo.CountArchiveForEquipment(context.Background(), nil, id)
	require.NoError(t, err)
	return n
}

func TestDownThenReadyArchives(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()

	feed.set(downRecord(42, "ENGINE"))
	run, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, run.Outcome)
	assert.Equal(t, 1, run.Counters.Processed)
	assert.Equal(t, 1, run.Counters.Updated)

	rec, err := r.Engine.Repo.GetActive(ctx, nil, "EQ-42")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDown, rec.Status)
	assert.Equal(t, "Ремонт двигателя", rec.Malfunction)
	assert.True(t, rec.IsActive())
	assert.False(t, rec.ManuallyEdited)
	require.NotNil(t, rec.MSSQLEquipmentID)
	assert.EqualValues(t, 42, *rec.MSSQLEquipmentID)
	before := historyCount(t, r, "EQ-42")

	feed.set(withStatus(downRecord(42, "ENGINE"), 100))
	run, err = r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counters.Archived)

	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-42")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	archived, err := r.Engine.Repo.GetByRowID(ctx, nil, rec.RowID)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleArchived, archived.Lifecycle)
	require.NotNil(t, archived.ArchivedAt)

	rows, total, err := r.Engine.Repo.ListArchive(ctx, nil, repo.ArchiveFilters{EquipmentID: "EQ-42"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, domain.ArchiveAutoReady, rows[0].ArchiveReason)
	assert.Nil(t, rows[0].CompletionUser)
	assert.Equal(t, "Ремонт двигателя", rows[0].Malfunction)

	assert.Equal(t, before+1, historyCount(t, r, "EQ-42"))
	entries, err := r.Engine.Repo.ListHistory(ctx, nil, "EQ-42", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAutoArchived, entries[0].Action)
	assert.Equal(t, "Ready", *entries[0].NewValue)
}

func TestCycleIsIdempotent(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	feed.set(downRecord(1, "HYDRAULIC"), downRecord(2, "TIRES"))

	_, err := r.RunCycle(ctx)
	require.NoError(t, err)
	h1, h2 := historyCount(t, r, "EQ-1"), historyCount(t, r, "EQ-2")

	run, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Counters.Processed)
	assert.Equal(t, 0, run.Counters.Updated)
	assert.Equal(t, h1, historyCount(t, r, "EQ-1"))
	assert.Equal(t, h2, historyCount(t, r, "EQ-2"))
	assert.Zero(t, archiveCount(t, r, "EQ-1"))

	rec, err := r.Engine.Repo.GetActive(ctx, nil, "EQ-2")
	require.NoError(t, err)
	assert.Equal(t, "tire_shop", rec.Section)
}

func TestManualEditSurvivesSync(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	actor := &engine.Actor{ID: "disp-1", Role: "dispatcher"}
	_, err := r.Engine.CreateEquipment(ctx, actor, engine.CreateOptions{ID: "EQ-7", Status: "Ready", Model: "CAT 793"})
	require.NoError(t, err)

	feed.set(downRecord(7, "BRAKES"))
	_, err = r.RunCycle(ctx)
	require.NoError(t, err)

	rec, err := r.Engine.Repo.GetActive(ctx, nil, "EQ-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, rec.Status)
	assert.Empty(t, rec.Malfunction)
	assert.True(t, rec.ManuallyEdited)
	require.NotNil(t, rec.LastSyncTime)
	assert.True(t, rec.LastSyncTime.Equal(fixedNow))
	require.NotNil(t, rec.MSSQLStatusID)
	assert.EqualValues(t, 331, *rec.MSSQLStatusID)
	assert.Equal(t, "BRAKES", rec.MSSQLReason)

	_, err = r.Engine.ClearManualFlag(ctx, &engine.Actor{ID: "admin-1", Role: "admin"}, "EQ-7")
	require.NoError(t, err)
	_, err = r.RunCycle(ctx)
	require.NoError(t, err)
	rec, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDown, rec.Status)
	assert.Equal(t, "Ремонт тормозной системы", rec.Malfunction)
}

func TestAbsenceIsNoOpByDefault(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	feed.set(downRecord(5, "PM"), downRecord(6, "PM"))
	_, err := r.RunCycle(ctx)
	require.NoError(t, err)

	feed.set(downRecord(6, "PM"))
	_, err = r.RunCycle(ctx)
	require.NoError(t, err)
	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-5")
	assert.NoError(t, err)

	r.ArchiveOnAbsence = true
	feed.set()
	_, err = r.RunCycle(ctx)
	require.NoError(t, err)
	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-5")
	assert.NoError(t, err, "empty feed never archives")

	feed.set(downRecord(6, "PM"))
	run, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counters.Archived)
	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-5")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	entries, err := r.Engine.Repo.ListHistory(ctx, nil, "EQ-5", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAutoArchived, entries[0].Action)
	assert.Nil(t, entries[0].NewValue)
}

func TestSourceUnavailableLeavesStateUntouched(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	feed.set(downRecord(9, "ELECTRIC"))
	_, err := r.RunCycle(ctx)
	require.NoError(t, err)
	lastSync := r.State.LastSyncTime()
	require.NotNil(t, lastSync)

	feed.mu.Lock()
	feed.err = errors.New("dial tcp: i/o timeout")
	feed.mu.Unlock()
	run, err := r.RunCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Equal(t, domain.SyncFailed, run.Outcome)
	assert.Equal(t, 1, run.Counters.Errors)

	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-9")
	assert.NoError(t, err)
	snap := r.State.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, 2, snap.Cycles)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, 1, snap.Totals.Errors)
	assert.True(t, snap.LastSyncTime.Equal(*lastSync))

	runs, err := r.Engine.Repo.ListSyncRuns(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	feed := source.FeedFunc(func(ctx context.Context) ([]domain.ExternalRecord, error) {
		once.Do(func() { close(started) })
		<-release
		return []domain.ExternalRecord{downRecord(3, "WELDING")}, nil
	})
	r := newReconciler(t, feed)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.RunCycle(ctx)
		done <- err
	}()
	<-started
	assert.True(t, r.State.Snapshot().Running)

	_, err := r.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	close(release)
	require.NoError(t, <-done)

	snap := r.State.Snapshot()
	assert.Equal(t, 1, snap.Cycles)
	assert.Equal(t, 1, snap.Skipped)
	assert.False(t, snap.Running)
	runs, err := r.Engine.Repo.ListSyncRuns(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, 1, historyCount(t, r, "EQ-3"))

	// the guard is released after the cycle
	_, err = r.RunCycle(ctx)
	assert.NoError(t, err)
}

type heldLocker struct{}

func (heldLocker) Obtain(context.Context) (lock.Release, error) {
	return nil, lock.ErrNotObtained
}

func TestSharedLockHeldSkipsCycle(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	r.Locker = heldLocker{}
	_, err := r.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Zero(t, feed.calls)
	assert.Equal(t, 1, r.State.Snapshot().Skipped)
}

func TestAtMostOneActiveRowAcrossReappearance(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	sequence := [][]domain.ExternalRecord{
		{downRecord(11, "DRILL")},
		{withStatus(downRecord(11, "DRILL"), 200)},
		{downRecord(11, "BUCKET")},
		{downRecord(11, "BUCKET")},
		{withStatus(downRecord(11, "BUCKET"), 110)},
		{downRecord(11, "DRILL")},
	}
	for i, records := range sequence {
		feed.set(records...)
		_, err := r.RunCycle(ctx)
		require.NoError(t, err, "cycle %d", i)
		n, err := r.Engine.Repo.CountActiveRows(ctx, nil, "EQ-11")
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 1, "cycle %d", i)
	}
	assert.Equal(t, 2, archiveCount(t, r, "EQ-11"))
	rec, err := r.Engine.Repo.GetActive(ctx, nil, "EQ-11")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDown, rec.Status)
}

func TestMappingDefaultsAreCounted(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	unknown := withStatus(downRecord(12, "MYSTERY"), 999)
	feed.set(unknown)
	run, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counters.MappingDefaults)
	assert.Equal(t, domain.SyncSuccess, run.Outcome)

	rec, err := r.Engine.Repo.GetActive(context.Background(), nil, "EQ-12")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDown, rec.Status)
	assert.Equal(t, "Неисправность: MYSTERY", rec.Malfunction)
}

func abortInserts(t *testing.T, r *Reconciler, table, column, id string) {
	t.Helper()
	_, err := r.Engine.DB.ExecContext(context.Background(),
		`CREATE TRIGGER `+table+`_reject BEFORE INSERT ON `+table+` WHEN NEW.`+column+` = '`+id+`'
BEGIN SELECT RAISE(ABORT, 'rejected'); END;`)
	require.NoError(t, err)
}

func TestRecordWriteFailureDoesNotStopCycle(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	abortInserts(t, r, "equipment_master", "id", "EQ-1")

	feed.set(downRecord(1, "ENGINE"), downRecord(2, "HYDRAULIC"))
	run, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPartial, run.Outcome)
	assert.Equal(t, 2, run.Counters.Processed)
	assert.Equal(t, 1, run.Counters.Updated)
	assert.Equal(t, 1, run.Counters.Errors)

	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	rec, err := r.Engine.Repo.GetActive(ctx, nil, "EQ-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDown, rec.Status)
}

func TestArchiveFailureDoesNotBlockOtherIDs(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	feed.set(downRecord(1, "ENGINE"), downRecord(2, "HYDRAULIC"))
	_, err := r.RunCycle(ctx)
	require.NoError(t, err)

	abortInserts(t, r, "equipment_archive", "equipment_id", "EQ-1")
	feed.set(withStatus(downRecord(1, "ENGINE"), 100), withStatus(downRecord(2, "HYDRAULIC"), 100))
	run, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPartial, run.Outcome)
	assert.Equal(t, 1, run.Counters.Archived)
	assert.Equal(t, 1, run.Counters.Errors)

	rec, err := r.Engine.Repo.GetActive(ctx, nil, "EQ-1")
	require.NoError(t, err, "failed archive leaves the row active")
	assert.Equal(t, domain.StatusDown, rec.Status)
	assert.Zero(t, archiveCount(t, r, "EQ-1"))

	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-2")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 1, archiveCount(t, r, "EQ-2"))
}

func TestDuplicateIDsInFeedUseLastRecord(t *testing.T) {
	feed := &stubFeed{}
	r := newReconciler(t, feed)
	ctx := context.Background()
	feed.set(downRecord(42, "ENGINE"))
	_, err := r.RunCycle(ctx)
	require.NoError(t, err)

	feed.set(withStatus(downRecord(42, "ENGINE"), 100), downRecord(42, "TIRES"))
	run, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counters.Processed)
	assert.Zero(t, run.Counters.Archived)
	rec, err := r.Engine.Repo.GetActive(ctx, nil, "EQ-42")
	require.NoError(t, err)
	assert.Equal(t, "Замена шин", rec.Malfunction)

	feed.set(downRecord(42, "TIRES"), withStatus(downRecord(42, "TIRES"), 100))
	run, err = r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counters.Processed)
	assert.Zero(t, run.Counters.Updated)
	assert.Equal(t, 1, run.Counters.Archived)
	assert.Equal(t, 1, archiveCount(t, r, "EQ-42"))
	_, err = r.Engine.Repo.GetActive(ctx, nil, "EQ-42")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLatestPerEquipmentKeepsOrder(t *testing.T) {
	out := latestPerEquipment([]domain.ExternalRecord{
		{RecordID: 1, EquipmentID: 7},
		{RecordID: 2, EquipmentID: 8},
		{RecordID: 3, EquipmentID: 7},
	})
	require.Len(t, out, 2)
	assert.EqualValues(t, 3, out[0].RecordID)
	assert.EqualValues(t, 8, out[1].EquipmentID)
}
