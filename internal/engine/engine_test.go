package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Actor  *engine.Actor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: t.TempDir() + "/fleetwatch.db"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx, Actor: &engine.Actor{ID: "disp-1", Name: "Петров", Role: "dispatcher"}}
}

func (env testEnv) create(t *testing.T, id, status string) domain.EquipmentRecord {
	t.Helper()
	rec, err := env.Engine.CreateEquipment(env.Ctx, env.Actor, engine.CreateOptions{ID: id, Model: "EX-1200", Status: status})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return rec
}

func TestCreateEquipment(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, "EQ-7", "standby")
	if rec.Status != domain.StatusStandby || !rec.ManuallyEdited || !rec.IsActive() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.EquipmentType != "Экскаватор" || rec.Section != "loading" {
		t.Fatalf("derived type/section: %s/%s", rec.EquipmentType, rec.Section)
	}
	_, err := env.Engine.CreateEquipment(env.Ctx, env.Actor, engine.CreateOptions{ID: "EQ-7", Status: "Down"})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var verr engine.ValidationError
	if _, err := env.Engine.CreateEquipment(env.Ctx, env.Actor, engine.CreateOptions{ID: "EQ-8", Status: "Broken"}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, nil, "EQ-7", 10)
	if err != nil || len(entries) != 1 || entries[0].Action != domain.ActionCreated {
		t.Fatalf("history: %v %+v", err, entries)
	}
}

func TestUpdateRecordsFieldsAndSetsManualFlag(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-1", "Down")
	if _, err := env.Engine.ClearManualFlag(env.Ctx, &engine.Actor{ID: "admin-1", Role: "admin"}, "EQ-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	mechanic := "Иванов"
	rec, err := env.Engine.UpdateEquipment(env.Ctx, env.Actor, "EQ-1", engine.UpdateOptions{MechanicName: &mechanic})
	if err != nil {
		t.Fatalf("update mechanic: %v", err)
	}
	if rec.ManuallyEdited {
		t.Fatalf("mechanic change must not set manual flag")
	}

	status := "Ready"
	rec, err = env.Engine.UpdateEquipment(env.Ctx, env.Actor, "EQ-1", engine.UpdateOptions{Status: &status})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if !rec.ManuallyEdited || rec.Status != domain.StatusReady {
		t.Fatalf("expected manual Ready, got %+v", rec)
	}

	// unchanged values write nothing
	before, _ := env.Engine.Repo.CountHistory(env.Ctx, nil, "EQ-1")
	if _, err := env.Engine.UpdateEquipment(env.Ctx, env.Actor, "EQ-1", engine.UpdateOptions{Status: &status, MechanicName: &mechanic}); err != nil {
		t.Fatal(err)
	}
	after, _ := env.Engine.Repo.CountHistory(env.Ctx, nil, "EQ-1")
	if before != after {
		t.Fatalf("no-op update wrote history: %d -> %d", before, after)
	}

	entries, err := env.Engine.Repo.ListHistory(env.Ctx, nil, "EQ-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Action != "update:status" || *entries[0].OldValue != "Down" || *entries[0].NewValue != "Ready" {
		t.Fatalf("unexpected newest entry %+v", entries[0])
	}
	if entries[0].UserID == nil || *entries[0].UserID != "disp-1" {
		t.Fatalf("missing user on history entry")
	}
}

func TestUpdateRejectsMalfunctionOutsideDown(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-2", "Ready")
	text := "Ремонт ковша"
	_, err := env.Engine.UpdateEquipment(env.Ctx, env.Actor, "EQ-2", engine.UpdateOptions{Malfunction: &text})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "malfunction" {
		t.Fatalf("expected malfunction validation error, got %v", err)
	}
	if _, err := env.Engine.UpdateEquipment(env.Ctx, env.Actor, "EQ-404", engine.UpdateOptions{Malfunction: &text}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLaunchRejectsDown(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-3", "Down")
	_, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-3", "")
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	n, err := env.Engine.Repo.CountArchiveForEquipment(env.Ctx, nil, "EQ-3")
	if err != nil || n != 0 {
		t.Fatalf("archive rows: %d %v", n, err)
	}
	if _, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-missing", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLaunchArchivesAndDeactivates(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-4", "Ready")
	a, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-4", "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if a.ArchiveReason != domain.ArchiveLaunched || a.CompletionUser == nil || *a.CompletionUser != "disp-1" {
		t.Fatalf("unexpected archive %+v", a)
	}
	stored, err := env.Engine.Repo.GetArchive(env.Ctx, nil, a.ID)
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	if stored.CompletionUserName == nil || *stored.CompletionUserName != "Петров" {
		t.Fatalf("completion user join missing: %+v", stored.CompletionUserName)
	}
	if _, err := env.Engine.Repo.GetActive(env.Ctx, nil, "EQ-4"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("row still active: %v", err)
	}
	if _, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-4", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second launch: %v", err)
	}

	// reappearance creates a fresh active row
	env.create(t, "EQ-4", "Standby")
	a2, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-4", "completed")
	if err != nil || a2.ArchiveReason != domain.ArchiveCompleted {
		t.Fatalf("relaunch: %v %+v", err, a2)
	}
	if a2.MirrorRowID == a.MirrorRowID {
		t.Fatalf("expected a new mirror row")
	}
	if _, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-4", "exploded"); err == nil {
		t.Fatalf("expected error for unknown reason")
	}
}

func TestLaunchRejectsSyncOnlyReason(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-6", "Ready")
	var verr engine.ValidationError
	if _, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-6", "auto_ready"); !errors.As(err, &verr) || verr.Field != "completion_reason" {
		t.Fatalf("expected completion_reason validation error, got %v", err)
	}
	if _, err := env.Engine.Repo.GetActive(env.Ctx, nil, "EQ-6"); err != nil {
		t.Fatalf("row should stay active: %v", err)
	}
	if n, _ := env.Engine.Repo.CountArchiveForEquipment(env.Ctx, nil, "EQ-6"); n != 0 {
		t.Fatalf("archive rows: %d", n)
	}
}

func failHistoryWrites(t *testing.T, env testEnv) {
	t.Helper()
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER equipment_history_fail BEFORE INSERT ON equipment_history
BEGIN SELECT RAISE(ABORT, 'history unavailable'); END;`); err != nil {
		t.Fatalf("install trigger: %v", err)
	}
}

func TestArchiveStandsWhenHistoryFails(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-11", "Ready")
	env.create(t, "EQ-12", "Down")
	failHistoryWrites(t, env)

	launched, err := env.Engine.Launch(env.Ctx, env.Actor, "EQ-11", "")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	auto, err := env.Engine.AutoArchive(env.Ctx, "EQ-12", domain.StatusReady)
	if err != nil {
		t.Fatalf("auto archive: %v", err)
	}
	for _, a := range []domain.ArchiveRecord{launched, auto} {
		if _, err := env.Engine.Repo.GetArchive(env.Ctx, nil, a.ID); err != nil {
			t.Fatalf("archive %s missing: %v", a.EquipmentID, err)
		}
		row, err := env.Engine.Repo.GetByRowID(env.Ctx, nil, a.MirrorRowID)
		if err != nil || row.Lifecycle != domain.LifecycleArchived {
			t.Fatalf("mirror row %s: %v %s", a.EquipmentID, err, row.Lifecycle)
		}
		if n, _ := env.Engine.Repo.CountHistory(env.Ctx, nil, a.EquipmentID); n != 1 {
			t.Fatalf("history for %s: %d, want only the create entry", a.EquipmentID, n)
		}
	}
}

func TestUpdateStandsWhenHistoryFails(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-13", "Down")
	failHistoryWrites(t, env)

	mechanic := "Кузнецов"
	if _, err := env.Engine.UpdateEquipment(env.Ctx, env.Actor, "EQ-13", engine.UpdateOptions{MechanicName: &mechanic}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := env.Engine.Repo.GetActive(env.Ctx, nil, "EQ-13")
	if err != nil || rec.MechanicName != mechanic {
		t.Fatalf("update rolled back: %v %+v", err, rec)
	}
}

func TestAutoArchive(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-5", "Down")
	a, err := env.Engine.AutoArchive(env.Ctx, "EQ-5", domain.StatusReady)
	if err != nil {
		t.Fatalf("auto archive: %v", err)
	}
	if a.ArchiveReason != domain.ArchiveAutoReady || a.CompletionUser != nil {
		t.Fatalf("unexpected archive %+v", a)
	}
	entries, _ := env.Engine.Repo.ListHistory(env.Ctx, nil, "EQ-5", 1)
	if len(entries) != 1 || entries[0].Action != domain.ActionAutoArchived || *entries[0].NewValue != "Ready" {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestDeleteAndClearManual(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "EQ-6", "Delay")
	rec, err := env.Engine.ClearManualFlag(env.Ctx, nil, "EQ-6")
	if err != nil || rec.ManuallyEdited {
		t.Fatalf("clear manual: %v %+v", err, rec)
	}
	if err := env.Engine.DeleteEquipment(env.Ctx, env.Actor, "EQ-6"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.DeleteEquipment(env.Ctx, env.Actor, "EQ-6"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	entries, _ := env.Engine.Repo.ListHistory(env.Ctx, nil, "EQ-6", 10)
	if len(entries) != 3 || entries[0].Action != domain.ActionDeleted || entries[1].Action != domain.ActionManualFlagCleared {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestHistoryLimit(t *testing.T) {
	cases := map[int]int{0: 50, -3: 50, 10: 10, 200: 200, 500: 200}
	for in, want := range cases {
		if got := engine.HistoryLimit(in); got != want {
			t.Fatalf("HistoryLimit(%d)=%d want %d", in, got, want)
		}
	}
}
