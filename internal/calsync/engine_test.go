package calsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

var feedHeader = []string{"ID", "Title", "Description", "Start", "End", "Person 1", "Person 2", "Person 3", "Person 4"}

func feedRow(id, title, start, end string, names ...string) []string {
	row := []string{id, title, "Desc for " + id, start, end, "", "", "", ""}
	for i, name := range names {
		if i >= NameSlots {
			break
		}
		row[5+i] = name
	}
	return row
}

func setupEngine(t *testing.T) (*Store, *Engine, *fakeCalendars) {
	t.Helper()
	store := newTestStore(t)
	calendars := newFakeCalendars()
	dispatcher := NewDispatcher(DispatcherOptions{
		Store:   store,
		Factory: calendars.factory,
	})
	engine := NewEngine(EngineOptions{
		Store:      store,
		Dispatcher: dispatcher,
		Location:   time.UTC,
	})
	return store, engine, calendars
}

func reconcile(t *testing.T, engine *Engine, rows [][]string) Report {
	t.Helper()
	report, err := engine.Reconcile(context.Background(), rows)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	return report
}

func TestReconcileCreatesRemoteEvents(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")

	rows := [][]string{
		feedHeader,
		feedRow("ev-1", "Morning shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	}
	report := reconcile(t, engine, rows)

	if report.EventsSeen != 1 || report.EventsCreated != 1 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.TargetsSucceeded() != 1 {
		t.Fatalf("expected one successful target, got %+v", report.Targets)
	}
	if calendars.backend("fake://a").len() != 1 {
		t.Fatalf("expected one remote object")
	}

	ev, err := store.GetEvent("ev-1")
	if err != nil {
		t.Fatalf("event not stored: %v", err)
	}
	want := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if !ev.StartTime.Equal(want) {
		t.Fatalf("start time parsed wrong: got %v want %v", ev.StartTime, want)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")

	rows := [][]string{
		feedHeader,
		feedRow("ev-1", "Morning shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	}
	reconcile(t, engine, rows)
	backend := calendars.backend("fake://a")
	creates, updates := backend.creates, backend.updates

	report := reconcile(t, engine, rows)
	if report.EventsUnchanged != 1 {
		t.Fatalf("expected unchanged event, got %+v", report)
	}
	if len(report.Targets) != 0 {
		t.Fatalf("stable snapshot must not dispatch, got %+v", report.Targets)
	}
	if backend.creates != creates || backend.updates != updates {
		t.Fatalf("remote calls on unchanged snapshot: %d/%d -> %d/%d", creates, updates, backend.creates, backend.updates)
	}
}

func TestReconcileFansOutToAllAssignedIdentities(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")
	boundIdentity(t, store, "beta", "Ben C", "fake://b")

	rows := [][]string{
		feedHeader,
		feedRow("ev-1", "Joint shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B", "Ben C"),
	}
	report := reconcile(t, engine, rows)

	if report.TargetsSucceeded() != 2 {
		t.Fatalf("expected two successful targets, got %+v", report.Targets)
	}
	if calendars.backend("fake://a").len() != 1 || calendars.backend("fake://b").len() != 1 {
		t.Fatalf("each identity should hold its own copy")
	}
}

func TestReconcileFailureIsolation(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")
	boundIdentity(t, store, "beta", "Ben C", "fake://b")
	calendars.backend("fake://b").failCreate = errors.New("server down")

	rows := [][]string{
		feedHeader,
		feedRow("ev-1", "Joint shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B", "Ben C"),
	}
	report := reconcile(t, engine, rows)

	if report.TargetsSucceeded() != 1 || report.TargetsFailed() != 1 {
		t.Fatalf("expected one ok and one failed target, got %+v", report.Targets)
	}
	if calendars.backend("fake://a").len() != 1 {
		t.Fatalf("healthy identity must still get its copy")
	}

	// Once the broken calendar recovers, the next unchanged cycle retries
	// only the failed pair.
	calendars.backend("fake://b").failCreate = nil
	report = reconcile(t, engine, rows)
	if report.TargetsSucceeded() != 1 {
		t.Fatalf("expected the failed pair to retry, got %+v", report.Targets)
	}
	if calendars.backend("fake://b").len() != 1 {
		t.Fatalf("recovered identity should now hold its copy")
	}
}

func TestReconcileUpdatePropagates(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	identity := boundIdentity(t, store, "alpha", "Anna B", "fake://a")

	reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Morning shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	})
	report := reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Evening shift", "14/03/2026 13:00:00", "14/03/2026 21:00:00", "Anna B"),
	})

	if report.EventsUpdated != 1 {
		t.Fatalf("expected updated event, got %+v", report)
	}
	rec, err := store.GetSyncRecord(identity.ID, "ev-1")
	if err != nil {
		t.Fatalf("get sync record failed: %v", err)
	}
	fields, err := calendars.backend("fake://a").FindByUID(context.Background(), rec.RemoteUID)
	if err != nil {
		t.Fatalf("remote object vanished: %v", err)
	}
	if fields.Title != "Evening shift" {
		t.Fatalf("update did not propagate, got %+v", fields)
	}
}

func TestReconcileTombstonesVanishedEvents(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")

	reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Morning shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
		feedRow("ev-2", "Evening shift", "14/03/2026 13:00:00", "14/03/2026 21:00:00", "Anna B"),
	})
	if calendars.backend("fake://a").len() != 2 {
		t.Fatalf("expected two remote objects before tombstone")
	}

	report := reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Morning shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	})
	if report.EventsDeleted != 1 {
		t.Fatalf("expected one tombstoned event, got %+v", report)
	}
	if calendars.backend("fake://a").len() != 1 {
		t.Fatalf("tombstoned event should be removed remotely")
	}
	if _, err := store.GetEvent("ev-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tombstoned event should leave the store, got err=%v", err)
	}
}

func TestReconcileRetriesFailedTombstone(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")

	reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Morning shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	})

	calendars.backend("fake://a").failDelete = errors.New("server down")
	report := reconcile(t, engine, [][]string{feedHeader})
	if report.TargetsFailed() != 1 {
		t.Fatalf("expected failed delete, got %+v", report.Targets)
	}
	// The event row is gone but the record stays as an orphan.
	if _, err := store.GetEvent("ev-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("event should be tombstoned locally, got err=%v", err)
	}
	if records := store.ListSyncRecords(); len(records) != 1 {
		t.Fatalf("orphan record must survive for retry, got %+v", records)
	}

	calendars.backend("fake://a").failDelete = nil
	report = reconcile(t, engine, [][]string{feedHeader})
	if report.TargetsSucceeded() != 1 {
		t.Fatalf("expected orphan delete to retry and succeed, got %+v", report.Targets)
	}
	if calendars.backend("fake://a").len() != 0 {
		t.Fatalf("remote object should finally be gone")
	}
	if records := store.ListSyncRecords(); len(records) != 0 {
		t.Fatalf("no records should remain, got %+v", records)
	}
}

func TestReconcileReassignmentMovesEvent(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")
	boundIdentity(t, store, "beta", "Ben C", "fake://b")

	reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	})
	report := reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Ben C"),
	})

	if calendars.backend("fake://a").len() != 0 {
		t.Fatalf("old assignee should lose the event")
	}
	if calendars.backend("fake://b").len() != 1 {
		t.Fatalf("new assignee should gain the event")
	}
	var sawCreate, sawDelete bool
	for _, target := range report.Targets {
		if target.Action == ActionCreate && target.IdentityID == "beta" && target.Status == StatusOK {
			sawCreate = true
		}
		if target.Action == ActionDelete && target.IdentityID == "alpha" && target.Status == StatusOK {
			sawDelete = true
		}
	}
	if !sawCreate || !sawDelete {
		t.Fatalf("expected create for beta and delete for alpha, got %+v", report.Targets)
	}
}

func TestReconcileEmptySnapshotIsNoOp(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")

	reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	})

	// A fetch with no rows at all looks like a feed hiccup, not a mass
	// cancellation.
	report := reconcile(t, engine, nil)
	if report.EventsDeleted != 0 || len(report.Targets) != 0 {
		t.Fatalf("empty fetch must not delete anything, got %+v", report)
	}
	if calendars.backend("fake://a").len() != 1 {
		t.Fatalf("remote objects must survive an empty fetch")
	}
	if _, err := store.GetEvent("ev-1"); err != nil {
		t.Fatalf("events must survive an empty fetch: %v", err)
	}
}

func TestReconcileRejectsBadRows(t *testing.T) {
	_, engine, _ := setupEngine(t)

	report := reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("", "No id", "14/03/2026 09:00:00", "14/03/2026 17:00:00"),
		feedRow("ev-1", "Bad date", "not a date", "14/03/2026 17:00:00"),
		feedRow("ev-2", "Backwards", "14/03/2026 17:00:00", "14/03/2026 09:00:00"),
		feedRow("ev-3", "Fine", "14/03/2026 09:00:00", "14/03/2026 17:00:00"),
		feedRow("ev-3", "Duplicate", "14/03/2026 09:00:00", "14/03/2026 17:00:00"),
	})

	if report.EventsSeen != 1 || report.EventsCreated != 1 {
		t.Fatalf("only ev-3 should survive, got %+v", report)
	}
	if len(report.RowErrors) != 4 {
		t.Fatalf("expected four row errors, got %+v", report.RowErrors)
	}
	// Row numbers count from the top of the sheet, header row included.
	if report.RowErrors[0].Row != 2 {
		t.Fatalf("expected first error on row 2, got %+v", report.RowErrors[0])
	}
}

func TestReconcileBadMapping(t *testing.T) {
	_, engine, _ := setupEngine(t)
	_, err := engine.Reconcile(context.Background(), [][]string{{"only", "three", "columns"}})
	if !errors.Is(err, ErrBadMapping) {
		t.Fatalf("expected ErrBadMapping, got %v", err)
	}
}

func TestReconcileStoresLastReport(t *testing.T) {
	store, engine, _ := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")

	reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	})
	report, ok := store.LastReport()
	if !ok {
		t.Fatalf("expected a stored report")
	}
	if report.EventsCreated != 1 || report.FinishedAt.IsZero() {
		t.Fatalf("stored report incomplete: %+v", report)
	}
}

func TestReconcileConflictSkipsName(t *testing.T) {
	store, engine, calendars := setupEngine(t)
	boundIdentity(t, store, "alpha", "Anna B", "fake://a")
	second := boundIdentity(t, store, "beta", "", "fake://b")
	store.mu.Lock()
	broken := store.identities[second.ID]
	broken.DisplayName = "Anna B"
	store.identities[second.ID] = broken
	store.mu.Unlock()

	report := reconcile(t, engine, [][]string{
		feedHeader,
		feedRow("ev-1", "Shift", "14/03/2026 09:00:00", "14/03/2026 17:00:00", "Anna B"),
	})
	if len(report.BindingConflicts) != 1 {
		t.Fatalf("expected one binding conflict, got %+v", report.BindingConflicts)
	}
	if calendars.backend("fake://a").len() != 0 || calendars.backend("fake://b").len() != 0 {
		t.Fatalf("conflicted name must dispatch to nobody")
	}
}
