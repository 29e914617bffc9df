package gamestate

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// TestMemSaveAndGetSession checks that saving stamps the bookkeeping fields
// and that reads are isolated copies.
func TestMemSaveAndGetSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()

	s := testSession("sess-1")
	must(t, store.SaveSession(ctx, s))

	if s.Version != 1 {
		t.Errorf("Version = %d, want 1", s.Version)
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		t.Error("timestamps must be stamped on save")
	}
	if s.Checksum == "" {
		t.Error("save must seal the checksum")
	}

	got, err := store.GetSession(ctx, "sess-1")
	must(t, err)
	if got == nil {
		t.Fatal("expected the session back")
	}
	if got.Name != s.Name || got.Checksum != s.Checksum {
		t.Errorf("got %q/%s, want %q/%s", got.Name, got.Checksum, s.Name, s.Checksum)
	}
	must(t, got.VerifyChecksum())

	// Mutating the returned copy must not touch the stored session.
	got.CustomStyles["bardic"] = "overwritten"
	again, err := store.GetSession(ctx, "sess-1")
	must(t, err)
	if again.CustomStyles["bardic"] != "Narrate in rhyme." {
		t.Error("stored session aliases a returned copy")
	}
}

// TestMemSaveSessionRejects checks duplicate and invalid saves.
func TestMemSaveSessionRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()

	must(t, store.SaveSession(ctx, testSession("sess-1")))

	err := store.SaveSession(ctx, testSession("sess-1"))
	if err == nil || !fault.IsValidation(err) {
		t.Errorf("duplicate save error = %v, want a validation fault", err)
	}
	assertContains(t, err.Error(), "already exists")

	invalid := testSession("sess-2")
	invalid.DMID = ""
	if err := store.SaveSession(ctx, invalid); err == nil || !fault.IsValidation(err) {
		t.Errorf("invalid save error = %v, want a validation fault", err)
	}

	if err := store.SaveSession(ctx, nil); err == nil {
		t.Error("nil session must be rejected")
	}
}

// TestMemGetSessionMiss checks the (nil, nil) miss contract.
func TestMemGetSessionMiss(t *testing.T) {
	t.Parallel()

	got, err := NewMemStore().GetSession(context.Background(), "ghost")
	must(t, err)
	if got != nil {
		t.Errorf("session = %+v, want nil", got)
	}
}

// TestMemUpdateSession checks patching bumps the version and reseals.
func TestMemUpdateSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))

	scene := "scene-cellar"
	updated, err := store.UpdateSession(ctx, "sess-1", SessionPatch{CurrentSceneID: &scene})
	must(t, err)
	if updated.CurrentSceneID != scene || updated.Version != 2 {
		t.Errorf("updated = %q v%d, want %q v2", updated.CurrentSceneID, updated.Version, scene)
	}
	must(t, updated.VerifyChecksum())

	stored, err := store.GetSession(ctx, "sess-1")
	must(t, err)
	if stored.CurrentSceneID != scene {
		t.Errorf("stored scene = %q, want %q", stored.CurrentSceneID, scene)
	}
}

// TestMemUpdateSessionErrors checks the update failure modes.
func TestMemUpdateSessionErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))

	if _, err := store.UpdateSession(ctx, "sess-1", SessionPatch{}); err == nil || !fault.IsValidation(err) {
		t.Errorf("empty patch error = %v, want a validation fault", err)
	}

	scene := "scene-cellar"
	if _, err := store.UpdateSession(ctx, "ghost", SessionPatch{CurrentSceneID: &scene}); err == nil || !fault.IsNotFound(err) {
		t.Errorf("missing session error = %v, want a not-found fault", err)
	}

	// A failing patch must leave the stored session untouched.
	empty := ""
	if _, err := store.UpdateSession(ctx, "sess-1", SessionPatch{Name: &empty}); err == nil {
		t.Error("expected validation error for blank name")
	}
	stored, err := store.GetSession(ctx, "sess-1")
	must(t, err)
	if stored.Name != "Night at the Prancing Pony" || stored.Version != 1 {
		t.Errorf("failed patch leaked: %q v%d", stored.Name, stored.Version)
	}
}

// TestMemDeleteSession checks deletion and its idempotence.
func TestMemDeleteSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))

	must(t, store.DeleteSession(ctx, "sess-1"))
	got, err := store.GetSession(ctx, "sess-1")
	must(t, err)
	if got != nil {
		t.Errorf("session survived deletion: %+v", got)
	}
	must(t, store.DeleteSession(ctx, "sess-1"))
}

// TestMemListSessions checks filtering, ordering and windowing.
func TestMemListSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()

	base := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	seed := func(id, dm, campaign string, age time.Duration) {
		s := testSession(id)
		s.DMID = dm
		s.CampaignID = campaign
		s.CreatedAt = base.Add(-age)
		s.UpdatedAt = base.Add(-age)
		must(t, store.SaveSession(ctx, s))
	}
	seed("sess-old", "dm-1", "camp-1", 3*time.Hour)
	seed("sess-mid", "dm-1", "camp-2", 2*time.Hour)
	seed("sess-new", "dm-2", "camp-1", time.Hour)

	all, err := store.ListSessions(ctx, SessionFilters{}, 0, 0)
	must(t, err)
	if len(all) != 3 {
		t.Fatalf("got %d sessions, want 3", len(all))
	}
	if all[0].SessionID != "sess-new" || all[2].SessionID != "sess-old" {
		t.Errorf("order = %s..%s, want most recently updated first", all[0].SessionID, all[2].SessionID)
	}

	byDM, err := store.ListSessions(ctx, SessionFilters{DMID: "dm-1"}, 0, 0)
	must(t, err)
	if len(byDM) != 2 {
		t.Errorf("dm filter got %d sessions, want 2", len(byDM))
	}

	byBoth, err := store.ListSessions(ctx, SessionFilters{DMID: "dm-1", CampaignID: "camp-1"}, 0, 0)
	must(t, err)
	if len(byBoth) != 1 || byBoth[0].SessionID != "sess-old" {
		t.Errorf("combined filter = %v, want [sess-old]", byBoth)
	}

	page, err := store.ListSessions(ctx, SessionFilters{}, 1, 1)
	must(t, err)
	if len(page) != 1 || page[0].SessionID != "sess-mid" {
		t.Errorf("page = %v, want [sess-mid]", page)
	}

	empty, err := store.ListSessions(ctx, SessionFilters{}, 10, 99)
	must(t, err)
	if len(empty) != 0 {
		t.Errorf("offset past the end returned %v", empty)
	}
}

// TestMemSessionExists checks existence reporting.
func TestMemSessionExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))

	ok, err := store.SessionExists(ctx, "sess-1")
	must(t, err)
	if !ok {
		t.Error("sess-1 should exist")
	}
	ok, err = store.SessionExists(ctx, "ghost")
	must(t, err)
	if ok {
		t.Error("ghost should not exist")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────────────────────

func testSnapshot(t *testing.T, id, sessionID string, createdAt time.Time) *SessionSnapshot {
	t.Helper()
	state := testSession(sessionID)
	state.Version = 1
	must(t, state.Seal())
	return &SessionSnapshot{
		SnapshotID:   id,
		SessionID:    sessionID,
		Name:         "checkpoint " + id,
		CreatedAt:    createdAt,
		CreatedBy:    "dm-1",
		SessionState: *state,
		Tags:         []string{"test"},
		Trigger:      TriggerManual,
	}
}

// TestMemSnapshotLifecycle checks save, get, list order, delete and exists.
func TestMemSnapshotLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()

	base := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	must(t, store.SaveSnapshot(ctx, testSnapshot(t, "snap-a", "sess-1", base)))
	must(t, store.SaveSnapshot(ctx, testSnapshot(t, "snap-b", "sess-1", base.Add(time.Hour))))
	must(t, store.SaveSnapshot(ctx, testSnapshot(t, "snap-other", "sess-2", base)))

	got, err := store.GetSnapshot(ctx, "snap-a")
	must(t, err)
	if got == nil || got.Name != "checkpoint snap-a" {
		t.Fatalf("snapshot = %+v, want checkpoint snap-a", got)
	}
	must(t, got.SessionState.VerifyChecksum())

	miss, err := store.GetSnapshot(ctx, "ghost")
	must(t, err)
	if miss != nil {
		t.Errorf("miss = %+v, want nil", miss)
	}

	list, err := store.ListSnapshots(ctx, "sess-1", 0)
	must(t, err)
	if len(list) != 2 || list[0].SnapshotID != "snap-b" || list[1].SnapshotID != "snap-a" {
		t.Errorf("list = %v, want [snap-b snap-a]", snapshotIDs(list))
	}

	limited, err := store.ListSnapshots(ctx, "sess-1", 1)
	must(t, err)
	if len(limited) != 1 || limited[0].SnapshotID != "snap-b" {
		t.Errorf("limited list = %v, want [snap-b]", snapshotIDs(limited))
	}

	must(t, store.DeleteSnapshot(ctx, "snap-a"))
	must(t, store.DeleteSnapshot(ctx, "snap-a"))
	ok, err := store.SnapshotExists(ctx, "snap-a")
	must(t, err)
	if ok {
		t.Error("snap-a should be gone")
	}
	ok, err = store.SnapshotExists(ctx, "snap-b")
	must(t, err)
	if !ok {
		t.Error("snap-b should exist")
	}
}

// TestMemSaveSnapshotRejects checks duplicate and invalid snapshot saves.
func TestMemSaveSnapshotRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	base := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	must(t, store.SaveSnapshot(ctx, testSnapshot(t, "snap-a", "sess-1", base)))
	err := store.SaveSnapshot(ctx, testSnapshot(t, "snap-a", "sess-1", base))
	if err == nil || !fault.IsValidation(err) {
		t.Errorf("duplicate snapshot error = %v, want a validation fault", err)
	}

	bad := testSnapshot(t, "snap-b", "sess-1", base)
	bad.Trigger = "sneeze"
	if err := store.SaveSnapshot(ctx, bad); err == nil {
		t.Error("invalid trigger must be rejected")
	}
}

func snapshotIDs(snaps []*SessionSnapshot) []string {
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.SnapshotID
	}
	return ids
}

// ─────────────────────────────────────────────────────────────────────────────
// Rollback log
// ─────────────────────────────────────────────────────────────────────────────

// TestMemRollbackLogs checks append, newest-first listing and the latest
// rollback point lookup.
func TestMemRollbackLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()

	logRow := func(id string, action RollbackAction, snapshotID string) *RollbackLog {
		return &RollbackLog{LogID: id, SessionID: "sess-1", SnapshotID: snapshotID, Action: action, Operator: "dm-1"}
	}
	must(t, store.SaveRollbackLog(ctx, logRow("log-1", ActionCreatePoint, "snap-a")))
	must(t, store.SaveRollbackLog(ctx, logRow("log-2", ActionRollback, "snap-a")))
	must(t, store.SaveRollbackLog(ctx, logRow("log-3", ActionCreatePoint, "snap-b")))

	logs, err := store.ListRollbackLogs(ctx, "sess-1", 0)
	must(t, err)
	if len(logs) != 3 || logs[0].LogID != "log-3" || logs[2].LogID != "log-1" {
		t.Errorf("order = %v, want newest first", logIDs(logs))
	}

	limited, err := store.ListRollbackLogs(ctx, "sess-1", 2)
	must(t, err)
	if len(limited) != 2 || limited[0].LogID != "log-3" {
		t.Errorf("limited = %v, want [log-3 log-2]", logIDs(limited))
	}

	latest, err := store.LatestRollbackPoint(ctx, "sess-1")
	must(t, err)
	if latest != "snap-b" {
		t.Errorf("latest rollback point = %q, want snap-b", latest)
	}

	none, err := store.LatestRollbackPoint(ctx, "sess-quiet")
	must(t, err)
	if none != "" {
		t.Errorf("latest for unknown session = %q, want empty", none)
	}

	if err := store.SaveRollbackLog(ctx, logRow("log-1", ActionRollback, "")); err == nil {
		t.Error("duplicate log id must be rejected")
	}
	if err := store.SaveRollbackLog(ctx, &RollbackLog{LogID: "log-4", SessionID: "sess-1", Action: "undo"}); err == nil {
		t.Error("unknown action must be rejected")
	}
}

func logIDs(logs []*RollbackLog) []string {
	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.LogID
	}
	return ids
}

// ─────────────────────────────────────────────────────────────────────────────
// Compound operations
// ─────────────────────────────────────────────────────────────────────────────

// TestMemCreateRollbackPoint checks the snapshot and audit row land
// together.
func TestMemCreateRollbackPoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))

	snapshot, err := store.CreateRollbackPoint(ctx, "sess-1", "dm-1", "before the heist")
	must(t, err)
	if snapshot.Trigger != TriggerBeforeRollback {
		t.Errorf("trigger = %q, want BEFORE_ROLLBACK", snapshot.Trigger)
	}

	stored, err := store.GetSnapshot(ctx, snapshot.SnapshotID)
	must(t, err)
	if stored == nil {
		t.Fatal("snapshot was not persisted")
	}
	must(t, stored.SessionState.VerifyChecksum())

	latest, err := store.LatestRollbackPoint(ctx, "sess-1")
	must(t, err)
	if latest != snapshot.SnapshotID {
		t.Errorf("latest rollback point = %q, want %q", latest, snapshot.SnapshotID)
	}

	logs, err := store.ListRollbackLogs(ctx, "sess-1", 1)
	must(t, err)
	if len(logs) != 1 || logs[0].Action != ActionCreatePoint {
		t.Fatalf("logs = %v, want one create_point row", logs)
	}

	if _, err := store.CreateRollbackPoint(ctx, "ghost", "dm-1", ""); err == nil || !fault.IsNotFound(err) {
		t.Errorf("missing session error = %v, want a not-found fault", err)
	}
	if _, err := store.CreateRollbackPoint(ctx, "", "dm-1", ""); err == nil || !fault.IsValidation(err) {
		t.Errorf("empty id error = %v, want a validation fault", err)
	}
}

// TestMemRollbackTo checks the full save, diverge, checkpoint, rollback
// cycle.
func TestMemRollbackTo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))

	snapshot, err := store.CreateRollbackPoint(ctx, "sess-1", "dm-1", "before the cellar")
	must(t, err)

	scene := "scene-cellar"
	npcs := []string{"npc-elara", "npc-grukk"}
	later := time.Date(1374, time.June, 1, 23, 0, 0, 0, time.UTC)
	_, err = store.UpdateSession(ctx, "sess-1", SessionPatch{
		CurrentSceneID: &scene,
		ActiveNPCs:     &npcs,
		CurrentTime:    &later,
	})
	must(t, err)

	restored, log, err := store.RollbackTo(ctx, "sess-1", snapshot.SnapshotID, "dm-1")
	must(t, err)

	if restored.CurrentSceneID != "scene-tavern" {
		t.Errorf("scene = %q, want the checkpoint's scene-tavern", restored.CurrentSceneID)
	}
	if restored.Version != 3 {
		t.Errorf("Version = %d, want 3 (1 saved, 2 updated, 3 rolled back)", restored.Version)
	}
	if len(restored.ActiveNPCs) != 1 {
		t.Errorf("ActiveNPCs = %v, want the checkpoint's cast", restored.ActiveNPCs)
	}
	must(t, restored.VerifyChecksum())

	if log.Action != ActionRollback || len(log.Conflicts) == 0 {
		t.Errorf("log = %q with %d conflicts, want a conflicted rollback row", log.Action, len(log.Conflicts))
	}

	stored, err := store.GetSession(ctx, "sess-1")
	must(t, err)
	if stored.CurrentSceneID != "scene-tavern" || stored.Version != 3 {
		t.Errorf("stored = %q v%d, want the restored state", stored.CurrentSceneID, stored.Version)
	}

	logs, err := store.ListRollbackLogs(ctx, "sess-1", 0)
	must(t, err)
	if len(logs) != 2 || logs[0].Action != ActionRollback {
		t.Errorf("logs = %v, want the rollback row first", logIDs(logs))
	}
}

// TestMemRollbackToErrors checks the rollback failure modes.
func TestMemRollbackToErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))
	must(t, store.SaveSession(ctx, testSession("sess-2")))

	snapshot, err := store.CreateRollbackPoint(ctx, "sess-2", "dm-1", "")
	must(t, err)

	if _, _, err := store.RollbackTo(ctx, "ghost", snapshot.SnapshotID, "dm-1"); err == nil || !fault.IsNotFound(err) {
		t.Errorf("missing session error = %v, want a not-found fault", err)
	}
	if _, _, err := store.RollbackTo(ctx, "sess-1", "ghost", "dm-1"); err == nil || !fault.IsNotFound(err) {
		t.Errorf("missing snapshot error = %v, want a not-found fault", err)
	}
	if _, _, err := store.RollbackTo(ctx, "sess-1", snapshot.SnapshotID, "dm-1"); err == nil || !fault.IsValidation(err) {
		t.Errorf("cross-session rollback error = %v, want a validation fault", err)
	}
	if _, _, err := store.RollbackTo(ctx, "", "", "dm-1"); err == nil || !fault.IsValidation(err) {
		t.Errorf("empty ids error = %v, want a validation fault", err)
	}
}

// TestMemRollbackToCorruptSnapshot checks that a snapshot whose state fails
// checksum verification never restores.
func TestMemRollbackToCorruptSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemStore()
	must(t, store.SaveSession(ctx, testSession("sess-1")))

	state := testSession("sess-1")
	state.Version = 1
	must(t, state.Seal())
	state.Description = "tampered after sealing"
	corrupt := &SessionSnapshot{
		SnapshotID:   "snap-corrupt",
		SessionID:    "sess-1",
		SessionState: *state,
		Trigger:      TriggerManual,
	}
	must(t, store.SaveSnapshot(ctx, corrupt))

	_, _, err := store.RollbackTo(ctx, "sess-1", "snap-corrupt", "dm-1")
	if err == nil {
		t.Fatal("expected checksum verification to fail")
	}
	assertContains(t, err.Error(), "checksum")

	stored, err := store.GetSession(ctx, "sess-1")
	must(t, err)
	if stored.Version != 1 || stored.Description != "the party regroups after the ambush" {
		t.Errorf("session changed despite the failed rollback: v%d %q", stored.Version, stored.Description)
	}
}
