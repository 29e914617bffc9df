package gamestate

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/scribax/pkg/fault"
)

// ─────────────────────────────────────────────────────────────────────────────
// Test helpers — mock DB types
// ─────────────────────────────────────────────────────────────────────────────

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	return scanInto(r.data[r.idx-1], dest...)
}

// scanInto copies a mock row into scan destinations.
func scanInto(row []any, dest ...any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		case *int:
			*d = v.(int)
		case *bool:
			*d = v.(bool)
		case *SnapshotTrigger:
			*d = SnapshotTrigger(v.(string))
		case *RollbackAction:
			*d = RollbackAction(v.(string))
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing. Begin hands out a single
// mockTx that delegates queries back to the mockDB and records the outcome.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	beginErr   error
	beginCalls int
	tx         *mockTx
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	m.beginCalls++
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	if m.tx == nil {
		m.tx = &mockTx{db: m}
	}
	return m.tx, nil
}

// mockTx implements pgx.Tx, delegating statements to the mockDB and
// recording whether the transaction committed.
type mockTx struct {
	db         *mockDB
	committed  bool
	rolledBack bool
}

var _ pgx.Tx = (*mockTx)(nil)

func (t *mockTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *mockTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *mockTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *mockTx) Conn() *pgx.Conn { return nil }

func (t *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *mockTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

// sessionRow renders a session the way the database would return it.
func sessionRow(t *testing.T, s *GameSession) []any {
	t.Helper()
	blobs, err := marshalSessionFields(s)
	must(t, err)
	return []any{
		s.SessionID, s.DMID, s.CampaignID, s.Name, s.Description,
		s.CurrentTime, s.SessionStart, s.CurrentSceneID, blobs.players,
		blobs.npcs, blobs.style, blobs.npcStates, blobs.eventRules,
		blobs.customStyles, s.CreatedAt, s.UpdatedAt, s.Version, s.Checksum,
	}
}

// snapshotRow renders a snapshot the way the database would return it.
func snapshotRow(t *testing.T, snap *SessionSnapshot) []any {
	t.Helper()
	stateJSON, err := json.Marshal(snap.SessionState)
	must(t, err)
	tagsJSON, err := json.Marshal(orEmpty(snap.Tags))
	must(t, err)
	return []any{
		snap.SnapshotID, snap.SessionID, snap.Name, snap.Description,
		snap.CreatedAt, snap.CreatedBy, stateJSON, tagsJSON, snap.IsAuto,
		string(snap.Trigger),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// TestPGSaveSessionSealsBeforeInsert checks that the insert carries the
// stamped timestamps, version 1 and a sealed checksum.
func TestPGSaveSessionSealsBeforeInsert(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	store := NewPostgresStore(&mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL, gotArgs = sql, args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	})

	s := testSession("sess-1")
	must(t, store.SaveSession(context.Background(), s))

	if !strings.Contains(gotSQL, "INSERT INTO game_sessions") {
		t.Errorf("query is not a session insert: %s", gotSQL)
	}
	if len(gotArgs) != 18 {
		t.Fatalf("got %d args, want 18", len(gotArgs))
	}
	if s.Checksum == "" || gotArgs[17] != s.Checksum {
		t.Errorf("checksum arg = %v, want sealed %q", gotArgs[17], s.Checksum)
	}
	if gotArgs[16] != 1 {
		t.Errorf("version arg = %v, want 1", gotArgs[16])
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		t.Error("timestamps must be stamped before the insert")
	}
}

// TestPGSaveSessionValidates checks that an invalid session never reaches
// the database.
func TestPGSaveSessionValidates(t *testing.T) {
	t.Parallel()

	called := false
	store := NewPostgresStore(&mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			called = true
			return pgconn.CommandTag{}, nil
		},
	})

	err := store.SaveSession(context.Background(), &GameSession{SessionID: "sess-1"})
	if err == nil || !fault.IsValidation(err) {
		t.Errorf("error = %v, want a validation fault", err)
	}
	if called {
		t.Error("invalid session must not reach the database")
	}
}

// TestPGSaveSessionDuplicate checks that a unique violation is reported as
// an already-exists error.
func TestPGSaveSessionDuplicate(t *testing.T) {
	t.Parallel()

	store := NewPostgresStore(&mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		},
	})

	err := store.SaveSession(context.Background(), testSession("sess-1"))
	if err == nil || !fault.IsValidation(err) {
		t.Fatalf("error = %v, want a validation fault", err)
	}
	assertContains(t, err.Error(), "already exists")
}

// TestPGGetSessionMiss checks the (nil, nil) miss contract.
func TestPGGetSessionMiss(t *testing.T) {
	t.Parallel()

	store := NewPostgresStore(&mockDB{})
	got, err := store.GetSession(context.Background(), "ghost")
	must(t, err)
	if got != nil {
		t.Errorf("session = %+v, want nil", got)
	}
}

// TestPGGetSessionRoundTrip checks column scanning and JSONB decoding
// reproduce the stored session exactly.
func TestPGGetSessionRoundTrip(t *testing.T) {
	t.Parallel()

	want := sealedSession(t, "sess-1")
	store := NewPostgresStore(&mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(sessionRow(t, want), dest...)
			}}
		},
	})

	got, err := store.GetSession(context.Background(), "sess-1")
	must(t, err)
	if got == nil {
		t.Fatal("expected a session")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip changed the session:\n got %+v\nwant %+v", got, want)
	}
	must(t, got.VerifyChecksum())
}

// TestPGUpdateSessionCommits checks that an update locks the row, applies
// the patch and commits the rewrite.
func TestPGUpdateSessionCommits(t *testing.T) {
	t.Parallel()

	stored := sealedSession(t, "sess-1")
	var updateSQL string
	var updateArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if !strings.Contains(sql, "FOR UPDATE") {
				t.Errorf("read is not locked: %s", sql)
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(sessionRow(t, stored), dest...)
			}}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			updateSQL, updateArgs = sql, args
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store := NewPostgresStore(db)

	name := "The Cellar Job"
	got, err := store.UpdateSession(context.Background(), "sess-1", SessionPatch{Name: &name})
	must(t, err)

	if got.Name != name || got.Version != 2 {
		t.Errorf("updated = %q v%d, want %q v2", got.Name, got.Version, name)
	}
	if !strings.Contains(updateSQL, "UPDATE game_sessions SET") {
		t.Errorf("write is not a session update: %s", updateSQL)
	}
	if len(updateArgs) != 18 || updateArgs[3] != name || updateArgs[16] != 2 {
		t.Errorf("update args = name %v version %v, want %q and 2", updateArgs[3], updateArgs[16], name)
	}
	if db.tx == nil || !db.tx.committed {
		t.Error("update must commit its transaction")
	}
}

// TestPGUpdateSessionMissing checks that updating an absent session rolls
// back with a not-found fault.
func TestPGUpdateSessionMissing(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	store := NewPostgresStore(db)

	name := "anything"
	_, err := store.UpdateSession(context.Background(), "ghost", SessionPatch{Name: &name})
	if err == nil || !fault.IsNotFound(err) {
		t.Errorf("error = %v, want a not-found fault", err)
	}
	if db.tx == nil || db.tx.committed || !db.tx.rolledBack {
		t.Error("failed update must roll back")
	}
}

// TestPGUpdateSessionEmptyPatch checks that a no-op patch is rejected
// before a transaction begins.
func TestPGUpdateSessionEmptyPatch(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	store := NewPostgresStore(db)

	_, err := store.UpdateSession(context.Background(), "sess-1", SessionPatch{})
	if err == nil || !fault.IsValidation(err) {
		t.Errorf("error = %v, want a validation fault", err)
	}
	if db.beginCalls != 0 {
		t.Error("empty patch must not open a transaction")
	}
}

// TestPGListSessionsQueryShape checks the dynamically built filter query.
func TestPGListSessionsQueryShape(t *testing.T) {
	t.Parallel()

	listed := sealedSession(t, "sess-1")
	var gotSQL string
	var gotArgs []any
	store := NewPostgresStore(&mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = sql, args
			return &mockRows{data: [][]any{sessionRow(t, listed)}}, nil
		},
	})

	sessions, err := store.ListSessions(context.Background(),
		SessionFilters{DMID: "dm-1", CampaignID: "camp-1"}, 5, 10)
	must(t, err)

	assertContains(t, gotSQL, "dm_id = $1")
	assertContains(t, gotSQL, "campaign_id = $2")
	assertContains(t, gotSQL, "ORDER BY updated_at DESC")
	assertContains(t, gotSQL, "LIMIT $3")
	assertContains(t, gotSQL, "OFFSET $4")
	wantArgs := []any{"dm-1", "camp-1", 5, 10}
	if !reflect.DeepEqual(gotArgs, wantArgs) {
		t.Errorf("args = %v, want %v", gotArgs, wantArgs)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-1" {
		t.Errorf("sessions = %v, want the decoded row", sessions)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots and log rows
// ─────────────────────────────────────────────────────────────────────────────

// TestPGSnapshotRoundTrip checks snapshot scanning, including the frozen
// state blob whose checksum must still verify.
func TestPGSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	want := testSnapshot(t, "snap-1", "sess-1", time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC))
	store := NewPostgresStore(&mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(snapshotRow(t, want), dest...)
			}}
		},
	})

	got, err := store.GetSnapshot(context.Background(), "snap-1")
	must(t, err)
	if got == nil {
		t.Fatal("expected a snapshot")
	}
	if got.Trigger != TriggerManual || got.Name != want.Name {
		t.Errorf("snapshot = %q/%q, want %q/MANUAL", got.Name, got.Trigger, want.Name)
	}
	if !reflect.DeepEqual(got.SessionState, want.SessionState) {
		t.Error("frozen state changed in the round trip")
	}
	must(t, got.SessionState.VerifyChecksum())
}

// TestPGSaveSnapshotValidates checks that an invalid snapshot never reaches
// the database.
func TestPGSaveSnapshotValidates(t *testing.T) {
	t.Parallel()

	called := false
	store := NewPostgresStore(&mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			called = true
			return pgconn.CommandTag{}, nil
		},
	})

	err := store.SaveSnapshot(context.Background(), &SessionSnapshot{SnapshotID: "snap-1"})
	if err == nil || !fault.IsValidation(err) {
		t.Errorf("error = %v, want a validation fault", err)
	}
	if called {
		t.Error("invalid snapshot must not reach the database")
	}
}

// TestPGLatestRollbackPoint checks both the hit and the empty-history case.
func TestPGLatestRollbackPoint(t *testing.T) {
	t.Parallel()

	hit := NewPostgresStore(&mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if len(args) != 2 || args[1] != string(ActionCreatePoint) {
				t.Errorf("args = %v, want session and create_point filter", args)
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto([]any{"snap-7"}, dest...)
			}}
		},
	})
	id, err := hit.LatestRollbackPoint(context.Background(), "sess-1")
	must(t, err)
	if id != "snap-7" {
		t.Errorf("latest = %q, want snap-7", id)
	}

	miss := NewPostgresStore(&mockDB{})
	id, err = miss.LatestRollbackPoint(context.Background(), "sess-quiet")
	must(t, err)
	if id != "" {
		t.Errorf("latest = %q, want empty", id)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Compound operations
// ─────────────────────────────────────────────────────────────────────────────

// TestPGCreateRollbackPoint checks that the snapshot and audit row are
// inserted inside one committed transaction.
func TestPGCreateRollbackPoint(t *testing.T) {
	t.Parallel()

	stored := sealedSession(t, "sess-1")
	var snapArgs, logArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(sessionRow(t, stored), dest...)
			}}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			switch {
			case strings.Contains(sql, "INSERT INTO session_snapshots"):
				snapArgs = args
			case strings.Contains(sql, "INSERT INTO rollback_logs"):
				logArgs = args
			default:
				t.Errorf("unexpected statement: %s", sql)
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	store := NewPostgresStore(db)

	snapshot, err := store.CreateRollbackPoint(context.Background(), "sess-1", "dm-1", "before the heist")
	must(t, err)

	if snapshot.Name != "before the heist" || snapshot.Trigger != TriggerBeforeRollback {
		t.Errorf("snapshot = %q/%q, want named BEFORE_ROLLBACK", snapshot.Name, snapshot.Trigger)
	}
	if snapArgs == nil || logArgs == nil {
		t.Fatal("both inserts must run")
	}
	if snapArgs[9] != string(TriggerBeforeRollback) {
		t.Errorf("snapshot trigger arg = %v, want BEFORE_ROLLBACK", snapArgs[9])
	}
	if logArgs[4] != string(ActionCreatePoint) {
		t.Errorf("log action arg = %v, want create_point", logArgs[4])
	}
	if db.tx == nil || !db.tx.committed {
		t.Error("rollback point must commit its transaction")
	}
}

// TestPGCreateRollbackPointMissing checks that an absent session rolls the
// transaction back without inserting anything.
func TestPGCreateRollbackPointMissing(t *testing.T) {
	t.Parallel()

	inserted := false
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			inserted = true
			return pgconn.CommandTag{}, nil
		},
	}
	store := NewPostgresStore(db)

	_, err := store.CreateRollbackPoint(context.Background(), "ghost", "dm-1", "")
	if err == nil || !fault.IsNotFound(err) {
		t.Errorf("error = %v, want a not-found fault", err)
	}
	if inserted {
		t.Error("nothing may be inserted for a missing session")
	}
	if db.tx == nil || db.tx.committed {
		t.Error("failed rollback point must not commit")
	}
}

// TestPGRollbackToRestores checks the full transactional restore: locked
// read, snapshot fetch, checksum verification, session rewrite and audit
// row, all committed together.
func TestPGRollbackToRestores(t *testing.T) {
	t.Parallel()

	base := sealedSession(t, "sess-1")
	current := divergedSession(t, base)
	snapshot := &SessionSnapshot{
		SnapshotID:   "snap-1",
		SessionID:    "sess-1",
		Name:         "before the cellar",
		CreatedAt:    base.UpdatedAt,
		CreatedBy:    "dm-1",
		SessionState: *base.Clone(),
		Trigger:      TriggerBeforeRollback,
	}

	var updateArgs, logArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			switch {
			case strings.Contains(sql, "FROM game_sessions"):
				return &mockRow{scanFunc: func(dest ...any) error {
					return scanInto(sessionRow(t, current), dest...)
				}}
			case strings.Contains(sql, "FROM session_snapshots"):
				return &mockRow{scanFunc: func(dest ...any) error {
					return scanInto(snapshotRow(t, snapshot), dest...)
				}}
			default:
				t.Errorf("unexpected query: %s", sql)
				return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
			}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			switch {
			case strings.Contains(sql, "UPDATE game_sessions"):
				updateArgs = args
				return pgconn.NewCommandTag("UPDATE 1"), nil
			case strings.Contains(sql, "INSERT INTO rollback_logs"):
				logArgs = args
				return pgconn.NewCommandTag("INSERT 0 1"), nil
			default:
				t.Errorf("unexpected statement: %s", sql)
				return pgconn.CommandTag{}, nil
			}
		},
	}
	store := NewPostgresStore(db)

	restored, log, err := store.RollbackTo(context.Background(), "sess-1", "snap-1", "dm-1")
	must(t, err)

	if restored.Version != 4 || restored.CurrentSceneID != "scene-tavern" {
		t.Errorf("restored = v%d %q, want v4 scene-tavern", restored.Version, restored.CurrentSceneID)
	}
	if log.Action != ActionRollback || len(log.Conflicts) != 4 {
		t.Errorf("log = %q with %d conflicts, want rollback with 4", log.Action, len(log.Conflicts))
	}
	if updateArgs == nil || logArgs == nil {
		t.Fatal("both the rewrite and the audit row must run")
	}
	if updateArgs[16] != 4 {
		t.Errorf("written version = %v, want 4", updateArgs[16])
	}
	if db.tx == nil || !db.tx.committed {
		t.Error("rollback must commit its transaction")
	}
}

// TestPGRollbackToCorruptSnapshot checks that a snapshot failing checksum
// verification never rewrites the session.
func TestPGRollbackToCorruptSnapshot(t *testing.T) {
	t.Parallel()

	current := sealedSession(t, "sess-1")
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

	wrote := false
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "FROM session_snapshots") {
				return &mockRow{scanFunc: func(dest ...any) error {
					return scanInto(snapshotRow(t, corrupt), dest...)
				}}
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(sessionRow(t, current), dest...)
			}}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			wrote = true
			return pgconn.CommandTag{}, nil
		},
	}
	store := NewPostgresStore(db)

	_, _, err := store.RollbackTo(context.Background(), "sess-1", "snap-corrupt", "dm-1")
	if err == nil {
		t.Fatal("expected checksum verification to fail")
	}
	assertContains(t, err.Error(), "checksum")
	if wrote {
		t.Error("a corrupt snapshot must not rewrite the session")
	}
	if db.tx == nil || db.tx.committed {
		t.Error("failed rollback must not commit")
	}
}

// TestPGRollbackToWrongSession checks that a snapshot of another session is
// rejected.
func TestPGRollbackToWrongSession(t *testing.T) {
	t.Parallel()

	current := sealedSession(t, "sess-1")
	foreign := testSnapshot(t, "snap-foreign", "sess-2", time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC))

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "FROM session_snapshots") {
				return &mockRow{scanFunc: func(dest ...any) error {
					return scanInto(snapshotRow(t, foreign), dest...)
				}}
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(sessionRow(t, current), dest...)
			}}
		},
	}
	store := NewPostgresStore(db)

	_, _, err := store.RollbackTo(context.Background(), "sess-1", "snap-foreign", "dm-1")
	if err == nil || !fault.IsValidation(err) {
		t.Errorf("error = %v, want a validation fault", err)
	}
	assertContains(t, err.Error(), "belongs to session")
}
