package worldstore

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
	"github.com/MrWong99/scribax/pkg/types"
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
		case *bool:
			*d = v.(bool)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
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

// ─────────────────────────────────────────────────────────────────────────────
// Test helpers — fixtures
// ─────────────────────────────────────────────────────────────────────────────

var (
	testCreated = time.Date(2026, 8, 20, 18, 0, 0, 0, time.UTC)
	testUpdated = time.Date(2026, 8, 20, 19, 30, 0, 0, time.UTC)
)

func testEntity() *Entity {
	return &Entity{
		ID:          "npc-elara",
		Kind:        types.KindNPC,
		Name:        "Elara",
		Description: "Bartender at the Prancing Pony.",
		Properties:  map[string]string{"race": "elf"},
		Tags:        []string{"bartender"},
		Visibility:  []string{"npc-grukk"},
		CreatedAt:   testCreated,
		UpdatedAt:   testUpdated,
	}
}

// entityRow builds a mock row in entityColumns order.
func entityRow(t *testing.T, e *Entity) []any {
	t.Helper()
	props, tags, vis, err := marshalEntityFields(e)
	if err != nil {
		t.Fatalf("marshalEntityFields: %v", err)
	}
	return []any{e.ID, string(e.Kind), e.Name, e.Description, props, tags, vis, e.CreatedAt, e.UpdatedAt}
}

// relationshipRow builds a mock row in relationshipColumns order.
func relationshipRow(t *testing.T, r *Relationship) []any {
	t.Helper()
	props, err := json.Marshal(emptyMap(r.Properties))
	if err != nil {
		t.Fatalf("marshal relationship properties: %v", err)
	}
	return []any{r.ID, r.FromID, r.ToID, r.Type, props, r.Bidirectional, r.CreatedAt}
}

// ─────────────────────────────────────────────────────────────────────────────
// Entity tests
// ─────────────────────────────────────────────────────────────────────────────

func TestPGMigrate(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return pgconn.CommandTag{}, nil
		},
	}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: unexpected error: %v", err)
	}
	if gotSQL != Schema {
		t.Fatal("Migrate: expected the Schema DDL to be executed")
	}
}

func TestPGCreateEntity(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotSQL, gotArgs = sql, args
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto([]any{testCreated, testUpdated}, dest...)
			}}
		},
	}
	s := NewPostgresStore(db)

	e := &Entity{Name: "Elara", Kind: types.KindNPC}
	if err := s.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity: unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "INSERT INTO world_entities") {
		t.Fatalf("CreateEntity: unexpected query %q", gotSQL)
	}
	if len(gotArgs) != 7 {
		t.Fatalf("CreateEntity: expected 7 args, got %d", len(gotArgs))
	}
	if e.ID == "" || gotArgs[0] != e.ID {
		t.Fatalf("CreateEntity: expected generated ID to be inserted, got %v", gotArgs[0])
	}
	if gotArgs[1] != "NPC" {
		t.Fatalf("CreateEntity: expected kind NPC, got %v", gotArgs[1])
	}
	if !e.CreatedAt.Equal(testCreated) || !e.UpdatedAt.Equal(testUpdated) {
		t.Fatalf("CreateEntity: expected database timestamps written back, got %v / %v", e.CreatedAt, e.UpdatedAt)
	}
}

func TestPGCreateEntityValidates(t *testing.T) {
	t.Parallel()

	called := false
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			called = true
			return &mockRow{scanFunc: func(dest ...any) error { return nil }}
		},
	}
	s := NewPostgresStore(db)

	err := s.CreateEntity(context.Background(), &Entity{Kind: types.KindNPC})
	if !fault.IsValidation(err) {
		t.Fatalf("CreateEntity: expected validation fault, got %v", err)
	}
	if called {
		t.Fatal("CreateEntity: invalid entity must not reach the database")
	}
}

func TestPGCreateEntityDuplicate(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				return &pgconn.PgError{Code: "23505"}
			}}
		},
	}
	s := NewPostgresStore(db)

	err := s.CreateEntity(context.Background(), testEntity())
	if !fault.IsValidation(err) {
		t.Fatalf("CreateEntity: expected validation fault for duplicate, got %v", err)
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("CreateEntity: unexpected message: %v", err)
	}
}

func TestPGGetEntityMiss(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{})
	got, err := s.GetEntity(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetEntity: unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("GetEntity: expected nil for missing entity, got %+v", got)
	}
}

func TestPGGetEntityRoundTrip(t *testing.T) {
	t.Parallel()

	want := testEntity()
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if args[0] != "npc-elara" {
				t.Errorf("GetEntity: expected id arg, got %v", args[0])
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto(entityRow(t, want), dest...)
			}}
		},
	}
	s := NewPostgresStore(db)

	got, err := s.GetEntity(context.Background(), "npc-elara")
	if err != nil {
		t.Fatalf("GetEntity: unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetEntity: round trip mismatch\ngot  %+v\nwant %+v", got, want)
	}
}

func TestPGUpdateEntity(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotSQL, gotArgs = sql, args
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto([]any{testUpdated}, dest...)
			}}
		},
	}
	s := NewPostgresStore(db)

	e := testEntity()
	e.Description = "Now co-owner of the Prancing Pony."
	if err := s.UpdateEntity(context.Background(), e); err != nil {
		t.Fatalf("UpdateEntity: unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "UPDATE world_entities") || !strings.Contains(gotSQL, "updated_at = now()") {
		t.Fatalf("UpdateEntity: unexpected query %q", gotSQL)
	}
	if gotArgs[0] != "npc-elara" {
		t.Fatalf("UpdateEntity: expected id as first arg, got %v", gotArgs[0])
	}
	if gotArgs[3] != "Now co-owner of the Prancing Pony." {
		t.Fatalf("UpdateEntity: expected new description, got %v", gotArgs[3])
	}
	if !e.UpdatedAt.Equal(testUpdated) {
		t.Fatalf("UpdateEntity: expected database UpdatedAt written back, got %v", e.UpdatedAt)
	}
}

func TestPGUpdateEntityMissing(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{})
	err := s.UpdateEntity(context.Background(), testEntity())
	if !fault.IsNotFound(err) {
		t.Fatalf("UpdateEntity: expected not-found fault, got %v", err)
	}
}

func TestPGDeleteEntity(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL, gotArgs = sql, args
			return pgconn.NewCommandTag("DELETE 1"), nil
		},
	}
	s := NewPostgresStore(db)

	if err := s.DeleteEntity(context.Background(), "npc-elara"); err != nil {
		t.Fatalf("DeleteEntity: unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "DELETE FROM world_entities") {
		t.Fatalf("DeleteEntity: unexpected query %q", gotSQL)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "npc-elara" {
		t.Fatalf("DeleteEntity: expected single id arg, got %v", gotArgs)
	}
}

func TestPGFindQueryShape(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = sql, args
			return &mockRows{}, nil
		},
	}
	s := NewPostgresStore(db)

	filters := FindFilters{
		Kind:       types.KindNPC,
		Name:       "Elara",
		Properties: map[string]string{"race": "elf"},
		VisibleTo:  "npc-grukk",
		Limit:      10,
		Offset:     20,
	}
	if _, err := s.Find(context.Background(), filters); err != nil {
		t.Fatalf("Find: unexpected error: %v", err)
	}

	for _, want := range []string{
		"kind = $1",
		"LOWER(name) = LOWER($2)",
		"properties @> $3::jsonb",
		"(visibility = '[]'::jsonb OR visibility @> $4::jsonb)",
		"ORDER BY name, id",
		"LIMIT $5",
		"OFFSET $6",
	} {
		if !strings.Contains(gotSQL, want) {
			t.Errorf("Find: query missing %q:\n%s", want, gotSQL)
		}
	}

	propBlob, _ := json.Marshal(map[string]string{"race": "elf"})
	visBlob, _ := json.Marshal([]string{"npc-grukk"})
	wantArgs := []any{"NPC", "Elara", propBlob, visBlob, 10, 20}
	if !reflect.DeepEqual(gotArgs, wantArgs) {
		t.Fatalf("Find: args mismatch\ngot  %v\nwant %v", gotArgs, wantArgs)
	}
}

func TestPGFindScansRows(t *testing.T) {
	t.Parallel()

	first := testEntity()
	second := testEntity()
	second.ID = "npc-grukk"
	second.Name = "Grukk"
	second.Visibility = nil

	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{entityRow(t, first), entityRow(t, second)}}, nil
		},
	}
	s := NewPostgresStore(db)

	got, err := s.Find(context.Background(), FindFilters{Kind: types.KindNPC})
	if err != nil {
		t.Fatalf("Find: unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Find: expected 2 entities, got %d", len(got))
	}
	if got[0].Name != "Elara" || got[1].Name != "Grukk" {
		t.Fatalf("Find: expected [Elara Grukk], got [%s %s]", got[0].Name, got[1].Name)
	}
	if got[1].Visibility == nil || len(got[1].Visibility) != 0 {
		t.Fatalf("Find: expected empty visibility round trip, got %v", got[1].Visibility)
	}
}

func TestPGEntityNames(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = sql, args
			return &mockRows{data: [][]any{
				{"npc-a", "Twin"},
				{"npc-b", "Twin"},
				{"npc-c", "Borin"},
			}}, nil
		},
	}
	s := NewPostgresStore(db)

	names, err := s.EntityNames(context.Background(), types.KindNPC)
	if err != nil {
		t.Fatalf("EntityNames: unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "ORDER BY id") {
		t.Fatalf("EntityNames: expected deterministic ID order, query %q", gotSQL)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "NPC" {
		t.Fatalf("EntityNames: expected kind arg NPC, got %v", gotArgs)
	}
	if names["Twin"] != "npc-a" {
		t.Fatalf("EntityNames: duplicate name should keep the smallest ID, got %q", names["Twin"])
	}
	if names["Borin"] != "npc-c" {
		t.Fatalf("EntityNames: expected Borin -> npc-c, got %q", names["Borin"])
	}
}

func TestPGEntityNamesInvalidKind(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{})
	_, err := s.EntityNames(context.Background(), "GHOST")
	if !fault.IsValidation(err) {
		t.Fatalf("EntityNames: expected validation fault, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Relationship tests
// ─────────────────────────────────────────────────────────────────────────────

func TestPGCreateRelationship(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotSQL, gotArgs = sql, args
			return &mockRow{scanFunc: func(dest ...any) error {
				return scanInto([]any{testCreated}, dest...)
			}}
		},
	}
	s := NewPostgresStore(db)

	rel := &Relationship{FromID: "npc-elara", ToID: "place-tavern", Type: "works_at"}
	if err := s.CreateRelationship(context.Background(), rel); err != nil {
		t.Fatalf("CreateRelationship: unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "INSERT INTO world_relationships") {
		t.Fatalf("CreateRelationship: unexpected query %q", gotSQL)
	}
	if rel.ID == "" || gotArgs[0] != rel.ID {
		t.Fatalf("CreateRelationship: expected generated ID to be inserted, got %v", gotArgs[0])
	}
	if gotArgs[1] != "npc-elara" || gotArgs[2] != "place-tavern" || gotArgs[3] != "works_at" {
		t.Fatalf("CreateRelationship: unexpected args %v", gotArgs)
	}
	if !rel.CreatedAt.Equal(testCreated) {
		t.Fatalf("CreateRelationship: expected database CreatedAt written back, got %v", rel.CreatedAt)
	}
}

func TestPGCreateRelationshipEndpointMissing(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				return &pgconn.PgError{Code: "23503"}
			}}
		},
	}
	s := NewPostgresStore(db)

	err := s.CreateRelationship(context.Background(), &Relationship{FromID: "npc-elara", ToID: "ghost", Type: "knows"})
	if !fault.IsNotFound(err) {
		t.Fatalf("CreateRelationship: expected not-found fault for foreign-key violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "must both exist") {
		t.Fatalf("CreateRelationship: unexpected message: %v", err)
	}
}

func TestPGCreateRelationshipDuplicate(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				return &pgconn.PgError{Code: "23505"}
			}}
		},
	}
	s := NewPostgresStore(db)

	err := s.CreateRelationship(context.Background(), &Relationship{ID: "rel-1", FromID: "a", ToID: "b", Type: "knows"})
	if !fault.IsValidation(err) {
		t.Fatalf("CreateRelationship: expected validation fault for duplicate, got %v", err)
	}
}

func TestPGRelationships(t *testing.T) {
	t.Parallel()

	rel := &Relationship{
		ID:            "rel-1",
		FromID:        "npc-elara",
		ToID:          "place-tavern",
		Type:          "works_at",
		Properties:    map[string]string{"since": "1374"},
		Bidirectional: true,
		CreatedAt:     testCreated,
	}

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = sql, args
			return &mockRows{data: [][]any{relationshipRow(t, rel)}}, nil
		},
	}
	s := NewPostgresStore(db)

	got, err := s.Relationships(context.Background(), "npc-elara")
	if err != nil {
		t.Fatalf("Relationships: unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "from_id = $1 OR to_id = $1") {
		t.Fatalf("Relationships: expected both-endpoint match, query %q", gotSQL)
	}
	if !strings.Contains(gotSQL, "ORDER BY created_at, id") {
		t.Fatalf("Relationships: expected oldest-first order, query %q", gotSQL)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "npc-elara" {
		t.Fatalf("Relationships: expected entity id arg, got %v", gotArgs)
	}
	if len(got) != 1 || !reflect.DeepEqual(got[0], rel) {
		t.Fatalf("Relationships: round trip mismatch\ngot  %+v\nwant %+v", got[0], rel)
	}
}

func TestPGDeleteRelationship(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return pgconn.NewCommandTag("DELETE 0"), nil
		},
	}
	s := NewPostgresStore(db)

	if err := s.DeleteRelationship(context.Background(), "rel-ghost"); err != nil {
		t.Fatalf("DeleteRelationship: missing relationship should not error, got %v", err)
	}
	if !strings.Contains(gotSQL, "DELETE FROM world_relationships") {
		t.Fatalf("DeleteRelationship: unexpected query %q", gotSQL)
	}
}
