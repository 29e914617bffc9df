package gamestate

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Test helpers
// ─────────────────────────────────────────────────────────────────────────────

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertContains(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Errorf("%q does not contain %q", s, sub)
	}
}

// testSession builds a fully populated session fixture. Times are given at
// microsecond precision in UTC so sealing does not change them.
func testSession(id string) *GameSession {
	return &GameSession{
		SessionID:        id,
		DMID:             "dm-1",
		CampaignID:       "camp-1",
		Name:             "Night at the Prancing Pony",
		Description:      "the party regroups after the ambush",
		CurrentTime:      time.Date(1374, time.June, 1, 20, 0, 0, 0, time.UTC),
		SessionStart:     time.Date(1374, time.June, 1, 18, 0, 0, 0, time.UTC),
		CurrentSceneID:   "scene-tavern",
		PlayerCharacters: []string{"Thorin", "Mira"},
		ActiveNPCs:       []string{"npc-elara"},
		Style:            types.DMStyle{Style: "classic", CombatDetail: "standard"},
		NPCStates: map[string]NPCStateRecord{
			"npc-elara": {
				Emotions:         map[string]float64{"trust": 0.6},
				MemorySummary:    "a quiet week at the inn",
				RecentMemories:   []string{"met Thorin at the bar"},
				Relationships:    map[string]float64{"Thorin": 0.4},
				InteractionCount: 3,
				LastInteraction:  time.Date(2026, time.August, 20, 19, 0, 0, 0, time.UTC),
			},
		},
		EventRules:   []EventRuleState{{RuleID: "long-rest", Enabled: true}},
		CustomStyles: map[string]string{"bardic": "Narrate in rhyme."},
	}
}

// sealedSession builds a fixture that has been stamped and sealed the way a
// repository would store it.
func sealedSession(t *testing.T, id string) *GameSession {
	t.Helper()
	s := testSession(id)
	s.CreatedAt = time.Date(2026, time.August, 20, 18, 0, 0, 0, time.UTC)
	s.UpdatedAt = time.Date(2026, time.August, 20, 19, 30, 0, 0, time.UTC)
	s.Version = 1
	must(t, s.Seal())
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// TestGameSessionValidate checks the session's field invariants.
func TestGameSessionValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*GameSession)
		wantErr string
	}{
		{"valid", func(s *GameSession) {}, ""},
		{"missing session id", func(s *GameSession) { s.SessionID = "" }, "session id"},
		{"missing dm id", func(s *GameSession) { s.DMID = "" }, "dm id"},
		{"missing name", func(s *GameSession) { s.Name = "" }, "session name"},
		{"negative version", func(s *GameSession) { s.Version = -1 }, "version"},
		{"updated before created", func(s *GameSession) {
			s.CreatedAt = time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
			s.UpdatedAt = time.Date(2026, time.August, 20, 11, 0, 0, 0, time.UTC)
		}, "must not precede"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := testSession("sess-1")
			tc.mutate(s)
			err := s.Validate()
			if tc.wantErr == "" {
				must(t, err)
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !fault.IsValidation(err) {
				t.Errorf("expected a validation fault, got %v", err)
			}
			assertContains(t, err.Error(), tc.wantErr)
		})
	}
}

// TestSnapshotValidate checks the snapshot's field invariants, including
// that the frozen state must belong to the snapshot's session.
func TestSnapshotValidate(t *testing.T) {
	t.Parallel()

	valid := func() *SessionSnapshot {
		return &SessionSnapshot{
			SnapshotID:   "snap-1",
			SessionID:    "sess-1",
			Name:         "before the heist",
			SessionState: *testSession("sess-1"),
			Trigger:      TriggerManual,
		}
	}

	cases := []struct {
		name    string
		mutate  func(*SessionSnapshot)
		wantErr string
	}{
		{"valid", func(s *SessionSnapshot) {}, ""},
		{"missing snapshot id", func(s *SessionSnapshot) { s.SnapshotID = "" }, "snapshot id"},
		{"missing session id", func(s *SessionSnapshot) { s.SessionID = "" }, "session id"},
		{"unknown trigger", func(s *SessionSnapshot) { s.Trigger = "sneeze" }, "unknown snapshot trigger"},
		{"state for another session", func(s *SessionSnapshot) {
			s.SessionState.SessionID = "sess-other"
		}, "belongs to session"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			snap := valid()
			tc.mutate(snap)
			err := snap.Validate()
			if tc.wantErr == "" {
				must(t, err)
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tc.wantErr)
		})
	}
}

// TestRollbackLogValidate checks the audit row's field invariants.
func TestRollbackLogValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		log     RollbackLog
		wantErr string
	}{
		{"valid", RollbackLog{LogID: "log-1", SessionID: "sess-1", Action: ActionRollback}, ""},
		{"missing log id", RollbackLog{SessionID: "sess-1", Action: ActionRollback}, "log id"},
		{"missing session id", RollbackLog{LogID: "log-1", Action: ActionCreatePoint}, "session id"},
		{"unknown action", RollbackLog{LogID: "log-1", SessionID: "sess-1", Action: "undo"}, "unknown rollback action"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.log.Validate()
			if tc.wantErr == "" {
				must(t, err)
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tc.wantErr)
		})
	}
}

// TestTriggerAndActionValidity checks the enum guards.
func TestTriggerAndActionValidity(t *testing.T) {
	t.Parallel()

	for _, trigger := range []SnapshotTrigger{TriggerManual, TriggerAutoSave, TriggerBeforeRollback, TriggerEventTriggered} {
		if !trigger.IsValid() {
			t.Errorf("trigger %q should be valid", trigger)
		}
	}
	if SnapshotTrigger("oops").IsValid() {
		t.Error("unknown trigger should be invalid")
	}

	for _, action := range []RollbackAction{ActionCreatePoint, ActionRollback} {
		if !action.IsValid() {
			t.Errorf("action %q should be valid", action)
		}
	}
	if RollbackAction("undo").IsValid() {
		t.Error("unknown action should be invalid")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Checksum
// ─────────────────────────────────────────────────────────────────────────────

// TestChecksumDetectsTamper checks that a sealed session verifies, a
// modified one does not, and an unsealed one verifies trivially.
func TestChecksumDetectsTamper(t *testing.T) {
	t.Parallel()

	s := sealedSession(t, "sess-1")
	if s.Checksum == "" {
		t.Fatal("Seal must set the checksum")
	}
	must(t, s.VerifyChecksum())

	s.Name = "edited behind the store's back"
	err := s.VerifyChecksum()
	if err == nil {
		t.Fatal("expected checksum failure after tampering")
	}
	assertContains(t, err.Error(), "checksum")
	if fault.IsValidation(err) || fault.IsNotFound(err) {
		t.Errorf("checksum failure should be an internal fault, got %v", err)
	}

	unsealed := testSession("sess-2")
	must(t, unsealed.VerifyChecksum())
}

// TestChecksumIsDeterministic checks that two identical sessions seal to
// the same checksum.
func TestChecksumIsDeterministic(t *testing.T) {
	t.Parallel()

	a := sealedSession(t, "sess-1")
	b := sealedSession(t, "sess-1")
	if a.Checksum != b.Checksum {
		t.Errorf("checksums differ: %s vs %s", a.Checksum, b.Checksum)
	}
}

// TestSealNormalizesTimes checks that sealing converts time fields to UTC
// microseconds, so the checksum still matches after a database round trip.
func TestSealNormalizesTimes(t *testing.T) {
	t.Parallel()

	berlin := time.FixedZone("UTC+2", 2*3600)
	s := testSession("sess-1")
	s.CurrentTime = time.Date(1374, time.June, 1, 22, 0, 0, 4321, berlin)
	s.CreatedAt = time.Date(2026, time.August, 20, 18, 0, 0, 999, berlin)
	s.UpdatedAt = s.CreatedAt
	s.Version = 1
	must(t, s.Seal())

	if s.CurrentTime.Location() != time.UTC {
		t.Errorf("CurrentTime location = %v, want UTC", s.CurrentTime.Location())
	}
	if got := s.CurrentTime.Nanosecond(); got != 4000 {
		t.Errorf("CurrentTime nanoseconds = %d, want 4000", got)
	}
	if got := s.CreatedAt.Nanosecond(); got != 0 {
		t.Errorf("CreatedAt nanoseconds = %d, want 0", got)
	}

	data, err := json.Marshal(s)
	must(t, err)
	var decoded GameSession
	must(t, json.Unmarshal(data, &decoded))
	must(t, decoded.VerifyChecksum())
}

// ─────────────────────────────────────────────────────────────────────────────
// Clone and serialisation
// ─────────────────────────────────────────────────────────────────────────────

// TestGameSessionClone checks that clones share no mutable state with the
// original.
func TestGameSessionClone(t *testing.T) {
	t.Parallel()

	original := testSession("sess-1")
	clone := original.Clone()

	clone.PlayerCharacters[0] = "Impostor"
	clone.CustomStyles["bardic"] = "overwritten"
	record := clone.NPCStates["npc-elara"]
	record.Emotions["trust"] = -1
	record.RecentMemories[0] = "overwritten"

	if original.PlayerCharacters[0] != "Thorin" {
		t.Errorf("PlayerCharacters leaked: %v", original.PlayerCharacters)
	}
	if original.CustomStyles["bardic"] != "Narrate in rhyme." {
		t.Errorf("CustomStyles leaked: %v", original.CustomStyles)
	}
	if original.NPCStates["npc-elara"].Emotions["trust"] != 0.6 {
		t.Errorf("NPCStates emotions leaked: %v", original.NPCStates["npc-elara"].Emotions)
	}
	if original.NPCStates["npc-elara"].RecentMemories[0] != "met Thorin at the bar" {
		t.Errorf("NPCStates memories leaked: %v", original.NPCStates["npc-elara"].RecentMemories)
	}

	if (*GameSession)(nil).Clone() != nil {
		t.Error("nil session should clone to nil")
	}
}

// TestSessionJSONRoundTrip checks that a sealed session survives JSON
// serialisation byte-exact, checksum included. This is the path snapshots
// take through the session_state column.
func TestSessionJSONRoundTrip(t *testing.T) {
	t.Parallel()

	s := sealedSession(t, "sess-1")

	data, err := json.Marshal(s)
	must(t, err)
	var decoded GameSession
	must(t, json.Unmarshal(data, &decoded))

	if !reflect.DeepEqual(*s, decoded) {
		t.Errorf("round trip changed the session:\n got %+v\nwant %+v", decoded, *s)
	}
	must(t, decoded.VerifyChecksum())
}

// ─────────────────────────────────────────────────────────────────────────────
// Patch
// ─────────────────────────────────────────────────────────────────────────────

// TestSessionPatchIsZero checks zero-patch detection.
func TestSessionPatchIsZero(t *testing.T) {
	t.Parallel()

	if !(SessionPatch{}).IsZero() {
		t.Error("empty patch should be zero")
	}
	desc := "new description"
	if (SessionPatch{Description: &desc}).IsZero() {
		t.Error("patch with a field should not be zero")
	}
}

// TestSessionPatchApply checks that a patch folds in, bumps the version,
// restamps UpdatedAt and reseals, leaving unpatched fields alone.
func TestSessionPatchApply(t *testing.T) {
	t.Parallel()

	s := sealedSession(t, "sess-1")
	oldChecksum := s.Checksum

	name := "The Cellar Job"
	scene := "scene-cellar"
	npcs := []string{"npc-elara", "npc-grukk"}
	now := time.Date(2026, time.August, 21, 10, 0, 0, 0, time.UTC)

	patch := SessionPatch{Name: &name, CurrentSceneID: &scene, ActiveNPCs: &npcs}
	must(t, patch.apply(s, now))

	if s.Name != name {
		t.Errorf("Name = %q, want %q", s.Name, name)
	}
	if s.CurrentSceneID != scene {
		t.Errorf("CurrentSceneID = %q, want %q", s.CurrentSceneID, scene)
	}
	if len(s.ActiveNPCs) != 2 {
		t.Errorf("ActiveNPCs = %v, want 2 entries", s.ActiveNPCs)
	}
	if s.Version != 2 {
		t.Errorf("Version = %d, want 2", s.Version)
	}
	if !s.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", s.UpdatedAt, now)
	}
	if s.DMID != "dm-1" || s.Description == "" {
		t.Errorf("unpatched fields changed: dm=%q description=%q", s.DMID, s.Description)
	}
	if s.Checksum == oldChecksum {
		t.Error("checksum must be resealed after a patch")
	}
	must(t, s.VerifyChecksum())

	npcs[0] = "npc-impostor"
	if s.ActiveNPCs[0] != "npc-elara" {
		t.Error("patch must not alias the caller's slice")
	}
}

// TestSessionPatchApplyEmptyName checks that a patch cannot blank the name.
func TestSessionPatchApplyEmptyName(t *testing.T) {
	t.Parallel()

	s := sealedSession(t, "sess-1")
	empty := ""
	err := (SessionPatch{Name: &empty}).apply(s, time.Now().UTC())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !fault.IsValidation(err) {
		t.Errorf("expected a validation fault, got %v", err)
	}
}
