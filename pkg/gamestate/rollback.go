package gamestate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// stateDigest condenses a session into the compact form stored in
// rollback-log rows. Digests exist to make the audit trail readable, not
// to restore state; snapshots do that.
func stateDigest(s *GameSession) map[string]any {
	if s == nil {
		return nil
	}
	return map[string]any{
		"version":          s.Version,
		"current_time":     s.CurrentTime,
		"current_scene_id": s.CurrentSceneID,
		"active_npcs":      len(s.ActiveNPCs),
		"updated_at":       s.UpdatedAt,
		"checksum":         s.Checksum,
	}
}

// rollbackConflicts lists, verbatim, the live changes that restoring
// restored over current would discard.
func rollbackConflicts(current, restored *GameSession) []string {
	var conflicts []string

	inRestored := make(map[string]bool, len(restored.ActiveNPCs))
	for _, id := range restored.ActiveNPCs {
		inRestored[id] = true
	}
	for _, id := range current.ActiveNPCs {
		if !inRestored[id] {
			conflicts = append(conflicts,
				fmt.Sprintf("npc %q joined after the snapshot and is removed by the rollback", id))
		}
	}

	if current.CurrentSceneID != restored.CurrentSceneID {
		conflicts = append(conflicts,
			fmt.Sprintf("scene moves from %q back to %q", current.CurrentSceneID, restored.CurrentSceneID))
	}

	if restored.CurrentTime.Before(current.CurrentTime) {
		conflicts = append(conflicts,
			fmt.Sprintf("game time rewinds from %s to %s",
				current.CurrentTime.Format(time.RFC3339), restored.CurrentTime.Format(time.RFC3339)))
	}

	for name := range current.CustomStyles {
		if _, ok := restored.CustomStyles[name]; !ok {
			conflicts = append(conflicts,
				fmt.Sprintf("custom style %q defined after the snapshot is lost", name))
		}
	}

	return conflicts
}

// newRollbackPoint freezes the session into a BEFORE_ROLLBACK snapshot and
// builds the matching create_point log row. The pair must be persisted
// atomically by the caller.
func newRollbackPoint(session *GameSession, operator, name string, now time.Time) (*SessionSnapshot, *RollbackLog) {
	if name == "" {
		name = "rollback point " + now.Format(time.RFC3339)
	}
	snapshot := &SessionSnapshot{
		SnapshotID:   uuid.NewString(),
		SessionID:    session.SessionID,
		Name:         name,
		CreatedAt:    now,
		CreatedBy:    operator,
		SessionState: *session.Clone(),
		IsAuto:       false,
		Trigger:      TriggerBeforeRollback,
	}
	log := &RollbackLog{
		LogID:       uuid.NewString(),
		SessionID:   session.SessionID,
		SnapshotID:  snapshot.SnapshotID,
		Timestamp:   now,
		Action:      ActionCreatePoint,
		Operator:    operator,
		BeforeState: stateDigest(session),
	}
	return snapshot, log
}

// applyRollback builds the restored session and its rollback log row from
// the current session and the snapshot. The restored state is the
// snapshot's verbatim except that the version keeps growing and UpdatedAt
// moves to now, so optimistic writers never see time run backwards; the
// checksum is resealed over the adjusted state.
func applyRollback(current *GameSession, snapshot *SessionSnapshot, operator string, now time.Time) (*GameSession, *RollbackLog, error) {
	restored := snapshot.SessionState.Clone()
	restored.Version = current.Version + 1
	restored.UpdatedAt = now
	if restored.CreatedAt.IsZero() {
		restored.CreatedAt = current.CreatedAt
	}
	if err := restored.Seal(); err != nil {
		return nil, nil, err
	}

	conflicts := rollbackConflicts(current, restored)
	resolution := ""
	if len(conflicts) > 0 {
		resolution = "snapshot state restored; conflicting live changes discarded"
	}

	log := &RollbackLog{
		LogID:       uuid.NewString(),
		SessionID:   current.SessionID,
		SnapshotID:  snapshot.SnapshotID,
		Timestamp:   now,
		Action:      ActionRollback,
		Operator:    operator,
		BeforeState: stateDigest(current),
		AfterState:  stateDigest(restored),
		Conflicts:   conflicts,
		Resolution:  resolution,
	}
	return restored, log, nil
}
