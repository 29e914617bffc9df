package gamestate

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
)

var _ Store = (*MemStore)(nil)

type snapshotEntry struct {
	snapshot *SessionSnapshot
	seq      uint64
}

// MemStore is an in-memory Store for tests and storeless runs. All methods
// deep-copy on the way in and out; held pointers never alias stored state.
type MemStore struct {
	mu        sync.RWMutex
	seq       uint64
	sessions  map[string]*GameSession
	snapshots map[string]snapshotEntry
	logs      map[string][]*RollbackLog
	logIDs    map[string]bool
}

// NewMemStore builds an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:  make(map[string]*GameSession),
		snapshots: make(map[string]snapshotEntry),
		logs:      make(map[string][]*RollbackLog),
		logIDs:    make(map[string]bool),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// SaveSession implements Sessions. It stamps timestamps, starts the
// version at 1 and seals the checksum on the caller's session.
func (s *MemStore) SaveSession(ctx context.Context, session *GameSession) error {
	if session == nil {
		return fault.New(fault.Validation, "gamestate", "session must not be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.SessionID]; ok {
		return fault.New(fault.Validation, "gamestate", "session %q already exists", session.SessionID)
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Version == 0 {
		session.Version = 1
	}
	if err := session.Seal(); err != nil {
		return err
	}
	s.sessions[session.SessionID] = session.Clone()
	return nil
}

// GetSession implements Sessions.
func (s *MemStore) GetSession(ctx context.Context, id string) (*GameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone(), nil
}

// UpdateSession implements Sessions.
func (s *MemStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*GameSession, error) {
	if patch.IsZero() {
		return nil, fault.New(fault.Validation, "gamestate", "patch must change at least one field")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "gamestate", "session %q not found", id)
	}
	updated := current.Clone()
	if err := patch.apply(updated, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.sessions[id] = updated
	return updated.Clone(), nil
}

// DeleteSession implements Sessions. Snapshots and log rows stay: they are
// the audit trail of a table that existed.
func (s *MemStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListSessions implements Sessions.
func (s *MemStore) ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*GameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*GameSession
	for _, session := range s.sessions {
		if filters.DMID != "" && session.DMID != filters.DMID {
			continue
		}
		if filters.CampaignID != "" && session.CampaignID != filters.CampaignID {
			continue
		}
		matched = append(matched, session)
	}
	slices.SortFunc(matched, func(a, b *GameSession) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})

	matched = window(matched, limit, offset)
	out := make([]*GameSession, len(matched))
	for i, session := range matched {
		out[i] = session.Clone()
	}
	return out, nil
}

// SessionExists implements Sessions.
func (s *MemStore) SessionExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────────────────────

// SaveSnapshot implements Snapshots.
func (s *MemStore) SaveSnapshot(ctx context.Context, snapshot *SessionSnapshot) error {
	if snapshot == nil {
		return fault.New(fault.Validation, "gamestate", "snapshot must not be nil")
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snapshot.SnapshotID]; ok {
		return fault.New(fault.Validation, "gamestate", "snapshot %q already exists", snapshot.SnapshotID)
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	s.seq++
	s.snapshots[snapshot.SnapshotID] = snapshotEntry{snapshot: snapshot.Clone(), seq: s.seq}
	return nil
}

// GetSnapshot implements Snapshots.
func (s *MemStore) GetSnapshot(ctx context.Context, id string) (*SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[id].snapshot.Clone(), nil
}

// ListSnapshots implements Snapshots.
func (s *MemStore) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []snapshotEntry
	for _, entry := range s.snapshots {
		if entry.snapshot.SessionID == sessionID {
			matched = append(matched, entry)
		}
	}
	slices.SortFunc(matched, func(a, b snapshotEntry) int {
		if c := b.snapshot.CreatedAt.Compare(a.snapshot.CreatedAt); c != 0 {
			return c
		}
		return int(b.seq) - int(a.seq)
	})

	matched = window(matched, limit, 0)
	out := make([]*SessionSnapshot, len(matched))
	for i, entry := range matched {
		out[i] = entry.snapshot.Clone()
	}
	return out, nil
}

// DeleteSnapshot implements Snapshots.
func (s *MemStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, id)
	return nil
}

// SnapshotExists implements Snapshots.
func (s *MemStore) SnapshotExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[id]
	return ok, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Rollback log
// ─────────────────────────────────────────────────────────────────────────────

// SaveRollbackLog implements RollbackLogs.
func (s *MemStore) SaveRollbackLog(ctx context.Context, log *RollbackLog) error {
	if log == nil {
		return fault.New(fault.Validation, "gamestate", "log must not be nil")
	}
	if err := log.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLogLocked(log)
}

func (s *MemStore) appendLogLocked(log *RollbackLog) error {
	if s.logIDs[log.LogID] {
		return fault.New(fault.Validation, "gamestate", "log %q already exists", log.LogID)
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	s.logIDs[log.LogID] = true
	s.logs[log.SessionID] = append(s.logs[log.SessionID], cloneLog(log))
	return nil
}

// ListRollbackLogs implements RollbackLogs.
func (s *MemStore) ListRollbackLogs(ctx context.Context, sessionID string, limit int) ([]*RollbackLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.logs[sessionID]
	out := make([]*RollbackLog, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneLog(rows[i]))
	}
	return out, nil
}

// LatestRollbackPoint implements RollbackLogs.
func (s *MemStore) LatestRollbackPoint(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.logs[sessionID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Action == ActionCreatePoint {
			return rows[i].SnapshotID, nil
		}
	}
	return "", nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Compound operations
// ─────────────────────────────────────────────────────────────────────────────

// CreateRollbackPoint implements Store. The snapshot and the log row land
// under one lock acquisition, so readers never see one without the other.
func (s *MemStore) CreateRollbackPoint(ctx context.Context, sessionID, operator, name string) (*SessionSnapshot, error) {
	if sessionID == "" {
		return nil, fault.New(fault.Validation, "gamestate", "session id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fault.New(fault.NotFound, "gamestate", "session %q not found", sessionID)
	}

	snapshot, log := newRollbackPoint(session, operator, name, time.Now().UTC())
	s.seq++
	s.snapshots[snapshot.SnapshotID] = snapshotEntry{snapshot: snapshot.Clone(), seq: s.seq}
	if err := s.appendLogLocked(log); err != nil {
		delete(s.snapshots, snapshot.SnapshotID)
		return nil, err
	}
	return snapshot, nil
}

// RollbackTo implements Store.
func (s *MemStore) RollbackTo(ctx context.Context, sessionID, snapshotID, operator string) (*GameSession, *RollbackLog, error) {
	if sessionID == "" || snapshotID == "" {
		return nil, nil, fault.New(fault.Validation, "gamestate", "session id and snapshot id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil, fault.New(fault.NotFound, "gamestate", "session %q not found", sessionID)
	}
	entry, ok := s.snapshots[snapshotID]
	if !ok {
		return nil, nil, fault.New(fault.NotFound, "gamestate", "snapshot %q not found", snapshotID)
	}
	snapshot := entry.snapshot
	if snapshot.SessionID != sessionID {
		return nil, nil, fault.New(fault.Validation, "gamestate",
			"snapshot %q belongs to session %q, not %q", snapshotID, snapshot.SessionID, sessionID)
	}
	if err := snapshot.SessionState.VerifyChecksum(); err != nil {
		return nil, nil, err
	}

	restored, log, err := applyRollback(current, snapshot, operator, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	if err := s.appendLogLocked(log); err != nil {
		return nil, nil, err
	}
	s.sessions[sessionID] = restored.Clone()
	return restored, cloneLog(log), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func cloneLog(l *RollbackLog) *RollbackLog {
	if l == nil {
		return nil
	}
	out := *l
	out.BeforeState = maps.Clone(l.BeforeState)
	out.AfterState = maps.Clone(l.AfterState)
	out.Conflicts = slices.Clone(l.Conflicts)
	return &out
}

// window applies limit/offset to a sorted slice.
func window[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
