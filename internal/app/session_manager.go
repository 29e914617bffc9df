package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scribax/internal/agent/npcpool"
	"github.com/MrWong99/scribax/internal/gametime"
	"github.com/MrWong99/scribax/internal/narrator"
	"github.com/MrWong99/scribax/internal/observe"
	"github.com/MrWong99/scribax/internal/turn"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/gamestate"
	"github.com/MrWong99/scribax/pkg/types"
)

// SessionInfo holds metadata about one active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Name is the human-readable session title.
	Name string

	// DMID identifies the dungeon master running the session.
	DMID string

	// StartedAt is the wall-clock time the session became active.
	StartedAt time.Time

	// Turns counts the turns processed since the session became active.
	Turns int
}

// liveSession is the runtime record of one active session. Its mutex
// serialises turns within the session; sessions run independently.
type liveSession struct {
	mu        sync.Mutex
	info      SessionInfo
	sinceSave int
}

// StartOptions names the initial state of a new session. DMID is required;
// everything else has a sensible default.
type StartOptions struct {
	// DMID identifies the dungeon master. Required.
	DMID string

	// CampaignID groups the session with its campaign. Optional.
	CampaignID string

	// Name is the session title. Defaults to "Untitled session".
	Name string

	// Description summarises the session for listings.
	Description string

	// PlayerCharacters lists the character names at the table.
	PlayerCharacters []string

	// ActiveNPCs lists the NPC IDs in play.
	ActiveNPCs []string

	// Style is the narration configuration. The zero value selects the
	// narrator's default voice.
	Style types.DMStyle
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Sessions persists game sessions and snapshots. Required.
	Sessions gamestate.Store

	// Pipeline processes the turns of active sessions. Required.
	Pipeline *turn.Pipeline

	// Pool holds the live NPC instances; sessions evict theirs on End.
	// Required.
	Pool *npcpool.Pool

	// Clock is the per-session game clock. Required.
	Clock *gametime.Manager

	// Metrics receives the session gauges and turn latency. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// AutoSaveTurns is how many turns pass between automatic snapshots.
	// Zero disables auto-save.
	AutoSaveTurns int
}

// Validate checks that every required dependency is present.
func (c SessionManagerConfig) Validate() error {
	if c.Sessions == nil {
		return fault.New(fault.Validation, "app", "Sessions must not be nil")
	}
	if c.Pipeline == nil {
		return fault.New(fault.Validation, "app", "Pipeline must not be nil")
	}
	if c.Pool == nil {
		return fault.New(fault.Validation, "app", "Pool must not be nil")
	}
	if c.Clock == nil {
		return fault.New(fault.Validation, "app", "Clock must not be nil")
	}
	if c.AutoSaveTurns < 0 {
		return fault.New(fault.Validation, "app", "AutoSaveTurns must not be negative, got %d", c.AutoSaveTurns)
	}
	return nil
}

// SessionManager owns the lifecycle of game sessions: start, resume, turn
// processing with periodic auto-save, and teardown. All exported methods
// are safe for concurrent use; turns within one session are serialised.
type SessionManager struct {
	cfg SessionManagerConfig

	mu     sync.Mutex
	active map[string]*liveSession
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:    cfg,
		active: make(map[string]*liveSession),
	}, nil
}

// Start creates and activates a new session. The session row is persisted
// before the session is marked active; a storage failure leaves nothing
// behind.
func (sm *SessionManager) Start(ctx context.Context, opts StartOptions) (*gamestate.GameSession, error) {
	if opts.DMID == "" {
		return nil, fault.New(fault.Validation, "app", "session requires a DM id")
	}
	name := opts.Name
	if name == "" {
		name = "Untitled session"
	}

	sessionID := uuid.NewString()
	gameNow := sm.cfg.Clock.Now(sessionID)
	style := opts.Style
	if style.Style == "" {
		style = narrator.DefaultStyle
	}

	session := &gamestate.GameSession{
		SessionID:        sessionID,
		DMID:             opts.DMID,
		CampaignID:       opts.CampaignID,
		Name:             name,
		Description:      opts.Description,
		CurrentTime:      gameNow,
		SessionStart:     gameNow,
		PlayerCharacters: slices.Clone(opts.PlayerCharacters),
		ActiveNPCs:       slices.Clone(opts.ActiveNPCs),
		Style:            style,
		EventRules:       sm.ruleStates(),
	}
	if err := sm.cfg.Sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("app: save session: %w", err)
	}

	sm.mu.Lock()
	sm.active[sessionID] = &liveSession{info: SessionInfo{
		SessionID: sessionID,
		Name:      name,
		DMID:      opts.DMID,
		StartedAt: time.Now().UTC(),
	}}
	sm.mu.Unlock()
	sm.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session started",
		"session_id", sessionID,
		"dm_id", opts.DMID,
		"name", name,
	)
	return session, nil
}

// Resume reactivates a persisted session: the game clock catches up to the
// stored time and the stored event-rule switches are re-applied.
func (sm *SessionManager) Resume(ctx context.Context, sessionID string) (*gamestate.GameSession, error) {
	sm.mu.Lock()
	if _, ok := sm.active[sessionID]; ok {
		sm.mu.Unlock()
		return nil, fault.New(fault.Validation, "app", "session %q is already active", sessionID)
	}
	sm.mu.Unlock()

	session, err := sm.cfg.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fault.New(fault.NotFound, "app", "session %q does not exist", sessionID)
	}

	// The clock only moves forward, so catching up is an Advance.
	if delta := session.CurrentTime.Sub(sm.cfg.Clock.Now(sessionID)); delta > 0 {
		if _, err := sm.cfg.Clock.Advance(sessionID, delta); err != nil {
			slog.Warn("restoring game clock failed", "session_id", sessionID, "error", err)
		}
	}
	for _, rule := range session.EventRules {
		if err := sm.cfg.Clock.SetEnabled(rule.RuleID, rule.Enabled); err != nil {
			slog.Warn("restoring rule switch failed",
				"session_id", sessionID,
				"rule_id", rule.RuleID,
				"error", err,
			)
		}
	}

	sm.mu.Lock()
	sm.active[sessionID] = &liveSession{info: SessionInfo{
		SessionID: sessionID,
		Name:      session.Name,
		DMID:      session.DMID,
		StartedAt: time.Now().UTC(),
	}}
	sm.mu.Unlock()
	sm.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session resumed", "session_id", sessionID, "name", session.Name)
	return session, nil
}

// ProcessTurn runs one turn of an active session. Turns within a session
// are serialised; a second caller blocks until the first turn finishes.
// Every AutoSaveTurns turns an AUTO_SAVE snapshot is written; snapshot
// failures are logged and never cost the turn.
func (sm *SessionManager) ProcessTurn(ctx context.Context, sessionID string, inputs []types.PlayerInput) (*turn.Turn, error) {
	sm.mu.Lock()
	live, ok := sm.active[sessionID]
	sm.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.Validation, "app", "session %q is not active", sessionID)
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	start := time.Now()
	result, err := sm.cfg.Pipeline.ProcessTurn(ctx, sessionID, inputs)
	if err != nil {
		return nil, err
	}
	sm.cfg.Metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())

	live.info.Turns++
	live.sinceSave++
	if sm.cfg.AutoSaveTurns > 0 && live.sinceSave >= sm.cfg.AutoSaveTurns {
		live.sinceSave = 0
		sm.autoSave(ctx, sessionID, live.info.Turns)
	}

	return result, nil
}

// autoSave freezes the session into an AUTO_SAVE snapshot.
func (sm *SessionManager) autoSave(ctx context.Context, sessionID string, turnCount int) {
	session, err := sm.cfg.Sessions.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		slog.Warn("auto-save skipped, session not readable", "session_id", sessionID, "error", err)
		return
	}

	snapshot := &gamestate.SessionSnapshot{
		SnapshotID:   uuid.NewString(),
		SessionID:    sessionID,
		Name:         fmt.Sprintf("auto-save after turn %d", turnCount),
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    "session-manager",
		SessionState: *session.Clone(),
		IsAuto:       true,
		Trigger:      gamestate.TriggerAutoSave,
	}
	if err := sm.cfg.Sessions.SaveSnapshot(ctx, snapshot); err != nil {
		slog.Warn("auto-save failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Debug("auto-save written",
		"session_id", sessionID,
		"snapshot_id", snapshot.SnapshotID,
		"turn", turnCount,
	)
}

// End deactivates a session: a final manual snapshot is written, the
// session's NPC instances and clock state are dropped, and the stored rule
// switches are brought up to date for the next resume.
func (sm *SessionManager) End(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	live, ok := sm.active[sessionID]
	if ok {
		delete(sm.active, sessionID)
	}
	sm.mu.Unlock()
	if !ok {
		return fault.New(fault.Validation, "app", "session %q is not active", sessionID)
	}

	// Block until an in-flight turn completes.
	live.mu.Lock()
	defer live.mu.Unlock()

	if session, err := sm.cfg.Sessions.GetSession(ctx, sessionID); err == nil && session != nil {
		rules := sm.ruleStates()
		if _, err := sm.cfg.Sessions.UpdateSession(ctx, sessionID, gamestate.SessionPatch{
			EventRules: &rules,
		}); err != nil {
			slog.Warn("storing rule switches failed", "session_id", sessionID, "error", err)
		}

		snapshot := &gamestate.SessionSnapshot{
			SnapshotID:   uuid.NewString(),
			SessionID:    sessionID,
			Name:         "session end",
			CreatedAt:    time.Now().UTC(),
			CreatedBy:    live.info.DMID,
			SessionState: *session.Clone(),
			Trigger:      gamestate.TriggerManual,
		}
		if err := sm.cfg.Sessions.SaveSnapshot(ctx, snapshot); err != nil {
			slog.Warn("session-end snapshot failed", "session_id", sessionID, "error", err)
		}
	} else {
		slog.Warn("session-end snapshot skipped, session not readable",
			"session_id", sessionID,
			"error", err,
		)
	}

	sm.cfg.Pool.CleanupSession(sessionID)
	sm.cfg.Clock.CleanupSession(sessionID)
	sm.cfg.Metrics.ActiveSessions.Add(ctx, -1)

	slog.Info("session ended", "session_id", sessionID, "turns", live.info.Turns)
	return nil
}

// IsActive reports whether the session is currently active.
func (sm *SessionManager) IsActive(sessionID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.active[sessionID]
	return ok
}

// Active returns the active sessions sorted by session ID.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sm.active))
	for _, live := range sm.active {
		infos = append(infos, live.info)
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		switch {
		case a.SessionID < b.SessionID:
			return -1
		case a.SessionID > b.SessionID:
			return 1
		}
		return 0
	})
	return infos
}

// ruleStates captures the clock's current rule switches for persistence.
func (sm *SessionManager) ruleStates() []gamestate.EventRuleState {
	statuses := sm.cfg.Clock.Rules()
	states := make([]gamestate.EventRuleState, 0, len(statuses))
	for _, status := range statuses {
		states = append(states, gamestate.EventRuleState{
			RuleID:  status.ID,
			Enabled: status.Enabled,
		})
	}
	return states
}
