// Package gametime keeps one monotonic in-game clock per session and fires
// event rules when time passes.
//
// The clock only moves forward: Advance adds a non-negative delta and
// appends a TimeRecord to the session's bounded history. CheckEvents walks
// the registered rules in priority order (highest first) and collects the
// GameEvents of every rule that decides to fire; a rule that errors or
// panics is logged and skipped, never aborting the sweep. Rules can be
// enabled and disabled at runtime.
//
//	mgr, err := gametime.New(gametime.Config{CampaignStart: start})
//	if err != nil { ... }
//	rest, _ := gametime.NewPeriodicRule("spell-slots", 10, 8*time.Hour, types.GameEvent{
//		EventType:   "spell_slot_recovery",
//		Description: "The party's spell slots return.",
//	})
//	_ = mgr.Register(rest)
//
//	now, _ := mgr.Advance(sessionID, taskCost)
//	events := mgr.CheckEvents(sessionID, taskCost)
package gametime

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

const defaultHistoryLimit = 256

// Rule decides whether a time advancement fires a game event and produces
// the event when it does. Implementations must be safe for concurrent use;
// the manager may evaluate rules for different sessions in parallel.
type Rule interface {
	// ID uniquely identifies the rule within a manager.
	ID() string

	// Priority orders evaluation; higher priorities run first.
	Priority() int

	// ShouldTrigger reports whether the rule fires for this advancement.
	// now is the session clock after the advancement, delta the amount
	// just added.
	ShouldTrigger(sessionID string, now time.Time, delta time.Duration) bool

	// Execute produces the event for a fired rule. Per-session rule state
	// (last-trigger times, fired markers) moves here, not in
	// ShouldTrigger, so a failed execution is retried on the next sweep.
	Execute(sessionID string) (types.GameEvent, error)
}

// sessionResetter is implemented by rules that keep per-session state. The
// manager resets them during CleanupSession.
type sessionResetter interface {
	ResetSession(sessionID string)
}

// TimeRecord documents one clock advancement.
type TimeRecord struct {
	// SessionID names the session whose clock moved.
	SessionID string `json:"session_id"`

	// Previous is the in-game time before the advancement.
	Previous time.Time `json:"previous"`

	// Current is the in-game time after the advancement.
	Current time.Time `json:"current"`

	// Delta is the amount of in-game time added.
	Delta time.Duration `json:"delta"`

	// RecordedAt is the wall-clock moment of the advancement.
	RecordedAt time.Time `json:"recorded_at"`
}

// RuleStatus describes one registered rule for inspection surfaces.
type RuleStatus struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// Config holds the manager settings.
type Config struct {
	// CampaignStart is the in-game instant every new session clock begins
	// at. The zero time is a valid epoch for campaigns that never look at
	// the calendar; calendar rules need a real start.
	CampaignStart time.Time

	// HistoryLimit bounds the per-session time records kept in memory;
	// the oldest records are dropped first. Default 256.
	HistoryLimit int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HistoryLimit < 0 {
		return fault.New(fault.Validation, "gametime", "history limit must not be negative, got %d", c.HistoryLimit)
	}
	return nil
}

type sessionClock struct {
	current time.Time
	history []TimeRecord
}

// Manager owns the per-session clocks and the rule registry.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	clocks   map[string]*sessionClock
	rules    []Rule
	disabled map[string]bool
}

// New builds a manager, filling config defaults.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Manager{
		cfg:      cfg,
		clocks:   make(map[string]*sessionClock),
		disabled: make(map[string]bool),
	}, nil
}

// Register adds a rule. Rule IDs must be unique within the manager; the
// rule starts enabled.
func (m *Manager) Register(r Rule) error {
	if r == nil {
		return fault.New(fault.Validation, "gametime", "rule must not be nil")
	}
	if r.ID() == "" {
		return fault.New(fault.Validation, "gametime", "rule id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.ID() == r.ID() {
			return fault.New(fault.Validation, "gametime", "rule %q already registered", r.ID())
		}
	}
	m.rules = append(m.rules, r)
	// Highest priority first; registration order breaks ties.
	slices.SortStableFunc(m.rules, func(a, b Rule) int {
		return b.Priority() - a.Priority()
	})
	return nil
}

// SetEnabled switches a rule on or off at runtime.
func (m *Manager) SetEnabled(ruleID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules {
		if r.ID() == ruleID {
			if enabled {
				delete(m.disabled, ruleID)
			} else {
				m.disabled[ruleID] = true
			}
			return nil
		}
	}
	return fault.New(fault.NotFound, "gametime", "rule %q not registered", ruleID)
}

// Rules lists the registered rules in evaluation order.
func (m *Manager) Rules() []RuleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]RuleStatus, 0, len(m.rules))
	for _, r := range m.rules {
		statuses = append(statuses, RuleStatus{
			ID:       r.ID(),
			Priority: r.Priority(),
			Enabled:  !m.disabled[r.ID()],
		})
	}
	return statuses
}

// Now returns the session's current in-game time. Sessions that never
// advanced report the campaign start.
func (m *Manager) Now(sessionID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if clock, ok := m.clocks[sessionID]; ok {
		return clock.current
	}
	return m.cfg.CampaignStart
}

// Advance moves the session clock forward by delta and records the step.
// Negative deltas are rejected: game time never rewinds, rollbacks restore
// whole snapshots instead. Returns the clock after the advancement.
func (m *Manager) Advance(sessionID string, delta time.Duration) (time.Time, error) {
	if sessionID == "" {
		return time.Time{}, fault.New(fault.Validation, "gametime", "session id must not be empty")
	}
	if delta < 0 {
		return time.Time{}, fault.New(fault.Validation, "gametime", "time must not move backwards, got %s", delta)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clock, ok := m.clocks[sessionID]
	if !ok {
		clock = &sessionClock{current: m.cfg.CampaignStart}
		m.clocks[sessionID] = clock
	}

	previous := clock.current
	clock.current = previous.Add(delta)
	clock.history = append(clock.history, TimeRecord{
		SessionID:  sessionID,
		Previous:   previous,
		Current:    clock.current,
		Delta:      delta,
		RecordedAt: time.Now().UTC(),
	})
	if overflow := len(clock.history) - m.cfg.HistoryLimit; overflow > 0 {
		clock.history = slices.Clone(clock.history[overflow:])
	}

	slog.Debug("game time advanced",
		"session_id", sessionID,
		"delta", delta,
		"now", clock.current,
	)
	return clock.current, nil
}

// History returns the session's recorded advancements, oldest first.
func (m *Manager) History(sessionID string) []TimeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	clock, ok := m.clocks[sessionID]
	if !ok {
		return nil
	}
	return slices.Clone(clock.history)
}

// CheckEvents evaluates every enabled rule against the session clock and
// returns the events of the rules that fired, in priority order. delta is
// the advancement that prompted the sweep. A rule that errors or panics is
// logged and skipped.
func (m *Manager) CheckEvents(sessionID string, delta time.Duration) []types.GameEvent {
	m.mu.Lock()
	now := m.cfg.CampaignStart
	if clock, ok := m.clocks[sessionID]; ok {
		now = clock.current
	}
	rules := slices.Clone(m.rules)
	skip := make(map[string]bool, len(m.disabled))
	for id := range m.disabled {
		skip[id] = true
	}
	m.mu.Unlock()

	var events []types.GameEvent
	for _, r := range rules {
		if skip[r.ID()] {
			continue
		}
		if event, fired := m.runRule(r, sessionID, now, delta); fired {
			events = append(events, event)
		}
	}
	return events
}

// runRule evaluates and executes one rule, containing its failures.
func (m *Manager) runRule(r Rule, sessionID string, now time.Time, delta time.Duration) (event types.GameEvent, fired bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("event rule panicked",
				"rule_id", r.ID(),
				"session_id", sessionID,
				"panic", rec,
			)
			fired = false
		}
	}()

	if !r.ShouldTrigger(sessionID, now, delta) {
		return types.GameEvent{}, false
	}

	event, err := r.Execute(sessionID)
	if err != nil {
		slog.Warn("event rule failed",
			"rule_id", r.ID(),
			"session_id", sessionID,
			"error", err,
		)
		return types.GameEvent{}, false
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventType == "" {
		event.EventType = r.ID()
	}
	slog.Debug("game event fired",
		"rule_id", r.ID(),
		"session_id", sessionID,
		"event_type", event.EventType,
	)
	return event, true
}

// CleanupSession drops the session's clock and history and resets every
// rule's per-session state.
func (m *Manager) CleanupSession(sessionID string) {
	m.mu.Lock()
	delete(m.clocks, sessionID)
	rules := slices.Clone(m.rules)
	m.mu.Unlock()

	for _, r := range rules {
		if resetter, ok := r.(sessionResetter); ok {
			resetter.ResetSession(sessionID)
		}
	}
}
