package gametime

import (
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

var (
	_ Rule            = (*PeriodicRule)(nil)
	_ Rule            = (*CalendarRule)(nil)
	_ Rule            = (*CustomRule)(nil)
	_ sessionResetter = (*PeriodicRule)(nil)
	_ sessionResetter = (*CalendarRule)(nil)
)

// eventFromTemplate instantiates one firing of a rule's event template.
// Effects are cloned so consumers can mutate their event freely.
func eventFromTemplate(template types.GameEvent) types.GameEvent {
	event := template
	event.EventID = ""
	event.Effects = maps.Clone(template.Effects)
	return event
}

// ─────────────────────────────────────────────────────────────────────────────
// Periodic
// ─────────────────────────────────────────────────────────────────────────────

// PeriodicRule fires whenever at least interval of game time has passed
// since it last fired in the session. A session's first evaluation starts
// the interval at the pre-advancement clock, so a single long rest can
// fire it on turn one but idle sessions do not.
type PeriodicRule struct {
	id       string
	priority int
	interval time.Duration
	template types.GameEvent

	mu          sync.Mutex
	lastTrigger map[string]time.Time
	evaluated   map[string]time.Time
}

// NewPeriodicRule builds a periodic rule. template supplies the event's
// type, description and effects; the event ID is minted per firing.
func NewPeriodicRule(id string, priority int, interval time.Duration, template types.GameEvent) (*PeriodicRule, error) {
	if id == "" {
		return nil, fault.New(fault.Validation, "gametime", "rule id must not be empty")
	}
	if interval <= 0 {
		return nil, fault.New(fault.Validation, "gametime", "interval must be positive, got %s", interval)
	}
	return &PeriodicRule{
		id:          id,
		priority:    priority,
		interval:    interval,
		template:    template,
		lastTrigger: make(map[string]time.Time),
		evaluated:   make(map[string]time.Time),
	}, nil
}

// ID implements Rule.
func (r *PeriodicRule) ID() string { return r.id }

// Priority implements Rule.
func (r *PeriodicRule) Priority() int { return r.priority }

// ShouldTrigger implements Rule.
func (r *PeriodicRule) ShouldTrigger(sessionID string, now time.Time, delta time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastTrigger[sessionID]
	if !ok {
		last = now.Add(-delta)
		r.lastTrigger[sessionID] = last
	}
	r.evaluated[sessionID] = now
	return now.Sub(last) >= r.interval
}

// Execute implements Rule. The last-trigger mark moves to the evaluated
// clock only here, so a firing that fails elsewhere is retried on the next
// sweep.
func (r *PeriodicRule) Execute(sessionID string) (types.GameEvent, error) {
	r.mu.Lock()
	if now, ok := r.evaluated[sessionID]; ok {
		r.lastTrigger[sessionID] = now
	}
	r.mu.Unlock()
	return eventFromTemplate(r.template), nil
}

// ResetSession drops the session's trigger state.
func (r *PeriodicRule) ResetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastTrigger, sessionID)
	delete(r.evaluated, sessionID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Calendar
// ─────────────────────────────────────────────────────────────────────────────

// CalendarRule fires at most once per session, on the first sweep whose
// game clock lands on the configured date. Only the year, month and day of
// the date are compared.
type CalendarRule struct {
	id       string
	priority int
	date     time.Time
	template types.GameEvent

	mu        sync.Mutex
	triggered map[string]bool
}

// NewCalendarRule builds a calendar rule for the given date.
func NewCalendarRule(id string, priority int, date time.Time, template types.GameEvent) (*CalendarRule, error) {
	if id == "" {
		return nil, fault.New(fault.Validation, "gametime", "rule id must not be empty")
	}
	if date.IsZero() {
		return nil, fault.New(fault.Validation, "gametime", "date must not be zero")
	}
	return &CalendarRule{
		id:        id,
		priority:  priority,
		date:      date,
		template:  template,
		triggered: make(map[string]bool),
	}, nil
}

// ID implements Rule.
func (r *CalendarRule) ID() string { return r.id }

// Priority implements Rule.
func (r *CalendarRule) Priority() int { return r.priority }

// ShouldTrigger implements Rule.
func (r *CalendarRule) ShouldTrigger(sessionID string, now time.Time, delta time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.triggered[sessionID] {
		return false
	}
	return sameDate(now, r.date)
}

// Execute implements Rule. The once-per-session mark is set here.
func (r *CalendarRule) Execute(sessionID string) (types.GameEvent, error) {
	r.mu.Lock()
	r.triggered[sessionID] = true
	r.mu.Unlock()
	return eventFromTemplate(r.template), nil
}

// ResetSession clears the session's fired marker.
func (r *CalendarRule) ResetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.triggered, sessionID)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ─────────────────────────────────────────────────────────────────────────────
// Custom
// ─────────────────────────────────────────────────────────────────────────────

// TriggerFunc decides whether a custom rule fires.
type TriggerFunc func(sessionID string, now time.Time, delta time.Duration) bool

// ExecuteFunc produces a custom rule's event.
type ExecuteFunc func(sessionID string) (types.GameEvent, error)

// CustomRule delegates both decisions to caller-supplied functions. Any
// per-session state and its cleanup are the callbacks' business.
type CustomRule struct {
	id       string
	priority int
	should   TriggerFunc
	execute  ExecuteFunc
}

// NewCustomRule builds a rule around the two callbacks.
func NewCustomRule(id string, priority int, should TriggerFunc, execute ExecuteFunc) (*CustomRule, error) {
	if id == "" {
		return nil, fault.New(fault.Validation, "gametime", "rule id must not be empty")
	}
	if should == nil || execute == nil {
		return nil, fault.New(fault.Validation, "gametime", "rule %q needs both callbacks", id)
	}
	return &CustomRule{id: id, priority: priority, should: should, execute: execute}, nil
}

// ID implements Rule.
func (r *CustomRule) ID() string { return r.id }

// Priority implements Rule.
func (r *CustomRule) Priority() int { return r.priority }

// ShouldTrigger implements Rule.
func (r *CustomRule) ShouldTrigger(sessionID string, now time.Time, delta time.Duration) bool {
	return r.should(sessionID, now, delta)
}

// Execute implements Rule.
func (r *CustomRule) Execute(sessionID string) (types.GameEvent, error) {
	return r.execute(sessionID)
}
