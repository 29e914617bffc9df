// Package bus provides in-process message passing between agents.
//
// Every registered agent owns one bounded FIFO queue with a configurable
// overflow policy (block, drop-oldest or drop-new). Senders address agents
// by ID; Broadcast fans a per-receiver copy out to everyone else. Receivers
// block on their queue's channel, so delivery wakes them immediately without
// polling. Typed subscriptions gate delivery per receiver, and an optional
// bounded history ring records traffic with secrets redacted.
//
// Typical usage:
//
//	b, err := bus.New(bus.Config{QueueSize: 64, HistorySize: 256})
//	b.Start(ctx)
//	defer b.Stop()
//
//	_ = b.Register("dm", bus.WithOverflowPolicy(bus.OverflowBlock))
//	_ = b.Register("npc-tavernkeeper")
//
//	err = b.Send(ctx, bus.Message{
//	    SenderID:   "dm",
//	    ReceiverID: "npc-tavernkeeper",
//	    Type:       bus.TypeRequest,
//	    Content:    "a stranger asks about the cellar",
//	})
//
//	msg, err := b.Receive(ctx, "npc-tavernkeeper", 5*time.Second)
//
// All exported methods are safe for concurrent use.
package bus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scribax/pkg/fault"
)

// Sentinel errors callers are expected to branch on.
var (
	// ErrTimeout is returned by Receive when no message arrives in time.
	ErrTimeout = errors.New("bus: receive timed out")

	// ErrClosed is returned once the bus has been stopped.
	ErrClosed = errors.New("bus: closed")
)

// MessageType classifies a message's intent.
type MessageType string

const (
	// TypeRequest asks the receiver to perform work and respond.
	TypeRequest MessageType = "REQUEST"

	// TypeResponse answers an earlier request, carrying its correlation ID.
	TypeResponse MessageType = "RESPONSE"

	// TypeNotification is one-way information requiring no reply.
	TypeNotification MessageType = "NOTIFICATION"

	// TypeError reports a failure back to a message's sender.
	TypeError MessageType = "ERROR"
)

// IsValid reports whether t is a recognised message type.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeError:
		return true
	}
	return false
}

// Message is one unit of agent-to-agent communication.
type Message struct {
	// SenderID identifies the sending agent.
	SenderID string

	// ReceiverID identifies the receiving agent. Broadcast history entries
	// carry [BroadcastTarget].
	ReceiverID string

	// Type classifies the message.
	Type MessageType

	// Content is the payload. String content is redacted before entering
	// the history ring; other types are stored as-is.
	Content any

	// Timestamp is when the message entered the bus. Send fills it when
	// zero.
	Timestamp time.Time

	// CorrelationID ties responses to requests. Send fills it with a new
	// UUID when empty; responders must echo the request's value.
	CorrelationID string

	// Metadata carries optional string key/value annotations.
	Metadata map[string]string
}

// BroadcastTarget is the receiver recorded in history entries for broadcast
// messages. It is not a valid Send destination.
const BroadcastTarget = "*"

// clone returns a copy of m with its own Metadata map, so per-receiver
// copies cannot observe each other's mutations.
func (m Message) clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// OverflowPolicy controls what a full queue does with a new message.
type OverflowPolicy string

const (
	// OverflowBlock makes Send wait for queue space.
	OverflowBlock OverflowPolicy = "block"

	// OverflowDropOldest evicts the oldest queued message to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"

	// OverflowDropNew discards the incoming message.
	OverflowDropNew OverflowPolicy = "drop_new"
)

// IsValid reports whether p is a recognised overflow policy.
func (p OverflowPolicy) IsValid() bool {
	switch p {
	case OverflowBlock, OverflowDropOldest, OverflowDropNew:
		return true
	}
	return false
}

// Defaults applied by New for zero Config fields.
const (
	defaultQueueSize      = 100
	defaultMessageTimeout = 5 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Config holds bus-wide settings.
type Config struct {
	// QueueSize is the default per-agent queue capacity. Defaults to 100.
	QueueSize int

	// MessageTimeout is how long a queued message may wait before the
	// sweeper drops it. Defaults to 5 minutes.
	MessageTimeout time.Duration

	// SweepInterval is the period of the maintenance loop. Defaults to
	// 1 minute.
	SweepInterval time.Duration

	// HistorySize bounds the history ring. Zero disables history.
	HistorySize int

	// SanitizeHistory redacts obvious secrets (API keys, password pairs,
	// email local parts, IPv4 addresses, URL credentials) from string
	// content and metadata values before they enter the history ring.
	SanitizeHistory bool
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.QueueSize < 0 {
		return fmt.Errorf("bus: QueueSize must not be negative, got %d", c.QueueSize)
	}
	if c.MessageTimeout < 0 {
		return fmt.Errorf("bus: MessageTimeout must not be negative, got %v", c.MessageTimeout)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("bus: SweepInterval must not be negative, got %v", c.SweepInterval)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("bus: HistorySize must not be negative, got %d", c.HistorySize)
	}
	return nil
}

// Subscription narrows which messages reach an agent. An agent with no
// subscriptions receives everything addressed to it; with one or more, a
// message is delivered iff at least one subscription accepts it.
type Subscription struct {
	// Types is the accepted message-type set. Empty accepts all types.
	Types []MessageType

	// Filter, when non-nil, must return true for the message to pass.
	Filter func(Message) bool
}

// accepts reports whether the subscription admits msg.
func (s Subscription) accepts(msg Message) bool {
	if len(s.Types) > 0 && !slices.Contains(s.Types, msg.Type) {
		return false
	}
	if s.Filter != nil && !s.Filter(msg) {
		return false
	}
	return true
}

// AgentOption customises a single agent registration.
type AgentOption func(*agentSettings)

type agentSettings struct {
	queueSize int
	policy    OverflowPolicy
}

// WithQueueSize overrides the bus-wide queue capacity for one agent.
func WithQueueSize(n int) AgentOption {
	return func(s *agentSettings) { s.queueSize = n }
}

// WithOverflowPolicy sets the agent's overflow policy. The default is
// [OverflowDropOldest].
func WithOverflowPolicy(p OverflowPolicy) AgentOption {
	return func(s *agentSettings) { s.policy = p }
}

// Bus routes messages between registered agents.
//
// The zero value is not usable; create instances with [New].
type Bus struct {
	cfg Config

	mu     sync.RWMutex
	queues map[string]*queue
	subs   map[string][]Subscription

	history *historyRing // nil when history is disabled

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Bus with the given configuration. Call [Bus.Start] to run
// the maintenance sweeper.
func New(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = defaultMessageTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	b := &Bus{
		cfg:    cfg,
		queues: make(map[string]*queue),
		subs:   make(map[string][]Subscription),
		done:   make(chan struct{}),
	}
	if cfg.HistorySize > 0 {
		b.history = newHistoryRing(cfg.HistorySize)
	}
	return b, nil
}

// ───────────────────────── Registration ─────────────────────────

// Register adds an agent with its own queue. Registering an existing agent
// ID is an error.
func (b *Bus) Register(agentID string, opts ...AgentOption) error {
	if agentID == "" {
		return fault.New(fault.Validation, "bus", "agent ID must not be empty")
	}
	if agentID == BroadcastTarget {
		return fault.New(fault.Validation, "bus", "agent ID %q is reserved", BroadcastTarget)
	}

	settings := agentSettings{queueSize: b.cfg.QueueSize, policy: OverflowDropOldest}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.queueSize <= 0 {
		return fault.New(fault.Validation, "bus", "queue size for agent %q must be positive, got %d", agentID, settings.queueSize)
	}
	if !settings.policy.IsValid() {
		return fault.New(fault.Validation, "bus", "unknown overflow policy %q for agent %q", settings.policy, agentID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.queues[agentID]; exists {
		return fault.New(fault.Validation, "bus", "agent %q is already registered", agentID)
	}
	b.queues[agentID] = newQueue(settings.queueSize, settings.policy)
	return nil
}

// Unregister removes an agent. Queued messages are lost and blocked
// operations on the agent's queue return an error.
func (b *Bus) Unregister(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[agentID]
	if !ok {
		return fault.New(fault.NotFound, "bus", "agent %q is not registered", agentID)
	}
	q.close()
	delete(b.queues, agentID)
	delete(b.subs, agentID)
	return nil
}

// Agents returns the IDs of all registered agents in sorted order.
func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ───────────────────────── Subscriptions ─────────────────────────

// Subscribe records a delivery filter for the agent. Multiple subscriptions
// accumulate; a message is delivered iff any of them accepts it.
func (b *Bus) Subscribe(agentID string, types []MessageType, filter func(Message) bool) error {
	for _, t := range types {
		if !t.IsValid() {
			return fault.New(fault.Validation, "bus", "unknown message type %q in subscription for agent %q", t, agentID)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[agentID]; !ok {
		return fault.New(fault.NotFound, "bus", "agent %q is not registered", agentID)
	}
	b.subs[agentID] = append(b.subs[agentID], Subscription{Types: types, Filter: filter})
	return nil
}

// Unsubscribe removes all of the agent's subscriptions, restoring unfiltered
// delivery.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, agentID)
}

// wantsDelivery reports whether the receiver's subscriptions admit msg.
// The caller must hold b.mu (read or write).
func (b *Bus) wantsDelivery(receiverID string, msg Message) bool {
	subs := b.subs[receiverID]
	if len(subs) == 0 {
		return true
	}
	for _, s := range subs {
		if s.accepts(msg) {
			return true
		}
	}
	return false
}

// ───────────────────────── Send / Broadcast / Receive ─────────────────────────

// Send delivers msg to its receiver's queue, honouring the receiver's
// overflow policy. A zero Timestamp and an empty CorrelationID are filled
// in. Messages filtered out by the receiver's subscriptions are recorded in
// history but otherwise discarded without error.
func (b *Bus) Send(ctx context.Context, msg Message) error {
	if err := b.closedErr(); err != nil {
		return err
	}
	if msg.SenderID == "" {
		return fault.New(fault.Validation, "bus", "message must carry a sender ID")
	}
	if msg.ReceiverID == "" || msg.ReceiverID == BroadcastTarget {
		return fault.New(fault.Validation, "bus", "message receiver %q is not addressable; use Broadcast for fan-out", msg.ReceiverID)
	}
	if !msg.Type.IsValid() {
		return fault.New(fault.Validation, "bus", "unknown message type %q", msg.Type)
	}
	fillDefaults(&msg)

	b.mu.RLock()
	q, ok := b.queues[msg.ReceiverID]
	wanted := ok && b.wantsDelivery(msg.ReceiverID, msg)
	b.mu.RUnlock()

	if !ok {
		return fault.New(fault.NotFound, "bus", "agent %q is not registered", msg.ReceiverID)
	}

	b.record(msg)
	if !wanted {
		return nil
	}
	return b.enqueue(ctx, q, msg)
}

// Broadcast delivers a per-receiver copy of msg to every registered agent
// except the sender and the exclude set. It returns the number of agents the
// message was enqueued for. Subscription-filtered receivers are skipped
// silently; a cancelled context aborts remaining deliveries.
func (b *Bus) Broadcast(ctx context.Context, msg Message, exclude ...string) (int, error) {
	if err := b.closedErr(); err != nil {
		return 0, err
	}
	if msg.SenderID == "" {
		return 0, fault.New(fault.Validation, "bus", "message must carry a sender ID")
	}
	if !msg.Type.IsValid() {
		return 0, fault.New(fault.Validation, "bus", "unknown message type %q", msg.Type)
	}
	fillDefaults(&msg)

	type target struct {
		id string
		q  *queue
	}

	b.mu.RLock()
	targets := make([]target, 0, len(b.queues))
	for id, q := range b.queues {
		if id == msg.SenderID || slices.Contains(exclude, id) {
			continue
		}
		probe := msg
		probe.ReceiverID = id
		if !b.wantsDelivery(id, probe) {
			continue
		}
		targets = append(targets, target{id: id, q: q})
	}
	b.mu.RUnlock()

	// Stable fan-out order keeps block-policy waits deterministic.
	slices.SortFunc(targets, func(x, y target) int {
		return cmp.Compare(x.id, y.id)
	})

	hist := msg
	hist.ReceiverID = BroadcastTarget
	b.record(hist)

	delivered := 0
	for _, t := range targets {
		cp := msg.clone()
		cp.ReceiverID = t.id
		if err := b.enqueue(ctx, t.q, cp); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Receive blocks until a message arrives for the agent, the timeout elapses,
// ctx is cancelled, or the bus stops. A timeout of zero waits indefinitely.
// Expired waits return [ErrTimeout].
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (Message, error) {
	b.mu.RLock()
	q, ok := b.queues[agentID]
	b.mu.RUnlock()

	if !ok {
		return Message{}, fault.New(fault.NotFound, "bus", "agent %q is not registered", agentID)
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case msg := <-q.ch:
		return msg, nil
	case <-timeoutC:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-q.closed:
		return Message{}, fault.New(fault.NotFound, "bus", "agent %q is not registered", agentID)
	case <-b.done:
		return Message{}, ErrClosed
	}
}

// fillDefaults stamps the timestamp and correlation ID when missing.
func fillDefaults(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
}

// record appends msg to the history ring, if enabled.
func (b *Bus) record(msg Message) {
	if b.history == nil {
		return
	}
	if b.cfg.SanitizeHistory {
		msg = sanitizeMessage(msg)
	}
	b.history.append(msg)
}

// closedErr reports ErrClosed once Stop has been called.
func (b *Bus) closedErr() error {
	select {
	case <-b.done:
		return ErrClosed
	default:
		return nil
	}
}

// ───────────────────────── History ─────────────────────────

// History returns up to limit of the most recent recorded messages in
// chronological order. limit <= 0 returns everything retained. Nil when
// history is disabled.
func (b *Bus) History(limit int) []Message {
	if b.history == nil {
		return nil
	}
	return b.history.snapshot(limit)
}

// historyRing is a bounded ring buffer of messages.
type historyRing struct {
	mu      sync.Mutex
	entries []Message
	next    int
	count   int
}

func newHistoryRing(size int) *historyRing {
	return &historyRing{entries: make([]Message, size)}
}

func (r *historyRing) append(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = msg
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

// snapshot returns retained messages oldest-first, capped at limit when
// limit > 0.
func (r *historyRing) snapshot(limit int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ───────────────────────── Maintenance sweeper ─────────────────────────

// Start begins the maintenance loop in a background goroutine. The loop
// drops messages older than MessageTimeout from every queue and runs until
// [Bus.Stop] is called or ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	go b.sweepLoop(ctx)
}

// Stop shuts the bus down: the sweeper exits, blocked Receive and Send
// calls return [ErrClosed], and further sends are rejected. Safe to call
// multiple times.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// sweepLoop periodically expires stale messages.
func (b *Bus) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

// sweep drops messages older than MessageTimeout from every queue.
func (b *Bus) sweep(now time.Time) {
	cutoff := now.Add(-b.cfg.MessageTimeout)

	b.mu.RLock()
	queues := make(map[string]*queue, len(b.queues))
	for id, q := range b.queues {
		queues[id] = q
	}
	b.mu.RUnlock()

	for id, q := range queues {
		dropped := q.expire(cutoff)
		if dropped > 0 {
			slog.Debug("dropped expired bus messages",
				"agent_id", id,
				"dropped", dropped,
			)
		}
	}
}

// ───────────────────────── Per-agent queue ─────────────────────────

// queue is one agent's bounded FIFO mailbox.
type queue struct {
	ch     chan Message
	policy OverflowPolicy

	// sendMu serialises drop-oldest eviction and sweeping so concurrent
	// senders cannot interleave evictions.
	sendMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

func newQueue(size int, policy OverflowPolicy) *queue {
	return &queue{
		ch:     make(chan Message, size),
		policy: policy,
		closed: make(chan struct{}),
	}
}

func (q *queue) close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// enqueue applies the queue's overflow policy.
func (b *Bus) enqueue(ctx context.Context, q *queue, msg Message) error {
	switch q.policy {
	case OverflowBlock:
		select {
		case q.ch <- msg:
			return nil
		case <-ctx.Done():
			return fault.Wrap(fault.Transient, "bus", fmt.Sprintf("send to %q aborted", msg.ReceiverID), ctx.Err())
		case <-q.closed:
			return fault.New(fault.NotFound, "bus", "agent %q is not registered", msg.ReceiverID)
		case <-b.done:
			return ErrClosed
		}

	case OverflowDropNew:
		select {
		case q.ch <- msg:
		default:
			// Full queue: the incoming message is discarded.
		}
		return nil

	default: // OverflowDropOldest
		q.sendMu.Lock()
		defer q.sendMu.Unlock()
		for {
			select {
			case q.ch <- msg:
				return nil
			default:
			}
			select {
			case <-q.ch:
				// Evicted the oldest entry; retry the send.
			default:
			}
		}
	}
}

// expire drains the queue and re-enqueues only messages newer than cutoff.
// Survivors that no longer fit (a blocking sender may slip in mid-sweep)
// are dropped with the expired ones. Returns the number dropped.
func (q *queue) expire(cutoff time.Time) int {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	var drained []Message
	for {
		select {
		case msg := <-q.ch:
			drained = append(drained, msg)
			continue
		default:
		}
		break
	}

	dropped := 0
	for _, msg := range drained {
		if msg.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		select {
		case q.ch <- msg:
		default:
			dropped++
		}
	}
	return dropped
}
