package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/scribax/internal/bus"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/provider/llm/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// receiveTimeout bounds test waits on the bus.
const receiveTimeout = 2 * time.Second

// testBus builds a running bus with the given agents registered.
func testBus(t *testing.T, agentIDs ...string) *bus.Bus {
	t.Helper()

	b, err := bus.New(bus.Config{QueueSize: 8})
	must(t, err)
	for _, id := range agentIDs {
		must(t, b.Register(id))
	}
	t.Cleanup(b.Stop)
	return b
}

// startAgent creates and starts an agent listening on the bus.
func startAgent(t *testing.T, b *bus.Bus, cfg Config) *Agent {
	t.Helper()

	cfg.Bus = b
	a, err := New(cfg)
	must(t, err)
	must(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

// flakyChatter panics on its first call and answers normally afterwards.
type flakyChatter struct {
	calls atomic.Int32
	resp  string
}

func (f *flakyChatter) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if f.calls.Add(1) == 1 {
		panic("scripted panic")
	}
	return &llm.Response{Content: f.resp}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Start / Stop
// ─────────────────────────────────────────────────────────────────────────────

// TestStartValidation rejects missing wiring and repeated starts.
func TestStartValidation(t *testing.T) {
	t.Parallel()

	noBus, err := New(Config{ID: "a", Chat: scripted()})
	must(t, err)
	if err := noBus.Start(context.Background()); err == nil || !fault.IsValidation(err) {
		t.Errorf("Start(no bus) error = %v, want validation error", err)
	}

	b := testBus(t, "registered")

	unregistered, err := New(Config{ID: "ghost", Chat: scripted(), Bus: b})
	must(t, err)
	if err := unregistered.Start(context.Background()); err == nil || !fault.IsValidation(err) {
		t.Errorf("Start(unregistered) error = %v, want validation error", err)
	}

	a := startAgent(t, b, Config{ID: "registered", Chat: scripted("ok")})
	if err := a.Start(context.Background()); err == nil || !fault.IsValidation(err) {
		t.Errorf("Start(twice) error = %v, want validation error", err)
	}

	must(t, a.Stop())
	if err := a.Start(context.Background()); err == nil || !fault.IsValidation(err) {
		t.Errorf("Start(after stop) error = %v, want validation error", err)
	}
}

// TestStopWaitsForInFlight lets a running task finish and reply before the
// agent reaches its terminal state.
func TestStopWaitsForInFlight(t *testing.T) {
	t.Parallel()

	p := scripted("The task completed.")
	p.ChatDelay = 80 * time.Millisecond
	b := testBus(t, "dm", "worker")
	a := startAgent(t, b, Config{ID: "worker", Chat: p})

	must(t, b.Send(context.Background(), bus.Message{
		SenderID:   "dm",
		ReceiverID: "worker",
		Type:       bus.TypeRequest,
		Content:    "Do the thing.",
	}))

	time.Sleep(20 * time.Millisecond) // let the handler pick the task up
	must(t, a.Stop())

	if a.State() != StateShutdown {
		t.Errorf("State() = %v, want %v", a.State(), StateShutdown)
	}

	reply, err := b.Receive(context.Background(), "dm", receiveTimeout)
	must(t, err)
	if reply.Type != bus.TypeResponse {
		t.Errorf("reply.Type = %q, want %q", reply.Type, bus.TypeResponse)
	}
	if reply.Content != "The task completed." {
		t.Errorf("reply.Content = %v", reply.Content)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Request handling
// ─────────────────────────────────────────────────────────────────────────────

// TestRequestResponse answers a REQUEST with a RESPONSE on the original
// correlation ID.
func TestRequestResponse(t *testing.T) {
	t.Parallel()

	b := testBus(t, "dm", "npc-elara")
	startAgent(t, b, Config{ID: "npc-elara", Chat: scripted("I know the way.")})

	must(t, b.Send(context.Background(), bus.Message{
		SenderID:      "dm",
		ReceiverID:    "npc-elara",
		Type:          bus.TypeRequest,
		Content:       "Do you know the way?",
		CorrelationID: "corr-42",
	}))

	reply, err := b.Receive(context.Background(), "dm", receiveTimeout)
	must(t, err)

	if reply.Type != bus.TypeResponse {
		t.Errorf("Type = %q, want %q", reply.Type, bus.TypeResponse)
	}
	if reply.CorrelationID != "corr-42" {
		t.Errorf("CorrelationID = %q, want corr-42", reply.CorrelationID)
	}
	if reply.SenderID != "npc-elara" || reply.ReceiverID != "dm" {
		t.Errorf("addressing = %q -> %q", reply.SenderID, reply.ReceiverID)
	}
	if reply.Content != "I know the way." {
		t.Errorf("Content = %v", reply.Content)
	}
}

// TestRequestFailureRepliesError answers a failed task with an ERROR carrying
// the description.
func TestRequestFailureRepliesError(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{ChatErr: errors.New("rate limited")}
	b := testBus(t, "dm", "worker")
	startAgent(t, b, Config{ID: "worker", Chat: p})

	must(t, b.Send(context.Background(), bus.Message{
		SenderID:      "dm",
		ReceiverID:    "worker",
		Type:          bus.TypeRequest,
		Content:       "Do the thing.",
		CorrelationID: "corr-9",
	}))

	reply, err := b.Receive(context.Background(), "dm", receiveTimeout)
	must(t, err)

	if reply.Type != bus.TypeError {
		t.Fatalf("Type = %q, want %q", reply.Type, bus.TypeError)
	}
	if reply.CorrelationID != "corr-9" {
		t.Errorf("CorrelationID = %q, want corr-9", reply.CorrelationID)
	}
	payload, ok := reply.Content.(string)
	if !ok {
		t.Fatalf("Content type = %T, want string", reply.Content)
	}
	assertContains(t, payload, "chat failed")
	assertContains(t, payload, "rate limited")
}

// TestRequestBadContentType rejects non-string request payloads.
func TestRequestBadContentType(t *testing.T) {
	t.Parallel()

	b := testBus(t, "dm", "worker")
	startAgent(t, b, Config{ID: "worker", Chat: scripted("unused")})

	must(t, b.Send(context.Background(), bus.Message{
		SenderID:   "dm",
		ReceiverID: "worker",
		Type:       bus.TypeRequest,
		Content:    42,
	}))

	reply, err := b.Receive(context.Background(), "dm", receiveTimeout)
	must(t, err)

	if reply.Type != bus.TypeError {
		t.Fatalf("Type = %q, want %q", reply.Type, bus.TypeError)
	}
	payload, _ := reply.Content.(string)
	assertContains(t, payload, "content of type int")
}

// TestNotificationHandled logs notifications without replying.
func TestNotificationHandled(t *testing.T) {
	t.Parallel()

	b := testBus(t, "dm", "worker")
	startAgent(t, b, Config{ID: "worker", Chat: scripted("later answer")})

	must(t, b.Send(context.Background(), bus.Message{
		SenderID:   "dm",
		ReceiverID: "worker",
		Type:       bus.TypeNotification,
		Content:    "the party entered the tavern",
	}))

	if _, err := b.Receive(context.Background(), "dm", 100*time.Millisecond); !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("Receive after notification = %v, want timeout", err)
	}

	// The loop keeps serving requests afterwards.
	must(t, b.Send(context.Background(), bus.Message{
		SenderID:   "dm",
		ReceiverID: "worker",
		Type:       bus.TypeRequest,
		Content:    "Still there?",
	}))
	reply, err := b.Receive(context.Background(), "dm", receiveTimeout)
	must(t, err)
	if reply.Content != "later answer" {
		t.Errorf("Content = %v", reply.Content)
	}
}

// TestHandlerPanicRecovered keeps the loop alive through a panicking task.
func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()

	chat := &flakyChatter{resp: "recovered"}
	b := testBus(t, "dm", "worker")
	a := startAgent(t, b, Config{ID: "worker", Chat: chat})

	must(t, b.Send(context.Background(), bus.Message{
		SenderID:   "dm",
		ReceiverID: "worker",
		Type:       bus.TypeRequest,
		Content:    "This one blows up.",
	}))

	// The panicking handler sends no reply.
	if _, err := b.Receive(context.Background(), "dm", 150*time.Millisecond); !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("Receive after panic = %v, want timeout", err)
	}
	if a.State() != StateIdle {
		t.Errorf("State() after panic = %v, want %v", a.State(), StateIdle)
	}

	must(t, b.Send(context.Background(), bus.Message{
		SenderID:   "dm",
		ReceiverID: "worker",
		Type:       bus.TypeRequest,
		Content:    "And this one works.",
	}))
	reply, err := b.Receive(context.Background(), "dm", receiveTimeout)
	must(t, err)
	if reply.Content != "recovered" {
		t.Errorf("Content = %v", reply.Content)
	}
}
