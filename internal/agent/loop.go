package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/scribax/internal/bus"
	"github.com/MrWong99/scribax/pkg/fault"
)

// Start launches the bus receive loop in a background goroutine. The agent
// must already be registered on the bus under its ID. The loop serves each
// REQUEST on its own goroutine so slow tasks never block receipt, logs
// NOTIFICATIONs, and answers failures with ERROR messages.
//
// Start returns an error when the agent has no bus, is not registered, was
// already started, or is shut down.
func (a *Agent) Start(ctx context.Context) error {
	if a.bus == nil {
		return fault.New(fault.Validation, "agent", "agent %q has no bus to listen on", a.id)
	}
	if !slices.Contains(a.bus.Agents(), a.id) {
		return fault.New(fault.Validation, "agent", "agent %q is not registered on the bus", a.id)
	}
	if a.State() == StateShutdown {
		return fault.New(fault.Validation, "agent", "agent %q is shut down", a.id)
	}

	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.loopDone != nil {
		return fault.New(fault.Validation, "agent", "agent %q is already started", a.id)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.loopCancel = cancel
	a.loopDone = make(chan struct{})
	go a.receiveLoop(loopCtx, a.loopDone)

	slog.Info("agent started", "agent_id", a.id, "name", a.name)
	return nil
}

// Stop cancels the receive loop, waits for it and all in-flight tasks to
// finish, and moves the agent to its terminal state. Stopping an already
// stopped agent is a no-op; stopping an agent mid-task from outside the loop
// is rejected.
func (a *Agent) Stop() error {
	a.loopMu.Lock()
	cancel, done := a.loopCancel, a.loopDone
	a.loopCancel, a.loopDone = nil, nil
	a.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	a.wg.Wait()

	if a.State() == StateShutdown {
		return nil
	}
	if !a.transition(StateIdle, StateShutdown) {
		return fault.New(fault.Transient, "agent", "agent %q is still processing", a.id)
	}
	slog.Info("agent stopped", "agent_id", a.id)
	return nil
}

// receiveLoop blocks on the agent's queue until the context is cancelled or
// the bus closes.
func (a *Agent) receiveLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		msg, err := a.bus.Receive(ctx, a.id, 0)
		if err != nil {
			if !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, bus.ErrClosed) {
				slog.Warn("agent receive failed", "agent_id", a.id, "error", err)
			}
			return
		}

		switch msg.Type {
		case bus.TypeRequest:
			// Handlers survive loop shutdown: in-flight tasks run to
			// completion and Stop waits for them.
			a.wg.Add(1)
			go a.handleRequest(context.WithoutCancel(ctx), msg)

		case bus.TypeNotification:
			slog.Info("agent notification",
				"agent_id", a.id,
				"sender_id", msg.SenderID,
				"content", msg.Content,
			)

		case bus.TypeError:
			slog.Warn("agent received error message",
				"agent_id", a.id,
				"sender_id", msg.SenderID,
				"correlation_id", msg.CorrelationID,
				"content", msg.Content,
			)

		default:
			slog.Debug("agent ignoring message",
				"agent_id", a.id,
				"type", string(msg.Type),
				"correlation_id", msg.CorrelationID,
			)
		}
	}
}

// handleRequest runs one REQUEST through ExecuteTask and answers on the
// original correlation ID. Panics are recovered and logged so one bad task
// cannot kill the loop's siblings.
func (a *Agent) handleRequest(ctx context.Context, msg bus.Message) {
	defer a.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent handler panic",
				"agent_id", a.id,
				"correlation_id", msg.CorrelationID,
				"panic", r,
			)
		}
	}()

	task, ok := msg.Content.(string)
	if !ok {
		a.reply(ctx, msg, bus.TypeError,
			fmt.Sprintf("agent %q cannot handle request content of type %T", a.id, msg.Content))
		return
	}

	res, err := a.ExecuteTask(ctx, task, nil)
	if err != nil {
		a.reply(ctx, msg, bus.TypeError, err.Error())
		return
	}
	a.reply(ctx, msg, bus.TypeResponse, res.Content)
}

// reply answers req's sender on the original correlation ID.
func (a *Agent) reply(ctx context.Context, req bus.Message, t bus.MessageType, content any) {
	err := a.bus.Send(ctx, bus.Message{
		SenderID:      a.id,
		ReceiverID:    req.SenderID,
		Type:          t,
		Content:       content,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		slog.Warn("agent reply failed",
			"agent_id", a.id,
			"receiver_id", req.SenderID,
			"correlation_id", req.CorrelationID,
			"error", err,
		)
	}
}
