// Package gametask turns classified player inputs into dispatched game
// tasks.
//
// A [Dispatcher] routes each (classification, entities) pair to the
// [Processor] registered for its input type. Processors build the typed
// payload, decide whether an NPC must respond and which one, and price the
// input in in-game time. The built-in processors cover the five input
// types; custom processors can replace them per type.
//
// Dispatch never fails the turn: a processor error or panic degrades that
// input to a default task with a 60-second time cost, and the closed
// rule that THOUGHT inputs never reach an NPC is enforced here regardless
// of what a processor reports.
package gametask

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// Processor handles one input type.
type Processor interface {
	// Process builds the structured payload for one classified input.
	Process(classified types.ClassifiedInput, entities []types.EntityMention) (types.TaskPayload, error)

	// RequiresNPCResponse reports whether an NPC must answer this input.
	RequiresNPCResponse(classified types.ClassifiedInput, entities []types.EntityMention) bool

	// TargetNPC returns the stored entity ID of the NPC that must answer,
	// or empty when none resolves.
	TargetNPC(classified types.ClassifiedInput, entities []types.EntityMention) string

	// TimeCost prices the payload in in-game time.
	TimeCost(payload types.TaskPayload) time.Duration
}

// defaultTaskCost is the time cost assigned when a processor fails and the
// input degrades to a default task.
const defaultTaskCost = 60 * time.Second

// defaultDispatchLimit caps concurrent processors in DispatchAll.
const defaultDispatchLimit = 8

// Item pairs one classification with its extracted mentions.
type Item struct {
	Classified types.ClassifiedInput
	Entities   []types.EntityMention
}

// Config holds dispatcher settings.
type Config struct {
	// DispatchLimit caps concurrent processors in DispatchAll. Defaults
	// to 8.
	DispatchLimit int
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.DispatchLimit < 0 {
		return fault.New(fault.Validation, "gametask", "DispatchLimit must not be negative, got %d", c.DispatchLimit)
	}
	return nil
}

// Dispatcher routes classified inputs to per-type processors. Safe for
// concurrent use after construction; Register is not safe to call
// concurrently with Dispatch.
type Dispatcher struct {
	cfg        Config
	processors map[types.InputType]Processor
}

// NewDispatcher creates a Dispatcher with the built-in processors
// registered for all five input types.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DispatchLimit == 0 {
		cfg.DispatchLimit = defaultDispatchLimit
	}
	return &Dispatcher{
		cfg: cfg,
		processors: map[types.InputType]Processor{
			types.InputAction:   actionProcessor{},
			types.InputDialogue: dialogueProcessor{},
			types.InputThought:  thoughtProcessor{},
			types.InputOOC:      oocProcessor{},
			types.InputCommand:  commandProcessor{},
		},
	}, nil
}

// Register replaces the processor for one input type.
func (d *Dispatcher) Register(t types.InputType, p Processor) error {
	if !t.IsValid() {
		return fault.New(fault.Validation, "gametask", "unknown input type %q", t)
	}
	if p == nil {
		return fault.New(fault.Validation, "gametask", "processor for %s must not be nil", t)
	}
	d.processors[t] = p
	return nil
}

// Dispatch runs the matching processor for one input. Processor errors and
// panics degrade to a default task so the turn still progresses.
func (d *Dispatcher) Dispatch(classified types.ClassifiedInput, entities []types.EntityMention) types.DispatchedTask {
	proc, ok := d.processors[classified.Type]
	if !ok {
		slog.Warn("no processor for input type, using default task", "input_type", classified.Type)
		return defaultTask(classified, entities)
	}

	task, err := runProcessor(proc, classified, entities)
	if err != nil {
		slog.Warn("processor failed, using default task",
			"input_type", classified.Type,
			"player_id", classified.Input.PlayerID,
			"error", err,
		)
		return defaultTask(classified, entities)
	}
	return task
}

// DispatchAll dispatches every item concurrently, at most DispatchLimit at
// a time, preserving input order in the result.
func (d *Dispatcher) DispatchAll(items []Item) []types.DispatchedTask {
	out := make([]types.DispatchedTask, len(items))

	var g errgroup.Group
	g.SetLimit(d.cfg.DispatchLimit)
	for i, item := range items {
		g.Go(func() error {
			out[i] = d.Dispatch(item.Classified, item.Entities)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// runProcessor executes one processor with panic recovery and enforces the
// dispatched-task invariants.
func runProcessor(proc Processor, classified types.ClassifiedInput, entities []types.EntityMention) (task types.DispatchedTask, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.Internal, "gametask", "processor panicked: %v", r)
		}
	}()

	payload, err := proc.Process(classified, entities)
	if err != nil {
		return types.DispatchedTask{}, err
	}

	requires := proc.RequiresNPCResponse(classified, entities)
	target := ""
	if requires {
		target = proc.TargetNPC(classified, entities)
		if target == "" {
			requires = false
		}
	}
	// Thoughts never reach NPCs, whatever the processor says.
	if classified.Type == types.InputThought {
		requires, target = false, ""
	}

	cost := proc.TimeCost(payload)
	if cost < 0 {
		cost = 0
	}

	return types.DispatchedTask{
		TaskID:              uuid.NewString(),
		Type:                classified.Type,
		Input:               classified,
		Entities:            entities,
		Payload:             payload,
		RequiresNPCResponse: requires,
		TargetNPCID:         target,
		TimeCost:            cost,
	}, nil
}

// defaultTask is the degraded result for a failed processor: no payload, no
// NPC involvement, a flat 60-second cost.
func defaultTask(classified types.ClassifiedInput, entities []types.EntityMention) types.DispatchedTask {
	return types.DispatchedTask{
		TaskID:   uuid.NewString(),
		Type:     classified.Type,
		Input:    classified,
		Entities: entities,
		TimeCost: defaultTaskCost,
	}
}
