// Package turn orchestrates one player turn of a running game session.
//
// A turn moves through eight phases: classify every input, extract the
// entity mentions, dispatch each input to its processor, fan the resulting
// tasks out to the addressed NPCs while the game clock advances by the
// turn's total time cost, sweep the event rules, write the turn into the
// chronicle, project the perceptible portion of everything that happened,
// and narrate it as the DM's reply.
//
// The pipeline degrades instead of failing: a classification failure
// becomes an OOC input, a failed extraction keeps no mentions, a failed
// processor falls back to a default task, a failing NPC is recorded and
// skipped, and a narration failure produces a short apology. ProcessTurn
// returns an error only when it cannot assemble a response at all.
//
// Phase ordering is strict where it matters: the NPC fan-out and the time
// advance run concurrently but both complete before the event sweep, and
// the chronicle write-back completes before narration starts.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribax/internal/gametask"
	"github.com/MrWong99/scribax/pkg/chronicle"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/gamestate"
	"github.com/MrWong99/scribax/pkg/types"
	"github.com/MrWong99/scribax/pkg/worldstore"
)

// Classifier assigns each player input exactly one input type.
// internal/classify.Classifier satisfies it.
type Classifier interface {
	ClassifyBatch(ctx context.Context, inputs []types.PlayerInput) []types.ClassifiedInput
}

// Extractor proposes and resolves the entity mentions of each classified
// input. internal/classify.Extractor satisfies it.
type Extractor interface {
	ExtractBatch(ctx context.Context, inputs []types.ClassifiedInput) [][]types.EntityMention
}

// Dispatcher routes classified inputs to their per-type processors.
// internal/gametask.Dispatcher satisfies it.
type Dispatcher interface {
	DispatchAll(items []gametask.Item) []types.DispatchedTask
}

// NPCPool answers the tasks addressed to NPCs and applies each NPC's memory
// updates. internal/agent/npcpool.Pool satisfies it.
type NPCPool interface {
	RespondAll(ctx context.Context, sessionID string, tasks []types.DispatchedTask) (map[string]types.NPCResponse, map[string]error)
}

// Clock is the per-session game clock and event-rule sweep.
// internal/gametime.Manager satisfies it.
type Clock interface {
	Advance(sessionID string, delta time.Duration) (time.Time, error)
	CheckEvents(sessionID string, delta time.Duration) []types.GameEvent
}

// Recorder appends the turn's records to the campaign chronicle.
// pkg/chronicle.Chronicle satisfies it.
type Recorder interface {
	RecordBatch(ctx context.Context, recs []*chronicle.Record) error
}

// Narrator renders the perceptible turn information as the DM's reply.
// internal/narrator.Generator satisfies it.
type Narrator interface {
	Narrate(ctx context.Context, info types.PerceptibleInfo, style types.DMStyle) string
}

// Sessions is the slice of the session repository the pipeline needs: the
// session's style and scene pointer on the way in, the advanced game clock
// on the way out. pkg/gamestate stores satisfy it.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*gamestate.GameSession, error)
	UpdateSession(ctx context.Context, id string, patch gamestate.SessionPatch) (*gamestate.GameSession, error)
}

// World reads scene entities for the scene description.
// pkg/worldstore stores satisfy it.
type World interface {
	GetEntity(ctx context.Context, id string) (*worldstore.Entity, error)
}

// Config wires the pipeline's collaborators.
type Config struct {
	// Classifier, Extractor, Dispatcher, Pool, Clock and Narrator are the
	// six phase owners. All are required.
	Classifier Classifier
	Extractor  Extractor
	Dispatcher Dispatcher
	Pool       NPCPool
	Clock      Clock
	Narrator   Narrator

	// Chronicle receives the turn's records. Optional; without it the
	// write-back phase is skipped.
	Chronicle Recorder

	// Sessions supplies the session's style and scene and receives the
	// advanced clock. Optional; without it turns narrate in the default
	// style and the stored session time is not maintained.
	Sessions Sessions

	// World resolves the session's current scene entity for the scene
	// description. Optional.
	World World

	// Logger reports degraded phases. Defaults to slog.Default.
	Logger *slog.Logger
}

// Validate checks that every required collaborator is present.
func (c Config) Validate() error {
	if c.Classifier == nil {
		return fault.New(fault.Validation, "turn", "Classifier must not be nil")
	}
	if c.Extractor == nil {
		return fault.New(fault.Validation, "turn", "Extractor must not be nil")
	}
	if c.Dispatcher == nil {
		return fault.New(fault.Validation, "turn", "Dispatcher must not be nil")
	}
	if c.Pool == nil {
		return fault.New(fault.Validation, "turn", "Pool must not be nil")
	}
	if c.Clock == nil {
		return fault.New(fault.Validation, "turn", "Clock must not be nil")
	}
	if c.Narrator == nil {
		return fault.New(fault.Validation, "turn", "Narrator must not be nil")
	}
	return nil
}

// Pipeline runs player turns. Safe for concurrent use across sessions;
// callers serialise turns within one session.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// Turn is the full account of one processed turn: the DM response plus the
// intermediate results, for callers that surface task or event details.
type Turn struct {
	// TurnID uniquely identifies the turn.
	TurnID string

	// Tasks are the dispatched tasks, one per input, in input order.
	Tasks []types.DispatchedTask

	// Responses holds each responding NPC's answer, keyed by NPC ID.
	Responses map[string]types.NPCResponse

	// Failures holds the error of each NPC that failed, keyed by NPC ID.
	Failures map[string]error

	// Events are the game events fired by the rule sweep.
	Events []types.GameEvent

	// GameTime is the session clock after the advance.
	GameTime time.Time

	// Perceptible is what the players could sense this turn.
	Perceptible types.PerceptibleInfo

	// Response is the DM's narrative reply.
	Response types.DMResponse
}

// ProcessTurn runs the eight phases over the players' inputs and returns
// the completed turn. It fails only on invalid arguments; everything after
// that degrades per phase so the table always gets an answer.
func (p *Pipeline) ProcessTurn(ctx context.Context, sessionID string, inputs []types.PlayerInput) (*Turn, error) {
	if sessionID == "" {
		return nil, fault.New(fault.Validation, "turn", "session id must not be empty")
	}
	if len(inputs) == 0 {
		return nil, fault.New(fault.Validation, "turn", "turn needs at least one player input")
	}

	start := time.Now()
	turn := &Turn{TurnID: uuid.NewString()}
	logger := p.logger.With("session_id", sessionID, "turn_id", turn.TurnID)

	session := p.loadSession(ctx, sessionID, logger)

	// Phases 1-3: classify, extract, dispatch. Batch methods degrade
	// per input, so the slices always line up with the inputs.
	classified := p.cfg.Classifier.ClassifyBatch(ctx, inputs)
	mentions := p.cfg.Extractor.ExtractBatch(ctx, classified)

	items := make([]gametask.Item, len(classified))
	for i := range classified {
		items[i] = gametask.Item{Classified: classified[i], Entities: mentions[i]}
	}
	turn.Tasks = p.cfg.Dispatcher.DispatchAll(items)

	var totalCost time.Duration
	var npcTasks []types.DispatchedTask
	for _, task := range turn.Tasks {
		totalCost += task.TimeCost
		if task.RequiresNPCResponse {
			npcTasks = append(npcTasks, task)
		}
	}

	// Phase 4: NPC fan-out and time advance, joined before the rule sweep.
	var g errgroup.Group
	g.Go(func() error {
		turn.Responses, turn.Failures = p.cfg.Pool.RespondAll(ctx, sessionID, npcTasks)
		return nil
	})
	g.Go(func() error {
		now, err := p.cfg.Clock.Advance(sessionID, totalCost)
		if err != nil {
			logger.Warn("time advance failed", "delta", totalCost, "err", err)
			return nil
		}
		turn.GameTime = now
		return nil
	})
	_ = g.Wait()

	for npcID, err := range turn.Failures {
		logger.Warn("npc response failed", "npc_id", npcID, "err", err)
	}

	// Phase 5: event-rule sweep at the advanced clock.
	turn.Events = p.cfg.Clock.CheckEvents(sessionID, totalCost)

	// Phase 6: chronicle write-back and session clock update. Memory
	// deltas were already applied per NPC inside RespondAll.
	p.record(ctx, sessionID, turn, inputs, logger)
	p.storeGameTime(ctx, sessionID, turn.GameTime, logger)

	// Phases 7-8: project the perceptible portion and narrate it.
	turn.Perceptible = p.perceptible(ctx, session, turn)

	style := types.DMStyle{}
	if session != nil {
		style = session.Style
	}
	narrative := p.cfg.Narrator.Narrate(ctx, turn.Perceptible, style)

	turn.Response = types.DMResponse{
		SessionID:    sessionID,
		Narrative:    narrative,
		Timestamp:    time.Now().UTC(),
		TurnDuration: time.Since(start),
	}
	return turn, nil
}

// loadSession fetches the session row when a repository is wired. A missing
// session or a lookup failure degrades to defaults.
func (p *Pipeline) loadSession(ctx context.Context, sessionID string, logger *slog.Logger) *gamestate.GameSession {
	if p.cfg.Sessions == nil {
		return nil
	}
	session, err := p.cfg.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		logger.Warn("session lookup failed, using defaults", "err", err)
		return nil
	}
	return session
}

// storeGameTime writes the advanced clock back to the session row.
func (p *Pipeline) storeGameTime(ctx context.Context, sessionID string, now time.Time, logger *slog.Logger) {
	if p.cfg.Sessions == nil || now.IsZero() {
		return
	}
	if _, err := p.cfg.Sessions.UpdateSession(ctx, sessionID, gamestate.SessionPatch{CurrentTime: &now}); err != nil {
		logger.Warn("storing game time failed", "err", err)
	}
}

// record writes the turn's inputs, tasks, NPC responses and events into the
// chronicle. Failures are logged; the turn continues.
func (p *Pipeline) record(ctx context.Context, sessionID string, turn *Turn, inputs []types.PlayerInput, logger *slog.Logger) {
	if p.cfg.Chronicle == nil {
		return
	}
	recs := buildRecords(sessionID, turn, inputs)
	if len(recs) == 0 {
		return
	}
	if err := p.cfg.Chronicle.RecordBatch(ctx, recs); err != nil {
		logger.Warn("chronicle write-back failed", "records", len(recs), "err", err)
	}
}

// perceptible projects the turn onto what the player characters can sense.
// NPC interior state never enters the projection: only the dialogue and
// action fields of each response are read.
func (p *Pipeline) perceptible(ctx context.Context, session *gamestate.GameSession, turn *Turn) types.PerceptibleInfo {
	info := types.PerceptibleInfo{
		Events: turn.Events,
	}

	changed := make(map[string]struct{})
	for _, task := range turn.Tasks {
		if line := describeTask(task); line != "" {
			info.PlayerActions = append(info.PlayerActions, line)
		}
		for _, mention := range task.Entities {
			if mention.MatchedEntityID != "" {
				changed[mention.MatchedEntityID] = struct{}{}
			}
		}
	}

	npcIDs := make([]string, 0, len(turn.Responses))
	for npcID := range turn.Responses {
		npcIDs = append(npcIDs, npcID)
	}
	sort.Strings(npcIDs)
	for _, npcID := range npcIDs {
		resp := turn.Responses[npcID]
		info.NPCResponses = append(info.NPCResponses, types.VisibleNPCResponse{
			NPCID:    resp.NPCID,
			Dialogue: resp.Dialogue,
			Action:   resp.Action,
		})
	}

	for id := range changed {
		info.ChangedEntities = append(info.ChangedEntities, id)
	}
	sort.Strings(info.ChangedEntities)

	info.SceneDescription = p.sceneDescription(ctx, session)
	return info
}

// sceneDescription reads the current scene entity's description, falling
// back to the session description.
func (p *Pipeline) sceneDescription(ctx context.Context, session *gamestate.GameSession) string {
	if session == nil {
		return ""
	}
	if session.CurrentSceneID != "" && p.cfg.World != nil {
		scene, err := p.cfg.World.GetEntity(ctx, session.CurrentSceneID)
		if err != nil {
			p.logger.Warn("scene lookup failed", "scene_id", session.CurrentSceneID, "err", err)
		} else if scene != nil && scene.Description != "" {
			return scene.Description
		}
	}
	return session.Description
}

// describeTask renders the player-visible account of one task. Thoughts are
// interior and out-of-character inputs are table talk; neither is part of
// the scene.
func describeTask(task types.DispatchedTask) string {
	name := task.Input.Input.CharacterName
	if name == "" {
		name = task.Input.Input.PlayerID
	}
	switch task.Type {
	case types.InputAction:
		return fmt.Sprintf("%s: %s", name, task.Input.Input.Content)
	case types.InputDialogue:
		target := task.Input.Target
		if target == "" {
			return fmt.Sprintf("%s says: %q", name, task.Input.Input.Content)
		}
		return fmt.Sprintf("%s says to %s: %q", name, target, task.Input.Input.Content)
	default:
		return ""
	}
}
