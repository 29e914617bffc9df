package gametask

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// Compile-time checks that every built-in satisfies Processor.
var (
	_ Processor = actionProcessor{}
	_ Processor = dialogueProcessor{}
	_ Processor = thoughtProcessor{}
	_ Processor = oocProcessor{}
	_ Processor = commandProcessor{}
)

// ─────────────────────────────────────────────────────────────────────────────
// Time-cost tables
// ─────────────────────────────────────────────────────────────────────────────

// actionTimeCosts prices ACTION inputs by their normalised verb. Verbs not
// listed here cost genericActionCost.
var actionTimeCosts = map[string]time.Duration{
	"attack":     5 * time.Second,
	"check":      10 * time.Second,
	"interact":   15 * time.Second,
	"move":       30 * time.Second,
	"cast_spell": 60 * time.Second,
	"search":     60 * time.Second,
	"rest":       3600 * time.Second,
}

const genericActionCost = 30 * time.Second

const dialogueCost = 15 * time.Second

// commandTimeCosts prices slash commands by their canonical command type.
// Commands not listed here are free: they read game state without spending
// in-game time.
var commandTimeCosts = map[string]time.Duration{
	"cast_spell": 60 * time.Second,
}

// ─────────────────────────────────────────────────────────────────────────────
// Target resolution
// ─────────────────────────────────────────────────────────────────────────────

// targetNPCID resolves the classification target to a stored NPC entity.
// It prefers the mention whose surface form matches the stated target, then
// falls back to a sole resolved NPC mention when the classifier and the
// extractor disagree on the surface form. Unresolved mentions never
// qualify: an NPC with no stored entity has no agent to answer.
func targetNPCID(classified types.ClassifiedInput, entities []types.EntityMention) string {
	if classified.Target == "" {
		return ""
	}
	for _, m := range entities {
		if m.Kind == types.KindNPC && !m.IsNew && strings.EqualFold(m.SurfaceName, classified.Target) {
			return m.MatchedEntityID
		}
	}
	if classified.TargetKind != types.KindNPC {
		return ""
	}
	sole := ""
	for _, m := range entities {
		if m.Kind != types.KindNPC || m.IsNew {
			continue
		}
		if sole != "" && sole != m.MatchedEntityID {
			return ""
		}
		sole = m.MatchedEntityID
	}
	return sole
}

// targetsNPC reports whether the input is directed at a resolvable NPC.
func targetsNPC(classified types.ClassifiedInput, entities []types.EntityMention) bool {
	return targetNPCID(classified, entities) != ""
}

// ─────────────────────────────────────────────────────────────────────────────
// ACTION
// ─────────────────────────────────────────────────────────────────────────────

type actionProcessor struct{}

func (actionProcessor) Process(classified types.ClassifiedInput, entities []types.EntityMention) (types.TaskPayload, error) {
	return types.ActionPayload{
		ActionType:  classified.ActionType,
		Target:      classified.Target,
		TargetKind:  classified.TargetKind,
		Description: classified.Input.Content,
	}, nil
}

func (actionProcessor) RequiresNPCResponse(classified types.ClassifiedInput, entities []types.EntityMention) bool {
	return targetsNPC(classified, entities)
}

func (actionProcessor) TargetNPC(classified types.ClassifiedInput, entities []types.EntityMention) string {
	return targetNPCID(classified, entities)
}

func (actionProcessor) TimeCost(payload types.TaskPayload) time.Duration {
	action, ok := payload.(types.ActionPayload)
	if !ok {
		return genericActionCost
	}
	if cost, ok := actionTimeCosts[action.ActionType]; ok {
		return cost
	}
	return genericActionCost
}

// ─────────────────────────────────────────────────────────────────────────────
// DIALOGUE
// ─────────────────────────────────────────────────────────────────────────────

type dialogueProcessor struct{}

func (dialogueProcessor) Process(classified types.ClassifiedInput, entities []types.EntityMention) (types.TaskPayload, error) {
	return types.DialoguePayload{
		Speaker:      classified.Input.CharacterName,
		Listener:     classified.Target,
		ListenerKind: classified.TargetKind,
		Text:         classified.Input.Content,
	}, nil
}

func (dialogueProcessor) RequiresNPCResponse(classified types.ClassifiedInput, entities []types.EntityMention) bool {
	return targetsNPC(classified, entities)
}

func (dialogueProcessor) TargetNPC(classified types.ClassifiedInput, entities []types.EntityMention) string {
	return targetNPCID(classified, entities)
}

func (dialogueProcessor) TimeCost(types.TaskPayload) time.Duration { return dialogueCost }

// ─────────────────────────────────────────────────────────────────────────────
// THOUGHT
// ─────────────────────────────────────────────────────────────────────────────

type thoughtProcessor struct{}

func (thoughtProcessor) Process(classified types.ClassifiedInput, entities []types.EntityMention) (types.TaskPayload, error) {
	return types.ThoughtPayload{
		Thinker: classified.Input.CharacterName,
		Text:    classified.Input.Content,
	}, nil
}

func (thoughtProcessor) RequiresNPCResponse(types.ClassifiedInput, []types.EntityMention) bool {
	return false
}

func (thoughtProcessor) TargetNPC(types.ClassifiedInput, []types.EntityMention) string { return "" }

func (thoughtProcessor) TimeCost(types.TaskPayload) time.Duration { return 0 }

// ─────────────────────────────────────────────────────────────────────────────
// OOC
// ─────────────────────────────────────────────────────────────────────────────

type oocProcessor struct{}

func (oocProcessor) Process(classified types.ClassifiedInput, entities []types.EntityMention) (types.TaskPayload, error) {
	return types.OOCPayload{Text: classified.Input.Content}, nil
}

func (oocProcessor) RequiresNPCResponse(types.ClassifiedInput, []types.EntityMention) bool {
	return false
}

func (oocProcessor) TargetNPC(types.ClassifiedInput, []types.EntityMention) string { return "" }

func (oocProcessor) TimeCost(types.TaskPayload) time.Duration { return 0 }

// ─────────────────────────────────────────────────────────────────────────────
// COMMAND
// ─────────────────────────────────────────────────────────────────────────────

// dicePattern matches dice expressions such as "2d6+3", "d20" and "4D8-1".
var dicePattern = regexp.MustCompile(`^(\d*)[dD](\d+)([+-]\d+)?$`)

const (
	maxDiceCount = 100
	maxDiceSize  = 1000
)

type commandProcessor struct{}

func (commandProcessor) Process(classified types.ClassifiedInput, entities []types.EntityMention) (types.TaskPayload, error) {
	fields := strings.Fields(strings.TrimSpace(classified.Input.Content))
	if len(fields) == 0 || fields[0] == "/" {
		return nil, fault.New(fault.Validation, "gametask", "command input %q has no command name", classified.Input.Content)
	}
	command := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	parsed, err := parseCommand(command, args)
	if err != nil {
		return nil, err
	}

	return types.CommandPayload{
		Command:    command,
		Args:       args,
		ParsedData: parsed,
	}, nil
}

func (commandProcessor) RequiresNPCResponse(types.ClassifiedInput, []types.EntityMention) bool {
	return false
}

func (commandProcessor) TargetNPC(types.ClassifiedInput, []types.EntityMention) string { return "" }

func (commandProcessor) TimeCost(payload types.TaskPayload) time.Duration {
	cmd, ok := payload.(types.CommandPayload)
	if !ok {
		return 0
	}
	commandType, _ := cmd.ParsedData["command_type"].(string)
	return commandTimeCosts[commandType]
}

// parseCommand builds the command-specific structured fields. Every known
// command yields a "command_type" key; unknown commands keep their raw name
// there so downstream consumers can still branch on it.
func parseCommand(command string, args []string) (map[string]any, error) {
	switch command {
	case "cast":
		return parseCast(args)
	case "roll":
		return parseRoll(args)
	case "check_character":
		return parseCheckCharacter(args), nil
	default:
		return map[string]any{"command_type": command}, nil
	}
}

// parseCast handles "/cast <spell> [at <target>]".
func parseCast(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fault.New(fault.Validation, "gametask", "/cast requires a spell name")
	}
	spell := args
	var target []string
	for i, arg := range args {
		if strings.EqualFold(arg, "at") && i > 0 && i < len(args)-1 {
			spell, target = args[:i], args[i+1:]
			break
		}
	}
	parsed := map[string]any{
		"command_type": "cast_spell",
		"spell":        strings.Join(spell, " "),
	}
	if len(target) > 0 {
		parsed["target"] = strings.Join(target, " ")
	}
	return parsed, nil
}

// parseRoll handles "/roll <dice>", e.g. "/roll 2d6+3".
func parseRoll(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fault.New(fault.Validation, "gametask", "/roll requires a dice expression")
	}
	expr := args[0]
	m := dicePattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fault.New(fault.Validation, "gametask", "invalid dice expression %q", expr)
	}

	count := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fault.Wrap(fault.Validation, "gametask", "parsing dice count", err)
		}
		count = n
	}
	size, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "gametask", "parsing dice size", err)
	}
	modifier := 0
	if m[3] != "" {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fault.Wrap(fault.Validation, "gametask", "parsing dice modifier", err)
		}
		modifier = n
	}

	if count < 1 || count > maxDiceCount {
		return nil, fault.New(fault.Validation, "gametask", "dice count %d out of range [1, %d]", count, maxDiceCount)
	}
	if size < 2 || size > maxDiceSize {
		return nil, fault.New(fault.Validation, "gametask", "dice size %d out of range [2, %d]", size, maxDiceSize)
	}

	return map[string]any{
		"command_type": "roll",
		"dice_count":   count,
		"dice_size":    size,
		"modifier":     modifier,
	}, nil
}

// parseCheckCharacter handles "/check_character [name]". Without a name the
// command refers to the submitting player's own character.
func parseCheckCharacter(args []string) map[string]any {
	parsed := map[string]any{"command_type": "check_character"}
	if len(args) > 0 {
		parsed["character"] = strings.Join(args, " ")
	}
	return parsed
}
