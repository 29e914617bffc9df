package turn

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/scribax/pkg/chronicle"
	"github.com/MrWong99/scribax/pkg/types"
)

// buildRecords turns one processed turn into chronicle records: the raw
// inputs, the dispatched tasks, each NPC's visible response and the fired
// events, in that order. NPC interior state stays in the NPC store; the
// chronicle gets the observable account.
func buildRecords(sessionID string, turn *Turn, inputs []types.PlayerInput) []*chronicle.Record {
	recs := make([]*chronicle.Record, 0, len(inputs)+len(turn.Tasks)+len(turn.Responses)+len(turn.Events))

	for _, input := range inputs {
		recs = append(recs, &chronicle.Record{
			SessionID: sessionID,
			TurnID:    turn.TurnID,
			Kind:      chronicle.KindInput,
			ActorID:   input.PlayerID,
			ActorName: input.CharacterName,
			Text:      input.Content,
			Timestamp: input.Timestamp,
		})
	}

	for _, task := range turn.Tasks {
		recs = append(recs, &chronicle.Record{
			SessionID: sessionID,
			TurnID:    turn.TurnID,
			Kind:      chronicle.KindTask,
			ActorID:   task.Input.Input.PlayerID,
			ActorName: task.Input.Input.CharacterName,
			Text:      describeTaskRecord(task),
			Metadata: map[string]string{
				"task_id":    task.TaskID,
				"input_type": string(task.Type),
				"time_cost":  task.TimeCost.String(),
			},
		})
	}

	npcIDs := make([]string, 0, len(turn.Responses))
	for npcID := range turn.Responses {
		npcIDs = append(npcIDs, npcID)
	}
	// Map order is random; the chronicle is an ordered log.
	sort.Strings(npcIDs)
	for _, npcID := range npcIDs {
		resp := turn.Responses[npcID]
		text := describeResponse(resp)
		if text == "" {
			continue
		}
		recs = append(recs, &chronicle.Record{
			SessionID: sessionID,
			TurnID:    turn.TurnID,
			Kind:      chronicle.KindNPCResponse,
			ActorID:   resp.NPCID,
			Text:      text,
		})
	}

	for _, event := range turn.Events {
		recs = append(recs, &chronicle.Record{
			SessionID: sessionID,
			TurnID:    turn.TurnID,
			Kind:      chronicle.KindEvent,
			Text:      event.Description,
			Metadata: map[string]string{
				"event_id":   event.EventID,
				"event_type": event.EventType,
			},
		})
	}

	for i, rec := range recs {
		if rec.Timestamp.IsZero() {
			// Preserve relative order for readers sorting by time.
			rec.Timestamp = time.Now().UTC().Add(time.Duration(i))
		}
	}
	return recs
}

// describeTaskRecord is the chronicle text of one dispatched task.
func describeTaskRecord(task types.DispatchedTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", task.Type, task.Input.Input.Content)
	if task.RequiresNPCResponse {
		fmt.Fprintf(&b, " (addressed to NPC %s)", task.TargetNPCID)
	}
	return b.String()
}

// describeResponse is the chronicle text of one NPC response: dialogue and
// action only, never the interior deltas.
func describeResponse(resp types.NPCResponse) string {
	switch {
	case resp.Dialogue != "" && resp.Action != "":
		return fmt.Sprintf("%q (%s)", resp.Dialogue, resp.Action)
	case resp.Dialogue != "":
		return fmt.Sprintf("%q", resp.Dialogue)
	case resp.Action != "":
		return resp.Action
	default:
		return ""
	}
}
