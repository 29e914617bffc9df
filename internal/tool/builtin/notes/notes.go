// Package notes provides built-in tools for taking and recalling session
// notes. Notes are persisted through a [Store], so the same tools work over
// the in-memory chronicle during tests and the database-backed one in
// production.
//
// Two tools are exported via [NewTools], bound to one session:
//   - "take_note"    — append a note to the session chronicle.
//   - "recall_notes" — keyword search over the session's notes.
package notes

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/scribax/internal/tool"
)

// defaultRecallLimit caps recall_notes results when the caller does not say.
const defaultRecallLimit = 5

// Store persists and searches session notes. Implementations must be safe
// for concurrent use.
type Store interface {
	// AppendNote stores one note under the session.
	AppendNote(ctx context.Context, sessionID, text string) error

	// SearchNotes returns up to limit notes matching query, newest first.
	// An empty query returns the newest notes unfiltered.
	SearchNotes(ctx context.Context, sessionID, query string, limit int) ([]string, error)
}

// TakeResult is the outcome of a take_note call.
type TakeResult struct {
	// Stored confirms the append.
	Stored bool `json:"stored"`

	// Length is the stored note's length in bytes.
	Length int `json:"length"`
}

// RecallResult is the outcome of a recall_notes call.
type RecallResult struct {
	// Query echoes the search input.
	Query string `json:"query"`

	// Notes holds the matching notes, newest first.
	Notes []string `json:"notes"`
}

// makeTakeHandler returns the "take_note" handler bound to one session.
func makeTakeHandler(store Store, sessionID string) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		text, _ := tool.StringArg(args, "text")
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, fmt.Errorf("notes: take_note: text must not be empty")
		}
		if err := store.AppendNote(ctx, sessionID, text); err != nil {
			return nil, fmt.Errorf("notes: take_note: %w", err)
		}
		return TakeResult{Stored: true, Length: len(text)}, nil
	}
}

// makeRecallHandler returns the "recall_notes" handler bound to one session.
func makeRecallHandler(store Store, sessionID string) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := tool.StringArg(args, "query")
		limit, ok := tool.IntArg(args, "limit")
		if !ok || limit <= 0 {
			limit = defaultRecallLimit
		}

		notes, err := store.SearchNotes(ctx, sessionID, query, limit)
		if err != nil {
			return nil, fmt.Errorf("notes: recall_notes: %w", err)
		}
		if notes == nil {
			notes = []string{}
		}
		return RecallResult{Query: query, Notes: notes}, nil
	}
}

// NewTools constructs the note tools bound to one session's chronicle.
func NewTools(store Store, sessionID string) ([]tool.Tool, error) {
	if store == nil {
		return nil, fmt.Errorf("notes: store must not be nil")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("notes: sessionID must not be empty")
	}

	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "take_note",
				Description: "Save a note to the session chronicle so it can be recalled later. Use this to remember rulings, NPC details, or plot threads.",
				Params: []tool.Param{
					{
						Name:        "text",
						Type:        "string",
						Description: "The note to remember.",
						Required:    true,
					},
				},
				Returns: "object with stored and length",
			},
			Fn: makeTakeHandler(store, sessionID),
		},
		tool.Func{
			Spec: tool.Schema{
				Name:        "recall_notes",
				Description: "Search the session's saved notes by keyword and return the closest matches, newest first. An empty query returns the most recent notes.",
				Params: []tool.Param{
					{
						Name:        "query",
						Type:        "string",
						Description: "Keyword to search for. Leave empty for the newest notes.",
						Default:     "",
					},
					{
						Name:        "limit",
						Type:        "integer",
						Description: "Maximum number of notes to return.",
						Default:     defaultRecallLimit,
					},
				},
				Returns: "object with query and notes",
			},
			Fn: makeRecallHandler(store, sessionID),
		},
	}, nil
}
