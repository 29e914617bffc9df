// Package ruleslookup provides built-in tools for searching and retrieving
// game rules from an embedded dataset. The dataset is stored in-process (no
// external I/O) and supports simple keyword search across multiple game
// systems.
//
// Two tools are exported via [Tools]:
//   - "search_rules" — keyword search across rules by name and text.
//   - "get_rule"     — retrieve a specific rule by its unique ID.
//
// All handlers are safe for concurrent use.
package ruleslookup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
)

// defaultLimit caps search_rules results when the caller does not say.
const defaultLimit = 10

// searchRulesHandler implements the "search_rules" tool. It matches the
// query against rule names and text using case-insensitive substring
// matching, optionally filtered by game system.
func searchRulesHandler(_ context.Context, args map[string]any) (any, error) {
	query, _ := tool.StringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("rules: search_rules: query must not be empty")
	}
	system, _ := tool.StringArg(args, "system")
	limit, ok := tool.IntArg(args, "limit")
	if !ok || limit <= 0 {
		limit = defaultLimit
	}

	queryLower := strings.ToLower(query)
	systemLower := strings.ToLower(system)

	matches := []Rule{} // empty slice, not nil, so JSON renders []
	for _, r := range embeddedRules {
		if systemLower != "" && strings.ToLower(r.System) != systemLower {
			continue
		}
		if strings.Contains(strings.ToLower(r.Name), queryLower) ||
			strings.Contains(strings.ToLower(r.Text), queryLower) {
			matches = append(matches, r)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

// getRuleHandler implements the "get_rule" tool.
func getRuleHandler(_ context.Context, args map[string]any) (any, error) {
	id, _ := tool.StringArg(args, "id")
	if id == "" {
		return nil, fmt.Errorf("rules: get_rule: id must not be empty")
	}

	rule, ok := rulesByID[id]
	if !ok {
		return nil, fmt.Errorf("rules: get_rule: rule %q not found", id)
	}
	return rule, nil
}

// Tools returns the rules-lookup tools ready for registration.
//
// The returned tools are:
//   - "search_rules": keyword search across the embedded rule set.
//   - "get_rule": retrieve a specific rule by ID.
func Tools() []tool.Tool {
	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "search_rules",
				Description: "Search the embedded rule database by keyword. Returns matching rules with their name, category, and full text. Optionally restrict the search to one game system.",
				Params: []tool.Param{
					{
						Name:        "query",
						Type:        "string",
						Description: "Keyword or phrase to search for across rule names and descriptions.",
						Required:    true,
					},
					{
						Name:        "system",
						Type:        "string",
						Description: "Game system to filter by (e.g. dnd5e, pf2e). Omit to search all systems.",
					},
					{
						Name:        "limit",
						Type:        "integer",
						Description: "Maximum number of results to return.",
						Default:     defaultLimit,
					},
				},
				Returns:    "array of rule objects",
				Idempotent: true,
				CacheTTL:   5 * time.Minute,
			},
			Fn: searchRulesHandler,
		},
		tool.Func{
			Spec: tool.Schema{
				Name:        "get_rule",
				Description: "Retrieve a specific game rule by its unique ID from the embedded database. Use search_rules first to discover rule IDs.",
				Params: []tool.Param{
					{
						Name:        "id",
						Type:        "string",
						Description: "The unique rule ID to retrieve (e.g. combat-grapple, magic-concentration).",
						Required:    true,
					},
				},
				Returns:    "a single rule object",
				Idempotent: true,
				CacheTTL:   time.Hour,
			},
			Fn: getRuleHandler,
		},
	}
}
