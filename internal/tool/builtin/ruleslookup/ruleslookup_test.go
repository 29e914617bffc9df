package ruleslookup

import (
	"context"
	"strings"
	"testing"
)

// TestSearchRules_ByName verifies keyword matches on rule names.
func TestSearchRules_ByName(t *testing.T) {
	t.Parallel()

	out, err := searchRulesHandler(context.Background(), map[string]any{"query": "grappling"})
	if err != nil {
		t.Fatalf("search_rules unexpected error: %v", err)
	}
	matches := out.([]Rule)
	if len(matches) == 0 {
		t.Fatal("search for 'grappling' returned no rules")
	}
	if matches[0].ID != "combat-grapple" {
		t.Errorf("first match = %q, want combat-grapple", matches[0].ID)
	}
}

// TestSearchRules_ByText verifies keyword matches inside rule text.
func TestSearchRules_ByText(t *testing.T) {
	t.Parallel()

	out, err := searchRulesHandler(context.Background(), map[string]any{"query": "hit dice"})
	if err != nil {
		t.Fatalf("search_rules unexpected error: %v", err)
	}
	matches := out.([]Rule)
	if len(matches) == 0 {
		t.Fatal("search for 'hit dice' returned no rules")
	}
	for _, m := range matches {
		text := strings.ToLower(m.Name + " " + m.Text)
		if !strings.Contains(text, "hit dice") {
			t.Errorf("rule %q does not mention the query", m.ID)
		}
	}
}

// TestSearchRules_SystemFilter verifies cross-system filtering.
func TestSearchRules_SystemFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	out, err := searchRulesHandler(ctx, map[string]any{"query": "action", "system": "pf2e"})
	if err != nil {
		t.Fatalf("search_rules unexpected error: %v", err)
	}
	for _, m := range out.([]Rule) {
		if m.System != "pf2e" {
			t.Errorf("rule %q has system %q, want pf2e only", m.ID, m.System)
		}
	}

	// The same query unfiltered spans systems.
	out, err = searchRulesHandler(ctx, map[string]any{"query": "action"})
	if err != nil {
		t.Fatalf("search_rules unexpected error: %v", err)
	}
	systems := map[string]bool{}
	for _, m := range out.([]Rule) {
		systems[m.System] = true
	}
	if !systems["dnd5e"] || !systems["pf2e"] {
		t.Errorf("unfiltered search systems = %v, want both dnd5e and pf2e", systems)
	}
}

// TestSearchRules_Limit verifies the result cap.
func TestSearchRules_Limit(t *testing.T) {
	t.Parallel()

	out, err := searchRulesHandler(context.Background(), map[string]any{"query": "a", "limit": 3})
	if err != nil {
		t.Fatalf("search_rules unexpected error: %v", err)
	}
	if got := len(out.([]Rule)); got != 3 {
		t.Errorf("got %d results, want limit of 3", got)
	}
}

// TestSearchRules_NoMatches verifies an empty (non-nil) result slice.
func TestSearchRules_NoMatches(t *testing.T) {
	t.Parallel()

	out, err := searchRulesHandler(context.Background(), map[string]any{"query": "zzz-no-such-rule"})
	if err != nil {
		t.Fatalf("search_rules unexpected error: %v", err)
	}
	matches, ok := out.([]Rule)
	if !ok || matches == nil {
		t.Fatalf("result = %#v, want empty non-nil []Rule", out)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want 0", len(matches))
	}
}

// TestSearchRules_EmptyQuery verifies rejection of an empty query.
func TestSearchRules_EmptyQuery(t *testing.T) {
	t.Parallel()

	if _, err := searchRulesHandler(context.Background(), map[string]any{"query": ""}); err == nil {
		t.Error("empty query expected error, got nil")
	}
}

// TestGetRule verifies lookup by ID and the not-found path.
func TestGetRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	out, err := getRuleHandler(ctx, map[string]any{"id": "magic-concentration"})
	if err != nil {
		t.Fatalf("get_rule unexpected error: %v", err)
	}
	rule := out.(Rule)
	if rule.Name != "Concentration" {
		t.Errorf("Name = %q, want Concentration", rule.Name)
	}

	if _, err := getRuleHandler(ctx, map[string]any{"id": "no-such-rule"}); err == nil {
		t.Error("unknown id expected error, got nil")
	}
	if _, err := getRuleHandler(ctx, map[string]any{}); err == nil {
		t.Error("missing id expected error, got nil")
	}
}

// TestDatasetIntegrity verifies IDs are unique and entries are complete.
func TestDatasetIntegrity(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, r := range embeddedRules {
		if r.ID == "" || r.Name == "" || r.Category == "" || r.System == "" || r.Text == "" {
			t.Errorf("rule %+v has empty fields", r)
		}
		if seen[r.ID] {
			t.Errorf("duplicate rule ID %q", r.ID)
		}
		seen[r.ID] = true
	}
	if len(rulesByID) != len(embeddedRules) {
		t.Errorf("rulesByID has %d entries, want %d", len(rulesByID), len(embeddedRules))
	}
}

// TestTools verifies the exported tool set.
func TestTools(t *testing.T) {
	t.Parallel()
	ts := Tools()
	if len(ts) != 2 {
		t.Fatalf("Tools() returned %d tools, want 2", len(ts))
	}
	for _, tl := range ts {
		s := tl.Schema()
		if err := s.Validate(); err != nil {
			t.Errorf("tool %q has invalid schema: %v", s.Name, err)
		}
		if !s.Idempotent || s.CacheTTL <= 0 {
			t.Errorf("tool %q should be idempotent with a cache TTL", s.Name)
		}
	}
}
