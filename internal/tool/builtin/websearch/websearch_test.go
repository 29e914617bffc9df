package websearch

import (
	"context"
	"strings"
	"testing"
)

// TestSearchHandler verifies shape, determinism, and the result cap.
func TestSearchHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	out, err := searchHandler(ctx, map[string]any{"query": "owlbear lair tactics"})
	if err != nil {
		t.Fatalf("web_search unexpected error: %v", err)
	}
	results := out.([]SearchResult)
	if len(results) != defaultMaxResults {
		t.Fatalf("got %d results, want default %d", len(results), defaultMaxResults)
	}
	for i, r := range results {
		if r.Title == "" || r.Snippet == "" {
			t.Errorf("results[%d] has empty fields: %+v", i, r)
		}
		if !strings.HasPrefix(r.URL, "https://") {
			t.Errorf("results[%d].URL = %q, want https scheme", i, r.URL)
		}
		if !strings.Contains(r.URL, "owlbear-lair-tactics") {
			t.Errorf("results[%d].URL = %q, want slug of the query", i, r.URL)
		}
	}

	// Same query yields identical results.
	again, err := searchHandler(ctx, map[string]any{"query": "owlbear lair tactics"})
	if err != nil {
		t.Fatalf("web_search unexpected error: %v", err)
	}
	for i, r := range again.([]SearchResult) {
		if r != results[i] {
			t.Errorf("results[%d] differs across identical queries: %+v vs %+v", i, r, results[i])
		}
	}
}

// TestSearchHandler_MaxResults verifies the explicit and clamped caps.
func TestSearchHandler_MaxResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	out, err := searchHandler(ctx, map[string]any{"query": "lich phylactery", "max_results": 5})
	if err != nil {
		t.Fatalf("web_search unexpected error: %v", err)
	}
	if got := len(out.([]SearchResult)); got != 5 {
		t.Errorf("got %d results, want 5", got)
	}

	out, err = searchHandler(ctx, map[string]any{"query": "lich phylactery", "max_results": 50})
	if err != nil {
		t.Fatalf("web_search unexpected error: %v", err)
	}
	if got := len(out.([]SearchResult)); got != 10 {
		t.Errorf("got %d results, want clamp at 10", got)
	}
}

// TestSearchHandler_EmptyQuery verifies rejection of blank queries.
func TestSearchHandler_EmptyQuery(t *testing.T) {
	t.Parallel()

	if _, err := searchHandler(context.Background(), map[string]any{"query": "   "}); err == nil {
		t.Error("blank query expected error, got nil")
	}
}

// TestSlugify verifies path-segment normalisation.
func TestSlugify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"Owlbear Lair", "owlbear-lair"},
		{"d&d 5e rules", "dd-5e-rules"},
		{"  spaced  out  ", "spaced--out"},
		{"!!!", "query"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := slugify(tt.in); got != tt.want {
				t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestTools verifies the exported tool set.
func TestTools(t *testing.T) {
	t.Parallel()
	ts := Tools()
	if len(ts) != 1 {
		t.Fatalf("Tools() returned %d tools, want 1", len(ts))
	}
	s := ts[0].Schema()
	if s.Name != "web_search" {
		t.Errorf("tool name = %q, want web_search", s.Name)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("schema invalid: %v", err)
	}
	if !s.Idempotent || s.CacheTTL <= 0 {
		t.Error("web_search should be idempotent with a cache TTL")
	}
}
