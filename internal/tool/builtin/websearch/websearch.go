// Package websearch provides a built-in web-search tool. The current
// implementation is an offline stub: it synthesizes deterministic results
// from the query so agent flows that depend on the tool's shape keep working
// without network access. Swapping in a real search backend only changes the
// handler.
package websearch

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
)

// defaultMaxResults caps results when the caller does not say.
const defaultMaxResults = 3

// SearchResult is one synthesized search hit.
type SearchResult struct {
	// Title is the result headline.
	Title string `json:"title"`

	// URL is a stable, clearly synthetic address for the result.
	URL string `json:"url"`

	// Snippet is a short summary of the supposed page.
	Snippet string `json:"snippet"`
}

// domains are rotated per result so output looks varied but stays
// deterministic for a given query.
var domains = []string{
	"arcane-archive.example",
	"lorekeeper.example",
	"tabletop-compendium.example",
	"scrollworks.example",
	"gm-almanac.example",
}

// searchHandler implements the "web_search" tool.
func searchHandler(_ context.Context, args map[string]any) (any, error) {
	query, _ := tool.StringArg(args, "query")
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("websearch: query must not be empty")
	}
	maxResults, ok := tool.IntArg(args, "max_results")
	if !ok || maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if maxResults > 10 {
		maxResults = 10
	}

	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(query)))
	seed := h.Sum32()

	slug := slugify(query)
	results := make([]SearchResult, maxResults)
	for i := range results {
		domain := domains[(int(seed)+i)%len(domains)]
		results[i] = SearchResult{
			Title:   fmt.Sprintf("%s — reference %d", query, i+1),
			URL:     fmt.Sprintf("https://%s/%s/%d", domain, slug, i+1),
			Snippet: fmt.Sprintf("Summary of %q from %s, entry %d of %d.", query, domain, i+1, maxResults),
		}
	}
	return results, nil
}

// slugify reduces a query to a URL path segment.
func slugify(q string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(q) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "query"
	}
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}

// Tools returns the web-search tool ready for registration.
func Tools() []tool.Tool {
	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "web_search",
				Description: "Search the web and return result titles, URLs, and snippets. Results are currently synthesized offline and should be treated as placeholders.",
				Params: []tool.Param{
					{
						Name:        "query",
						Type:        "string",
						Description: "Search query.",
						Required:    true,
					},
					{
						Name:        "max_results",
						Type:        "integer",
						Description: "Maximum number of results, up to 10.",
						Default:     defaultMaxResults,
					},
				},
				Returns:    "array of search results",
				Idempotent: true,
				CacheTTL:   5 * time.Minute,
			},
			Fn: searchHandler,
		},
	}
}
