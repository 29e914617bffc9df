package reasoning

import (
	"regexp"
	"strconv"
	"strings"
)

// confidencePattern matches a "(confidence: 0.8)" annotation anywhere in a
// thought. Engines ask for the annotation at the end of each idea, but
// models decorate freely.
var confidencePattern = regexp.MustCompile(`(?i)\(\s*confidence:\s*([0-9]*\.?[0-9]+)\s*\)`)

// listItemPattern matches one numbered or bulleted list line, capturing the
// item text.
var listItemPattern = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.*\S)\s*$`)

// parseConfidence strips the first confidence annotation from s and returns
// the cleaned text, the score clamped to [0, 1], and whether an annotation
// was present.
func parseConfidence(s string) (string, float64, bool) {
	loc := confidencePattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return strings.TrimSpace(s), 0, false
	}
	score, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
	if err != nil {
		return strings.TrimSpace(s), 0, false
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	cleaned := strings.TrimSpace(s[:loc[0]] + s[loc[1]:])
	return cleaned, score, true
}

// parseList extracts numbered or bulleted items from a model response, up to
// max items (0 means unlimited). Responses without list formatting yield nil.
func parseList(text string, max int) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		m := listItemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		items = append(items, strings.TrimSpace(m[1]))
		if max > 0 && len(items) == max {
			break
		}
	}
	return items
}

// branch is one scored idea parsed from an expansion response.
type branch struct {
	content    string
	confidence float64
}

// parseBranches extracts up to max scored ideas from a model response. Items
// without an annotation score 0.5. A response without any list formatting
// collapses into a single branch so one unformatted idea is not lost.
func parseBranches(text string, max int) []branch {
	var out []branch
	for _, item := range parseList(text, max) {
		content, confidence, ok := parseConfidence(item)
		if !ok {
			confidence = 0.5
		}
		if content == "" {
			continue
		}
		out = append(out, branch{content: content, confidence: confidence})
	}
	if len(out) == 0 {
		content, confidence, ok := parseConfidence(strings.TrimSpace(text))
		if !ok {
			confidence = 0.5
		}
		if content != "" {
			out = append(out, branch{content: content, confidence: confidence})
		}
	}
	return out
}
