package react

import (
	"fmt"
	"regexp"
	"strings"
)

// Section keys used by the parser and the Found diagnostics map.
const (
	sectionThought     = "thought"
	sectionAction      = "action"
	sectionActionInput = "action_input"
	sectionFinalAnswer = "final_answer"
)

// Parsed is the structured form of one model turn in the
// Thought/Action/Observation protocol.
type Parsed struct {
	// Thought is the reasoning text preceding an action or final answer.
	Thought string

	// HasAction is true when the turn requests a tool call.
	HasAction bool

	// Action is the requested tool name.
	Action string

	// ActionInput is the raw argument text following "Action Input:".
	ActionInput string

	// IsFinalAnswer is true when the turn concludes the task.
	IsFinalAnswer bool

	// FinalAnswer is the concluding answer text.
	FinalAnswer string

	// IsMalformed is true when no usable section combination was detected.
	IsMalformed bool

	// Found records which section headers were detected, keyed by "thought",
	// "action", "action_input" and "final_answer". FormatFeedback uses it to
	// tell the model exactly what was missing.
	Found map[string]bool
}

var (
	// Header patterns tolerate common markdown decoration around the section
	// keyword: "**Action:**", "### Thought:", "> Final Answer:".
	thoughtHeader     = regexp.MustCompile("^[#>\\s*_`-]*Thought[*_`]*\\s*:")
	actionHeader      = regexp.MustCompile("^[#>\\s*_`-]*Action[*_`]*\\s*:")
	actionInputHeader = regexp.MustCompile("^[#>\\s*_`-]*Action\\s+Input[*_`]*\\s*:")
	finalAnswerHeader = regexp.MustCompile("^[#>\\s*_`-]*Final\\s+Answer[*_`]*\\s*:")

	// Mid-line patterns match a header after a sentence boundary, for turns
	// where the model keeps writing instead of breaking the line.
	midlineAction      = regexp.MustCompile("[.!?][`\\s*]*Action:")
	midlineActionInput = regexp.MustCompile("[.!?][`\\s*]*Action Input:")
	midlineFinalAnswer = regexp.MustCompile("[.!?][`\\s*]*Final Answer:")

	// toolNamePattern accepts plain identifiers plus the dots and dashes
	// that appear in MCP-mounted tool names.
	toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

	// Recovery patterns used by recoverAction.
	recoverActionColon = regexp.MustCompile(`(?i)\bAction:`)
	recoverActionWord  = regexp.MustCompile(`(?i)\bAction(?:\s|$)`)
	recoverActionInput = regexp.MustCompile(`(?i)Action Input:`)
)

var headerPatterns = map[string]*regexp.Regexp{
	sectionThought:     thoughtHeader,
	sectionAction:      actionHeader,
	sectionActionInput: actionInputHeader,
	sectionFinalAnswer: finalAnswerHeader,
}

// Parse decomposes one model turn into its protocol sections. It is forgiving
// by intent: decorated headers, mid-line headers after a sentence boundary,
// and an Action Input whose Action line went missing are all recovered before
// the turn is declared malformed.
func Parse(text string) *Parsed {
	if strings.TrimSpace(text) == "" {
		return &Parsed{
			IsMalformed: true,
			Found: map[string]bool{
				sectionThought: false, sectionAction: false,
				sectionActionInput: false, sectionFinalAnswer: false,
			},
		}
	}

	sections := extractSections(text)
	found := map[string]bool{
		sectionThought:     sections[sectionThought] != nil,
		sectionAction:      sections[sectionAction] != nil,
		sectionActionInput: sections[sectionActionInput] != nil,
		sectionFinalAnswer: sections[sectionFinalAnswer] != nil,
	}

	action := strings.Trim(strings.TrimSpace(deref(sections[sectionAction])), "`*")
	input := sections[sectionActionInput]

	// An action together with its input wins over a final answer in the same
	// turn: a real conclusion never asks for another tool call.
	if action != "" && input != nil {
		return &Parsed{
			HasAction:   true,
			Thought:     deref(sections[sectionThought]),
			Action:      action,
			ActionInput: deref(input),
			Found:       found,
		}
	}

	if fa := deref(sections[sectionFinalAnswer]); fa != "" {
		return &Parsed{
			IsFinalAnswer: true,
			Thought:       deref(sections[sectionThought]),
			FinalAnswer:   fa,
			Found:         found,
		}
	}

	return &Parsed{
		IsMalformed: true,
		Thought:     deref(sections[sectionThought]),
		Found:       found,
	}
}

// extractSections walks the turn line by line, tracking which section each
// line belongs to. Unseen sections stay nil in the returned map.
func extractSections(text string) map[string]*string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	parsed := map[string]*string{
		sectionThought: nil, sectionAction: nil,
		sectionActionInput: nil, sectionFinalAnswer: nil,
	}

	var current string
	var content []string
	found := map[string]bool{}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if line == "" && current == "" {
			continue
		}

		// A hallucinated observation means the model started inventing tool
		// results; everything after it is untrustworthy.
		if strings.HasPrefix(line, "Observation:") {
			finalize(parsed, current, content)
			current, content = "", nil
			break
		}

		switch {
		case isSectionHeader(line, sectionFinalAnswer, found):
			// Capture any thought fragment preceding a mid-line final answer.
			if current == sectionThought {
				if before, _, ok := splitAt(line, midlineFinalAnswer, "Final Answer:"); ok && before != "" {
					content = append(content, before)
				}
			}
			finalize(parsed, current, content)
			current = sectionFinalAnswer
			found[sectionFinalAnswer] = true
			content = []string{sectionContent(line, sectionFinalAnswer, "Final Answer:")}

		case isSectionHeader(line, sectionThought, found):
			finalize(parsed, current, content)
			found[sectionThought] = true
			rest, hasColon := headerSpan(line, sectionThought)
			switch {
			case !hasColon:
				// Bare "Thought" header; content starts on the next line.
				current, content = sectionThought, []string{}
			case hasMidline(rest, midlineFinalAnswer, "Final Answer:") && !found[sectionFinalAnswer]:
				before, after, _ := splitAt(rest, midlineFinalAnswer, "Final Answer:")
				setSection(parsed, sectionThought, before)
				setSection(parsed, sectionFinalAnswer, after)
				found[sectionFinalAnswer] = true
				current, content = sectionFinalAnswer, []string{after}
			case hasMidline(rest, midlineAction, "Action:"):
				before, after, _ := splitAt(rest, midlineAction, "Action:")
				setSection(parsed, sectionThought, before)
				setSection(parsed, sectionAction, after)
				found[sectionAction] = true
				current, content = "", nil
			default:
				current, content = sectionThought, []string{rest}
			}

		case isSectionHeader(line, sectionActionInput, found):
			finalize(parsed, current, content)
			current = sectionActionInput
			found[sectionActionInput] = true
			content = []string{sectionContent(line, sectionActionInput, "Action Input:")}

		case isSectionHeader(line, sectionAction, found):
			finalize(parsed, current, content)
			current = sectionAction
			found[sectionAction] = true
			// A fresh action opens a fresh input slot.
			delete(found, sectionActionInput)
			content = []string{sectionContent(line, sectionAction, "Action:")}

		default:
			if current == "" {
				continue
			}
			if current == sectionThought && !found[sectionFinalAnswer] {
				if before, after, ok := splitAt(line, midlineFinalAnswer, "Final Answer:"); ok {
					if before != "" {
						content = append(content, before)
					}
					finalize(parsed, current, content)
					setSection(parsed, sectionFinalAnswer, after)
					found[sectionFinalAnswer] = true
					current, content = sectionFinalAnswer, []string{after}
					continue
				}
			}
			content = append(content, line)
		}
	}

	finalize(parsed, current, content)

	// An input without its action usually means the action landed on a
	// decorated or merged line the pass above missed; scan backwards for it.
	if parsed[sectionActionInput] != nil && parsed[sectionAction] == nil {
		if name := recoverAction(text); name != "" {
			setSection(parsed, sectionAction, name)
		}
	}

	return parsed
}

// isSectionHeader reports whether the line opens the given section. Detection
// is tiered: a possibly decorated header at line start, the headerless
// "Thought" form, then a mid-line header after a sentence boundary. Only the
// first Final Answer counts.
func isSectionHeader(line, section string, found map[string]bool) bool {
	if line == "" {
		return false
	}
	if section == sectionFinalAnswer && found[sectionFinalAnswer] {
		return false
	}

	if _, ok := headerSpan(line, section); ok {
		return true
	}
	if section == sectionThought && bareThought(line) {
		return true
	}

	switch section {
	case sectionFinalAnswer:
		// Mid-line final answers are honoured unless the line opens another
		// section, which the dedicated branches handle first.
		if opensOtherSection(line) {
			return false
		}
		return hasMidline(line, midlineFinalAnswer, "Final Answer:")
	case sectionAction:
		return hasMidline(line, midlineAction, "Action:")
	case sectionActionInput:
		return found[sectionAction] && hasMidline(line, midlineActionInput, "Action Input:")
	}
	return false
}

// opensOtherSection reports whether the line starts with a non-final-answer
// header, including the headerless "Thought" form.
func opensOtherSection(line string) bool {
	for _, section := range []string{sectionThought, sectionAction, sectionActionInput} {
		if _, ok := headerSpan(line, section); ok {
			return true
		}
	}
	return bareThought(line) || strings.HasPrefix(line, "Thought ")
}

// headerSpan returns the content following a section header at the start of
// the line, with any markdown decoration around the header stripped.
func headerSpan(line, section string) (string, bool) {
	loc := headerPatterns[section].FindStringIndex(line)
	if loc == nil {
		return "", false
	}
	rest := strings.TrimSpace(line[loc[1]:])
	if strings.ContainsAny(line[:loc[1]], "*_`") {
		// The header itself was decorated; drop the closing markup that
		// lands at the start of the content ("**Action:** roll").
		for _, mark := range []string{"**", "__", "`"} {
			rest = strings.TrimPrefix(rest, mark)
		}
		rest = strings.TrimSpace(rest)
	}
	return rest, true
}

// bareThought reports whether the line is a "Thought" header with no colon,
// whose content then starts on the following line.
func bareThought(line string) bool {
	return strings.Trim(line, "#>*_` ") == "Thought"
}

// hasMidline reports whether the literal header occurs in text after a
// sentence boundary.
func hasMidline(text string, pat *regexp.Regexp, header string) bool {
	return strings.Contains(text, header) && pat.MatchString(text)
}

// splitAt cuts the line at the first mid-line header match, returning the
// text before the boundary (with its sentence terminator) and the section
// content after the header.
func splitAt(line string, pat *regexp.Regexp, header string) (before, after string, ok bool) {
	loc := pat.FindStringIndex(line)
	if loc == nil {
		return "", "", false
	}
	before = strings.TrimSpace(line[:loc[0]+1])
	rest := line[loc[0]+1:]
	if idx := strings.Index(rest, header); idx != -1 {
		after = strings.TrimSpace(rest[idx+len(header):])
	}
	return before, after, true
}

// sectionContent extracts the content of a header line, whether the header
// opened the line or appeared mid-line.
func sectionContent(line, section, header string) string {
	if rest, ok := headerSpan(line, section); ok {
		return rest
	}
	if idx := strings.Index(line, header); idx != -1 {
		return strings.TrimSpace(line[idx+len(header):])
	}
	return ""
}

// finalize stores accumulated content lines into the current section. Empty
// accumulations never overwrite earlier non-empty content.
func finalize(parsed map[string]*string, section string, content []string) {
	if section == "" || content == nil {
		return
	}
	text := strings.TrimSpace(strings.Join(content, "\n"))
	if text != "" || parsed[section] == nil {
		parsed[section] = &text
	}
}

func setSection(parsed map[string]*string, section, value string) {
	parsed[section] = &value
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// recoverAction scans backwards from "Action Input:" for an action header
// whose tool name the line-oriented pass missed.
func recoverAction(text string) string {
	loc := recoverActionInput.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	before := text[:loc[0]]

	// "Action:" first, then the bare word as a weaker fallback.
	for _, pat := range []*regexp.Regexp{recoverActionColon, recoverActionWord} {
		matches := pat.FindAllStringIndex(before, -1)
		if len(matches) == 0 {
			continue
		}
		last := matches[len(matches)-1]
		if name := firstToolName(before[last[1]:]); name != "" {
			return name
		}
	}
	return ""
}

// firstToolName returns the first line of text when it looks like a tool
// name, "" otherwise.
func firstToolName(text string) string {
	first := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	first = strings.Trim(first, "`*")
	if toolNamePattern.MatchString(first) {
		return first
	}
	return ""
}

// FormatFeedback describes what is wrong with a malformed turn so the model
// can correct itself on the next iteration.
func FormatFeedback(p *Parsed) string {
	var msg string
	switch {
	case p.Found[sectionAction] && !p.Found[sectionActionInput]:
		msg = "FORMAT ERROR: the response has \"Action:\" but no \"Action Input:\".\n" +
			"Every \"Action:\" must be followed by an \"Action Input:\" line, even when the tool takes no arguments."
	case p.Found[sectionActionInput] && !p.Found[sectionAction]:
		msg = "FORMAT ERROR: the response has \"Action Input:\" but no \"Action:\".\n" +
			"Name the tool on an \"Action:\" line before its input."
	case p.Found[sectionThought] && !p.Found[sectionAction] && !p.Found[sectionFinalAnswer]:
		msg = "FORMAT ERROR: the response only contains \"Thought:\".\n" +
			"After reasoning, either call a tool (\"Action:\" and \"Action Input:\") or conclude with \"Final Answer:\"."
	case !p.Found[sectionThought] && !p.Found[sectionAction] && !p.Found[sectionFinalAnswer]:
		msg = "FORMAT ERROR: no recognisable sections in the response.\n" +
			"Use the exact headers \"Thought:\", \"Action:\", \"Action Input:\" and \"Final Answer:\"."
	default:
		order := []string{sectionThought, sectionAction, sectionActionInput, sectionFinalAnswer}
		var have, missing []string
		for _, k := range order {
			if p.Found[k] {
				have = append(have, k)
			} else {
				missing = append(missing, k)
			}
		}
		msg = fmt.Sprintf("FORMAT ERROR: incomplete response.\nFound: %s\nMissing: %s",
			strings.Join(have, ", "), strings.Join(missing, ", "))
	}
	return msg + "\n\n" + formatReminder
}

// formatReminder restates the wire format after any format error.
const formatReminder = `Follow the exact format:

Thought: your reasoning
Action: tool name
Action Input: JSON arguments (leave empty for tools without parameters)

Stop after "Action Input:"; the observation is appended for you.

To conclude instead:

Thought: your final reasoning
Final Answer: your complete answer`

// ExtractForcedConclusion pulls the best available answer out of a turn that
// was demanded to conclude, falling back to the thought when the model
// skipped the Final Answer header.
func ExtractForcedConclusion(p *Parsed) string {
	if p.IsFinalAnswer && p.FinalAnswer != "" {
		return p.FinalAnswer
	}
	return p.Thought
}
