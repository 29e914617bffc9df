package react

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseActionInput converts raw Action Input text into a tool argument map.
// Three attempts, in order: a strict JSON object, a literal evaluator for
// Python-style maps ('single quotes', True/False/None), and finally the whole
// text under a "raw_input" key. The evaluator understands data only — names,
// calls and operators are rejected, so untrusted model output cannot make
// anything happen.
func ParseActionInput(text string) map[string]any {
	trimmed := stripFence(strings.TrimSpace(text))
	if trimmed == "" {
		return map[string]any{}
	}

	if strings.HasPrefix(trimmed, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
			return args
		}
		if v, err := parseLiteral(trimmed); err == nil {
			if m, ok := v.(map[string]any); ok {
				return m
			}
		}
	}
	return map[string]any{"raw_input": trimmed}
}

// stripFence removes a wrapping markdown code fence, with or without a
// language tag on the opening line.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body, ok := strings.CutSuffix(s, "```")
	if !ok {
		return s
	}
	body = strings.TrimPrefix(body, "```")
	if i := strings.IndexByte(body, '\n'); i != -1 {
		if first := strings.TrimSpace(body[:i]); first == "" || isLanguageTag(first) {
			body = body[i+1:]
		}
	}
	return strings.TrimSpace(body)
}

// isLanguageTag reports whether s looks like a fence language tag ("json").
func isLanguageTag(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// parseLiteral evaluates a restricted literal grammar: maps, arrays, quoted
// strings (single or double), numbers, booleans and null, accepting the
// Python spellings True, False and None. The whole input must be consumed by
// a single value.
func parseLiteral(text string) (any, error) {
	p := &literalParser{src: []rune(text)}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.done() {
		return nil, fmt.Errorf("react: trailing characters at offset %d", p.pos)
	}
	return v, nil
}

// literalParser is a recursive-descent parser over the input runes.
type literalParser struct {
	src []rune
	pos int
}

func (p *literalParser) done() bool { return p.pos >= len(p.src) }

// peek returns the current rune, or 0 at end of input.
func (p *literalParser) peek() rune {
	if p.done() {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) skipSpace() {
	for !p.done() && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *literalParser) value() (any, error) {
	p.skipSpace()
	if p.done() {
		return nil, fmt.Errorf("react: unexpected end of input")
	}
	switch c := p.peek(); {
	case c == '{':
		return p.mapValue()
	case c == '[':
		return p.arrayValue()
	case c == '\'' || c == '"':
		return p.stringValue(c)
	case c == '-' || c == '+' || c == '.' || unicode.IsDigit(c):
		return p.numberValue()
	case unicode.IsLetter(c):
		return p.wordValue()
	default:
		return nil, fmt.Errorf("react: unexpected character %q at offset %d", c, p.pos)
	}
}

func (p *literalParser) mapValue() (any, error) {
	p.pos++ // consume '{'
	out := map[string]any{}
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		return out, nil
	}
	for {
		p.skipSpace()
		key, err := p.keyValue()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, fmt.Errorf("react: expected ':' after key %q at offset %d", key, p.pos)
		}
		p.pos++
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[key] = v
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
			p.skipSpace()
			if p.peek() == '}' { // trailing comma
				p.pos++
				return out, nil
			}
		case '}':
			p.pos++
			return out, nil
		default:
			return nil, fmt.Errorf("react: expected ',' or '}' at offset %d", p.pos)
		}
	}
}

// keyValue parses a map key: a quoted string or a bare identifier.
func (p *literalParser) keyValue() (string, error) {
	switch c := p.peek(); {
	case c == '\'' || c == '"':
		return p.stringValue(c)
	case unicode.IsLetter(c) || c == '_':
		start := p.pos
		for !p.done() && (unicode.IsLetter(p.src[p.pos]) || unicode.IsDigit(p.src[p.pos]) || p.src[p.pos] == '_') {
			p.pos++
		}
		return string(p.src[start:p.pos]), nil
	default:
		return "", fmt.Errorf("react: invalid map key at offset %d", p.pos)
	}
}

func (p *literalParser) arrayValue() (any, error) {
	p.pos++ // consume '['
	out := []any{}
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		return out, nil
	}
	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
			p.skipSpace()
			if p.peek() == ']' { // trailing comma
				p.pos++
				return out, nil
			}
		case ']':
			p.pos++
			return out, nil
		default:
			return nil, fmt.Errorf("react: expected ',' or ']' at offset %d", p.pos)
		}
	}
}

func (p *literalParser) stringValue(quote rune) (string, error) {
	p.pos++ // consume opening quote
	var b strings.Builder
	for !p.done() {
		c := p.src[p.pos]
		p.pos++
		switch c {
		case quote:
			return b.String(), nil
		case '\\':
			if p.done() {
				return "", fmt.Errorf("react: unterminated escape at offset %d", p.pos)
			}
			e := p.src[p.pos]
			p.pos++
			switch e {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			default:
				// \', \", \\ and anything else keep the escaped rune.
				b.WriteRune(e)
			}
		default:
			b.WriteRune(c)
		}
	}
	return "", fmt.Errorf("react: unterminated string")
}

// numberValue parses a number into float64, matching how encoding/json
// represents numbers in a map[string]any.
func (p *literalParser) numberValue() (any, error) {
	start := p.pos
	for !p.done() {
		c := p.src[p.pos]
		if unicode.IsDigit(c) || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	n, err := strconv.ParseFloat(string(p.src[start:p.pos]), 64)
	if err != nil {
		return nil, fmt.Errorf("react: bad number at offset %d", start)
	}
	return n, nil
}

// wordValue accepts the boolean and null spellings of both JSON and Python.
func (p *literalParser) wordValue() (any, error) {
	start := p.pos
	for !p.done() && unicode.IsLetter(p.src[p.pos]) {
		p.pos++
	}
	switch word := string(p.src[start:p.pos]); strings.ToLower(word) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("react: unknown literal %q at offset %d", word, start)
	}
}
