// Package calculator provides a built-in tool that evaluates arithmetic
// expressions in a small sandboxed language.
//
// The language supports the operators + - * / % ^, parentheses, unary minus,
// a whitelist of math functions (sqrt, sin, log, ...), and the constants pi,
// e, and tau. There are no variables, no assignments, and no way to reach
// outside the expression, so model-supplied input cannot escape the sandbox.
package calculator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/scribax/internal/tool"
)

// maxDepth bounds expression nesting so a pathological input cannot blow the
// stack.
const maxDepth = 64

// Result is the outcome of evaluating one expression.
type Result struct {
	// Expression is the original input, echoed back to the caller.
	Expression string `json:"expression"`

	// Value is the numeric result.
	Value float64 `json:"value"`
}

// Evaluate parses and evaluates expr, returning its numeric value.
func Evaluate(expr string) (float64, error) {
	p := &parser{input: expr}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("calculator: unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("calculator: result of %q is not a finite number", expr)
	}
	return v, nil
}

// constants holds the named values the language exposes.
var constants = map[string]float64{
	"pi":  math.Pi,
	"e":   math.E,
	"tau": 2 * math.Pi,
}

// unaryFuncs holds the whitelisted one-argument functions.
var unaryFuncs = map[string]func(float64) float64{
	"abs":   math.Abs,
	"ceil":  math.Ceil,
	"floor": math.Floor,
	"round": math.Round,
	"sqrt":  math.Sqrt,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"log":   math.Log,
	"log2":  math.Log2,
	"log10": math.Log10,
	"exp":   math.Exp,
}

// binaryFuncs holds the whitelisted two-argument functions.
var binaryFuncs = map[string]func(float64, float64) float64{
	"pow": math.Pow,
	"min": math.Min,
	"max": math.Max,
}

// parser evaluates during parsing; there is no separate AST.
//
// Grammar:
//
//	expr    := term (('+' | '-') term)*
//	term    := unary (('*' | '/' | '%') unary)*
//	unary   := '-' unary | power
//	power   := primary ('^' unary)?          (right-associative)
//	primary := number | name ['(' args ')'] | '(' expr ')'
type parser struct {
	input string
	pos   int
	depth int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

// peek returns the next significant byte without consuming it, or 0 at the
// end of input.
func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return fmt.Errorf("calculator: expression nests deeper than %d levels", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseExpr() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *parser) parseTerm() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("calculator: division by zero")
			}
			v /= rhs
		case '%':
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("calculator: modulo by zero")
			}
			v = math.Mod(v, rhs)
		default:
			return v, nil
		}
	}
}

func (p *parser) parseUnary() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	// Right-associative: 2^3^2 is 2^(3^2).
	exp, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *parser) parsePrimary() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	c := p.peek()
	switch {
	case c == 0:
		return 0, fmt.Errorf("calculator: unexpected end of expression")

	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("calculator: missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return v, nil

	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()

	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		return p.parseName()

	default:
		return 0, fmt.Errorf("calculator: unexpected %q at position %d", c, p.pos)
	}
}

func (p *parser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c < '0' || c > '9') && c != '.' {
			break
		}
		p.pos++
	}
	text := p.input[start:p.pos]
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("calculator: invalid number %q at position %d", text, start)
	}
	return v, nil
}

// parseName evaluates a constant or a whitelisted function call.
func (p *parser) parseName() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			break
		}
		p.pos++
	}
	name := strings.ToLower(p.input[start:p.pos])

	if p.peek() != '(' {
		v, ok := constants[name]
		if !ok {
			return 0, fmt.Errorf("calculator: unknown constant %q", name)
		}
		return v, nil
	}

	p.pos++ // consume '('
	args, err := p.parseArgs()
	if err != nil {
		return 0, err
	}

	if fn, ok := unaryFuncs[name]; ok {
		if len(args) != 1 {
			return 0, fmt.Errorf("calculator: %s takes 1 argument, got %d", name, len(args))
		}
		return fn(args[0]), nil
	}
	if fn, ok := binaryFuncs[name]; ok {
		if len(args) != 2 {
			return 0, fmt.Errorf("calculator: %s takes 2 arguments, got %d", name, len(args))
		}
		return fn(args[0], args[1]), nil
	}
	return 0, fmt.Errorf("calculator: unknown function %q", name)
}

// parseArgs parses a comma-separated argument list up to the closing
// parenthesis, which it consumes.
func (p *parser) parseArgs() ([]float64, error) {
	var args []float64
	if p.peek() == ')' {
		p.pos++
		return args, nil
	}
	for {
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return args, nil
		default:
			return nil, fmt.Errorf("calculator: expected ',' or ')' at position %d", p.pos)
		}
	}
}

// calculateHandler implements the "calculate" tool.
func calculateHandler(_ context.Context, args map[string]any) (any, error) {
	expr, _ := tool.StringArg(args, "expression")
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("calculator: expression must not be empty")
	}
	v, err := Evaluate(expr)
	if err != nil {
		return nil, err
	}
	return Result{Expression: expr, Value: v}, nil
}

// Tools returns the calculator tool ready for registration.
func Tools() []tool.Tool {
	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "calculate",
				Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, functions such as sqrt, sin, log, min, max, and the constants pi, e, and tau.",
				Params: []tool.Param{
					{
						Name:        "expression",
						Type:        "string",
						Description: "The expression to evaluate, e.g. (3 + 4) * 2 or sqrt(2) / 2",
						Required:    true,
					},
				},
				Returns:    "object with expression and value",
				Idempotent: true,
			},
			Fn: calculateHandler,
		},
	}
}
