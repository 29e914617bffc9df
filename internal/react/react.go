// Package react implements the text-based Thought / Action / Observation
// protocol that lets a language model drive registered tools without native
// function calling.
//
// The [Executor] renders the tool catalogue into a system prompt, then loops:
// ask the model for a turn, decompose it with [Parse], execute the requested
// tool through the tool manager, and feed the observation back. The loop ends
// on a Final Answer, after MaxIterations turns, or when the wall-clock budget
// runs out.
//
// Typical usage:
//
//	exec, err := react.New(router, mgr, react.Config{MaxIterations: 6})
//	if err != nil {
//	    return err
//	}
//	res := exec.Run(ctx, "Roll initiative for the goblin ambush.", nil)
//	if res.OK {
//	    fmt.Println(res.FinalAnswer)
//	}
//
// Tool arguments arrive as free text and are interpreted by
// [ParseActionInput]: strict JSON first, then a safe literal evaluator for
// Python-style maps, finally a raw_input fallback.
package react

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// Chatter is the minimal LLM surface the executor depends on. The model
// scheduler satisfies it, as do test doubles.
type Chatter interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Defaults applied by Config.withDefaults.
const (
	defaultMaxIterations = 10
	defaultTimeout       = 2 * time.Minute
)

// Config tunes one executor.
type Config struct {
	// MaxIterations caps the number of model turns before the executor
	// forces a conclusion. Zero means 10.
	MaxIterations int

	// Timeout is the wall-clock budget for a whole run. Zero means 2m.
	Timeout time.Duration

	// Model pins all turns to a specific model ID. Empty lets the model
	// scheduler choose.
	Model string

	// MaxTokens caps completion tokens per turn. Zero means the provider
	// default.
	MaxTokens int

	// Temperature controls sampling randomness. Zero means the provider
	// default.
	Temperature float64
}

// Validate checks the configuration's own contract.
func (c Config) Validate() error {
	if c.MaxIterations < 0 {
		return fault.New(fault.Validation, "react", "MaxIterations must not be negative")
	}
	if c.Timeout < 0 {
		return fault.New(fault.Validation, "react", "Timeout must not be negative")
	}
	if c.MaxTokens < 0 {
		return fault.New(fault.Validation, "react", "MaxTokens must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxIterations == 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// StepType tags one entry of a run's trace.
type StepType string

// Step types, in the order they typically occur.
const (
	StepThought     StepType = "thought"
	StepAction      StepType = "action"
	StepObservation StepType = "observation"
	StepFinalAnswer StepType = "final_answer"
)

// Step is one tagged entry in the executor's trace.
type Step struct {
	// Type tags the entry.
	Type StepType

	// Content is the entry's text: the thought, the raw action input, the
	// observation, or the final answer.
	Content string

	// Tool is the requested tool name. Set on action steps only.
	Tool string

	// Args is the parsed argument map. Set on action steps only.
	Args map[string]any
}

// Result is the outcome of one executor run.
type Result struct {
	// OK reports whether the run concluded with a final answer inside its
	// iteration and time budget.
	OK bool

	// FinalAnswer is the concluding answer. On iteration exhaustion it may
	// carry a best-effort forced conclusion even though OK is false.
	FinalAnswer string

	// Steps is the ordered trace of the run.
	Steps []Step

	// Iterations is the number of loop turns consumed.
	Iterations int

	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration

	// Err describes why the run failed. nil when OK.
	Err error
}

// Executor runs the protocol loop against one tool manager.
type Executor struct {
	chat  Chatter
	tools *tool.Manager
	cfg   Config
}

// New builds an executor. chat and tools must be non-nil.
func New(chat Chatter, tools *tool.Manager, cfg Config) (*Executor, error) {
	if chat == nil {
		return nil, fault.New(fault.Validation, "react", "chat client must not be nil")
	}
	if tools == nil {
		return nil, fault.New(fault.Validation, "react", "tool manager must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{chat: chat, tools: tools, cfg: cfg.withDefaults()}, nil
}

// Run drives the loop for one task. history carries prior conversation the
// model should see and may be nil. The returned Result always has Steps and
// Elapsed populated, whatever the outcome.
func (e *Executor) Run(ctx context.Context, task string, history []types.Message) Result {
	start := time.Now()
	deadline := start.Add(e.cfg.Timeout)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	messages := make([]types.Message, 0, len(history)+2)
	messages = append(messages, types.Message{Role: "system", Content: e.systemPrompt()})
	messages = append(messages, history...)
	messages = append(messages, types.Message{Role: "user", Content: "Task: " + task + "\n\nBegin.\n\nThought:"})

	var res Result
	var lastErr error
	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		res.Iterations = iter

		if time.Now().After(deadline) {
			res.Elapsed = time.Since(start)
			res.Err = fault.New(fault.Transient, "react", "timeout after %s on turn %d", e.cfg.Timeout, iter)
			return res
		}

		resp, err := e.chat.Chat(runCtx, e.request(messages))
		if err == nil && resp == nil {
			err = fault.New(fault.Internal, "react", "model returned an empty response")
		}
		if err != nil {
			if runCtx.Err() != nil {
				res.Elapsed = time.Since(start)
				if ctx.Err() != nil {
					res.Err = fault.Wrap(fault.Transient, "react", "run cancelled", ctx.Err())
				} else {
					res.Err = fault.New(fault.Transient, "react", "timeout after %s on turn %d", e.cfg.Timeout, iter)
				}
				return res
			}
			// Transient model failure: surface it as an observation and let
			// the model try again on the next turn.
			lastErr = err
			obs := fmt.Sprintf("Observation: Error from previous attempt: %v. Please try again.", err)
			messages = append(messages, types.Message{Role: "user", Content: obs})
			continue
		}
		lastErr = nil

		messages = append(messages, types.Message{Role: "assistant", Content: resp.Content})
		parsed := Parse(resp.Content)

		if parsed.Thought != "" {
			res.Steps = append(res.Steps, Step{Type: StepThought, Content: parsed.Thought})
		}

		switch {
		case parsed.IsFinalAnswer:
			res.Steps = append(res.Steps, Step{Type: StepFinalAnswer, Content: parsed.FinalAnswer})
			res.OK = true
			res.FinalAnswer = parsed.FinalAnswer
			res.Elapsed = time.Since(start)
			return res

		case parsed.HasAction:
			args := ParseActionInput(parsed.ActionInput)
			res.Steps = append(res.Steps, Step{
				Type:    StepAction,
				Content: parsed.ActionInput,
				Tool:    parsed.Action,
				Args:    args,
			})

			call := e.tools.Call(runCtx, parsed.Action, args)
			slog.Debug("react tool call", "tool", parsed.Action, "ok", call.OK, "elapsed", call.Elapsed)
			obs := e.observation(call)
			res.Steps = append(res.Steps, Step{Type: StepObservation, Content: obs})
			messages = append(messages, types.Message{Role: "user", Content: obs})

		default:
			slog.Debug("react turn malformed", "found", parsed.Found)
			messages = append(messages, types.Message{Role: "user", Content: FormatFeedback(parsed)})
		}
	}

	res.Elapsed = time.Since(start)
	if lastErr != nil {
		res.Err = fault.Wrap(fault.Transient, "react",
			fmt.Sprintf("max iterations (%d) reached; last turn failed", e.cfg.MaxIterations), lastErr)
		return res
	}
	res.Err = fault.New(fault.Transient, "react", "max iterations (%d) reached", e.cfg.MaxIterations)

	// Best-effort forced conclusion; the budget failure stands either way.
	if answer := e.forceConclusion(runCtx, messages); answer != "" {
		res.FinalAnswer = answer
		res.Steps = append(res.Steps, Step{Type: StepFinalAnswer, Content: answer})
		res.Elapsed = time.Since(start)
	}
	return res
}

// forcedConclusionPrompt demands a final answer once the loop budget is spent.
const forcedConclusionPrompt = `The tool budget is exhausted. Do not request any more tools. Using only the observations above, respond now with:

Thought: your final reasoning
Final Answer: your complete answer to the task`

// forceConclusion asks for a final answer in one extra turn after the
// iteration budget is spent. Best effort: any failure yields "".
func (e *Executor) forceConclusion(ctx context.Context, messages []types.Message) string {
	messages = append(messages, types.Message{Role: "user", Content: forcedConclusionPrompt})
	resp, err := e.chat.Chat(ctx, e.request(messages))
	if err != nil || resp == nil {
		slog.Debug("react forced conclusion failed", "err", err)
		return ""
	}
	if answer := ExtractForcedConclusion(Parse(resp.Content)); answer != "" {
		return answer
	}
	return strings.TrimSpace(resp.Content)
}

// request assembles the turn request. Messages are cloned so later appends
// cannot alias a request already handed to the model client.
func (e *Executor) request(messages []types.Message) llm.Request {
	return llm.Request{
		Messages:    slices.Clone(messages),
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}
}

// observation renders a tool result for the model. Unknown tools additionally
// get the catalogue names so the model can self-correct.
func (e *Executor) observation(call tool.Result) string {
	if call.OK {
		return "Observation: " + renderValue(call.Value)
	}
	obs := fmt.Sprintf("Observation: Error executing %s: %v", call.Name, call.Err)
	if fault.IsNotFound(call.Err) {
		infos := e.tools.List(tool.Filter{})
		if len(infos) == 0 {
			return obs + "\nNo tools are currently available."
		}
		names := make([]string, len(infos))
		for i, info := range infos {
			names[i] = info.Schema.Name
		}
		obs += "\nAvailable tools: " + strings.Join(names, ", ")
	}
	return obs
}

// renderValue flattens a tool result value into observation text.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "(no output)"
	case string:
		return t
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

// promptPreamble states the wire protocol ahead of the tool catalogue.
const promptPreamble = `You are a game master's assistant that solves tasks step by step, using the available tools when they help.

Respond in exactly this format:

Thought: what you are thinking about the current step
Action: the tool to call, exactly as named in the catalogue
Action Input: the tool arguments as a JSON object
Observation: the tool result (appended by the system; never write it yourself)

Repeat Thought/Action/Action Input/Observation as often as needed. When you can answer the task, respond with:

Thought: your final reasoning
Final Answer: your complete answer to the task`

// systemPrompt renders the protocol instructions and the tool catalogue.
func (e *Executor) systemPrompt() string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\nAvailable tools:\n\n")
	infos := e.tools.List(tool.Filter{})
	if len(infos) == 0 {
		b.WriteString("(none)\n")
	}
	for _, info := range infos {
		writeToolEntry(&b, info.Schema)
	}
	return b.String()
}

// writeToolEntry renders one catalogue entry: name, description, typed
// parameters with required/default/enum annotations, and the return shape.
func writeToolEntry(b *strings.Builder, s tool.Schema) {
	fmt.Fprintf(b, "- %s: %s\n", s.Name, s.Description)
	for _, p := range s.Params {
		fmt.Fprintf(b, "    %s (%s, %s)", p.Name, p.Type, annotate(p))
		if p.Description != "" {
			fmt.Fprintf(b, ": %s", p.Description)
		}
		b.WriteByte('\n')
	}
	if s.Returns != "" {
		fmt.Fprintf(b, "    returns: %s\n", s.Returns)
	}
}

// annotate renders the required/default/enum annotation of one parameter.
func annotate(p tool.Param) string {
	parts := []string{"optional"}
	if p.Required {
		parts = []string{"required"}
	}
	if p.Default != nil {
		parts = append(parts, fmt.Sprintf("default %v", p.Default))
	}
	if len(p.Enum) > 0 {
		vals := make([]string, len(p.Enum))
		for i, v := range p.Enum {
			vals[i] = fmt.Sprintf("%v", v)
		}
		parts = append(parts, "one of: "+strings.Join(vals, ", "))
	}
	return strings.Join(parts, ", ")
}
