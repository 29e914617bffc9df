// Package agent provides the task-executing core every game persona is built
// on: a state machine around one model-backed worker that can reason, drive
// tools, or chat plainly, plus a message loop that serves requests arriving
// over the bus.
//
// An agent picks its execution method from its capabilities and wiring, never
// from the task text. A reasoning-capable agent with a factory reasons; a
// tool-capable agent with a manager runs the ReAct loop; everything else is a
// single chat turn.
//
// Typical usage:
//
//	a, err := agent.New(agent.Config{
//	    ID:           "npc-tavernkeeper",
//	    Capabilities: []agent.Capability{agent.CapToolUse},
//	    Chat:         router,
//	    Tools:        toolMgr,
//	    Bus:          b,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := a.Start(ctx); err != nil {
//	    return err
//	}
//	defer a.Stop()
//
// All exported methods are safe for concurrent use.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/scribax/internal/bus"
	"github.com/MrWong99/scribax/internal/react"
	"github.com/MrWong99/scribax/internal/reasoning"
	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// Chatter is the minimal LLM surface the agent depends on. The model
// scheduler satisfies it, as do test doubles.
type Chatter interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// State is the agent's lifecycle position.
type State int32

const (
	// StateIdle means the agent is ready for a task.
	StateIdle State = iota

	// StateProcessing means a task is running. One task at a time.
	StateProcessing

	// StateShutdown is terminal. No further tasks are accepted.
	StateShutdown
)

// String returns the state's wire name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateProcessing:
		return "PROCESSING"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Capability declares something an agent is allowed to do. Execution method
// selection reads capabilities, never task contents.
type Capability string

const (
	// CapReasoning lets the agent run multi-step reasoning engines.
	CapReasoning Capability = "reasoning"

	// CapToolUse lets the agent drive tools through the ReAct loop.
	CapToolUse Capability = "tool_use"

	// CapChat marks a plain conversational agent. Every agent can chat;
	// the capability exists for catalogue and routing purposes.
	CapChat Capability = "chat"
)

// Method names the execution path a task took.
type Method string

const (
	// MethodReasoning ran a reasoning engine from the factory.
	MethodReasoning Method = "reasoning"

	// MethodReact ran the tool-driving ReAct executor.
	MethodReact Method = "react"

	// MethodChat ran a single chat turn.
	MethodChat Method = "chat"
)

// TaskResult is the outcome of one ExecuteTask call.
type TaskResult struct {
	// Content is the agent's answer.
	Content string

	// Method is the execution path that produced it.
	Method Method

	// Steps counts reasoning thoughts or ReAct iterations. Zero for plain
	// chat.
	Steps int

	// Elapsed is the wall-clock duration of the task.
	Elapsed time.Duration
}

// Config holds everything needed to create an [Agent].
//
// Required fields are ID and Chat. Tools, Reasoning and Bus are optional:
// a nil Tools means no ReAct path, a nil Reasoning means no engine path,
// and a nil Bus means the agent only serves direct ExecuteTask calls.
type Config struct {
	// ID is the agent's stable identifier. Used as the bus address and in
	// logs. Must not be empty.
	ID string

	// Name is the agent's display name. Defaults to ID.
	Name string

	// SystemPrompt, when set, opens plain chat turns. Reasoning engines and
	// the ReAct executor build their own prompts.
	SystemPrompt string

	// Capabilities declare the agent's allowed execution methods.
	Capabilities []Capability

	// Chat is the model access used by every execution path. Must not be
	// nil.
	Chat Chatter

	// Tools, when non-nil, enables the ReAct path and is handed to
	// reasoning engines that can use tools.
	Tools *tool.Manager

	// Reasoning, when non-nil, enables the engine path. An engine is
	// created per task.
	Reasoning *reasoning.Factory

	// ReasoningMode selects the engine. Defaults to chain_of_thought.
	ReasoningMode string

	// ReasoningConfig tunes the created engines.
	ReasoningConfig reasoning.Config

	// ReactConfig tunes the agent-owned ReAct executor.
	ReactConfig react.Config

	// Bus, when non-nil, lets Start serve REQUEST messages addressed to ID.
	Bus *bus.Bus

	// Model pins plain chat turns to a specific model ID.
	Model string

	// MaxTokens caps completion tokens on plain chat turns.
	MaxTokens int

	// Temperature controls sampling on plain chat turns.
	Temperature float64
}

// Agent executes tasks and serves bus requests. Create instances with [New].
type Agent struct {
	id           string
	name         string
	systemPrompt string
	capabilities []Capability

	chat          Chatter
	tools         *tool.Manager
	reasoning     *reasoning.Factory
	reasoningMode string
	reasoningCfg  reasoning.Config
	react         *react.Executor
	bus           *bus.Bus

	model       string
	maxTokens   int
	temperature float64

	state atomic.Int32

	// wg tracks in-flight tasks so Stop can wait for them.
	wg sync.WaitGroup

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates an Agent from the given configuration. When Tools is set, the
// agent builds and owns its ReAct executor; when Reasoning is set, the mode
// and engine configuration are validated eagerly.
func New(cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fault.New(fault.Validation, "agent", "ID must not be empty")
	}
	if cfg.Chat == nil {
		return nil, fault.New(fault.Validation, "agent", "Chat must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.ReasoningMode == "" {
		cfg.ReasoningMode = reasoning.ModeChainOfThought
	}

	a := &Agent{
		id:            cfg.ID,
		name:          cfg.Name,
		systemPrompt:  cfg.SystemPrompt,
		capabilities:  slices.Clone(cfg.Capabilities),
		chat:          cfg.Chat,
		tools:         cfg.Tools,
		reasoning:     cfg.Reasoning,
		reasoningMode: cfg.ReasoningMode,
		reasoningCfg:  cfg.ReasoningConfig,
		bus:           cfg.Bus,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
	}

	if cfg.Reasoning != nil {
		if _, err := cfg.Reasoning.Create(cfg.ReasoningMode, cfg.ReasoningConfig); err != nil {
			return nil, fault.Wrap(fault.Validation, "agent",
				fmt.Sprintf("reasoning mode %q rejected", cfg.ReasoningMode), err)
		}
	}
	if cfg.Tools != nil {
		exec, err := react.New(cfg.Chat, cfg.Tools, cfg.ReactConfig)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, "agent", "building react executor", err)
		}
		a.react = exec
	}

	return a, nil
}

// ID returns the agent's stable identifier.
func (a *Agent) ID() string { return a.id }

// Name returns the agent's display name.
func (a *Agent) Name() string { return a.name }

// Capabilities returns a copy of the agent's capability set.
func (a *Agent) Capabilities() []Capability { return slices.Clone(a.capabilities) }

// State returns the agent's current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Has reports whether the agent declares the capability.
func (a *Agent) Has(c Capability) bool { return slices.Contains(a.capabilities, c) }

// transition moves the state machine from from to to, atomically. It reports
// false when the agent was in any other state.
func (a *Agent) transition(from, to State) bool {
	return a.state.CompareAndSwap(int32(from), int32(to))
}

// ExecuteTask runs one task through the agent's preferred execution method:
// reasoning engine, then ReAct, then plain chat. history is optional prior
// conversation passed to the ReAct and chat paths.
//
// The agent processes one task at a time: a busy agent rejects the call with
// a transient error, a shut-down agent with a validation error.
func (a *Agent) ExecuteTask(ctx context.Context, task string, history []types.Message) (*TaskResult, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fault.New(fault.Validation, "agent", "task must not be empty")
	}
	if !a.transition(StateIdle, StateProcessing) {
		if a.State() == StateShutdown {
			return nil, fault.New(fault.Validation, "agent", "agent %q is shut down", a.id)
		}
		return nil, fault.New(fault.Transient, "agent", "agent %q is busy", a.id)
	}
	a.wg.Add(1)
	defer a.wg.Done()
	defer a.transition(StateProcessing, StateIdle)

	start := time.Now()
	method := a.chooseMethod()

	var (
		content string
		steps   int
		err     error
	)
	switch method {
	case MethodReasoning:
		content, steps, err = a.runReasoning(ctx, task)
	case MethodReact:
		content, steps, err = a.runReact(ctx, task, history)
	default:
		content, err = a.runChat(ctx, task, history)
	}
	if err != nil {
		slog.Debug("agent task failed",
			"agent_id", a.id,
			"method", string(method),
			"error", err,
		)
		return nil, err
	}

	return &TaskResult{
		Content: content,
		Method:  method,
		Steps:   steps,
		Elapsed: time.Since(start),
	}, nil
}

// chooseMethod picks the execution path from capabilities and wiring alone.
func (a *Agent) chooseMethod() Method {
	if a.Has(CapReasoning) && a.reasoning != nil {
		return MethodReasoning
	}
	if a.Has(CapToolUse) && a.react != nil {
		return MethodReact
	}
	return MethodChat
}

// runReasoning creates a fresh engine for this task and runs it.
func (a *Agent) runReasoning(ctx context.Context, task string) (string, int, error) {
	engine, err := a.reasoning.Create(a.reasoningMode, a.reasoningCfg)
	if err != nil {
		return "", 0, fault.Wrap(fault.Internal, "agent",
			fmt.Sprintf("creating %s engine", a.reasoningMode), err)
	}
	res := engine.Process(ctx, a.chat, task, a.tools)
	if !res.OK {
		if res.Err != nil {
			return "", len(res.Thoughts), res.Err
		}
		return "", len(res.Thoughts), fault.New(fault.Internal, "agent", "reasoning produced no answer")
	}
	return res.FinalAnswer, len(res.Thoughts), nil
}

// runReact drives the agent-owned ReAct executor.
func (a *Agent) runReact(ctx context.Context, task string, history []types.Message) (string, int, error) {
	res := a.react.Run(ctx, task, history)
	if !res.OK {
		if res.Err != nil {
			return "", res.Iterations, res.Err
		}
		return "", res.Iterations, fault.New(fault.Internal, "agent", "react run produced no answer")
	}
	return res.FinalAnswer, res.Iterations, nil
}

// runChat performs a single chat turn with the optional system prompt.
func (a *Agent) runChat(ctx context.Context, task string, history []types.Message) (string, error) {
	messages := make([]types.Message, 0, len(history)+2)
	if a.systemPrompt != "" {
		messages = append(messages, types.Message{Role: "system", Content: a.systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, types.Message{Role: "user", Content: task})

	resp, err := a.chat.Chat(ctx, llm.Request{
		Messages:    messages,
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return "", fault.Wrap(fault.Transient, "agent", "chat failed", err)
	}
	if resp == nil {
		return "", fault.New(fault.Internal, "agent", "model returned an empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}
