// Package reasoning provides pluggable multi-step reasoning strategies over
// a chat model: chain, tree, graph, skeleton and algorithm of thought, plus a
// ReAct mode that drives registered tools.
//
// Engines are created by name through the [Factory]:
//
//	factory := reasoning.NewFactory()
//	engine, err := factory.Create("tree_of_thought", reasoning.Config{MaxDepth: 2})
//	if err != nil {
//	    return err
//	}
//	res := engine.Process(ctx, router, "Plan the heist of the wizard's vault.", nil)
//	if res.OK {
//	    fmt.Println(res.FinalAnswer)
//	}
//
// Every engine returns the same [Result] shape: the ordered thoughts it
// generated, the reasoning path it settled on, and a final answer. Engines
// are stateless and safe for concurrent use; per-run state lives on the
// stack of Process.
package reasoning

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// Chatter is the minimal LLM surface the engines depend on. The model
// scheduler satisfies it, as do test doubles.
type Chatter interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Engine modes known to the default factory.
const (
	ModeChainOfThought      = "chain_of_thought"
	ModeTreeOfThought       = "tree_of_thought"
	ModeGraphOfThought      = "graph_of_thought"
	ModeAlgorithmOfThoughts = "algorithm_of_thoughts"
	ModeSkeletonOfThought   = "skeleton_of_thought"
	ModeReact               = "react"
)

// Defaults applied by Config.withDefaults.
const (
	defaultMaxSteps            = 5
	defaultStepTimeout         = 30 * time.Second
	defaultMaxDepth            = 3
	defaultMaxBranches         = 3
	defaultConfidenceThreshold = 0.3

	// earlyExitConfidence stops tree expansion once a node is this sure.
	earlyExitConfidence = 0.9
)

// defaultFinalKeywords end a chain-of-thought run early.
var defaultFinalKeywords = []string{"final answer", "conclusion"}

// Config tunes an engine. Zero values mean engine defaults. Not every engine
// reads every knob; unrelated fields are ignored.
type Config struct {
	// Model pins all turns to a specific model ID. Empty lets the model
	// scheduler choose.
	Model string

	// MaxTokens caps completion tokens per turn.
	MaxTokens int

	// Temperature controls sampling randomness.
	Temperature float64

	// MaxSteps caps chain-of-thought steps. Zero means 5.
	MaxSteps int

	// StepTimeout bounds each chain-of-thought step. Zero means 30s.
	StepTimeout time.Duration

	// FinalKeywords end a chain-of-thought run when a thought contains one
	// (case-insensitive). Empty means "final answer" and "conclusion".
	FinalKeywords []string

	// MaxDepth caps tree depth, merge rounds, and search depth. Zero
	// means 3.
	MaxDepth int

	// MaxBranches caps fan-out per expansion and backtracking attempts per
	// depth. Zero means 3.
	MaxBranches int

	// ConfidenceThreshold prunes branches scoring below it. Zero means 0.3.
	ConfidenceThreshold float64

	// MaxIterations caps ReAct turns. Zero means the executor default.
	MaxIterations int

	// Timeout is the ReAct wall-clock budget. Zero means the executor
	// default.
	Timeout time.Duration
}

// Validate checks the configuration's own contract.
func (c Config) Validate() error {
	if c.MaxTokens < 0 {
		return fault.New(fault.Validation, "reasoning", "MaxTokens must not be negative")
	}
	if c.MaxSteps < 0 {
		return fault.New(fault.Validation, "reasoning", "MaxSteps must not be negative")
	}
	if c.StepTimeout < 0 {
		return fault.New(fault.Validation, "reasoning", "StepTimeout must not be negative")
	}
	if c.MaxDepth < 0 {
		return fault.New(fault.Validation, "reasoning", "MaxDepth must not be negative")
	}
	if c.MaxBranches < 0 {
		return fault.New(fault.Validation, "reasoning", "MaxBranches must not be negative")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fault.New(fault.Validation, "reasoning", "ConfidenceThreshold must be between 0 and 1")
	}
	if c.MaxIterations < 0 {
		return fault.New(fault.Validation, "reasoning", "MaxIterations must not be negative")
	}
	if c.Timeout < 0 {
		return fault.New(fault.Validation, "reasoning", "Timeout must not be negative")
	}
	return nil
}

// withDefaults fills zero-value knobs and normalises keywords to lower case.
// ReAct budgets stay zero so the executor applies its own defaults.
func (c Config) withDefaults() Config {
	if c.MaxSteps == 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = defaultStepTimeout
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.MaxBranches == 0 {
		c.MaxBranches = defaultMaxBranches
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if len(c.FinalKeywords) == 0 {
		c.FinalKeywords = slices.Clone(defaultFinalKeywords)
	} else {
		lowered := make([]string, len(c.FinalKeywords))
		for i, kw := range c.FinalKeywords {
			lowered[i] = strings.ToLower(strings.TrimSpace(kw))
		}
		c.FinalKeywords = lowered
	}
	return c
}

// Thought is one entry in a reasoning trace.
type Thought struct {
	// Step is the step or depth at which the thought was produced.
	Step int

	// Content is the thought text.
	Content string

	// Confidence is the model's self-assessed score in [0, 1]. Zero for
	// engines that do not score thoughts.
	Confidence float64
}

// Result is the outcome of one engine run.
type Result struct {
	// Mode names the engine that produced the result.
	Mode string

	// Thoughts is every thought generated, in creation order, including
	// pruned branches and dead ends.
	Thoughts []Thought

	// FinalAnswer is the concluding answer. Empty when the run failed.
	FinalAnswer string

	// Path is the reasoning trajectory the answer was read from: thought
	// contents for tree walks, outline points for skeleton runs, tool names
	// for ReAct runs.
	Path []string

	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration

	// OK reports whether the run produced an answer.
	OK bool

	// Err describes why the run failed. nil when OK.
	Err error
}

// Engine is a single reasoning strategy. Implementations must be safe for
// concurrent use.
type Engine interface {
	// Mode returns the engine's factory name.
	Mode() string

	// Process runs the strategy over one task. tools may be nil for engines
	// that do not call tools.
	Process(ctx context.Context, chat Chatter, task string, tools *tool.Manager) Result
}

// Constructor builds an engine from a validated configuration.
type Constructor func(cfg Config) (Engine, error)

// Factory maps mode names to engine constructors. The zero value is not
// usable; call NewFactory.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory returns a factory with all built-in modes registered.
func NewFactory() *Factory {
	return &Factory{constructors: map[string]Constructor{
		ModeChainOfThought:      newChainOfThought,
		ModeTreeOfThought:       newTreeOfThought,
		ModeGraphOfThought:      newGraphOfThought,
		ModeAlgorithmOfThoughts: newAlgorithmOfThoughts,
		ModeSkeletonOfThought:   newSkeletonOfThought,
		ModeReact:               newReactEngine,
	}}
}

// Register adds a custom engine constructor under the given mode name.
func (f *Factory) Register(mode string, ctor Constructor) error {
	key := normalizeMode(mode)
	if key == "" {
		return fault.New(fault.Validation, "reasoning", "mode must not be empty")
	}
	if ctor == nil {
		return fault.New(fault.Validation, "reasoning", "constructor must not be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.constructors[key]; exists {
		return fault.New(fault.Validation, "reasoning", "mode %q is already registered", key)
	}
	f.constructors[key] = ctor
	return nil
}

// Create instantiates the engine registered under mode. Mode matching is
// case-insensitive and ignores surrounding whitespace.
func (f *Factory) Create(mode string, cfg Config) (Engine, error) {
	key := normalizeMode(mode)

	f.mu.RLock()
	ctor, ok := f.constructors[key]
	f.mu.RUnlock()

	if !ok {
		return nil, fault.New(fault.NotFound, "reasoning",
			"unknown reasoning mode %q (known: %s)", mode, strings.Join(f.Modes(), ", "))
	}
	return ctor(cfg)
}

// Modes returns the registered mode names, sorted.
func (f *Factory) Modes() []string {
	f.mu.RLock()
	modes := make([]string, 0, len(f.constructors))
	for mode := range f.constructors {
		modes = append(modes, mode)
	}
	f.mu.RUnlock()

	sort.Strings(modes)
	return modes
}

func normalizeMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}

// chatTurn runs one chat call, normalising nil responses into errors and
// trimming the content.
func chatTurn(ctx context.Context, chat Chatter, cfg Config, messages []types.Message) (string, error) {
	resp, err := chat.Chat(ctx, llm.Request{
		Messages:    slices.Clone(messages),
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fault.New(fault.Internal, "reasoning", "model returned an empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

// failed stamps a result with its error and elapsed time.
func failed(res Result, start time.Time, err error) Result {
	res.Err = err
	res.Elapsed = time.Since(start)
	return res
}
