package reasoning

import (
	"context"

	"github.com/MrWong99/scribax/internal/react"
	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
)

// reactEngine adapts the ReAct executor to the engine contract so agents can
// select tool-driven reasoning through the same factory as the pure thought
// strategies.
type reactEngine struct {
	cfg Config
}

var _ Engine = (*reactEngine)(nil)

func newReactEngine(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &reactEngine{cfg: cfg}, nil
}

func (e *reactEngine) Mode() string { return ModeReact }

func (e *reactEngine) Process(ctx context.Context, chat Chatter, task string, tools *tool.Manager) Result {
	res := Result{Mode: ModeReact}
	if tools == nil {
		res.Err = fault.New(fault.Validation, "reasoning", "react mode requires a tool manager")
		return res
	}

	exec, err := react.New(chat, tools, react.Config{
		MaxIterations: e.cfg.MaxIterations,
		Timeout:       e.cfg.Timeout,
		Model:         e.cfg.Model,
		MaxTokens:     e.cfg.MaxTokens,
		Temperature:   e.cfg.Temperature,
	})
	if err != nil {
		res.Err = err
		return res
	}

	run := exec.Run(ctx, task, nil)
	res.FinalAnswer = run.FinalAnswer
	res.Elapsed = run.Elapsed
	res.OK = run.OK
	res.Err = run.Err

	step := 0
	for _, s := range run.Steps {
		switch s.Type {
		case react.StepThought:
			step++
			res.Thoughts = append(res.Thoughts, Thought{Step: step, Content: s.Content})
		case react.StepAction:
			res.Path = append(res.Path, s.Tool)
		}
	}
	return res
}
