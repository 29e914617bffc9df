package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

const aotSystemPrompt = `You search for a solution one step at a time, like a depth-first algorithm.

Each turn, propose the single most promising next step, ending with a confidence score like (confidence: 0.8). Low confidence marks a dead end.`

const aotConcludePrompt = `You conclude a finished search.

Given the accepted steps, return only the final answer they lead to.`

// algorithmOfThoughts searches depth-first: one proposed step per depth,
// backtracking to an alternative when the model scores a step below the
// confidence threshold. Dead ends are fed back so the model avoids them.
type algorithmOfThoughts struct {
	cfg Config
}

var _ Engine = (*algorithmOfThoughts)(nil)

func newAlgorithmOfThoughts(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &algorithmOfThoughts{cfg: cfg.withDefaults()}, nil
}

func (e *algorithmOfThoughts) Mode() string { return ModeAlgorithmOfThoughts }

func (e *algorithmOfThoughts) Process(ctx context.Context, chat Chatter, task string, _ *tool.Manager) Result {
	start := time.Now()
	res := Result{Mode: ModeAlgorithmOfThoughts}

	var accepted []string
	for depth := 1; depth <= e.cfg.MaxDepth; depth++ {
		var deadEnds []string
		found := false

		for attempt := 1; attempt <= e.cfg.MaxBranches; attempt++ {
			text, err := chatTurn(ctx, chat, e.cfg, []types.Message{
				{Role: "system", Content: aotSystemPrompt},
				{Role: "user", Content: e.stepPrompt(task, accepted, deadEnds)},
			})
			if err != nil {
				return failed(res, start, fault.Wrap(fault.Transient, "reasoning",
					fmt.Sprintf("depth %d attempt %d failed", depth, attempt), err))
			}
			content, confidence, ok := parseConfidence(text)
			if !ok {
				confidence = 0.5
			}
			if content == "" {
				content = text
			}
			res.Thoughts = append(res.Thoughts, Thought{Step: depth, Content: content, Confidence: confidence})

			if confidence >= e.cfg.ConfidenceThreshold {
				accepted = append(accepted, content)
				found = true
				break
			}
			deadEnds = append(deadEnds, content)
		}

		if !found {
			return failed(res, start, fault.New(fault.Transient, "reasoning",
				"search exhausted at depth %d after %d dead ends", depth, len(deadEnds)))
		}
	}

	var conclusion strings.Builder
	fmt.Fprintf(&conclusion, "Task: %s\n\nAccepted steps:\n", task)
	for i, step := range accepted {
		fmt.Fprintf(&conclusion, "%d. %s\n", i+1, step)
	}
	answer, err := chatTurn(ctx, chat, e.cfg, []types.Message{
		{Role: "system", Content: aotConcludePrompt},
		{Role: "user", Content: conclusion.String()},
	})
	if err != nil {
		return failed(res, start, fault.Wrap(fault.Transient, "reasoning", "conclusion failed", err))
	}

	res.FinalAnswer = answer
	res.Path = accepted
	res.OK = true
	res.Elapsed = time.Since(start)
	return res
}

// stepPrompt builds the user turn for one proposal: the path so far plus the
// dead ends already rejected at this depth.
func (e *algorithmOfThoughts) stepPrompt(task string, accepted, deadEnds []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task)
	if len(accepted) > 0 {
		b.WriteString("\nSteps so far:\n")
		for i, step := range accepted {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if len(deadEnds) > 0 {
		b.WriteString("\nDead ends to avoid:\n")
		for _, d := range deadEnds {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	b.WriteString("\nPropose the next step.")
	return b.String()
}
