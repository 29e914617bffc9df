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

const cotSystemPrompt = `You reason through tasks one step at a time.

Each turn, produce exactly one reasoning step that builds on the previous ones. Keep steps short and concrete. When the task is solved, start the step with "Final Answer:" followed by your complete answer.`

// chainOfThought asks for one reasoning step per turn and stops when a step
// contains a final keyword or the step budget runs out. Each step gets its
// own wall-clock budget.
type chainOfThought struct {
	cfg Config
}

var _ Engine = (*chainOfThought)(nil)

func newChainOfThought(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &chainOfThought{cfg: cfg.withDefaults()}, nil
}

func (e *chainOfThought) Mode() string { return ModeChainOfThought }

func (e *chainOfThought) Process(ctx context.Context, chat Chatter, task string, _ *tool.Manager) Result {
	start := time.Now()
	res := Result{Mode: ModeChainOfThought}

	messages := []types.Message{
		{Role: "system", Content: cotSystemPrompt},
		{Role: "user", Content: "Task: " + task + "\n\nStep 1:"},
	}

	for step := 1; step <= e.cfg.MaxSteps; step++ {
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		content, err := chatTurn(stepCtx, chat, e.cfg, messages)
		cancel()
		if err != nil {
			if stepCtx.Err() != nil && ctx.Err() == nil {
				return failed(res, start, fault.Wrap(fault.Transient, "reasoning",
					fmt.Sprintf("step %d exceeded its %s budget", step, e.cfg.StepTimeout), err))
			}
			return failed(res, start, fault.Wrap(fault.Transient, "reasoning",
				fmt.Sprintf("step %d failed", step), err))
		}

		res.Thoughts = append(res.Thoughts, Thought{Step: step, Content: content})
		res.Path = append(res.Path, fmt.Sprintf("step %d", step))

		if keyword, ok := matchKeyword(content, e.cfg.FinalKeywords); ok {
			res.FinalAnswer = extractAnswer(content, keyword)
			res.OK = true
			res.Elapsed = time.Since(start)
			return res
		}

		messages = append(messages,
			types.Message{Role: "assistant", Content: content},
			types.Message{Role: "user", Content: fmt.Sprintf("Step %d:", step+1)},
		)
	}

	// Budget spent without a terminal keyword: the last step is the answer.
	res.FinalAnswer = res.Thoughts[len(res.Thoughts)-1].Content
	res.OK = true
	res.Elapsed = time.Since(start)
	return res
}

// matchKeyword reports the first keyword contained in content,
// case-insensitively. Keywords arrive pre-lowered from withDefaults.
func matchKeyword(content string, keywords []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

// extractAnswer returns the text after the matched keyword and any following
// punctuation, or the whole thought when the keyword has no payload.
func extractAnswer(content, keyword string) string {
	idx := strings.Index(strings.ToLower(content), keyword)
	if idx == -1 {
		return strings.TrimSpace(content)
	}
	after := strings.TrimSpace(strings.TrimLeft(content[idx+len(keyword):], ":, \t"))
	if after == "" {
		return strings.TrimSpace(content)
	}
	return after
}
