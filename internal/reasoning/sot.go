package reasoning

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// maxOutlinePoints caps the skeleton width regardless of model enthusiasm.
const maxOutlinePoints = 6

const sotOutlinePrompt = `You plan answers before writing them.

Produce a short numbered outline of the answer to the task. One line per point, no elaboration.`

const sotFillPrompt = `You write one section of a larger answer.

Expand the given outline point into a short, self-contained passage. Do not repeat the outline or cover other points.`

const sotSynthesisPrompt = `You assemble drafted sections into one coherent answer.

Merge the sections in order, smooth the seams, and return only the final text.`

// skeletonOfThought outlines the answer first, expands every outline point
// in parallel, and synthesises the expansions into the final answer.
type skeletonOfThought struct {
	cfg Config
}

var _ Engine = (*skeletonOfThought)(nil)

func newSkeletonOfThought(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &skeletonOfThought{cfg: cfg.withDefaults()}, nil
}

func (e *skeletonOfThought) Mode() string { return ModeSkeletonOfThought }

func (e *skeletonOfThought) Process(ctx context.Context, chat Chatter, task string, _ *tool.Manager) Result {
	start := time.Now()
	res := Result{Mode: ModeSkeletonOfThought}

	outline, err := chatTurn(ctx, chat, e.cfg, []types.Message{
		{Role: "system", Content: sotOutlinePrompt},
		{Role: "user", Content: "Task: " + task},
	})
	if err != nil {
		return failed(res, start, fault.Wrap(fault.Transient, "reasoning", "outline failed", err))
	}
	points := parseList(outline, maxOutlinePoints)
	if len(points) == 0 {
		return failed(res, start, fault.New(fault.Internal, "reasoning", "model produced no outline"))
	}
	res.Thoughts = append(res.Thoughts, Thought{Step: 1, Content: outline})
	res.Path = slices.Clone(points)

	expansions := make([]string, len(points))
	g, gctx := errgroup.WithContext(ctx)
	for i, point := range points {
		g.Go(func() error {
			text, err := chatTurn(gctx, chat, e.cfg, []types.Message{
				{Role: "system", Content: sotFillPrompt},
				{Role: "user", Content: fmt.Sprintf("Task: %s\n\nOutline:\n%s\n\nExpand point %d: %s", task, outline, i+1, point)},
			})
			if err != nil {
				return fault.Wrap(fault.Transient, "reasoning",
					fmt.Sprintf("expanding point %d failed", i+1), err)
			}
			expansions[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed(res, start, err)
	}
	for i, text := range expansions {
		res.Thoughts = append(res.Thoughts, Thought{Step: i + 2, Content: text})
	}

	var draft strings.Builder
	fmt.Fprintf(&draft, "Task: %s\n\nDrafted sections:\n", task)
	for i, point := range points {
		fmt.Fprintf(&draft, "\n%d. %s\n%s\n", i+1, point, expansions[i])
	}
	answer, err := chatTurn(ctx, chat, e.cfg, []types.Message{
		{Role: "system", Content: sotSynthesisPrompt},
		{Role: "user", Content: draft.String()},
	})
	if err != nil {
		return failed(res, start, fault.Wrap(fault.Transient, "reasoning", "synthesis failed", err))
	}

	res.FinalAnswer = answer
	res.OK = true
	res.Elapsed = time.Since(start)
	return res
}
