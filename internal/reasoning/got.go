package reasoning

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

const gotSeedPrompt = `You explore a task by proposing independent lines of reasoning.

Answer with a numbered list. Each item is one short, self-contained thought ending with a confidence score like (confidence: 0.8).`

const gotMergePrompt = `You combine two lines of reasoning into one stronger line.

Return a single merged thought that keeps the best of both, ending with a confidence score like (confidence: 0.8).`

// graphOfThought seeds a pool of candidate thoughts, then repeatedly merges
// the two strongest into one node until the round budget or the pool runs
// out. The answer is the strongest node left standing.
type graphOfThought struct {
	cfg Config
}

var _ Engine = (*graphOfThought)(nil)

func newGraphOfThought(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &graphOfThought{cfg: cfg.withDefaults()}, nil
}

func (e *graphOfThought) Mode() string { return ModeGraphOfThought }

type gotNode struct {
	content    string
	confidence float64
	parents    []*gotNode
}

func (e *graphOfThought) Process(ctx context.Context, chat Chatter, task string, _ *tool.Manager) Result {
	start := time.Now()
	res := Result{Mode: ModeGraphOfThought}

	seed, err := chatTurn(ctx, chat, e.cfg, []types.Message{
		{Role: "system", Content: gotSeedPrompt},
		{Role: "user", Content: fmt.Sprintf("Task: %s\n\nList %d independent lines of reasoning.", task, e.cfg.MaxBranches)},
	})
	if err != nil {
		return failed(res, start, fault.Wrap(fault.Transient, "reasoning", "seeding failed", err))
	}
	var pool []*gotNode
	for _, b := range parseBranches(seed, e.cfg.MaxBranches) {
		n := &gotNode{content: b.content, confidence: b.confidence}
		pool = append(pool, n)
		res.Thoughts = append(res.Thoughts, Thought{Step: 1, Content: n.content, Confidence: n.confidence})
	}
	if len(pool) == 0 {
		return failed(res, start, fault.New(fault.Internal, "reasoning", "model produced no usable branches"))
	}

	for round := 1; round <= e.cfg.MaxDepth && len(pool) >= 2; round++ {
		slices.SortStableFunc(pool, func(a, b *gotNode) int {
			return cmp.Compare(b.confidence, a.confidence)
		})
		a, b := pool[0], pool[1]

		merged, err := chatTurn(ctx, chat, e.cfg, []types.Message{
			{Role: "system", Content: gotMergePrompt},
			{Role: "user", Content: fmt.Sprintf("Task: %s\n\nLine A: %s\n\nLine B: %s\n\nMerge them.", task, a.content, b.content)},
		})
		if err != nil {
			return failed(res, start, fault.Wrap(fault.Transient, "reasoning",
				fmt.Sprintf("merge round %d failed", round), err))
		}
		content, confidence, ok := parseConfidence(merged)
		if !ok || content == "" {
			if content == "" {
				content = merged
			}
			confidence = (a.confidence + b.confidence) / 2
		}

		node := &gotNode{content: content, confidence: confidence, parents: []*gotNode{a, b}}
		pool = append([]*gotNode{node}, pool[2:]...)
		res.Thoughts = append(res.Thoughts, Thought{Step: round + 1, Content: node.content, Confidence: node.confidence})
	}

	best := slices.MaxFunc(pool, func(a, b *gotNode) int {
		return cmp.Compare(a.confidence, b.confidence)
	})
	res.FinalAnswer = best.content
	res.Path = lineage(best)
	res.OK = true
	res.Elapsed = time.Since(start)
	return res
}

// lineage returns the contents from the strongest original seed down to n,
// following first parents.
func lineage(n *gotNode) []string {
	if len(n.parents) == 0 {
		return []string{n.content}
	}
	return append(lineage(n.parents[0]), n.content)
}
