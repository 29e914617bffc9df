package reasoning

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

const totSystemPrompt = `You explore a task by branching into distinct lines of reasoning.

Answer with a numbered list. Each item is one short, self-contained thought ending with a confidence score like (confidence: 0.8).`

// treeOfThought expands a beam of candidate thoughts breadth-first, prunes
// low-confidence branches at each depth, and reads the answer off the
// max-confidence path through the finished tree.
type treeOfThought struct {
	cfg Config
}

var _ Engine = (*treeOfThought)(nil)

func newTreeOfThought(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &treeOfThought{cfg: cfg.withDefaults()}, nil
}

func (e *treeOfThought) Mode() string { return ModeTreeOfThought }

type totNode struct {
	content    string
	confidence float64
	depth      int
	children   []*totNode
}

func (e *treeOfThought) Process(ctx context.Context, chat Chatter, task string, _ *tool.Manager) Result {
	start := time.Now()
	res := Result{Mode: ModeTreeOfThought}

	roots, err := e.expand(ctx, chat, task, nil, 1)
	if err != nil {
		return failed(res, start, err)
	}
	if len(roots) == 0 {
		return failed(res, start, fault.New(fault.Internal, "reasoning", "model produced no usable branches"))
	}
	for _, n := range roots {
		res.Thoughts = append(res.Thoughts, Thought{Step: n.depth, Content: n.content, Confidence: n.confidence})
	}

	frontier := e.selectFrontier(roots)
	for depth := 2; depth <= e.cfg.MaxDepth && len(frontier) > 0; depth++ {
		if bestConfidence(frontier) >= earlyExitConfidence {
			break
		}

		var level []*totNode
		for _, parent := range frontier {
			children, err := e.expand(ctx, chat, task, pathTo(roots, parent), depth)
			if err != nil {
				return failed(res, start, err)
			}
			parent.children = children
			for _, n := range children {
				res.Thoughts = append(res.Thoughts, Thought{Step: n.depth, Content: n.content, Confidence: n.confidence})
			}
			level = append(level, children...)
		}
		frontier = e.selectFrontier(level)
	}

	// Walk the tree picking the max-confidence child at each level.
	level := roots
	for len(level) > 0 {
		top := slices.MaxFunc(level, func(a, b *totNode) int {
			return cmp.Compare(a.confidence, b.confidence)
		})
		res.Path = append(res.Path, top.content)
		res.FinalAnswer = top.content
		level = top.children
	}
	res.OK = true
	res.Elapsed = time.Since(start)
	return res
}

// expand asks for up to MaxBranches continuations of the given path and
// returns them as nodes at the given depth.
func (e *treeOfThought) expand(ctx context.Context, chat Chatter, task string, path []string, depth int) ([]*totNode, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Task: %s\n\n", task)
	if len(path) > 0 {
		prompt.WriteString("Reasoning so far:\n")
		for i, p := range path {
			fmt.Fprintf(&prompt, "%d. %s\n", i+1, p)
		}
		fmt.Fprintf(&prompt, "\nList %d distinct next thoughts continuing this path.", e.cfg.MaxBranches)
	} else {
		fmt.Fprintf(&prompt, "List %d distinct approaches to this task.", e.cfg.MaxBranches)
	}

	content, err := chatTurn(ctx, chat, e.cfg, []types.Message{
		{Role: "system", Content: totSystemPrompt},
		{Role: "user", Content: prompt.String()},
	})
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "reasoning",
			fmt.Sprintf("expanding depth %d failed", depth), err)
	}

	var nodes []*totNode
	for _, b := range parseBranches(content, e.cfg.MaxBranches) {
		nodes = append(nodes, &totNode{content: b.content, confidence: b.confidence, depth: depth})
	}
	return nodes, nil
}

// selectFrontier prunes nodes below the confidence threshold and keeps the
// top MaxBranches as the next beam, ordered best first.
func (e *treeOfThought) selectFrontier(level []*totNode) []*totNode {
	var keep []*totNode
	for _, n := range level {
		if n.confidence >= e.cfg.ConfidenceThreshold {
			keep = append(keep, n)
		}
	}
	slices.SortStableFunc(keep, func(a, b *totNode) int {
		return cmp.Compare(b.confidence, a.confidence)
	})
	if len(keep) > e.cfg.MaxBranches {
		keep = keep[:e.cfg.MaxBranches]
	}
	return keep
}

func bestConfidence(nodes []*totNode) float64 {
	best := 0.0
	for _, n := range nodes {
		if n.confidence > best {
			best = n.confidence
		}
	}
	return best
}

// pathTo returns the contents from a root down to target, found by walking
// the tree. The tree stays small (beam width by depth), so a search is fine.
func pathTo(roots []*totNode, target *totNode) []string {
	var walk func(n *totNode, trail []string) []string
	walk = func(n *totNode, trail []string) []string {
		trail = append(trail, n.content)
		if n == target {
			return slices.Clone(trail)
		}
		for _, c := range n.children {
			if found := walk(c, trail); found != nil {
				return found
			}
		}
		return nil
	}
	for _, r := range roots {
		if found := walk(r, nil); found != nil {
			return found
		}
	}
	return nil
}
