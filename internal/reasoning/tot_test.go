package reasoning

import (
	"context"
	"testing"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tree of thought
// ─────────────────────────────────────────────────────────────────────────────

// TestTreeOfThoughtPicksBestPath expands two levels and reads the answer off
// the max-confidence walk.
func TestTreeOfThoughtPicksBestPath(t *testing.T) {
	t.Parallel()

	p := scripted(
		"1. Scale the wall (confidence: 0.6)\n2. Bribe the gatekeeper (confidence: 0.8)",
		"1. Offer the signet ring (confidence: 0.9)\n2. Threaten exposure (confidence: 0.2)",
		"1. Use the ivy (confidence: 0.5)",
	)
	engine := newEngine(t, ModeTreeOfThought, Config{MaxDepth: 2, MaxBranches: 2})

	res := engine.Process(context.Background(), p, "Enter the castle.", nil)

	must(t, res.Err)
	if !res.OK {
		t.Fatal("Process() OK = false, want true")
	}
	if res.FinalAnswer != "Offer the signet ring" {
		t.Errorf("FinalAnswer = %q", res.FinalAnswer)
	}
	if len(res.Path) != 2 || res.Path[0] != "Bribe the gatekeeper" || res.Path[1] != "Offer the signet ring" {
		t.Errorf("Path = %v", res.Path)
	}
	if len(res.Thoughts) != 5 {
		t.Fatalf("len(Thoughts) = %d, want 5", len(res.Thoughts))
	}
	if res.Thoughts[1].Confidence != 0.8 {
		t.Errorf("Thoughts[1].Confidence = %v, want 0.8", res.Thoughts[1].Confidence)
	}
	if res.Thoughts[2].Step != 2 {
		t.Errorf("Thoughts[2].Step = %d, want 2", res.Thoughts[2].Step)
	}

	if len(p.ChatCalls) != 3 {
		t.Fatalf("len(ChatCalls) = %d, want 3", len(p.ChatCalls))
	}
	// The strongest node expands first and carries its path.
	second := userPrompt(t, p.ChatCalls[1])
	assertContains(t, second, "Bribe the gatekeeper")
	assertContains(t, second, "Reasoning so far")
	third := userPrompt(t, p.ChatCalls[2])
	assertContains(t, third, "Scale the wall")
}

// TestTreeOfThoughtEarlyExit stops expanding once a branch is confident
// enough.
func TestTreeOfThoughtEarlyExit(t *testing.T) {
	t.Parallel()

	p := scripted("1. Walk through the open gate (confidence: 0.95)\n2. Dig a tunnel (confidence: 0.4)")
	engine := newEngine(t, ModeTreeOfThought, Config{MaxDepth: 3})

	res := engine.Process(context.Background(), p, "Enter the castle.", nil)

	must(t, res.Err)
	if res.FinalAnswer != "Walk through the open gate" {
		t.Errorf("FinalAnswer = %q", res.FinalAnswer)
	}
	if len(p.ChatCalls) != 1 {
		t.Errorf("len(ChatCalls) = %d, want 1 (early exit)", len(p.ChatCalls))
	}
}

// TestTreeOfThoughtPruneStopsExpansion keeps the best root even when every
// branch falls below the threshold.
func TestTreeOfThoughtPruneStopsExpansion(t *testing.T) {
	t.Parallel()

	p := scripted("1. Shout at the walls (confidence: 0.1)\n2. Wait for winter (confidence: 0.2)")
	engine := newEngine(t, ModeTreeOfThought, Config{MaxDepth: 3, ConfidenceThreshold: 0.5})

	res := engine.Process(context.Background(), p, "Enter the castle.", nil)

	must(t, res.Err)
	if !res.OK {
		t.Fatal("Process() OK = false, want true")
	}
	if res.FinalAnswer != "Wait for winter" {
		t.Errorf("FinalAnswer = %q", res.FinalAnswer)
	}
	if len(p.ChatCalls) != 1 {
		t.Errorf("len(ChatCalls) = %d, want 1 (pruned frontier)", len(p.ChatCalls))
	}
}

// TestTreeOfThoughtMissingConfidence scores unannotated ideas at 0.5.
func TestTreeOfThoughtMissingConfidence(t *testing.T) {
	t.Parallel()

	p := scripted("1. Just try the door")
	engine := newEngine(t, ModeTreeOfThought, Config{MaxDepth: 1})

	res := engine.Process(context.Background(), p, "Enter the castle.", nil)

	must(t, res.Err)
	if res.FinalAnswer != "Just try the door" {
		t.Errorf("FinalAnswer = %q", res.FinalAnswer)
	}
	if res.Thoughts[0].Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", res.Thoughts[0].Confidence)
	}
}

// TestTreeOfThoughtNoBranches fails when the model returns nothing usable.
func TestTreeOfThoughtNoBranches(t *testing.T) {
	t.Parallel()

	p := scripted("")
	engine := newEngine(t, ModeTreeOfThought, Config{})

	res := engine.Process(context.Background(), p, "Enter the castle.", nil)

	if res.OK {
		t.Error("Process() OK = true, want false")
	}
	if res.Err == nil {
		t.Fatal("Err = nil, want error")
	}
	assertContains(t, res.Err.Error(), "no usable branches")
}
