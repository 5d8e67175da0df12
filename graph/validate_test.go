// ABOUTME: Tests for pipe-graph validation rules covering endpoint conflicts and wiring mistakes.
// ABOUTME: Covers fatal collisions, direction conflicts, slot reuse, and advisory socket/dead-end findings.
package graph

import (
	"strings"
	"testing"
)

// pipelineDescription builds the canonical two-node pipeline: echo -> cat.
func pipelineDescription() Description {
	return Description{
		Nodes: []NodeDescription{
			{Command: []string{"echo", "hello"}, Outputs: map[int]string{1: "p"}},
			{Command: []string{"cat"}, Inputs: map[int]string{0: "p"}},
		},
	}
}

// hasDiagnostic checks if any diagnostic matches the given rule and severity.
func hasDiagnostic(diags []Diagnostic, rule string, sev Severity) bool {
	for _, d := range diags {
		if d.Rule == rule && d.Severity == sev {
			return true
		}
	}
	return false
}

// diagnosticMentioning returns the first diagnostic whose message contains s.
func diagnosticMentioning(diags []Diagnostic, s string) *Diagnostic {
	for i, d := range diags {
		if strings.Contains(d.Message, s) {
			return &diags[i]
		}
	}
	return nil
}

func TestValidate_ValidPipeline(t *testing.T) {
	g, diags, err := New(pipelineDescription())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g == nil {
		t.Fatal("expected a graph")
	}
	for _, d := range diags {
		if d.Severity == SeverityError {
			t.Errorf("unexpected ERROR diagnostic: rule=%s message=%s", d.Rule, d.Message)
		}
	}
}

func TestValidate_Idempotent(t *testing.T) {
	g, _, err := New(pipelineDescription())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := Validate(g)
	second := Validate(g)
	if len(first) != len(second) {
		t.Errorf("validation not idempotent: %d findings then %d", len(first), len(second))
	}
}

func TestValidate_EmptyGraph(t *testing.T) {
	g, diags, err := New(Description{})
	if err != nil {
		t.Fatalf("empty graph should validate: %v", err)
	}
	if len(g.Nodes) != 0 {
		t.Errorf("expected no nodes, got %d", len(g.Nodes))
	}
	for _, d := range diags {
		if d.Severity == SeverityError {
			t.Errorf("unexpected ERROR diagnostic: %s", d.Message)
		}
	}
}

func TestValidate_PipeCollision(t *testing.T) {
	_, diags, err := New(Description{
		Inputs:  map[string]int{"x": 7},
		Outputs: map[string]int{"x": 8},
	})
	if err == nil {
		t.Fatal("expected a graph error")
	}
	if !hasDiagnostic(diags, "pipe_collision", SeverityError) {
		t.Errorf("expected pipe_collision ERROR, got: %v", diags)
	}
	if d := diagnosticMentioning(diags, `"x"`); d == nil || d.Pipe != "x" {
		t.Errorf("expected diagnostic naming pipe x, got: %v", diags)
	}
}

func TestValidate_DirectionConflict(t *testing.T) {
	// Scenario: graph input "x" written by a node.
	_, diags, err := New(Description{
		Inputs: map[string]int{"x": 7},
		Nodes: []NodeDescription{
			{Command: []string{"cat"}, Outputs: map[int]string{1: "x"}},
		},
	})
	if err == nil {
		t.Fatal("expected a graph error")
	}
	if !hasDiagnostic(diags, "pipe_direction", SeverityError) {
		t.Errorf("expected pipe_direction ERROR, got: %v", diags)
	}
	if d := diagnosticMentioning(diags, `"x"`); d == nil {
		t.Errorf("expected diagnostic mentioning x, got: %v", diags)
	}
}

func TestValidate_DirectionConflictOutput(t *testing.T) {
	_, diags, err := New(Description{
		Outputs: map[string]int{"y": 9},
		Nodes: []NodeDescription{
			{Command: []string{"cat"}, Inputs: map[int]string{0: "y"}},
		},
	})
	if err == nil {
		t.Fatal("expected a graph error")
	}
	if !hasDiagnostic(diags, "pipe_direction", SeverityError) {
		t.Errorf("expected pipe_direction ERROR, got: %v", diags)
	}
}

func TestValidate_SlotConflict(t *testing.T) {
	// Scenario: one node binding slot 3 as both input and output.
	_, diags, err := New(Description{
		Nodes: []NodeDescription{
			{
				Command: []string{"cat"},
				Inputs:  map[int]string{3: "a"},
				Outputs: map[int]string{3: "b"},
			},
		},
	})
	if err == nil {
		t.Fatal("expected a graph error")
	}
	if !hasDiagnostic(diags, "slot", SeverityError) {
		t.Errorf("expected slot ERROR, got: %v", diags)
	}
	if d := diagnosticMentioning(diags, "slot 3"); d == nil {
		t.Errorf("expected diagnostic mentioning slot 3, got: %v", diags)
	}
}

func TestValidate_NegativeSlot(t *testing.T) {
	_, diags, err := New(Description{
		Nodes: []NodeDescription{
			{Command: []string{"cat"}, Inputs: map[int]string{-1: "a"}},
		},
	})
	if err == nil {
		t.Fatal("expected a graph error")
	}
	if !hasDiagnostic(diags, "slot", SeverityError) {
		t.Errorf("expected slot ERROR, got: %v", diags)
	}
}

func TestValidate_EmptyCommand(t *testing.T) {
	_, diags, err := New(Description{
		Nodes: []NodeDescription{{Command: nil}},
	})
	if err == nil {
		t.Fatal("expected a graph error")
	}
	if !hasDiagnostic(diags, "command", SeverityError) {
		t.Errorf("expected command ERROR, got: %v", diags)
	}
}

func TestValidate_SocketUsedOnce(t *testing.T) {
	_, diags, err := New(Description{
		Nodes: []NodeDescription{
			{Command: []string{"cat"}, Sockets: map[int]string{5: "s"}},
		},
	})
	if err != nil {
		t.Fatalf("socket underuse must not be fatal: %v", err)
	}
	if !hasDiagnostic(diags, "socket_usage", SeverityWarning) {
		t.Errorf("expected socket_usage WARNING, got: %v", diags)
	}
}

func TestValidate_SocketUsedTwiceIsClean(t *testing.T) {
	_, diags, err := New(Description{
		Nodes: []NodeDescription{
			{Command: []string{"cat"}, Sockets: map[int]string{5: "s"}},
			{Command: []string{"cat"}, Sockets: map[int]string{5: "s"}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasDiagnostic(diags, "socket_usage", SeverityWarning) {
		t.Errorf("canonical socket pair should not warn, got: %v", diags)
	}
}

func TestValidate_SocketOveruse(t *testing.T) {
	_, diags, err := New(Description{
		Nodes: []NodeDescription{
			{Command: []string{"cat"}, Sockets: map[int]string{5: "s"}},
			{Command: []string{"cat"}, Sockets: map[int]string{5: "s"}},
			{Command: []string{"cat"}, Sockets: map[int]string{5: "s"}},
		},
	})
	if err != nil {
		t.Fatalf("socket overuse must not be fatal: %v", err)
	}
	if !hasDiagnostic(diags, "socket_usage", SeverityWarning) {
		t.Errorf("expected socket_usage WARNING, got: %v", diags)
	}
}

func TestValidate_DeadEndPipe(t *testing.T) {
	// "p" is written but nobody reads it.
	_, diags, err := New(Description{
		Nodes: []NodeDescription{
			{Command: []string{"echo", "hi"}, Outputs: map[int]string{1: "p"}},
		},
	})
	if err != nil {
		t.Fatalf("dead ends must not be fatal: %v", err)
	}
	if !hasDiagnostic(diags, "dead_end", SeverityWarning) {
		t.Errorf("expected dead_end WARNING, got: %v", diags)
	}
}

func TestValidate_ExternalEndsAreNotDeadEnds(t *testing.T) {
	_, diags, err := New(Description{
		Inputs:  map[string]int{"in": 7},
		Outputs: map[string]int{"out": 8},
		Nodes: []NodeDescription{
			{
				Command: []string{"cat"},
				Inputs:  map[int]string{0: "in"},
				Outputs: map[int]string{1: "out"},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasDiagnostic(diags, "dead_end", SeverityWarning) {
		t.Errorf("externally plumbed pipes are not dead ends, got: %v", diags)
	}
}

func TestValidate_CustomRule(t *testing.T) {
	g, _, err := New(pipelineDescription())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	diags := Validate(g, &maxNodesRule{max: 1})
	if !hasDiagnostic(diags, "max_nodes", SeverityWarning) {
		t.Errorf("expected custom rule finding, got: %v", diags)
	}
}

// maxNodesRule is a trivial extra rule used to exercise the Rule extension
// point.
type maxNodesRule struct {
	max int
}

func (r *maxNodesRule) Name() string { return "max_nodes" }

func (r *maxNodesRule) Apply(g *Graph) []Diagnostic {
	if len(g.Nodes) <= r.max {
		return nil
	}
	return []Diagnostic{{
		Rule:     r.Name(),
		Severity: SeverityWarning,
		Message:  "too many nodes",
		Node:     -1,
	}}
}
