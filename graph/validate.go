// ABOUTME: Validation rules that check a pipe graph for endpoint conflicts and wiring mistakes.
// ABOUTME: Provides a pluggable Rule interface, built-in rules, Validate, and ValidateOrError.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	case SeverityInfo:
		return "INFO"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic represents a validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	Node     int    // node index, -1 when not node-scoped
	Pipe     string // optional pipe or socket name
}

// Error is the fatal outcome of graph validation: at least one
// ERROR-severity diagnostic. The advisory diagnostics are included too.
type Error struct {
	Diags []Diagnostic
}

func (e *Error) Error() string {
	var errs []string
	for _, d := range e.Diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Message)
		}
	}
	return fmt.Sprintf("graph validation failed with %d error(s): %s", len(errs), strings.Join(errs, "; "))
}

// Rule is the interface for validation rules.
type Rule interface {
	Name() string
	Apply(g *Graph) []Diagnostic
}

// builtinRules returns all built-in validation rules, fatal checks first.
func builtinRules() []Rule {
	return []Rule{
		&commandRule{},
		&slotRule{},
		&pipeCollisionRule{},
		&pipeDirectionRule{},
		&socketUsageRule{},
		&deadEndRule{},
	}
}

// Validate runs all built-in rules plus any extra rules on the graph.
// Validation is read-only; running it repeatedly yields the same findings.
func Validate(g *Graph, extraRules ...Rule) []Diagnostic {
	var diags []Diagnostic

	rules := builtinRules()
	rules = append(rules, extraRules...)

	for _, rule := range rules {
		diags = append(diags, rule.Apply(g)...)
	}

	return diags
}

// ValidateOrError runs validation and returns a *Error if any
// ERROR-severity diagnostics exist.
func ValidateOrError(g *Graph, extraRules ...Rule) ([]Diagnostic, error) {
	diags := Validate(g, extraRules...)

	for _, d := range diags {
		if d.Severity == SeverityError {
			return diags, &Error{Diags: diags}
		}
	}

	return diags, nil
}

// --- Built-in rules ---

// commandRule checks that every node has a non-empty command whose first
// element, the program name, is non-empty. Later arguments are not checked.
type commandRule struct{}

func (r *commandRule) Name() string { return "command" }

func (r *commandRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for i, n := range g.Nodes {
		if len(n.Command) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %d has an empty command", i),
				Node:     i,
			})
			continue
		}
		if n.Command[0] == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %d has an empty program name", i),
				Node:     i,
			})
		}
	}
	return diags
}

// slotRule checks that, within one node, the three slot maps are pairwise
// disjoint on keys and that no slot is negative.
type slotRule struct{}

func (r *slotRule) Name() string { return "slot" }

func (r *slotRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for i, n := range g.Nodes {
		bound := make(map[int]string) // slot -> endpoint kind that claimed it
		for _, claim := range []struct {
			kind  string
			slots map[int]string
		}{
			{"input", n.Inputs},
			{"output", n.Outputs},
			{"socket", n.Sockets},
		} {
			for _, slot := range sortedSlots(claim.slots) {
				if slot < 0 {
					diags = append(diags, Diagnostic{
						Rule:     r.Name(),
						Severity: SeverityError,
						Message:  fmt.Sprintf("node %d has negative descriptor slot %d", i, slot),
						Node:     i,
					})
					continue
				}
				if prev, ok := bound[slot]; ok {
					diags = append(diags, Diagnostic{
						Rule:     r.Name(),
						Severity: SeverityError,
						Message:  fmt.Sprintf("node %d binds slot %d twice (%s and %s)", i, slot, prev, claim.kind),
						Node:     i,
					})
					continue
				}
				bound[slot] = claim.kind
			}
		}
	}
	return diags
}

// pipeCollisionRule checks that no pipe name appears in both Graph.Inputs
// and Graph.Outputs.
type pipeCollisionRule struct{}

func (r *pipeCollisionRule) Name() string { return "pipe_collision" }

func (r *pipeCollisionRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedStringKeys(g.Inputs) {
		if _, ok := g.Outputs[name]; ok {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("pipe %q appears in both graph inputs and graph outputs", name),
				Node:     -1,
				Pipe:     name,
			})
		}
	}
	return diags
}

// pipeDirectionRule checks that a pipe fed by the outside world (a graph
// input) is never written by a node, and that a pipe drained by the outside
// world (a graph output) is never read by a node.
type pipeDirectionRule struct{}

func (r *pipeDirectionRule) Name() string { return "pipe_direction" }

func (r *pipeDirectionRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for i, n := range g.Nodes {
		for _, slot := range sortedSlots(n.Outputs) {
			name := n.Outputs[slot]
			if _, ok := g.Inputs[name]; ok {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("pipe %q is a graph input but node %d writes it at slot %d", name, i, slot),
					Node:     i,
					Pipe:     name,
				})
			}
		}
		for _, slot := range sortedSlots(n.Inputs) {
			name := n.Inputs[slot]
			if _, ok := g.Outputs[name]; ok {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("pipe %q is a graph output but node %d reads it at slot %d", name, i, slot),
					Node:     i,
					Pipe:     name,
				})
			}
		}
	}
	return diags
}

// socketUsageRule checks that each socket name is claimed exactly twice
// across node socket maps: once per end of the pair.
type socketUsageRule struct{}

func (r *socketUsageRule) Name() string { return "socket_usage" }

func (r *socketUsageRule) Apply(g *Graph) []Diagnostic {
	uses := make(map[string]int)
	for _, n := range g.Nodes {
		for _, name := range n.Sockets {
			uses[name]++
		}
	}
	for name := range g.Sockets {
		// A parent-supplied end counts as one claimed side.
		uses[name]++
	}

	var diags []Diagnostic
	for _, name := range sortedStringKeys(uses) {
		switch count := uses[name]; {
		case count == 1:
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("socket %q is used once; its peer end will be orphaned", name),
				Node:     -1,
				Pipe:     name,
			})
		case count > 2:
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("socket %q is used %d times, expected 2", name, count),
				Node:     -1,
				Pipe:     name,
			})
		}
	}
	return diags
}

// deadEndRule warns about pipes that are never read or never written,
// counting the outside world as a writer of graph inputs and a reader of
// graph outputs.
type deadEndRule struct{}

func (r *deadEndRule) Name() string { return "dead_end" }

func (r *deadEndRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range g.PipeNames() {
		_, externallyWritten := g.Inputs[name]
		_, externallyRead := g.Outputs[name]

		if !externallyWritten && len(g.Writers(name)) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("pipe %q is never written; its readers will see immediate EOF", name),
				Node:     -1,
				Pipe:     name,
			})
		}
		if !externallyRead && len(g.Readers(name)) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("pipe %q is never read; its writers may block or die on SIGPIPE", name),
				Node:     -1,
				Pipe:     name,
			})
		}
	}
	return diags
}

func sortedSlots(m map[int]string) []int {
	slots := make([]int, 0, len(m))
	for slot := range m {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

func sortedStringKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
