// ABOUTME: Converts pipe graphs to DOT text and renders to SVG/PNG via graphviz.
// ABOUTME: Commands are boxes, pipes ellipses, socket pairs dashed edges, external ends diamonds.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/2389-research/pipegraph/graph"
)

// ToDOT serializes a pipe graph into DOT digraph text. Output is
// deterministic: nodes in description order, pipe and socket names sorted.
func ToDOT(g *graph.Graph) string {
	if g == nil {
		return ""
	}

	var buf strings.Builder

	buf.WriteString("digraph pipegraph {\n")
	buf.WriteString("  rankdir=LR\n")

	// Pipes as ellipses, external endpoints as diamonds.
	for _, name := range g.PipeNames() {
		buf.WriteString(fmt.Sprintf("  %s [label=%q shape=ellipse]\n", pipeID(name), name))
	}
	for _, name := range sortedEndpointNames(g.Inputs) {
		buf.WriteString(fmt.Sprintf("  %s [label=%q shape=diamond]\n",
			externalID("in", name), fmt.Sprintf("in:%s fd=%d", name, g.Inputs[name])))
		buf.WriteString(fmt.Sprintf("  %s -> %s\n", externalID("in", name), pipeID(name)))
	}
	for _, name := range sortedEndpointNames(g.Outputs) {
		buf.WriteString(fmt.Sprintf("  %s [label=%q shape=diamond]\n",
			externalID("out", name), fmt.Sprintf("out:%s fd=%d", name, g.Outputs[name])))
		buf.WriteString(fmt.Sprintf("  %s -> %s\n", pipeID(name), externalID("out", name)))
	}

	// Commands as boxes, edges labelled with the child descriptor slot.
	for i, n := range g.Nodes {
		buf.WriteString(fmt.Sprintf("  %s [label=%q shape=box]\n",
			nodeID(i), strings.Join(n.Command, " ")))
		for _, slot := range sortedSlots(n.Inputs) {
			buf.WriteString(fmt.Sprintf("  %s -> %s [label=%q]\n",
				pipeID(n.Inputs[slot]), nodeID(i), fmt.Sprintf("fd %d", slot)))
		}
		for _, slot := range sortedSlots(n.Outputs) {
			buf.WriteString(fmt.Sprintf("  %s -> %s [label=%q]\n",
				nodeID(i), pipeID(n.Outputs[slot]), fmt.Sprintf("fd %d", slot)))
		}
	}

	// Socket pairs as dashed undirected edges between their two claimants.
	writeSocketEdges(&buf, g)

	buf.WriteString("}\n")
	return buf.String()
}

// writeSocketEdges emits one dashed edge per socket pair connecting the
// nodes that claim its ends. A lone claimant is drawn against an orphan
// marker so the dangling half is visible.
func writeSocketEdges(buf *strings.Builder, g *graph.Graph) {
	for _, name := range g.SocketNames() {
		var claimants []string
		if _, ok := g.Sockets[name]; ok {
			buf.WriteString(fmt.Sprintf("  %s [label=%q shape=diamond]\n",
				externalID("sock", name), "sock:"+name))
			claimants = append(claimants, externalID("sock", name))
		}
		for i, n := range g.Nodes {
			for _, slot := range sortedSlots(n.Sockets) {
				if n.Sockets[slot] == name {
					claimants = append(claimants, nodeID(i))
				}
			}
		}

		switch len(claimants) {
		case 0:
		case 1:
			orphan := externalID("orphan", name)
			buf.WriteString(fmt.Sprintf("  %s [shape=point]\n", orphan))
			buf.WriteString(fmt.Sprintf("  %s -> %s [label=%q style=dashed dir=none]\n",
				claimants[0], orphan, name))
		default:
			for i := 1; i < len(claimants); i++ {
				buf.WriteString(fmt.Sprintf("  %s -> %s [label=%q style=dashed dir=none]\n",
					claimants[0], claimants[i], name))
			}
		}
	}
}

// Render produces rendered output from a pipe graph in the given format.
// Supported formats: "dot" (returns DOT text), "svg", "png" (shell out to
// the graphviz dot command).
func Render(ctx context.Context, g *graph.Graph, format string) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("cannot render nil graph")
	}

	switch format {
	case "dot":
		return []byte(ToDOT(g)), nil
	case "svg", "png":
		return renderWithGraphviz(ctx, g, format)
	default:
		return nil, fmt.Errorf("unsupported format %q: supported formats are dot, svg, png", format)
	}
}

// GraphvizAvailable checks whether the graphviz dot command is installed
// and reachable.
func GraphvizAvailable() bool {
	_, err := exec.LookPath("dot")
	return err == nil
}

// renderWithGraphviz pipes DOT text to the graphviz dot command and
// returns the output.
func renderWithGraphviz(ctx context.Context, g *graph.Graph, format string) ([]byte, error) {
	if !GraphvizAvailable() {
		return nil, fmt.Errorf("graphviz dot command not found: install graphviz to render %s output", format)
	}

	cmd := exec.CommandContext(ctx, "dot", "-T"+format)
	cmd.Stdin = strings.NewReader(ToDOT(g))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("graphviz dot command failed: %w: %s", err, stderr.String())
	}

	return stdout.Bytes(), nil
}

func nodeID(i int) string {
	return fmt.Sprintf("n%d", i)
}

func pipeID(name string) string {
	return "pipe_" + sanitize(name)
}

func externalID(kind, name string) string {
	return kind + "_" + sanitize(name)
}

// sanitize maps arbitrary endpoint names onto DOT identifier characters.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func sortedSlots(m map[int]string) []int {
	slots := make([]int, 0, len(m))
	for slot := range m {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

func sortedEndpointNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
