// ABOUTME: In-memory model of a pipe graph: external endpoints plus the ordered node list.
// ABOUTME: Graphs are built from a Description via New, which validates before returning.
package graph

import (
	"sort"
)

// Description is the untyped-parsing boundary: a graph as delivered by a
// config front-end, before validation. Maps may be nil.
type Description struct {
	Inputs  map[string]int // pipe name -> parent fd that children read
	Outputs map[string]int // pipe name -> parent fd that children write
	Sockets map[string]int // socket name -> parent-supplied socket end
	Nodes   []NodeDescription
}

// NodeDescription describes one child process and the descriptor slots it
// expects each endpoint to occupy.
type NodeDescription struct {
	Command []string
	Inputs  map[int]string // child slot -> pipe name read at that slot
	Outputs map[int]string // child slot -> pipe name written at that slot
	Sockets map[int]string // child slot -> socket name owned at that slot
}

// Graph is a validated, immutable pipe graph. Construct with New; do not
// mutate the maps after construction.
type Graph struct {
	Inputs  map[string]int
	Outputs map[string]int
	Sockets map[string]int
	Nodes   []Node
}

// Node is one child process in the graph.
type Node struct {
	Command []string
	Inputs  map[int]string
	Outputs map[int]string
	Sockets map[int]string
}

// New builds a Graph from a description and validates it. Advisory findings
// are returned as diagnostics alongside a usable graph; fatal findings
// return a *Error and no graph.
func New(desc Description) (*Graph, []Diagnostic, error) {
	g := &Graph{
		Inputs:  copyStringIntMap(desc.Inputs),
		Outputs: copyStringIntMap(desc.Outputs),
		Sockets: copyStringIntMap(desc.Sockets),
		Nodes:   make([]Node, 0, len(desc.Nodes)),
	}
	for _, nd := range desc.Nodes {
		g.Nodes = append(g.Nodes, Node{
			Command: append([]string(nil), nd.Command...),
			Inputs:  copyIntStringMap(nd.Inputs),
			Outputs: copyIntStringMap(nd.Outputs),
			Sockets: copyIntStringMap(nd.Sockets),
		})
	}

	diags, err := ValidateOrError(g)
	if err != nil {
		return nil, diags, err
	}
	return g, diags, nil
}

// PipeNames returns every pipe name referenced anywhere in the graph,
// sorted for deterministic output.
func (g *Graph) PipeNames() []string {
	seen := make(map[string]bool)
	for name := range g.Inputs {
		seen[name] = true
	}
	for name := range g.Outputs {
		seen[name] = true
	}
	for _, n := range g.Nodes {
		for _, name := range n.Inputs {
			seen[name] = true
		}
		for _, name := range n.Outputs {
			seen[name] = true
		}
	}
	return sortedKeys(seen)
}

// SocketNames returns every socket name referenced anywhere in the graph,
// sorted for deterministic output.
func (g *Graph) SocketNames() []string {
	seen := make(map[string]bool)
	for name := range g.Sockets {
		seen[name] = true
	}
	for _, n := range g.Nodes {
		for _, name := range n.Sockets {
			seen[name] = true
		}
	}
	return sortedKeys(seen)
}

// Writers returns the indexes of nodes that write the named pipe.
func (g *Graph) Writers(pipe string) []int {
	var result []int
	for i, n := range g.Nodes {
		for _, name := range n.Outputs {
			if name == pipe {
				result = append(result, i)
				break
			}
		}
	}
	return result
}

// Readers returns the indexes of nodes that read the named pipe.
func (g *Graph) Readers(pipe string) []int {
	var result []int
	for i, n := range g.Nodes {
		for _, name := range n.Inputs {
			if name == pipe {
				result = append(result, i)
				break
			}
		}
	}
	return result
}

func copyStringIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntStringMap(m map[int]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
