// ABOUTME: YAML front-end parsing pipe-graph descriptions into graph.Description values.
// ABOUTME: Unknown keys are reported as warnings and ignored rather than rejected.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/pipegraph/graph"
)

// fileGraph mirrors the on-disk YAML schema of a graph description.
type fileGraph struct {
	Inputs  map[string]int `yaml:"inputs"`
	Outputs map[string]int `yaml:"outputs"`
	Sockets map[string]int `yaml:"sockets"`
	Nodes   []fileNode     `yaml:"nodes"`
}

// fileNode mirrors the on-disk YAML schema of one node.
type fileNode struct {
	Command []string       `yaml:"command"`
	Inputs  map[int]string `yaml:"inputs"`
	Outputs map[int]string `yaml:"outputs"`
	Sockets map[int]string `yaml:"sockets"`
}

var knownGraphKeys = map[string]bool{
	"inputs":  true,
	"outputs": true,
	"sockets": true,
	"nodes":   true,
}

var knownNodeKeys = map[string]bool{
	"command": true,
	"inputs":  true,
	"outputs": true,
	"sockets": true,
}

// Load reads and parses a YAML graph description file. Unknown keys are
// returned as warning diagnostics; malformed YAML or wrong field types are
// errors.
func Load(path string) (graph.Description, []graph.Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Description{}, nil, fmt.Errorf("read description %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML graph description.
func Parse(data []byte) (graph.Description, []graph.Diagnostic, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return graph.Description{}, nil, fmt.Errorf("parse description: %w", err)
	}
	if doc.Kind == 0 {
		// No document at all (empty input).
		return graph.Description{}, nil, nil
	}

	diags := unknownKeyDiagnostics(&doc)

	var fg fileGraph
	if err := doc.Decode(&fg); err != nil {
		return graph.Description{}, diags, fmt.Errorf("decode description: %w", err)
	}

	desc := graph.Description{
		Inputs:  fg.Inputs,
		Outputs: fg.Outputs,
		Sockets: fg.Sockets,
	}
	for _, fn := range fg.Nodes {
		desc.Nodes = append(desc.Nodes, graph.NodeDescription{
			Command: fn.Command,
			Inputs:  fn.Inputs,
			Outputs: fn.Outputs,
			Sockets: fn.Sockets,
		})
	}
	return desc, diags, nil
}

// unknownKeyDiagnostics walks the document's mapping keys against the
// schema and reports the ones the schema does not know.
func unknownKeyDiagnostics(doc *yaml.Node) []graph.Diagnostic {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil
	}

	var diags []graph.Diagnostic
	forEachKey(root, func(key string, value *yaml.Node) {
		if !knownGraphKeys[key] {
			diags = append(diags, unknownKeyDiag(key, "graph"))
			return
		}
		if key != "nodes" || value.Kind != yaml.SequenceNode {
			return
		}
		for i, nodeEntry := range value.Content {
			if nodeEntry.Kind != yaml.MappingNode {
				continue
			}
			forEachKey(nodeEntry, func(nodeKey string, _ *yaml.Node) {
				if !knownNodeKeys[nodeKey] {
					diags = append(diags, unknownKeyDiag(nodeKey, fmt.Sprintf("node %d", i)))
				}
			})
		}
	})
	return diags
}

func forEachKey(mapping *yaml.Node, fn func(key string, value *yaml.Node)) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		fn(mapping.Content[i].Value, mapping.Content[i+1])
	}
}

func unknownKeyDiag(key, where string) graph.Diagnostic {
	return graph.Diagnostic{
		Rule:     "unknown_key",
		Severity: graph.SeverityWarning,
		Message:  fmt.Sprintf("unknown key %q in %s description, ignoring", key, where),
		Node:     -1,
	}
}
