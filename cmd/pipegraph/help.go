// ABOUTME: Help display for the pipegraph CLI with usage patterns, flags, and a YAML example.
// ABOUTME: Provides printHelp used by the flag set's Usage hook and the bare invocation.
package main

import (
	"fmt"
	"io"
)

// printHelp writes a formatted help message to w, including usage
// patterns, flags, and a minimal graph description example.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "pipegraph %s — spawn a graph of processes connected by pipes and socket pairs\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  pipegraph <graph.yaml>              Spawn the graph and wait for the children")
	fmt.Fprintln(w, "  pipegraph -validate <graph.yaml>    Validate the description without spawning")
	fmt.Fprintln(w, "  pipegraph -export dot <graph.yaml>  Print the graph as DOT (also: svg, png)")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -validate        Validate the graph without spawning")
	fmt.Fprintln(w, "  -export <fmt>    Export the graph instead of running: dot, svg, png")
	fmt.Fprintln(w, "  -verbose         Verbose output")
	fmt.Fprintln(w, "  -version         Print version and exit")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Description example:")
	fmt.Fprintln(w, "  nodes:")
	fmt.Fprintln(w, "    - command: [echo, hello]")
	fmt.Fprintln(w, "      outputs: {1: greetings}")
	fmt.Fprintln(w, "    - command: [cat]")
	fmt.Fprintln(w, "      inputs: {0: greetings}")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Exit status: 0 when every child exits 0, 1 otherwise.")
}
