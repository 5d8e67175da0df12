// ABOUTME: CLI entrypoint for the pipegraph spawner with run, validate, and export modes.
// ABOUTME: Wires together config parsing, graph validation, the spawner, and diagnostics output.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/2389-research/pipegraph/config"
	"github.com/2389-research/pipegraph/graph"
	"github.com/2389-research/pipegraph/render"
	"github.com/2389-research/pipegraph/spawn"
)

var version = "dev"

// cliConfig holds all CLI configuration parsed from flags and positional
// arguments.
type cliConfig struct {
	validateOnly bool
	exportFormat string
	verbose      bool
	showVersion  bool
	graphFile    string
}

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

func main() {
	// Must run before anything else: when this process is a re-exec'd
	// child shim, control never comes back.
	spawn.ExecChildIfRequested()

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("pipegraph %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated cliConfig.
func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("pipegraph", flag.ContinueOnError)
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate the graph without spawning")
	fs.StringVar(&cfg.exportFormat, "export", "", "Export the graph instead of running: dot, svg, png")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if fs.NArg() > 0 {
		cfg.graphFile = fs.Arg(0)
	}

	return cfg
}

// run dispatches to the appropriate mode based on the config.
// Returns an exit code: 0 for success, 1 for failure.
func run(cfg cliConfig) int {
	if cfg.graphFile == "" {
		printHelp(os.Stderr, version)
		return 0
	}

	desc, configDiags, err := config.Load(cfg.graphFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR"), err)
		return 1
	}
	printDiagnostics(configDiags)

	g, graphDiags, err := graph.New(desc)
	printDiagnostics(graphDiags)
	if err != nil {
		var gerr *graph.Error
		if !errors.As(err, &gerr) {
			// Diagnostics inside a *graph.Error were already printed.
			fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR"), err)
		}
		return 1
	}

	if cfg.validateOnly {
		fmt.Printf("%s: graph ok (%d nodes, %d pipes)\n", cfg.graphFile, len(g.Nodes), len(g.PipeNames()))
		return 0
	}

	if cfg.exportFormat != "" {
		return runExport(g, cfg.exportFormat)
	}

	return runGraph(g, cfg.verbose)
}

// runExport writes the graph in the requested format to stdout.
func runExport(g *graph.Graph, format string) int {
	out, err := render.Render(context.Background(), g, format)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR"), err)
		return 1
	}
	os.Stdout.Write(out)
	return 0
}

// runGraph spawns every node, waits for the children, and reports their
// exit codes. Returns non-zero if any child failed.
func runGraph(g *graph.Graph, verbose bool) int {
	log := newLogger(verbose)
	defer log.Sync()

	statuses, err := spawn.Run(g, spawn.WithLogger(log))
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR"), err)
		return 1
	}

	failed := 0
	pids := make([]int, 0, len(statuses))
	for pid := range statuses {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		code := statuses[pid]
		if code != 0 {
			failed++
			fmt.Fprintln(os.Stderr, warningStyle.Render(fmt.Sprintf("node %d exited with status %d", pid, code)))
		} else if verbose {
			fmt.Fprintf(os.Stderr, "node %d exited with status 0\n", pid)
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// printDiagnostics writes validation findings to stderr, styled by
// severity.
func printDiagnostics(diags []graph.Diagnostic) {
	for _, d := range diags {
		style := infoStyle
		switch d.Severity {
		case graph.SeverityError:
			style = errorStyle
		case graph.SeverityWarning:
			style = warningStyle
		}
		fmt.Fprintf(os.Stderr, "%s [%s] %s\n", style.Render(d.Severity.String()), d.Rule, d.Message)
	}
}

// newLogger builds the CLI logger: debug-level development output when
// verbose, warnings and above otherwise.
func newLogger(verbose bool) *zap.Logger {
	zcfg := zap.NewDevelopmentConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
