// ABOUTME: Spawner orchestrating per-node fork/exec with descriptor handoff from the registry.
// ABOUTME: Children are re-execs of this binary; the shim rearranges fds and execs the payload.
//go:build linux

package spawn

import (
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/2389-research/pipegraph/graph"
)

// procSelfExe is the executable re-invoked as the child shim.
const procSelfExe = "/proc/self/exe"

// SystemError wraps a failed kernel operation during spawning or reaping.
// Previously spawned children keep running and still need reaping.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithLogger sets the logger used for diagnostics. Defaults to a no-op
// logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Spawner) {
		s.log = log
	}
}

// WithSink sets the event sink. Defaults to a zap-backed sink over the
// configured logger.
func WithSink(sink Sink) Option {
	return func(s *Spawner) {
		s.sink = sink
	}
}

// Spawner forks the nodes of a pipe graph, hands each child exactly the
// endpoints it asked for at the slots it asked for, and accumulates child
// pids for reaping. A single parent must not run more than one Spawner at
// a time: reaping uses wait-any semantics and would steal children across
// instances.
type Spawner struct {
	log   *zap.Logger
	sink  Sink
	runID string

	registry *registry
	children map[int][]string // pid -> command, until reaped
}

// New creates a Spawner for the validated graph and pre-registers the
// graph-level input, output, and socket descriptors.
func New(g *graph.Graph, opts ...Option) (*Spawner, error) {
	s := &Spawner{
		log:      zap.NewNop(),
		runID:    ulid.Make().String(),
		children: make(map[int][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = NewZapSink(s.log)
	}
	s.registry = newRegistry(s.log, s.sink, s.runID)

	for _, name := range sortedNames(g.Inputs) {
		if err := s.registry.registerInput(name, g.Inputs[name]); err != nil {
			return nil, &SystemError{Op: "register graph input", Err: err}
		}
	}
	for _, name := range sortedNames(g.Outputs) {
		if err := s.registry.registerOutput(name, g.Outputs[name]); err != nil {
			return nil, &SystemError{Op: "register graph output", Err: err}
		}
	}
	for _, name := range sortedNames(g.Sockets) {
		if err := s.registry.registerSocket(name, g.Sockets[name]); err != nil {
			return nil, &SystemError{Op: "register graph socket", Err: err}
		}
	}

	s.emit(Event{Type: EventRunStarted})
	return s, nil
}

// Spawn forks one node. The child ends up with each requested endpoint at
// the requested slot, nothing else from the registry, and its command
// exec'd. Returns the child pid. On failure the spawn is abandoned; pipe
// endpoints created along the way stay in the registry and are released by
// CloseFDs, and socket ends already claimed for this node are closed.
func (s *Spawner) Spawn(node graph.Node) (int, error) {
	mapping := make(map[int]int) // child slot -> parent fd
	var transferred []int        // socket ends to close in the parent post-fork

	closeTransferred := func() {
		for _, fd := range transferred {
			if cerr := syscall.Close(fd); cerr != nil {
				s.log.Warn("close transferred socket end", zap.Int("fd", fd), zap.Error(cerr))
			}
		}
	}

	for _, slot := range sortedSlots(node.Inputs) {
		fd, err := s.registry.readingEndFD(node.Inputs[slot])
		if err != nil {
			return 0, &SystemError{Op: "create pipe", Err: err}
		}
		mapping[slot] = fd
	}
	for _, slot := range sortedSlots(node.Outputs) {
		fd, err := s.registry.writingEndFD(node.Outputs[slot])
		if err != nil {
			return 0, &SystemError{Op: "create pipe", Err: err}
		}
		mapping[slot] = fd
	}
	for _, slot := range sortedSlots(node.Sockets) {
		fd, err := s.registry.takeSocketEnd(node.Sockets[slot])
		if err != nil {
			closeTransferred()
			return 0, &SystemError{Op: "claim socket end", Err: err}
		}
		mapping[slot] = fd
		transferred = append(transferred, fd)
	}

	pid, err := s.forkChild(node.Command, mapping)
	if err != nil {
		closeTransferred()
		return 0, &SystemError{Op: "fork", Err: err}
	}

	s.children[pid] = node.Command
	closeTransferred()

	s.emit(Event{Type: EventNodeSpawned, Pid: pid, Command: node.Command,
		Detail: fmt.Sprintf("fd mapping %v", mapping)})
	return pid, nil
}

// forkChild re-execs this binary as the child shim. The parent fds land at
// contiguous descriptor positions after stdio; the shim learns the desired
// slot for each position from the environment, permutes its descriptor
// table, and execs the payload command.
func (s *Spawner) forkChild(command []string, mapping map[int]int) (int, error) {
	files := []uintptr{0, 1, 2}
	position := make(map[int]int) // parent fd -> position in files
	shimMapping := make(map[int]int)

	slots := make([]int, 0, len(mapping))
	for slot := range mapping {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	for _, slot := range slots {
		fd := mapping[slot]
		pos, ok := position[fd]
		if !ok {
			pos = len(files)
			files = append(files, uintptr(fd))
			position[fd] = pos
		}
		shimMapping[slot] = pos
	}

	env := append(os.Environ(),
		childMarkerEnv+"=1",
		childMappingEnv+"="+encodeMapping(shimMapping),
	)
	argv := append([]string{childArgv0}, command...)

	pid, err := syscall.ForkExec(procSelfExe, argv, &syscall.ProcAttr{
		Env:   env,
		Files: files,
	})
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// CloseFDs releases every endpoint the parent still holds. Call after the
// last Spawn so readers in the graph can see EOF once the writers finish.
func (s *Spawner) CloseFDs() {
	s.registry.closeAll()
}

// Pids returns the pids of spawned children not yet reaped, sorted.
func (s *Spawner) Pids() []int {
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (s *Spawner) emit(e Event) {
	e.Timestamp = time.Now()
	e.RunID = s.runID
	s.sink.Emit(e)
}

// Run spawns every node of the graph in order, closes the parent-held
// endpoints, and reaps. This is the whole-graph convenience used by the
// CLI; callers needing external plumbing drive Spawn, CloseFDs, and Join
// themselves.
func Run(g *graph.Graph, opts ...Option) (map[int]int, error) {
	s, err := New(g, opts...)
	if err != nil {
		return nil, err
	}

	for i, node := range g.Nodes {
		if _, err := s.Spawn(node); err != nil {
			s.CloseFDs()
			if len(s.children) > 0 {
				if statuses, jerr := s.Join(); jerr == nil {
					s.log.Warn("reaped children after failed spawn", zap.Int("count", len(statuses)))
				}
			}
			return nil, fmt.Errorf("spawn node %d: %w", i, err)
		}
	}

	s.CloseFDs()
	return s.Join()
}

func sortedSlots(m map[int]string) []int {
	slots := make([]int, 0, len(m))
	for slot := range m {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}
