// ABOUTME: Endpoint registry owning all parent-held pipe and socket-pair descriptors.
// ABOUTME: Creates endpoints lazily on first reference, close-on-exec from birth, and releases them.
//go:build linux

package spawn

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// registry owns every pipe and socket endpoint held by the parent on
// behalf of one spawner. All descriptors it creates or adopts carry
// close-on-exec; inheritability is granted per child, inside the child.
type registry struct {
	log   *zap.Logger
	sink  Sink
	runID string

	readingEnds     map[string]int // pipe name -> parent-held reading end
	writingEnds     map[string]int // pipe name -> parent-held writing end
	socketOtherEnds map[string]int // socket name -> parent-held unclaimed end
	socketUses      map[string]int // socket name -> ends handed out so far
}

func newRegistry(log *zap.Logger, sink Sink, runID string) *registry {
	return &registry{
		log:             log,
		sink:            sink,
		runID:           runID,
		readingEnds:     make(map[string]int),
		writingEnds:     make(map[string]int),
		socketOtherEnds: make(map[string]int),
		socketUses:      make(map[string]int),
	}
}

// registerInput adopts a parent-supplied descriptor as the reading end of
// the named pipe. The descriptor is made close-on-exec.
func (r *registry) registerInput(name string, fd int) error {
	if _, ok := r.readingEnds[name]; ok {
		return fmt.Errorf("pipe %q already has a reading end", name)
	}
	unix.CloseOnExec(fd)
	r.readingEnds[name] = fd
	return nil
}

// registerOutput adopts a parent-supplied descriptor as the writing end of
// the named pipe. The descriptor is made close-on-exec.
func (r *registry) registerOutput(name string, fd int) error {
	if _, ok := r.writingEnds[name]; ok {
		return fmt.Errorf("pipe %q already has a writing end", name)
	}
	unix.CloseOnExec(fd)
	r.writingEnds[name] = fd
	return nil
}

// registerSocket adopts a parent-supplied descriptor as one pre-claimed end
// of the named socket pair. The descriptor is made close-on-exec.
func (r *registry) registerSocket(name string, fd int) error {
	if _, ok := r.socketOtherEnds[name]; ok {
		return fmt.Errorf("socket %q already has a pending end", name)
	}
	unix.CloseOnExec(fd)
	r.socketOtherEnds[name] = fd
	r.socketUses[name] = 1
	return nil
}

// readingEndFD returns the reading end of the named pipe, creating the pipe
// on first reference.
func (r *registry) readingEndFD(name string) (int, error) {
	if fd, ok := r.readingEnds[name]; ok {
		return fd, nil
	}
	if err := r.makePipe(name); err != nil {
		return 0, err
	}
	return r.readingEnds[name], nil
}

// writingEndFD returns the writing end of the named pipe, creating the pipe
// on first reference.
func (r *registry) writingEndFD(name string) (int, error) {
	if fd, ok := r.writingEnds[name]; ok {
		return fd, nil
	}
	if err := r.makePipe(name); err != nil {
		return 0, err
	}
	return r.writingEnds[name], nil
}

// takeSocketEnd hands out one end of the named socket pair. The first call
// creates the pair, parks one end in the registry, and returns the other;
// the second call pops the parked end. Ownership of the returned descriptor
// moves to the caller, which must close it in the parent after fork.
func (r *registry) takeSocketEnd(name string) (int, error) {
	switch r.socketUses[name] {
	case 0:
		var pair [2]int
		if err := socketpairCloexec(&pair); err != nil {
			return 0, fmt.Errorf("socketpair %q: %w", name, err)
		}
		r.socketOtherEnds[name] = pair[1]
		r.socketUses[name] = 1
		r.emit(Event{Type: EventSocketCreated, Name: name,
			Detail: fmt.Sprintf("fds %d <-> %d", pair[0], pair[1])})
		return pair[0], nil
	case 1:
		fd := r.socketOtherEnds[name]
		delete(r.socketOtherEnds, name)
		r.socketUses[name] = 2
		return fd, nil
	default:
		return 0, fmt.Errorf("socket %q has no ends left: already claimed twice", name)
	}
}

// makePipe creates the named pipe with both ends close-on-exec and stores
// both ends.
func (r *registry) makePipe(name string) error {
	if _, ok := r.readingEnds[name]; ok {
		return fmt.Errorf("pipe %q already has a reading end", name)
	}
	if _, ok := r.writingEnds[name]; ok {
		return fmt.Errorf("pipe %q already has a writing end", name)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("pipe %q: %w", name, err)
	}
	r.readingEnds[name] = p[0]
	r.writingEnds[name] = p[1]
	r.emit(Event{Type: EventPipeCreated, Name: name,
		Detail: fmt.Sprintf("fds %d -> %d", p[1], p[0])})
	return nil
}

// closeAll closes every descriptor the registry still holds. Lingering
// socket ends mean the peer was never claimed; they are closed with a
// warning because the claimed side will see its peer vanish.
func (r *registry) closeAll() {
	for _, name := range sortedNames(r.writingEnds) {
		r.closeEnd(name, r.writingEnds[name])
	}
	for _, name := range sortedNames(r.readingEnds) {
		r.closeEnd(name, r.readingEnds[name])
	}
	for _, name := range sortedNames(r.socketOtherEnds) {
		r.log.Warn("socket end never claimed, closing orphan",
			zap.String("name", name), zap.Int("fd", r.socketOtherEnds[name]))
		r.closeEnd(name, r.socketOtherEnds[name])
	}
	r.readingEnds = make(map[string]int)
	r.writingEnds = make(map[string]int)
	r.socketOtherEnds = make(map[string]int)
	r.emit(Event{Type: EventFDsClosed})
}

func (r *registry) closeEnd(name string, fd int) {
	if err := unix.Close(fd); err != nil {
		r.log.Warn("close endpoint", zap.String("name", name), zap.Int("fd", fd), zap.Error(err))
	}
}

// heldFDs returns every descriptor currently owned by the registry.
func (r *registry) heldFDs() []int {
	var fds []int
	for _, fd := range r.readingEnds {
		fds = append(fds, fd)
	}
	for _, fd := range r.writingEnds {
		fds = append(fds, fd)
	}
	for _, fd := range r.socketOtherEnds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

func (r *registry) emit(e Event) {
	e.Timestamp = time.Now()
	e.RunID = r.runID
	r.sink.Emit(e)
}

func socketpairCloexec(pair *[2]int) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	*pair = fds
	return nil
}

func sortedNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
