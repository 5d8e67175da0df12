// ABOUTME: Child-side shim run between fork and exec of the payload command.
// ABOUTME: Decodes the slot mapping from the environment, permutes fds, and execs the payload.
//go:build linux

package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/2389-research/pipegraph/fdmap"
)

const (
	childMarkerEnv  = "PIPEGRAPH_CHILD"
	childMappingEnv = "PIPEGRAPH_FDMAP"
	childArgv0      = "pipegraph-child"

	// execFailureStatus is the exit status of a child whose payload could
	// not be exec'd, following the shell convention for "command not found".
	execFailureStatus = 127
	// shimFailureStatus is the exit status when the shim itself fails
	// before reaching exec.
	shimFailureStatus = 126
)

// ExecChildIfRequested dispatches to the child shim when this process was
// re-exec'd by a Spawner. Host binaries must call it first thing in main
// (and test binaries in TestMain), before any descriptors are opened or
// goroutines started. It never returns in the child; in the parent it is a
// no-op.
func ExecChildIfRequested() {
	if os.Getenv(childMarkerEnv) == "" {
		return
	}
	runChild(os.Args[1:], os.Getenv(childMappingEnv))
}

// runChild applies the descriptor permutation and execs the payload.
// Never returns.
func runChild(command []string, encoded string) {
	mapping, err := decodeMapping(encoded)
	if err != nil {
		childFail(shimFailureStatus, "decode fd mapping: %v", err)
	}
	if len(command) == 0 {
		childFail(shimFailureStatus, "no payload command")
	}

	// The fork handoff cleared close-on-exec on the source positions; put
	// it back so positions that do not become payload slots vanish at exec.
	for _, pos := range sourcePositions(mapping) {
		unix.CloseOnExec(pos)
	}

	if err := fdmap.Apply(mapping); err != nil {
		childFail(shimFailureStatus, "apply fd mapping: %v", err)
	}
	for slot := range mapping {
		if err := fdmap.SetInheritable(slot, true); err != nil {
			childFail(shimFailureStatus, "mark fd %d inheritable: %v", slot, err)
		}
	}

	path, err := exec.LookPath(command[0])
	if err != nil {
		childFail(execFailureStatus, "%s: %v", command[0], err)
	}
	if err := unix.Exec(path, command, payloadEnv()); err != nil {
		childFail(execFailureStatus, "exec %s: %v", path, err)
	}
	panic("unreachable")
}

func childFail(status int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pipegraph child: "+format+"\n", args...)
	os.Exit(status)
}

// payloadEnv is the parent environment minus the shim's own control
// variables.
func payloadEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, childMarkerEnv+"=") || strings.HasPrefix(kv, childMappingEnv+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// encodeMapping serialises slot->position pairs as "slot=pos,slot=pos"
// with slots sorted, so the same mapping always encodes identically.
func encodeMapping(m map[int]int) string {
	slots := make([]int, 0, len(m))
	for slot := range m {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	parts := make([]string, 0, len(slots))
	for _, slot := range slots {
		parts = append(parts, strconv.Itoa(slot)+"="+strconv.Itoa(m[slot]))
	}
	return strings.Join(parts, ",")
}

func decodeMapping(encoded string) (map[int]int, error) {
	m := make(map[int]int)
	if encoded == "" {
		return m, nil
	}
	for _, part := range strings.Split(encoded, ",") {
		slotStr, posStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", part)
		}
		slot, err := strconv.Atoi(slotStr)
		if err != nil {
			return nil, fmt.Errorf("malformed slot %q", slotStr)
		}
		pos, err := strconv.Atoi(posStr)
		if err != nil {
			return nil, fmt.Errorf("malformed position %q", posStr)
		}
		m[slot] = pos
	}
	return m, nil
}

// sourcePositions returns the distinct source descriptors of the mapping,
// sorted.
func sourcePositions(m map[int]int) []int {
	seen := make(map[int]bool)
	for _, pos := range m {
		seen[pos] = true
	}
	positions := make([]int, 0, len(seen))
	for pos := range seen {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	return positions
}
