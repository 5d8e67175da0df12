// ABOUTME: Reaper blocking on child exits with wait-any, correlating pids against the live set.
// ABOUTME: Maps normal exits to their status and signal deaths to 128+signal with a diagnostic.
//go:build linux

package spawn

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Join blocks until every spawned child has exited and returns pid ->
// exit code. Normal exits report the child's exit status; a child killed
// by a signal reports 128+signal (the shell convention) and emits a
// node.signaled event. Exits reaped for pids this spawner never forked
// (a parent also spawning elsewhere) are ignored and their statuses
// discarded — which is also why only one Spawner may run per process.
func (s *Spawner) Join() (map[int]int, error) {
	statuses := make(map[int]int, len(s.children))

	for len(s.children) > 0 {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return statuses, &SystemError{Op: "wait", Err: err}
		}

		command, ok := s.children[pid]
		if !ok {
			s.log.Debug("reaped unrelated child", zap.Int("pid", pid))
			continue
		}

		var code int
		switch {
		case ws.Exited():
			code = ws.ExitStatus()
			s.emit(Event{Type: EventNodeExited, Pid: pid, Command: command, Code: code})
			if code != 0 {
				s.log.Warn("node exited non-zero", zap.Int("pid", pid), zap.Int("code", code))
			}
		case ws.Signaled():
			sig := ws.Signal()
			code = 128 + int(sig)
			s.emit(Event{Type: EventNodeSignaled, Pid: pid, Command: command, Code: int(sig),
				Detail: sig.String()})
		default:
			// Stopped or continued; not an exit, keep waiting.
			continue
		}

		delete(s.children, pid)
		statuses[pid] = code
	}

	s.emit(Event{Type: EventRunCompleted})
	return statuses, nil
}
