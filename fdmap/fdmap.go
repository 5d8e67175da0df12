// ABOUTME: Descriptor-table permutation engine: realises a target->current fd mapping in-process.
// ABOUTME: Uses dup/dup2 with close-on-exec, rewriting the mapping in place as slots settle.
//go:build linux

package fdmap

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Apply rearranges the calling process's descriptor table so that, on
// return, every target slot in m refers to the kernel object its mapped
// source referred to on entry. Descriptors neither a target nor a source
// are left untouched.
//
// m is scratch: it is rewritten in place as slots settle, and ends up as
// the identity over its targets. Calling Apply again on the settled
// mapping is a no-op. Every settled target carries close-on-exec; call
// SetInheritable on the slots that must survive exec.
func Apply(m map[int]int) error {
	// Targets are visited in sorted order so the syscall sequence is
	// reproducible for a given mapping.
	targets := make([]int, 0, len(m))
	for t := range m {
		targets = append(targets, t)
	}
	sort.Ints(targets)

	for _, target := range targets {
		src := m[target]
		if src == target {
			continue
		}

		// The slot we are about to overwrite may still be needed as a
		// source for another target; park it on a fresh descriptor first.
		if stillNeeded(m, target) {
			saved, err := dupCloseOnExec(target)
			if err != nil {
				return fmt.Errorf("dup fd %d: %w", target, err)
			}
			rewrite(m, target, saved)
		}

		if err := unix.Dup3(src, target, unix.O_CLOEXEC); err != nil {
			return fmt.Errorf("dup2 fd %d onto %d: %w", src, target, err)
		}
		rewrite(m, src, target)
	}

	return nil
}

// SetInheritable clears (inheritable=true) or sets the close-on-exec flag
// on fd.
func SetInheritable(fd int, inheritable bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD fd %d: %w", fd, err)
	}
	if inheritable {
		flags &^= unix.FD_CLOEXEC
	} else {
		flags |= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFD fd %d: %w", fd, err)
	}
	return nil
}

// Inheritable reports whether fd survives exec (close-on-exec clear).
func Inheritable(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Errorf("fcntl F_GETFD fd %d: %w", fd, err)
	}
	return flags&unix.FD_CLOEXEC == 0, nil
}

// stillNeeded reports whether fd is a pending source for any target.
// Settled entries map a target to itself, so they can never alias fd here.
func stillNeeded(m map[int]int, fd int) bool {
	for target, src := range m {
		if src == fd && target != fd {
			return true
		}
	}
	return false
}

// rewrite redirects every mapping entry whose source is from to the
// descriptor to, keeping the mapping consistent after a dup or dup2. A
// settled entry for from itself is left alone: that slot still holds its
// object.
func rewrite(m map[int]int, from, to int) {
	for target, src := range m {
		if src == from && target != from {
			m[target] = to
		}
	}
}

// dupCloseOnExec duplicates fd onto the lowest free descriptor with
// close-on-exec already set, avoiding the fcntl race of dup-then-set.
func dupCloseOnExec(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}
