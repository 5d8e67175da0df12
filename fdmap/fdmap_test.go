// ABOUTME: In-process tests for the descriptor permutation engine and inheritability helpers.
// ABOUTME: Verifies targets land on the right kernel objects via inode identity, plus cloexec state.
//go:build linux

package fdmap

import (
	"testing"

	"golang.org/x/sys/unix"
)

// mustPipe creates a close-on-exec pipe and registers cleanup for both
// ends. Descriptors may be renumbered by Apply during the test; cleanup
// closes whatever lives at the original numbers.
func mustPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

// inode returns the identity of the kernel object behind fd.
func inode(t *testing.T, fd int) uint64 {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.Fatalf("fstat fd %d: %v", fd, err)
	}
	return st.Ino
}

func TestApply_Empty(t *testing.T) {
	if err := Apply(map[int]int{}); err != nil {
		t.Fatalf("empty mapping must be a no-op: %v", err)
	}
}

func TestApply_SelfLoop(t *testing.T) {
	r, _ := mustPipe(t)
	before := inode(t, r)

	m := map[int]int{r: r}
	if err := Apply(m); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := inode(t, r); got != before {
		t.Errorf("self-loop changed fd %d: inode %d != %d", r, got, before)
	}
	if m[r] != r {
		t.Errorf("mapping disturbed: %v", m)
	}
}

func TestApply_Swap(t *testing.T) {
	r1, _ := mustPipe(t)
	r2, _ := mustPipe(t)
	ino1 := inode(t, r1)
	ino2 := inode(t, r2)

	// A two-cycle: each target is the other's source.
	m := map[int]int{r1: r2, r2: r1}
	if err := Apply(m); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := inode(t, r1); got != ino2 {
		t.Errorf("fd %d: inode %d, want %d", r1, got, ino2)
	}
	if got := inode(t, r2); got != ino1 {
		t.Errorf("fd %d: inode %d, want %d", r2, got, ino1)
	}
	for target, src := range m {
		if target != src {
			t.Errorf("mapping not settled: %d -> %d", target, src)
		}
	}
}

func TestApply_SettledMappingIsNoOp(t *testing.T) {
	r1, _ := mustPipe(t)
	r2, _ := mustPipe(t)

	m := map[int]int{r1: r2, r2: r1}
	if err := Apply(m); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	after1 := inode(t, r1)
	after2 := inode(t, r2)

	if err := Apply(m); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if got := inode(t, r1); got != after1 {
		t.Errorf("second apply moved fd %d", r1)
	}
	if got := inode(t, r2); got != after2 {
		t.Errorf("second apply moved fd %d", r2)
	}
}

func TestApply_MoveToOwnedSlot(t *testing.T) {
	r1, _ := mustPipe(t)
	r2, _ := mustPipe(t)

	// Reserve a slot by duplicating r1; the number is ours to overwrite.
	slot, err := unix.FcntlInt(uintptr(r1), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	t.Cleanup(func() { unix.Close(slot) })

	want := inode(t, r2)
	if err := Apply(map[int]int{slot: r2}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := inode(t, slot); got != want {
		t.Errorf("fd %d: inode %d, want %d", slot, got, want)
	}
	// The source is left open and untouched.
	if got := inode(t, r2); got != want {
		t.Errorf("source fd %d disturbed", r2)
	}
}

func TestApply_UnrelatedDescriptorUntouched(t *testing.T) {
	r1, _ := mustPipe(t)
	r2, _ := mustPipe(t)
	bystander, _ := mustPipe(t)
	before := inode(t, bystander)

	if err := Apply(map[int]int{r1: r2, r2: r1}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := inode(t, bystander); got != before {
		t.Errorf("bystander fd %d disturbed", bystander)
	}
}

func TestApply_TargetsEndUpCloseOnExec(t *testing.T) {
	r1, _ := mustPipe(t)
	r2, _ := mustPipe(t)

	if err := Apply(map[int]int{r1: r2, r2: r1}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for _, fd := range []int{r1, r2} {
		inheritable, err := Inheritable(fd)
		if err != nil {
			t.Fatalf("inheritable fd %d: %v", fd, err)
		}
		if inheritable {
			t.Errorf("fd %d inheritable after apply, want close-on-exec", fd)
		}
	}
}

func TestSetInheritable(t *testing.T) {
	r, _ := mustPipe(t)

	if err := SetInheritable(r, true); err != nil {
		t.Fatalf("set inheritable: %v", err)
	}
	inheritable, err := Inheritable(r)
	if err != nil {
		t.Fatalf("inheritable: %v", err)
	}
	if !inheritable {
		t.Error("fd still close-on-exec after SetInheritable(true)")
	}

	if err := SetInheritable(r, false); err != nil {
		t.Fatalf("set close-on-exec: %v", err)
	}
	inheritable, err = Inheritable(r)
	if err != nil {
		t.Fatalf("inheritable: %v", err)
	}
	if inheritable {
		t.Error("fd inheritable after SetInheritable(false)")
	}
}
