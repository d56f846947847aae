package unwind

import (
	"runtime"
	"strings"
	"testing"
)

const maxTestFrames = 256

//go:noinline
func chainD(u *Unwinder, c *Cache, pcs *[]uint64) error {
	it := u.IterFrames(c)
	for it.Next() {
		*pcs = append(*pcs, it.PC())
		if len(*pcs) >= maxTestFrames {
			break
		}
	}
	return it.Err()
}

//go:noinline
func chainC(u *Unwinder, c *Cache, pcs *[]uint64) error {
	return chainD(u, c, pcs)
}

//go:noinline
func chainB(u *Unwinder, c *Cache, pcs *[]uint64) error {
	return chainC(u, c, pcs)
}

//go:noinline
func chainA(u *Unwinder, c *Cache, pcs *[]uint64) error {
	return chainB(u, c, pcs)
}

// frameIndex returns the position of the innermost frame whose function
// name contains name, or -1.
func frameIndex(pcs []uint64, name string) int {
	for i, pc := range pcs {
		fn := runtime.FuncForPC(uintptr(pc - 1))
		if fn != nil && strings.Contains(fn.Name(), name) {
			return i
		}
	}
	return -1
}

func TestUnwindCallChain(t *testing.T) {
	u := New()
	c := NewCache(MayAllocate)
	defer c.Close()

	var pcs []uint64
	if err := chainA(u, c, &pcs); err != nil {
		t.Fatal(err)
	}
	if len(pcs) < 5 {
		t.Fatalf("walked only %d frames: %#x", len(pcs), pcs)
	}

	idxD := frameIndex(pcs, "chainD")
	idxC := frameIndex(pcs, "chainC")
	idxB := frameIndex(pcs, "chainB")
	idxA := frameIndex(pcs, "chainA")
	for name, idx := range map[string]int{"chainD": idxD, "chainC": idxC, "chainB": idxB, "chainA": idxA} {
		if idx < 0 {
			t.Fatalf("%s missing from the walk: %#x", name, pcs)
		}
	}
	if !(idxD < idxC && idxC < idxB && idxB < idxA) {
		t.Errorf("frames out of order: chainD=%d chainC=%d chainB=%d chainA=%d", idxD, idxC, idxB, idxA)
	}
	if idxT := frameIndex(pcs, "TestUnwindCallChain"); idxT < 0 || idxT < idxA {
		t.Errorf("test function frame missing or out of order: %d", idxT)
	}
}

func TestEndOfStack(t *testing.T) {
	u := New()
	c := NewCache(MayAllocate)
	defer c.Close()

	count := 0
	it := u.IterFrames(c)
	for it.Next() {
		count++
		if count >= maxTestFrames {
			break
		}
	}
	if it.Err() != nil {
		t.Fatalf("walk failed after %d frames: %v", count, it.Err())
	}
	if count == 0 {
		t.Fatal("walk yielded no frames")
	}
	if count >= maxTestFrames {
		t.Fatalf("walk did not terminate within %d frames", maxTestFrames)
	}
}

func TestWalkRepeatable(t *testing.T) {
	u := New()
	c := NewCache(MayAllocate)
	defer c.Close()

	counts := [2]int{}
	for i := range counts {
		it := u.IterFrames(c)
		for it.Next() {
			counts[i]++
			if counts[i] >= maxTestFrames {
				break
			}
		}
		if it.Err() != nil {
			t.Fatal(it.Err())
		}
	}
	if counts[0] != counts[1] {
		t.Errorf("two walks from the same point saw %d and %d frames", counts[0], counts[1])
	}
}

func TestNoAllocationWhileStepping(t *testing.T) {
	u := New()
	c := NewCache(MustNotAllocate)
	defer c.Close()
	c.Warm(u)

	allocs := testing.AllocsPerRun(50, func() {
		count := 0
		it := u.IterFrames(c)
		for it.Next() {
			count++
			if count >= maxTestFrames {
				break
			}
		}
		if it.Err() != nil {
			t.Errorf("walk failed: %v", it.Err())
		}
	})
	if allocs > 0 {
		t.Errorf("stepping allocated %v times per walk", allocs)
	}
}

func TestIterZeroPC(t *testing.T) {
	u := New()
	c := NewCache(MayAllocate)
	defer c.Close()

	it := u.IterFramesWithRegs(Registers{}, c)
	if it.Next() {
		t.Error("iterator yielded a frame for a zero pc")
	}
	if it.Err() != nil {
		t.Errorf("unexpected error: %v", it.Err())
	}
}

func TestWildFramePointer(t *testing.T) {
	u := New()
	c := NewCache(MayAllocate)
	defer c.Close()

	// pc resolves to no module, the fallback engages and must reject the
	// unreadable frame pointer instead of faulting
	regs := Registers{PC: 1, SP: 0x1000, BP: 0x800000000000}
	_, err := u.UnwindFrame(InstructionPointer(regs.PC), &regs, c)
	if _, ok := err.(*UnreadableMemoryError); !ok {
		t.Fatalf("got %v, want UnreadableMemoryError", err)
	}
}
