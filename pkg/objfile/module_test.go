package objfile

import (
	"testing"

	"github.com/sticnarf/runwind/pkg/logflags"
)

func TestPruneOverlaps(t *testing.T) {
	mods := []*Module{
		NewModule("c", 0x300000, Segment{0x301000, 0x1000}, UnwindData{}),
		NewModule("a", 0x100000, Segment{0x101000, 0x1000}, UnwindData{}),
		NewModule("b", 0x200000, Segment{0x201000, 0x2000}, UnwindData{}),
		NewModule("overlap", 0x280000, Segment{0x202000, 0x1000}, UnwindData{}),
	}

	out := pruneOverlaps(mods, logflags.ObjfileLogger())

	if len(out) != 3 {
		t.Fatalf("expected 3 modules after pruning, got %d", len(out))
	}
	want := []string{"a", "b", "c"}
	for i, m := range out {
		if m.Path() != want[i] {
			t.Errorf("module %d is %s, want %s", i, m.Path(), want[i])
		}
		if i > 0 && out[i-1].Base() > m.Base() {
			t.Errorf("modules not sorted by base")
		}
	}
}

func TestModulesMemoized(t *testing.T) {
	first := Modules()
	second := Modules()
	if len(first) != len(second) {
		t.Fatalf("module list changed between calls: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("module list is not memoized")
		}
	}
}
