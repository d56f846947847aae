// Package objfile discovers the object files mapped into the current
// process and the unwind data each one carries.
package objfile

import (
	"sort"
	"sync"

	"github.com/sticnarf/runwind/pkg/logflags"
	"github.com/sticnarf/runwind/pkg/memprobe"
)

// Segment is a range of virtual addresses occupied by part of a module.
type Segment struct {
	Vaddr uint64
	Size  uint64
}

func (s Segment) contains(addr uint64) bool {
	return addr-s.Vaddr < s.Size
}

// UnwindKind describes where a module's unwind data comes from.
type UnwindKind uint8

const (
	// UnwindNone marks a module with no usable unwind data.
	UnwindNone UnwindKind = iota
	// UnwindMapped means the data was read from the object file on disk.
	UnwindMapped
	// UnwindLiveScan means the data was recovered from the process image,
	// for modules whose backing file is gone or unreadable.
	UnwindLiveScan
)

// UnwindData is a module's exception frame data plus the address it
// occupies in the process, needed to resolve PC-relative pointers.
type UnwindData struct {
	Kind        UnwindKind
	EhFrame     []byte
	EhFrameAddr uint64
}

// Module is one object file mapped into the process: the executable
// itself or a shared library. Modules are immutable once built.
type Module struct {
	path   string
	base   uint64
	text   Segment
	unwind UnwindData
	mapped *MappedFile
}

// NewModule builds a module record. Used by discovery and by tests that
// assemble synthetic modules.
func NewModule(path string, base uint64, text Segment, unwind UnwindData) *Module {
	return &Module{path: path, base: base, text: text, unwind: unwind}
}

// Path returns the file system path the module was loaded from.
func (m *Module) Path() string { return m.path }

// Base returns the load address of the module.
func (m *Module) Base() uint64 { return m.base }

// Text returns the executable segment of the module, in live addresses.
func (m *Module) Text() Segment { return m.text }

// Contains reports whether addr falls inside the executable segment.
func (m *Module) Contains(addr uint64) bool { return m.text.contains(addr) }

// Unwind returns the module's unwind data.
func (m *Module) Unwind() UnwindData { return m.unwind }

// Mapped returns the memory mapped view of the module's file, or nil if
// the unwind data came from the live process image. The mapping stays
// open for the lifetime of the process; unwind data aliases it.
func (m *Module) Mapped() *MappedFile { return m.mapped }

var (
	modulesOnce sync.Once
	modules     []*Module
)

// Modules returns the modules loaded into the current process, sorted by
// base address. Discovery runs once; the result is memoized for the
// lifetime of the process. Modules that cannot be fully described are
// skipped with a warning rather than failing the whole enumeration.
//
// Libraries loaded with dlopen after the first call are not picked up.
func Modules() []*Module {
	modulesOnce.Do(func() {
		probe := memprobe.New()
		defer probe.Close()
		modules = discover(probe)
	})
	return modules
}

func discover(probe *memprobe.Probe) []*Module {
	logger := logflags.ObjfileLogger()
	return pruneOverlaps(findModules(probe, logger), logger)
}

// pruneOverlaps sorts modules by base address and drops modules whose
// text range overlaps an earlier one. Overlapping ranges would make
// address lookup ambiguous; the first module wins.
func pruneOverlaps(found []*Module, logger logflags.Logger) []*Module {
	sort.Slice(found, func(i, j int) bool { return found[i].base < found[j].base })

	out := found[:0]
	for _, m := range found {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if m.text.Vaddr < prev.text.Vaddr+prev.text.Size {
				logger.Warnf("module %s text overlaps %s, skipping", m.path, prev.path)
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
