// Package unwind walks the stack of the current process at a point in
// time, one frame per step. Every stack read is validated first, so the
// walk degrades into an error instead of a fault when it meets a corrupt
// frame, a stale pointer, or a stack that is being mutated while we look
// at it.
package unwind

import (
	"errors"
	"sort"

	"github.com/sticnarf/runwind/pkg/dwarf/frame"
	"github.com/sticnarf/runwind/pkg/dwarf/regnum"
	"github.com/sticnarf/runwind/pkg/objfile"
)

// Unwinder steps through stack frames using the call frame programs of
// the modules loaded in the process, with an optional frame pointer
// fallback for code that has no usable frame data.
type Unwinder struct {
	modules    []*objfile.Module
	fpFallback bool
}

// New returns an unwinder over the modules of the current process.
func New() *Unwinder {
	return &Unwinder{modules: objfile.Modules(), fpFallback: true}
}

// NewWithModules returns an unwinder over the given modules. Used by
// tests that assemble synthetic modules.
func NewWithModules(mods []*objfile.Module) *Unwinder {
	sorted := make([]*objfile.Module, len(mods))
	copy(sorted, mods)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base() < sorted[j].Base() })
	return &Unwinder{modules: sorted, fpFallback: true}
}

// SetFramePointerFallback controls whether a frame with no usable frame
// data is stepped through the frame pointer chain instead of failing.
// On by default.
func (u *Unwinder) SetFramePointerFallback(on bool) {
	u.fpFallback = on
}

// Modules returns the modules the unwinder resolves addresses against.
func (u *Unwinder) Modules() []*objfile.Module {
	return u.modules
}

// moduleFor finds the module whose text segment covers pc. An address
// equal to a module's base is the file header, not code, and resolves to
// no module.
func (u *Unwinder) moduleFor(pc uint64) (*objfile.Module, error) {
	mods := u.modules

	lo, hi := 0, len(mods)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if mods[mid].Base() <= pc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return nil, &NoModuleError{PC: pc}
	}
	m := mods[lo-1]
	if pc == m.Base() {
		return nil, &NoModuleError{PC: pc}
	}
	if !m.Contains(pc) {
		return nil, &OutsideModuleError{PC: pc, Module: m.Path()}
	}
	return m, nil
}

// UnwindFrame steps from the frame containing addr to its caller. regs
// must hold the machine state of that frame and is advanced in place.
// The returned address is the caller's return address; zero means the
// walk reached the outermost frame.
//
// A frame whose unwind data is missing or unusable is stepped through
// the frame pointer chain when the fallback is enabled. A failed memory
// read is never worked around: the stack itself is suspect at that
// point.
func (u *Unwinder) UnwindFrame(addr FrameAddress, regs *Registers, c *Cache) (uint64, error) {
	pc := addr.lookupPC()

	m, err := u.moduleFor(pc)
	if err != nil {
		if u.fpFallback {
			return u.framePointerStep(regs, c)
		}
		return 0, err
	}

	row, err := c.rules(m, pc)
	if err != nil {
		if u.fpFallback {
			return u.framePointerStep(regs, c)
		}
		return 0, &FrameDataError{PC: pc, Err: err}
	}

	ret, err := u.applyRow(&row, regs, c, pc)
	if err != nil {
		if _, ok := err.(*UnreadableMemoryError); ok {
			return 0, err
		}
		if u.fpFallback {
			return u.framePointerStep(regs, c)
		}
		return 0, err
	}
	return ret, nil
}

// applyRow evaluates one unwind table row against the live stack.
func (u *Unwinder) applyRow(row *frame.Row, regs *Registers, c *Cache, pc uint64) (uint64, error) {
	if row.CFA.Rule != frame.RuleCFA {
		return 0, &FrameDataError{PC: pc, Err: errors.New("frame base needs expression evaluation")}
	}

	var base uint64
	switch row.CFA.Reg {
	case regnum.AMD64_Rsp:
		base = regs.SP
	case regnum.AMD64_Rbp:
		base = regs.BP
	default:
		return 0, &FrameDataError{PC: pc, Err: errors.New("frame base uses an untracked register")}
	}
	cfa := base + uint64(row.CFA.Offset)
	if cfa <= regs.SP {
		return 0, &FrameDataError{PC: pc, Err: errors.New("frame base does not advance the stack")}
	}

	if row.RetAddrReg >= uint64(len(row.Regs)) {
		return 0, &FrameDataError{PC: pc, Err: errors.New("return address register out of range")}
	}

	var ret uint64
	switch raRule := row.Regs[row.RetAddrReg]; raRule.Rule {
	case frame.RuleUndefined:
		// the outermost frame
		return 0, nil
	case frame.RuleOffset:
		v, err := c.readWord(cfa + uint64(raRule.Offset))
		if err != nil {
			return 0, err
		}
		ret = v
	default:
		return 0, &FrameDataError{PC: pc, Err: errors.New("unsupported return address rule")}
	}

	newBP := regs.BP
	if bpRule := row.Regs[regnum.AMD64_Rbp]; bpRule.Rule == frame.RuleOffset {
		v, err := c.readWord(cfa + uint64(bpRule.Offset))
		if err != nil {
			return 0, err
		}
		newBP = v
	}

	regs.PC = ret
	regs.SP = cfa
	regs.BP = newBP
	return ret, nil
}

// framePointerStep walks one link of the frame pointer chain: the saved
// frame pointer sits at *bp and the return address right above it.
func (u *Unwinder) framePointerStep(regs *Registers, c *Cache) (uint64, error) {
	bp := regs.BP
	if bp == 0 {
		// the chain ends with a zero link
		return 0, nil
	}
	if bp < regs.SP {
		return 0, &FrameDataError{PC: regs.PC, Err: errors.New("frame pointer below the stack pointer")}
	}

	newBP, err := c.readWord(bp)
	if err != nil {
		return 0, err
	}
	ret, err := c.readWord(bp + 8)
	if err != nil {
		return 0, err
	}

	regs.PC = ret
	regs.SP = bp + 16
	regs.BP = newBP
	return ret, nil
}
