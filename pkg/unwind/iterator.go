package unwind

// FrameIterator walks a stack one frame at a time, unwinding lazily as
// the consumer pulls. The zero value is not usable, obtain one from
// IterFrames or IterFramesWithRegs.
type FrameIterator struct {
	u       *Unwinder
	cache   *Cache
	regs    Registers
	addr    FrameAddress
	pc      uint64
	started bool
	done    bool
	err     error
}

// IterFrames starts a walk from the caller's current position. The
// registers are captured at the call, frames above the capture point are
// not visited.
func (u *Unwinder) IterFrames(c *Cache) FrameIterator {
	pc, sp, bp := currentRegs()
	return u.IterFramesWithRegs(Registers{PC: pc, SP: sp, BP: bp}, c)
}

// IterFramesWithRegs starts a walk from an explicit register snapshot.
func (u *Unwinder) IterFramesWithRegs(regs Registers, c *Cache) FrameIterator {
	return FrameIterator{
		u:     u,
		cache: c,
		regs:  regs,
		addr:  InstructionPointer(regs.PC),
	}
}

// Next advances to the next frame. It returns false when the walk
// reached the outermost frame or failed; Err tells the two apart.
func (it *FrameIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	if !it.started {
		it.started = true
		it.pc = it.addr.Addr()
		if it.pc == 0 {
			it.done = true
			return false
		}
		return true
	}

	ret, err := it.u.UnwindFrame(it.addr, &it.regs, it.cache)
	if err != nil {
		it.err = err
		return false
	}
	if ret == 0 {
		it.done = true
		return false
	}
	it.addr = ReturnAddress(ret)
	it.pc = ret
	return true
}

// PC returns the code address of the current frame. For every frame but
// the first this is a return address.
func (it *FrameIterator) PC() uint64 {
	return it.pc
}

// Err returns the error that stopped the walk, or nil if it ended at the
// outermost frame.
func (it *FrameIterator) Err() error {
	return it.err
}
