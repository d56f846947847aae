package unwind

// Registers is the machine state a step starts from: program counter,
// stack pointer and frame pointer.
type Registers struct {
	PC uint64
	SP uint64
	BP uint64
}

// FrameAddress is a code address paired with how it was obtained. A
// return address points one past the call instruction, so it must be
// looked up as addr-1 to land in the frame of the caller; an instruction
// pointer is looked up as is.
type FrameAddress struct {
	addr  uint64
	isRet bool
}

// InstructionPointer wraps the address of an instruction that is being
// executed, such as a sampled pc.
func InstructionPointer(addr uint64) FrameAddress {
	return FrameAddress{addr: addr}
}

// ReturnAddress wraps an address recovered from the stack.
func ReturnAddress(addr uint64) FrameAddress {
	return FrameAddress{addr: addr, isRet: true}
}

// Addr returns the wrapped address.
func (fa FrameAddress) Addr() uint64 {
	return fa.addr
}

// lookupPC returns the address to search frame data with.
func (fa FrameAddress) lookupPC() uint64 {
	if fa.isRet {
		return fa.addr - 1
	}
	return fa.addr
}

// currentRegs returns the caller's pc, sp and bp. Implemented in
// assembly.
func currentRegs() (pc, sp, bp uint64)
