package unwind

import "fmt"

// NoModuleError means the program counter does not belong to any module
// loaded in the process.
type NoModuleError struct {
	PC uint64
}

func (err *NoModuleError) Error() string {
	return fmt.Sprintf("no module for pc %#x", err.PC)
}

// OutsideModuleError means the program counter belongs to a module but
// falls outside its executable segment.
type OutsideModuleError struct {
	PC     uint64
	Module string
}

func (err *OutsideModuleError) Error() string {
	return fmt.Sprintf("pc %#x outside the text segment of %s", err.PC, err.Module)
}

// UnreadableMemoryError means a stack or register load needed by a step
// touched memory the probe rejected.
type UnreadableMemoryError struct {
	Addr uint64
}

func (err *UnreadableMemoryError) Error() string {
	return fmt.Sprintf("unreadable memory at %#x", err.Addr)
}

// FrameDataError means the unwind data covering the program counter is
// missing, malformed, or describes a frame we cannot evaluate.
type FrameDataError struct {
	PC  uint64
	Err error
}

func (err *FrameDataError) Error() string {
	return fmt.Sprintf("bad frame data for pc %#x: %v", err.PC, err.Err)
}

func (err *FrameDataError) Unwrap() error {
	return err.Err
}
