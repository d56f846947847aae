// Package regnum lists the DWARF register numbers of the target
// architecture.
package regnum

// DWARF register numbers for AMD64, from the System V x86-64 ABI.
const (
	AMD64_Rax = 0
	AMD64_Rdx = 1
	AMD64_Rcx = 2
	AMD64_Rbx = 3
	AMD64_Rsi = 4
	AMD64_Rdi = 5
	AMD64_Rbp = 6
	AMD64_Rsp = 7
	AMD64_R8  = 8
	AMD64_R9  = 9
	AMD64_R10 = 10
	AMD64_R11 = 11
	AMD64_R12 = 12
	AMD64_R13 = 13
	AMD64_R14 = 14
	AMD64_R15 = 15
	AMD64_Rip = 16

	// AMD64MaxRegNum is the highest register number call frame programs
	// for this architecture are expected to mention.
	AMD64MaxRegNum = 16
)
