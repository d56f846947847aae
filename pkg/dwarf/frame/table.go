package frame

import (
	"fmt"
)

// DWARF call frame instruction opcodes.
const (
	DW_CFA_nop                = 0x0
	DW_CFA_set_loc            = 0x01
	DW_CFA_advance_loc1       = 0x02
	DW_CFA_advance_loc2       = 0x03
	DW_CFA_advance_loc4       = 0x04
	DW_CFA_offset_extended    = 0x05
	DW_CFA_restore_extended   = 0x06
	DW_CFA_undefined          = 0x07
	DW_CFA_same_value         = 0x08
	DW_CFA_register           = 0x09
	DW_CFA_remember_state     = 0x0a
	DW_CFA_restore_state      = 0x0b
	DW_CFA_def_cfa            = 0x0c
	DW_CFA_def_cfa_register   = 0x0d
	DW_CFA_def_cfa_offset     = 0x0e
	DW_CFA_def_cfa_expression = 0x0f
	DW_CFA_expression         = 0x10
	DW_CFA_offset_extended_sf = 0x11
	DW_CFA_def_cfa_sf         = 0x12
	DW_CFA_def_cfa_offset_sf  = 0x13
	DW_CFA_val_offset         = 0x14
	DW_CFA_val_offset_sf      = 0x15
	DW_CFA_val_expression     = 0x16
	DW_CFA_GNU_args_size      = 0x2e

	// high 2 bit opcodes, operand packed in the low 6 bits
	DW_CFA_advance_loc = 0x1 << 6
	DW_CFA_offset      = 0x2 << 6
	DW_CFA_restore     = 0x3 << 6
)

// Rule describes how to recover a register (or the canonical frame
// address) in the previous frame.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleCFA
)

// DWRule wrapper of rule set in dwarf frame instructions.
type DWRule struct {
	Rule   Rule
	Offset int64
	Reg    uint64
}

const (
	// maxRegs bounds the register numbers a call frame program may
	// mention. Large enough for every general purpose register plus the
	// return address column on amd64.
	maxRegs = 32

	maxRememberedStates = 8
)

// Row is the unwind table row in effect at one program counter: the rule
// computing the canonical frame address and one rule per register.
type Row struct {
	CFA        DWRule
	Regs       [maxRegs]DWRule
	RetAddrReg uint64
}

// Context holds the scratch state needed to run a call frame program. A
// Context can be reused across calls; after construction Rules performs no
// heap allocation.
type Context struct {
	row         Row
	initialRegs [maxRegs]DWRule
	remembered  [maxRememberedStates]rememberedState
	depth       int
	loc         uint64
	codeAlign   uint64
	dataAlign   int64
	cur         cursor
}

type rememberedState struct {
	cfa  DWRule
	regs [maxRegs]DWRule
}

// NewContext returns scratch state for evaluating call frame programs.
func NewContext() *Context {
	return &Context{}
}

// Rules runs the given frame's call frame program up to pc and returns the
// table row in effect there. The program is bounds checked throughout;
// malformed instructions produce an error, never a fault.
func (ctx *Context) Rules(fde *FrameDescriptionEntry, pc uint64) (Row, error) {
	ctx.row = Row{RetAddrReg: fde.CIE.ReturnAddressRegister}
	ctx.initialRegs = [maxRegs]DWRule{}
	ctx.depth = 0
	ctx.codeAlign = fde.CIE.CodeAlignmentFactor
	ctx.dataAlign = fde.CIE.DataAlignmentFactor

	// The CIE's initial instructions establish the state every row of
	// this FDE starts from.
	ctx.loc = fde.begin
	ctx.cur = cursor{data: fde.CIE.InitialInstructions}
	if err := ctx.run(pc); err != nil {
		return Row{}, err
	}
	ctx.initialRegs = ctx.row.Regs

	ctx.loc = fde.begin
	ctx.cur = cursor{data: fde.Instructions}
	if err := ctx.run(pc); err != nil {
		return Row{}, err
	}
	return ctx.row, nil
}

func (ctx *Context) run(pc uint64) error {
	for ctx.cur.len() > 0 && ctx.loc <= pc {
		if err := ctx.step(pc); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *Context) step(pc uint64) error {
	op, err := ctx.cur.u8()
	if err != nil {
		return err
	}

	// primary opcodes carry their operand in the low 6 bits
	switch op & 0xc0 {
	case DW_CFA_advance_loc:
		ctx.loc += uint64(op&0x3f) * ctx.codeAlign
		return nil
	case DW_CFA_offset:
		off, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		return ctx.setRule(uint64(op&0x3f), DWRule{Rule: RuleOffset, Offset: int64(off) * ctx.dataAlign})
	case DW_CFA_restore:
		return ctx.restore(uint64(op & 0x3f))
	}

	switch op {
	case DW_CFA_nop:
		return nil

	case DW_CFA_set_loc:
		// eh_frame encodes set_loc with the CIE pointer encoding, but
		// compilers do not emit it there; only the absolute form is
		// handled.
		loc, err := ctx.cur.u64()
		if err != nil {
			return err
		}
		ctx.loc = loc
		return nil

	case DW_CFA_advance_loc1:
		d, err := ctx.cur.u8()
		if err != nil {
			return err
		}
		ctx.loc += uint64(d) * ctx.codeAlign
		return nil

	case DW_CFA_advance_loc2:
		d, err := ctx.cur.u16()
		if err != nil {
			return err
		}
		ctx.loc += uint64(d) * ctx.codeAlign
		return nil

	case DW_CFA_advance_loc4:
		d, err := ctx.cur.u32()
		if err != nil {
			return err
		}
		ctx.loc += uint64(d) * ctx.codeAlign
		return nil

	case DW_CFA_offset_extended:
		reg, off, err := ctx.regUleb()
		if err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleOffset, Offset: int64(off) * ctx.dataAlign})

	case DW_CFA_offset_extended_sf:
		reg, off, err := ctx.regSleb()
		if err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleOffset, Offset: off * ctx.dataAlign})

	case DW_CFA_restore_extended:
		reg, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		return ctx.restore(reg)

	case DW_CFA_undefined:
		reg, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleUndefined})

	case DW_CFA_same_value:
		reg, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleSameVal})

	case DW_CFA_register:
		reg, src, err := ctx.regUleb()
		if err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleRegister, Reg: src})

	case DW_CFA_remember_state:
		if ctx.depth >= maxRememberedStates {
			return fmt.Errorf("remember_state depth exceeds %d", maxRememberedStates)
		}
		ctx.remembered[ctx.depth] = rememberedState{cfa: ctx.row.CFA, regs: ctx.row.Regs}
		ctx.depth++
		return nil

	case DW_CFA_restore_state:
		if ctx.depth == 0 {
			return fmt.Errorf("restore_state without matching remember_state")
		}
		ctx.depth--
		ctx.row.CFA = ctx.remembered[ctx.depth].cfa
		ctx.row.Regs = ctx.remembered[ctx.depth].regs
		return nil

	case DW_CFA_def_cfa:
		reg, off, err := ctx.regUleb()
		if err != nil {
			return err
		}
		ctx.row.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}
		return nil

	case DW_CFA_def_cfa_sf:
		reg, off, err := ctx.regSleb()
		if err != nil {
			return err
		}
		ctx.row.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * ctx.dataAlign}
		return nil

	case DW_CFA_def_cfa_register:
		reg, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		if ctx.row.CFA.Rule != RuleCFA {
			return fmt.Errorf("def_cfa_register with no CFA rule in effect")
		}
		ctx.row.CFA.Reg = reg
		return nil

	case DW_CFA_def_cfa_offset:
		off, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		if ctx.row.CFA.Rule != RuleCFA {
			return fmt.Errorf("def_cfa_offset with no CFA rule in effect")
		}
		ctx.row.CFA.Offset = int64(off)
		return nil

	case DW_CFA_def_cfa_offset_sf:
		off, err := ctx.cur.sleb()
		if err != nil {
			return err
		}
		if ctx.row.CFA.Rule != RuleCFA {
			return fmt.Errorf("def_cfa_offset_sf with no CFA rule in effect")
		}
		ctx.row.CFA.Offset = off * ctx.dataAlign
		return nil

	case DW_CFA_val_offset:
		reg, off, err := ctx.regUleb()
		if err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleValOffset, Offset: int64(off) * ctx.dataAlign})

	case DW_CFA_val_offset_sf:
		reg, off, err := ctx.regSleb()
		if err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleValOffset, Offset: off * ctx.dataAlign})

	case DW_CFA_def_cfa_expression:
		if err := ctx.skipBlock(); err != nil {
			return err
		}
		ctx.row.CFA = DWRule{Rule: RuleExpression}
		return nil

	case DW_CFA_expression:
		reg, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		if err := ctx.skipBlock(); err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleExpression})

	case DW_CFA_val_expression:
		reg, err := ctx.cur.uleb()
		if err != nil {
			return err
		}
		if err := ctx.skipBlock(); err != nil {
			return err
		}
		return ctx.setRule(reg, DWRule{Rule: RuleValExpression})

	case DW_CFA_GNU_args_size:
		// stack adjustment across calls, irrelevant to register recovery
		_, err := ctx.cur.uleb()
		return err

	default:
		return fmt.Errorf("unknown call frame instruction %#02x", op)
	}
}

func (ctx *Context) setRule(reg uint64, rule DWRule) error {
	if reg >= maxRegs {
		return fmt.Errorf("register %d out of range", reg)
	}
	ctx.row.Regs[reg] = rule
	return nil
}

func (ctx *Context) restore(reg uint64) error {
	if reg >= maxRegs {
		return fmt.Errorf("register %d out of range", reg)
	}
	ctx.row.Regs[reg] = ctx.initialRegs[reg]
	return nil
}

func (ctx *Context) regUleb() (uint64, uint64, error) {
	reg, err := ctx.cur.uleb()
	if err != nil {
		return 0, 0, err
	}
	val, err := ctx.cur.uleb()
	if err != nil {
		return 0, 0, err
	}
	return reg, val, nil
}

func (ctx *Context) regSleb() (uint64, int64, error) {
	reg, err := ctx.cur.uleb()
	if err != nil {
		return 0, 0, err
	}
	val, err := ctx.cur.sleb()
	if err != nil {
		return 0, 0, err
	}
	return reg, val, nil
}

// skipBlock consumes a length-prefixed expression block.
func (ctx *Context) skipBlock() error {
	n, err := ctx.cur.uleb()
	if err != nil {
		return err
	}
	return ctx.cur.skip(int(n))
}
