package frame

import (
	"testing"
)

func testFDE(instr []byte) *FrameDescriptionEntry {
	cie := &CommonInformationEntry{
		Version:               1,
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: 16,
		InitialInstructions:   []byte{DW_CFA_def_cfa, 7, 8, DW_CFA_offset | 16, 1},
	}
	return &FrameDescriptionEntry{CIE: cie, begin: 0x1000, size: 0x100, Instructions: instr}
}

func TestRulesInitialRow(t *testing.T) {
	fde := testFDE([]byte{DW_CFA_nop})
	ctx := NewContext()

	row, err := ctx.Rules(fde, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if row.CFA.Rule != RuleCFA || row.CFA.Reg != 7 || row.CFA.Offset != 8 {
		t.Errorf("bad CFA rule %+v", row.CFA)
	}
	if row.Regs[16].Rule != RuleOffset || row.Regs[16].Offset != -8 {
		t.Errorf("bad return address rule %+v", row.Regs[16])
	}
	if row.RetAddrReg != 16 {
		t.Errorf("bad return address register %d", row.RetAddrReg)
	}
}

func TestRulesAdvance(t *testing.T) {
	// the typical prologue: push rbp; mov rbp, rsp
	fde := testFDE([]byte{
		DW_CFA_advance_loc | 1,
		DW_CFA_def_cfa_offset, 16,
		DW_CFA_offset | 6, 2,
		DW_CFA_advance_loc | 3,
		DW_CFA_def_cfa_register, 6,
	})
	ctx := NewContext()

	row, err := ctx.Rules(fde, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if row.CFA.Reg != 7 || row.CFA.Offset != 8 {
		t.Errorf("bad CFA at function entry %+v", row.CFA)
	}

	row, err = ctx.Rules(fde, 0x1001)
	if err != nil {
		t.Fatal(err)
	}
	if row.CFA.Reg != 7 || row.CFA.Offset != 16 {
		t.Errorf("bad CFA after push %+v", row.CFA)
	}
	if row.Regs[6].Rule != RuleOffset || row.Regs[6].Offset != -16 {
		t.Errorf("bad rbp rule after push %+v", row.Regs[6])
	}

	row, err = ctx.Rules(fde, 0x1050)
	if err != nil {
		t.Fatal(err)
	}
	if row.CFA.Reg != 6 || row.CFA.Offset != 16 {
		t.Errorf("bad CFA in function body %+v", row.CFA)
	}
}

func TestRulesRememberRestore(t *testing.T) {
	fde := testFDE([]byte{
		DW_CFA_advance_loc | 1,
		DW_CFA_remember_state,
		DW_CFA_def_cfa_offset, 32,
		DW_CFA_advance_loc | 1,
		DW_CFA_restore_state,
	})
	ctx := NewContext()

	row, err := ctx.Rules(fde, 0x1001)
	if err != nil {
		t.Fatal(err)
	}
	if row.CFA.Offset != 32 {
		t.Errorf("bad CFA between remember and restore %+v", row.CFA)
	}

	row, err = ctx.Rules(fde, 0x1002)
	if err != nil {
		t.Fatal(err)
	}
	if row.CFA.Offset != 8 {
		t.Errorf("bad CFA after restore %+v", row.CFA)
	}
}

func TestRulesRestoreOpcode(t *testing.T) {
	fde := testFDE([]byte{
		DW_CFA_offset | 6, 2,
		DW_CFA_advance_loc | 1,
		DW_CFA_restore | 6,
	})
	ctx := NewContext()

	row, err := ctx.Rules(fde, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if row.Regs[6].Rule != RuleOffset {
		t.Errorf("bad rbp rule before restore %+v", row.Regs[6])
	}

	row, err = ctx.Rules(fde, 0x1001)
	if err != nil {
		t.Fatal(err)
	}
	if row.Regs[6].Rule != RuleUndefined {
		t.Errorf("restore did not reset rbp to its initial rule %+v", row.Regs[6])
	}
}

func TestRulesUndefinedReturnAddress(t *testing.T) {
	fde := testFDE([]byte{DW_CFA_undefined, 16})
	ctx := NewContext()

	row, err := ctx.Rules(fde, 0x1010)
	if err != nil {
		t.Fatal(err)
	}
	if row.Regs[16].Rule != RuleUndefined {
		t.Errorf("bad return address rule %+v", row.Regs[16])
	}
}

func TestRulesMalformed(t *testing.T) {
	ctx := NewContext()
	for _, test := range []struct {
		name  string
		instr []byte
	}{
		{"unknown opcode", []byte{0x2d}},
		{"register out of range", []byte{DW_CFA_undefined, 40}},
		{"unbalanced restore_state", []byte{DW_CFA_restore_state}},
		{"truncated operand", []byte{DW_CFA_def_cfa, 7}},
		{"truncated expression block", []byte{DW_CFA_def_cfa_expression, 10, 0x77}},
	} {
		if _, err := ctx.Rules(testFDE(test.instr), 0x1010); err == nil {
			t.Errorf("%s: expected error, got none", test.name)
		}
	}
}

func TestRulesExpression(t *testing.T) {
	// DW_OP_breg7 8
	fde := testFDE([]byte{DW_CFA_def_cfa_expression, 2, 0x77, 0x08})
	ctx := NewContext()

	row, err := ctx.Rules(fde, 0x1010)
	if err != nil {
		t.Fatal(err)
	}
	if row.CFA.Rule != RuleExpression {
		t.Errorf("bad CFA rule %+v", row.CFA)
	}
}

func TestRulesNoAllocation(t *testing.T) {
	fde := testFDE([]byte{
		DW_CFA_advance_loc | 1,
		DW_CFA_def_cfa_offset, 16,
		DW_CFA_offset | 6, 2,
	})
	ctx := NewContext()

	allocs := testing.AllocsPerRun(100, func() {
		if _, err := ctx.Rules(fde, 0x1050); err != nil {
			t.Fatal(err)
		}
	})
	if allocs > 0 {
		t.Errorf("Rules allocated %v times per run", allocs)
	}
}
