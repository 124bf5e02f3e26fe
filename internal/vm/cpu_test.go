package vm

import (
	"testing"

	"github.com/Hans-Einar/hsx/internal/arena"
)

func newTestTask(a *arena.Arena, regBase, pc, sp arena.Addr) *Task {
	t := &Task{RegBase: regBase, StackBase: sp, StackLimit: 0}
	t.SetPC(a, uint32(pc))
	t.SetSP(a, uint32(sp))
	return t
}

// putExt writes a 32-bit extension word as two halfwords: an extension
// word follows a 16-bit primary word, so it is only halfword-aligned.
func putExt(a *arena.Arena, addr arena.Addr, v uint32) {
	a.PutU16(addr, uint16(v))
	a.PutU16(addr+2, uint16(v>>16))
}

// TestLoadImmediateThenBreak mirrors spec.md §8 scenario 1 (R1 = 42, then
// BRK); the ISA has no MOV, so 42 is LOADed from memory.
func TestLoadImmediateThenBreak(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)

	// LOAD R1, [0x0800] ; store the immediate at 0x0800 first.
	a.PutU32(0x0800, 42)
	word := Encode(OpLOAD, 1, 0, ModeImm)
	a.PutU16(arena.Addr(0x1000), word)
	putExt(a, 0x1002, 0x0800)
	brkWord := Encode(OpBRK, 0, 0, ModeNone)
	a.PutU16(arena.Addr(0x1006), brkWord)

	res, err := Step(a, task, nil)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if res.Fault != nil {
		t.Fatalf("unexpected fault: %v", res.Fault)
	}
	r1, _ := task.GetReg(a, 1)
	if r1 != 42 {
		t.Fatalf("R1 = %d, want 42", r1)
	}
	foundR1 := false
	for _, n := range res.Trace.ChangedRegs {
		if n == "R1" {
			foundR1 = true
		}
	}
	if !foundR1 {
		t.Fatalf("changed regs %v missing R1", res.Trace.ChangedRegs)
	}

	res2, err := Step(a, task, nil)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if !res2.Break {
		t.Fatalf("expected BRK to report Break=true")
	}
}

func TestRegisterIsolationAcrossSwitch(t *testing.T) {
	a := arena.New(16384)
	taskA := newTestTask(a, 0, 0x1000, 0x2000)
	taskB := newTestTask(a, WindowSize*4, 0x3000, 0x4000)

	a.PutU32(0x0900, 7)
	wordA := Encode(OpLOAD, 2, 0, ModeImm)
	a.PutU16(arena.Addr(0x1000), wordA)
	putExt(a, 0x1002, 0x0900)

	if _, err := Step(a, taskA, nil); err != nil {
		t.Fatalf("step A: %v", err)
	}
	r2Before, _ := taskA.GetReg(a, 2)

	a.PutU32(0x0900+8, 99)
	wordB := Encode(OpLOAD, 2, 0, ModeImm)
	a.PutU16(arena.Addr(0x3000), wordB)
	putExt(a, 0x3002, 0x0900+8)
	if _, err := Step(a, taskB, nil); err != nil {
		t.Fatalf("step B: %v", err)
	}

	r2After, _ := taskA.GetReg(a, 2)
	if r2After != r2Before {
		t.Fatalf("task A register R2 changed after stepping task B: %d -> %d", r2Before, r2After)
	}
}

func TestUnknownOpcodeFaults(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	// opcode field 0x3F is unassigned.
	a.PutU16(arena.Addr(0x1000), uint16(0x3F)<<10)
	res, err := Step(a, task, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Fault == nil || res.Fault.Kind != FaultUnknownOpcode {
		t.Fatalf("expected unknown opcode fault, got %+v", res.Fault)
	}
}

func TestOutOfBoundsFaults(t *testing.T) {
	a := arena.New(128)
	task := newTestTask(a, 0, 0x1000, 0x20)
	res, err := Step(a, task, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Fault == nil || res.Fault.Kind != FaultOutOfBounds {
		t.Fatalf("expected out-of-bounds fault, got %+v", res.Fault)
	}
}

func TestBreakpointMatch(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	a.PutU16(arena.Addr(0x1000), Encode(OpBRK, 0, 0, ModeNone))
	bps := map[uint32]bool{0x1000: true}
	res, err := Step(a, task, bps)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !res.Break {
		t.Fatalf("expected breakpoint hit")
	}
	pc, _ := task.PC(a)
	if pc != 0x1000 {
		t.Fatalf("breakpoint-hit step must not advance PC, got %#x", pc)
	}
}

func TestSVCTrap(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetReg(a, 1, 0xAAAA)
	word := Encode(OpSVC, 0, 0, ModeImm)
	a.PutU16(arena.Addr(0x1000), word)
	putExt(a, 0x1002, uint32(0x05)<<8|0x01) // MBX module, fn 1 (OPEN)

	res, err := Step(a, task, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.SVC == nil {
		t.Fatalf("expected SVC trap")
	}
	if res.SVC.Module != 0x05 || res.SVC.Func != 0x01 {
		t.Fatalf("got module=%#x fn=%#x", res.SVC.Module, res.SVC.Func)
	}
	if res.SVC.Args[0] != 0xAAAA {
		t.Fatalf("R1 arg = %#x, want 0xAAAA", res.SVC.Args[0])
	}
}

func TestF16RoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 1.5, 0.5, 100.25, -3.75}
	for _, f := range cases {
		h := F32ToF16(f)
		back := F16ToF32(h)
		if back != f {
			t.Fatalf("f16 round trip for %v: got %v (bits %#x)", f, back, h)
		}
	}
}

// stepOp encodes a single instruction at the task's current PC, steps it,
// and fails the test on error or fault.
func stepOp(t *testing.T, a *arena.Arena, task *Task, op Opcode, rd, rs1 uint8, mode Mode, ext uint32) *Result {
	t.Helper()
	pc, _ := task.PC(a)
	word := Encode(op, rd, rs1, mode)
	a.PutU16(arena.Addr(pc), word)
	if mode.HasExtWord() {
		putExt(a, arena.Addr(pc+2), ext)
	}
	res, err := Step(a, task, nil)
	if err != nil {
		t.Fatalf("step %s: %v", Mnemonic(op), err)
	}
	if res.Fault != nil {
		t.Fatalf("step %s: unexpected fault %+v", Mnemonic(op), res.Fault)
	}
	return res
}

func TestRegRegALUOps(t *testing.T) {
	cases := []struct {
		op         Opcode
		x, y, want uint32
	}{
		{OpADD, 5, 7, 12},
		{OpSUB, 10, 3, 7},
		{OpAND, 0xF0, 0x3C, 0x30},
		{OpOR, 0xF0, 0x0F, 0xFF},
		{OpXOR, 0xFF, 0x0F, 0xF0},
	}
	for _, c := range cases {
		a := arena.New(8192)
		task := newTestTask(a, 0, 0x1000, 0x2000)
		task.SetReg(a, 1, c.x)
		task.SetReg(a, 2, c.y)
		stepOp(t, a, task, c.op, 3, 1, ModeRegReg3, 2)
		got, _ := task.GetReg(a, 3)
		if got != c.want {
			t.Fatalf("%s: R3 = %#x, want %#x", Mnemonic(c.op), got, c.want)
		}
	}
}

func TestADCUsesCarryIn(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetPSW(a, FlagC)
	task.SetReg(a, 1, 1)
	task.SetReg(a, 2, 1)
	stepOp(t, a, task, OpADC, 3, 1, ModeRegReg3, 2)
	got, _ := task.GetReg(a, 3)
	if got != 3 {
		t.Fatalf("ADC with carry-in: R3 = %d, want 3", got)
	}
}

func TestSBCUsesCarryIn(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetPSW(a, FlagC)
	task.SetReg(a, 1, 10)
	task.SetReg(a, 2, 3)
	stepOp(t, a, task, OpSBC, 3, 1, ModeRegReg3, 2)
	got, _ := task.GetReg(a, 3)
	if got != 6 {
		t.Fatalf("SBC with carry-in: R3 = %d, want 6", got)
	}
}

func TestNOT(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetReg(a, 1, 0)
	stepOp(t, a, task, OpNOT, 2, 1, ModeRegReg, 0)
	got, _ := task.GetReg(a, 2)
	if got != 0xFFFFFFFF {
		t.Fatalf("NOT 0 = %#x, want all-ones", got)
	}
}

func TestShiftOps(t *testing.T) {
	cases := []struct {
		op    Opcode
		x     uint32
		shift uint32
		want  uint32
	}{
		{OpLSL, 1, 4, 16},
		{OpLSR, 0x100, 4, 0x10},
		{OpASR, 0x80000000, 4, 0xF8000000},
	}
	for _, c := range cases {
		a := arena.New(8192)
		task := newTestTask(a, 0, 0x1000, 0x2000)
		task.SetReg(a, 1, c.x)
		stepOp(t, a, task, c.op, 2, 1, ModeImm, c.shift)
		got, _ := task.GetReg(a, 2)
		if got != c.want {
			t.Fatalf("%s: R2 = %#x, want %#x", Mnemonic(c.op), got, c.want)
		}
	}
}

func TestCMPSetsFlagsWithoutWritingRd(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetReg(a, 1, 5)
	task.SetReg(a, 2, 5)
	task.SetReg(a, 3, 0xDEAD)
	res := stepOp(t, a, task, OpCMP, 3, 1, ModeRegReg3, 2)
	if res.Trace.PSW&FlagZ == 0 {
		t.Fatalf("CMP of equal operands should set Z, PSW = %#x", res.Trace.PSW)
	}
	rd, _ := task.GetReg(a, 3)
	if rd != 0xDEAD {
		t.Fatalf("CMP modified Rd: %#x", rd)
	}
}

func TestBR(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	stepOp(t, a, task, OpBR, 0, 0, ModeImm, 0x1800)
	pc, _ := task.PC(a)
	if pc != 0x1800 {
		t.Fatalf("PC after BR = %#x, want 0x1800", pc)
	}
}

func TestBRZTakenWhenZeroSet(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetPSW(a, FlagZ)
	stepOp(t, a, task, OpBRZ, 0, 0, ModeImm, 0x1900)
	pc, _ := task.PC(a)
	if pc != 0x1900 {
		t.Fatalf("BRZ did not branch with Z set: PC = %#x", pc)
	}
}

func TestBRZNotTakenWhenZeroClear(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	stepOp(t, a, task, OpBRZ, 0, 0, ModeImm, 0x1900)
	pc, _ := task.PC(a)
	if pc != 0x1006 {
		t.Fatalf("BRZ branched with Z clear: PC = %#x", pc)
	}
}

func TestBRNZTakenWhenZeroClear(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	stepOp(t, a, task, OpBRNZ, 0, 0, ModeImm, 0x1A00)
	pc, _ := task.PC(a)
	if pc != 0x1A00 {
		t.Fatalf("BRNZ did not branch with Z clear: PC = %#x", pc)
	}
}

func TestCALLAndRET(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	stepOp(t, a, task, OpCALL, 0, 0, ModeImm, 0x1800)
	pc, _ := task.PC(a)
	if pc != 0x1800 {
		t.Fatalf("PC after CALL = %#x, want 0x1800", pc)
	}
	sp, _ := task.SP(a)
	if sp != 0x2000-4 {
		t.Fatalf("SP after CALL = %#x, want %#x", sp, 0x2000-4)
	}

	stepOp(t, a, task, OpRET, 0, 0, ModeNone, 0)
	pc, _ = task.PC(a)
	if pc != 0x1006 {
		t.Fatalf("PC after RET = %#x, want return address 0x1006", pc)
	}
	sp, _ = task.SP(a)
	if sp != 0x2000 {
		t.Fatalf("SP after RET = %#x, want restored 0x2000", sp)
	}
}

func TestFloatArithOps(t *testing.T) {
	cases := []struct {
		op   Opcode
		x, y float32
		want float32
	}{
		{OpFADD, 1.5, 2.25, 3.75},
		{OpFSUB, 5, 1.5, 3.5},
		{OpFMUL, 2, 3, 6},
		{OpFDIV, 9, 3, 3},
	}
	for _, c := range cases {
		a := arena.New(8192)
		task := newTestTask(a, 0, 0x1000, 0x2000)
		task.SetReg(a, 1, uint32(F32ToF16(c.x)))
		task.SetReg(a, 2, uint32(F32ToF16(c.y)))
		stepOp(t, a, task, c.op, 3, 1, ModeRegReg3, 2)
		got, _ := task.GetReg(a, 3)
		if F16ToF32(uint16(got)) != c.want {
			t.Fatalf("%s: result = %v, want %v", Mnemonic(c.op), F16ToF32(uint16(got)), c.want)
		}
	}
}

func TestFDIVByZeroFaults(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetReg(a, 1, uint32(F32ToF16(1)))
	task.SetReg(a, 2, uint32(F32ToF16(0)))
	word := Encode(OpFDIV, 3, 1, ModeRegReg3)
	a.PutU16(arena.Addr(0x1000), word)
	putExt(a, 0x1002, 2)
	res, err := Step(a, task, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Fault == nil || res.Fault.Kind != FaultDivideByZero {
		t.Fatalf("expected divide-by-zero fault, got %+v", res.Fault)
	}
}

func TestFPEXTAndFPTRUNC(t *testing.T) {
	a := arena.New(8192)
	task := newTestTask(a, 0, 0x1000, 0x2000)
	task.SetReg(a, 1, uint32(F32ToF16(1.5)))
	stepOp(t, a, task, OpFPEXT, 2, 1, ModeRegReg, 0)
	wide, _ := task.GetReg(a, 2)
	if floatFromBits(wide) != 1.5 {
		t.Fatalf("FPEXT result = %v, want 1.5", floatFromBits(wide))
	}

	stepOp(t, a, task, OpFPTRUNC, 3, 2, ModeRegReg, 0)
	narrow, _ := task.GetReg(a, 3)
	if F16ToF32(uint16(narrow)) != 1.5 {
		t.Fatalf("FPTRUNC result = %v, want 1.5", F16ToF32(uint16(narrow)))
	}
}

func TestF16EpsilonSuppression(t *testing.T) {
	a := F32ToF16(1.0)
	b := F32ToF16(1.0005)
	eps := F32ToF16(0.01)
	if !F16Equal(a, b, eps) {
		t.Fatalf("expected %v ~= %v within epsilon", a, b)
	}
	c := F32ToF16(1.5)
	if F16Equal(a, c, eps) {
		t.Fatalf("expected %v != %v beyond epsilon", a, c)
	}
}
