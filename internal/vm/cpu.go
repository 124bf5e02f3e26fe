// Package vm implements the MiniVM core: instruction fetch/decode/execute
// over a shared arena, addressed through each task's register window.
package vm

import (
	"math"

	"github.com/Hans-Einar/hsx/internal/arena"
)

// Task is the minimal state Step needs to execute one instruction: where
// the register window lives and where code/stack are bounded. It is a
// thin view, not a copy — the scheduler's TaskRecord embeds this and
// nothing else carries register state. Context switch between tasks is
// just calling Step with a different *Task; RegBase is the only thing
// that changes, exactly as spec.md §4.1 requires.
type Task struct {
	RegBase    arena.Addr
	StackBase  arena.Addr
	StackLimit arena.Addr // growth bound; stack grows down
}

// regAddr returns the arena address of register index i (0..15 general,
// RegPCIndex, RegSPIndex, RegPSWIdx for PC/SP/PSW).
func (t *Task) regAddr(i int) arena.Addr {
	return t.RegBase + arena.Addr(i*4)
}

// GetReg reads general register r (0..15) or PC/SP/PSW via the named
// index constants.
func (t *Task) GetReg(a *arena.Arena, i int) (uint32, error) {
	return a.U32(t.regAddr(i))
}

// SetReg writes general register r (0..15) or PC/SP/PSW.
func (t *Task) SetReg(a *arena.Arena, i int, v uint32) error {
	return a.PutU32(t.regAddr(i), v)
}

func (t *Task) PC(a *arena.Arena) (uint32, error)     { return t.GetReg(a, RegPCIndex) }
func (t *Task) SetPC(a *arena.Arena, v uint32) error  { return t.SetReg(a, RegPCIndex, v) }
func (t *Task) SP(a *arena.Arena) (uint32, error)     { return t.GetReg(a, RegSPIndex) }
func (t *Task) SetSP(a *arena.Arena, v uint32) error  { return t.SetReg(a, RegSPIndex, v) }
func (t *Task) PSW(a *arena.Arena) (uint32, error)    { return t.GetReg(a, RegPSWIdx) }
func (t *Task) SetPSW(a *arena.Arena, v uint32) error { return t.SetReg(a, RegPSWIdx, v) }

// TraceStep is the per-instruction event payload from spec.md §4.1.
type TraceStep struct {
	PC          uint32
	NextPC      uint32
	Opcode      uint16
	PSW         uint32
	ChangedRegs []string
}

// SVCRequest carries the decoded module/function and register arguments at
// the point an SVC instruction traps, per the register ABI in spec.md §6.
type SVCRequest struct {
	Module uint8
	Func   uint8
	Args   [5]uint32 // R1..R5
}

// Result is what Step produces for exactly one retired (or faulted)
// instruction.
type Result struct {
	Trace TraceStep
	Break bool // BRK instruction or PC matched a pre-execution breakpoint
	SVC   *SVCRequest
	Fault *Fault
}

func regName(i int) string {
	switch i {
	case RegPCIndex:
		return "PC"
	case RegSPIndex:
		return "SP"
	case RegPSWIdx:
		return "PSW"
	default:
		names := [16]string{
			"R0", "R1", "R2", "R3", "R4", "R5", "R6", "R7",
			"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
		}
		return names[i]
	}
}

// Step executes exactly one instruction for the given task, per spec.md
// §4.1: fetch at PC, decode, execute, advance PC, update PSW, report
// changed registers. breakpoints is the set of addresses that trigger
// debug_break when PC (pre-execution) matches.
func Step(a *arena.Arena, t *Task, breakpoints map[uint32]bool) (*Result, error) {
	pc, err := t.PC(a)
	if err != nil {
		return nil, err
	}
	if breakpoints[pc] {
		return &Result{Trace: TraceStep{PC: pc, NextPC: pc, PSW: mustPSW(a, t)}, Break: true}, nil
	}

	word, err := a.U16(arena.Addr(pc))
	if err != nil {
		return faultFromErr(err, pc, pc)
	}
	op, rd, rs1, mode := Decode(word)
	size := uint32(2)

	var rs2 uint8
	var imm uint32
	if mode.HasExtWord() {
		// The extension word follows a 16-bit primary word, so it is only
		// halfword-aligned: fetch it as two little-endian halfwords.
		lo, err := a.U16(arena.Addr(pc + 2))
		if err != nil {
			return faultFromErr(err, pc, pc+2)
		}
		hi, err := a.U16(arena.Addr(pc + 4))
		if err != nil {
			return faultFromErr(err, pc, pc+4)
		}
		ext := uint32(lo) | uint32(hi)<<16
		size = 6
		if mode == ModeRegReg3 {
			rs2 = uint8(ext & 0xF)
		} else {
			imm = ext
		}
	}

	nextPC := pc + size
	changed := map[string]bool{}

	psw, _ := t.PSW(a)
	setFlags := func(result uint32, carry, overflow bool) {
		psw = 0
		if result == 0 {
			psw |= FlagZ
		}
		if result&0x80000000 != 0 {
			psw |= FlagN
		}
		if carry {
			psw |= FlagC
		}
		if overflow {
			psw |= FlagV
		}
	}

	readReg := func(i uint8) (uint32, error) { return t.GetReg(a, int(i)) }
	writeReg := func(i uint8, v uint32) error {
		changed[regName(int(i))] = true
		return t.SetReg(a, int(i), v)
	}

	fault := func(kind FaultKind, addr uint32) (*Result, error) {
		return &Result{Fault: &Fault{Kind: kind, PC: pc, Addr: addr}}, nil
	}

	switch op {
	case OpLOAD:
		val, err := a.U32(arena.Addr(imm))
		if err != nil {
			return faultFromErr(err, pc, imm)
		}
		writeReg(rd, val)

	case OpSTORE:
		val, err := readReg(rd)
		if err != nil {
			return nil, err
		}
		if err := a.PutU32(arena.Addr(imm), val); err != nil {
			return faultFromErr(err, pc, imm)
		}

	case OpADD, OpSUB, OpADC, OpSBC, OpAND, OpOR, OpXOR, OpCMP:
		x, err := readReg(rs1)
		if err != nil {
			return nil, err
		}
		y, err := readReg(rs2)
		if err != nil {
			return nil, err
		}
		var result uint64
		var carryIn uint64
		if (op == OpADC || op == OpSBC) && psw&FlagC != 0 {
			carryIn = 1
		}
		switch op {
		case OpADD:
			result = uint64(x) + uint64(y)
		case OpADC:
			result = uint64(x) + uint64(y) + carryIn
		case OpSUB, OpCMP:
			result = uint64(x) - uint64(y)
		case OpSBC:
			result = uint64(x) - uint64(y) - carryIn
		case OpAND:
			result = uint64(x) & uint64(y)
		case OpOR:
			result = uint64(x) | uint64(y)
		case OpXOR:
			result = uint64(x) ^ uint64(y)
		}
		carry := result > 0xFFFFFFFF
		setFlags(uint32(result), carry, false)
		if op != OpCMP {
			writeReg(rd, uint32(result))
		}

	case OpNOT:
		x, err := readReg(rs1)
		if err != nil {
			return nil, err
		}
		result := ^x
		setFlags(result, false, false)
		writeReg(rd, result)

	case OpLSL, OpLSR, OpASR:
		x, err := readReg(rs1)
		if err != nil {
			return nil, err
		}
		shift := imm & 0x1F
		var result uint32
		switch op {
		case OpLSL:
			result = x << shift
		case OpLSR:
			result = x >> shift
		case OpASR:
			result = uint32(int32(x) >> shift)
		}
		setFlags(result, false, false)
		writeReg(rd, result)

	case OpBR:
		nextPC = imm

	case OpBRZ:
		if psw&FlagZ != 0 {
			nextPC = imm
		}

	case OpBRNZ:
		if psw&FlagZ == 0 {
			nextPC = imm
		}

	case OpCALL:
		sp, err := t.SP(a)
		if err != nil {
			return nil, err
		}
		sp -= 4
		if err := a.PutU32(arena.Addr(sp), nextPC); err != nil {
			return faultFromErr(err, pc, sp)
		}
		t.SetSP(a, sp)
		changed["SP"] = true
		nextPC = imm

	case OpRET:
		sp, err := t.SP(a)
		if err != nil {
			return nil, err
		}
		ret, err := a.U32(arena.Addr(sp))
		if err != nil {
			return faultFromErr(err, pc, sp)
		}
		t.SetSP(a, sp+4)
		changed["SP"] = true
		nextPC = ret

	case OpFADD, OpFSUB, OpFMUL, OpFDIV:
		x, err := readReg(rs1)
		if err != nil {
			return nil, err
		}
		y, err := readReg(rs2)
		if err != nil {
			return nil, err
		}
		fx, fy := F16ToF32(uint16(x)), F16ToF32(uint16(y))
		var fr float32
		switch op {
		case OpFADD:
			fr = fx + fy
		case OpFSUB:
			fr = fx - fy
		case OpFMUL:
			fr = fx * fy
		case OpFDIV:
			if fy == 0 {
				return fault(FaultDivideByZero, 0)
			}
			fr = fx / fy
		}
		result := uint32(F32ToF16(fr))
		setFlags(result, false, false)
		writeReg(rd, result)

	case OpFPEXT:
		x, err := readReg(rs1)
		if err != nil {
			return nil, err
		}
		bits := F16ToF32(uint16(x))
		writeReg(rd, floatBits(bits))

	case OpFPTRUNC:
		x, err := readReg(rs1)
		if err != nil {
			return nil, err
		}
		h := F32ToF16(floatFromBits(x))
		writeReg(rd, uint32(h))

	case OpSVC:
		r1, _ := readReg(1)
		r2, _ := readReg(2)
		r3, _ := readReg(3)
		r4, _ := readReg(4)
		r5, _ := readReg(5)
		module := uint8(imm >> 8)
		fn := uint8(imm)
		t.SetPC(a, nextPC)
		return &Result{
			Trace: TraceStep{PC: pc, NextPC: nextPC, Opcode: word, PSW: psw, ChangedRegs: keys(changed)},
			SVC:   &SVCRequest{Module: module, Func: fn, Args: [5]uint32{r1, r2, r3, r4, r5}},
		}, nil

	case OpBRK:
		t.SetPC(a, nextPC)
		return &Result{
			Trace: TraceStep{PC: pc, NextPC: nextPC, Opcode: word, PSW: psw},
			Break: true,
		}, nil

	default:
		return fault(FaultUnknownOpcode, uint32(op))
	}

	if err := t.SetPC(a, nextPC); err != nil {
		return nil, err
	}
	if err := t.SetPSW(a, psw); err != nil {
		return nil, err
	}

	return &Result{
		Trace: TraceStep{PC: pc, NextPC: nextPC, Opcode: word, PSW: psw, ChangedRegs: keys(changed)},
	}, nil
}

func keys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func mustPSW(a *arena.Arena, t *Task) uint32 {
	v, _ := t.PSW(a)
	return v
}

func faultFromErr(err error, pc, addr uint32) (*Result, error) {
	kind := FaultOutOfBounds
	if err == arena.ErrMisaligned {
		kind = FaultMisaligned
	}
	return &Result{Fault: &Fault{Kind: kind, PC: pc, Addr: addr}}, nil
}

func floatBits(f float32) uint32    { return math.Float32bits(f) }
func floatFromBits(b uint32) float32 { return math.Float32frombits(b) }
