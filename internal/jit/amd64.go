package jit

import (
	"fmt"

	"github.com/tinyrange/rvjit/internal/asm"
	"github.com/tinyrange/rvjit/internal/asm/amd64"
	"github.com/tinyrange/rvjit/internal/rv64"
)

// Native register conventions. RDI holds the context and RSI the base of
// guest memory for the whole time native code runs. RAX, RCX and RDX are
// scratch; the translate routines clobber all three.
const (
	regCtx     = amd64.RDI
	regMemBase = amd64.RSI
)

var amd64Pool = []HostReg{
	HostReg(amd64.RBX), HostReg(amd64.RBP),
	HostReg(amd64.R8), HostReg(amd64.R9), HostReg(amd64.R10), HostReg(amd64.R11),
	HostReg(amd64.R12), HostReg(amd64.R13), HostReg(amd64.R14), HostReg(amd64.R15),
}

var calleeSaved = []asm.Variable{amd64.RBX, amd64.RBP, amd64.R12, amd64.R13, amd64.R14, amd64.R15}

// routines holds the code buffer offsets of the shared native code.
type routines struct {
	entry     int
	epilogue  int
	translate [4]int // by log2 of the access width
	size      int
}

const (
	labelEpilogue = asm.Label("epilogue")
)

func translateLabel(width int) asm.Label { return asm.Label(fmt.Sprintf("translate%d", width)) }

func widthIndex(width int) int {
	switch width {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	panic(fmt.Sprintf("jit: bad access width %d", width))
}

// translateRoutine converts the guest address in RAX into an offset into
// guest memory for an access of width bytes. On failure RAX is all ones.
// Windows are tried in the same order as rv64.Layout.Translate.
func translateRoutine(windows []rv64.Window, width int) asm.Fragment {
	var g asm.Group
	for i, w := range windows {
		if w.Size < uint64(width) {
			continue
		}
		miss := asm.Label(fmt.Sprintf("translate%d_miss%d", width, i))
		g = append(g,
			amd64.MovReg(amd64.Reg64(amd64.RDX), amd64.Reg64(amd64.RAX)),
			amd64.MovImmediate(amd64.Reg64(amd64.RCX), int64(w.Base)),
			amd64.SubRegReg(amd64.Reg64(amd64.RDX), amd64.Reg64(amd64.RCX)),
			amd64.MovImmediate(amd64.Reg64(amd64.RCX), int64(w.Size-uint64(width))),
			amd64.CmpRegReg(amd64.Reg64(amd64.RDX), amd64.Reg64(amd64.RCX)),
			amd64.JumpIf(amd64.CondAbove, miss),
			amd64.MovImmediate(amd64.Reg64(amd64.RCX), int64(w.Offset)),
			amd64.Lea(amd64.Reg64(amd64.RAX), amd64.MemIndex(amd64.Reg64(amd64.RDX), amd64.Reg64(amd64.RCX), 1)),
			amd64.Ret(),
			asm.MarkLabel(miss),
		)
	}
	return append(g,
		amd64.MovImmediate(amd64.Reg64(amd64.RAX), -1),
		amd64.Ret(),
	)
}

// routinesFragment builds the trampoline, epilogue and translate routines.
// The trampoline is called as fn(ctx, memBase, blockEntry).
func routinesFragment(windows []rv64.Window) asm.Fragment {
	var g asm.Group
	for _, r := range calleeSaved {
		g = append(g, amd64.Push(r))
	}
	g = append(g,
		amd64.SubRegImm(amd64.Reg64(amd64.RSP), 8),
		amd64.JumpReg(amd64.RDX),

		asm.MarkLabel(labelEpilogue),
		amd64.AddRegImm(amd64.Reg64(amd64.RSP), 8),
	)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		g = append(g, amd64.Pop(calleeSaved[i]))
	}
	g = append(g, amd64.Ret())
	for _, w := range []int{1, 2, 4, 8} {
		g = append(g, asm.MarkLabel(translateLabel(w)), translateRoutine(windows, w))
	}
	return g
}

// emitRoutines encodes the shared routines for placement at origin.
func emitRoutines(windows []rv64.Window, origin int) ([]byte, routines, error) {
	prog, err := amd64.EmitProgramAt(routinesFragment(windows), origin)
	if err != nil {
		return nil, routines{}, fmt.Errorf("jit: emit routines: %w", err)
	}
	rt := routines{entry: origin, epilogue: origin + prog.MustLabel(labelEpilogue), size: prog.Len()}
	for _, w := range []int{1, 2, 4, 8} {
		rt.translate[widthIndex(w)] = origin + prog.MustLabel(translateLabel(w))
	}
	return prog.Bytes(), rt, nil
}

// amd64Emitter lowers blocks to x86-64.
type amd64Emitter struct {
	rt         routines
	lookupMask int32

	body   asm.Group
	cold   asm.Group
	labels int
	sites  map[int]asm.Label
}

var _ Emitter = (*amd64Emitter)(nil)

func newAMD64Emitter(rt routines, lookupSize int) *amd64Emitter {
	return &amd64Emitter{rt: rt, lookupMask: int32(lookupSize - 1)}
}

func (e *amd64Emitter) Pool() []HostReg { return amd64Pool }

func (e *amd64Emitter) Lowers(op rv64.Op) bool {
	switch op {
	case rv64.OpInvalid, rv64.OpCsrRead, rv64.OpMulhsu,
		rv64.OpDiv, rv64.OpDivu, rv64.OpRem, rv64.OpRemu,
		rv64.OpDivw, rv64.OpDivuw, rv64.OpRemw, rv64.OpRemuw:
		return false
	}
	return true
}

func (e *amd64Emitter) Reset() {
	e.body = e.body[:0]
	e.cold = e.cold[:0]
	e.labels = 0
	e.sites = make(map[int]asm.Label)
}

func (e *amd64Emitter) label() asm.Label {
	e.labels++
	return asm.Label(fmt.Sprintf("l%d", e.labels))
}

func (e *amd64Emitter) emit(frags ...asm.Fragment) { e.body = append(e.body, frags...) }

func (e *amd64Emitter) emitCold(frags ...asm.Fragment) { e.cold = append(e.cold, frags...) }

func reg64(r HostReg) amd64.Reg { return amd64.Reg64(asm.Variable(r)) }

func ctxMem(off int32) amd64.Memory { return amd64.Mem(amd64.Reg64(regCtx)).WithDisp(off) }

func guestMem() amd64.Memory {
	return amd64.MemIndex(amd64.Reg64(regMemBase), amd64.Reg64(amd64.RAX), 1)
}

var (
	rax = amd64.Reg64(amd64.RAX)
	eax = amd64.Reg32(amd64.RAX)
	rcx = amd64.Reg64(amd64.RCX)
	rdx = amd64.Reg64(amd64.RDX)
)

func (e *amd64Emitter) Begin(pc uint64, n int) {
	yield := e.label()
	e.emit(
		amd64.CmpMemImm(8, ctxMem(offBudget), int32(n)),
		amd64.JumpIf(amd64.CondLess, yield),
	)
	e.emitCold(asm.MarkLabel(yield))
	e.emitCold(e.exit(Exit{Reason: exitYield, PC: pc, Link: noLink}, false)...)
}

func (e *amd64Emitter) LoadGuest(dst HostReg, guest int) {
	e.emit(amd64.MovFromMemory(reg64(dst), ctxMem(offReg(guest))))
}

func (e *amd64Emitter) StoreGuest(guest int, src HostReg) {
	e.emit(amd64.MovToMemory(ctxMem(offReg(guest)), reg64(src)))
}

func (e *amd64Emitter) Zero(dst HostReg) {
	r := amd64.Reg32(asm.Variable(dst))
	e.emit(amd64.XorRegReg(r, r))
}

func (e *amd64Emitter) LoadConst(dst HostReg, v uint64) {
	e.emit(amd64.MovImmediate(reg64(dst), int64(v)))
}

func (e *amd64Emitter) ALU(op rv64.Op, dst, a, b HostReg) {
	rb := reg64(b)
	rb32 := amd64.Reg32(asm.Variable(b))
	e.emit(amd64.MovReg(rax, reg64(a)))
	switch op {
	case rv64.OpAdd:
		e.emit(amd64.AddRegReg(rax, rb))
	case rv64.OpSub:
		e.emit(amd64.SubRegReg(rax, rb))
	case rv64.OpAnd:
		e.emit(amd64.AndRegReg(rax, rb))
	case rv64.OpOr:
		e.emit(amd64.OrRegReg(rax, rb))
	case rv64.OpXor:
		e.emit(amd64.XorRegReg(rax, rb))
	case rv64.OpSll:
		e.emit(amd64.MovReg(rcx, rb), amd64.ShlRegCL(rax))
	case rv64.OpSrl:
		e.emit(amd64.MovReg(rcx, rb), amd64.ShrRegCL(rax))
	case rv64.OpSra:
		e.emit(amd64.MovReg(rcx, rb), amd64.SarRegCL(rax))
	case rv64.OpSlt:
		e.emit(amd64.CmpRegReg(rax, rb), amd64.SetCC(amd64.CondLess, amd64.RAX), amd64.MovZXByte(amd64.RAX, amd64.RAX))
	case rv64.OpSltu:
		e.emit(amd64.CmpRegReg(rax, rb), amd64.SetCC(amd64.CondBelow, amd64.RAX), amd64.MovZXByte(amd64.RAX, amd64.RAX))
	case rv64.OpMul:
		e.emit(amd64.ImulRegReg(rax, rb))
	case rv64.OpMulh:
		e.emit(amd64.ImulWide(rb), amd64.MovReg(rax, rdx))
	case rv64.OpMulhu:
		e.emit(amd64.Mul(rb), amd64.MovReg(rax, rdx))
	case rv64.OpAddw:
		e.emit(amd64.AddRegReg(eax, rb32), amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpSubw:
		e.emit(amd64.SubRegReg(eax, rb32), amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpMulw:
		e.emit(amd64.ImulRegReg(eax, rb32), amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpSllw:
		e.emit(amd64.MovReg(rcx, rb), amd64.ShlRegCL(eax), amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpSrlw:
		e.emit(amd64.MovReg(rcx, rb), amd64.ShrRegCL(eax), amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpSraw:
		e.emit(amd64.MovReg(rcx, rb), amd64.SarRegCL(eax), amd64.MovSXD(amd64.RAX, amd64.RAX))
	default:
		panic(fmt.Sprintf("jit: amd64 cannot lower %s", op))
	}
	e.emit(amd64.MovReg(reg64(dst), rax))
}

func (e *amd64Emitter) ALUImm(op rv64.Op, dst, a HostReg, imm int64) {
	v := int32(imm)
	sh := uint8(imm)
	e.emit(amd64.MovReg(rax, reg64(a)))
	switch op {
	case rv64.OpAddi:
		if v != 0 {
			e.emit(amd64.AddRegImm(rax, v))
		}
	case rv64.OpXori:
		e.emit(amd64.XorRegImm(rax, v))
	case rv64.OpOri:
		e.emit(amd64.OrRegImm(rax, v))
	case rv64.OpAndi:
		e.emit(amd64.AndRegImm(rax, v))
	case rv64.OpSlti:
		e.emit(amd64.CmpRegImm(rax, v), amd64.SetCC(amd64.CondLess, amd64.RAX), amd64.MovZXByte(amd64.RAX, amd64.RAX))
	case rv64.OpSltiu:
		e.emit(amd64.CmpRegImm(rax, v), amd64.SetCC(amd64.CondBelow, amd64.RAX), amd64.MovZXByte(amd64.RAX, amd64.RAX))
	case rv64.OpSlli:
		if sh != 0 {
			e.emit(amd64.ShlRegImm(rax, sh))
		}
	case rv64.OpSrli:
		if sh != 0 {
			e.emit(amd64.ShrRegImm(rax, sh))
		}
	case rv64.OpSrai:
		if sh != 0 {
			e.emit(amd64.SarRegImm(rax, sh))
		}
	case rv64.OpAddiw:
		if v != 0 {
			e.emit(amd64.AddRegImm(eax, v))
		}
		e.emit(amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpSlliw:
		if sh != 0 {
			e.emit(amd64.ShlRegImm(eax, sh))
		}
		e.emit(amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpSrliw:
		if sh != 0 {
			e.emit(amd64.ShrRegImm(eax, sh))
		}
		e.emit(amd64.MovSXD(amd64.RAX, amd64.RAX))
	case rv64.OpSraiw:
		if sh != 0 {
			e.emit(amd64.SarRegImm(eax, sh))
		}
		e.emit(amd64.MovSXD(amd64.RAX, amd64.RAX))
	default:
		panic(fmt.Sprintf("jit: amd64 cannot lower %s", op))
	}
	e.emit(amd64.MovReg(reg64(dst), rax))
}

// access emits address translation and the two fault paths shared by loads
// and stores. On the fall-through path RAX is the offset into guest memory.
func (e *amd64Emitter) access(width int, base HostReg, off int64, fault Exit) {
	rangeFault, alignFault := e.label(), e.label()
	e.emit(amd64.MovReg(rax, reg64(base)))
	if off != 0 {
		e.emit(amd64.AddRegImm(rax, int32(off)))
	}
	e.emit(
		amd64.CallTo(e.rt.translate[widthIndex(width)]),
		amd64.CmpRegImm(rax, -1),
		amd64.JumpIf(amd64.CondEqual, rangeFault),
	)
	if width > 1 {
		e.emit(
			amd64.TestRegImm(amd64.Reg8(amd64.RAX), int32(width-1)),
			amd64.JumpIf(amd64.CondNotEqual, alignFault),
		)
	}
	// The effective address is recomputed from the base register, which
	// is still live on both paths.
	addr := amd64.Lea(rax, amd64.Mem(reg64(base)).WithDisp(int32(off)))

	fault.Fault = rv64.InvalidMemoryAccess
	e.emitCold(asm.MarkLabel(rangeFault), addr)
	e.emitCold(e.exit(fault, true)...)
	if width > 1 {
		fault.Fault = rv64.Unaligned
		e.emitCold(asm.MarkLabel(alignFault), addr)
		e.emitCold(e.exit(fault, true)...)
	}
}

func (e *amd64Emitter) Load(op rv64.Op, dst, base HostReg, off int64, fault Exit) {
	e.access(op.AccessWidth(), base, off, fault)
	if dst == NoReg {
		return
	}
	d64 := reg64(dst)
	d32 := amd64.Reg32(asm.Variable(dst))
	switch op {
	case rv64.OpLb:
		e.emit(amd64.MovSX8(d64, guestMem()))
	case rv64.OpLbu:
		e.emit(amd64.MovZX8(d32, guestMem()))
	case rv64.OpLh:
		e.emit(amd64.MovSX16(d64, guestMem()))
	case rv64.OpLhu:
		e.emit(amd64.MovZX16(d32, guestMem()))
	case rv64.OpLw:
		e.emit(amd64.MovSX32(d64, guestMem()))
	case rv64.OpLwu:
		e.emit(amd64.MovFromMemory(d32, guestMem()))
	case rv64.OpLd:
		e.emit(amd64.MovFromMemory(d64, guestMem()))
	default:
		panic(fmt.Sprintf("jit: %s is not a load", op))
	}
}

// Store follows the write with a check of [addr, addr+w) against the
// compiled code hull. An overlapping store leaves through written with the
// guest address in RAX.
func (e *amd64Emitter) Store(op rv64.Op, base, src HostReg, off int64, fault, written Exit) {
	w := op.AccessWidth()
	e.access(w, base, off, fault)
	e.emit(amd64.MovToMemory(guestMem(), amd64.RegWidth(asm.Variable(src), w)))

	done, hit := e.label(), e.label()
	e.emit(
		amd64.Lea(rax, amd64.Mem(reg64(base)).WithDisp(int32(off))),
		amd64.MovFromMemory(rcx, ctxMem(offCodeHi)),
		amd64.CmpRegReg(rax, rcx),
		amd64.JumpIf(amd64.CondAboveOrEqual, done),
		amd64.Lea(rdx, amd64.Mem(rax).WithDisp(int32(w))),
		amd64.MovFromMemory(rcx, ctxMem(offCodeLo)),
		amd64.CmpRegReg(rdx, rcx),
		amd64.JumpIf(amd64.CondAbove, hit),
		asm.MarkLabel(done),
	)
	written.Width = w
	e.emitCold(asm.MarkLabel(hit))
	e.emitCold(e.exit(written, true)...)
}

func branchCond(op rv64.Op) amd64.Cond {
	switch op {
	case rv64.OpBeq:
		return amd64.CondEqual
	case rv64.OpBne:
		return amd64.CondNotEqual
	case rv64.OpBlt:
		return amd64.CondLess
	case rv64.OpBge:
		return amd64.CondGreaterOrEq
	case rv64.OpBltu:
		return amd64.CondBelow
	case rv64.OpBgeu:
		return amd64.CondAboveOrEqual
	}
	panic(fmt.Sprintf("jit: %s is not a branch", op))
}

func (e *amd64Emitter) Branch(op rv64.Op, a, b HostReg, taken, notTaken Exit) {
	l := e.label()
	e.emit(
		amd64.CmpRegReg(reg64(a), reg64(b)),
		amd64.JumpIf(branchCond(op), l),
	)
	e.emit(e.exit(notTaken, false)...)
	e.emitCold(asm.MarkLabel(l))
	e.emitCold(e.exit(taken, false)...)
}

func (e *amd64Emitter) Jump(exit Exit) { e.emit(e.exit(exit, false)...) }

func (e *amd64Emitter) IndirectTarget(base HostReg, off int64, alignMask uint64, fault Exit) {
	e.emit(amd64.MovReg(rax, reg64(base)))
	if off != 0 {
		e.emit(amd64.AddRegImm(rax, int32(off)))
	}
	e.emit(amd64.AndRegImm(rax, -2))
	if mask := alignMask &^ 1; mask != 0 {
		l := e.label()
		e.emit(
			amd64.TestRegImm(amd64.Reg8(amd64.RAX), int32(mask)),
			amd64.JumpIf(amd64.CondNotEqual, l),
		)
		e.emitCold(asm.MarkLabel(l))
		e.emitCold(e.exit(fault, true)...)
	}
}

// JumpIndirect looks up the target in RAX in the lookup table and jumps
// straight to the cached block on a hit.
func (e *amd64Emitter) JumpIndirect(exit Exit) {
	miss := e.label()
	e.emit(e.writeBack(exit)...)
	e.emit(
		amd64.MovToMemory(ctxMem(offPC), rax),
		amd64.MovReg(rcx, rax),
		amd64.ShrRegImm(rcx, 1),
		amd64.AndRegImm(amd64.Reg32(amd64.RCX), e.lookupMask),
		amd64.ShlRegImm(rcx, 4),
		amd64.MovFromMemory(rdx, ctxMem(offLookup)),
		amd64.AddRegReg(rcx, rdx),
		amd64.MovFromMemory(rdx, amd64.Mem(rcx)),
		amd64.CmpRegReg(rdx, rax),
		amd64.JumpIf(amd64.CondNotEqual, miss),
		amd64.MovFromMemory(rcx, amd64.Mem(rcx).WithDisp(8)),
		amd64.JumpReg(amd64.RCX),
		asm.MarkLabel(miss),
		amd64.MovImmToMemory(8, ctxMem(offLink), noLink),
		amd64.MovImmediate(eax, int64(exitResolve)),
		amd64.JumpTo(e.rt.epilogue),
	)
}

// writeBack stores dirty registers and charges the budget.
func (e *amd64Emitter) writeBack(x Exit) []asm.Fragment {
	var out []asm.Fragment
	for _, s := range x.Spills {
		out = append(out, amd64.MovToMemory(ctxMem(offReg(s.Guest)), reg64(s.Host)))
	}
	if x.Retired > 0 {
		out = append(out, amd64.SubMemImm(8, ctxMem(offBudget), int32(x.Retired)))
	}
	return out
}

// exit builds the code for one exit path. With addrInRAX the fault address
// is taken from RAX instead of x.FaultAddr.
func (e *amd64Emitter) exit(x Exit, addrInRAX bool) []asm.Fragment {
	var out []asm.Fragment
	if x.Reason == exitFault {
		if !addrInRAX {
			out = append(out, amd64.MovImmediate(rax, int64(x.FaultAddr)))
		}
		out = append(out,
			amd64.MovToMemory(ctxMem(offFaultAddr), rax),
			amd64.MovImmToMemory(8, ctxMem(offFaultKind), int32(x.Fault)),
		)
	}
	if x.Reason == exitCodeWrite {
		out = append(out,
			amd64.MovToMemory(ctxMem(offFaultAddr), rax),
			amd64.MovImmToMemory(8, ctxMem(offWidth), int32(x.Width)),
		)
	}
	out = append(out, e.writeBack(x)...)
	if x.Reason == exitResolve && x.Link != noLink {
		l := asm.Label(fmt.Sprintf("site%d", x.Link))
		e.sites[x.Link] = l
		out = append(out, amd64.Patchable(l))
	}
	out = append(out,
		amd64.MovImmediate(rax, int64(x.PC)),
		amd64.MovToMemory(ctxMem(offPC), rax),
	)
	if x.Reason == exitResolve {
		out = append(out, amd64.MovImmToMemory(8, ctxMem(offLink), int32(x.Link)))
	}
	return append(out,
		amd64.MovImmediate(eax, int64(x.Reason)),
		amd64.JumpTo(e.rt.epilogue),
	)
}

func (e *amd64Emitter) Finish(origin int) (Output, error) {
	prog, err := amd64.EmitProgramAt(asm.Group{e.body, e.cold}, origin)
	if err != nil {
		return Output{}, err
	}
	out := Output{Code: prog.Bytes(), Sites: make(map[int]int, len(e.sites))}
	for id, l := range e.sites {
		out.Sites[id] = origin + prog.MustLabel(l)
	}
	return out, nil
}
