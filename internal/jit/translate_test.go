package jit

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/rvjit/internal/asm"
	"github.com/tinyrange/rvjit/internal/asm/riscv"
	"github.com/tinyrange/rvjit/internal/rv64"
)

// recorder is an Emitter that logs calls as text.
type recorder struct {
	pool  []HostReg
	ops   []string
	exits []Exit
}

func newRecorder(n int) *recorder {
	r := &recorder{}
	for i := 0; i < n; i++ {
		r.pool = append(r.pool, HostReg(i))
	}
	return r
}

func (r *recorder) log(format string, args ...any) { r.ops = append(r.ops, fmt.Sprintf(format, args...)) }

func (r *recorder) Pool() []HostReg { return r.pool }

func (r *recorder) Lowers(op rv64.Op) bool {
	switch op {
	case rv64.OpInvalid, rv64.OpCsrRead, rv64.OpDiv:
		return false
	}
	return true
}

func (r *recorder) Reset() { r.ops, r.exits = nil, nil }

func (r *recorder) Begin(pc uint64, n int) { r.log("begin %d", n) }
func (r *recorder) LoadGuest(dst HostReg, g int) { r.log("load h%d x%d", dst, g) }
func (r *recorder) StoreGuest(g int, src HostReg) { r.log("store x%d h%d", g, src) }
func (r *recorder) Zero(dst HostReg) { r.log("zero h%d", dst) }
func (r *recorder) LoadConst(dst HostReg, v uint64) { r.log("const h%d 0x%x", dst, v) }
func (r *recorder) ALU(op rv64.Op, dst, a, b HostReg) { r.log("%s h%d h%d h%d", op, dst, a, b) }
func (r *recorder) ALUImm(op rv64.Op, d, a HostReg, i int64) { r.log("%s h%d h%d %d", op, d, a, i) }

func (r *recorder) Load(op rv64.Op, dst, base HostReg, off int64, fault Exit) {
	r.exits = append(r.exits, fault)
	r.log("%s h%d h%d %d", op, dst, base, off)
}

func (r *recorder) Store(op rv64.Op, base, src HostReg, off int64, fault, written Exit) {
	r.exits = append(r.exits, fault, written)
	r.log("%s h%d h%d %d", op, base, src, off)
}

func (r *recorder) Branch(op rv64.Op, a, b HostReg, taken, notTaken Exit) {
	r.exits = append(r.exits, taken, notTaken)
	r.log("%s h%d h%d", op, a, b)
}

func (r *recorder) Jump(x Exit) {
	r.exits = append(r.exits, x)
	r.log("exit %s", x.Reason)
}

func (r *recorder) IndirectTarget(base HostReg, off int64, mask uint64, fault Exit) {
	r.exits = append(r.exits, fault)
	r.log("target h%d %d", base, off)
}

func (r *recorder) JumpIndirect(x Exit) {
	r.exits = append(r.exits, x)
	r.log("indirect")
}

func (r *recorder) Finish(origin int) (Output, error) { return Output{}, nil }

func newTranslateMemory(t *testing.T, frags ...asm.Fragment) *rv64.Memory {
	t.Helper()
	mem, err := rv64.NewMemory(rv64.Layout{RAMBase: rv64.RAMBase, RAMSize: 0x10000})
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.Write(rv64.RAMBase, riscv.MustAssemble(frags...)); err != nil {
		t.Fatalf("write program: %v", err)
	}
	return mem
}

func translateAt(t *testing.T, em *recorder, maxInsns int, frags ...asm.Fragment) translation {
	t.Helper()
	tr := newTranslator(newTranslateMemory(t, frags...), em, false, maxInsns)
	out, err := tr.translate(rv64.RAMBase, 0)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	return out
}

func lastExit(em *recorder) Exit { return em.exits[len(em.exits)-1] }

func TestTranslateStraightLine(t *testing.T) {
	em := newRecorder(4)
	out := translateAt(t, em, 64,
		riscv.Addi(riscv.A0, riscv.Zero, 5),
		riscv.Add(riscv.A1, riscv.A0, riscv.A0),
		riscv.Ebreak(),
	)
	if out.Instructions != 3 || out.GuestLen != 12 {
		t.Fatalf("instructions=%d len=%d, want 3 12", out.Instructions, out.GuestLen)
	}
	want := []string{
		"begin 3",
		"zero h0",
		"addi h1 h0 5",
		"add h2 h1 h1",
		"exit halt",
	}
	if got := strings.Join(em.ops, "\n"); got != strings.Join(want, "\n") {
		t.Fatalf("ops:\n%s\nwant:\n%s", got, strings.Join(want, "\n"))
	}
	x := lastExit(em)
	if x.PC != rv64.RAMBase+8 || x.Retired != 2 {
		t.Fatalf("halt exit pc=0x%x retired=%d, want 0x%x 2", x.PC, x.Retired, rv64.RAMBase+8)
	}
	if len(x.Spills) != 2 || x.Spills[0].Guest != int(riscv.A0) || x.Spills[1].Guest != int(riscv.A1) {
		t.Fatalf("halt spills=%v, want a0 and a1", x.Spills)
	}
	if len(out.Links) != 0 {
		t.Fatalf("links=%v, want none", out.Links)
	}
}

func TestTranslateZeroDestination(t *testing.T) {
	em := newRecorder(4)
	translateAt(t, em, 64,
		riscv.Addi(riscv.Zero, riscv.A0, 1),
		riscv.Lui(riscv.Zero, 1),
		riscv.Ebreak(),
	)
	for _, op := range em.ops {
		if strings.HasPrefix(op, "addi") || strings.HasPrefix(op, "const") {
			t.Fatalf("x0 write lowered: %q", op)
		}
	}
	if x := lastExit(em); len(x.Spills) != 0 {
		t.Fatalf("spills=%v, want none", x.Spills)
	}
}

func TestTranslateBranchChainsBothWays(t *testing.T) {
	em := newRecorder(4)
	out := translateAt(t, em, 64,
		riscv.Addi(riscv.T0, riscv.T0, -1),
		riscv.Bne(riscv.T0, riscv.Zero, "top"),
		asm.MarkLabel("top"),
		riscv.Nop(),
	)
	if out.Instructions != 2 {
		t.Fatalf("instructions=%d, want 2", out.Instructions)
	}
	if len(out.Links) != 2 {
		t.Fatalf("links=%v, want 2", out.Links)
	}
	taken, notTaken := em.exits[0], em.exits[1]
	if taken.PC != rv64.RAMBase+8 || notTaken.PC != rv64.RAMBase+8 {
		t.Fatalf("taken=0x%x notTaken=0x%x", taken.PC, notTaken.PC)
	}
	if taken.Retired != 2 || notTaken.Retired != 2 {
		t.Fatalf("retired taken=%d notTaken=%d, want 2", taken.Retired, notTaken.Retired)
	}
	if taken.Link != 0 || notTaken.Link != 1 {
		t.Fatalf("links taken=%d notTaken=%d, want 0 1", taken.Link, notTaken.Link)
	}
	if len(taken.Spills) != 1 || taken.Spills[0].Guest != int(riscv.T0) {
		t.Fatalf("spills=%v, want t0", taken.Spills)
	}
}

func TestTranslateLinkIDsStartAtFirst(t *testing.T) {
	em := newRecorder(4)
	tr := newTranslator(newTranslateMemory(t, riscv.Nop()), em, false, 1)
	out, err := tr.translate(rv64.RAMBase, 7)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out.Links) != 1 || out.Links[0].ID != 7 || out.Links[0].Target != rv64.RAMBase+4 {
		t.Fatalf("links=%v, want {7 0x%x}", out.Links, rv64.RAMBase+4)
	}
}

func TestTranslateCapSplitsBlock(t *testing.T) {
	em := newRecorder(4)
	var prog []asm.Fragment
	for i := 0; i < 10; i++ {
		prog = append(prog, riscv.Addi(riscv.A0, riscv.A0, 1))
	}
	out := translateAt(t, em, 4, prog...)
	if out.Instructions != 4 || out.GuestLen != 16 {
		t.Fatalf("instructions=%d len=%d, want 4 16", out.Instructions, out.GuestLen)
	}
	x := lastExit(em)
	if x.Reason != exitResolve || x.PC != rv64.RAMBase+16 || x.Link != 0 {
		t.Fatalf("exit=%+v, want chain to 0x%x", x, rv64.RAMBase+16)
	}
}

func TestTranslateUnloweredEndsBlock(t *testing.T) {
	em := newRecorder(4)
	out := translateAt(t, em, 64,
		riscv.Addi(riscv.A0, riscv.A0, 1),
		riscv.Div(riscv.A0, riscv.A0, riscv.A1),
	)
	if out.Instructions != 1 {
		t.Fatalf("instructions=%d, want 1", out.Instructions)
	}
	x := lastExit(em)
	if x.Reason != exitInterpret || x.PC != rv64.RAMBase+4 || x.Retired != 1 {
		t.Fatalf("exit=%+v, want interpret at 0x%x", x, rv64.RAMBase+4)
	}
}

func TestTranslateNotTranslatable(t *testing.T) {
	em := newRecorder(4)
	tr := newTranslator(newTranslateMemory(t, riscv.Csrr(riscv.A0, 0xc00)), em, false, 64)
	if _, err := tr.translate(rv64.RAMBase, 0); !errors.Is(err, errNotTranslatable) {
		t.Fatalf("csr err=%v, want errNotTranslatable", err)
	}
	if _, err := tr.translate(0x100, 0); !errors.Is(err, errNotTranslatable) {
		t.Fatalf("unmapped err=%v, want errNotTranslatable", err)
	}
}

func TestTranslateLoadFaultSnapshot(t *testing.T) {
	em := newRecorder(4)
	translateAt(t, em, 64,
		riscv.Addi(riscv.A0, riscv.Zero, 1),
		riscv.Ld(riscv.A0, riscv.SP, 0),
		riscv.Ebreak(),
	)
	f := em.exits[0]
	if f.Reason != exitFault || f.Retired != 1 || f.PC != rv64.RAMBase+4 {
		t.Fatalf("fault exit=%+v", f)
	}
	if len(f.Spills) != 1 || f.Spills[0].Guest != int(riscv.A0) {
		t.Fatalf("fault spills=%v, want the old a0", f.Spills)
	}
}

func TestTranslateStoreCodeWriteExit(t *testing.T) {
	em := newRecorder(4)
	translateAt(t, em, 64,
		riscv.Addi(riscv.A0, riscv.Zero, 1),
		riscv.Sd(riscv.A0, riscv.SP, 0),
		riscv.Ebreak(),
	)
	w := em.exits[1]
	if w.Reason != exitCodeWrite || w.Retired != 2 || w.PC != rv64.RAMBase+8 || w.Link != noLink {
		t.Fatalf("code write exit=%+v", w)
	}
	if len(w.Spills) != 1 || w.Spills[0].Guest != int(riscv.A0) {
		t.Fatalf("code write spills=%v, want a0", w.Spills)
	}
}

func TestTranslateJalr(t *testing.T) {
	em := newRecorder(4)
	out := translateAt(t, em, 64, riscv.Jalr(riscv.RA, riscv.A0, 8))
	if len(out.Links) != 0 {
		t.Fatalf("links=%v, want none", out.Links)
	}
	x := lastExit(em)
	if x.Reason != exitResolve || x.Link != noLink || x.Retired != 1 {
		t.Fatalf("exit=%+v", x)
	}
	if len(x.Spills) != 1 || x.Spills[0].Guest != int(riscv.RA) {
		t.Fatalf("spills=%v, want ra", x.Spills)
	}
	if em.ops[len(em.ops)-2] != "const h1 0x"+fmt.Sprintf("%x", rv64.RAMBase+4) {
		t.Fatalf("ops=%v", em.ops)
	}
}

func TestTranslateMisalignedJal(t *testing.T) {
	em := newRecorder(4)
	// jal ra, +6
	translateAt(t, em, 64, riscv.Word(0x006000ef))
	x := lastExit(em)
	if x.Reason != exitFault || x.Fault != rv64.Unaligned || x.FaultAddr != rv64.RAMBase+6 {
		t.Fatalf("exit=%+v, want unaligned fault at 0x%x", x, rv64.RAMBase+6)
	}
	if x.Retired != 0 {
		t.Fatalf("retired=%d, want 0", x.Retired)
	}
}

func TestTranslateEcall(t *testing.T) {
	em := newRecorder(4)
	translateAt(t, em, 64, riscv.Addi(riscv.A7, riscv.Zero, 93), riscv.Ecall())
	x := lastExit(em)
	if x.Reason != exitTrap || x.PC != rv64.RAMBase+4 || x.Retired != 1 {
		t.Fatalf("exit=%+v", x)
	}
}

func TestAllocatorEvictsLRU(t *testing.T) {
	em := newRecorder(2)
	a := NewAllocator(em)
	a.Next()
	h1 := a.Def(1)
	a.Next()
	h2 := a.Def(2)
	a.Next()
	h3 := a.Use(3)
	if h3 != h1 {
		t.Fatalf("x3 got h%d, want the LRU h%d", h3, h1)
	}
	if em.ops[0] != "store x1 h0" || em.ops[1] != "load h0 x3" {
		t.Fatalf("ops=%v", em.ops)
	}
	if a.Spills() != 1 {
		t.Fatalf("spills=%d, want 1", a.Spills())
	}
	d := a.Dirty()
	if len(d) != 1 || d[0].Guest != 2 || d[0].Host != h2 {
		t.Fatalf("dirty=%v, want x2 in h%d", d, h2)
	}
}

func TestAllocatorPinned(t *testing.T) {
	em := newRecorder(2)
	a := NewAllocator(em)
	a.Next()
	a.Use(1)
	a.Use(2)
	defer func() {
		if recover() == nil {
			t.Fatalf("third pinned register did not panic")
		}
	}()
	a.Use(3)
}

func TestAllocatorFlush(t *testing.T) {
	em := newRecorder(4)
	a := NewAllocator(em)
	a.Def(5)
	if s := a.Flush(); len(s) != 1 {
		t.Fatalf("flush=%v, want one spill", s)
	}
	if s := a.Dirty(); len(s) != 0 {
		t.Fatalf("dirty after flush=%v", s)
	}
}
