package rv64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
)

func loadWords(t *testing.T, mem *Memory, addr uint64, words ...uint32) {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	if err := mem.Write(addr, buf); err != nil {
		t.Fatalf("load program: %v", err)
	}
}

func newTestInterp(t *testing.T, words ...uint32) (*Interpreter, *CPU) {
	t.Helper()
	mem := newTestMemory(t)
	loadWords(t, mem, RAMBase, words...)
	cpu := &CPU{}
	cpu.Reset(RAMBase)
	return &Interpreter{Mem: mem}, cpu
}

func TestInterpAddImmediate(t *testing.T) {
	it, cpu := newTestInterp(t, 0x02a18293) // addi x5, x3, 42
	cpu.X[3] = 10
	if err := it.Step(cpu); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cpu.X[5] != 52 {
		t.Fatalf("x5=%d, want 52", cpu.X[5])
	}
	if cpu.PC != RAMBase+4 || cpu.Instret != 1 {
		t.Fatalf("pc=0x%x instret=%d, want 0x%x 1", cpu.PC, cpu.Instret, RAMBase+4)
	}
}

func TestInterpZeroRegister(t *testing.T) {
	it, cpu := newTestInterp(t, 0x02a18013) // addi x0, x3, 42
	cpu.X[3] = 10
	if err := it.Step(cpu); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cpu.ReadReg(0) != 0 || cpu.X[0] != 0 {
		t.Fatalf("x0=%d, want 0", cpu.X[0])
	}
}

func TestInterpLoop(t *testing.T) {
	it, cpu := newTestInterp(t,
		0x00500293, // addi t0, zero, 5
		0x00150513, // addi a0, a0, 1
		0xfff28293, // addi t0, t0, -1
		0xfe029ce3, // bne t0, zero, -8
		0x00100073, // ebreak
	)
	_, err := it.Run(cpu, 1000)
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("Run err=%v, want ErrHalt", err)
	}
	if cpu.X[RegA0] != 5 {
		t.Fatalf("a0=%d, want 5", cpu.X[RegA0])
	}
	// ebreak does not retire and leaves pc on itself.
	if cpu.PC != RAMBase+16 || cpu.Instret != 16 {
		t.Fatalf("pc=0x%x instret=%d, want 0x%x 16", cpu.PC, cpu.Instret, RAMBase+16)
	}
}

func TestInterpStackRoundTrip(t *testing.T) {
	it, cpu := newTestInterp(t,
		0x00a13423, // sd a0, 8(sp)
		0x00813583, // ld a1, 8(sp)
	)
	cpu.X[RegSP] = RAMBase + 0x1000
	cpu.X[RegA0] = 0xfedcba9876543210
	if _, err := it.Run(cpu, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cpu.X[RegA1] != 0xfedcba9876543210 {
		t.Fatalf("a1=0x%x, want 0xfedcba9876543210", cpu.X[RegA1])
	}
}

func TestInterpMisalignedLoad(t *testing.T) {
	it, cpu := newTestInterp(t, 0x0005a503) // lw a0, 0(a1)
	cpu.X[RegA1] = RAMBase + 0x102
	cpu.X[RegA0] = 77
	err := it.Step(cpu)
	var f *Fault
	if !errors.As(err, &f) || f.Kind != Unaligned || f.Access != AccessLoad {
		t.Fatalf("Step err=%v, want unaligned load", err)
	}
	if f.Addr != RAMBase+0x102 || f.PC != RAMBase {
		t.Fatalf("fault addr=0x%x pc=0x%x", f.Addr, f.PC)
	}
	if cpu.X[RegA0] != 77 || cpu.PC != RAMBase || cpu.Instret != 0 {
		t.Fatalf("state changed by faulting load: a0=%d pc=0x%x instret=%d", cpu.X[RegA0], cpu.PC, cpu.Instret)
	}
}

func TestInterpStorePastEnd(t *testing.T) {
	it, cpu := newTestInterp(t, 0x00c5a023) // sw a2, 0(a1)
	cpu.X[11] = RAMBase + 0x4000 - 3
	cpu.X[12] = 0xffffffff
	err := it.Step(cpu)
	if !errors.Is(err, ErrInvalidMemoryAccess) {
		t.Fatalf("Step err=%v, want ErrInvalidMemoryAccess", err)
	}
	for i := uint64(0); i < 3; i++ {
		v, _ := it.Mem.Load(RAMBase+0x4000-3+i, 1)
		if v != 0 {
			t.Fatalf("byte %d written by faulting store", i)
		}
	}
}

func TestInterpMisalignedJump(t *testing.T) {
	it, cpu := newTestInterp(t, 0x0020006f) // jal zero, +2
	err := it.Step(cpu)
	var f *Fault
	if !errors.As(err, &f) || f.Kind != Unaligned || f.Access != AccessJump {
		t.Fatalf("Step err=%v, want unaligned jump", err)
	}

	it.Compressed = true
	if err := it.Step(cpu); err != nil {
		t.Fatalf("Step with rvc: %v", err)
	}
	if cpu.PC != RAMBase+2 {
		t.Fatalf("pc=0x%x, want 0x%x", cpu.PC, RAMBase+2)
	}
}

func TestInterpInvalidInstruction(t *testing.T) {
	it, cpu := newTestInterp(t, 0x30059573) // csrrw a0, mstatus, a1
	err := it.Step(cpu)
	var f *Fault
	if !errors.As(err, &f) || f.Kind != InvalidInstruction || f.PC != RAMBase || f.Insn != 0x30059573 {
		t.Fatalf("Step err=%v, want invalid instruction at 0x%x", err, RAMBase)
	}
}

func TestInterpCounters(t *testing.T) {
	it, cpu := newTestInterp(t,
		0x00000013, // nop
		0x00000013, // nop
		0xc0202573, // csrr a0, instret
		0xc00025f3, // csrr a1, cycle
	)
	if _, err := it.Run(cpu, 4); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cpu.X[RegA0] != 2 || cpu.X[RegA1] != 3 {
		t.Fatalf("a0=%d a1=%d, want 2 3", cpu.X[RegA0], cpu.X[RegA1])
	}
}

func TestInterpTrap(t *testing.T) {
	it, cpu := newTestInterp(t,
		0x00100893, // addi a7, zero, 1
		0x00700513, // addi a0, zero, 7
		0x00000073, // ecall
		0x00100073, // ebreak
	)
	var calls []TrapRequest
	it.Trap = func(req TrapRequest) (uint64, error) {
		calls = append(calls, req)
		return 99, nil
	}
	_, err := it.Run(cpu, 100)
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("Run err=%v, want ErrHalt", err)
	}
	if len(calls) != 1 {
		t.Fatalf("handler called %d times, want 1", len(calls))
	}
	if calls[0].Number != 1 || calls[0].Args[0] != 7 || calls[0].PC != RAMBase+8 {
		t.Fatalf("request %+v, want number 1 arg 7 at 0x%x", calls[0], RAMBase+8)
	}
	if cpu.X[RegA0] != 99 {
		t.Fatalf("a0=%d, want 99", cpu.X[RegA0])
	}
}

func TestInterpTrapHandlerError(t *testing.T) {
	it, cpu := newTestInterp(t, 0x00000073)
	boom := fmt.Errorf("device unplugged")
	it.Trap = func(TrapRequest) (uint64, error) { return 0, boom }

	err := it.Step(cpu)
	if !errors.Is(err, ErrTrapHandler) || !errors.Is(err, boom) {
		t.Fatalf("Step err=%v, want trap handler error wrapping %v", err, boom)
	}
	if cpu.PC != RAMBase {
		t.Fatalf("pc=0x%x, want 0x%x", cpu.PC, RAMBase)
	}
}

func TestInterpTrapHalt(t *testing.T) {
	it, cpu := newTestInterp(t, 0x00000073)
	it.Trap = func(TrapRequest) (uint64, error) {
		return 0, fmt.Errorf("shutdown: %w", ErrHalt)
	}
	if err := it.Step(cpu); !errors.Is(err, ErrHalt) {
		t.Fatalf("Step err=%v, want ErrHalt", err)
	}
	if cpu.PC != RAMBase+4 {
		t.Fatalf("pc=0x%x, want 0x%x", cpu.PC, RAMBase+4)
	}
}

func TestALUDivisionEdgeCases(t *testing.T) {
	const minInt64 = uint64(1) << 63
	for _, tt := range []struct {
		op   Op
		a, b uint64
		want uint64
	}{
		{OpDiv, 7, 0, ^uint64(0)},
		{OpDivu, 7, 0, ^uint64(0)},
		{OpRem, 7, 0, 7},
		{OpRemu, 7, 0, 7},
		{OpDiv, minInt64, ^uint64(0), minInt64},
		{OpRem, minInt64, ^uint64(0), 0},
		{OpDiv, 0xfffffffffffffff9, 2, uint64(0xfffffffffffffffd)},
		{OpRem, uint64(0xfffffffffffffff9), 2, ^uint64(0)},
		{OpDivw, 0x80000000, 0xffffffff, 0xffffffff80000000},
		{OpRemw, 0x80000000, 0xffffffff, 0},
		{OpDivuw, 0x80000000, 0, ^uint64(0)},
		{OpRemuw, 0x80000005, 0, 0xffffffff80000005},
		{OpMulh, ^uint64(0), ^uint64(0), 0},
		{OpMulh, minInt64, 2, ^uint64(0)},
		{OpMulhu, ^uint64(0), 2, 1},
		{OpMulhsu, ^uint64(0), 2, ^uint64(0)},
		{OpMulw, 0x10000, 0x10000, 0},
		{OpSraw, 0x80000000, 4, 0xfffffffff8000000},
		{OpSrlw, 0x80000000, 4, 0x08000000},
		{OpAddw, 0x7fffffff, 1, 0xffffffff80000000},
	} {
		got, ok := ALU(tt.op, tt.a, tt.b)
		if !ok || got != tt.want {
			t.Fatalf("%v(0x%x, 0x%x)=0x%x, want 0x%x", tt.op, tt.a, tt.b, got, tt.want)
		}
	}
}
