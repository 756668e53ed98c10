package riscv

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/rvjit/internal/asm"
	"github.com/tinyrange/rvjit/internal/rv64"
)

func words(t *testing.T, frags ...asm.Fragment) []uint32 {
	t.Helper()
	prog, err := EmitProgram(asm.Group(frags))
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	code := prog.Bytes()
	out := make([]uint32, len(code)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(code[4*i:])
	}
	return out
}

func TestEncodings(t *testing.T) {
	for _, tt := range []struct {
		name string
		frag asm.Fragment
		want uint32
	}{
		{"addi a0, zero, 5", Addi(A0, Zero, 5), 0x00500513},
		{"addi x5, x3, 42", Addi(T0, GP, 42), 0x02a18293},
		{"add a0, a0, a1", Add(A0, A0, A1), 0x00b50533},
		{"sub a0, a0, a1", Sub(A0, A0, A1), 0x40b50533},
		{"mul a0, a0, a1", Mul(A0, A0, A1), 0x02b50533},
		{"sd ra, 8(sp)", Sd(RA, SP, 8), 0x00113423},
		{"ld ra, 8(sp)", Ld(RA, SP, 8), 0x00813083},
		{"lui a0, 0x12345", Lui(A0, 0x12345), 0x12345537},
		{"slli a0, a0, 3", Slli(A0, A0, 3), 0x00351513},
		{"srai a0, a0, 3", Srai(A0, A0, 3), 0x40355513},
		{"csrr a0, cycle", Csrr(A0, rv64.CSRCycle), 0xc0002573},
		{"ecall", Ecall(), 0x00000073},
		{"ebreak", Ebreak(), 0x00100073},
		{"ret", Ret(), 0x00008067},
	} {
		got := words(t, tt.frag)
		if len(got) != 1 || got[0] != tt.want {
			t.Fatalf("%s: got %08x, want %08x", tt.name, got, tt.want)
		}
	}
}

func TestLabels(t *testing.T) {
	got := words(t,
		Beq(A0, A1, "skip"),
		Nop(),
		asm.MarkLabel("skip"),
		asm.MarkLabel("loop"),
		J("loop"),
	)
	if got[0] != 0x00b50463 {
		t.Fatalf("beq forward=%08x, want 00b50463", got[0])
	}
	if got[2] != 0x0000006f {
		t.Fatalf("j self=%08x, want 0000006f", got[2])
	}

	back := words(t, asm.MarkLabel("top"), Nop(), J("top"))
	if back[1] != 0xffdff06f {
		t.Fatalf("j -4=%08x, want ffdff06f", back[1])
	}
}

func TestLabelErrors(t *testing.T) {
	if _, err := EmitProgram(Bne(A0, Zero, "nowhere")); err == nil {
		t.Fatal("undefined label accepted")
	}
	if _, err := EmitProgram(Addi(A0, Zero, 5000)); err == nil {
		t.Fatal("out of range immediate accepted")
	}
	if _, err := EmitProgram(Slli(A0, A0, 64)); err == nil {
		t.Fatal("out of range shift accepted")
	}
	if _, err := EmitProgram(Add(A0, 40, A1)); err == nil {
		t.Fatal("invalid register accepted")
	}
}

func TestLiExecutes(t *testing.T) {
	values := []int64{
		0, 1, -1, 2047, -2048, 2048, 0x12345, -0x12345,
		0x7fffffff, -0x80000000, 0x80000000, 0x123456789abcdef0,
		-0x123456789abcdef0, 1 << 62, -1 << 63, 0x0000_1000_0000_0001,
		0x7ffff800, 0x12345678, 0x123456789abc, 0x10001002,
	}
	for _, v := range values {
		code := MustAssemble(Li(A0, v), Ebreak())

		mem, err := rv64.NewMemory(rv64.Layout{RAMBase: rv64.RAMBase, RAMSize: 0x1000})
		if err != nil {
			t.Fatalf("NewMemory: %v", err)
		}
		if err := mem.Write(rv64.RAMBase, code); err != nil {
			t.Fatalf("Write: %v", err)
		}
		cpu := &rv64.CPU{}
		cpu.Reset(rv64.RAMBase)
		it := &rv64.Interpreter{Mem: mem}
		if _, err := it.Run(cpu, 32); !errors.Is(err, rv64.ErrHalt) {
			t.Fatalf("Li(%#x): run ended with %v, want halt", v, err)
		}
		if got := int64(cpu.X[rv64.RegA0]); got != v {
			t.Fatalf("Li(%#x) loaded %#x", v, got)
		}
	}
}

func TestRandomProgram(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		ws := words(t, RandomProgram(rng, 1+rng.Intn(60))...)
		if last := ws[len(ws)-1]; last != 0x00100073 {
			t.Fatalf("program %d ends with 0x%08x, want ebreak", i, last)
		}
		for j, w := range ws {
			// bits 7..11 are rd for every format the generator emits except
			// stores and branches
			if op := w & 0x7f; op != 0x23 && op != 0x63 && op != 0x73 && (w>>7)&31 == 8 {
				t.Fatalf("program %d insn %d writes s0: 0x%08x", i, j, w)
			}
		}
	}
}

func TestCompressedExpands(t *testing.T) {
	for _, tt := range []struct {
		name string
		c    asm.Fragment
		want asm.Fragment
	}{
		{"c.addi", CAddi(A0, -5), Addi(A0, A0, -5)},
		{"c.addiw", CAddiw(T0, 31), Addiw(T0, T0, 31)},
		{"c.li", CLi(X31, -32), Addi(X31, Zero, -32)},
		{"c.slli", CSlli(RA, 63), Slli(RA, RA, 63)},
		{"c.srli", CSrli(A5, 33), Srli(A5, A5, 33)},
		{"c.srai", CSrai(S1, 1), Srai(S1, S1, 1)},
		{"c.andi", CAndi(A2, -1), Andi(A2, A2, -1)},
		{"c.sub", CSub(A0, A1), Sub(A0, A0, A1)},
		{"c.xor", CXor(A3, S0), Xor(A3, A3, S0)},
		{"c.or", COr(A4, A5), Or(A4, A4, A5)},
		{"c.and", CAnd(S1, A0), And(S1, S1, A0)},
		{"c.subw", CSubw(A1, A2), Subw(A1, A1, A2)},
		{"c.addw", CAddw(A2, A3), Addw(A2, A2, A3)},
		{"c.mv", CMv(T1, X20), Add(T1, Zero, X20)},
		{"c.add", CAdd(GP, TP), Add(GP, GP, TP)},
		{"c.jr", CJr(RA), Ret()},
		{"c.jalr", CJalr(T2), Jalr(RA, T2, 0)},
		{"c.lw", CLw(A0, S0, 124), Lw(A0, S0, 124)},
		{"c.ld", CLd(A1, S0, 248), Ld(A1, S0, 248)},
		{"c.sw", CSw(A2, S0, 68), Sw(A2, S0, 68)},
		{"c.sd", CSd(A3, S0, 136), Sd(A3, S0, 136)},
	} {
		prog, err := EmitProgram(tt.c)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		code := prog.Bytes()
		if len(code) != 2 {
			t.Fatalf("%s: %d bytes, want 2", tt.name, len(code))
		}
		got, err := rv64.ExpandCompressed(binary.LittleEndian.Uint16(code))
		if err != nil {
			t.Fatalf("%s: expand: %v", tt.name, err)
		}
		if want := words(t, tt.want)[0]; got != want {
			t.Fatalf("%s expands to %08x, want %08x", tt.name, got, want)
		}
	}
}

func TestCompressedRejects(t *testing.T) {
	for name, frag := range map[string]asm.Fragment{
		"c.addi x0":       CAddi(Zero, 1),
		"c.addi imm":      CAddi(A0, 32),
		"c.slli 0":        CSlli(A0, 0),
		"c.sub non-prime": CSub(T0, A0),
		"c.lw unaligned":  CLw(A0, S0, 2),
		"c.ld too far":    CLd(A0, S0, 256),
		"c.mv from x0":    CMv(A0, Zero),
	} {
		if _, err := EmitProgram(frag); err == nil {
			t.Fatalf("%s accepted", name)
		}
	}
}

func TestLaExecutes(t *testing.T) {
	var pad []asm.Fragment
	for i := 0; i < 700; i++ {
		pad = append(pad, Nop())
	}
	code := MustAssemble(
		La(A0, "there"),
		Jalr(Zero, A0, 0),
		asm.Group(pad),
		Ebreak(),
		asm.MarkLabel("there"),
		Addi(A1, Zero, 7),
		Ebreak(),
	)
	mem, err := rv64.NewMemory(rv64.Layout{RAMBase: rv64.RAMBase, RAMSize: 0x1000})
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.Write(rv64.RAMBase, code); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cpu := &rv64.CPU{}
	cpu.Reset(rv64.RAMBase)
	it := &rv64.Interpreter{Mem: mem}
	if _, err := it.Run(cpu, 32); !errors.Is(err, rv64.ErrHalt) {
		t.Fatalf("run ended with %v, want halt", err)
	}
	if want := rv64.RAMBase + 12 + 700*4 + 4; cpu.X[rv64.RegA0] != want || cpu.X[11] != 7 {
		t.Fatalf("a0=0x%x a1=%d, want 0x%x and 7", cpu.X[rv64.RegA0], cpu.X[11], want)
	}
}

func TestRandomProgramCalls(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		opts := RandomOptions{Calls: true, Compressed: i%2 == 1, Iterations: 3}
		code := MustAssemble(RandomProgramWith(rng, 1+rng.Intn(30), opts)...)

		mem, err := rv64.NewMemory(rv64.Layout{RAMBase: rv64.RAMBase, RAMSize: 0x10000})
		if err != nil {
			t.Fatalf("NewMemory: %v", err)
		}
		if err := mem.Write(rv64.RAMBase, code); err != nil {
			t.Fatalf("Write: %v", err)
		}
		cpu := &rv64.CPU{}
		cpu.Reset(rv64.RAMBase)
		cpu.X[8] = rv64.RAMBase + 0x8000
		it := &rv64.Interpreter{Mem: mem, Compressed: opts.Compressed}
		_, err = it.Run(cpu, 100000)
		var fault *rv64.Fault
		if errors.As(err, &fault) {
			continue
		}
		if !errors.Is(err, rv64.ErrHalt) {
			t.Fatalf("program %d: run ended with %v, want halt or a fault", i, err)
		}
		if cpu.X[9] != 0 {
			t.Fatalf("program %d: loop counter s1=%d, want 0", i, cpu.X[9])
		}
	}
}
