package amd64

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/tinyrange/rvjit/internal/asm"
)

func expectBytes(t *testing.T, name string, frag asm.Fragment, wantHex string) {
	t.Helper()
	got, err := EmitBytes(frag)
	if err != nil {
		t.Fatalf("%s: EmitBytes: %v", name, err)
	}
	want, err := hex.DecodeString(wantHex)
	if err != nil {
		t.Fatalf("%s: bad hex %q: %v", name, wantHex, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: got %x, want %x", name, got, want)
	}
}

func TestEncodings(t *testing.T) {
	for _, tt := range []struct {
		name string
		frag asm.Fragment
		want string
	}{
		{"mov r9, r10", MovReg(Reg64(R9), Reg64(R10)), "4d89d1"},
		{"movabs rax", MovImmediate(Reg64(RAX), 0x1122334455667788), "48b88877665544332211"},
		{"mov rax, -1", MovImmediate(Reg64(RAX), -1), "48c7c0ffffffff"},
		{"mov ecx, 5", MovImmediate(Reg64(RCX), 5), "b905000000"},
		{"movabs forced", MovImmediate64(RDX, 7), "48ba0700000000000000"},
		{"mov rax, [rdi+8]", MovFromMemory(Reg64(RAX), Mem(Reg64(RDI)).WithDisp(8)), "488b4708"},
		{"mov rax, [r13]", MovFromMemory(Reg64(RAX), Mem(Reg64(R13))), "498b4500"},
		{"mov rax, [r12+0x20]", MovFromMemory(Reg64(RAX), Mem(Reg64(R12)).WithDisp(0x20)), "498b442420"},
		{"mov [rsi+rax], edx", MovToMemory(MemIndex(Reg64(RSI), Reg64(RAX), 1), Reg32(RDX)), "891406"},
		{"mov [rdi], sil", MovToMemory(Mem(Reg64(RDI)), Reg8(RSI)), "408837"},
		{"mov word [rsi+rax], dx", MovToMemory(MemIndex(Reg64(RSI), Reg64(RAX), 1), Reg16(RDX)), "66891406"},
		{"mov qword [rdi+0x100], -1", MovImmToMemory(8, Mem(Reg64(RDI)).WithDisp(0x100), -1), "48c78700010000ffffffff"},
		{"movzx r12, byte [rdi+0x10]", MovZX8(Reg64(R12), Mem(Reg64(RDI)).WithDisp(0x10)), "4c0fb66710"},
		{"movsx rax, word [rsi+rax]", MovSX16(Reg64(RAX), MemIndex(Reg64(RSI), Reg64(RAX), 1)), "480fbf0406"},
		{"movsxd rax, [rsi+rax]", MovSX32(Reg64(RAX), MemIndex(Reg64(RSI), Reg64(RAX), 1)), "48630406"},
		{"movsxd rax, ecx", MovSXD(RAX, RCX), "4863c1"},
		{"movzx eax, sil", MovZXByte(RAX, RSI), "400fb6c6"},
		{"lea rdx, [rcx+8]", Lea(Reg64(RDX), Mem(Reg64(RCX)).WithDisp(8)), "488d5108"},
		{"add rax, 0x21", AddRegImm(Reg64(RAX), 0x21), "4883c021"},
		{"sub r8, 1", SubRegImm(Reg64(R8), 1), "4983e801"},
		{"cmp rax, 0x1000", CmpRegImm(Reg64(RAX), 0x1000), "4881f800100000"},
		{"add r14, r15", AddRegReg(Reg64(R14), Reg64(R15)), "4d01fe"},
		{"sub ebx, ecx", SubRegReg(Reg32(RBX), Reg32(RCX)), "29cb"},
		{"xor rbx, rcx", XorRegReg(Reg64(RBX), Reg64(RCX)), "4831cb"},
		{"cmp r8, rcx", CmpRegReg(Reg64(R8), Reg64(RCX)), "4939c8"},
		{"test rax, rax", TestZero(RAX), "4885c0"},
		{"test al, 3", TestRegImm(Reg8(RAX), 3), "f6c003"},
		{"test r9d, 7", TestRegImm(Reg32(R9), 7), "41f7c107000000"},
		{"sub qword [rdi+0x118], 4", SubMemImm(8, Mem(Reg64(RDI)).WithDisp(0x118), 4), "4883af1801000004"},
		{"cmp qword [rdi+0x110], 64", CmpMemImm(8, Mem(Reg64(RDI)).WithDisp(0x110), 64), "4883bf1001000040"},
		{"add qword [rdi+8], 0x1000", AddMemImm(8, Mem(Reg64(RDI)).WithDisp(8), 0x1000), "4881470800100000"},
		{"imul rax, rcx, 3", ImulRegImm(Reg64(RAX), Reg64(RCX), 3), "486bc103"},
		{"imul rax, rbx", ImulRegReg(Reg64(RAX), Reg64(RBX)), "480fafc3"},
		{"mul rcx", Mul(Reg64(RCX)), "48f7e1"},
		{"imul rcx", ImulWide(Reg64(RCX)), "48f7e9"},
		{"neg rax", Neg(Reg64(RAX)), "48f7d8"},
		{"shl rax, cl", ShlRegCL(Reg64(RAX)), "48d3e0"},
		{"sar eax, cl", SarRegCL(Reg32(RAX)), "d3f8"},
		{"shr rdx, 2", ShrRegImm(Reg64(RDX), 2), "48c1ea02"},
		{"sar r9, 63", SarRegImm(Reg64(R9), 63), "49c1f93f"},
		{"setl al", SetCC(CondLess, RAX), "0f9cc0"},
		{"setb sil", SetCC(CondBelow, RSI), "400f92c6"},
		{"jmp rax", JumpReg(RAX), "ffe0"},
		{"jmp r11", JumpReg(R11), "41ffe3"},
		{"call r11", CallReg(R11), "41ffd3"},
		{"push r12", Push(R12), "4154"},
		{"pop rbx", Pop(RBX), "5b"},
		{"ret", Ret(), "c3"},
	} {
		expectBytes(t, tt.name, tt.frag, tt.want)
	}
}

func TestLabelJumps(t *testing.T) {
	expectBytes(t, "jmp self", asm.Group{asm.MarkLabel("l"), Jump("l")}, "e9fbffffff")
	expectBytes(t, "jne forward", asm.Group{JumpIf(CondNotEqual, "f"), Ret(), asm.MarkLabel("f")}, "0f8501000000c3")
	expectBytes(t, "patchable", Patchable("p"), "e900000000")

	if _, err := EmitBytes(Jump("missing")); err == nil {
		t.Fatal("undefined label accepted")
	}
	if _, err := EmitBytes(asm.Group{asm.MarkLabel("x"), asm.MarkLabel("x")}); err == nil {
		t.Fatal("duplicate label accepted")
	}
}

func TestAbsoluteJumps(t *testing.T) {
	prog, err := EmitProgramAt(asm.Group{Ret(), JumpTo(0), JumpIfTo(CondEqual, 200)}, 100)
	if err != nil {
		t.Fatalf("EmitProgramAt: %v", err)
	}
	// jmp at buffer offset 101, target 0: rel = 0 - 106.
	// je at buffer offset 106, target 200: rel = 200 - 112.
	want, _ := hex.DecodeString("c3e996ffffff0f8458000000")
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}

	b, err := EncodeJumpRel32(10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte{0xE9, 5, 0, 0, 0}) {
		t.Fatalf("EncodeJumpRel32(10, 20)=%x", b)
	}
}

func TestProgramLabels(t *testing.T) {
	prog, err := EmitProgram(asm.Group{Ret(), asm.MarkLabel("a"), Ret(), Patchable("b")})
	if err != nil {
		t.Fatal(err)
	}
	if off, ok := prog.Label("a"); !ok || off != 1 {
		t.Fatalf("label a=%d,%v, want 1", off, ok)
	}
	if prog.MustLabel("b") != 2 || prog.Len() != 2+PatchableLen {
		t.Fatalf("label b=%d len=%d", prog.MustLabel("b"), prog.Len())
	}
}

func TestCondInvert(t *testing.T) {
	pairs := [][2]Cond{
		{CondEqual, CondNotEqual},
		{CondLess, CondGreaterOrEq},
		{CondBelow, CondAboveOrEqual},
		{CondBelowOrEqual, CondAbove},
	}
	for _, p := range pairs {
		if p[0].Invert() != p[1] || p[1].Invert() != p[0] {
			t.Fatalf("Invert(%x)=%x, want %x", p[0], p[0].Invert(), p[1])
		}
	}
}
