package amd64

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/rvjit/internal/asm"
)

type disasmLine struct {
	text     string
	mnemonic string
	operands string
}

// objdump disassembles raw x86-64 code in AT&T syntax. The test is skipped
// when binutils is not installed.
func objdump(t *testing.T, code []byte) []disasmLine {
	t.Helper()
	tool, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}
	path := filepath.Join(t.TempDir(), "code.bin")
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatalf("write code: %v", err)
	}
	out, err := exec.Command(tool, "-D", "-b", "binary", "-m", "i386:x86-64", "-M", "att", "--no-show-raw-insn", path).CombinedOutput()
	if err != nil {
		t.Fatalf("objdump: %v\n%s", err, out)
	}
	var lines []disasmLine
	for _, raw := range strings.Split(string(out), "\n") {
		// instruction lines look like "  1f:\tmov    %r10,%r9"
		addr, insn, ok := strings.Cut(raw, ":\t")
		if !ok || strings.ContainsAny(strings.TrimSpace(addr), " <") {
			continue
		}
		fields := strings.Fields(insn)
		if len(fields) == 0 {
			continue
		}
		l := disasmLine{text: strings.TrimSpace(insn), mnemonic: fields[0]}
		if len(fields) > 1 {
			l.operands = strings.Join(fields[1:], "")
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", out)
	}
	return lines
}

type expectation struct {
	name     string
	mnemonic string
	contains []string
}

func TestKitchenSinkDisassemblyAMD64(t *testing.T) {
	frag, expect := buildAMD64KitchenSink()

	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}

	lines := objdump(t, prog.Bytes())
	if len(lines) < len(expect) {
		t.Fatalf("objdump returned %d instructions, want at least %d", len(lines), len(expect))
	}
	for i, exp := range expect {
		l := lines[i]
		if exp.mnemonic != "" && l.mnemonic != exp.mnemonic {
			t.Fatalf("%s: mnemonic=%s, want %s (%s)", exp.name, l.mnemonic, exp.mnemonic, l.text)
		}
		for _, needle := range exp.contains {
			if !strings.Contains(l.mnemonic+" "+l.operands, needle) {
				t.Fatalf("%s: missing %q in %q", exp.name, needle, l.text)
			}
		}
	}
}

type sinkBuilder struct {
	fragments    []asm.Fragment
	expectations []expectation
}

func (b *sinkBuilder) append(frag asm.Fragment) {
	b.fragments = append(b.fragments, frag)
}

func (b *sinkBuilder) add(name, mnemonic string, frag asm.Fragment, contains ...string) {
	b.append(frag)
	b.expectations = append(b.expectations, expectation{name: name, mnemonic: mnemonic, contains: contains})
}

func buildAMD64KitchenSink() (asm.Fragment, []expectation) {
	var b sinkBuilder

	b.add("mov_imm", "movabs", MovImmediate(Reg64(RAX), 0x1122334455667788), "$0x1122334455667788,%rax")
	b.add("mov_reg", "mov", MovReg(Reg64(R9), Reg64(R10)), "%r10,%r9")
	b.add("mov_to_memory", "mov", MovToMemory(Mem(Reg64(RSP)).WithDisp(0x28), Reg64(RAX)), "%rax,0x28(%rsp)")
	b.add("mov_from_memory", "mov", MovFromMemory(Reg64(RBX), Mem(Reg64(RSP)).WithDisp(0x18)), "0x18(%rsp),%rbx")
	b.add("mov_indexed", "mov", MovFromMemory(Reg32(RAX), MemIndex(Reg64(RSI), Reg64(RAX), 1)), "(%rsi,%rax,1),%eax")
	b.add("store_byte", "mov", MovToMemory(MemIndex(Reg64(RSI), Reg64(RAX), 1), Reg8(RDX)), "%dl,(%rsi,%rax,1)")
	b.add("call_reg", "call", CallReg(R11), "*%r11")
	b.add("jmp_reg", "jmp", JumpReg(RAX), "*%rax")

	b.add("movzx8", "", MovZX8(Reg64(R12), Mem(Reg64(RDI)).WithDisp(0x10)), "movz", "0x10(%rdi)", "%r12")
	b.add("movzx16", "", MovZX16(Reg64(R13), Mem(Reg64(RSI)).WithDisp(0x14)), "movz", "0x14(%rsi)", "%r13")
	b.add("movsx8", "", MovSX8(Reg64(RAX), Mem(Reg64(RSI))), "movs", "(%rsi)", "%rax")
	b.add("movsxd_mem", "movslq", MovSX32(Reg64(RAX), MemIndex(Reg64(RSI), Reg64(RAX), 1)), "(%rsi,%rax,1),%rax")
	b.add("movsxd_reg", "movslq", MovSXD(RBX, RCX), "%ecx,%rbx")
	b.add("mov_store_imm", "movq", MovImmToMemory(8, Mem(Reg64(RDI)).WithDisp(0x100), 7), "$0x7,0x100(%rdi)")

	b.add("add_reg_imm", "add", AddRegImm(Reg64(RAX), 0x21), "$0x21,%rax")
	b.add("add_reg_reg", "add", AddRegReg(Reg64(R14), Reg64(R15)), "%r15,%r14")
	b.add("sub_reg_reg", "sub", SubRegReg(Reg64(R13), Reg64(R12)), "%r12,%r13")
	b.add("or_reg_reg", "or", OrRegReg(Reg64(R11), Reg64(R10)), "%r10,%r11")
	b.add("cmp_reg_imm", "cmp", CmpRegImm(Reg64(R9), 0x44), "$0x44,%r9")
	b.add("cmp_reg_reg", "cmp", CmpRegReg(Reg64(R8), Reg64(RCX)), "%rcx,%r8")
	b.add("and_reg_reg", "and", AndRegReg(Reg64(RDX), Reg64(RSI)), "%rsi,%rdx")
	b.add("and_reg_imm", "and", AndRegImm(Reg64(RDI), 0xff), "$0xff,%rdi")
	b.add("or_reg_imm", "or", OrRegImm(Reg64(RBP), 0x33), "$0x33,%rbp")
	b.add("xor_reg_reg", "xor", XorRegReg(Reg64(RBX), Reg64(RCX)), "%rcx,%rbx")
	b.add("imul_reg_imm", "imul", ImulRegImm(Reg64(RAX), Reg64(RCX), 3), "$0x3,%rcx,%rax")
	b.add("imul_reg_reg", "imul", ImulRegReg(Reg64(RAX), Reg64(RBX)), "%rbx,%rax")
	b.add("mul", "mul", Mul(Reg64(RCX)), "%rcx")
	b.add("neg", "neg", Neg(Reg64(RAX)), "%rax")

	b.add("shr_reg_imm", "shr", ShrRegImm(Reg64(RDX), 2), "$0x2,%rdx")
	b.add("shl_reg_imm", "shl", ShlRegImm(Reg64(RCX), 3), "$0x3,%rcx")
	b.add("sar_reg_imm", "sar", SarRegImm(Reg64(R9), 5), "$0x5,%r9")
	b.add("shl_reg_cl", "shl", ShlRegCL(Reg64(RAX)), "%cl,%rax")
	b.add("setcc", "setl", SetCC(CondLess, RSI), "%sil")
	b.add("lea", "lea", Lea(Reg64(RDX), Mem(Reg64(RCX)).WithDisp(8)), "0x8(%rcx),%rdx")
	b.add("push", "push", Push(R12), "%r12")
	b.add("pop", "pop", Pop(RBX), "%rbx")

	for _, c := range []struct {
		cond Cond
		mn   string
	}{
		{CondNotEqual, "jne"},
		{CondAboveOrEqual, "jae"},
		{CondBelowOrEqual, "jbe"},
		{CondEqual, "je"},
		{CondLess, "jl"},
		{CondGreaterOrEq, "jge"},
		{CondAbove, "ja"},
		{CondBelow, "jb"},
		{CondGreater, "jg"},
	} {
		label := asm.Label("label_" + c.mn)
		b.add("jump_"+c.mn, c.mn, JumpIf(c.cond, label))
		b.append(asm.MarkLabel(label))
	}

	b.add("ret", "ret", Ret())

	return asm.Group(b.fragments), b.expectations
}
