package riscv

import (
	"fmt"
	"math/rand"

	"github.com/tinyrange/rvjit/internal/asm"
)

// RandomRegisters are the registers RandomProgram reads and writes. S0 is
// the data pointer and never appears, nor do SP and the fixed platform
// registers.
var RandomRegisters = []asm.Variable{
	Zero, RA, GP, TP, T0, T1, T2, S1,
	A0, A1, A2, A3, A4, A5, A6, A7,
	X18, X19, X20, X21, X28, X29, X30, X31,
}

// callRegisters leave out RA, the loop counter S1 and the call target T2.
var callRegisters = []asm.Variable{
	Zero, GP, TP, T0, T1,
	A0, A1, A2, A3, A4, A5, A6, A7,
	X18, X19, X20, X21, X28, X29, X30, X31,
}

// RandomOptions shapes a generated program.
type RandomOptions struct {
	// Compressed mixes RVC parcels into the stream.
	Compressed bool

	// Calls wraps bodies in a counted loop that calls one of them with jal
	// and another through jalr on an auipc-formed address. Each body
	// returns with ret and never writes RA, S1 or T2.
	Calls bool

	// Iterations of the call loop, at least 1.
	Iterations int

	// Trap, if non-zero, is loaded into a7 before an ecall issued once per
	// loop iteration.
	Trap int64
}

// RandomProgram builds a branchy stream of n ALU, multiply, load, store and
// forward-branch instructions ending in ebreak. Memory accesses are relative
// to S0 and land within 258 bytes of it, mostly aligned.
func RandomProgram(rng *rand.Rand, n int) []asm.Fragment {
	return RandomProgramWith(rng, n, RandomOptions{})
}

// RandomProgramWith is RandomProgram with the given options. With Calls,
// n is the length of each body.
func RandomProgramWith(rng *rand.Rand, n int, opts RandomOptions) []asm.Fragment {
	if !opts.Calls {
		g := generator{rng: rng, regs: RandomRegisters, compressed: opts.Compressed, prefix: "fwd"}
		return append(g.body(n), Ebreak())
	}
	iters := max(opts.Iterations, 1)
	g := generator{rng: rng, regs: callRegisters, compressed: opts.Compressed}
	prog := []asm.Fragment{
		Li(S1, int64(iters)),
		asm.MarkLabel("loop"),
		Jal(RA, "direct"),
		La(T2, "indirect"),
	}
	if opts.Compressed {
		prog = append(prog, CJalr(T2))
	} else {
		prog = append(prog, Jalr(RA, T2, 0))
	}
	if opts.Trap != 0 {
		prog = append(prog, Li(A7, opts.Trap), Ecall())
	}
	prog = append(prog,
		Addi(S1, S1, -1),
		Bne(S1, Zero, "loop"),
		Ebreak(),
	)
	for _, fn := range []string{"direct", "indirect"} {
		g.prefix = fn
		prog = append(prog, asm.MarkLabel(asm.Label(fn)))
		prog = append(prog, g.body(n)...)
		if opts.Compressed {
			prog = append(prog, CJr(RA))
		} else {
			prog = append(prog, Ret())
		}
	}
	return prog
}

type generator struct {
	rng        *rand.Rand
	regs       []asm.Variable
	compressed bool
	prefix     string
}

func (g *generator) r() asm.Variable { return g.regs[g.rng.Intn(len(g.regs))] }

// rNonZero picks a register other than x0, as most RVC forms require.
func (g *generator) rNonZero() asm.Variable {
	for {
		if v := g.r(); v != Zero {
			return v
		}
	}
}

// rP picks one of g.regs with a compressed encoding, or returns false.
func (g *generator) rP() (asm.Variable, bool) {
	var ps []asm.Variable
	for _, v := range g.regs {
		if v > S0 && v <= X15 {
			ps = append(ps, v)
		}
	}
	if len(ps) == 0 {
		return 0, false
	}
	return ps[g.rng.Intn(len(ps))], true
}

func (g *generator) body(n int) []asm.Fragment {
	rng := g.rng
	r := g.r
	imm := func() int32 { return int32(rng.Intn(4096) - 2048) }
	rr := []func(rd, a, b asm.Variable) asm.Fragment{
		Add, Sub, Sll, Slt, Sltu, Xor, Srl, Sra,
		Or, And, Addw, Subw, Sllw, Srlw, Sraw,
		Mul, Mulh, Mulhu, Mulw, Mulhsu, Div, Remu,
	}
	ri := []func(rd, a asm.Variable, imm int32) asm.Fragment{
		Addi, Slti, Sltiu, Xori, Ori, Andi, Addiw,
	}
	sh := []func(rd, a asm.Variable, sh uint32) asm.Fragment{Slli, Srli, Srai}
	shw := []func(rd, a asm.Variable, sh uint32) asm.Fragment{Slliw, Srliw, Sraiw}
	loads := []func(rd, base asm.Variable, off int32) asm.Fragment{
		Lb, Lh, Lw, Ld, Lbu, Lhu, Lwu,
	}
	stores := []func(src, base asm.Variable, off int32) asm.Fragment{Sb, Sh, Sw, Sd}
	branches := []func(a, b asm.Variable, l asm.Label) asm.Fragment{
		Beq, Bne, Blt, Bge, Bltu, Bgeu,
	}

	var prog []asm.Fragment
	pending := map[int][]asm.Label{}
	for i := 0; i < n; i++ {
		for _, l := range pending[i] {
			prog = append(prog, asm.MarkLabel(l))
		}
		if g.compressed && rng.Intn(2) == 0 {
			prog = append(prog, g.parcel())
			continue
		}
		switch k := rng.Intn(20); {
		case k < 6:
			prog = append(prog, rr[rng.Intn(len(rr))](r(), r(), r()))
		case k < 10:
			prog = append(prog, ri[rng.Intn(len(ri))](r(), r(), imm()))
		case k < 11:
			prog = append(prog, sh[rng.Intn(len(sh))](r(), r(), uint32(rng.Intn(64))))
		case k < 12:
			prog = append(prog, shw[rng.Intn(len(shw))](r(), r(), uint32(rng.Intn(32))))
		case k < 13:
			prog = append(prog, Lui(r(), int32(rng.Intn(1<<20))-(1<<19)))
		case k < 15:
			prog = append(prog, loads[rng.Intn(len(loads))](r(), S0, int32(rng.Intn(32)*8+rng.Intn(2))))
		case k < 17:
			prog = append(prog, stores[rng.Intn(len(stores))](r(), S0, int32(rng.Intn(32)*8+rng.Intn(2))))
		default:
			l := asm.Label(fmt.Sprintf("%s%d", g.prefix, i))
			to := i + 1 + rng.Intn(4)
			pending[to] = append(pending[to], l)
			prog = append(prog, branches[rng.Intn(len(branches))](r(), r(), l))
		}
	}
	for i := n; i < n+5; i++ {
		for _, l := range pending[i] {
			prog = append(prog, asm.MarkLabel(l))
		}
	}
	return prog
}

// parcel emits one RVC instruction. Loads and stores use S0 as the base.
func (g *generator) parcel() asm.Fragment {
	rng := g.rng
	imm6 := func() int32 { return int32(rng.Intn(64) - 32) }
	shamt := func() uint32 { return uint32(1 + rng.Intn(63)) }
	if p, ok := g.rP(); ok && rng.Intn(3) == 0 {
		q, _ := g.rP()
		switch rng.Intn(13) {
		case 0:
			return CSub(p, q)
		case 1:
			return CXor(p, q)
		case 2:
			return COr(p, q)
		case 3:
			return CAnd(p, q)
		case 4:
			return CSubw(p, q)
		case 5:
			return CAddw(p, q)
		case 6:
			return CSrli(p, shamt())
		case 7:
			return CSrai(p, shamt())
		case 8:
			return CAndi(p, imm6())
		case 9:
			return CLw(p, S0, int32(rng.Intn(32))*4)
		case 10:
			return CLd(p, S0, int32(rng.Intn(32))*8)
		case 11:
			return CSw(p, S0, int32(rng.Intn(32))*4)
		default:
			return CSd(p, S0, int32(rng.Intn(32))*8)
		}
	}
	rd := g.rNonZero()
	switch rng.Intn(6) {
	case 0:
		return CAddi(rd, imm6())
	case 1:
		return CAddiw(rd, imm6())
	case 2:
		return CLi(rd, imm6())
	case 3:
		return CSlli(rd, shamt())
	case 4:
		return CMv(rd, g.rNonZero())
	default:
		return CAdd(rd, g.rNonZero())
	}
}
