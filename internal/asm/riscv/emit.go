package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvjit/internal/asm"
)

type fixupKind uint8

const (
	fixupBranch fixupKind = iota
	fixupJal
	// fixupAddr is an auipc followed by an addi of the same register.
	fixupAddr
)

type fixup struct {
	kind  fixupKind
	pos   int
	label asm.Label
	// insn holds every field except the offset.
	insn uint32
}

type emitter struct {
	code   []byte
	labels map[asm.Label]int
	fixups []fixup
}

func (e *emitter) EmitBytes(data []byte) { e.code = append(e.code, data...) }

func (e *emitter) Len() int { return len(e.code) }

func (e *emitter) GetLabel(label asm.Label) (int, bool) {
	offset, ok := e.labels[label]
	return offset, ok
}

func (e *emitter) SetLabel(label asm.Label) { e.labels[label] = len(e.code) }

func (e *emitter) finalize() error {
	for _, f := range e.fixups {
		target, ok := e.labels[f.label]
		if !ok {
			return fmt.Errorf("riscv: undefined label %q", f.label)
		}
		off := int32(target - f.pos)
		var (
			insn uint32
			err  error
		)
		switch f.kind {
		case fixupBranch:
			var b uint32
			b, err = encodeB(off, 0, 0, 0)
			insn = f.insn | (b &^ 0x7f)
		case fixupJal:
			var j uint32
			j, err = encodeJ(off, 0)
			insn = f.insn | (j &^ 0xfff)
		case fixupAddr:
			lo := off << 20 >> 20
			insn = f.insn | encodeU((off-lo)>>12, 0, 0)
			addi := binary.LittleEndian.Uint32(e.code[f.pos+4:])
			binary.LittleEndian.PutUint32(e.code[f.pos+4:], addi|uint32(lo)<<20)
		}
		if err != nil {
			return fmt.Errorf("riscv: label %q: %w", f.label, err)
		}
		binary.LittleEndian.PutUint32(e.code[f.pos:], insn)
	}
	return nil
}

type labelRef struct {
	kind  fixupKind
	label asm.Label
	build func() (uint32, error)
}

func (r *labelRef) Emit(ctx asm.Context) error {
	e, ok := ctx.(*emitter)
	if !ok {
		return fmt.Errorf("riscv: label reference %q needs a riscv context", r.label)
	}
	insn, err := r.build()
	if err != nil {
		return err
	}
	e.fixups = append(e.fixups, fixup{kind: r.kind, pos: e.Len(), label: r.label, insn: insn})
	emitInsn(e, insn)
	if r.kind == fixupAddr {
		rd := insn >> 7 & 0x1f
		emitInsn(e, rd<<15|rd<<7|opOpImm)
	}
	return nil
}

func branch(f3 uint32, rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return &labelRef{kind: fixupBranch, label: target, build: func() (uint32, error) {
		a, err := reg(rs1)
		if err != nil {
			return 0, err
		}
		b, err := reg(rs2)
		if err != nil {
			return 0, err
		}
		return b<<20 | a<<15 | f3<<12 | opBranch, nil
	}}
}

func Beq(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(0, rs1, rs2, target) }
func Bne(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(1, rs1, rs2, target) }
func Blt(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(4, rs1, rs2, target) }
func Bge(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(5, rs1, rs2, target) }
func Bltu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch(6, rs1, rs2, target) }
func Bgeu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch(7, rs1, rs2, target) }

// Jal jumps to target, writing the return address to rd.
func Jal(rd asm.Variable, target asm.Label) asm.Fragment {
	return &labelRef{kind: fixupJal, label: target, build: func() (uint32, error) {
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		return d<<7 | opJal, nil
	}}
}

// La loads the address of target into rd with auipc and addi.
func La(rd asm.Variable, target asm.Label) asm.Fragment {
	return &labelRef{kind: fixupAddr, label: target, build: func() (uint32, error) {
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		return d<<7 | opAuipc, nil
	}}
}

// J is an unconditional jump.
func J(target asm.Label) asm.Fragment { return Jal(Zero, target) }

// Li loads an arbitrary 64-bit constant into rd using the shortest
// addi/lui/slli sequence it can find.
func Li(rd asm.Variable, value int64) asm.Fragment {
	if value >= -2048 && value < 2048 {
		return Addi(rd, Zero, int32(value))
	}
	if value == int64(int32(value)) {
		lo := int32(value << 52 >> 52)
		hi := int32((value - int64(lo)) >> 12)
		if lo == 0 {
			return Lui(rd, hi)
		}
		return asm.Group{Lui(rd, hi), Addiw(rd, rd, lo)}
	}
	lo := int32(value << 52 >> 52)
	upper := (value - int64(lo)) >> 12
	shift := uint32(12)
	for upper&1 == 0 && shift < 63 {
		upper >>= 1
		shift++
	}
	return asm.Group{Li(rd, upper), Slli(rd, rd, shift), nonZeroAddi(rd, lo)}
}

func nonZeroAddi(rd asm.Variable, imm int32) asm.Fragment {
	if imm == 0 {
		return nil
	}
	return Addi(rd, rd, imm)
}

// EmitProgram lowers frag into guest machine code.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	if frag == nil {
		return asm.Program{}, fmt.Errorf("riscv: fragment must be non-nil")
	}
	em := &emitter{
		code:   make([]byte, 0, 64),
		labels: make(map[asm.Label]int),
	}
	if err := frag.Emit(em); err != nil {
		return asm.Program{}, err
	}
	if err := em.finalize(); err != nil {
		return asm.Program{}, err
	}
	return asm.NewProgram(em.code, em.labels), nil
}

// MustAssemble is EmitProgram for programs known to be well formed.
func MustAssemble(frags ...asm.Fragment) []byte {
	prog, err := EmitProgram(asm.Group(frags))
	if err != nil {
		panic(err)
	}
	return prog.Bytes()
}
