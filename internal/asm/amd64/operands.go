package amd64

import (
	"fmt"

	"github.com/tinyrange/rvjit/internal/asm"
)

// operandSize is an operand width in bytes.
type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Reg is a general-purpose register used at a particular width.
type Reg struct {
	id   asm.Variable
	size operandSize
}

func (r Reg) ID() asm.Variable { return r.id }

// RegWidth views register id at width bytes (1, 2, 4 or 8).
func RegWidth(id asm.Variable, width int) Reg {
	return Reg{id: id, size: operandSize(width)}
}

func Reg64(id asm.Variable) Reg { return RegWidth(id, 8) }
func Reg32(id asm.Variable) Reg { return RegWidth(id, 4) }
func Reg16(id asm.Variable) Reg { return RegWidth(id, 2) }
func Reg8(id asm.Variable) Reg  { return RegWidth(id, 1) }

// Memory is a [base + index*scale + disp] effective address. Guest memory
// accesses always use a 64-bit base (the host pointer to guest memory) and
// usually the translated offset as index.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
}

func Mem(base Reg) Memory {
	return Memory{base: base, scale: 1, hasBase: true}
}

// MemIndex addresses base + index*scale. A zero scale means 1.
func MemIndex(base, index Reg, scale uint8) Memory {
	m := Mem(base)
	m.index, m.hasIndex = index, true
	if scale != 0 {
		m.scale = scale
	}
	return m
}

// WithDisp returns m with displacement disp.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) validate() error {
	switch {
	case !m.hasBase:
		return fmt.Errorf("amd64: memory operand has no base")
	case m.base.size != size64:
		return fmt.Errorf("amd64: %d-bit base register", m.base.size*8)
	case !m.hasIndex:
		return nil
	case m.index.size != size64:
		return fmt.Errorf("amd64: %d-bit index register", m.index.size*8)
	case m.scale != 1 && m.scale != 2 && m.scale != 4 && m.scale != 8:
		return fmt.Errorf("amd64: index scale %d", m.scale)
	}
	return nil
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }

// encoded defers encode until the fragment is emitted.
func encoded(encode func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		b, err := encode()
		if err != nil {
			return err
		}
		ctx.EmitBytes(b)
		return nil
	})
}
