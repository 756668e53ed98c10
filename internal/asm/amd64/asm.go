// Package amd64 encodes the x86-64 subset the translator emits. Code is
// built from asm.Fragments into a Context that knows where in the code
// buffer it will be placed, so jumps to shared routines resolve at emit time.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/rvjit/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegName returns the 64-bit name of v.
func RegName(v asm.Variable) string {
	if v < 0 || int(v) >= len(regNames) {
		return fmt.Sprintf("reg(%d)", v)
	}
	return regNames[v]
}

// Cond is an x86 condition code as used by Jcc and SETcc.
type Cond uint8

const (
	CondOverflow     Cond = 0x0
	CondBelow        Cond = 0x2 // unsigned <
	CondAboveOrEqual Cond = 0x3 // unsigned >=
	CondEqual        Cond = 0x4
	CondNotEqual     Cond = 0x5
	CondBelowOrEqual Cond = 0x6
	CondAbove        Cond = 0x7
	CondSign         Cond = 0x8
	CondLess         Cond = 0xC // signed <
	CondGreaterOrEq  Cond = 0xD // signed >=
	CondLessOrEqual  Cond = 0xE
	CondGreater      Cond = 0xF
)

// Invert returns the opposite condition.
func (c Cond) Invert() Cond { return c ^ 1 }

type jumpPatch struct {
	label asm.Label
	pos   int
}

type absPatch struct {
	target int
	pos    int
}

// Context accumulates code for one contiguous region starting at origin.
type Context struct {
	origin int
	text   []byte
	labels map[asm.Label]int
	jumps  []jumpPatch
	abs    []absPatch
}

var _ asm.Context = (*Context)(nil)

func newContext(origin int) *Context {
	return &Context{
		origin: origin,
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) EmitBytes(code []byte) { c.text = append(c.text, code...) }

func (c *Context) Len() int { return len(c.text) }

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) { c.labels[label] = len(c.text) }

// EmitProgram emits fragment as if it starts at offset zero.
func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	return EmitProgramAt(fragment, 0)
}

// EmitProgramAt emits fragment for placement at origin bytes into the code
// buffer. Absolute jump targets are offsets into the same buffer.
func EmitProgramAt(fragment asm.Fragment, origin int) (asm.Program, error) {
	ctx := newContext(origin)
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

func putRel32(buf []byte, pos, target int) error {
	rel := target - (pos + 4)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return fmt.Errorf("amd64 asm: rel32 displacement %d out of range", rel)
	}
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(int32(rel)))
	return nil
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		if err := putRel32(c.text, j.pos, target); err != nil {
			return asm.Program{}, fmt.Errorf("jump to %q: %w", j.label, err)
		}
	}
	for _, a := range c.abs {
		// Both sides are measured from the start of the code buffer.
		if err := putRel32(c.text, a.pos, a.target-c.origin); err != nil {
			return asm.Program{}, fmt.Errorf("jump to offset %d: %w", a.target, err)
		}
	}
	return asm.NewProgram(c.text, c.labels), nil
}

// jump opcodes: E9 rel32 for unconditional, 0F 8x rel32 for Jcc, E8 for call.
func (c *Context) emitRel32(op ...byte) int {
	c.text = append(c.text, op...)
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	return pos
}

type jumpKind uint8

const (
	kindJmp jumpKind = iota
	kindJcc
	kindCall
)

func (c *Context) emitBranch(kind jumpKind, cond Cond) int {
	switch kind {
	case kindJmp:
		return c.emitRel32(0xE9)
	case kindCall:
		return c.emitRel32(0xE8)
	default:
		return c.emitRel32(0x0F, 0x80|byte(cond))
	}
}

type labelJump struct {
	label asm.Label
	kind  jumpKind
	cond  Cond
}

func (j *labelJump) Emit(_ctx asm.Context) error {
	ctx := _ctx.(*Context)
	pos := ctx.emitBranch(j.kind, j.cond)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos})
	return nil
}

type absJump struct {
	target int
	kind   jumpKind
	cond   Cond
}

func (j *absJump) Emit(_ctx asm.Context) error {
	ctx := _ctx.(*Context)
	pos := ctx.emitBranch(j.kind, j.cond)
	ctx.abs = append(ctx.abs, absPatch{target: j.target, pos: pos})
	return nil
}

func Jump(label asm.Label) asm.Fragment { return &labelJump{label: label, kind: kindJmp} }

func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	return &labelJump{label: label, kind: kindJcc, cond: cond}
}

func Call(label asm.Label) asm.Fragment { return &labelJump{label: label, kind: kindCall} }

// JumpTo jumps to an absolute offset in the code buffer.
func JumpTo(target int) asm.Fragment { return &absJump{target: target, kind: kindJmp} }

// JumpIfTo is a conditional JumpTo.
func JumpIfTo(cond Cond, target int) asm.Fragment {
	return &absJump{target: target, kind: kindJcc, cond: cond}
}

// CallTo calls an absolute offset in the code buffer.
func CallTo(target int) asm.Fragment { return &absJump{target: target, kind: kindCall} }

// Patchable emits a five byte "jmp +0" that falls through until its rel32 is
// rewritten. The label marks the opcode byte.
func Patchable(label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.SetLabel(label)
		ctx.EmitBytes([]byte{0xE9, 0, 0, 0, 0})
		return nil
	})
}

// PatchableLen is the size of a Patchable jump.
const PatchableLen = 5

// EncodeJumpRel32 returns the bytes of "jmp target" placed at pos, both
// measured in the same address space.
func EncodeJumpRel32(pos, target int) ([]byte, error) {
	out := []byte{0xE9, 0, 0, 0, 0}
	if err := putRel32(out, 1, target-pos); err != nil {
		return nil, err
	}
	return out, nil
}

func JumpIfZero(label asm.Label) asm.Fragment     { return JumpIf(CondEqual, label) }
func JumpIfNegative(label asm.Label) asm.Fragment { return JumpIf(CondSign, label) }

type ret struct{}

func Ret() asm.Fragment { return ret{} }

func (ret) Emit(ctx asm.Context) error {
	ctx.EmitBytes([]byte{0xC3})
	return nil
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	if v < RAX || v > R15 {
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
	// Hardware numbering matches the constant order except for the first
	// four registers.
	codes := [...]byte{0, 3, 1, 2, 6, 7, 4, 5}
	if v >= R8 {
		return registerCode{code: byte(v - R8), high: true, needsRex: true}, nil
	}
	return registerCode{code: codes[v], needsRex: v >= RSI}, nil
}
