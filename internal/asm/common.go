// Package asm holds the architecture-neutral pieces shared by the
// instruction encoders: fragments, labels and the finished program.
package asm

import "fmt"

type Variable int

type Context interface {
	EmitBytes(data []byte)

	// Len is the number of bytes emitted so far.
	Len() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if frag == nil {
			continue
		}
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is finished machine code plus the label offsets that were defined
// while emitting it. Offsets are relative to the start of the code.
type Program struct {
	code   []byte
	labels map[Label]int
}

func NewProgram(code []byte, labels map[Label]int) Program {
	p := Program{
		code:   append([]byte(nil), code...),
		labels: make(map[Label]int, len(labels)),
	}
	for k, v := range labels {
		p.labels[k] = v
	}
	return p
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

// Label returns the offset of a label defined in the program.
func (p Program) Label(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// MustLabel is Label for labels the caller itself emitted.
func (p Program) MustLabel(label Label) int {
	off, ok := p.labels[label]
	if !ok {
		panic(fmt.Sprintf("asm: label %q not defined", label))
	}
	return off
}
