package amd64

import (
	"github.com/tinyrange/rvjit/internal/asm"
)

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

// MovImmediate64 always emits the ten byte form.
func MovImmediate64(dst asm.Variable, value uint64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm64(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

// MovImmToMemory stores value, sign-extended to width bytes.
func MovImmToMemory(width int, mem Memory, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemImm(operandSize(width), mem, value) })
}

func MovZX8(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovExtRegMem(dst, mem, size8, false) })
}

func MovZX16(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovExtRegMem(dst, mem, size16, false) })
}

func MovSX8(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovExtRegMem(dst, mem, size8, true) })
}

func MovSX16(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovExtRegMem(dst, mem, size16, true) })
}

func MovSX32(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovExtRegMem(dst, mem, size32, true) })
}

// MovSXD sign-extends the low half of src into the 64-bit dst.
func MovSXD(dst, src asm.Variable) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovsxdRegReg(dst, src) })
}

// MovZXByte zero-extends the low byte of src into dst.
func MovZXByte(dst, src asm.Variable) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovzxRegReg8(dst, src) })
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLea(dst, mem) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluAdd, reg, value) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluSub, reg, value) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluAnd, reg, value) })
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluOr, reg, value) })
}

func XorRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluXor, reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(aluCmp, reg, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x01, dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x29, dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x21, dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x09, dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x31, dst, src) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x39, dst, src) })
}

// AddMemImm adds value to the width-byte operand at mem.
func AddMemImm(width int, mem Memory, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALUMemImm(aluAdd, operandSize(width), mem, value) })
}

func SubMemImm(width int, mem Memory, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALUMemImm(aluSub, operandSize(width), mem, value) })
}

func CmpMemImm(width int, mem Memory, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALUMemImm(aluCmp, operandSize(width), mem, value) })
}

func TestRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegImm(reg, value) })
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegReg(dst, src) })
}

func TestZero(reg asm.Variable) asm.Fragment { return TestRegReg(Reg64(reg), Reg64(reg)) }

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegReg(dst, src) })
}

func ImulRegImm(dst, src Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegImm(dst, src, value) })
}

// Mul computes rdx:rax = rax * reg, unsigned.
func Mul(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(grp3Mul, reg) })
}

// ImulWide computes rdx:rax = rax * reg, signed.
func ImulWide(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(grp3Imul, reg) })
}

func Neg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(grp3Neg, reg) })
}

func Not(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(grp3Not, reg) })
}

func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftShl) })
}

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftShr) })
}

func SarRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftSar) })
}

func ShlRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShl) })
}

func ShrRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShr) })
}

func SarRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftSar) })
}

// SetCC writes 1 or 0 to the low byte of reg.
func SetCC(cond Cond, reg asm.Variable) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, reg) })
}

func JumpReg(reg asm.Variable) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeJumpReg(reg) })
}

func CallReg(reg asm.Variable) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCallReg(reg) })
}

func Push(reg asm.Variable) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(reg, false) })
}

func Pop(reg asm.Variable) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(reg, true) })
}

// Int3 traps into the debugger. Filler for unreachable code.
func Int3() asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes([]byte{0xCC})
		return nil
	})
}
