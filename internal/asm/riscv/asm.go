// Package riscv assembles RV64IM guest programs. Tests and the fuzzer use
// it to build images without an external toolchain.
package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvjit/internal/asm"
)

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI aliases.
const (
	Zero = X0
	RA   = X1
	SP   = X2
	GP   = X3
	TP   = X4
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
	T3   = X28
	T4   = X29
	T5   = X30
	T6   = X31
)

const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1b
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3b
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6f
	opSystem  = 0x73
)

func reg(v asm.Variable) (uint32, error) {
	if v < X0 || v > X31 {
		return 0, fmt.Errorf("riscv: invalid register %d", v)
	}
	return uint32(v), nil
}

func encodeR(f7, rs2, rs1, f3, rd, opcode uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | opcode
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return ((uimm >> 5) << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | ((uimm & 0x1f) << 7) | opcode, nil
}

func encodeB(off int32, rs1, rs2, funct3 uint32) (uint32, error) {
	if off < -4096 || off > 4094 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: branch offset %d out of range", off)
	}
	u := uint32(off)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) uint32 {
	return (uint32(imm)&0xfffff)<<12 | rd<<7 | opcode
}

func encodeJ(off int32, rd uint32) (uint32, error) {
	if off < -(1<<20) || off >= 1<<20 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", off)
	}
	u := uint32(off)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opJal, nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

type fixed func() (uint32, error)

func (f fixed) Emit(ctx asm.Context) error {
	insn, err := f()
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

// Word emits a raw 32-bit instruction word.
func Word(insn uint32) asm.Fragment {
	return fixed(func() (uint32, error) { return insn, nil })
}

// Half emits a raw 16-bit parcel.
func Half(parcel uint16) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(binary.LittleEndian.AppendUint16(nil, parcel))
		return nil
	})
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }

func rType(f7, f3, op uint32, rd, rs1, rs2 asm.Variable) asm.Fragment {
	return fixed(func() (uint32, error) {
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		a, err := reg(rs1)
		if err != nil {
			return 0, err
		}
		b, err := reg(rs2)
		if err != nil {
			return 0, err
		}
		return encodeR(f7, b, a, f3, d, op), nil
	})
}

func iType(f3, op uint32, rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return fixed(func() (uint32, error) {
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		a, err := reg(rs1)
		if err != nil {
			return 0, err
		}
		return encodeI(imm, a, f3, d, op)
	})
}

func shiftType(f6, f3, op uint32, rd, rs1 asm.Variable, shamt uint32, max uint32) asm.Fragment {
	return fixed(func() (uint32, error) {
		if shamt >= max {
			return 0, fmt.Errorf("riscv: shift amount %d out of range", shamt)
		}
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		a, err := reg(rs1)
		if err != nil {
			return 0, err
		}
		return f6<<26 | shamt<<20 | a<<15 | f3<<12 | d<<7 | op, nil
	})
}

func sType(f3 uint32, rs2, base asm.Variable, imm int32) asm.Fragment {
	return fixed(func() (uint32, error) {
		a, err := reg(base)
		if err != nil {
			return 0, err
		}
		b, err := reg(rs2)
		if err != nil {
			return 0, err
		}
		return encodeS(imm, a, b, f3, opStore)
	})
}

func Add(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x00, 0, opOp, rd, rs1, rs2) }
func Sub(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x20, 0, opOp, rd, rs1, rs2) }
func Sll(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x00, 1, opOp, rd, rs1, rs2) }
func Slt(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x00, 2, opOp, rd, rs1, rs2) }
func Sltu(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x00, 3, opOp, rd, rs1, rs2) }
func Xor(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x00, 4, opOp, rd, rs1, rs2) }
func Srl(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x00, 5, opOp, rd, rs1, rs2) }
func Sra(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x20, 5, opOp, rd, rs1, rs2) }
func Or(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0x00, 6, opOp, rd, rs1, rs2) }
func And(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x00, 7, opOp, rd, rs1, rs2) }

func Addw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x00, 0, opOp32, rd, rs1, rs2) }
func Subw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x20, 0, opOp32, rd, rs1, rs2) }
func Sllw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x00, 1, opOp32, rd, rs1, rs2) }
func Srlw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x00, 5, opOp32, rd, rs1, rs2) }
func Sraw(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x20, 5, opOp32, rd, rs1, rs2) }

func Mul(rd, rs1, rs2 asm.Variable) asm.Fragment    { return rType(0x01, 0, opOp, rd, rs1, rs2) }
func Mulh(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0x01, 1, opOp, rd, rs1, rs2) }
func Mulhsu(rd, rs1, rs2 asm.Variable) asm.Fragment { return rType(0x01, 2, opOp, rd, rs1, rs2) }
func Mulhu(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x01, 3, opOp, rd, rs1, rs2) }
func Div(rd, rs1, rs2 asm.Variable) asm.Fragment    { return rType(0x01, 4, opOp, rd, rs1, rs2) }
func Divu(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0x01, 5, opOp, rd, rs1, rs2) }
func Rem(rd, rs1, rs2 asm.Variable) asm.Fragment    { return rType(0x01, 6, opOp, rd, rs1, rs2) }
func Remu(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0x01, 7, opOp, rd, rs1, rs2) }
func Mulw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0x01, 0, opOp32, rd, rs1, rs2) }
func Divw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0x01, 4, opOp32, rd, rs1, rs2) }
func Divuw(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x01, 5, opOp32, rd, rs1, rs2) }
func Remw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return rType(0x01, 6, opOp32, rd, rs1, rs2) }
func Remuw(rd, rs1, rs2 asm.Variable) asm.Fragment  { return rType(0x01, 7, opOp32, rd, rs1, rs2) }

func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(0, opOpImm, rd, rs1, imm) }
func Slti(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(2, opOpImm, rd, rs1, imm) }
func Sltiu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(3, opOpImm, rd, rs1, imm) }
func Xori(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(4, opOpImm, rd, rs1, imm) }
func Ori(rd, rs1 asm.Variable, imm int32) asm.Fragment   { return iType(6, opOpImm, rd, rs1, imm) }
func Andi(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return iType(7, opOpImm, rd, rs1, imm) }
func Addiw(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(0, opOpImm32, rd, rs1, imm) }

func Slli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftType(0x00, 1, opOpImm, rd, rs1, shamt, 64)
}
func Srli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftType(0x00, 5, opOpImm, rd, rs1, shamt, 64)
}
func Srai(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftType(0x10, 5, opOpImm, rd, rs1, shamt, 64)
}
func Slliw(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftType(0x00, 1, opOpImm32, rd, rs1, shamt, 32)
}
func Srliw(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftType(0x00, 5, opOpImm32, rd, rs1, shamt, 32)
}
func Sraiw(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftType(0x10, 5, opOpImm32, rd, rs1, shamt, 32)
}

func Lb(rd, base asm.Variable, imm int32) asm.Fragment  { return iType(0, opLoad, rd, base, imm) }
func Lh(rd, base asm.Variable, imm int32) asm.Fragment  { return iType(1, opLoad, rd, base, imm) }
func Lw(rd, base asm.Variable, imm int32) asm.Fragment  { return iType(2, opLoad, rd, base, imm) }
func Ld(rd, base asm.Variable, imm int32) asm.Fragment  { return iType(3, opLoad, rd, base, imm) }
func Lbu(rd, base asm.Variable, imm int32) asm.Fragment { return iType(4, opLoad, rd, base, imm) }
func Lhu(rd, base asm.Variable, imm int32) asm.Fragment { return iType(5, opLoad, rd, base, imm) }
func Lwu(rd, base asm.Variable, imm int32) asm.Fragment { return iType(6, opLoad, rd, base, imm) }

func Sb(src, base asm.Variable, imm int32) asm.Fragment { return sType(0, src, base, imm) }
func Sh(src, base asm.Variable, imm int32) asm.Fragment { return sType(1, src, base, imm) }
func Sw(src, base asm.Variable, imm int32) asm.Fragment { return sType(2, src, base, imm) }
func Sd(src, base asm.Variable, imm int32) asm.Fragment { return sType(3, src, base, imm) }

// Lui loads imm20<<12, sign-extended, into rd.
func Lui(rd asm.Variable, imm20 int32) asm.Fragment {
	return fixed(func() (uint32, error) {
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		return encodeU(imm20, d, opLui), nil
	})
}

func Auipc(rd asm.Variable, imm20 int32) asm.Fragment {
	return fixed(func() (uint32, error) {
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		return encodeU(imm20, d, opAuipc), nil
	})
}

func Jalr(rd, rs1 asm.Variable, imm int32) asm.Fragment { return iType(0, opJalr, rd, rs1, imm) }

// Ret is jalr x0, 0(ra).
func Ret() asm.Fragment { return Jalr(Zero, RA, 0) }

func Ecall() asm.Fragment  { return Word(0x00000073) }
func Ebreak() asm.Fragment { return Word(0x00100073) }
func Fence() asm.Fragment  { return Word(0x0ff0000f) }
func Nop() asm.Fragment    { return Addi(Zero, Zero, 0) }

// Csrr reads csr into rd (csrrs rd, csr, x0).
func Csrr(rd asm.Variable, csr uint16) asm.Fragment {
	return fixed(func() (uint32, error) {
		d, err := reg(rd)
		if err != nil {
			return 0, err
		}
		return uint32(csr)<<20 | 2<<12 | d<<7 | opSystem, nil
	})
}

// Mv copies rs into rd.
func Mv(rd, rs asm.Variable) asm.Fragment { return Addi(rd, rs, 0) }
