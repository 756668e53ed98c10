package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/rvjit/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

func operandPrefix(size operandSize) (byte, bool) {
	if size == size16 {
		return 0x66, true
	}
	return 0x00, false
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}

	baseInfo, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}

	var indexInfo registerCode
	if mem.hasIndex {
		indexInfo, err = regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
		if mem.index.id == RSP {
			return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
		}
	}

	enc := memEncoding{
		rex: rexState{
			b: baseInfo.high,
			x: mem.hasIndex && indexInfo.high,
		},
	}

	rm := baseInfo.code
	disp := mem.disp
	switch {
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(disp))
		enc.disp = buf[:]
	}

	// rsp and r12 as a base always need a SIB byte.
	if mem.hasIndex || rm == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = indexInfo.code
		}
		var scaleBits byte
		switch mem.scale {
		case 1:
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("invalid scale %d", mem.scale)
		}
		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | rm}
		rm = 4
	}

	enc.modrm |= rm
	return enc, nil
}

// instr assembles prefix, REX, opcode and a ModRM operand.
type instr struct {
	size   operandSize
	opcode []byte
	reg    byte
	rex    rexState
	modrm  byte
	tail   []byte // SIB, displacement, immediate
}

func (in instr) bytes() []byte {
	out := make([]byte, 0, 16)
	if p, ok := operandPrefix(in.size); ok {
		out = append(out, p)
	}
	if rex := in.rex.prefix(); rex != 0 {
		out = append(out, rex)
	}
	out = append(out, in.opcode...)
	out = append(out, in.modrm|in.reg<<3)
	return append(out, in.tail...)
}

// rr encodes "op reg, rm" where both operands are registers. regField is
// either a register code or an opcode extension.
func rr(size operandSize, opcode []byte, reg registerCode, regHigh bool, rm asm.Variable) ([]byte, error) {
	rmInfo, err := regInfo(rm)
	if err != nil {
		return nil, err
	}
	in := instr{
		size:   size,
		opcode: opcode,
		reg:    reg.code,
		modrm:  0xC0 | rmInfo.code,
		rex: rexState{
			w:     size == size64,
			r:     regHigh,
			b:     rmInfo.high,
			force: size == size8 && (rmInfo.needsRex || reg.needsRex),
		},
	}
	return in.bytes(), nil
}

func regReg(size operandSize, opcode []byte, reg, rm asm.Variable) ([]byte, error) {
	regCode, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	return rr(size, opcode, regCode, regCode.high, rm)
}

func extReg(size operandSize, opcode []byte, ext byte, rm asm.Variable) ([]byte, error) {
	return rr(size, opcode, registerCode{code: ext}, false, rm)
}

func regMem(size operandSize, opcode []byte, reg registerCode, mem Memory, imm []byte) ([]byte, error) {
	m, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}
	rex := m.rex
	rex.w = size == size64
	rex.r = reg.high
	rex.force = size == size8 && reg.needsRex
	tail := append(append(append([]byte(nil), m.sib...), m.disp...), imm...)
	in := instr{size: size, opcode: opcode, reg: reg.code, modrm: m.modrm, rex: rex, tail: tail}
	return in.bytes(), nil
}

func sizedOp(size operandSize, wide, narrow byte) []byte {
	if size == size8 {
		return []byte{narrow}
	}
	return []byte{wide}
}

func encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	rex := rexState{b: info.high}
	var imm []byte
	switch reg.size {
	case size64:
		// Prefer the shorter forms when the value allows it.
		switch {
		case value >= 0 && value <= math.MaxUint32:
			return encodeMovRegImm(Reg32(reg.id), value)
		case value >= math.MinInt32 && value < 0:
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(value))
			return (instr{size: size64, opcode: []byte{0xC7}, modrm: 0xC0 | info.code,
				rex: rexState{w: true, b: info.high}, tail: buf[:]}).bytes(), nil
		}
		rex.w = true
		imm = binary.LittleEndian.AppendUint64(nil, uint64(value))
	case size32:
		imm = binary.LittleEndian.AppendUint32(nil, uint32(value))
	case size16:
		imm = binary.LittleEndian.AppendUint16(nil, uint16(value))
	case size8:
		rex.force = info.needsRex
		imm = []byte{byte(value)}
	default:
		return nil, fmt.Errorf("unsupported register width %d", reg.size)
	}
	out := make([]byte, 0, 11)
	if p, ok := operandPrefix(reg.size); ok {
		out = append(out, p)
	}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	op := byte(0xB8)
	if reg.size == size8 {
		op = 0xB0
	}
	out = append(out, op+info.code)
	return append(out, imm...), nil
}

// encodeMovRegImm64 always uses the ten byte movabs form so the immediate
// can be located and rewritten.
func encodeMovRegImm64(reg asm.Variable, value uint64) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	out := []byte{rexState{w: true, b: info.high}.prefix(), 0xB8 + info.code}
	return binary.LittleEndian.AppendUint64(out, value), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	return regReg(dst.size, sizedOp(dst.size, 0x89, 0x88), src.id, dst.id)
}

func encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	info, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	return regMem(src.size, sizedOp(src.size, 0x89, 0x88), info, mem, nil)
}

func encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	return regMem(dst.size, sizedOp(dst.size, 0x8B, 0x8A), info, mem, nil)
}

// encodeMovMemImm stores a sign-extended imm32 (or imm8/imm16 for narrow
// widths).
func encodeMovMemImm(size operandSize, mem Memory, value int32) ([]byte, error) {
	var imm []byte
	switch size {
	case size8:
		imm = []byte{byte(value)}
	case size16:
		imm = binary.LittleEndian.AppendUint16(nil, uint16(value))
	default:
		imm = binary.LittleEndian.AppendUint32(nil, uint32(value))
	}
	return regMem(size, sizedOp(size, 0xC7, 0xC6), registerCode{}, mem, imm)
}

func encodeMovExtRegMem(dst Reg, mem Memory, srcSize operandSize, signed bool) ([]byte, error) {
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("movzx/movsx requires 32- or 64-bit destination, got %d", dst.size*8)
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	var opcode []byte
	switch {
	case srcSize == size8 && !signed:
		opcode = []byte{0x0F, 0xB6}
	case srcSize == size16 && !signed:
		opcode = []byte{0x0F, 0xB7}
	case srcSize == size8:
		opcode = []byte{0x0F, 0xBE}
	case srcSize == size16:
		opcode = []byte{0x0F, 0xBF}
	case srcSize == size32 && signed && dst.size == size64:
		opcode = []byte{0x63}
	default:
		return nil, fmt.Errorf("unsupported extension from %d bits", srcSize*8)
	}
	// The destination width decides REX.W; the source width is in the opcode.
	return regMem(dst.size, opcode, info, mem, nil)
}

// encodeMovsxdRegReg sign-extends the low 32 bits of src into dst.
func encodeMovsxdRegReg(dst, src asm.Variable) ([]byte, error) {
	return regReg(size64, []byte{0x63}, dst, src)
}

// encodeMovzxRegReg8 zero-extends the low byte of src into the 32-bit dst,
// which in turn clears the upper half.
func encodeMovzxRegReg8(dst, src asm.Variable) ([]byte, error) {
	dstInfo, err := regInfo(dst)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src)
	if err != nil {
		return nil, err
	}
	in := instr{
		size:   size32,
		opcode: []byte{0x0F, 0xB6},
		reg:    dstInfo.code,
		modrm:  0xC0 | srcInfo.code,
		rex:    rexState{r: dstInfo.high, b: srcInfo.high, force: srcInfo.needsRex},
	}
	return in.bytes(), nil
}

func encodeLea(dst Reg, mem Memory) ([]byte, error) {
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	return regMem(dst.size, []byte{0x8D}, info, mem, nil)
}

// ALU opcode extensions for the 0x81/0x83 group.
const (
	aluAdd byte = 0
	aluOr  byte = 1
	aluAnd byte = 4
	aluSub byte = 5
	aluXor byte = 6
	aluCmp byte = 7
)

func encodeALURegImm(ext byte, reg Reg, value int32) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	var opcode byte
	var imm []byte
	switch {
	case reg.size == size8:
		opcode, imm = 0x80, []byte{byte(value)}
	case value >= math.MinInt8 && value <= math.MaxInt8:
		opcode, imm = 0x83, []byte{byte(value)}
	default:
		opcode, imm = 0x81, binary.LittleEndian.AppendUint32(nil, uint32(value))
	}
	in := instr{
		size:   reg.size,
		opcode: []byte{opcode},
		reg:    ext,
		modrm:  0xC0 | info.code,
		rex:    rexState{w: reg.size == size64, b: info.high, force: reg.size == size8 && info.needsRex},
		tail:   imm,
	}
	return in.bytes(), nil
}

func encodeALURegReg(opcode byte, dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	if dst.size == size8 {
		opcode--
	}
	return regReg(dst.size, []byte{opcode}, src.id, dst.id)
}

// encodeALUMemImm applies an 0x81/0x83 group operation to a memory operand
// of the given width.
func encodeALUMemImm(ext byte, size operandSize, mem Memory, value int32) ([]byte, error) {
	var opcode byte
	var imm []byte
	switch {
	case size == size8:
		opcode, imm = 0x80, []byte{byte(value)}
	case value >= math.MinInt8 && value <= math.MaxInt8:
		opcode, imm = 0x83, []byte{byte(value)}
	default:
		opcode, imm = 0x81, binary.LittleEndian.AppendUint32(nil, uint32(value))
	}
	return regMem(size, []byte{opcode}, registerCode{code: ext}, mem, imm)
}

// encodeTestRegImm uses the byte form for 8-bit operands and imm32 otherwise.
func encodeTestRegImm(reg Reg, value int32) ([]byte, error) {
	b, err := extReg(reg.size, sizedOp(reg.size, 0xF7, 0xF6), 0, reg.id)
	if err != nil {
		return nil, err
	}
	if reg.size == size8 {
		return append(b, byte(value)), nil
	}
	return binary.LittleEndian.AppendUint32(b, uint32(value)), nil
}

func encodeTestRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	return regReg(dst.size, sizedOp(dst.size, 0x85, 0x84), src.id, dst.id)
}

func encodeImulRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size || (dst.size != size32 && dst.size != size64) {
		return nil, fmt.Errorf("imul requires matching 32- or 64-bit operands")
	}
	return regReg(dst.size, []byte{0x0F, 0xAF}, dst.id, src.id)
}

func encodeImulRegImm(dst, src Reg, value int32) ([]byte, error) {
	if dst.size != src.size || dst.size == size8 {
		return nil, fmt.Errorf("imul requires matching operand widths")
	}
	b, err := regReg(dst.size, []byte{0x69}, dst.id, src.id)
	if err != nil {
		return nil, err
	}
	if value >= math.MinInt8 && value <= math.MaxInt8 {
		b[len(b)-2] = 0x6B
		return append(b, byte(value)), nil
	}
	return binary.LittleEndian.AppendUint32(b, uint32(value)), nil
}

// Group 3 (F7) extensions.
const (
	grp3Not  byte = 2
	grp3Neg  byte = 3
	grp3Mul  byte = 4
	grp3Imul byte = 5
)

func encodeGroup3(ext byte, reg Reg) ([]byte, error) {
	return extReg(reg.size, sizedOp(reg.size, 0xF7, 0xF6), ext, reg.id)
}

// Shift group (C1/D3) extensions.
const (
	shiftShl byte = 4
	shiftShr byte = 5
	shiftSar byte = 7
)

func encodeShiftRegImm(reg Reg, count uint8, ext byte) ([]byte, error) {
	if count == 0 {
		return nil, fmt.Errorf("shift count must be non-zero")
	}
	b, err := extReg(reg.size, sizedOp(reg.size, 0xC1, 0xC0), ext, reg.id)
	if err != nil {
		return nil, err
	}
	return append(b, count), nil
}

// encodeShiftRegCL shifts reg by CL. The hardware masks the count to 5 or 6
// bits depending on the operand width.
func encodeShiftRegCL(reg Reg, ext byte) ([]byte, error) {
	return extReg(reg.size, sizedOp(reg.size, 0xD3, 0xD2), ext, reg.id)
}

func encodeSetcc(cond Cond, reg asm.Variable) ([]byte, error) {
	return extReg(size8, []byte{0x0F, 0x90 | byte(cond)}, 0, reg)
}

func encodeJumpReg(reg asm.Variable) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	in := instr{opcode: []byte{0xFF}, reg: 4, modrm: 0xC0 | info.code, rex: rexState{b: info.high}}
	return in.bytes(), nil
}

func encodeCallReg(reg asm.Variable) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	in := instr{opcode: []byte{0xFF}, reg: 2, modrm: 0xC0 | info.code, rex: rexState{b: info.high}}
	return in.bytes(), nil
}

func encodePushPop(reg asm.Variable, pop bool) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	op := byte(0x50)
	if pop {
		op = 0x58
	}
	if info.high {
		return []byte{0x41, op + info.code}, nil
	}
	return []byte{op + info.code}, nil
}
