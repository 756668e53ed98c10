package rv64

import "fmt"

// Major opcodes
const (
	opcodeLoad    = 0b0000011
	opcodeMiscMem = 0b0001111
	opcodeOpImm   = 0b0010011
	opcodeAuipc   = 0b0010111
	opcodeOpImm32 = 0b0011011
	opcodeStore   = 0b0100011
	opcodeOp      = 0b0110011
	opcodeLui     = 0b0110111
	opcodeOp32    = 0b0111011
	opcodeBranch  = 0b1100011
	opcodeJalr    = 0b1100111
	opcodeJal     = 0b1101111
	opcodeSystem  = 0b1110011
)

// Op is a decoded operation tag.
type Op uint8

const (
	OpInvalid Op = iota

	OpLui
	OpAuipc
	OpJal
	OpJalr

	OpBeq
	OpBne
	OpBlt
	OpBge
	OpBltu
	OpBgeu

	OpLb
	OpLh
	OpLw
	OpLd
	OpLbu
	OpLhu
	OpLwu

	OpSb
	OpSh
	OpSw
	OpSd

	OpAddi
	OpSlti
	OpSltiu
	OpXori
	OpOri
	OpAndi
	OpSlli
	OpSrli
	OpSrai

	OpAddiw
	OpSlliw
	OpSrliw
	OpSraiw

	OpAdd
	OpSub
	OpSll
	OpSlt
	OpSltu
	OpXor
	OpSrl
	OpSra
	OpOr
	OpAnd

	OpAddw
	OpSubw
	OpSllw
	OpSrlw
	OpSraw

	OpMul
	OpMulh
	OpMulhsu
	OpMulhu
	OpDiv
	OpDivu
	OpRem
	OpRemu

	OpMulw
	OpDivw
	OpDivuw
	OpRemw
	OpRemuw

	OpFence
	OpEcall
	OpEbreak
	OpCsrRead

	opCount
)

var opNames = [opCount]string{
	OpInvalid: "invalid",
	OpLui:     "lui", OpAuipc: "auipc", OpJal: "jal", OpJalr: "jalr",
	OpBeq: "beq", OpBne: "bne", OpBlt: "blt", OpBge: "bge", OpBltu: "bltu", OpBgeu: "bgeu",
	OpLb: "lb", OpLh: "lh", OpLw: "lw", OpLd: "ld", OpLbu: "lbu", OpLhu: "lhu", OpLwu: "lwu",
	OpSb: "sb", OpSh: "sh", OpSw: "sw", OpSd: "sd",
	OpAddi: "addi", OpSlti: "slti", OpSltiu: "sltiu", OpXori: "xori", OpOri: "ori", OpAndi: "andi",
	OpSlli: "slli", OpSrli: "srli", OpSrai: "srai",
	OpAddiw: "addiw", OpSlliw: "slliw", OpSrliw: "srliw", OpSraiw: "sraiw",
	OpAdd: "add", OpSub: "sub", OpSll: "sll", OpSlt: "slt", OpSltu: "sltu",
	OpXor: "xor", OpSrl: "srl", OpSra: "sra", OpOr: "or", OpAnd: "and",
	OpAddw: "addw", OpSubw: "subw", OpSllw: "sllw", OpSrlw: "srlw", OpSraw: "sraw",
	OpMul: "mul", OpMulh: "mulh", OpMulhsu: "mulhsu", OpMulhu: "mulhu",
	OpDiv: "div", OpDivu: "divu", OpRem: "rem", OpRemu: "remu",
	OpMulw: "mulw", OpDivw: "divw", OpDivuw: "divuw", OpRemw: "remw", OpRemuw: "remuw",
	OpFence: "fence", OpEcall: "ecall", OpEbreak: "ebreak", OpCsrRead: "csrr",
}

func (op Op) String() string {
	if op < opCount && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsBranch reports conditional branches.
func (op Op) IsBranch() bool { return op >= OpBeq && op <= OpBgeu }

// IsLoad reports loads.
func (op Op) IsLoad() bool { return op >= OpLb && op <= OpLwu }

// IsStore reports stores.
func (op Op) IsStore() bool { return op >= OpSb && op <= OpSd }

// EndsBlock reports operations after which straight-line execution may not
// continue at pc+len.
func (op Op) EndsBlock() bool {
	switch op {
	case OpJal, OpJalr, OpEcall, OpEbreak:
		return true
	}
	return op.IsBranch()
}

// AccessWidth returns the access width of loads and stores in bytes.
func (op Op) AccessWidth() int {
	switch op {
	case OpLb, OpLbu, OpSb:
		return 1
	case OpLh, OpLhu, OpSh:
		return 2
	case OpLw, OpLwu, OpSw:
		return 4
	case OpLd, OpSd:
		return 8
	}
	return 0
}

// SignedLoad reports loads that sign-extend.
func (op Op) SignedLoad() bool {
	switch op {
	case OpLb, OpLh, OpLw:
		return true
	}
	return false
}

// Inst is a decoded instruction. Imm holds the sign-extended immediate, the
// shift amount for shift-immediate forms and the CSR number for OpCsrRead.
type Inst struct {
	Op  Op
	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Len uint8
	Imm int64
	Raw uint32
}

func (i Inst) String() string {
	switch {
	case i.Op.IsBranch():
		return fmt.Sprintf("%s %s, %s, %d", i.Op, RegName(int(i.Rs1)), RegName(int(i.Rs2)), i.Imm)
	case i.Op.IsLoad():
		return fmt.Sprintf("%s %s, %d(%s)", i.Op, RegName(int(i.Rd)), i.Imm, RegName(int(i.Rs1)))
	case i.Op.IsStore():
		return fmt.Sprintf("%s %s, %d(%s)", i.Op, RegName(int(i.Rs2)), i.Imm, RegName(int(i.Rs1)))
	}
	switch i.Op {
	case OpLui, OpAuipc:
		return fmt.Sprintf("%s %s, 0x%x", i.Op, RegName(int(i.Rd)), uint64(i.Imm)>>12&0xfffff)
	case OpJal:
		return fmt.Sprintf("%s %s, %d", i.Op, RegName(int(i.Rd)), i.Imm)
	case OpJalr:
		return fmt.Sprintf("%s %s, %d(%s)", i.Op, RegName(int(i.Rd)), i.Imm, RegName(int(i.Rs1)))
	case OpFence, OpEcall, OpEbreak:
		return i.Op.String()
	case OpCsrRead:
		return fmt.Sprintf("%s %s, 0x%x", i.Op, RegName(int(i.Rd)), i.Imm)
	}
	if i.Op >= OpAddi && i.Op <= OpSraiw {
		return fmt.Sprintf("%s %s, %s, %d", i.Op, RegName(int(i.Rd)), RegName(int(i.Rs1)), i.Imm)
	}
	return fmt.Sprintf("%s %s, %s, %s", i.Op, RegName(int(i.Rd)), RegName(int(i.Rs1)), RegName(int(i.Rs2)))
}

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

// Immediate extraction
func immI(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 12)
}

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 {
	return signExtend(uint64(insn&0xfffff000), 32)
}

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

// Decode decodes a 32-bit instruction. The returned fault has no PC set.
func Decode(insn uint32) (Inst, error) {
	in := Inst{
		Rd:  uint8(rd(insn)),
		Rs1: uint8(rs1(insn)),
		Rs2: uint8(rs2(insn)),
		Len: 4,
		Raw: insn,
	}
	f3 := funct3(insn)
	f7 := funct7(insn)

	switch opcode(insn) {
	case opcodeLui:
		in.Op, in.Imm = OpLui, immU(insn)
	case opcodeAuipc:
		in.Op, in.Imm = OpAuipc, immU(insn)
	case opcodeJal:
		in.Op, in.Imm = OpJal, immJ(insn)
	case opcodeJalr:
		if f3 != 0 {
			break
		}
		in.Op, in.Imm = OpJalr, immI(insn)
	case opcodeBranch:
		in.Imm = immB(insn)
		switch f3 {
		case 0b000:
			in.Op = OpBeq
		case 0b001:
			in.Op = OpBne
		case 0b100:
			in.Op = OpBlt
		case 0b101:
			in.Op = OpBge
		case 0b110:
			in.Op = OpBltu
		case 0b111:
			in.Op = OpBgeu
		}
	case opcodeLoad:
		in.Imm = immI(insn)
		switch f3 {
		case 0b000:
			in.Op = OpLb
		case 0b001:
			in.Op = OpLh
		case 0b010:
			in.Op = OpLw
		case 0b011:
			in.Op = OpLd
		case 0b100:
			in.Op = OpLbu
		case 0b101:
			in.Op = OpLhu
		case 0b110:
			in.Op = OpLwu
		}
	case opcodeStore:
		in.Imm = immS(insn)
		switch f3 {
		case 0b000:
			in.Op = OpSb
		case 0b001:
			in.Op = OpSh
		case 0b010:
			in.Op = OpSw
		case 0b011:
			in.Op = OpSd
		}
	case opcodeOpImm:
		in.Imm = immI(insn)
		switch f3 {
		case 0b000:
			in.Op = OpAddi
		case 0b010:
			in.Op = OpSlti
		case 0b011:
			in.Op = OpSltiu
		case 0b100:
			in.Op = OpXori
		case 0b110:
			in.Op = OpOri
		case 0b111:
			in.Op = OpAndi
		case 0b001:
			if insn>>26 == 0 {
				in.Op, in.Imm = OpSlli, int64((insn>>20)&0x3f)
			}
		case 0b101:
			switch insn >> 26 {
			case 0b000000:
				in.Op, in.Imm = OpSrli, int64((insn>>20)&0x3f)
			case 0b010000:
				in.Op, in.Imm = OpSrai, int64((insn>>20)&0x3f)
			}
		}
	case opcodeOpImm32:
		switch f3 {
		case 0b000:
			in.Op, in.Imm = OpAddiw, immI(insn)
		case 0b001:
			if f7 == 0 {
				in.Op, in.Imm = OpSlliw, int64((insn>>20)&0x1f)
			}
		case 0b101:
			switch f7 {
			case 0b0000000:
				in.Op, in.Imm = OpSrliw, int64((insn>>20)&0x1f)
			case 0b0100000:
				in.Op, in.Imm = OpSraiw, int64((insn>>20)&0x1f)
			}
		}
	case opcodeOp:
		in.Op = decodeOp(f3, f7)
	case opcodeOp32:
		in.Op = decodeOp32(f3, f7)
	case opcodeMiscMem:
		if f3 == 0b000 || f3 == 0b001 {
			// fence and fence.i: no reordering or icache to model
			in.Op = OpFence
		}
	case opcodeSystem:
		switch {
		case insn == 0x00000073:
			in.Op = OpEcall
		case insn == 0x00100073:
			in.Op = OpEbreak
		case f3 == 0b010 && in.Rs1 == 0:
			// csrrs rd, csr, x0
			csr := uint16(insn >> 20)
			switch csr {
			case CSRCycle, CSRTime, CSRInstret:
				in.Op, in.Imm = OpCsrRead, int64(csr)
			}
		}
	}

	if in.Op == OpInvalid {
		return Inst{}, invalidInstruction(0, insn)
	}
	return in, nil
}

func decodeOp(f3, f7 uint32) Op {
	switch f7 {
	case 0b0000000:
		return [8]Op{OpAdd, OpSll, OpSlt, OpSltu, OpXor, OpSrl, OpOr, OpAnd}[f3]
	case 0b0100000:
		switch f3 {
		case 0b000:
			return OpSub
		case 0b101:
			return OpSra
		}
	case 0b0000001:
		return [8]Op{OpMul, OpMulh, OpMulhsu, OpMulhu, OpDiv, OpDivu, OpRem, OpRemu}[f3]
	}
	return OpInvalid
}

func decodeOp32(f3, f7 uint32) Op {
	switch f7 {
	case 0b0000000:
		switch f3 {
		case 0b000:
			return OpAddw
		case 0b001:
			return OpSllw
		case 0b101:
			return OpSrlw
		}
	case 0b0100000:
		switch f3 {
		case 0b000:
			return OpSubw
		case 0b101:
			return OpSraw
		}
	case 0b0000001:
		switch f3 {
		case 0b000:
			return OpMulw
		case 0b100:
			return OpDivw
		case 0b101:
			return OpDivuw
		case 0b110:
			return OpRemw
		case 0b111:
			return OpRemuw
		}
	}
	return OpInvalid
}

// DecodeParcel decodes raw fetched bits of the given length, expanding
// compressed encodings when compressed is set.
func DecodeParcel(bits uint32, length int, compressed bool) (Inst, error) {
	if length == 2 {
		if !compressed {
			return Inst{}, invalidInstruction(0, bits)
		}
		wide, err := ExpandCompressed(uint16(bits))
		if err != nil {
			return Inst{}, err
		}
		in, err := Decode(wide)
		if err != nil {
			return Inst{}, invalidInstruction(0, bits)
		}
		in.Len = 2
		in.Raw = bits
		return in, nil
	}
	return Decode(bits)
}
