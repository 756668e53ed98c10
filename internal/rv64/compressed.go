package rv64

// Compressed parcels are expanded to their 32-bit equivalents so that the
// interpreter and the translator only ever see one encoding.

func cFunct3(c uint16) uint16 { return (c >> 13) & 0x7 }

// rd'/rs1'/rs2' fields select x8..x15.
func cRdP(c uint16) uint32  { return uint32((c>>2)&0x7) + 8 }
func cRs1P(c uint16) uint32 { return uint32((c>>7)&0x7) + 8 }

// Full 5-bit register fields.
func cRd(c uint16) uint32  { return uint32((c >> 7) & 0x1f) }
func cRs2(c uint16) uint32 { return uint32((c >> 2) & 0x1f) }

// bit extracts c[pos] and places it at result bit at.
func bit(c uint16, pos, at uint) uint32 { return uint32((c>>pos)&1) << at }

// cBits extracts n bits of c starting at pos and places them at at.
func cBits(c uint16, pos, n, at uint) uint32 {
	return uint32((c>>pos)&(1<<n-1)) << at
}

// cImm6 is the signed imm[5|4:0] = c[12|6:2] used by c.addi, c.li, c.andi.
func cImm6(c uint16) int32 {
	v := cBits(c, 2, 5, 0) | bit(c, 12, 5)
	return int32(signExtend(uint64(v), 6))
}

// cShamt is the 6-bit shamt[5|4:0] = c[12|6:2].
func cShamt(c uint16) uint32 { return cBits(c, 2, 5, 0) | bit(c, 12, 5) }

func encI(op, f3, rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encR(op, f3, f7, rd, rs1, rs2 uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encS(op, f3, rs1, rs2 uint32, imm uint32) uint32 {
	return (imm>>5)&0x7f<<25 | rs2<<20 | rs1<<15 | f3<<12 | (imm&0x1f)<<7 | op
}

func encB(f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12)&1<<31 | (u>>5)&0x3f<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u>>1)&0xf<<8 | (u>>11)&1<<7 | opcodeBranch
}

func encJ(rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20)&1<<31 | (u>>1)&0x3ff<<21 | (u>>11)&1<<20 | (u>>12)&0xff<<12 | rd<<7 | opcodeJal
}

// ExpandCompressed expands a 16-bit RVC parcel into the equivalent 32-bit
// instruction. Floating point forms are not supported.
func ExpandCompressed(c uint16) (uint32, error) {
	var (
		out uint32
		ok  bool
	)
	switch c & 0x3 {
	case 0b00:
		out, ok = expandQ0(c)
	case 0b01:
		out, ok = expandQ1(c)
	case 0b10:
		out, ok = expandQ2(c)
	}
	if !ok {
		return 0, invalidInstruction(0, uint32(c))
	}
	return out, nil
}

func expandQ0(c uint16) (uint32, bool) {
	rdp, rs1p := cRdP(c), cRs1P(c)
	// uimm[5:3|2|6] for word accesses, uimm[5:3|7:6] for doubleword.
	wImm := bit(c, 6, 2) | cBits(c, 10, 3, 3) | bit(c, 5, 6)
	dImm := cBits(c, 10, 3, 3) | cBits(c, 5, 2, 6)

	switch cFunct3(c) {
	case 0b000: // c.addi4spn
		imm := bit(c, 6, 2) | bit(c, 5, 3) | cBits(c, 11, 2, 4) | cBits(c, 7, 4, 6)
		if imm == 0 {
			return 0, false
		}
		return encI(opcodeOpImm, 0, rdp, RegSP, int32(imm)), true
	case 0b010: // c.lw
		return encI(opcodeLoad, 0b010, rdp, rs1p, int32(wImm)), true
	case 0b011: // c.ld
		return encI(opcodeLoad, 0b011, rdp, rs1p, int32(dImm)), true
	case 0b110: // c.sw
		return encS(opcodeStore, 0b010, rs1p, rdp, wImm), true
	case 0b111: // c.sd
		return encS(opcodeStore, 0b011, rs1p, rdp, dImm), true
	}
	return 0, false
}

func expandQ1(c uint16) (uint32, bool) {
	r := cRd(c)
	switch cFunct3(c) {
	case 0b000: // c.addi, c.nop
		return encI(opcodeOpImm, 0, r, r, cImm6(c)), true
	case 0b001: // c.addiw
		if r == 0 {
			return 0, false
		}
		return encI(opcodeOpImm32, 0, r, r, cImm6(c)), true
	case 0b010: // c.li
		return encI(opcodeOpImm, 0, r, 0, cImm6(c)), true
	case 0b011:
		if r == RegSP { // c.addi16sp
			v := bit(c, 6, 4) | bit(c, 2, 5) | bit(c, 5, 6) | cBits(c, 3, 2, 7) | bit(c, 12, 9)
			imm := int32(signExtend(uint64(v), 10))
			if imm == 0 {
				return 0, false
			}
			return encI(opcodeOpImm, 0, RegSP, RegSP, imm), true
		}
		// c.lui
		imm := int32(signExtend(uint64(cBits(c, 2, 5, 12)|bit(c, 12, 17)), 18))
		if r == 0 || imm == 0 {
			return 0, false
		}
		return uint32(imm)&0xfffff000 | r<<7 | opcodeLui, true
	case 0b100:
		return expandQ1Arith(c)
	case 0b101: // c.j
		return encJ(0, cJumpImm(c)), true
	case 0b110, 0b111: // c.beqz, c.bnez
		v := cBits(c, 3, 2, 1) | cBits(c, 10, 2, 3) | bit(c, 2, 5) | cBits(c, 5, 2, 6) | bit(c, 12, 8)
		imm := int32(signExtend(uint64(v), 9))
		f3 := uint32(0b000)
		if cFunct3(c) == 0b111 {
			f3 = 0b001
		}
		return encB(f3, cRs1P(c), 0, imm), true
	}
	return 0, false
}

func cJumpImm(c uint16) int32 {
	v := cBits(c, 3, 3, 1) | bit(c, 11, 4) | bit(c, 2, 5) | bit(c, 7, 6) |
		bit(c, 6, 7) | cBits(c, 9, 2, 8) | bit(c, 8, 10) | bit(c, 12, 11)
	return int32(signExtend(uint64(v), 12))
}

func expandQ1Arith(c uint16) (uint32, bool) {
	r := cRs1P(c)
	switch (c >> 10) & 0x3 {
	case 0b00: // c.srli
		return encI(opcodeOpImm, 0b101, r, r, int32(cShamt(c))), true
	case 0b01: // c.srai
		return encI(opcodeOpImm, 0b101, r, r, int32(cShamt(c)|0x400)), true
	case 0b10: // c.andi
		return encI(opcodeOpImm, 0b111, r, r, cImm6(c)), true
	}

	rs2 := cRdP(c)
	wide := (c>>12)&1 == 1
	switch (c >> 5) & 0x3 {
	case 0b00:
		if wide { // c.subw
			return encR(opcodeOp32, 0b000, 0b0100000, r, r, rs2), true
		}
		return encR(opcodeOp, 0b000, 0b0100000, r, r, rs2), true // c.sub
	case 0b01:
		if wide { // c.addw
			return encR(opcodeOp32, 0b000, 0, r, r, rs2), true
		}
		return encR(opcodeOp, 0b100, 0, r, r, rs2), true // c.xor
	case 0b10:
		if wide {
			return 0, false
		}
		return encR(opcodeOp, 0b110, 0, r, r, rs2), true // c.or
	default:
		if wide {
			return 0, false
		}
		return encR(opcodeOp, 0b111, 0, r, r, rs2), true // c.and
	}
}

func expandQ2(c uint16) (uint32, bool) {
	r, rs2 := cRd(c), cRs2(c)
	switch cFunct3(c) {
	case 0b000: // c.slli
		if r == 0 {
			return 0, false
		}
		return encI(opcodeOpImm, 0b001, r, r, int32(cShamt(c))), true
	case 0b010: // c.lwsp
		if r == 0 {
			return 0, false
		}
		imm := cBits(c, 4, 3, 2) | bit(c, 12, 5) | cBits(c, 2, 2, 6)
		return encI(opcodeLoad, 0b010, r, RegSP, int32(imm)), true
	case 0b011: // c.ldsp
		if r == 0 {
			return 0, false
		}
		imm := cBits(c, 5, 2, 3) | bit(c, 12, 5) | cBits(c, 2, 3, 6)
		return encI(opcodeLoad, 0b011, r, RegSP, int32(imm)), true
	case 0b100:
		if (c>>12)&1 == 0 {
			if rs2 == 0 { // c.jr
				if r == 0 {
					return 0, false
				}
				return encI(opcodeJalr, 0, 0, r, 0), true
			}
			return encR(opcodeOp, 0, 0, r, 0, rs2), true // c.mv
		}
		if rs2 == 0 {
			if r == 0 { // c.ebreak
				return 0x00100073, true
			}
			return encI(opcodeJalr, 0, RegRA, r, 0), true // c.jalr
		}
		return encR(opcodeOp, 0, 0, r, r, rs2), true // c.add
	case 0b110: // c.swsp
		imm := cBits(c, 9, 4, 2) | cBits(c, 7, 2, 6)
		return encS(opcodeStore, 0b010, RegSP, rs2, imm), true
	case 0b111: // c.sdsp
		imm := cBits(c, 10, 3, 3) | cBits(c, 7, 3, 6)
		return encS(opcodeStore, 0b011, RegSP, rs2, imm), true
	}
	return 0, false
}
