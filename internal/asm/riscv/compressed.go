package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvjit/internal/asm"
)

// RVC encoders for the integer forms the decoder accepts. CL, CS, CA and CB
// forms take registers from x8..x15.

type parcel func() (uint16, error)

func (p parcel) Emit(ctx asm.Context) error {
	c, err := p()
	if err != nil {
		return err
	}
	ctx.EmitBytes(binary.LittleEndian.AppendUint16(nil, c))
	return nil
}

func regP(v asm.Variable) (uint16, error) {
	if v < X8 || v > X15 {
		return 0, fmt.Errorf("riscv: register %d has no compressed encoding", v)
	}
	return uint16(v - X8), nil
}

func nonZeroReg(v asm.Variable) (uint16, error) {
	if v <= X0 || v > X31 {
		return 0, fmt.Errorf("riscv: invalid compressed register %d", v)
	}
	return uint16(v), nil
}

// ciType packs funct3, a 6-bit immediate and a full register.
func ciType(f3, op uint16, rd asm.Variable, imm int32, lo, hi int32) asm.Fragment {
	return parcel(func() (uint16, error) {
		d, err := nonZeroReg(rd)
		if err != nil {
			return 0, err
		}
		if imm < lo || imm > hi {
			return 0, fmt.Errorf("riscv: compressed immediate %d out of range", imm)
		}
		u := uint16(imm)
		return f3<<13 | (u>>5&1)<<12 | d<<7 | (u&0x1f)<<2 | op, nil
	})
}

func CAddi(rd asm.Variable, imm int32) asm.Fragment  { return ciType(0b000, 0b01, rd, imm, -32, 31) }
func CAddiw(rd asm.Variable, imm int32) asm.Fragment { return ciType(0b001, 0b01, rd, imm, -32, 31) }
func CLi(rd asm.Variable, imm int32) asm.Fragment    { return ciType(0b010, 0b01, rd, imm, -32, 31) }
func CSlli(rd asm.Variable, sh uint32) asm.Fragment  { return ciType(0b000, 0b10, rd, int32(sh), 1, 63) }

// cbType covers c.srli, c.srai and c.andi.
func cbType(f2 uint16, rd asm.Variable, imm int32, lo, hi int32) asm.Fragment {
	return parcel(func() (uint16, error) {
		d, err := regP(rd)
		if err != nil {
			return 0, err
		}
		if imm < lo || imm > hi {
			return 0, fmt.Errorf("riscv: compressed immediate %d out of range", imm)
		}
		u := uint16(imm)
		return 0b100<<13 | (u>>5&1)<<12 | f2<<10 | d<<7 | (u&0x1f)<<2 | 0b01, nil
	})
}

func CSrli(rd asm.Variable, sh uint32) asm.Fragment { return cbType(0b00, rd, int32(sh), 1, 63) }
func CSrai(rd asm.Variable, sh uint32) asm.Fragment { return cbType(0b01, rd, int32(sh), 1, 63) }
func CAndi(rd asm.Variable, imm int32) asm.Fragment { return cbType(0b10, rd, imm, -32, 31) }

// caType is rd = rd op rs2 on compressed registers.
func caType(wide, f2 uint16, rd, rs2 asm.Variable) asm.Fragment {
	return parcel(func() (uint16, error) {
		d, err := regP(rd)
		if err != nil {
			return 0, err
		}
		s, err := regP(rs2)
		if err != nil {
			return 0, err
		}
		return 0b100011<<10 | wide<<12 | d<<7 | f2<<5 | s<<2 | 0b01, nil
	})
}

func CSub(rd, rs2 asm.Variable) asm.Fragment  { return caType(0, 0b00, rd, rs2) }
func CXor(rd, rs2 asm.Variable) asm.Fragment  { return caType(0, 0b01, rd, rs2) }
func COr(rd, rs2 asm.Variable) asm.Fragment   { return caType(0, 0b10, rd, rs2) }
func CAnd(rd, rs2 asm.Variable) asm.Fragment  { return caType(0, 0b11, rd, rs2) }
func CSubw(rd, rs2 asm.Variable) asm.Fragment { return caType(1, 0b00, rd, rs2) }
func CAddw(rd, rs2 asm.Variable) asm.Fragment { return caType(1, 0b01, rd, rs2) }

// crType packs funct4 with two full registers. rs2 may be zero only for
// the jump forms.
func crType(f4 uint16, rd, rs2 asm.Variable) asm.Fragment {
	return parcel(func() (uint16, error) {
		d, err := nonZeroReg(rd)
		if err != nil {
			return 0, err
		}
		s, err := reg(rs2)
		if err != nil {
			return 0, err
		}
		return f4<<12 | d<<7 | uint16(s)<<2 | 0b10, nil
	})
}

func CMv(rd, rs2 asm.Variable) asm.Fragment {
	if rs2 == Zero {
		return parcel(func() (uint16, error) { return 0, fmt.Errorf("riscv: c.mv from x0") })
	}
	return crType(0b1000, rd, rs2)
}

func CAdd(rd, rs2 asm.Variable) asm.Fragment {
	if rs2 == Zero {
		return parcel(func() (uint16, error) { return 0, fmt.Errorf("riscv: c.add of x0") })
	}
	return crType(0b1001, rd, rs2)
}

// CJr is jalr x0, 0(rs1).
func CJr(rs1 asm.Variable) asm.Fragment { return crType(0b1000, rs1, Zero) }

// CJalr is jalr ra, 0(rs1).
func CJalr(rs1 asm.Variable) asm.Fragment { return crType(0b1001, rs1, Zero) }

// clType covers the register-based loads and stores. r is rd' for loads and
// rs2' for stores.
func clType(f3 uint16, r, base asm.Variable, off int32, dword bool) asm.Fragment {
	return parcel(func() (uint16, error) {
		d, err := regP(r)
		if err != nil {
			return 0, err
		}
		b, err := regP(base)
		if err != nil {
			return 0, err
		}
		scale, limit := int32(4), int32(124)
		if dword {
			scale, limit = 8, 248
		}
		if off < 0 || off > limit || off%scale != 0 {
			return 0, fmt.Errorf("riscv: compressed offset %d out of range", off)
		}
		u := uint16(off)
		c := f3<<13 | (u>>3&7)<<10 | b<<7 | d<<2
		if dword {
			c |= (u >> 6 & 3) << 5
		} else {
			c |= (u>>2&1)<<6 | (u>>6&1)<<5
		}
		return c, nil
	})
}

func CLw(rd, base asm.Variable, off int32) asm.Fragment  { return clType(0b010, rd, base, off, false) }
func CLd(rd, base asm.Variable, off int32) asm.Fragment  { return clType(0b011, rd, base, off, true) }
func CSw(src, base asm.Variable, off int32) asm.Fragment { return clType(0b110, src, base, off, false) }
func CSd(src, base asm.Variable, off int32) asm.Fragment { return clType(0b111, src, base, off, true) }
