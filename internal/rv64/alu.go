package rv64

import "math/bits"

// ALU evaluates register-register and register-immediate arithmetic. For
// immediate forms b is the immediate (or shift amount). The second result is
// false for operations that are not pure arithmetic.
func ALU(op Op, a, b uint64) (uint64, bool) {
	switch op {
	case OpAdd, OpAddi:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpSll, OpSlli:
		return a << (b & 63), true
	case OpSrl, OpSrli:
		return a >> (b & 63), true
	case OpSra, OpSrai:
		return uint64(int64(a) >> (b & 63)), true
	case OpSlt, OpSlti:
		return b2u(int64(a) < int64(b)), true
	case OpSltu, OpSltiu:
		return b2u(a < b), true
	case OpXor, OpXori:
		return a ^ b, true
	case OpOr, OpOri:
		return a | b, true
	case OpAnd, OpAndi:
		return a & b, true

	case OpAddw, OpAddiw:
		return sext32(uint32(a) + uint32(b)), true
	case OpSubw:
		return sext32(uint32(a) - uint32(b)), true
	case OpSllw, OpSlliw:
		return sext32(uint32(a) << (b & 31)), true
	case OpSrlw, OpSrliw:
		return sext32(uint32(a) >> (b & 31)), true
	case OpSraw, OpSraiw:
		return uint64(int64(int32(a) >> (b & 31))), true

	case OpMul:
		return a * b, true
	case OpMulh:
		return mulh(int64(a), int64(b)), true
	case OpMulhsu:
		return mulhsu(int64(a), b), true
	case OpMulhu:
		hi, _ := bits.Mul64(a, b)
		return hi, true
	case OpDiv:
		switch {
		case b == 0:
			return ^uint64(0), true
		case a == 1<<63 && b == ^uint64(0):
			return a, true
		}
		return uint64(int64(a) / int64(b)), true
	case OpDivu:
		if b == 0 {
			return ^uint64(0), true
		}
		return a / b, true
	case OpRem:
		switch {
		case b == 0:
			return a, true
		case a == 1<<63 && b == ^uint64(0):
			return 0, true
		}
		return uint64(int64(a) % int64(b)), true
	case OpRemu:
		if b == 0 {
			return a, true
		}
		return a % b, true

	case OpMulw:
		return sext32(uint32(a) * uint32(b)), true
	case OpDivw:
		x, y := int32(a), int32(b)
		switch {
		case y == 0:
			return ^uint64(0), true
		case x == -1<<31 && y == -1:
			return uint64(int64(x)), true
		}
		return uint64(int64(x / y)), true
	case OpDivuw:
		x, y := uint32(a), uint32(b)
		if y == 0 {
			return ^uint64(0), true
		}
		return sext32(x / y), true
	case OpRemw:
		x, y := int32(a), int32(b)
		switch {
		case y == 0:
			return uint64(int64(x)), true
		case x == -1<<31 && y == -1:
			return 0, true
		}
		return uint64(int64(x % y)), true
	case OpRemuw:
		x, y := uint32(a), uint32(b)
		if y == 0 {
			return sext32(x), true
		}
		return sext32(x % y), true
	}
	return 0, false
}

// BranchTaken evaluates a conditional branch.
func BranchTaken(op Op, a, b uint64) bool {
	switch op {
	case OpBeq:
		return a == b
	case OpBne:
		return a != b
	case OpBlt:
		return int64(a) < int64(b)
	case OpBge:
		return int64(a) >= int64(b)
	case OpBltu:
		return a < b
	case OpBgeu:
		return a >= b
	}
	return false
}

// ExtendLoad applies the sign or zero extension of a load to raw.
func ExtendLoad(op Op, raw uint64) uint64 {
	switch op {
	case OpLb:
		return uint64(int64(int8(raw)))
	case OpLh:
		return uint64(int64(int16(raw)))
	case OpLw:
		return sext32(uint32(raw))
	}
	return raw
}

func sext32(v uint32) uint64 { return uint64(int64(int32(v))) }

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// mulh returns the high half of the signed 128-bit product.
func mulh(a, b int64) uint64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return hi
}

// mulhsu returns the high half of signed a times unsigned b.
func mulhsu(a int64, b uint64) uint64 {
	hi, _ := bits.Mul64(uint64(a), b)
	if a < 0 {
		hi -= b
	}
	return hi
}
