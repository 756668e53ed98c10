// Package rv64 implements the guest side of the VM: register file, flat
// guest memory with its address translator, the RV64IMC decoder, the
// reference interpreter and the environment-call bridge.
package rv64

import (
	"fmt"
	"strings"
)

// Default memory layout.
const (
	DefaultLowSize  uint64 = 0x0001_0000
	RAMBase         uint64 = 0x8000_0000 // RAM starts at 2GB
	DefaultRAMSize  uint64 = 16 << 20
	MMIOBase        uint64 = 0x1000_0000
	DefaultMMIOSize uint64 = 0x0001_0000
)

// ABI register numbers used by the bridge and the loader.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegA0   = 10
	RegA1   = 11
	RegA7   = 17
)

// Counter CSRs readable by guest code.
const (
	CSRCycle   uint16 = 0xC00
	CSRTime    uint16 = 0xC01
	CSRInstret uint16 = 0xC02
)

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegName returns the ABI name of register r.
func RegName(r int) string {
	if r < 0 || r >= len(abiNames) {
		return fmt.Sprintf("x%d", r)
	}
	return abiNames[r]
}

// CPU is the architectural register state of one hart.
type CPU struct {
	X  [32]uint64
	PC uint64

	// Instret counts retired instructions. cycle and time read it too, so
	// guest-visible time is deterministic.
	Instret uint64
}

// ReadReg reads a general purpose register.
func (cpu *CPU) ReadReg(r uint32) uint64 {
	if r == 0 {
		return 0
	}
	return cpu.X[r]
}

// WriteReg writes a general purpose register. Writes to x0 are discarded.
func (cpu *CPU) WriteReg(r uint32, val uint64) {
	if r != 0 {
		cpu.X[r] = val
	}
}

// Reset clears all registers and sets PC.
func (cpu *CPU) Reset(pc uint64) {
	*cpu = CPU{PC: pc}
}

// Dump renders the register file, four registers per line.
func (cpu *CPU) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pc=0x%016x instret=%d\n", cpu.PC, cpu.Instret)
	for i := 0; i < 32; i++ {
		fmt.Fprintf(&b, "%-4s=0x%016x", RegName(i), cpu.X[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// signExtend sign-extends a value from the given bit width.
func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}
