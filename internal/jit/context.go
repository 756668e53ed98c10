package jit

import (
	"unsafe"

	"github.com/tinyrange/rvjit/internal/rv64"
)

// exitReason is returned in RAX when native code hands control back to the
// dispatcher.
type exitReason uint64

const (
	// exitResolve: PC holds the next guest PC. Link is the chain site to
	// patch once the target has a block, or noLink.
	exitResolve exitReason = iota + 1
	// exitTrap: PC points at an ecall.
	exitTrap
	// exitHalt: PC points at an ebreak.
	exitHalt
	// exitFault: PC points at the faulting instruction, FaultKind and
	// FaultAddr describe it.
	exitFault
	// exitInterpret: PC points at an instruction the backend did not lower.
	exitInterpret
	// exitYield: the instruction budget cannot cover the next block.
	exitYield
	// exitCodeWrite: a store retired and wrote into the compiled code hull.
	// PC is the next instruction, FaultAddr and WriteWidth name the bytes.
	exitCodeWrite
)

func (r exitReason) String() string {
	switch r {
	case exitResolve:
		return "resolve"
	case exitTrap:
		return "trap"
	case exitHalt:
		return "halt"
	case exitFault:
		return "fault"
	case exitInterpret:
		return "interpret"
	case exitYield:
		return "yield"
	case exitCodeWrite:
		return "code write"
	}
	return "unknown"
}

const noLink = -1

// lookupEntry is one slot of the indirect jump table read by native code.
// Entry is an absolute host address.
type lookupEntry struct {
	PC    uint64
	Entry uint64
}

// emptyPC never matches a fetchable PC.
const emptyPC = ^uint64(0)

// nativeContext is the state shared between the dispatcher and native code.
// RDI points at it while a block runs. The guest CPU comes first so the
// interpreter can run directly against it between native entries.
type nativeContext struct {
	CPU rv64.CPU

	// Budget is the number of instructions native code may still retire.
	Budget int64
	Link   int64

	FaultKind uint64
	FaultAddr uint64

	// [CodeLo, CodeHi) covers every guest range with a compiled block.
	// Native stores overlapping it exit with exitCodeWrite.
	CodeLo     uint64
	CodeHi     uint64
	WriteWidth uint64

	// Lookup is the address of the first lookupEntry.
	Lookup uint64
}

// Field offsets used when encoding memory operands.
var (
	offRegs      = int32(unsafe.Offsetof(nativeContext{}.CPU) + unsafe.Offsetof(rv64.CPU{}.X))
	offPC        = int32(unsafe.Offsetof(nativeContext{}.CPU) + unsafe.Offsetof(rv64.CPU{}.PC))
	offBudget    = int32(unsafe.Offsetof(nativeContext{}.Budget))
	offLink      = int32(unsafe.Offsetof(nativeContext{}.Link))
	offFaultKind = int32(unsafe.Offsetof(nativeContext{}.FaultKind))
	offFaultAddr = int32(unsafe.Offsetof(nativeContext{}.FaultAddr))
	offCodeLo    = int32(unsafe.Offsetof(nativeContext{}.CodeLo))
	offCodeHi    = int32(unsafe.Offsetof(nativeContext{}.CodeHi))
	offWidth     = int32(unsafe.Offsetof(nativeContext{}.WriteWidth))
	offLookup    = int32(unsafe.Offsetof(nativeContext{}.Lookup))
)

func offReg(r int) int32 { return offRegs + int32(r)*8 }
