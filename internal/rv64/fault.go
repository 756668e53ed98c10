package rv64

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrUnaligned           = errors.New("unaligned access")
	ErrTrapHandler         = errors.New("trap handler error")

	// ErrHalt is returned when the guest stops itself, either with ebreak
	// or through a trap handler that wraps it.
	ErrHalt = errors.New("machine halted")
)

// FaultKind classifies guest-caused faults.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	InvalidInstruction
	InvalidMemoryAccess
	Unaligned
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case InvalidInstruction:
		return "invalid instruction"
	case InvalidMemoryAccess:
		return "invalid memory access"
	case Unaligned:
		return "unaligned"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

func (k FaultKind) sentinel() error {
	switch k {
	case InvalidInstruction:
		return ErrInvalidInstruction
	case InvalidMemoryAccess:
		return ErrInvalidMemoryAccess
	case Unaligned:
		return ErrUnaligned
	default:
		return nil
	}
}

// Access describes what a faulting instruction was doing.
type Access uint8

const (
	AccessNone Access = iota
	AccessFetch
	AccessLoad
	AccessStore
	AccessJump
)

func (a Access) String() string {
	switch a {
	case AccessFetch:
		return "fetch"
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	case AccessJump:
		return "jump"
	default:
		return "none"
	}
}

// Fault is a guest-caused execution fault. Registers and memory are left as
// they were before the faulting instruction; PC points at it.
type Fault struct {
	Kind   FaultKind
	Access Access
	PC     uint64
	Addr   uint64
	Width  int
	Insn   uint32
}

func (f *Fault) Error() string {
	switch f.Kind {
	case InvalidInstruction:
		return fmt.Sprintf("%s 0x%08x at pc=0x%x", f.Kind, f.Insn, f.PC)
	default:
		return fmt.Sprintf("%s: %s of %d bytes at 0x%x (pc=0x%x)", f.Kind, f.Access, f.Width, f.Addr, f.PC)
	}
}

// Is reports whether target is the sentinel for this fault's kind.
func (f *Fault) Is(target error) bool {
	s := f.Kind.sentinel()
	return s != nil && target == s
}

// Cause returns the RISC-V exception cause code for the fault.
func (f *Fault) Cause() uint64 {
	switch f.Kind {
	case InvalidInstruction:
		return CauseIllegalInsn
	case Unaligned:
		switch f.Access {
		case AccessLoad:
			return CauseLoadAddrMisaligned
		case AccessStore:
			return CauseStoreAddrMisaligned
		default:
			return CauseInsnAddrMisaligned
		}
	case InvalidMemoryAccess:
		switch f.Access {
		case AccessLoad:
			return CauseLoadAccessFault
		case AccessStore:
			return CauseStoreAccessFault
		default:
			return CauseInsnAccessFault
		}
	}
	return 0
}

// Exception causes
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
)

func invalidInstruction(pc uint64, insn uint32) *Fault {
	return &Fault{Kind: InvalidInstruction, PC: pc, Insn: insn}
}
