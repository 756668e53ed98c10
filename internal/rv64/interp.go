package rv64

// Interpreter is the reference executor. It is also what the translated path
// falls back to for instructions it does not lower and when the code buffer
// is exhausted.
type Interpreter struct {
	Mem  *Memory
	Trap TrapHandler

	// Compressed enables 16-bit parcels and relaxes instruction alignment
	// to two bytes.
	Compressed bool

	// OnStore, when set, is called after every successful guest store.
	OnStore func(vaddr uint64, width int)
}

// Step executes exactly one instruction at cpu.PC.
func (it *Interpreter) Step(cpu *CPU) error {
	in, err := it.Mem.Fetch(cpu.PC, it.Compressed)
	if err != nil {
		return err
	}
	return it.Execute(cpu, in)
}

// Run steps until an error occurs or n instructions have retired. It
// returns the number of instructions retired.
func (it *Interpreter) Run(cpu *CPU, n uint64) (uint64, error) {
	start := cpu.Instret
	for cpu.Instret-start < n {
		if err := it.Step(cpu); err != nil {
			return cpu.Instret - start, err
		}
	}
	return cpu.Instret - start, nil
}

func (it *Interpreter) jumpAlign() uint64 {
	if it.Compressed {
		return 1
	}
	return 3
}

// Execute runs a decoded instruction located at cpu.PC. On any fault the
// CPU and memory are left untouched.
func (it *Interpreter) Execute(cpu *CPU, in Inst) error {
	pc := cpu.PC
	next := pc + uint64(in.Len)
	a := cpu.ReadReg(uint32(in.Rs1))
	b := cpu.ReadReg(uint32(in.Rs2))
	rd := uint32(in.Rd)

	switch {
	case in.Op.IsLoad():
		addr := a + uint64(in.Imm)
		w := in.Op.AccessWidth()
		raw, kind := it.Mem.Load(addr, w)
		if kind != FaultNone {
			return &Fault{Kind: kind, Access: AccessLoad, PC: pc, Addr: addr, Width: w, Insn: in.Raw}
		}
		cpu.WriteReg(rd, ExtendLoad(in.Op, raw))

	case in.Op.IsStore():
		addr := a + uint64(in.Imm)
		w := in.Op.AccessWidth()
		if kind := it.Mem.Store(addr, w, b); kind != FaultNone {
			return &Fault{Kind: kind, Access: AccessStore, PC: pc, Addr: addr, Width: w, Insn: in.Raw}
		}
		if it.OnStore != nil {
			it.OnStore(addr, w)
		}

	case in.Op.IsBranch():
		if BranchTaken(in.Op, a, b) {
			target := pc + uint64(in.Imm)
			if target&it.jumpAlign() != 0 {
				return &Fault{Kind: Unaligned, Access: AccessJump, PC: pc, Addr: target, Insn: in.Raw}
			}
			next = target
		}

	default:
		switch in.Op {
		case OpLui:
			cpu.WriteReg(rd, uint64(in.Imm))
		case OpAuipc:
			cpu.WriteReg(rd, pc+uint64(in.Imm))
		case OpJal, OpJalr:
			target := pc + uint64(in.Imm)
			if in.Op == OpJalr {
				target = (a + uint64(in.Imm)) &^ 1
			}
			if target&it.jumpAlign() != 0 {
				return &Fault{Kind: Unaligned, Access: AccessJump, PC: pc, Addr: target, Insn: in.Raw}
			}
			cpu.WriteReg(rd, next)
			next = target
		case OpFence:
		case OpCsrRead:
			// cycle, time and instret all count retired instructions
			cpu.WriteReg(rd, cpu.Instret)
		case OpEcall:
			return OnTrap(cpu, it.Trap)
		case OpEbreak:
			return ErrHalt
		default:
			operand := b
			if in.Op >= OpAddi && in.Op <= OpSraiw {
				operand = uint64(in.Imm)
			}
			val, ok := ALU(in.Op, a, operand)
			if !ok {
				return invalidInstruction(pc, in.Raw)
			}
			cpu.WriteReg(rd, val)
		}
	}

	cpu.PC = next
	cpu.Instret++
	return nil
}
