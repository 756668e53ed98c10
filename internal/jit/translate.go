package jit

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvjit/internal/rv64"
)

// errNotTranslatable is returned when the first instruction at a PC cannot
// start a block. The dispatcher interprets it instead.
var errNotTranslatable = errors.New("jit: instruction not translatable")

// chainLink is a direct exit a block wants patched to its target.
type chainLink struct {
	ID     int
	Target uint64
}

type translation struct {
	StartPC      uint64
	GuestLen     uint64
	Instructions int
	Links        []chainLink
}

type translator struct {
	mem        *rv64.Memory
	em         Emitter
	alloc      *Allocator
	compressed bool
	maxInsns   int

	insts []rv64.Inst
	links []chainLink
	next  int
}

func newTranslator(mem *rv64.Memory, em Emitter, compressed bool, maxInsns int) *translator {
	return &translator{
		mem:        mem,
		em:         em,
		alloc:      NewAllocator(em),
		compressed: compressed,
		maxInsns:   maxInsns,
	}
}

func (t *translator) jumpMask() uint64 {
	if t.compressed {
		return 1
	}
	return 3
}

// scan collects the instructions of the block at pc. stop is the PC of the
// first instruction not included and interp says whether the block must
// hand that instruction to the interpreter.
func (t *translator) scan(pc uint64) (stop uint64, interp bool, err error) {
	t.insts = t.insts[:0]
	for len(t.insts) < t.maxInsns {
		in, ferr := t.mem.Fetch(pc, t.compressed)
		if ferr != nil || !t.em.Lowers(in.Op) {
			if len(t.insts) == 0 {
				if ferr != nil {
					return pc, false, fmt.Errorf("%w: %w", errNotTranslatable, ferr)
				}
				return pc, false, fmt.Errorf("%w: %s at 0x%x", errNotTranslatable, in.Op, pc)
			}
			return pc, true, nil
		}
		t.insts = append(t.insts, in)
		pc += uint64(in.Len)
		if in.Op.EndsBlock() {
			return pc, false, nil
		}
	}
	return pc, false, nil
}

func (t *translator) link(target uint64) int {
	id := t.next
	t.next++
	t.links = append(t.links, chainLink{ID: id, Target: target})
	return id
}

// translate walks and emits the block at start. Link ids are handed out
// from firstLink upwards.
func (t *translator) translate(start uint64, firstLink int) (translation, error) {
	stop, interp, err := t.scan(start)
	if err != nil {
		return translation{}, err
	}
	t.links = nil
	t.next = firstLink
	t.em.Reset()
	t.alloc.Reset()
	t.em.Begin(start, len(t.insts))

	pc := start
	ended := false
	for k, in := range t.insts {
		t.alloc.Next()
		ended = t.lower(pc, k, in)
		pc += uint64(in.Len)
	}
	if !ended {
		spills := t.alloc.Flush()
		n := len(t.insts)
		if interp {
			t.em.Jump(Exit{Reason: exitInterpret, PC: stop, Retired: n, Spills: spills, Link: noLink})
		} else {
			t.em.Jump(Exit{Reason: exitResolve, PC: stop, Retired: n, Spills: spills, Link: t.link(stop)})
		}
	}
	return translation{
		StartPC:      start,
		GuestLen:     stop - start,
		Instructions: len(t.insts),
		Links:        t.links,
	}, nil
}

// lower emits instruction k located at pc and reports whether it ended the
// block.
func (t *translator) lower(pc uint64, k int, in rv64.Inst) bool {
	a := t.alloc
	em := t.em
	next := pc + uint64(in.Len)
	rd := int(in.Rd)

	fault := func(kind rv64.FaultKind, addr uint64) Exit {
		return Exit{Reason: exitFault, PC: pc, Retired: k, Spills: a.Dirty(), Link: noLink, Fault: kind, FaultAddr: addr}
	}
	chain := func(target uint64, spills []Spill) Exit {
		return Exit{Reason: exitResolve, PC: target, Retired: k + 1, Spills: spills, Link: t.link(target)}
	}

	switch {
	case in.Op.IsLoad():
		base := a.Use(int(in.Rs1))
		f := fault(rv64.InvalidMemoryAccess, 0)
		dst := NoReg
		if rd != 0 {
			dst = a.Def(rd)
		}
		em.Load(in.Op, dst, base, in.Imm, f)
		return false

	case in.Op.IsStore():
		base := a.Use(int(in.Rs1))
		src := a.Use(int(in.Rs2))
		written := Exit{Reason: exitCodeWrite, PC: next, Retired: k + 1, Spills: a.Dirty(), Link: noLink}
		em.Store(in.Op, base, src, in.Imm, fault(rv64.InvalidMemoryAccess, 0), written)
		return false

	case in.Op.IsBranch():
		x := a.Use(int(in.Rs1))
		y := a.Use(int(in.Rs2))
		spills := a.Flush()
		target := pc + uint64(in.Imm)
		var taken Exit
		if target&t.jumpMask() != 0 {
			taken = Exit{Reason: exitFault, PC: pc, Retired: k, Spills: spills, Link: noLink, Fault: rv64.Unaligned, FaultAddr: target}
		} else {
			taken = chain(target, spills)
		}
		em.Branch(in.Op, x, y, taken, chain(next, spills))
		return true
	}

	switch in.Op {
	case rv64.OpLui, rv64.OpAuipc:
		if rd != 0 {
			v := uint64(in.Imm)
			if in.Op == rv64.OpAuipc {
				v += pc
			}
			em.LoadConst(a.Def(rd), v)
		}
		return false

	case rv64.OpJal:
		target := pc + uint64(in.Imm)
		if target&t.jumpMask() != 0 {
			em.Jump(fault(rv64.Unaligned, target))
			return true
		}
		if rd != 0 {
			em.LoadConst(a.Def(rd), next)
		}
		em.Jump(chain(target, a.Flush()))
		return true

	case rv64.OpJalr:
		base := a.Use(int(in.Rs1))
		em.IndirectTarget(base, in.Imm, t.jumpMask(), fault(rv64.Unaligned, 0))
		if rd != 0 {
			em.LoadConst(a.Def(rd), next)
		}
		em.JumpIndirect(Exit{Reason: exitResolve, Retired: k + 1, Spills: a.Flush(), Link: noLink})
		return true

	case rv64.OpFence:
		return false

	case rv64.OpEcall:
		em.Jump(Exit{Reason: exitTrap, PC: pc, Retired: k, Spills: a.Flush(), Link: noLink})
		return true

	case rv64.OpEbreak:
		em.Jump(Exit{Reason: exitHalt, PC: pc, Retired: k, Spills: a.Flush(), Link: noLink})
		return true
	}

	if rd == 0 {
		return false
	}
	if in.Op >= rv64.OpAddi && in.Op <= rv64.OpSraiw {
		src := a.Use(int(in.Rs1))
		em.ALUImm(in.Op, a.Def(rd), src, in.Imm)
		return false
	}
	x := a.Use(int(in.Rs1))
	y := a.Use(int(in.Rs2))
	em.ALU(in.Op, a.Def(rd), x, y)
	return false
}
