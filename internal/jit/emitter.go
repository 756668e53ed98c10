package jit

import "github.com/tinyrange/rvjit/internal/rv64"

// HostReg names a register in the backend's allocatable pool.
type HostReg int

// NoReg stands in for a destination whose result is discarded (x0).
const NoReg HostReg = -1

// Spill is a dirty guest register mapping written back on an exit path.
type Spill struct {
	Guest int
	Host  HostReg
}

// Exit describes one way out of a block.
type Exit struct {
	Reason exitReason

	// PC is stored to the context before returning. For chained exits it
	// is the direct target.
	PC uint64

	// Retired is the number of instructions completed on this path.
	Retired int

	Spills []Spill

	// Link identifies a patchable direct exit, or is noLink.
	Link int

	// Fault and FaultAddr describe exitFault paths whose address is known
	// when the block is compiled. Memory faults compute theirs at run time.
	Fault     rv64.FaultKind
	FaultAddr uint64

	// Width is the store width on exitCodeWrite paths.
	Width int
}

// Emitter is the host encoding capability the translator drives. Register
// arguments are always members of Pool(). Methods emit in call order; the
// backend may place exit paths out of line.
type Emitter interface {
	// Pool lists the host registers the allocator may hand out.
	Pool() []HostReg

	// Lowers reports whether op can be translated. Anything else ends the
	// block with an exitInterpret.
	Lowers(op rv64.Op) bool

	Reset()

	// Begin opens a block of n instructions at pc. Native code yields if
	// the remaining budget cannot cover n.
	Begin(pc uint64, n int)

	LoadGuest(dst HostReg, guest int)
	StoreGuest(guest int, src HostReg)
	Zero(dst HostReg)
	LoadConst(dst HostReg, v uint64)

	ALU(op rv64.Op, dst, a, b HostReg)
	ALUImm(op rv64.Op, dst, a HostReg, imm int64)

	// Load and Store translate base+off, check alignment and access guest
	// memory. fault is taken with its Fault kind and address filled in at
	// run time. dst may be NoReg. Store takes written once the store has
	// retired if it overlapped compiled code.
	Load(op rv64.Op, dst, base HostReg, off int64, fault Exit)
	Store(op rv64.Op, base, src HostReg, off int64, fault, written Exit)

	Branch(op rv64.Op, a, b HostReg, taken, notTaken Exit)
	Jump(exit Exit)

	// IndirectTarget computes (base+off)&^1 into a scratch location and
	// takes fault if target&alignMask is non-zero. JumpIndirect then
	// leaves through the lookup table.
	IndirectTarget(base HostReg, off int64, alignMask uint64, fault Exit)
	JumpIndirect(exit Exit)

	// Finish encodes the block for placement at origin in the code
	// buffer.
	Finish(origin int) (Output, error)
}

// Output is an encoded block.
type Output struct {
	Code []byte
	// Sites maps link ids to the code buffer offset of their patchable
	// jump.
	Sites map[int]int
}
