// Package jit translates guest basic blocks into host machine code and runs
// them, falling back to the rv64 interpreter for anything it does not
// lower.
package jit

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"runtime"
	"unsafe"

	"github.com/tinyrange/rvjit/internal/asm/amd64"
	"github.com/tinyrange/rvjit/internal/rv64"
	"github.com/tinyrange/rvjit/internal/timeslice"
)

// ErrNativeUnsupported is returned by Run on hosts that cannot execute the
// generated code.
var ErrNativeUnsupported = errors.New("jit: native execution is not supported on this host")

// Supported reports whether this host can execute generated code.
func Supported() bool { return nativeSupported }

// Config sizes the engine's arenas and selects its policies.
type Config struct {
	CodeSize             int
	MaxBlocks            int
	MaxBlockInstructions int
	// LookupSize is the number of indirect jump table slots, a power of
	// two.
	LookupSize int

	// ResetOnExhaustion flushes everything and keeps compiling when the
	// code buffer or cache fills up. Otherwise the engine interprets
	// whatever is not already compiled.
	ResetOnExhaustion bool

	// VerifyBlocks re-hashes a block's guest bytes every time the
	// dispatcher enters it and panics if they changed.
	VerifyBlocks bool

	Compressed bool
	Trap       rv64.TrapHandler

	Logger  *slog.Logger
	Profile *timeslice.Recorder
}

const (
	DefaultCodeSize             = 4 << 20
	DefaultMaxBlocks            = 1 << 14
	DefaultMaxBlockInstructions = 64
	DefaultLookupSize           = 1 << 12
)

func (c *Config) normalize() error {
	if c.CodeSize == 0 {
		c.CodeSize = DefaultCodeSize
	}
	if c.MaxBlocks == 0 {
		c.MaxBlocks = DefaultMaxBlocks
	}
	if c.MaxBlockInstructions == 0 {
		c.MaxBlockInstructions = DefaultMaxBlockInstructions
	}
	if c.LookupSize == 0 {
		c.LookupSize = DefaultLookupSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxBlockInstructions < 1 || c.MaxBlocks < 1 {
		return fmt.Errorf("jit: block limits must be positive")
	}
	if c.LookupSize < 2 || c.LookupSize&(c.LookupSize-1) != 0 || c.LookupSize > math.MaxInt32 {
		return fmt.Errorf("jit: lookup size %d must be a power of two", c.LookupSize)
	}
	return nil
}

// Stats counts engine activity since construction.
type Stats struct {
	BlocksCompiled   uint64
	CodeBytes        uint64
	ChainsPatched    uint64
	ChainsUnpatched  uint64
	Resolves         uint64
	IndirectMisses   uint64
	NativeEntries    uint64
	InterpretedSteps uint64
	Fallbacks        uint64
	Invalidations    uint64
	CodeWrites       uint64
	Exhaustions      uint64
	Resets           uint64
	Spills           uint64
}

// Engine owns one guest's code buffer, block cache and lookup table.
type Engine struct {
	cfg    Config
	mem    *rv64.Memory
	log    *slog.Logger
	prof   *timeslice.Recorder
	buf    *CodeBuffer
	cache  *Cache
	lookup *lookupTable
	ctx    *nativeContext
	interp rv64.Interpreter
	em     *amd64Emitter
	tr     *translator
	rt     routines

	exhausted bool
	warned    bool
	stats     Stats
}

// New builds an engine for mem. Code is generated on every host; running it
// needs linux/amd64.
func New(mem *rv64.Memory, cfg Config) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	buf, err := NewCodeBuffer(cfg.CodeSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		mem:    mem,
		log:    cfg.Logger,
		prof:   cfg.Profile,
		buf:    buf,
		cache:  NewCache(cfg.MaxBlocks),
		lookup: newLookupTable(cfg.LookupSize),
		ctx:    &nativeContext{},
	}
	e.ctx.Lookup = uint64(uintptr(unsafe.Pointer(&e.lookup.entries[0])))
	e.clearHull()
	e.interp = rv64.Interpreter{
		Mem:        mem,
		Trap:       cfg.Trap,
		Compressed: cfg.Compressed,
		OnStore:    e.noteStore,
	}
	e.em = newAMD64Emitter(routines{}, cfg.LookupSize)
	e.tr = newTranslator(mem, e.em, cfg.Compressed, cfg.MaxBlockInstructions)
	if err := e.installRoutines(); err != nil {
		_ = buf.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) installRoutines() error {
	code, rt, err := emitRoutines(e.mem.Layout().Windows(), 0)
	if err != nil {
		return err
	}
	if err := e.buf.BeginWrite(); err != nil {
		return err
	}
	_, err = e.buf.Append(code)
	if cerr := e.buf.EndWrite(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("jit: install routines: %w", err)
	}
	e.rt = rt
	e.em.rt = rt
	return nil
}

// Close releases the code buffer.
func (e *Engine) Close() error { return e.buf.Close() }

func (e *Engine) Stats() Stats {
	s := e.stats
	s.Spills = e.tr.alloc.Spills()
	return s
}

// Buffer exposes the code buffer for inspection.
func (e *Engine) Buffer() *CodeBuffer { return e.buf }

func (e *Engine) Cache() *Cache { return e.cache }

// Exhausted reports whether the engine has stopped compiling new blocks.
func (e *Engine) Exhausted() bool { return e.exhausted }

// Reset drops every compiled block and rewinds the code buffer.
func (e *Engine) Reset() error {
	e.cache.Clear()
	e.lookup.clear()
	e.clearHull()
	e.buf.Reset()
	e.exhausted = false
	e.stats.Resets++
	return e.installRoutines()
}

// Compile returns the block at pc, translating it if it is not cached.
func (e *Engine) Compile(pc uint64) (*CompiledBlock, error) {
	if b, ok := e.cache.Get(pc); ok {
		return b, nil
	}
	b, err := e.compile(pc)
	if e.cfg.ResetOnExhaustion && isExhaustion(err) {
		e.log.Debug("jit: resetting code buffer", "pc", fmt.Sprintf("0x%x", pc), "blocks", e.cache.Len())
		if rerr := e.Reset(); rerr != nil {
			return nil, rerr
		}
		b, err = e.compile(pc)
	}
	if isExhaustion(err) {
		e.stats.Exhaustions++
		e.exhausted = true
		if !e.warned {
			e.warned = true
			e.log.Warn("jit: code buffer exhausted, interpreting uncompiled code",
				"blocks", e.cache.Len(), "codeBytes", e.buf.Len())
		}
	}
	return b, err
}

func isExhaustion(err error) bool {
	return errors.Is(err, ErrCodeBufferExhausted) || errors.Is(err, ErrCacheFull)
}

func (e *Engine) compile(pc uint64) (*CompiledBlock, error) {
	defer e.prof.Record(timeslice.Compile)
	if e.cache.Len() >= e.cfg.MaxBlocks {
		return nil, ErrCacheFull
	}
	tr, err := e.tr.translate(pc, e.cache.nextLink())
	if err != nil {
		return nil, err
	}
	out, err := e.em.Finish(e.buf.Len())
	if err != nil {
		return nil, fmt.Errorf("jit: encode block at 0x%x: %w", pc, err)
	}
	sum, err := e.checksum(tr.StartPC, tr.GuestLen)
	if err != nil {
		return nil, err
	}

	if err := e.buf.BeginWrite(); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.buf.EndWrite(); err != nil {
			panic(err)
		}
	}()
	off, err := e.buf.Append(out.Code)
	if err != nil {
		return nil, err
	}
	b := &CompiledBlock{
		StartPC:      tr.StartPC,
		GuestLen:     tr.GuestLen,
		Entry:        off,
		CodeSize:     len(out.Code),
		Instructions: tr.Instructions,
		Checksum:     sum,
	}
	if err := e.cache.Put(b); err != nil {
		return nil, err
	}
	e.ctx.CodeLo = min(e.ctx.CodeLo, b.StartPC)
	e.ctx.CodeHi = max(e.ctx.CodeHi, b.End())
	for _, l := range tr.Links {
		site, ok := out.Sites[l.ID]
		if !ok {
			panic(fmt.Sprintf("jit: link %d has no patch site", l.ID))
		}
		e.cache.addLink(b, l.ID, site, l.Target)
	}
	// Direct exits to blocks that already exist, including this one, are
	// chained immediately.
	for _, l := range tr.Links {
		if target, ok := e.cache.Get(l.Target); ok {
			e.patch(l.ID, target)
		}
	}
	e.stats.BlocksCompiled++
	e.stats.CodeBytes += uint64(len(out.Code))
	e.log.Debug("jit: compiled block",
		"pc", fmt.Sprintf("0x%x", b.StartPC),
		"insns", b.Instructions,
		"bytes", b.CodeSize,
		"links", len(tr.Links))
	return b, nil
}

func (e *Engine) checksum(pc, n uint64) (uint64, error) {
	code := make([]byte, n)
	if err := e.mem.Read(pc, code); err != nil {
		return 0, fmt.Errorf("jit: read guest code at 0x%x: %w", pc, err)
	}
	h := fnv.New64a()
	h.Write(code)
	return h.Sum64(), nil
}

// patch points link id at target. The buffer must be writable.
func (e *Engine) patch(id int, target *CompiledBlock) {
	l := e.cache.link(id)
	if l == nil || l.dead || l.patched || l.target != target.StartPC {
		return
	}
	code, err := amd64.EncodeJumpRel32(l.site, target.Entry)
	if err != nil {
		panic(err)
	}
	e.buf.Patch(l.site, code)
	l.patched = true
	e.stats.ChainsPatched++
}

var unpatched = []byte{0xE9, 0, 0, 0, 0}

// InvalidateRange drops every block overlapping guest addresses [lo, hi),
// unlinks the jumps into them and clears their lookup slots. It returns the
// number of blocks dropped.
func (e *Engine) InvalidateRange(lo, hi uint64) int {
	blocks := e.cache.Overlapping(lo, hi)
	if len(blocks) == 0 {
		return 0
	}
	if err := e.buf.BeginWrite(); err != nil {
		panic(err)
	}
	for _, b := range blocks {
		for _, id := range e.cache.remove(b) {
			l := e.cache.link(id)
			e.buf.Patch(l.site, unpatched)
			l.patched = false
			e.stats.ChainsUnpatched++
		}
		e.lookup.drop(b.StartPC)
	}
	if err := e.buf.EndWrite(); err != nil {
		panic(err)
	}
	e.stats.Invalidations += uint64(len(blocks))
	if e.cache.Len() == 0 {
		e.clearHull()
	}
	e.log.Debug("jit: invalidated blocks", "lo", fmt.Sprintf("0x%x", lo), "hi", fmt.Sprintf("0x%x", hi), "count", len(blocks))
	return len(blocks)
}

// clearHull empties the code range native stores are checked against.
func (e *Engine) clearHull() {
	e.ctx.CodeLo = ^uint64(0)
	e.ctx.CodeHi = 0
}

// noteStore is the interpreter's store hook. Native stores into the code
// hull reach InvalidateRange through exitCodeWrite instead.
func (e *Engine) noteStore(addr uint64, width int) {
	e.InvalidateRange(addr, addr+uint64(width))
}

// Step interprets one instruction with the engine's store hook installed.
func (e *Engine) Step(cpu *rv64.CPU) error { return e.interp.Step(cpu) }

// verify panics if the guest bytes behind b changed since it was compiled.
func (e *Engine) verify(b *CompiledBlock) {
	sum, err := e.checksum(b.StartPC, b.GuestLen)
	if err != nil || sum != b.Checksum {
		panic(fmt.Sprintf("jit: guest code of block 0x%x-0x%x changed after compilation", b.StartPC, b.End()))
	}
}

// resolve finds or compiles the block at pc and patches link into it.
// nil means interpret.
func (e *Engine) resolve(pc uint64, link int64) *CompiledBlock {
	b, ok := e.cache.Get(pc)
	if !ok {
		if e.exhausted {
			e.stats.Fallbacks++
			return nil
		}
		var err error
		b, err = e.Compile(pc)
		if err != nil {
			if !isExhaustion(err) {
				e.log.Debug("jit: interpreting", "pc", fmt.Sprintf("0x%x", pc), "reason", err)
			}
			e.stats.Fallbacks++
			return nil
		}
	}
	if link != noLink {
		if err := e.buf.BeginWrite(); err != nil {
			panic(err)
		}
		e.patch(int(link), b)
		if err := e.buf.EndWrite(); err != nil {
			panic(err)
		}
		e.prof.Record(timeslice.Patch)
	}
	e.lookup.set(b.StartPC, e.buf.Base()+uintptr(b.Entry))
	return b
}

// Run executes up to limit instructions starting at cpu.PC and returns the
// number retired. It stops early on a halt, a fault or a trap handler
// error.
func (e *Engine) Run(cpu *rv64.CPU, limit uint64) (uint64, error) {
	if !nativeSupported {
		return 0, ErrNativeUnsupported
	}
	e.ctx.CPU = *cpu
	defer func() { *cpu = e.ctx.CPU }()
	e.prof.Mark()

	start := e.ctx.CPU.Instret
	link := int64(noLink)
	for {
		retired := e.ctx.CPU.Instret - start
		if retired >= limit {
			return retired, nil
		}
		left := limit - retired

		b := e.resolve(e.ctx.CPU.PC, link)
		link = noLink
		if b == nil || uint64(b.Instructions) > left {
			e.stats.InterpretedSteps++
			err := e.interp.Step(&e.ctx.CPU)
			e.prof.Record(timeslice.Interpret)
			if err != nil {
				return e.ctx.CPU.Instret - start, err
			}
			continue
		}
		if e.cfg.VerifyBlocks {
			e.verify(b)
		}

		reason := e.enter(b, left)
		switch reason {
		case exitResolve:
			e.stats.Resolves++
			link = e.ctx.Link
			if link == noLink {
				e.stats.IndirectMisses++
			}
		case exitYield:
		case exitTrap:
			err := rv64.OnTrap(&e.ctx.CPU, e.cfg.Trap)
			e.prof.Record(timeslice.Trap)
			if err != nil {
				return e.ctx.CPU.Instret - start, err
			}
		case exitHalt:
			return e.ctx.CPU.Instret - start, rv64.ErrHalt
		case exitFault:
			return e.ctx.CPU.Instret - start, e.fault()
		case exitCodeWrite:
			e.stats.CodeWrites++
			e.InvalidateRange(e.ctx.FaultAddr, e.ctx.FaultAddr+e.ctx.WriteWidth)
		case exitInterpret:
			e.stats.InterpretedSteps++
			err := e.interp.Step(&e.ctx.CPU)
			e.prof.Record(timeslice.Interpret)
			if err != nil {
				return e.ctx.CPU.Instret - start, err
			}
		default:
			panic(fmt.Sprintf("jit: native code returned unknown exit %d", reason))
		}
	}
}

// enter runs native code from b with a budget of at most left
// instructions and accounts for what it retired.
func (e *Engine) enter(b *CompiledBlock, left uint64) exitReason {
	budget := left
	if budget > math.MaxInt64 {
		budget = math.MaxInt64
	}
	e.ctx.Budget = int64(budget)
	e.ctx.Link = noLink
	e.stats.NativeEntries++

	mem := e.mem.Bytes()
	reason := callNative(
		e.buf.Addr(e.rt.entry),
		uintptr(unsafe.Pointer(e.ctx)),
		uintptr(unsafe.Pointer(&mem[0])),
		e.buf.Addr(b.Entry),
	)
	runtime.KeepAlive(e.ctx)
	runtime.KeepAlive(e.lookup)
	runtime.KeepAlive(mem)
	e.prof.Record(timeslice.Native)

	if e.ctx.Budget < 0 || uint64(e.ctx.Budget) > budget {
		panic(fmt.Sprintf("jit: budget %d outside [0,%d] after %s exit", e.ctx.Budget, budget, reason))
	}
	e.ctx.CPU.Instret += budget - uint64(e.ctx.Budget)
	return reason
}

// fault rebuilds the *rv64.Fault for an exitFault from the context and
// the faulting instruction.
func (e *Engine) fault() error {
	pc := e.ctx.CPU.PC
	in, err := e.mem.Fetch(pc, e.cfg.Compressed)
	if err != nil {
		return err
	}
	f := &rv64.Fault{
		Kind:   rv64.FaultKind(e.ctx.FaultKind),
		Access: rv64.AccessJump,
		PC:     pc,
		Addr:   e.ctx.FaultAddr,
		Insn:   in.Raw,
	}
	switch {
	case in.Op.IsLoad():
		f.Access, f.Width = rv64.AccessLoad, in.Op.AccessWidth()
	case in.Op.IsStore():
		f.Access, f.Width = rv64.AccessStore, in.Op.AccessWidth()
	}
	return f
}
