// Package vm is the execution control surface: it owns one guest's memory,
// register file and (optionally) JIT engine and moves them through the
// halted, running and errored states.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/tinyrange/rvjit/internal/jit"
	"github.com/tinyrange/rvjit/internal/rv64"
	"github.com/tinyrange/rvjit/internal/timeslice"
)

var (
	ErrNotInitialized = errors.New("vm: no image loaded")
	ErrNotRunning     = errors.New("vm: not running")
	ErrErrored        = errors.New("vm: errored, reset before restarting")
)

// Mode selects the executor.
type Mode uint8

const (
	// ModeAuto uses the JIT when native access is allowed and the host
	// can run generated code, and the interpreter otherwise.
	ModeAuto Mode = iota
	ModeInterpret
	ModeJIT
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeInterpret:
		return "interpret"
	case ModeJIT:
		return "jit"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "interpret", "interp":
		return ModeInterpret, nil
	case "jit":
		return ModeJIT, nil
	}
	return 0, fmt.Errorf("vm: unknown mode %q", s)
}

// State is the execution state of a VM.
type State uint8

const (
	Halted State = iota
	Running
	Errored
)

func (s State) String() string {
	switch s {
	case Halted:
		return "halted"
	case Running:
		return "running"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// DefaultSliceInstructions bounds how long RunUntil runs between predicate
// checks.
const DefaultSliceInstructions = 1 << 16

// Config describes a VM. The zero value is a usable interpreter-only VM
// with the default layout.
type Config struct {
	Layout rv64.Layout
	Mode   Mode

	// Native allows generating and running host code. ModeJIT requires it.
	Native bool

	Compressed bool
	Trap       rv64.TrapHandler

	SliceInstructions uint64

	// JIT sizes the engine. Its Compressed, Trap, Logger and Profile
	// fields are taken from this Config.
	JIT jit.Config

	Logger  *slog.Logger
	Profile *timeslice.Recorder
}

// Image is anything that can populate guest memory and name an entry
// point. The loader package provides ELF and raw images.
type Image interface {
	Load(mem *rv64.Memory) (entry uint64, err error)
}

// VM runs one guest. Everything except Stop must be called from a single
// goroutine.
type VM struct {
	cfg    Config
	log    *slog.Logger
	mode   Mode
	mem    *rv64.Memory
	cpu    rv64.CPU
	interp rv64.Interpreter
	engine *jit.Engine

	image   Image
	entry   uint64
	state   State
	lastErr error
	stop    atomic.Bool
}

// New allocates guest memory and, in JIT mode, the code buffer.
func New(cfg Config) (*VM, error) {
	if cfg.Layout == (rv64.Layout{}) {
		cfg.Layout = rv64.DefaultLayout()
	}
	if cfg.SliceInstructions == 0 {
		cfg.SliceInstructions = DefaultSliceInstructions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	mode, err := resolveMode(cfg.Mode, cfg.Native)
	if err != nil {
		return nil, err
	}
	mem, err := rv64.NewMemory(cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}
	v := &VM{cfg: cfg, log: cfg.Logger, mode: mode, mem: mem}
	v.interp = rv64.Interpreter{Mem: mem, Trap: cfg.Trap, Compressed: cfg.Compressed}
	if mode == ModeJIT {
		jc := cfg.JIT
		jc.Compressed = cfg.Compressed
		jc.Trap = cfg.Trap
		jc.Logger = cfg.Logger
		jc.Profile = cfg.Profile
		v.engine, err = jit.New(mem, jc)
		if err != nil {
			return nil, fmt.Errorf("vm: %w", err)
		}
	}
	v.log.Debug("vm: created", "mode", mode, "capacity", mem.Capacity())
	return v, nil
}

func resolveMode(m Mode, native bool) (Mode, error) {
	switch m {
	case ModeAuto:
		if native && jit.Supported() {
			return ModeJIT, nil
		}
		return ModeInterpret, nil
	case ModeInterpret:
		return ModeInterpret, nil
	case ModeJIT:
		if !native {
			return 0, errors.New("vm: jit mode needs native access")
		}
		if !jit.Supported() {
			return 0, fmt.Errorf("vm: %w", jit.ErrNativeUnsupported)
		}
		return ModeJIT, nil
	}
	return 0, fmt.Errorf("vm: unknown mode %d", m)
}

// Init clears memory, loads img and points the CPU at its entry. The VM
// is left halted.
func (v *VM) Init(img Image) error {
	v.mem.Clear()
	if v.engine != nil {
		if err := v.engine.Reset(); err != nil {
			return fmt.Errorf("vm: %w", err)
		}
	}
	entry, err := img.Load(v.mem)
	if err != nil {
		v.image = nil
		return fmt.Errorf("vm: load image: %w", err)
	}
	v.image = img
	v.entry = entry
	v.cpu.Reset(entry)
	v.state = Halted
	v.lastErr = nil
	v.stop.Store(false)
	v.log.Debug("vm: image loaded", "entry", fmt.Sprintf("0x%x", entry))
	return nil
}

// Reset reloads the last image, which also leaves the errored state.
func (v *VM) Reset() error {
	if v.image == nil {
		return ErrNotInitialized
	}
	return v.Init(v.image)
}

// Start moves a halted VM to running.
func (v *VM) Start() error {
	switch {
	case v.image == nil:
		return ErrNotInitialized
	case v.state == Errored:
		return ErrErrored
	}
	v.stop.Store(false)
	v.state = Running
	return nil
}

// Stop asks a running VM to halt once the current slice ends. It is safe to
// call from any goroutine, including a trap handler.
func (v *VM) Stop() { v.stop.Store(true) }

// settle applies a pending Stop.
func (v *VM) settle() {
	if v.stop.CompareAndSwap(true, false) && v.state == Running {
		v.state = Halted
	}
}

func (v *VM) State() State {
	v.settle()
	return v.state
}

// Err returns what last took the VM out of running: a fault, a trap
// handler failure or the halt cause.
func (v *VM) Err() error { return v.lastErr }

func (v *VM) Mode() Mode { return v.mode }

func (v *VM) CPU() *rv64.CPU { return &v.cpu }

func (v *VM) Memory() *rv64.Memory { return v.mem }

// MMIO returns the trailing device window of guest memory.
func (v *VM) MMIO() []byte { return v.mem.MMIO() }

// InvalidateRange drops compiled code overlapping guest [lo, hi). Hosts
// that write guest code behind the VM's back must call it.
func (v *VM) InvalidateRange(lo, hi uint64) int {
	if v.engine == nil {
		return 0
	}
	return v.engine.InvalidateRange(lo, hi)
}

// Stats reports engine counters. They are zero in interpret mode.
func (v *VM) Stats() jit.Stats {
	if v.engine == nil {
		return jit.Stats{}
	}
	return v.engine.Stats()
}

// Close releases the code buffer.
func (v *VM) Close() error {
	if v.engine == nil {
		return nil
	}
	return v.engine.Close()
}

// Step executes one instruction.
func (v *VM) Step() error {
	_, err := v.Run(1)
	return err
}

// Run executes up to limit instructions and returns how many retired. A
// guest halt returns an error wrapping rv64.ErrHalt and leaves the VM
// halted; a fault leaves it errored.
func (v *VM) Run(limit uint64) (uint64, error) {
	v.settle()
	if v.state != Running {
		return 0, ErrNotRunning
	}
	var (
		n   uint64
		err error
	)
	if v.engine != nil {
		n, err = v.engine.Run(&v.cpu, limit)
	} else {
		n, err = v.interp.Run(&v.cpu, limit)
	}
	if err != nil {
		return n, v.fail(err)
	}
	return n, nil
}

func (v *VM) fail(err error) error {
	v.lastErr = err
	if errors.Is(err, rv64.ErrHalt) {
		v.state = Halted
		v.log.Debug("vm: guest halted", "pc", fmt.Sprintf("0x%x", v.cpu.PC), "instret", v.cpu.Instret)
		return err
	}
	v.state = Errored
	v.log.Debug("vm: fault", "pc", fmt.Sprintf("0x%x", v.cpu.PC), "err", err)
	return fmt.Errorf("vm: pc=0x%x: %w", v.cpu.PC, err)
}

// RunUntil runs slices of instructions until pred returns true, Stop is
// called, ctx is done or the guest halts or faults. pred may be nil and is
// checked between slices, never inside one.
func (v *VM) RunUntil(ctx context.Context, pred func(*VM) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.settle()
		if v.state != Running {
			if v.state == Errored {
				return v.lastErr
			}
			return nil
		}
		if pred != nil && pred(v) {
			return nil
		}
		if _, err := v.Run(v.cfg.SliceInstructions); err != nil {
			return err
		}
	}
}

// Diagnostics renders the register file and, after a fault, the faulting
// address and instruction bytes.
func (v *VM) Diagnostics() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s mode=%s\n", v.State(), v.mode)
	b.WriteString(v.cpu.Dump())
	if v.lastErr == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "error: %v\n", v.lastErr)
	var f *rv64.Fault
	if !errors.As(v.lastErr, &f) {
		return b.String()
	}
	fmt.Fprintf(&b, "fault: %s %s pc=0x%x", f.Kind, f.Access, f.PC)
	if f.Width > 0 || f.Kind != rv64.InvalidInstruction {
		fmt.Fprintf(&b, " addr=0x%x", f.Addr)
	}
	b.WriteByte('\n')
	n := 4
	if f.Insn&3 != 3 {
		n = 2
	}
	insn := make([]byte, n)
	if err := v.mem.Read(f.PC, insn); err != nil {
		fmt.Fprintf(&b, "insn: unreadable (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "insn: % x\n", insn)
	}
	return b.String()
}
