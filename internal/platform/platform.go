// Package platform serves guest environment calls. Call numbers below
// KernelBase are platform services (console, timer, shutdown); the rest
// follow the Linux riscv64 syscall numbering.
package platform

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/rvjit/internal/rv64"
)

// KernelBase is the first call number routed to the syscall handler.
const KernelBase = 16

// Platform service numbers, after the legacy SBI console extensions.
const (
	ServicePutchar  = 1
	ServiceGetchar  = 2
	ServiceTimer    = 3
	ServiceShutdown = 8
)

// Linux riscv64 syscall numbers.
const (
	SysRead         = 63
	SysWrite        = 64
	SysExit         = 93
	SysExitGroup    = 94
	SysClockGettime = 113
	SysGetpid       = 172
	SysBrk          = 214
)

// Guest errno values, returned negated in a0.
const (
	ebadf  = 9
	eagain = 11
	efault = 14
	einval = 22
	enosys = 38
)

func errno(e uint64) uint64 { return -e }

// Split routes call numbers below boundary to low and everything else to
// high.
func Split(boundary uint64, low, high rv64.TrapHandler) rv64.TrapHandler {
	return func(req rv64.TrapRequest) (uint64, error) {
		if req.Number < boundary {
			return low(req)
		}
		return high(req)
	}
}

// ExitError is how the guest asks to stop with a status. It matches
// rv64.ErrHalt so the VM halts cleanly.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("guest exited with status %d", e.Code) }

func (e *ExitError) Is(target error) bool { return target == rv64.ErrHalt }

// Guest is the part of a VM the platform writes into. *vm.VM satisfies it.
type Guest interface {
	Memory() *rv64.Memory
	InvalidateRange(lo, hi uint64) int
}

// Config wires the platform to the host.
type Config struct {
	Stdout io.Writer
	Stderr io.Writer

	// Clock returns the time since boot. It defaults to wall-clock time
	// since New.
	Clock func() time.Duration

	Logger *slog.Logger
}

// Platform implements both handlers. Input may be pushed from any
// goroutine; everything else runs on the VM's goroutine.
type Platform struct {
	stdout io.Writer
	stderr io.Writer
	clock  func() time.Duration
	log    *slog.Logger
	guest  Guest

	mu       sync.Mutex
	input    []byte
	inClosed bool

	brk, brkBase, brkLimit uint64
	pid                    uint64
}

func New(cfg Config) *Platform {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = cfg.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() time.Duration { return time.Since(start) }
	}
	return &Platform{
		stdout: cfg.Stdout,
		stderr: cfg.Stderr,
		clock:  cfg.Clock,
		log:    cfg.Logger,
		pid:    1,
	}
}

// Attach gives the syscall handler access to guest memory. Calls that
// touch memory fail with EFAULT until a guest is attached.
func (p *Platform) Attach(g Guest) { p.guest = g }

// SetBreak sets the program break window. brk moves within [base, limit].
func (p *Platform) SetBreak(base, limit uint64) {
	p.brk, p.brkBase, p.brkLimit = base, base, limit
}

// Handler returns the combined trap handler for vm.Config.Trap.
func (p *Platform) Handler() rv64.TrapHandler {
	return Split(KernelBase, p.Service, p.Syscall)
}

// PushInput queues bytes for getchar and read(0).
func (p *Platform) PushInput(b []byte) {
	p.mu.Lock()
	p.input = append(p.input, b...)
	p.mu.Unlock()
}

// CloseInput marks the end of input. Once drained, read(0) returns 0.
func (p *Platform) CloseInput() {
	p.mu.Lock()
	p.inClosed = true
	p.mu.Unlock()
}

func (p *Platform) takeInput(max int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(max, len(p.input))
	out := append([]byte(nil), p.input[:n]...)
	p.input = p.input[n:]
	return out, p.inClosed
}

// Service handles the low call numbers.
func (p *Platform) Service(req rv64.TrapRequest) (uint64, error) {
	switch req.Number {
	case ServicePutchar:
		if _, err := p.stdout.Write([]byte{byte(req.Args[0])}); err != nil {
			return 0, fmt.Errorf("platform: putchar: %w", err)
		}
		return 0, nil
	case ServiceGetchar:
		b, _ := p.takeInput(1)
		if len(b) == 0 {
			return ^uint64(0), nil
		}
		return uint64(b[0]), nil
	case ServiceTimer:
		return uint64(p.clock()), nil
	case ServiceShutdown:
		p.log.Debug("platform: shutdown", "status", int(req.Args[0]))
		return 0, &ExitError{Code: int(req.Args[0])}
	}
	p.log.Debug("platform: unknown service", "number", req.Number, "pc", fmt.Sprintf("0x%x", req.PC))
	return errno(enosys), nil
}

// Syscall handles the Linux numbered calls.
func (p *Platform) Syscall(req rv64.TrapRequest) (uint64, error) {
	a := req.Args
	switch req.Number {
	case SysWrite:
		return p.write(a[0], a[1], a[2])
	case SysRead:
		return p.read(a[0], a[1], a[2])
	case SysExit, SysExitGroup:
		return 0, &ExitError{Code: int(int32(a[0]))}
	case SysGetpid:
		return p.pid, nil
	case SysBrk:
		if a[0] >= p.brkBase && a[0] <= p.brkLimit && a[0] != 0 {
			p.brk = a[0]
		}
		return p.brk, nil
	case SysClockGettime:
		return p.clockGettime(a[1])
	}
	p.log.Debug("platform: unknown syscall", "number", req.Number, "pc", fmt.Sprintf("0x%x", req.PC))
	return errno(enosys), nil
}

func (p *Platform) memory() *rv64.Memory {
	if p.guest == nil {
		return nil
	}
	return p.guest.Memory()
}

func (p *Platform) write(fd, addr, n uint64) (uint64, error) {
	var w io.Writer
	switch fd {
	case 1:
		w = p.stdout
	case 2:
		w = p.stderr
	default:
		return errno(ebadf), nil
	}
	mem := p.memory()
	if mem == nil {
		return errno(efault), nil
	}
	if n > mem.Capacity() {
		return errno(einval), nil
	}
	buf := make([]byte, n)
	if err := mem.Read(addr, buf); err != nil {
		return errno(efault), nil
	}
	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("platform: write fd %d: %w", fd, err)
	}
	return n, nil
}

func (p *Platform) read(fd, addr, n uint64) (uint64, error) {
	if fd != 0 {
		return errno(ebadf), nil
	}
	mem := p.memory()
	if mem == nil {
		return errno(efault), nil
	}
	if n == 0 {
		return 0, nil
	}
	if _, ok := mem.Translate(addr, n); !ok {
		return errno(efault), nil
	}
	b, closed := p.takeInput(int(min(n, mem.Capacity())))
	if len(b) == 0 {
		if closed {
			return 0, nil
		}
		return errno(eagain), nil
	}
	if err := mem.Write(addr, b); err != nil {
		return errno(efault), nil
	}
	p.guest.InvalidateRange(addr, addr+uint64(len(b)))
	return uint64(len(b)), nil
}

// clockGettime fills a struct timespec at addr. Every clock id reads the
// same clock.
func (p *Platform) clockGettime(addr uint64) (uint64, error) {
	mem := p.memory()
	if mem == nil {
		return errno(efault), nil
	}
	now := p.clock()
	var ts [16]byte
	binary.LittleEndian.PutUint64(ts[0:], uint64(now/time.Second))
	binary.LittleEndian.PutUint64(ts[8:], uint64(now%time.Second))
	if err := mem.Write(addr, ts[:]); err != nil {
		return errno(efault), nil
	}
	p.guest.InvalidateRange(addr, addr+uint64(len(ts)))
	return 0, nil
}
