//go:build linux && amd64

package amd64

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/rvjit/internal/asm"
)

// Func is a standalone piece of executable code following the System V
// calling convention.
type Func struct {
	mem  []byte
	prog asm.Program
}

// Compile emits f into a fresh read-execute mapping.
func Compile(f asm.Fragment) (*Func, error) {
	prog, err := EmitProgram(f)
	if err != nil {
		return nil, fmt.Errorf("emit assembly program: %w", err)
	}
	code := prog.Bytes()
	if len(code) == 0 {
		return nil, fmt.Errorf("empty code")
	}

	pageSize := unix.Getpagesize()
	size := (len(code) + pageSize - 1) / pageSize * pageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap assembly region: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("mprotect code region: %w", err)
	}
	return &Func{mem: mem, prog: prog}, nil
}

func MustCompile(f asm.Fragment) *Func {
	fn, err := Compile(f)
	if err != nil {
		panic(err)
	}
	return fn
}

// Entry returns the address of the first instruction.
func (fn *Func) Entry() uintptr { return uintptr(unsafe.Pointer(&fn.mem[0])) }

// Program returns the emitted program.
func (fn *Func) Program() asm.Program { return fn.prog }

// Call runs the code with up to six integer arguments and returns RAX.
func (fn *Func) Call(args ...uintptr) uintptr {
	if fn == nil || fn.mem == nil {
		panic("amd64: call on released function")
	}
	r1, _, _ := purego.SyscallN(fn.Entry(), args...)
	return r1
}

// Release unmaps the code.
func (fn *Func) Release() {
	if fn.mem != nil {
		_ = unix.Munmap(fn.mem)
		fn.mem = nil
	}
}

// CallNative calls native code at entry with the given arguments.
func CallNative(entry uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(entry, args...)
	return r1
}
