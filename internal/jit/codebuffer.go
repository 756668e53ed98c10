package jit

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrCodeBufferExhausted is returned when a block does not fit in the
// remaining code buffer.
var ErrCodeBufferExhausted = errors.New("jit: code buffer exhausted")

// CodeBuffer is a fixed-size region of host memory holding generated code.
// It is writable or executable, never both. Every toggle checks the state
// it leaves.
type CodeBuffer struct {
	mem      []byte
	cursor   int
	writable bool
	toggles  uint64
}

// NewCodeBuffer maps size bytes rounded up to whole pages. The buffer starts
// executable.
func NewCodeBuffer(size int) (*CodeBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("jit: code buffer size %d must be positive", size)
	}
	page := pageSize()
	size = (size + page - 1) / page * page
	mem, err := mapCode(size)
	if err != nil {
		return nil, fmt.Errorf("jit: map code buffer: %w", err)
	}
	b := &CodeBuffer{mem: mem, writable: true}
	if err := b.EndWrite(); err != nil {
		_ = unmapCode(mem)
		return nil, err
	}
	return b, nil
}

// Cap is the buffer size in bytes.
func (b *CodeBuffer) Cap() int { return len(b.mem) }

// Len is the cursor: the number of bytes handed out so far.
func (b *CodeBuffer) Len() int { return b.cursor }

func (b *CodeBuffer) Free() int { return len(b.mem) - b.cursor }

func (b *CodeBuffer) Writable() bool { return b.writable }

// Toggles counts protection changes. Tests use it to check batching.
func (b *CodeBuffer) Toggles() uint64 { return b.toggles }

// BeginWrite makes the buffer writable and not executable.
func (b *CodeBuffer) BeginWrite() error {
	if b.writable {
		panic("jit: code buffer already writable")
	}
	if err := protect(b.mem, false); err != nil {
		return fmt.Errorf("jit: make code buffer writable: %w", err)
	}
	b.writable = true
	b.toggles++
	return nil
}

// EndWrite makes the buffer executable and not writable.
func (b *CodeBuffer) EndWrite() error {
	if !b.writable {
		panic("jit: code buffer already executable")
	}
	if err := protect(b.mem, true); err != nil {
		return fmt.Errorf("jit: make code buffer executable: %w", err)
	}
	b.writable = false
	b.toggles++
	return nil
}

// Append copies code to the cursor and returns its offset.
func (b *CodeBuffer) Append(code []byte) (int, error) {
	b.mustBeWritable()
	if len(code) > b.Free() {
		return 0, ErrCodeBufferExhausted
	}
	off := b.cursor
	copy(b.mem[off:], code)
	b.cursor += len(code)
	return off, nil
}

// Patch overwrites already emitted bytes.
func (b *CodeBuffer) Patch(off int, code []byte) {
	b.mustBeWritable()
	if off < 0 || off+len(code) > b.cursor {
		panic(fmt.Sprintf("jit: patch [%d,%d) outside emitted code [0,%d)", off, off+len(code), b.cursor))
	}
	copy(b.mem[off:], code)
}

// Bytes returns the emitted code. Reading is allowed in either state.
func (b *CodeBuffer) Bytes() []byte { return b.mem[:b.cursor] }

// Addr returns the host address of off. It panics if off is outside the
// emitted code or the buffer is writable, since the only use of an address
// is to run it.
func (b *CodeBuffer) Addr(off int) uintptr {
	if off < 0 || off >= b.cursor {
		panic(fmt.Sprintf("jit: entry %d outside emitted code [0,%d)", off, b.cursor))
	}
	if b.writable {
		panic("jit: entering a writable code buffer")
	}
	return uintptr(unsafe.Pointer(&b.mem[0])) + uintptr(off)
}

// Base is the host address of offset zero.
func (b *CodeBuffer) Base() uintptr { return uintptr(unsafe.Pointer(&b.mem[0])) }

// Reset rewinds the cursor. Everything previously emitted is garbage.
func (b *CodeBuffer) Reset() { b.cursor = 0 }

// Close unmaps the buffer.
func (b *CodeBuffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unmapCode(b.mem)
	b.mem = nil
	b.cursor = 0
	return err
}

func (b *CodeBuffer) mustBeWritable() {
	if !b.writable {
		panic("jit: write to executable code buffer")
	}
}
