package rv64

import (
	"encoding/binary"
	"fmt"
)

const pageSize = 4096

// Window maps the guest range [Base, Base+Size) onto memory offsets
// starting at Offset.
type Window struct {
	Name   string
	Base   uint64
	Size   uint64
	Offset uint64
}

// Translate maps vaddr for an access of width bytes. The range test is done
// on vaddr-Base so that vaddr+width never has to be computed.
func (w Window) Translate(vaddr, width uint64) (uint64, bool) {
	if width > w.Size {
		return 0, false
	}
	off := vaddr - w.Base
	if off > w.Size-width {
		return 0, false
	}
	return w.Offset + off, true
}

// Layout is the static guest address map. Guest memory is laid out as low
// memory, then the code/data window, then the trailing MMIO window.
type Layout struct {
	LowSize  uint64 `yaml:"lowSize"`
	RAMBase  uint64 `yaml:"ramBase"`
	RAMSize  uint64 `yaml:"ramSize"`
	MMIOBase uint64 `yaml:"mmioBase"`
	MMIOSize uint64 `yaml:"mmioSize"`
}

// DefaultLayout returns the layout used when none is configured.
func DefaultLayout() Layout {
	return Layout{
		LowSize:  DefaultLowSize,
		RAMBase:  RAMBase,
		RAMSize:  DefaultRAMSize,
		MMIOBase: MMIOBase,
		MMIOSize: DefaultMMIOSize,
	}
}

// Capacity is the total number of bytes backing the layout.
func (l Layout) Capacity() uint64 {
	return l.LowSize + l.RAMSize + l.MMIOSize
}

// Windows returns the non-empty windows in lookup order. Both the
// interpreter and the native translate routine are built from this list.
func (l Layout) Windows() []Window {
	all := [...]Window{
		{Name: "low", Base: 0, Size: l.LowSize, Offset: 0},
		{Name: "ram", Base: l.RAMBase, Size: l.RAMSize, Offset: l.LowSize},
		{Name: "mmio", Base: l.MMIOBase, Size: l.MMIOSize, Offset: l.LowSize + l.RAMSize},
	}
	out := make([]Window, 0, len(all))
	for _, w := range all {
		if w.Size != 0 {
			out = append(out, w)
		}
	}
	return out
}

// Translate maps a guest address to an offset in guest memory.
func (l Layout) Translate(vaddr, width uint64) (uint64, bool) {
	for _, w := range l.Windows() {
		if off, ok := w.Translate(vaddr, width); ok {
			return off, true
		}
	}
	return 0, false
}

// Validate checks page alignment and that no two windows overlap.
func (l Layout) Validate() error {
	if l.RAMSize == 0 {
		return fmt.Errorf("rv64: layout: ram window must not be empty")
	}
	ws := l.Windows()
	for _, w := range ws {
		if w.Base%pageSize != 0 || w.Size%pageSize != 0 {
			return fmt.Errorf("rv64: layout: %s window 0x%x+0x%x is not page aligned", w.Name, w.Base, w.Size)
		}
		if w.Base+w.Size < w.Base {
			return fmt.Errorf("rv64: layout: %s window overflows the address space", w.Name)
		}
	}
	for i := range ws {
		for j := i + 1; j < len(ws); j++ {
			a, b := ws[i], ws[j]
			if a.Base < b.Base+b.Size && b.Base < a.Base+a.Size {
				return fmt.Errorf("rv64: layout: %s and %s windows overlap", a.Name, b.Name)
			}
		}
	}
	return nil
}

// Memory is the fixed-capacity guest memory arena.
type Memory struct {
	layout  Layout
	windows []Window
	data    []byte
}

// NewMemory allocates the arena for layout. The arena never grows.
func NewMemory(layout Layout) (*Memory, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		layout:  layout,
		windows: layout.Windows(),
		data:    make([]byte, layout.Capacity()),
	}, nil
}

// Layout returns the memory layout.
func (m *Memory) Layout() Layout { return m.layout }

// Capacity returns the arena size in bytes.
func (m *Memory) Capacity() uint64 { return uint64(len(m.data)) }

// Bytes returns the whole arena. Native code addresses it by offset.
func (m *Memory) Bytes() []byte { return m.data }

// MMIO returns the trailing memory-mapped window.
func (m *Memory) MMIO() []byte {
	start := m.layout.LowSize + m.layout.RAMSize
	return m.data[start : start+m.layout.MMIOSize]
}

// Clear zeroes the arena.
func (m *Memory) Clear() {
	clear(m.data)
}

// Translate maps an access of width bytes at vaddr to an arena offset.
func (m *Memory) Translate(vaddr, width uint64) (uint64, bool) {
	for _, w := range m.windows {
		if off, ok := w.Translate(vaddr, width); ok {
			return off, true
		}
	}
	return 0, false
}

// Check validates a data access: range first, then alignment.
func (m *Memory) Check(vaddr uint64, width int) (uint64, FaultKind) {
	off, ok := m.Translate(vaddr, uint64(width))
	if !ok {
		return 0, InvalidMemoryAccess
	}
	if vaddr&uint64(width-1) != 0 {
		return 0, Unaligned
	}
	return off, FaultNone
}

// Load reads a little-endian value of width 1, 2, 4 or 8 bytes.
func (m *Memory) Load(vaddr uint64, width int) (uint64, FaultKind) {
	off, kind := m.Check(vaddr, width)
	if kind != FaultNone {
		return 0, kind
	}
	b := m.data[off:]
	switch width {
	case 1:
		return uint64(b[0]), FaultNone
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), FaultNone
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), FaultNone
	default:
		return binary.LittleEndian.Uint64(b), FaultNone
	}
}

// Store writes the low width bytes of val. Nothing is written on a fault.
func (m *Memory) Store(vaddr uint64, width int, val uint64) FaultKind {
	off, kind := m.Check(vaddr, width)
	if kind != FaultNone {
		return kind
	}
	b := m.data[off:]
	switch width {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	default:
		binary.LittleEndian.PutUint64(b, val)
	}
	return FaultNone
}

// Read copies len(p) bytes starting at vaddr. The range must lie within a
// single window.
func (m *Memory) Read(vaddr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	off, ok := m.Translate(vaddr, uint64(len(p)))
	if !ok {
		return &Fault{Kind: InvalidMemoryAccess, Access: AccessLoad, Addr: vaddr, Width: len(p)}
	}
	copy(p, m.data[off:])
	return nil
}

// Write copies p into guest memory at vaddr. The range must lie within a
// single window.
func (m *Memory) Write(vaddr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	off, ok := m.Translate(vaddr, uint64(len(p)))
	if !ok {
		return &Fault{Kind: InvalidMemoryAccess, Access: AccessStore, Addr: vaddr, Width: len(p)}
	}
	copy(m.data[off:], p)
	return nil
}

// Zero clears n bytes starting at vaddr.
func (m *Memory) Zero(vaddr, n uint64) error {
	if n == 0 {
		return nil
	}
	off, ok := m.Translate(vaddr, n)
	if !ok {
		return &Fault{Kind: InvalidMemoryAccess, Access: AccessStore, Addr: vaddr, Width: int(n)}
	}
	clear(m.data[off : off+n])
	return nil
}

// Fetch reads and decodes the instruction at pc. Instructions are 4-byte
// aligned unless compressed parcels are enabled, in which case 2-byte
// alignment is enough.
func (m *Memory) Fetch(pc uint64, compressed bool) (Inst, error) {
	align := uint64(3)
	if compressed {
		align = 1
	}
	if pc&align != 0 {
		return Inst{}, &Fault{Kind: Unaligned, Access: AccessFetch, PC: pc, Addr: pc, Width: 2}
	}
	raw, n, kind := m.fetch(pc)
	if kind != FaultNone {
		return Inst{}, &Fault{Kind: kind, Access: AccessFetch, PC: pc, Addr: pc, Width: 2}
	}
	in, err := DecodeParcel(raw, n, compressed)
	if err != nil {
		return Inst{}, invalidInstruction(pc, raw)
	}
	return in, nil
}

// fetch reads the instruction parcel at pc. The returned bits are either a
// 16-bit compressed parcel or a full 32-bit instruction.
func (m *Memory) fetch(pc uint64) (uint32, int, FaultKind) {
	off, ok := m.Translate(pc, 2)
	if !ok {
		return 0, 0, InvalidMemoryAccess
	}
	lo := binary.LittleEndian.Uint16(m.data[off:])
	if lo&0x3 != 0x3 {
		return uint32(lo), 2, FaultNone
	}
	off, ok = m.Translate(pc, 4)
	if !ok {
		return 0, 0, InvalidMemoryAccess
	}
	return binary.LittleEndian.Uint32(m.data[off:]), 4, FaultNone
}
