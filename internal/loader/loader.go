// Package loader turns executables into guest images: RISC-V ELF64 files
// or flat binaries placed at a fixed address.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/tinyrange/rvjit/internal/rv64"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Segment is one contiguous range of guest memory. Bytes past len(Data)
// up to MemSize are zeroed.
type Segment struct {
	Addr    uint64
	Data    []byte
	MemSize uint64
}

// Image is a parsed executable.
type Image struct {
	Entry    uint64
	Segments []Segment

	// Symbols maps ELF function and object symbols to addresses. Raw
	// images have none.
	Symbols map[string]uint64
}

// Raw places data at base and enters at base.
func Raw(base uint64, data []byte) *Image {
	return &Image{
		Entry:    base,
		Segments: []Segment{{Addr: base, Data: data, MemSize: uint64(len(data))}},
	}
}

// Load copies every segment into mem and returns the entry point. It
// satisfies vm.Image.
func (img *Image) Load(mem *rv64.Memory) (uint64, error) {
	for _, seg := range img.Segments {
		if err := mem.Zero(seg.Addr, seg.MemSize); err != nil {
			return 0, fmt.Errorf("loader: segment @%#x size %#x: %w", seg.Addr, seg.MemSize, err)
		}
		if err := mem.Write(seg.Addr, seg.Data); err != nil {
			return 0, fmt.Errorf("loader: segment @%#x: %w", seg.Addr, err)
		}
	}
	if _, ok := mem.Translate(img.Entry, 2); !ok {
		return 0, fmt.Errorf("loader: entry %#x is not in guest memory", img.Entry)
	}
	return img.Entry, nil
}

// Span returns the lowest and one-past-highest addresses the image covers.
func (img *Image) Span() (lo, hi uint64) {
	for i, seg := range img.Segments {
		end := seg.Addr + seg.MemSize
		if i == 0 || seg.Addr < lo {
			lo = seg.Addr
		}
		if end > hi {
			hi = end
		}
	}
	return lo, hi
}

// ParseELF reads a statically linked little-endian RISC-V ELF64
// executable.
func ParseELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("loader: open elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("loader: unsupported ELF class %s %s (want 64-bit little endian)", f.Class, f.Data)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("loader: unsupported ELF machine %s (want RISC-V)", f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("loader: unsupported ELF type %s (want a static executable)", f.Type)
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			return nil, errors.New("loader: dynamically linked executables are not supported")
		}
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("loader: segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) || prog.Vaddr+prog.Memsz < prog.Vaddr {
			return nil, fmt.Errorf("loader: segment @%#x size %#x exceeds host limits", prog.Vaddr, prog.Memsz)
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("loader: read segment @%#x: %w", prog.Off, err)
			}
		}
		img.Segments = append(img.Segments, Segment{Addr: prog.Vaddr, Data: data, MemSize: prog.Memsz})
	}
	if len(img.Segments) == 0 {
		return nil, errors.New("loader: ELF has no loadable segments")
	}
	if lo, hi := img.Span(); img.Entry < lo || img.Entry >= hi {
		return nil, fmt.Errorf("loader: entry %#x outside loaded span [%#x, %#x)", img.Entry, lo, hi)
	}

	// Static binaries without a symbol table are fine.
	if syms, err := f.Symbols(); err == nil {
		img.Symbols = make(map[string]uint64)
		for _, s := range syms {
			switch elf.ST_TYPE(s.Info) {
			case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
				if s.Name != "" && s.Value != 0 {
					img.Symbols[s.Name] = s.Value
				}
			}
		}
	}
	return img, nil
}

// Parse detects the format of data: ELF files are parsed, anything else
// is a raw image at base.
func Parse(data []byte, base uint64) (*Image, error) {
	if bytes.HasPrefix(data, elfMagic) {
		return ParseELF(bytes.NewReader(data))
	}
	if len(data) == 0 {
		return nil, errors.New("loader: empty image")
	}
	return Raw(base, data), nil
}

// LoadFile reads path and parses it with Parse.
func LoadFile(path string, base uint64) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	return Parse(data, base)
}
