// Package console gives the guest a terminal: output is interpreted by a VT
// emulator whose screen can be snapshotted, keyboard input flows back to the
// guest, and an MMIO text surface can be mirrored onto a host terminal.
package console

import (
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	DefaultCols = 80
	DefaultRows = 25
)

// Console is an io.Writer for guest output backed by a VT emulator. All
// methods are safe for concurrent use.
type Console struct {
	emu     *vt.SafeEmulator
	onInput func([]byte)

	mu   sync.Mutex
	grid *Grid

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a cols x rows console. Bytes the emulator produces for the
// guest (typed text and keys) are passed to onInput, which may be nil.
func New(cols, rows int, onInput func([]byte)) *Console {
	if cols < 1 {
		cols = DefaultCols
	}
	if rows < 1 {
		rows = DefaultRows
	}
	emu := vt.NewSafeEmulator(cols, rows)
	swallowTerminalReplies(emu)
	c := &Console{
		emu:     emu,
		onInput: onInput,
		grid:    NewGrid(cols, rows),
		done:    make(chan struct{}),
	}
	go c.pump()
	return c
}

// swallowTerminalReplies stops the emulator from answering status and
// attribute queries. A guest that echoes its input would otherwise see the
// replies as typed text.
func swallowTerminalReplies(emu *vt.SafeEmulator) {
	status := func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	}
	emu.RegisterCsiHandler('n', status)
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	attrs := func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	}
	emu.RegisterCsiHandler('c', attrs)
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), attrs)
}

// pump forwards emulator input to onInput until the console closes. The
// emulator's input side is a pipe, so it must always be drained.
func (c *Console) pump() {
	defer close(c.done)
	buf := make([]byte, 4096)
	for {
		n, err := c.emu.Read(buf)
		if n > 0 && c.onInput != nil {
			c.onInput(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

// Write feeds guest output into the emulator.
func (c *Console) Write(p []byte) (int, error) { return c.emu.Write(p) }

// SendText types s as if entered on a keyboard.
func (c *Console) SendText(s string) { c.emu.SendText(s) }

func (c *Console) Size() (cols, rows int) { return c.emu.Width(), c.emu.Height() }

func (c *Console) Resize(cols, rows int) {
	c.emu.Resize(cols, rows)
	c.mu.Lock()
	c.grid.Resize(cols, rows)
	c.mu.Unlock()
}

// Cursor returns the cursor's cell position.
func (c *Console) Cursor() (x, y int) {
	pos := c.emu.CursorPosition()
	return pos.X, pos.Y
}

// sync copies the emulator screen into the grid and returns how many cells
// changed. mu must be held.
func (c *Console) sync() int {
	changed := 0
	cols, rows := c.grid.Size()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; {
			content, w := " ", 1
			if cell := c.emu.CellAt(x, y); cell != nil && cell.Content != "" {
				content = cell.Content
				w = max(cell.Width, 1)
			}
			if c.grid.SetCell(x, y, content, w) {
				changed++
			}
			for i := 1; i < w; i++ {
				if c.grid.SetCell(x+i, y, "", 0) {
					changed++
				}
			}
			x += w
		}
	}
	return changed
}

// Snapshot returns the visible screen as text, one line per row with
// trailing blanks removed.
func (c *Console) Snapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync()
	return c.grid.String()
}

// Render draws the screen cells that changed since the previous Render onto
// w using cursor addressing. The first call draws everything.
func (c *Console) Render(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync()
	return renderDirty(w, c.grid)
}

// Close stops the emulator and waits for the input pump to exit.
func (c *Console) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.emu.Close()
		<-c.done
	})
	return err
}
