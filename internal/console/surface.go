package console

import (
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Surface is a text screen the guest draws by storing into an MMIO window:
// one byte per cell, row-major, starting at the window's first byte.
// Non-printable bytes show as blanks.
type Surface struct {
	grid *Grid
}

func NewSurface(cols, rows int) *Surface {
	if cols < 1 {
		cols = DefaultCols
	}
	if rows < 1 {
		rows = DefaultRows
	}
	return &Surface{grid: NewGrid(cols, rows)}
}

// Len is the number of window bytes the surface reads.
func (s *Surface) Len() int {
	cols, rows := s.grid.Size()
	return cols * rows
}

// Sync reads window into the screen and returns how many cells changed.
// A window shorter than Len leaves the remaining cells untouched.
func (s *Surface) Sync(window []byte) int {
	cols, _ := s.grid.Size()
	n := min(len(window), s.Len())
	changed := 0
	for i := 0; i < n; i++ {
		ch := window[i]
		if ch < 0x20 || ch >= 0x7f {
			ch = ' '
		}
		if s.grid.SetCell(i%cols, i/cols, string(rune(ch)), 1) {
			changed++
		}
	}
	return changed
}

// Render draws cells changed since the previous Render onto w.
func (s *Surface) Render(w io.Writer) error { return renderDirty(w, s.grid) }

func (s *Surface) String() string { return s.grid.String() }

func renderDirty(w io.Writer, g *Grid) error {
	regions := g.DirtyRegions()
	g.ClearDirty()
	if len(regions) == 0 {
		return nil
	}
	var b strings.Builder
	for _, r := range regions {
		b.WriteString(ansi.CursorPosition(r.X+1, r.Y+1))
		b.WriteString(g.Text(r.X, r.Y, r.Width))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
