package console

import "strings"

// Cell is one character position on a screen.
type Cell struct {
	Content string
	Width   int
}

// Grid is a screen of cells with per-cell dirty tracking, so renderers can
// redraw only what changed.
type Grid struct {
	cells []Cell
	dirty []bool
	cols  int
	rows  int
}

func NewGrid(cols, rows int) *Grid {
	g := &Grid{}
	g.Resize(cols, rows)
	return g
}

func (g *Grid) Size() (cols, rows int) { return g.cols, g.rows }

// Resize changes the dimensions, keeping the overlapping content. Every
// cell is dirty afterwards.
func (g *Grid) Resize(cols, rows int) {
	cols, rows = max(cols, 1), max(rows, 1)
	if cols == g.cols && rows == g.rows {
		return
	}
	cells := make([]Cell, cols*rows)
	for y := 0; y < min(rows, g.rows); y++ {
		copy(cells[y*cols:y*cols+min(cols, g.cols)], g.cells[y*g.cols:])
	}
	g.cells = cells
	g.dirty = make([]bool, cols*rows)
	g.cols, g.rows = cols, rows
	g.MarkAllDirty()
}

func (g *Grid) in(x, y int) bool { return x >= 0 && x < g.cols && y >= 0 && y < g.rows }

// CellAt returns the cell at (x, y), or nil out of bounds.
func (g *Grid) CellAt(x, y int) *Cell {
	if !g.in(x, y) {
		return nil
	}
	return &g.cells[y*g.cols+x]
}

// SetCell stores a cell and reports whether it changed.
func (g *Grid) SetCell(x, y int, content string, width int) bool {
	if !g.in(x, y) {
		return false
	}
	i := y*g.cols + x
	c := Cell{Content: content, Width: width}
	if g.cells[i] == c {
		return false
	}
	g.cells[i] = c
	g.dirty[i] = true
	return true
}

func (g *Grid) IsDirty(x, y int) bool { return g.in(x, y) && g.dirty[y*g.cols+x] }

func (g *Grid) MarkAllDirty() {
	for i := range g.dirty {
		g.dirty[i] = true
	}
}

func (g *Grid) ClearDirty() { clear(g.dirty) }

func (g *Grid) DirtyCount() int {
	n := 0
	for _, d := range g.dirty {
		if d {
			n++
		}
	}
	return n
}

// DirtyRegion is a run of dirty cells on one row.
type DirtyRegion struct {
	X, Y  int
	Width int
}

// DirtyRegions returns the dirty runs in row-major order.
func (g *Grid) DirtyRegions() []DirtyRegion {
	var regions []DirtyRegion
	for y := 0; y < g.rows; y++ {
		row := g.dirty[y*g.cols : (y+1)*g.cols]
		for x := 0; x < g.cols; {
			if !row[x] {
				x++
				continue
			}
			start := x
			for x < g.cols && row[x] {
				x++
			}
			regions = append(regions, DirtyRegion{X: start, Y: y, Width: x - start})
		}
	}
	return regions
}

// Text renders cells [x, x+n) of row y. Empty cells read as spaces; the
// trailing halves of wide characters are skipped.
func (g *Grid) Text(x, y, n int) string {
	var b strings.Builder
	for i := x; i < x+n && g.in(i, y); i++ {
		c := g.cells[y*g.cols+i]
		switch {
		case c.Content == "" && c.Width == 0 && i > 0 && g.cells[y*g.cols+i-1].Width > 1:
		case c.Content == "":
			b.WriteByte(' ')
		default:
			b.WriteString(c.Content)
		}
	}
	return b.String()
}

// String returns the screen as lines with trailing blanks removed.
func (g *Grid) String() string {
	lines := make([]string, g.rows)
	for y := range lines {
		lines[y] = strings.TrimRight(g.Text(0, y, g.cols), " ")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
