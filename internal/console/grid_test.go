package console

import "testing"

func TestNewGrid(t *testing.T) {
	tests := []struct {
		name     string
		cols     int
		rows     int
		wantCols int
		wantRows int
	}{
		{"normal", 80, 25, 80, 25},
		{"zero cols", 0, 25, 1, 25},
		{"negative", -5, -10, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGrid(tt.cols, tt.rows)
			if cols, rows := g.Size(); cols != tt.wantCols || rows != tt.wantRows {
				t.Fatalf("size=(%d,%d), want (%d,%d)", cols, rows, tt.wantCols, tt.wantRows)
			}
			if g.DirtyCount() != tt.wantCols*tt.wantRows {
				t.Fatalf("new grid dirty=%d, want every cell", g.DirtyCount())
			}
		})
	}
}

func TestGridSetCell(t *testing.T) {
	g := NewGrid(10, 10)
	g.ClearDirty()
	if !g.SetCell(5, 5, "A", 1) {
		t.Fatalf("first SetCell reported no change")
	}
	if g.SetCell(5, 5, "A", 1) {
		t.Fatalf("identical SetCell reported a change")
	}
	if g.SetCell(-1, 5, "X", 1) || g.CellAt(10, 0) != nil {
		t.Fatalf("out of bounds access succeeded")
	}
	if !g.IsDirty(5, 5) || g.DirtyCount() != 1 {
		t.Fatalf("dirty=%d, want only (5,5)", g.DirtyCount())
	}
	if c := g.CellAt(5, 5); c.Content != "A" || c.Width != 1 {
		t.Fatalf("cell=%+v", *c)
	}
}

func TestGridResizeKeepsContent(t *testing.T) {
	g := NewGrid(4, 2)
	g.SetCell(1, 1, "x", 1)
	g.SetCell(3, 0, "y", 1)
	g.ClearDirty()
	g.Resize(2, 3)
	if c := g.CellAt(1, 1); c.Content != "x" {
		t.Fatalf("cell (1,1)=%q, want x", c.Content)
	}
	if g.DirtyCount() != 6 {
		t.Fatalf("dirty after resize=%d, want 6", g.DirtyCount())
	}
	if got := g.String(); got != "\n x" {
		t.Fatalf("String=%q", got)
	}
}

func TestGridDirtyRegions(t *testing.T) {
	g := NewGrid(10, 3)
	g.ClearDirty()
	g.SetCell(2, 0, "a", 1)
	g.SetCell(3, 0, "b", 1)
	g.SetCell(4, 0, "c", 1)
	g.SetCell(7, 0, "d", 1)
	g.SetCell(0, 2, "e", 1)
	got := g.DirtyRegions()
	want := []DirtyRegion{{2, 0, 3}, {7, 0, 1}, {0, 2, 1}}
	if len(got) != len(want) {
		t.Fatalf("regions=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("region %d=%v, want %v", i, got[i], want[i])
		}
	}
	if g.Text(2, 0, 6) != "abc  d" {
		t.Fatalf("Text=%q", g.Text(2, 0, 6))
	}
}

func TestGridWideText(t *testing.T) {
	g := NewGrid(4, 1)
	g.SetCell(0, 0, "世", 2)
	g.SetCell(1, 0, "", 0)
	g.SetCell(2, 0, "!", 1)
	if got := g.String(); got != "世!" {
		t.Fatalf("String=%q, want %q", got, "世!")
	}
}

func BenchmarkGridSync(b *testing.B) {
	g := NewGrid(80, 25)
	for i := 0; i < b.N; i++ {
		for y := 0; y < 25; y++ {
			for x := 0; x < 80; x++ {
				g.SetCell(x, y, "x", 1)
			}
		}
		g.DirtyRegions()
		g.ClearDirty()
	}
}
