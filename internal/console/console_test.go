package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
)

func TestConsoleSnapshot(t *testing.T) {
	c := New(20, 4, nil)
	defer c.Close()

	if _, err := c.Write([]byte("hello\r\nworld\x1b[1;3HX")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, want := c.Snapshot(), "heXlo\nworld"; got != want {
		t.Fatalf("snapshot=%q, want %q", got, want)
	}
	if x, y := c.Cursor(); x != 3 || y != 0 {
		t.Fatalf("cursor=(%d,%d), want (3,0)", x, y)
	}
}

func TestConsoleInput(t *testing.T) {
	got := make(chan []byte, 8)
	c := New(20, 4, func(b []byte) { got <- b })
	defer c.Close()

	// A cursor position query must not produce a reply ahead of the typed
	// text.
	c.Write([]byte("\x1b[6n"))
	c.SendText("z")
	select {
	case b := <-got:
		if string(b) != "z" {
			t.Fatalf("first input=%q, want %q", b, "z")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no input forwarded")
	}
}

func TestConsoleRender(t *testing.T) {
	c := New(10, 2, nil)
	defer c.Close()
	c.Write([]byte("ab"))

	var out bytes.Buffer
	if err := c.Render(&out); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(out.String(), ansi.CursorPosition(1, 1)+"ab") {
		t.Fatalf("first render=%q", out.String())
	}
	out.Reset()
	c.Render(&out)
	if out.Len() != 0 {
		t.Fatalf("render without changes wrote %q", out.String())
	}
	c.Write([]byte("c"))
	c.Render(&out)
	if out.String() != ansi.CursorPosition(3, 1)+"c" {
		t.Fatalf("incremental render=%q", out.String())
	}
}

func TestSurface(t *testing.T) {
	s := NewSurface(4, 2)
	if s.Len() != 8 {
		t.Fatalf("len=%d, want 8", s.Len())
	}
	window := make([]byte, 16)
	copy(window, "hi\x00\x07ok")
	s.Sync(window)
	if got := s.String(); got != "hi\nok" {
		t.Fatalf("screen=%q, want %q", got, "hi\nok")
	}

	var out bytes.Buffer
	s.Render(&out)
	want := ansi.CursorPosition(1, 1) + "hi  " + ansi.CursorPosition(1, 2) + "ok  "
	if out.String() != want {
		t.Fatalf("render=%q, want %q", out.String(), want)
	}

	window[5] = 'K'
	if n := s.Sync(window); n != 1 {
		t.Fatalf("changed=%d, want 1", n)
	}
	out.Reset()
	s.Render(&out)
	if out.String() != ansi.CursorPosition(2, 2)+"K" {
		t.Fatalf("incremental render=%q", out.String())
	}
}
