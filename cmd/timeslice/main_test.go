package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/rvjit/internal/timeslice"
)

func trace(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := timeslice.Open(&buf, timeslice.DefaultKinds())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Record(timeslice.Compile, 10*time.Millisecond)
	w.Record(timeslice.Native, 30*time.Millisecond)
	w.Record(timeslice.Native, 50*time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestPrintSums(t *testing.T) {
	var out bytes.Buffer
	if err := printSums(&out, bytes.NewReader(trace(t))); err != nil {
		t.Fatalf("printSums: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q, want 3", lines)
	}
	if !strings.Contains(lines[0], "native") || !strings.Contains(lines[0], "count=         2") {
		t.Fatalf("first line=%q, want native with two records", lines[0])
	}
	if !strings.Contains(lines[0], "88.89%") {
		t.Fatalf("first line=%q, want 88.89%% share", lines[0])
	}
	if !strings.Contains(lines[2], "90ms") {
		t.Fatalf("total line=%q", lines[2])
	}
}

func TestPrintRecords(t *testing.T) {
	var out bytes.Buffer
	if err := printRecords(&out, bytes.NewReader(trace(t))); err != nil {
		t.Fatalf("printRecords: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 3 {
		t.Fatalf("records=%d, want 3:\n%s", n, out.String())
	}
}
