//go:build linux && amd64

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/rvjit/internal/rv64"
)

func TestFuzzerAgrees(t *testing.T) {
	f, err := newFuzzer(1, 0, false)
	if err != nil {
		t.Fatalf("newFuzzer: %v", err)
	}
	defer f.Close()
	f.length = 30
	f.limit = 5000
	for seed := int64(1); seed <= 25; seed++ {
		if err := f.once(seed); err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
	}
}

func TestFuzzerAgreesCompressedCalls(t *testing.T) {
	f, err := newFuzzer(1, 8, true)
	if err != nil {
		t.Fatalf("newFuzzer: %v", err)
	}
	defer f.Close()
	f.length = 20
	f.limit = 20000
	f.calls = true
	for seed := int64(1); seed <= 25; seed++ {
		if err := f.once(seed); err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
	}
}

func TestSameError(t *testing.T) {
	fault := &rv64.Fault{Kind: rv64.Unaligned, Access: rv64.AccessLoad, PC: 4, Addr: 9, Width: 4}
	tests := []struct {
		a, b error
		want bool
	}{
		{nil, nil, true},
		{nil, rv64.ErrHalt, false},
		{fmt.Errorf("vm: %w", fault), fault, true},
		{fault, &rv64.Fault{Kind: rv64.Unaligned, Access: rv64.AccessLoad, PC: 4, Addr: 10, Width: 4}, false},
		{rv64.ErrHalt, fmt.Errorf("x: %w", rv64.ErrHalt), true},
		{rv64.ErrHalt, errors.New("other"), false},
	}
	for i, tt := range tests {
		if got := sameError(tt.a, tt.b); got != tt.want {
			t.Fatalf("case %d: sameError=%v, want %v", i, got, tt.want)
		}
	}
}
