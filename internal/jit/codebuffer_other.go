//go:build !linux

package jit

// Without mmap the buffer is ordinary heap memory. It can hold emitted code
// for inspection but is never executed.

func pageSize() int { return 4096 }

func mapCode(size int) ([]byte, error) { return make([]byte, size), nil }

func protect([]byte, bool) error { return nil }

func unmapCode([]byte) error { return nil }
