//go:build linux

package jit

import "golang.org/x/sys/unix"

func pageSize() int { return unix.Getpagesize() }

func mapCode(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func protect(mem []byte, exec bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if exec {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	return unix.Mprotect(mem, prot)
}

func unmapCode(mem []byte) error { return unix.Munmap(mem) }
