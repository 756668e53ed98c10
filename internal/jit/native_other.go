//go:build !(linux && amd64)

package jit

const nativeSupported = false

func callNative(fn, ctx, mem, entry uintptr) exitReason {
	panic("jit: native execution requires linux/amd64")
}
