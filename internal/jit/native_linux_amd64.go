//go:build linux && amd64

package jit

import "github.com/tinyrange/rvjit/internal/asm/amd64"

const nativeSupported = true

// callNative runs the trampoline at fn, which jumps to entry with ctx and
// mem in RDI and RSI.
func callNative(fn, ctx, mem, entry uintptr) exitReason {
	return exitReason(amd64.CallNative(fn, ctx, mem, entry))
}
