//go:build !amd64

package jit

// nativecall has no implementation outside amd64: the teacher's own
// nativecall .s bodies for arm64/riscv64 were not present in the
// retrieved pack, and hand-deriving a new calling-convention stub for
// an architecture nothing here exercises is a correctness risk with no
// corpus precedent to check it against. Invoke checks
// nativeCallSupported before ever reaching this path.
func nativecall(codeSegment, regFile uintptr) uint64 {
	panic("jit: nativecall unsupported on this GOARCH")
}

const nativeCallSupported = false
