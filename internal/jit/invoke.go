package jit

import (
	"unsafe"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// RegFile is the fixed-layout register array CompiledBlock.Code reads
// and writes through a raw pointer. Index i holds ir.RegId(i)'s value;
// indices at or above RegFileSlots are never produced by Eligible
// blocks (see jit.go) and are simply unused padding otherwise.
type RegFile [RegFileSlots]uint64

// Outcome is the host-resolved result of one CompiledBlock invocation:
// either the block's own Terminator applies, or side-exit Target is
// where execution continues.
type Outcome struct {
	Terminator ir.Terminator // valid when SideExit is false
	Target     addr.GuestAddr
	SideExit   bool
}

// Invoke runs a CompiledBlock's native code against regs (read before
// the call, written back after) and resolves the raw exit index into
// an Outcome. Returns vmerr.PlatformUnsupported on a host this package
// has no nativecall trampoline for.
func Invoke(cb *CompiledBlock, regs *RegFile) (Outcome, error) {
	if !nativeCallSupported {
		return Outcome{}, vmerr.New(vmerr.PlatformUnsupported, nil)
	}
	if len(cb.Code) == 0 {
		return Outcome{}, vmerr.New(vmerr.JitCodegenFailed, nil)
	}
	idx := nativecall(uintptr(unsafe.Pointer(&cb.Code[0])), uintptr(unsafe.Pointer(regs)))
	if idx == 0 {
		return Outcome{Terminator: cb.Terminator}, nil
	}
	i := int(idx) - 1
	if i < 0 || i >= len(cb.Exits) {
		return Outcome{}, vmerr.New(vmerr.Internal, nil)
	}
	return Outcome{SideExit: true, Target: cb.Exits[i]}, nil
}
