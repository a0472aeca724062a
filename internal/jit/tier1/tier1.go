// Package tier1 is the first JIT tier: internal/tiercontrol promotes a
// hot block here once its execution count crosses the adaptive
// threshold. Tier-1 runs the shared JIT pass pipeline, synthesizes the
// live-in prologue, re-verifies, lowers to native code and installs it
// as RX-mapped executable memory — no loop-specific optimisation, that
// is tier-2's job.
package tier1

import (
	"fmt"

	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/ir/passes"
	"github.com/RunningShrimp/vmcore/internal/jit"
	"github.com/RunningShrimp/vmcore/internal/jit/codegen"
	"github.com/RunningShrimp/vmcore/internal/platform"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// Compile runs the full tier-1 pipeline over b and returns an
// executable CompiledBlock, or a *vmerr.Error wrapping
// vmerr.JitCompileBudget (block outside the tier-1 scope — caller
// should leave it on the interpreter) or vmerr.JitCodegenFailed /
// vmerr.JitAllocFailed for a failure partway through.
func Compile(b *ir.Block) (*jit.CompiledBlock, error) {
	if !jit.Eligible(b) {
		return nil, vmerr.New(vmerr.JitCompileBudget, fmt.Errorf("block at %s outside tier-1 scope", b.StartPC))
	}

	optimized := passes.Run(b)
	prepared, liveIns := jit.SynthesizePrologue(optimized)

	if err := ir.Verify(prepared); err != nil {
		return nil, vmerr.New(vmerr.JitCodegenFailed, err)
	}

	cb, err := codegen.Lower(prepared, liveIns)
	if err != nil {
		return nil, vmerr.New(vmerr.JitCodegenFailed, err)
	}

	mapped, err := platform.MmapCodeSegment(cb.Code)
	if err != nil {
		return nil, vmerr.New(vmerr.JitAllocFailed, err)
	}
	if err := platform.Protect(mapped, platform.ProtRead|platform.ProtExec); err != nil {
		_ = platform.MunmapCodeSegment(mapped)
		return nil, vmerr.New(vmerr.JitAllocFailed, err)
	}
	cb.Code = mapped
	return cb, nil
}

// Release unmaps a CompiledBlock's native code. Called by
// internal/codecache when an entry is evicted or shot down.
func Release(cb *jit.CompiledBlock) error {
	if len(cb.Code) == 0 {
		return nil
	}
	return platform.MunmapCodeSegment(cb.Code)
}
