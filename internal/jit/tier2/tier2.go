// Package tier2 is the second JIT tier: internal/tiercontrol promotes
// a block here once it has stayed hot well past the tier-1 threshold.
// Tier-2 adds two things tier-1 doesn't do — superblock formation
// across a chain of unconditionally-linked blocks, and fixed-factor
// unrolling of a block that jumps directly back to its own start — on
// top of the same pass pipeline and codegen tier-1 uses.
//
// What tier-2 deliberately does NOT add: redundant-load elimination
// and call inlining, both mentioned as aspirational tier-2 work while
// this package was being scoped, are not implemented. Both need
// OpLoadExt/OpBranch in the compiled subset, and jit.Eligible excludes
// both for every tier (see internal/jit's doc comment on eligibleOps).
// Extending eligibility to loads needs an MMU-translation callout ABI
// from native code that does not exist yet; until it does, tier-2's
// gains come only from superblock formation and unrolling.
package tier2

import (
	"fmt"

	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/ir/passes"
	"github.com/RunningShrimp/vmcore/internal/jit"
	"github.com/RunningShrimp/vmcore/internal/jit/codegen"
	"github.com/RunningShrimp/vmcore/internal/platform"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// MaxUnroll bounds self-loop unrolling: past this trip count the code
// size growth stops paying for itself (and bounds compile latency,
// which internal/tiercontrol's budget tracks).
const MaxUnroll = 4

// CompileTrace lowers a chain of blocks already known to run
// back-to-back (b[i].Terminator is TermJump/TermFall targeting
// b[i+1].StartPC) as a single superblock, falling back to per-block
// tier-1-style compilation when the chain has only one block. Every
// block in the chain must individually satisfy jit.Eligible.
func CompileTrace(blocks []*ir.Block) (*jit.CompiledBlock, error) {
	if len(blocks) == 0 {
		return nil, vmerr.New(vmerr.JitCompileBudget, fmt.Errorf("tier2: empty trace"))
	}
	for _, b := range blocks {
		if !jit.Eligible(b) {
			return nil, vmerr.New(vmerr.JitCompileBudget, fmt.Errorf("tier2: block at %s outside scope", b.StartPC))
		}
	}

	merged := mergeChain(blocks)
	if isSelfLoop(merged) {
		merged = unroll(merged, MaxUnroll)
	}
	return lowerAndInstall(merged)
}

// mergeChain concatenates every block's Ops in order and keeps only
// the final block's Terminator — sound because each intermediate
// block's own Terminator (TermFall/TermJump into the next block's
// StartPC) carries no side effect beyond the control transfer itself,
// which collapsing the chain makes implicit.
func mergeChain(blocks []*ir.Block) *ir.Block {
	if len(blocks) == 1 {
		return blocks[0]
	}
	var ops []ir.Op
	for _, b := range blocks {
		ops = append(ops, b.Ops...)
	}
	last := blocks[len(blocks)-1]
	return &ir.Block{StartPC: blocks[0].StartPC, Ops: ops, Terminator: last.Terminator}
}

func isSelfLoop(b *ir.Block) bool {
	return b.Terminator.Kind == ir.TermJump && b.Terminator.Target == b.StartPC
}

// unroll duplicates a self-looping block's body factor-1 additional
// times, leaving the final copy's back-edge intact — this trades code
// size for fewer native-call round trips per loop iteration executed,
// without changing which guest instructions run.
func unroll(b *ir.Block, factor int) *ir.Block {
	if factor < 1 {
		factor = 1
	}
	ops := make([]ir.Op, 0, len(b.Ops)*factor)
	for i := 0; i < factor; i++ {
		ops = append(ops, b.Ops...)
	}
	return &ir.Block{StartPC: b.StartPC, Ops: ops, Terminator: b.Terminator}
}

func lowerAndInstall(b *ir.Block) (*jit.CompiledBlock, error) {
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

// Release unmaps a CompiledBlock's native code.
func Release(cb *jit.CompiledBlock) error {
	if len(cb.Code) == 0 {
		return nil
	}
	return platform.MunmapCodeSegment(cb.Code)
}
