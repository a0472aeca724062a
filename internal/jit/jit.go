// Package jit holds the tiered native-code compiler and the ABI its
// output runs under. internal/jit/tier1 and internal/jit/tier2 do the
// actual lowering (ir.Block -> machine code via internal/asm); this
// package defines the shared CompiledBlock representation, the
// eligibility scope both tiers compile against, and the live-in
// prologue trick that lets a JIT-compiled block satisfy ir.Verify
// despite reading architectural state the block itself never defines.
package jit

import (
	"encoding/binary"
	"fmt"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
)

// RegFileSlots bounds the fixed-offset register file a compiled
// block's native code indexes into: every frontend assigns
// architectural RegIds below 32 (see internal/frontend's use of 5-bit
// instruction fields), so 64 leaves headroom for lifter temporaries
// without the ABI needing a dynamic register count.
const RegFileSlots = 64

// CompiledBlock is the host-side record alongside a native code
// buffer: everything the interpreter needs to interpret the small
// integer nativecall returns without the native code itself ever
// touching a guest address.
//
// The native code's entire contract is: read/write RegFile[0:RegFileSlots]
// through the pointer handed to it, then return an index — 0 means it
// ran off the end into the block's own Terminator, and the caller
// should resolve that the same way it always resolves a Terminator.
// Index i (1 <= i <= len(Exits)) means the i-th OpCondBranch in
// compilation order fired and diverted control before the Terminator
// was reached, and the caller resolves control flow using Exits[i-1]
// instead.
type CompiledBlock struct {
	Code       []byte // RX-mapped once installed; RW during assembly.
	StartPC    addr.GuestAddr
	Terminator ir.Terminator
	Exits      []addr.GuestAddr
}

// EncodeMeta serialises everything in cb besides Code — internal/aot
// persists Code and this blob as two opaque byte slices side by side,
// with no knowledge of CompiledBlock's shape itself.
func EncodeMeta(cb *CompiledBlock) []byte {
	buf := make([]byte, 0, 1+8+8+4+8*len(cb.Exits))
	buf = append(buf, byte(cb.Terminator.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(cb.Terminator.Next))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(cb.Terminator.Target))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cb.Exits)))
	for _, e := range cb.Exits {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e))
	}
	return buf
}

// DecodeMeta rebuilds a CompiledBlock from code plus a meta blob
// produced by EncodeMeta. Eligible blocks never carry a TermIndirectJump
// terminator (see eligibleTerminators), so IndirectTarget is never
// round-tripped.
func DecodeMeta(startPC addr.GuestAddr, code, meta []byte) (*CompiledBlock, error) {
	if len(meta) < 1+8+8+4 {
		return nil, fmt.Errorf("jit: meta blob too short (%d bytes)", len(meta))
	}
	cb := &CompiledBlock{Code: code, StartPC: startPC}
	cb.Terminator.Kind = ir.TermKind(meta[0])
	cb.Terminator.Next = addr.GuestAddr(binary.LittleEndian.Uint64(meta[1:9]))
	cb.Terminator.Target = addr.GuestAddr(binary.LittleEndian.Uint64(meta[9:17]))
	n := binary.LittleEndian.Uint32(meta[17:21])
	off := 21
	if len(meta) < off+8*int(n) {
		return nil, fmt.Errorf("jit: meta blob truncated: wants %d exits, has %d bytes left", n, len(meta)-off)
	}
	cb.Exits = make([]addr.GuestAddr, n)
	for i := range cb.Exits {
		cb.Exits[i] = addr.GuestAddr(binary.LittleEndian.Uint64(meta[off : off+8]))
		off += 8
	}
	return cb, nil
}

// eligibleOps is the exhaustive tier-1 op scope. OpLoadExt/OpStoreExt
// (require an MMU translation call out of native code), OpBranch
// (guest calls — link-register bookkeeping), and OpCallIntrinsic
// (arbitrary host helper dispatch) all stay on the interpreter
// indefinitely: each would need either a native-to-Go callback ABI or
// indirect dispatch this package doesn't implement. This is a scope
// decision, not an oversight — see DESIGN.md.
var eligibleOps = map[ir.Kind]bool{
	ir.OpBinary:     true,
	ir.OpMove:       true,
	ir.OpSignExtend: true,
	ir.OpZeroExtend: true,
	ir.OpCondBranch: true,
}

// eligibleBinOps excludes Mul/UDiv/SDiv/URem/SRem/Rotl/Rotr/Cmp*: each
// of those either clobbers a register pair (DX:AX on amd64) or needs
// conditional-move/set sequences this package's lowering doesn't cover
// yet, and a silent miscompile from getting a clobber wrong is a worse
// outcome than falling back to the interpreter for those blocks.
var eligibleBinOps = map[ir.BinOp]bool{
	ir.Add: true,
	ir.Sub: true,
	ir.And: true,
	ir.Or:  true,
	ir.Xor: true,
	ir.Shl: true,
	ir.Shr: true,
	ir.Sar: true,
}

var eligibleTerminators = map[ir.TermKind]bool{
	ir.TermRet:  true,
	ir.TermFall: true,
	ir.TermJump: true,
}

// Eligible reports whether b is within tier-1's compilable subset.
// Blocks that fail this check keep running under the interpreter.
// internal/tiercontrol does not remember a failed compile: each later
// execution past a promotion threshold submits the block again, and
// that compile fails the same way.
func Eligible(b *ir.Block) bool {
	if !eligibleTerminators[b.Terminator.Kind] {
		return false
	}
	for _, op := range b.Ops {
		if !eligibleOps[op.Kind] {
			return false
		}
		if op.Kind == ir.OpBinary && !eligibleBinOps[op.BinOp] {
			return false
		}
	}
	return true
}

// LiveIns returns the set of RegIds b reads before (or without) ever
// writing them in-block — the architectural registers whose value
// must come from the host regfile at entry. Order is unspecified; the
// caller only needs set membership.
func LiveIns(b *ir.Block) []ir.RegId {
	defined := make(map[ir.RegId]bool)
	liveSet := make(map[ir.RegId]bool)
	use := func(o ir.Operand) {
		switch o.Kind {
		case ir.OperandReg:
			if !defined[o.Reg] {
				liveSet[o.Reg] = true
			}
		case ir.OperandMem:
			if !defined[o.Base] {
				liveSet[o.Base] = true
			}
		}
	}
	for _, op := range b.Ops {
		switch op.Kind {
		case ir.OpBinary:
			use(op.Lhs)
			use(op.Rhs)
		case ir.OpCondBranch:
			use(op.CondLhs)
			use(op.CondRhs)
		case ir.OpMove, ir.OpSignExtend, ir.OpZeroExtend:
			use(op.Value)
		}
		defined[op.Dest] = true
	}
	if b.Terminator.Kind == ir.TermIndirectJump {
		use(b.Terminator.IndirectTarget)
	}
	out := make([]ir.RegId, 0, len(liveSet))
	for r := range liveSet {
		out = append(out, r)
	}
	return out
}

// SynthesizePrologue prepends one placeholder Move per live-in
// register so the result satisfies ir.Verify's use-dominated-by-def
// rule. The Move's source is always Imm(0) — an Imm operand needs no
// definedness proof, so Verify accepts it unconditionally — the actual
// runtime meaning ("load this register's live-in value from the host
// regfile") lives only in codegen, which recognizes these synthesized
// ops by position (the first len(liveIns) ops) and lowers them to a
// regfile read instead of literally zeroing the register. Confined
// entirely to this package: internal/ir itself is never told about
// JIT-only prologue conventions.
func SynthesizePrologue(b *ir.Block) (prepared *ir.Block, liveIns []ir.RegId) {
	liveIns = LiveIns(b)
	if len(liveIns) == 0 {
		return b, nil
	}
	ops := make([]ir.Op, 0, len(liveIns)+len(b.Ops))
	for _, r := range liveIns {
		ops = append(ops, ir.Op{Kind: ir.OpMove, Dest: r, Value: ir.Imm(0)})
	}
	ops = append(ops, b.Ops...)
	return &ir.Block{StartPC: b.StartPC, Ops: ops, Terminator: b.Terminator}, liveIns
}
