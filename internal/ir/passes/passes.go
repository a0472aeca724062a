// Package passes implements the JIT-only optimisation pipeline:
// dead-code elimination, constant folding, copy propagation and local
// common-subexpression elimination. internal/ir.Peephole runs on every
// block including ones that never leave tier-0; these passes run only
// on blocks internal/tiercontrol has already decided to promote, right
// before internal/jit/codegen lowers them to native code.
package passes

import "github.com/RunningShrimp/vmcore/internal/ir"

// Pass transforms a Block, returning a new Block (inputs are never
// mutated in place, matching ir.Block's own immutability contract).
type Pass func(*ir.Block) *ir.Block

// Pipeline is the fixed tier-1/tier-2 pass order: fold first (exposes
// dead stores and redundant subexpressions folding can create), then
// copy-propagate, then CSE, then a final DCE sweep to remove whatever
// the earlier passes stranded.
var Pipeline = []Pass{
	ConstantFold,
	CopyPropagate,
	LocalCSE,
	DeadCodeElimination,
}

// Run applies every pass in Pipeline in order.
func Run(b *ir.Block) *ir.Block {
	for _, p := range Pipeline {
		b = p(b)
	}
	return b
}

// ConstantFold replaces BinaryOp/SignExtend/ZeroExtend ops whose inputs
// are all immediates with an equivalent Move. It runs first in
// Pipeline, so it sees only the immediates already present in the block
// it is given; operands that CopyPropagate later turns into immediates
// are not folded within the same Run.
func ConstantFold(b *ir.Block) *ir.Block {
	ops := make([]ir.Op, 0, len(b.Ops))
	for _, op := range b.Ops {
		switch op.Kind {
		case ir.OpBinary:
			if op.Lhs.Kind == ir.OperandImm && op.Rhs.Kind == ir.OperandImm {
				if v, ok := foldBinOp(op.BinOp, op.Lhs.Imm, op.Rhs.Imm); ok {
					ops = append(ops, ir.Op{Kind: ir.OpMove, Dest: op.Dest, Value: ir.Imm(v)})
					continue
				}
			}
		case ir.OpSignExtend:
			if op.Value.Kind == ir.OperandImm {
				v := signExtendWidth(op.Value.Imm, op.SrcWidth, op.DstWidth)
				ops = append(ops, ir.Op{Kind: ir.OpMove, Dest: op.Dest, Value: ir.Imm(v)})
				continue
			}
		case ir.OpZeroExtend:
			if op.Value.Kind == ir.OperandImm {
				v := zeroExtendWidth(op.Value.Imm, op.SrcWidth)
				ops = append(ops, ir.Op{Kind: ir.OpMove, Dest: op.Dest, Value: ir.Imm(v)})
				continue
			}
		}
		ops = append(ops, op)
	}
	return &ir.Block{StartPC: b.StartPC, Ops: ops, Terminator: b.Terminator}
}

// CopyPropagate substitutes Reg(x) operands with the operand x was last
// assigned from, when that assignment was itself a plain Move — so a
// chain like `r2 = move r1; r3 = add r2, 1` becomes directly usable as
// `r3 = add r1, 1` once DeadCodeElimination also gets a chance to drop
// the now-unused r2 def.
func CopyPropagate(b *ir.Block) *ir.Block {
	copies := make(map[ir.RegId]ir.Operand)
	subst := func(o ir.Operand) ir.Operand {
		if o.Kind == ir.OperandReg {
			if v, ok := copies[o.Reg]; ok {
				return v
			}
		}
		return o
	}

	ops := make([]ir.Op, 0, len(b.Ops))
	for _, op := range b.Ops {
		switch op.Kind {
		case ir.OpBinary:
			op.Lhs = subst(op.Lhs)
			op.Rhs = subst(op.Rhs)
		case ir.OpLoadExt:
			op.Addr = substAddr(subst, op.Addr)
		case ir.OpStoreExt:
			op.Addr = substAddr(subst, op.Addr)
			op.Value = subst(op.Value)
		case ir.OpMove, ir.OpSignExtend, ir.OpZeroExtend:
			op.Value = subst(op.Value)
		case ir.OpCondBranch:
			op.CondLhs = subst(op.CondLhs)
			op.CondRhs = subst(op.CondRhs)
		case ir.OpCallIntrinsic:
			for i, a := range op.Args {
				op.Args[i] = subst(a)
			}
		}

		delete(copies, op.Dest) // any redefinition invalidates a prior copy-of record for Dest.
		if op.Kind == ir.OpMove && (op.Value.Kind == ir.OperandReg || op.Value.Kind == ir.OperandImm) {
			copies[op.Dest] = op.Value
		}
		ops = append(ops, op)
	}
	return &ir.Block{StartPC: b.StartPC, Ops: ops, Terminator: b.Terminator}
}

// substAddr only rewrites non-Mem addresses (register-indirect LoadExt
// is expressed via Operand itself, not via Mem — Mem's Base is a bare
// RegId with no immediate-folding case worth the complexity here).
func substAddr(subst func(ir.Operand) ir.Operand, addr ir.Operand) ir.Operand {
	if addr.Kind == ir.OperandMem {
		return addr
	}
	return subst(addr)
}

// LocalCSE deduplicates pure BinaryOp computations that recur verbatim
// (same BinOp, same operands) within a block with no intervening
// redefinition of either operand, replacing the second occurrence with
// a Move from the first's result register.
func LocalCSE(b *ir.Block) *ir.Block {
	type key struct {
		op       ir.BinOp
		lhs, rhs ir.Operand
	}
	seen := make(map[key]ir.RegId)
	ops := make([]ir.Op, 0, len(b.Ops))

	invalidate := func(reg ir.RegId) {
		for k, dst := range seen {
			if dst == reg || operandUses(k.lhs, reg) || operandUses(k.rhs, reg) {
				delete(seen, k)
			}
		}
	}

	for _, op := range b.Ops {
		if op.Kind == ir.OpBinary && isPureBinOp(op.BinOp) {
			k := key{op.BinOp, op.Lhs, op.Rhs}
			if prior, ok := seen[k]; ok {
				ops = append(ops, ir.Op{Kind: ir.OpMove, Dest: op.Dest, Value: ir.Reg(prior)})
				invalidate(op.Dest)
				continue
			}
			invalidate(op.Dest)
			if !operandUses(op.Lhs, op.Dest) && !operandUses(op.Rhs, op.Dest) {
				seen[k] = op.Dest
			}
		} else {
			invalidate(op.Dest)
		}
		ops = append(ops, op)
	}
	return &ir.Block{StartPC: b.StartPC, Ops: ops, Terminator: b.Terminator}
}

func operandUses(o ir.Operand, reg ir.RegId) bool {
	return (o.Kind == ir.OperandReg && o.Reg == reg) || (o.Kind == ir.OperandMem && o.Base == reg)
}

// isPureBinOp excludes division/remainder from CSE: a division by zero
// observed once and then elided on a "duplicate" that in fact sits
// after a divisor was changed back would be unsound if the divisor
// operand comparison ever mis-keyed identical-looking but differently-
// timed zero divisors. Division is rare enough in decoded guest code
// that skipping CSE for it costs nothing in practice.
func isPureBinOp(op ir.BinOp) bool {
	switch op {
	case ir.UDiv, ir.SDiv, ir.URem, ir.SRem:
		return false
	default:
		return true
	}
}

// DeadCodeElimination removes pure defs whose result is never used
// again in the block and never escapes through the terminator,
// iterating to a fixed point so that removing one dead def can expose
// another (e.g. CSE leaving behind a now-solely-self-referential Move
// chain).
func DeadCodeElimination(b *ir.Block) *ir.Block {
	ops := b.Ops
	for {
		next, changed := dceOnePass(ops, b.Terminator)
		if !changed {
			return &ir.Block{StartPC: b.StartPC, Ops: next, Terminator: b.Terminator}
		}
		ops = next
	}
}

func dceOnePass(ops []ir.Op, term ir.Terminator) ([]ir.Op, bool) {
	used := make(map[ir.RegId]bool)
	mark := func(o ir.Operand) {
		if o.Kind == ir.OperandReg {
			used[o.Reg] = true
		} else if o.Kind == ir.OperandMem {
			used[o.Base] = true
		}
	}
	markTerm := func(t ir.Terminator) {
		if t.IndirectTarget.Kind == ir.OperandReg {
			used[t.IndirectTarget.Reg] = true
		} else if t.IndirectTarget.Kind == ir.OperandMem {
			used[t.IndirectTarget.Base] = true
		}
	}
	markTerm(term)
	for _, op := range ops {
		switch op.Kind {
		case ir.OpBinary:
			mark(op.Lhs)
			mark(op.Rhs)
		case ir.OpLoadExt, ir.OpStoreExt:
			mark(op.Addr)
			mark(op.Value)
		case ir.OpMove, ir.OpSignExtend, ir.OpZeroExtend:
			mark(op.Value)
		case ir.OpCondBranch:
			mark(op.CondLhs)
			mark(op.CondRhs)
		case ir.OpCallIntrinsic:
			for _, a := range op.Args {
				mark(a)
			}
		}
	}

	out := make([]ir.Op, 0, len(ops))
	changed := false
	for _, op := range ops {
		if isPureDef(op) && !used[op.Dest] {
			changed = true
			continue
		}
		out = append(out, op)
	}
	return out, changed
}

func isPureDef(op ir.Op) bool {
	switch op.Kind {
	case ir.OpBinary, ir.OpMove, ir.OpSignExtend, ir.OpZeroExtend:
		return true
	default:
		return false
	}
}

func foldBinOp(op ir.BinOp, lhs, rhs uint64) (uint64, bool) {
	switch op {
	case ir.Add:
		return lhs + rhs, true
	case ir.Sub:
		return lhs - rhs, true
	case ir.Mul:
		return lhs * rhs, true
	case ir.And:
		return lhs & rhs, true
	case ir.Or:
		return lhs | rhs, true
	case ir.Xor:
		return lhs ^ rhs, true
	case ir.Shl:
		return lhs << (rhs & 63), true
	case ir.Shr:
		return lhs >> (rhs & 63), true
	case ir.Sar:
		return uint64(int64(lhs) >> (rhs & 63)), true
	case ir.UDiv:
		if rhs == 0 {
			return 0, false
		}
		return lhs / rhs, true
	case ir.SDiv:
		if rhs == 0 {
			return 0, false
		}
		return uint64(int64(lhs) / int64(rhs)), true
	case ir.URem:
		if rhs == 0 {
			return 0, false
		}
		return lhs % rhs, true
	case ir.SRem:
		if rhs == 0 {
			return 0, false
		}
		return uint64(int64(lhs) % int64(rhs)), true
	case ir.Rotl:
		n := rhs & 63
		return lhs<<n | lhs>>(64-n), true
	case ir.Rotr:
		n := rhs & 63
		return lhs>>n | lhs<<(64-n), true
	case ir.CmpEq:
		return boolU64(lhs == rhs), true
	case ir.CmpNe:
		return boolU64(lhs != rhs), true
	case ir.CmpULt:
		return boolU64(lhs < rhs), true
	case ir.CmpSLt:
		return boolU64(int64(lhs) < int64(rhs)), true
	case ir.CmpUGe:
		return boolU64(lhs >= rhs), true
	case ir.CmpSGe:
		return boolU64(int64(lhs) >= int64(rhs)), true
	default:
		return 0, false
	}
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func signExtendWidth(v uint64, src, dst ir.Width) uint64 {
	shift := 64 - uint(src)
	signExtended := uint64(int64(v<<shift) >> shift)
	if dst >= 64 {
		return signExtended
	}
	return signExtended & (1<<uint(dst) - 1)
}

func zeroExtendWidth(v uint64, src ir.Width) uint64 {
	if src >= 64 {
		return v
	}
	return v & (1<<uint(src) - 1)
}
