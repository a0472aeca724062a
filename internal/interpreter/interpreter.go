// Package interpreter is the tier-0 execution engine: a direct,
// un-compiled walk over freshly-lifted ir.Block values. It is always
// correct and always available — every guest block runs here at least
// once before internal/tiercontrol ever considers promoting it to a
// JIT tier (spec.md §4.3).
//
// Grounded on the teacher's internal/engine/interpreter/interpreter.go
// callEngine: a flat per-instruction switch over a Kind tag, with an
// explicit stack discipline for calls. The teacher dispatches over
// WASM function/type indices against an operand stack; this dispatches
// over ir.Op against a persistent architectural register file, because
// guest ISA registers (unlike a WASM operand stack) are genuinely
// persistent state that outlives any one block.
package interpreter

import (
	"context"
	"errors"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/frontend"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/mmu"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// ErrStepBudgetExceeded is returned by Run when maxSteps is positive
// and exhausted without the guest program returning — a safety net for
// callers (principally tests) that don't want a runaway or looping
// guest block sequence to run forever.
var ErrStepBudgetExceeded = errors.New("interpreter: step budget exceeded")

// maxCallDepth bounds the interpreter's native recursion when following
// guest CALL/BL/JAL-with-link instructions, standing in for a guest
// stack overflow.
const maxCallDepth = 4096

// fetchWindow is how many bytes interpreter.Run asks the MMU for per
// decode; large enough to cover BlockSizeCap worth of the densest
// supported encoding (x86_64's 1-byte RET) comfortably while staying
// well under a page.
const fetchWindow = 512

// Interpreter holds the persistent architectural register file and MMU
// a single guest thread of execution runs against.
type Interpreter struct {
	m       *mmu.MMU
	decoder frontend.Decoder
	arch    frontend.Arch
	regs    map[ir.RegId]uint64
	depth   int
}

// New builds an Interpreter for arch, backed by m.
func New(m *mmu.MMU, arch frontend.Arch) (*Interpreter, error) {
	d, err := frontend.NewDecoder(arch)
	if err != nil {
		return nil, err
	}
	return &Interpreter{m: m, decoder: d, arch: arch, regs: make(map[ir.RegId]uint64)}, nil
}

// GetReg reads a register's current value (0 if never written).
func (it *Interpreter) GetReg(r ir.RegId) uint64 { return it.regs[r] }

// SetReg writes a register's value — used by callers to set up initial
// guest state (argument registers, stack pointer) before Run.
func (it *Interpreter) SetReg(r ir.RegId, v uint64) { it.regs[r] = v }

// Run executes guest code starting at start until the entry-level
// block returns (TermRet), a step budget is exhausted (maxSteps > 0),
// or a vmerr occurs. It returns the address the program counter
// settled at (meaningful mostly on error).
func (it *Interpreter) Run(ctx context.Context, start addr.GuestAddr, maxSteps int) (addr.GuestAddr, error) {
	pc := start
	for step := 0; maxSteps <= 0 || step < maxSteps; step++ {
		select {
		case <-ctx.Done():
			return pc, ctx.Err()
		default:
		}

		block, err := it.decodeAt(pc)
		if err != nil {
			return pc, err
		}
		next, returned, err := it.execBlock(ctx, block)
		if err != nil {
			return pc, err
		}
		if returned {
			return next, nil
		}
		pc = next
		it.m.PrefetchNext()
	}
	return pc, ErrStepBudgetExceeded
}

// DecodeAt decodes exactly one block starting at pc without executing
// it. Exposed so internal/vm can fingerprint a block and consult the
// code cache before deciding whether to dispatch it through a JIT tier
// or fall back to ExecuteBlock.
func (it *Interpreter) DecodeAt(pc addr.GuestAddr) (*ir.Block, error) {
	return it.decodeAt(pc)
}

// ExecuteBlock runs a block already obtained from DecodeAt, exactly as
// Run/call do internally — the same dispatch, just with the decode
// step split out for a caller that wants to inspect the block first.
func (it *Interpreter) ExecuteBlock(ctx context.Context, b *ir.Block) (next addr.GuestAddr, returned bool, err error) {
	return it.execBlock(ctx, b)
}

func (it *Interpreter) decodeAt(pc addr.GuestAddr) (*ir.Block, error) {
	code, err := it.m.FetchCode(pc, fetchWindow)
	if err != nil {
		return nil, err
	}
	block, err := it.decoder.DecodeBlock(code, pc)
	if err != nil {
		return nil, vmerr.New(vmerr.TranslationDecodeError, err)
	}
	return block, nil
}

// call runs callee as a nested program until it returns (TermRet),
// mirroring a guest CALL/BL/JAL-with-link instruction. It is the
// interpreter's only notion of a guest call stack: Go's own stack
// stands in for it, bounded by maxCallDepth.
func (it *Interpreter) call(ctx context.Context, callee addr.GuestAddr) error {
	if it.depth >= maxCallDepth {
		return vmerr.New(vmerr.ExecutionTrap, errors.New("interpreter: guest call stack overflow"))
	}
	it.depth++
	defer func() { it.depth-- }()

	pc := callee
	for {
		block, err := it.decodeAt(pc)
		if err != nil {
			return err
		}
		next, returned, err := it.execBlock(ctx, block)
		if err != nil {
			return err
		}
		if returned {
			return nil
		}
		pc = next
	}
}

// execBlock runs every Op in b in order, honoring in-block side-exits
// (a taken OpCondBranch ends the block early, same as reaching its
// Terminator would) and in-block calls (OpBranch always represents a
// call: spec.md §9's side-exit design note reserves unconditional,
// non-terminating control transfer for exactly this case). It returns
// either the next PC to resume the caller's Run loop at, or returned
// = true if b's Terminator was TermRet.
func (it *Interpreter) execBlock(ctx context.Context, b *ir.Block) (next addr.GuestAddr, returned bool, err error) {
	for _, op := range b.Ops {
		switch op.Kind {
		case ir.OpBinary:
			it.regs[op.Dest] = evalBinOp(op.BinOp, it.resolve(op.Lhs), it.resolve(op.Rhs))

		case ir.OpMove:
			it.regs[op.Dest] = it.resolve(op.Value)

		case ir.OpSignExtend:
			it.regs[op.Dest] = signExtendWidth(it.resolve(op.Value), op.SrcWidth, op.DstWidth)

		case ir.OpZeroExtend:
			it.regs[op.Dest] = zeroExtendWidth(it.resolve(op.Value), op.SrcWidth)

		case ir.OpLoadExt:
			ea := it.effectiveAddr(op.Addr)
			v, lerr := it.m.Load(addr.GuestAddr(ea), op.Size)
			if lerr != nil {
				return 0, false, lerr
			}
			it.regs[op.Dest] = v

		case ir.OpStoreExt:
			ea := it.effectiveAddr(op.Addr)
			if serr := it.m.Store(addr.GuestAddr(ea), op.Size, it.resolve(op.Value)); serr != nil {
				return 0, false, serr
			}

		case ir.OpCondBranch:
			if it.evalCond(op.Cond, op.CondLhs, op.CondRhs) {
				return op.Target, false, nil // taken guard: side-exit, block ends here.
			}

		case ir.OpBranch:
			if op.Link {
				it.bindLink(op.Dest, op.LinkAddr)
			}
			if cerr := it.call(ctx, op.Target); cerr != nil {
				return 0, false, cerr
			}

		case ir.OpCallIntrinsic:
			return 0, false, vmerr.New(vmerr.ExecutionIllegalInstr, errors.New("interpreter: intrinsic "+op.Intrinsic+" not implemented"))

		default:
			return 0, false, vmerr.New(vmerr.Internal, errors.New("interpreter: unhandled ir.Kind"))
		}
	}

	t := b.Terminator
	switch t.Kind {
	case ir.TermRet:
		return 0, true, nil
	case ir.TermFall:
		return t.Next, false, nil
	case ir.TermJump:
		return t.Target, false, nil
	case ir.TermIndirectJump:
		return addr.GuestAddr(it.effectiveAddr(t.IndirectTarget)), false, nil
	case ir.TermTrap:
		return 0, false, vmerr.New(t.TrapKind, nil)
	default:
		return 0, false, vmerr.New(vmerr.Internal, errors.New("interpreter: unknown terminator kind"))
	}
}

// x86LinkPseudoReg mirrors internal/frontend's reserved RegId for
// CALL's implicit stack-based return address (x86 has no link
// register); it must match frontend.linkPseudoReg exactly. Duplicated
// rather than imported to keep frontend's constant unexported — the
// two packages agree on the value by contract, documented in both.
const x86LinkPseudoReg ir.RegId = 1 << 16

// x86StackPtrReg is RSP's RegId under this core's GPR numbering
// (internal/frontend/x86_64.go's regBit: rax=0 ... rsp=4 ... r15=15).
const x86StackPtrReg ir.RegId = 4

func (it *Interpreter) bindLink(dest ir.RegId, linkAddr addr.GuestAddr) {
	if dest == x86LinkPseudoReg {
		sp := it.regs[x86StackPtrReg] - 8
		it.regs[x86StackPtrReg] = sp
		_ = it.m.Store(addr.GuestAddr(sp), 8, uint64(linkAddr))
		return
	}
	it.regs[dest] = uint64(linkAddr)
}

func (it *Interpreter) resolve(o ir.Operand) uint64 {
	switch o.Kind {
	case ir.OperandReg:
		return it.regs[o.Reg]
	case ir.OperandImm:
		return o.Imm
	case ir.OperandMem:
		return it.regs[o.Base] + uint64(int64(o.Offset))
	default:
		return 0
	}
}

// effectiveAddr computes a memory/indirect-jump address from an
// Operand without dereferencing it — used for both LoadExt/StoreExt's
// Addr and TermIndirectJump's IndirectTarget, which share the same
// Reg(base)+imm(offset) shape.
func (it *Interpreter) effectiveAddr(o ir.Operand) uint64 {
	switch o.Kind {
	case ir.OperandReg:
		return it.regs[o.Reg]
	case ir.OperandMem:
		return it.regs[o.Base] + uint64(int64(o.Offset))
	case ir.OperandImm:
		return o.Imm
	default:
		return 0
	}
}

func (it *Interpreter) evalCond(c ir.Cond, lhs, rhs ir.Operand) bool {
	l, r := it.resolve(lhs), it.resolve(rhs)
	switch c {
	case ir.CondEq:
		return l == r
	case ir.CondNe:
		return l != r
	case ir.CondULt:
		return l < r
	case ir.CondSLt:
		return int64(l) < int64(r)
	case ir.CondUGe:
		return l >= r
	case ir.CondSGe:
		return int64(l) >= int64(r)
	case ir.CondAlways:
		return true
	default:
		return false
	}
}

func evalBinOp(op ir.BinOp, l, r uint64) uint64 {
	switch op {
	case ir.Add:
		return l + r
	case ir.Sub:
		return l - r
	case ir.Mul:
		return l * r
	case ir.UDiv:
		if r == 0 {
			return 0
		}
		return l / r
	case ir.SDiv:
		if r == 0 {
			return 0
		}
		return uint64(int64(l) / int64(r))
	case ir.URem:
		if r == 0 {
			return 0
		}
		return l % r
	case ir.SRem:
		if r == 0 {
			return 0
		}
		return uint64(int64(l) % int64(r))
	case ir.And:
		return l & r
	case ir.Or:
		return l | r
	case ir.Xor:
		return l ^ r
	case ir.Shl:
		return l << (r & 63)
	case ir.Shr:
		return l >> (r & 63)
	case ir.Sar:
		return uint64(int64(l) >> (r & 63))
	case ir.Rotl:
		n := r & 63
		return (l << n) | (l >> (64 - n))
	case ir.Rotr:
		n := r & 63
		return (l >> n) | (l << (64 - n))
	case ir.CmpEq:
		return boolU64(l == r)
	case ir.CmpNe:
		return boolU64(l != r)
	case ir.CmpULt:
		return boolU64(l < r)
	case ir.CmpSLt:
		return boolU64(int64(l) < int64(r))
	case ir.CmpUGe:
		return boolU64(l >= r)
	case ir.CmpSGe:
		return boolU64(int64(l) >= int64(r))
	default:
		return 0
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
