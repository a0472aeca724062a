// Package codegen lowers a jit-eligible, prologue-synthesized ir.Block
// into native machine code via internal/asm/amd64. Only amd64 is
// implemented: the tier-1/tier-2 eligibility scope (internal/jit.Eligible)
// and the exit-index ABI (internal/jit.CompiledBlock) are both
// architecture-neutral, so adding arm64/riscv64 lowering later is
// additive, not a redesign.
package codegen

import (
	"fmt"

	"github.com/RunningShrimp/vmcore/internal/asm/amd64"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/jit"
)

// regFileBase is the argument register nativecall places the RegFile
// pointer in, matching nativecall_amd64.s's "MOVQ regFile+8(FP), DI".
const regFileBase = amd64.DI

// scratch registers used for intermediate values. Shift instructions
// require the count in CX (amd64.Encoder.ALU enforces this), so CX is
// reserved for that role and AX is the general accumulator — this
// mirrors every BinOp lowering below using the same two physical
// registers regardless of which IR registers are involved, which keeps
// the lowering simple at the cost of never holding more than one live
// value in a host register across ops (every op round-trips through
// the RegFile).
const (
	accum = amd64.AX
	count = amd64.CX
)

// Lower assembles b (already Eligible, already prologue-synthesized)
// into a jit.CompiledBlock. liveIns is the slice SynthesizePrologue
// returned alongside b, used to special-case the synthesized
// placeholder Moves at the head of b.Ops: codegen replaces each one's
// literal "move 0" with a real regfile read instead of an immediate
// load, since ir.Verify only needed the op to exist, not to be
// executed as written.
func Lower(b *ir.Block, liveIns []ir.RegId) (*jit.CompiledBlock, error) {
	e := amd64.New()

	cb := &jit.CompiledBlock{StartPC: b.StartPC, Terminator: b.Terminator}
	var pendingExits []*amd64.Label

	synthesized := len(liveIns)
	for i, op := range b.Ops {
		if i < synthesized {
			loadReg(e, regFileBase, op.Dest)
			continue
		}
		switch op.Kind {
		case ir.OpMove:
			if err := lowerMove(e, op); err != nil {
				return nil, err
			}
		case ir.OpSignExtend:
			if err := lowerSignExtend(e, op); err != nil {
				return nil, err
			}
		case ir.OpZeroExtend:
			if err := lowerZeroExtend(e, op); err != nil {
				return nil, err
			}
		case ir.OpBinary:
			if err := lowerBinary(e, op); err != nil {
				return nil, err
			}
		case ir.OpCondBranch:
			label, err := lowerCondBranch(e, op)
			if err != nil {
				return nil, err
			}
			pendingExits = append(pendingExits, label)
			cb.Exits = append(cb.Exits, op.Target)
		default:
			return nil, fmt.Errorf("codegen: op kind %s not lowerable", op.Kind)
		}
	}

	// Fallthrough path: the block ran off its own Ops without any guard
	// firing, so its Terminator applies (exit index 0).
	e.Ret(0)

	// Side-exit trailers, one per OpCondBranch, in the same order their
	// jump was emitted — Mark backpatches the forward reference recorded
	// when the conditional jump itself was compiled.
	for i, label := range pendingExits {
		e.Mark(label)
		e.Ret(i + 1)
	}

	cb.Code = e.Code()
	return cb, nil
}

// loadReg emits "scratch = RegFile[reg]" then stores it right back to
// the same slot — a no-op in effect, but it gives SynthesizePrologue's
// placeholder op a concrete lowering without special-casing the
// RegFile's own layout (RegFile[reg] already holds the live-in value
// nativecall's caller seeded before the call).
func loadReg(e *amd64.Encoder, base amd64.Reg, reg ir.RegId) {
	e.MovMemToReg(base, regOffset(reg), accum)
	e.MovRegToMem(accum, base, regOffset(reg))
}

func regOffset(r ir.RegId) int32 { return int32(r) * 8 }

func lowerMove(e *amd64.Encoder, op ir.Op) error {
	switch op.Value.Kind {
	case ir.OperandImm:
		imm := int64(op.Value.Imm)
		if imm > 0x7fffffff || imm < -0x80000000 {
			return fmt.Errorf("codegen: move immediate %d does not fit in imm32", imm)
		}
		e.MovImmToMem(int32(imm), regFileBase, regOffset(op.Dest))
	case ir.OperandReg:
		e.MovMemToReg(regFileBase, regOffset(op.Value.Reg), accum)
		e.MovRegToMem(accum, regFileBase, regOffset(op.Dest))
	default:
		return fmt.Errorf("codegen: move operand kind %d unsupported", op.Value.Kind)
	}
	return nil
}

func loadOperand(e *amd64.Encoder, o ir.Operand, dst amd64.Reg) error {
	switch o.Kind {
	case ir.OperandImm:
		e.MovImmToReg(int64(o.Imm), dst)
	case ir.OperandReg:
		e.MovMemToReg(regFileBase, regOffset(o.Reg), dst)
	default:
		return fmt.Errorf("codegen: operand kind %d unsupported", o.Kind)
	}
	return nil
}

func lowerBinary(e *amd64.Encoder, op ir.Op) error {
	if err := loadOperand(e, op.Lhs, accum); err != nil {
		return err
	}
	// Rhs always lands in CX: Encoder.ALU requires it there for
	// Shl/Shr/Sar, and for Add/Sub/And/Or/Xor it just needs a distinct
	// register.
	if err := loadOperand(e, op.Rhs, count); err != nil {
		return err
	}
	if err := e.ALU(op.BinOp, accum, count); err != nil {
		return fmt.Errorf("codegen: BinOp %d not in eligible scope: %w", op.BinOp, err)
	}
	e.MovRegToMem(accum, regFileBase, regOffset(op.Dest))
	return nil
}

func lowerSignExtend(e *amd64.Encoder, op ir.Op) error {
	if err := loadOperand(e, op.Value, accum); err != nil {
		return err
	}
	shift := int64(64 - op.SrcWidth)
	e.MovImmToReg(shift, count)
	if err := e.ALU(ir.Shl, accum, count); err != nil {
		return err
	}
	e.MovImmToReg(shift, count)
	if err := e.ALU(ir.Sar, accum, count); err != nil {
		return err
	}
	if op.DstWidth < ir.W64 {
		mask := int64(1<<uint(op.DstWidth) - 1)
		e.MovImmToReg(mask, count)
		if err := e.ALU(ir.And, accum, count); err != nil {
			return err
		}
	}
	e.MovRegToMem(accum, regFileBase, regOffset(op.Dest))
	return nil
}

func lowerZeroExtend(e *amd64.Encoder, op ir.Op) error {
	if err := loadOperand(e, op.Value, accum); err != nil {
		return err
	}
	if op.SrcWidth < ir.W64 {
		mask := int64(1<<uint(op.SrcWidth) - 1)
		e.MovImmToReg(mask, count)
		if err := e.ALU(ir.And, accum, count); err != nil {
			return err
		}
	}
	e.MovRegToMem(accum, regFileBase, regOffset(op.Dest))
	return nil
}

func lowerCondBranch(e *amd64.Encoder, op ir.Op) (*amd64.Label, error) {
	if err := loadOperand(e, op.CondLhs, accum); err != nil {
		return nil, err
	}
	if err := loadOperand(e, op.CondRhs, count); err != nil {
		return nil, err
	}
	e.Cmp(accum, count)
	label, err := e.Jump(op.Cond)
	if err != nil {
		return nil, fmt.Errorf("codegen: Cond %d not in eligible scope: %w", op.Cond, err)
	}
	return label, nil
}
