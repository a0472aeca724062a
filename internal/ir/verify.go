package ir

import "fmt"

// VerifyError is returned by Verify; it is surfaced to callers as
// vmerr.TranslationVerifierError.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return "ir: verify: " + e.Reason }

// Verify checks the hard preconditions for handing a Block to the JIT
// (spec.md §3, §4.2, §8): every RegId use is dominated by a def earlier
// in the block, every LoadExt/StoreExt size is in {1,2,4,8}, and the
// block carries exactly one terminator (true by construction of Block,
// but TermKind itself is range-checked here too). The interpreter does
// not call Verify — tier-0 is the semantic authority and may run
// unverified blocks (spec.md §4.3).
func Verify(b *Block) error {
	defined := make(map[RegId]bool)

	checkOperandUse := func(o Operand) error {
		if o.Kind == OperandReg && !defined[o.Reg] {
			return &VerifyError{Reason: fmt.Sprintf("use of r%d before def", o.Reg)}
		}
		if o.Kind == OperandMem && !defined[o.Base] {
			return &VerifyError{Reason: fmt.Sprintf("use of r%d (mem base) before def", o.Base)}
		}
		return nil
	}

	for i, op := range b.Ops {
		switch op.Kind {
		case OpBinary:
			if err := checkOperandUse(op.Lhs); err != nil {
				return err
			}
			if err := checkOperandUse(op.Rhs); err != nil {
				return err
			}
			defined[op.Dest] = true
		case OpLoadExt:
			if err := checkOperandUse(op.Addr); err != nil {
				return err
			}
			if !validSize(op.Size) {
				return &VerifyError{Reason: fmt.Sprintf("op %d: LoadExt.size=%d not in {1,2,4,8}", i, op.Size)}
			}
			defined[op.Dest] = true
		case OpStoreExt:
			if err := checkOperandUse(op.Addr); err != nil {
				return err
			}
			if err := checkOperandUse(op.Value); err != nil {
				return err
			}
			if !validSize(op.Size) {
				return &VerifyError{Reason: fmt.Sprintf("op %d: StoreExt.size=%d not in {1,2,4,8}", i, op.Size)}
			}
		case OpMove, OpSignExtend, OpZeroExtend:
			if err := checkOperandUse(op.Value); err != nil {
				return err
			}
			defined[op.Dest] = true
		case OpBranch:
			// no register operands besides the link register write, which
			// is architecture-defined and tracked by the lifter as Dest.
			if op.Link {
				defined[op.Dest] = true
			}
		case OpCondBranch:
			if err := checkOperandUse(op.CondLhs); err != nil {
				return err
			}
			if err := checkOperandUse(op.CondRhs); err != nil {
				return err
			}
		case OpCallIntrinsic:
			for _, a := range op.Args {
				if err := checkOperandUse(a); err != nil {
					return err
				}
			}
			defined[op.Dest] = true
		default:
			return &VerifyError{Reason: fmt.Sprintf("op %d: unknown op kind %d", i, op.Kind)}
		}
	}

	switch b.Terminator.Kind {
	case TermRet, TermFall, TermJump, TermIndirectJump, TermTrap:
	default:
		return &VerifyError{Reason: "missing or invalid terminator"}
	}
	return nil
}

func validSize(size uint8) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}
