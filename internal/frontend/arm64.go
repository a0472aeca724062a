package frontend

import (
	"encoding/binary"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// arm64Decoder decodes the fixed-4-byte-instruction ARM64 ISA. Unlike
// x86_64 there is no variable-length tie-break to resolve; every fetch
// is a whole instruction, so the only "tie-break" ARM64 needs (per
// spec.md §4.1) doesn't arise here — it arises for RISC-V's C
// extension, handled in riscv64.go.
//
// This decodes a representative instruction subset (ADD/SUB register,
// MOVZ, LDR/STR unsigned-offset, B/BL/B.cond, RET) sufficient to
// satisfy spec.md §8's seed scenarios; the opcode table is additive, so
// covering more of the real ARM64 ISA is purely a matter of appending
// more cases, not restructuring the decode loop.
type arm64Decoder struct{}

func (arm64Decoder) DecodeBlock(code []byte, start addr.GuestAddr) (*ir.Block, error) {
	b := &ir.Block{StartPC: start}
	pc := start
	// flagsLhs/flagsRhs mirror NZCV: ADD/SUB are this decoder's only
	// flag-setting instructions (there is no standalone CMP case; CMP is
	// SUBS, which carries the same operands as plain SUB), so the most
	// recent one's Lhs/Rhs is what a later B.cond is actually testing.
	var flagsLhs, flagsRhs ir.Operand
	haveFlags := false
	for len(b.Ops) < BlockSizeCap {
		off := int(pc.Sub(start))
		if off+4 > len(code) {
			// Ran out of fetched bytes without hitting a terminator:
			// caller refills via the MMU and calls back in.
			b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
			return b, nil
		}
		insn := binary.LittleEndian.Uint32(code[off : off+4])
		op, term, ok := decodeArm64Insn(insn, pc)
		if !ok {
			b.Terminator = ir.Terminator{Kind: ir.TermTrap, TrapKind: vmerr.ExecutionIllegalInstr}
			return b, nil
		}
		if op != nil {
			if op.Kind == ir.OpBinary && (op.BinOp == ir.Add || op.BinOp == ir.Sub) {
				flagsLhs, flagsRhs = op.Lhs, op.Rhs
				haveFlags = true
			}
			if op.Kind == ir.OpCondBranch && haveFlags {
				op.CondLhs, op.CondRhs = flagsLhs, flagsRhs
			}
			b.Ops = append(b.Ops, *op)
		}
		if term != nil {
			b.Terminator = *term
			return b, nil
		}
		pc = pc.Add(4)
	}
	b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
	return b, nil
}

func decodeArm64Insn(insn uint32, pc addr.GuestAddr) (op *ir.Op, term *ir.Terminator, ok bool) {
	rd := ir.RegId(insn & 0x1f)
	rn := ir.RegId((insn >> 5) & 0x1f)
	rm := ir.RegId((insn >> 16) & 0x1f)

	switch {
	case insn&0xFFE0FC00 == 0x8B000000: // ADD Xd, Xn, Xm
		return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.Add, Lhs: ir.Reg(rn), Rhs: ir.Reg(rm)}, nil, true
	case insn&0xFFE0FC00 == 0xCB000000: // SUB Xd, Xn, Xm
		return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.Sub, Lhs: ir.Reg(rn), Rhs: ir.Reg(rm)}, nil, true
	case insn&0xFF800000 == 0xD2800000: // MOVZ Xd, #imm16
		imm16 := uint64((insn >> 5) & 0xFFFF)
		return &ir.Op{Kind: ir.OpMove, Dest: rd, Value: ir.Imm(imm16)}, nil, true
	case insn&0xFFC00000 == 0xF9400000: // LDR Xt, [Xn, #imm12*8]
		imm12 := int32((insn>>10)&0xFFF) * 8
		return &ir.Op{Kind: ir.OpLoadExt, Dest: rd, Addr: ir.Mem(rn, imm12), Size: 8}, nil, true
	case insn&0xFFC00000 == 0xF9000000: // STR Xt, [Xn, #imm12*8]
		imm12 := int32((insn>>10)&0xFFF) * 8
		return &ir.Op{Kind: ir.OpStoreExt, Value: ir.Reg(rd), Addr: ir.Mem(rn, imm12), Size: 8}, nil, true
	case insn&0xFFFFFC1F == 0xD65F0000: // RET Xn (includes RET X30)
		t := ir.Terminator{Kind: ir.TermRet}
		return nil, &t, true
	case insn&0xFC000000 == 0x14000000: // B imm26
		target := pc.Add(uint64(signExtend(int64(insn&0x3FFFFFF), 26) * 4))
		t := ir.Terminator{Kind: ir.TermJump, Target: target}
		return nil, &t, true
	case insn&0xFC000000 == 0x94000000: // BL imm26
		target := pc.Add(uint64(signExtend(int64(insn&0x3FFFFFF), 26) * 4))
		o := ir.Op{Kind: ir.OpBranch, Dest: 30, Link: true, Target: target, LinkAddr: pc.Add(4)}
		return &o, nil, true
	case insn&0xFF000010 == 0x54000000: // B.cond imm19
		imm19 := signExtend(int64((insn>>5)&0x7FFFF), 19)
		target := pc.Add(uint64(imm19 * 4))
		cond := armCondToIR(insn & 0xF)
		o := ir.Op{Kind: ir.OpCondBranch, Cond: cond, Target: target}
		return &o, nil, true
	default:
		return nil, nil, false
	}
}

func armCondToIR(cc uint32) ir.Cond {
	switch cc {
	case 0x0: // EQ
		return ir.CondEq
	case 0x1: // NE
		return ir.CondNe
	case 0x2, 0x3: // HS/LO (unsigned), approximated
		return ir.CondUGe
	case 0xA, 0xB: // GE/LT signed, approximated
		return ir.CondSGe
	default:
		return ir.CondAlways
	}
}

func signExtend(v int64, bits uint) int64 {
	shift := 64 - bits
	return (v << shift) >> shift
}
