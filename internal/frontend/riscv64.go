package frontend

import (
	"encoding/binary"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// riscvDecoder decodes RV64I plus a representative slice of the C
// (compressed) extension. spec.md §4.1's RISC-V tie-break rule — 16-bit
// forms take precedence over misaligned 32-bit reads — falls directly
// out of the encoding itself: bits[1:0] of the first halfword are 11
// for every 32-bit instruction and something else for every 16-bit
// compressed one, so checking those two bits before deciding how many
// bytes to fetch is both necessary and sufficient; there is no
// ambiguity to arbitrate, just an order of operations to get right.
type riscvDecoder struct{}

func (riscvDecoder) DecodeBlock(code []byte, start addr.GuestAddr) (*ir.Block, error) {
	b := &ir.Block{StartPC: start}
	pc := start
	for len(b.Ops) < BlockSizeCap {
		off := int(pc.Sub(start))
		if off+2 > len(code) {
			b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
			return b, nil
		}
		lo := binary.LittleEndian.Uint16(code[off : off+2])
		var op *ir.Op
		var term *ir.Terminator
		var ok bool
		var width uint64

		if lo&0x3 != 0x3 {
			// 16-bit compressed form: decided before ever attempting a
			// (possibly misaligned or out-of-buffer) 4-byte read.
			op, term, ok = decodeRVC(lo, pc)
			width = 2
		} else {
			if off+4 > len(code) {
				b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
				return b, nil
			}
			insn := binary.LittleEndian.Uint32(code[off : off+4])
			op, term, ok = decodeRV32(insn, pc)
			width = 4
		}

		if !ok {
			b.Terminator = ir.Terminator{Kind: ir.TermTrap, TrapKind: vmerr.ExecutionIllegalInstr}
			return b, nil
		}
		if op != nil {
			b.Ops = append(b.Ops, *op)
		}
		if term != nil {
			b.Terminator = *term
			return b, nil
		}
		pc = pc.Add(width)
	}
	b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
	return b, nil
}

func decodeRV32(insn uint32, pc addr.GuestAddr) (*ir.Op, *ir.Terminator, bool) {
	opcode := insn & 0x7f
	rd := ir.RegId((insn >> 7) & 0x1f)
	funct3 := (insn >> 12) & 0x7
	rs1 := ir.RegId((insn >> 15) & 0x1f)
	rs2 := ir.RegId((insn >> 20) & 0x1f)
	funct7 := insn >> 25

	switch opcode {
	case 0x13: // OP-IMM
		imm := uint64(signExtend(int64(insn>>20), 12))
		switch funct3 {
		case 0x0: // ADDI (and the "li rd, imm" pseudo when rs1==x0)
			return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.Add, Lhs: ir.Reg(rs1), Rhs: ir.Imm(imm)}, nil, true
		case 0x7: // ANDI
			return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.And, Lhs: ir.Reg(rs1), Rhs: ir.Imm(imm)}, nil, true
		}
	case 0x33: // OP (register-register)
		switch {
		case funct3 == 0x0 && funct7 == 0x00: // ADD
			return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.Add, Lhs: ir.Reg(rs1), Rhs: ir.Reg(rs2)}, nil, true
		case funct3 == 0x0 && funct7 == 0x20: // SUB
			return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.Sub, Lhs: ir.Reg(rs1), Rhs: ir.Reg(rs2)}, nil, true
		}
	case 0x37: // LUI
		imm := uint64(insn&0xFFFFF000)
		return &ir.Op{Kind: ir.OpMove, Dest: rd, Value: ir.Imm(imm)}, nil, true
	case 0x03: // LOAD
		imm := int32(signExtend(int64(insn>>20), 12))
		size := sizeFromFunct3(funct3 & 0x3)
		return &ir.Op{Kind: ir.OpLoadExt, Dest: rd, Addr: ir.Mem(rs1, imm), Size: size}, nil, true
	case 0x23: // STORE
		immLo := (insn >> 7) & 0x1f
		immHi := insn >> 25
		imm := int32(signExtend(int64(immHi<<5|immLo), 12))
		size := sizeFromFunct3(funct3)
		return &ir.Op{Kind: ir.OpStoreExt, Value: ir.Reg(rs2), Addr: ir.Mem(rs1, imm), Size: size}, nil, true
	case 0x67: // JALR — "ret" is the pseudo jalr x0, 0(x1)
		imm := signExtend(int64(insn>>20), 12)
		if rd == 0 && rs1 == 1 && imm == 0 {
			t := ir.Terminator{Kind: ir.TermRet}
			return nil, &t, true
		}
		t := ir.Terminator{Kind: ir.TermIndirectJump, IndirectTarget: ir.Mem(rs1, int32(imm))}
		if rd == 0 {
			return nil, &t, true
		}
		return &ir.Op{Kind: ir.OpMove, Dest: rd, Value: ir.Imm(uint64(pc.Add(4)))}, &t, true
	case 0x6f: // JAL
		imm := decodeJImm(insn)
		target := pc.Add(uint64(imm))
		if rd == 0 {
			t := ir.Terminator{Kind: ir.TermJump, Target: target}
			return nil, &t, true
		}
		return &ir.Op{Kind: ir.OpBranch, Dest: rd, Link: true, Target: target, LinkAddr: pc.Add(4)}, nil, true
	case 0x63: // BRANCH
		imm := decodeBImm(insn)
		target := pc.Add(uint64(imm))
		cond, ok := branchCond(funct3)
		if !ok {
			return nil, nil, false
		}
		return &ir.Op{Kind: ir.OpCondBranch, Cond: cond, Target: target, CondLhs: ir.Reg(rs1), CondRhs: ir.Reg(rs2)}, nil, true
	}
	return nil, nil, false
}

func sizeFromFunct3(f3 uint32) uint8 {
	switch f3 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

func branchCond(funct3 uint32) (ir.Cond, bool) {
	switch funct3 {
	case 0x0:
		return ir.CondEq, true
	case 0x1:
		return ir.CondNe, true
	case 0x4:
		return ir.CondSLt, true
	case 0x5:
		return ir.CondSGe, true
	case 0x6:
		return ir.CondULt, true
	case 0x7:
		return ir.CondUGe, true
	default:
		return 0, false
	}
}

func decodeJImm(insn uint32) int64 {
	imm20 := (insn >> 31) & 0x1
	imm10_1 := (insn >> 21) & 0x3FF
	imm11 := (insn >> 20) & 0x1
	imm19_12 := (insn >> 12) & 0xFF
	raw := (imm20 << 20) | (imm19_12 << 12) | (imm11 << 11) | (imm10_1 << 1)
	return signExtend(int64(raw), 21)
}

func decodeBImm(insn uint32) int64 {
	imm12 := (insn >> 31) & 0x1
	imm10_5 := (insn >> 25) & 0x3F
	imm4_1 := (insn >> 8) & 0xF
	imm11 := (insn >> 7) & 0x1
	raw := (imm12 << 12) | (imm11 << 11) | (imm10_5 << 5) | (imm4_1 << 1)
	return signExtend(int64(raw), 13)
}

// decodeRVC decodes a representative slice of the compressed extension:
// C.ADDI, C.LI, C.ADD, C.JR (the "ret" expansion, rs1 == x1).
func decodeRVC(lo uint16, pc addr.GuestAddr) (*ir.Op, *ir.Terminator, bool) {
	op := lo & 0x3
	funct3 := (lo >> 13) & 0x7

	switch {
	case op == 0x1 && funct3 == 0x0: // C.ADDI / C.NOP
		rd := ir.RegId((lo >> 7) & 0x1f)
		imm := signExtend(int64(((lo>>12)&0x1)<<5|((lo>>2)&0x1f)), 6)
		if rd == 0 {
			return nil, nil, true // C.NOP
		}
		return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.Add, Lhs: ir.Reg(rd), Rhs: ir.Imm(uint64(imm))}, nil, true
	case op == 0x1 && funct3 == 0x2: // C.LI
		rd := ir.RegId((lo >> 7) & 0x1f)
		imm := signExtend(int64(((lo>>12)&0x1)<<5|((lo>>2)&0x1f)), 6)
		return &ir.Op{Kind: ir.OpMove, Dest: rd, Value: ir.Imm(uint64(imm))}, nil, true
	case op == 0x2 && funct3 == 0x4: // C.ADD / C.JR / C.MV
		rd := ir.RegId((lo >> 7) & 0x1f)
		rs2 := ir.RegId((lo >> 2) & 0x1f)
		bit12 := (lo >> 12) & 0x1
		switch {
		case bit12 == 0 && rs2 == 0 && rd != 0: // C.JR rd (rd==x1 is the "ret" idiom)
			if rd == 1 {
				t := ir.Terminator{Kind: ir.TermRet}
				return nil, &t, true
			}
			t := ir.Terminator{Kind: ir.TermIndirectJump, IndirectTarget: ir.Reg(rd)}
			return nil, &t, true
		case bit12 == 0 && rs2 != 0: // C.MV
			return &ir.Op{Kind: ir.OpMove, Dest: rd, Value: ir.Reg(rs2)}, nil, true
		case bit12 == 1 && rs2 != 0: // C.ADD
			return &ir.Op{Kind: ir.OpBinary, Dest: rd, BinOp: ir.Add, Lhs: ir.Reg(rd), Rhs: ir.Reg(rs2)}, nil, true
		case bit12 == 1 && rd == 0 && rs2 == 0: // C.EBREAK
			t := ir.Terminator{Kind: ir.TermTrap, TrapKind: vmerr.ExecutionTrap}
			return nil, &t, true
		}
	}
	return nil, nil, false
}
