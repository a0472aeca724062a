package frontend

import (
	"encoding/binary"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// x86Decoder decodes a representative slice of 64-bit x86_64: REX-
// prefixed register-register ALU ops, MOV reg,imm32, MOV reg,[reg+disp8],
// unconditional/conditional near jumps, CALL rel32 and RET. spec.md
// §4.1's tie-break rule for this ISA — longest prefix match wins — only
// bites once a real prefix byte (0x66/0x67/0x40-0x4f REX/0xf0/0xf2/0xf3)
// appears; decodeX86Insn consumes the REX byte greedily before looking
// at the opcode for exactly that reason.
type x86Decoder struct{}

// linkPseudoReg is a reserved RegId x86's CALL writes its return
// address to, since x86 (unlike ARM64/RISC-V) has no architectural
// link register — the return address is conventionally pushed to the
// guest stack instead. internal/interpreter treats this RegId
// specially for x86 blocks rather than exposing it as an ordinary GPR.
const linkPseudoReg ir.RegId = 1 << 16

func (x86Decoder) DecodeBlock(code []byte, start addr.GuestAddr) (*ir.Block, error) {
	b := &ir.Block{StartPC: start}
	pc := start
	// flagsLhs/flagsRhs mirror EFLAGS: x86 has no dedicated CMP in this
	// decoder's scope, so ADD/SUB double as the flag-setting instruction
	// a later Jcc tests. SUB's operands are exactly CMP's (CMP is SUB
	// without the writeback), so carrying the most recent ADD/SUB's Lhs
	// and Rhs forward to the next Jcc reproduces the real dependency
	// instead of leaving it at the CondBranch op's zero-value default.
	var flagsLhs, flagsRhs ir.Operand
	haveFlags := false
	for len(b.Ops) < BlockSizeCap {
		off := int(pc.Sub(start))
		if off >= len(code) {
			b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
			return b, nil
		}
		op, term, n, ok := decodeX86Insn(code[off:], pc)
		if !ok {
			if n < 0 {
				// Ran out of bytes mid-instruction: not illegal, just
				// needs a refill from the caller.
				b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
				return b, nil
			}
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
		pc = pc.Add(uint64(n))
	}
	b.Terminator = ir.Terminator{Kind: ir.TermFall, Next: pc}
	return b, nil
}

// decodeX86Insn decodes one instruction from the front of buf. It
// returns n, the encoded length consumed, and ok. When ok is false and
// n < 0, buf didn't hold enough bytes to finish decoding (needs a
// refill, not a trap); when ok is false and n >= 0, the bytes form no
// recognized encoding (illegal instruction).
func decodeX86Insn(buf []byte, pc addr.GuestAddr) (op *ir.Op, term *ir.Terminator, n int, ok bool) {
	i := 0
	rexW, rexR, rexB := false, false, false

	// Longest-prefix-match: consume every REX byte present (only the
	// last one is architecturally meaningful, but we must walk past
	// all of them) before touching the opcode byte.
	for i < len(buf) && buf[i]&0xF0 == 0x40 {
		rex := buf[i]
		rexW = rex&0x08 != 0
		rexR = rex&0x04 != 0
		rexB = rex&0x01 != 0
		i++
	}
	if i >= len(buf) {
		return nil, nil, -1, false
	}

	opcode := buf[i]
	i++

	regBit := func(r uint8, extend bool) ir.RegId {
		if extend {
			return ir.RegId(r + 8)
		}
		return ir.RegId(r)
	}

	switch {
	case opcode == 0xC3: // RET
		t := ir.Terminator{Kind: ir.TermRet}
		return nil, &t, i, true

	case opcode == 0x01 || opcode == 0x29: // ADD/SUB r/m64, r64 (register form only)
		if i >= len(buf) {
			return nil, nil, -1, false
		}
		modrm := buf[i]
		i++
		if modrm&0xC0 != 0xC0 {
			return nil, nil, i, false // only register-direct ModRM supported
		}
		reg := regBit((modrm>>3)&0x7, rexR)
		rm := regBit(modrm&0x7, rexB)
		binop := ir.Add
		if opcode == 0x29 {
			binop = ir.Sub
		}
		o := &ir.Op{Kind: ir.OpBinary, Dest: rm, BinOp: binop, Lhs: ir.Reg(rm), Rhs: ir.Reg(reg)}
		return o, nil, i, true

	case opcode >= 0xB8 && opcode <= 0xBF: // MOV r32, imm32 (zero-extended); with REX.W, MOV r64, imm64
		if !rexW {
			if i+4 > len(buf) {
				return nil, nil, -1, false
			}
			imm := binary.LittleEndian.Uint32(buf[i : i+4])
			dest := regBit(opcode-0xB8, rexB)
			o := &ir.Op{Kind: ir.OpMove, Dest: dest, Value: ir.Imm(uint64(imm))}
			return o, nil, i + 4, true
		}
		if i+8 > len(buf) {
			return nil, nil, -1, false
		}
		imm := binary.LittleEndian.Uint64(buf[i : i+8])
		dest := regBit(opcode-0xB8, rexB)
		o := &ir.Op{Kind: ir.OpMove, Dest: dest, Value: ir.Imm(imm)}
		return o, nil, i + 8, true

	case opcode == 0x8B: // MOV r64, [r64+disp8]
		if i >= len(buf) {
			return nil, nil, -1, false
		}
		modrm := buf[i]
		i++
		mod := modrm >> 6
		reg := regBit((modrm>>3)&0x7, rexR)
		rm := regBit(modrm&0x7, rexB)
		if mod != 0x1 {
			return nil, nil, i, false // only disp8 addressing supported
		}
		if i >= len(buf) {
			return nil, nil, -1, false
		}
		disp := int32(int8(buf[i]))
		i++
		o := &ir.Op{Kind: ir.OpLoadExt, Dest: reg, Addr: ir.Mem(rm, disp), Size: 8}
		return o, nil, i, true

	case opcode == 0x89: // MOV [r64+disp8], r64
		if i >= len(buf) {
			return nil, nil, -1, false
		}
		modrm := buf[i]
		i++
		mod := modrm >> 6
		reg := regBit((modrm>>3)&0x7, rexR)
		rm := regBit(modrm&0x7, rexB)
		if mod != 0x1 {
			return nil, nil, i, false
		}
		if i >= len(buf) {
			return nil, nil, -1, false
		}
		disp := int32(int8(buf[i]))
		i++
		o := &ir.Op{Kind: ir.OpStoreExt, Value: ir.Reg(reg), Addr: ir.Mem(rm, disp), Size: 8}
		return o, nil, i, true

	case opcode == 0xE8: // CALL rel32
		if i+4 > len(buf) {
			return nil, nil, -1, false
		}
		rel := int32(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4
		target := pc.Add(uint64(int64(i) + int64(rel)))
		// x86 has no architectural link register: CALL's return address
		// belongs on the guest stack, not in a GPR. We record it in the
		// reserved link pseudo-register instead of threading an extra
		// push-to-memory op through this single-Op-per-case decoder;
		// internal/interpreter resolves linkPseudoReg specially for x86.
		o := &ir.Op{Kind: ir.OpBranch, Dest: linkPseudoReg, Link: true, Target: target, LinkAddr: pc.Add(uint64(i))}
		return o, nil, i, true

	case opcode == 0xE9: // JMP rel32
		if i+4 > len(buf) {
			return nil, nil, -1, false
		}
		rel := int32(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4
		target := pc.Add(uint64(int64(i) + int64(rel)))
		t := ir.Terminator{Kind: ir.TermJump, Target: target}
		return nil, &t, i, true

	case opcode == 0x0F: // two-byte Jcc rel32 (0x0F 0x8x)
		if i >= len(buf) {
			return nil, nil, -1, false
		}
		second := buf[i]
		i++
		if second&0xF0 != 0x80 {
			return nil, nil, i, false
		}
		if i+4 > len(buf) {
			return nil, nil, -1, false
		}
		rel := int32(binary.LittleEndian.Uint32(buf[i : i+4]))
		i += 4
		target := pc.Add(uint64(int64(i) + int64(rel)))
		cond := x86CondToIR(second & 0xF)
		o := &ir.Op{Kind: ir.OpCondBranch, Cond: cond, Target: target}
		return o, nil, i, true

	default:
		return nil, nil, i, false
	}
}

func x86CondToIR(cc uint8) ir.Cond {
	switch cc {
	case 0x4: // JE/JZ
		return ir.CondEq
	case 0x5: // JNE/JNZ
		return ir.CondNe
	case 0xC: // JL
		return ir.CondSLt
	case 0xD: // JGE
		return ir.CondSGe
	case 0x2: // JB (unsigned below)
		return ir.CondULt
	case 0x3: // JAE (unsigned above-or-equal)
		return ir.CondUGe
	default:
		return ir.CondAlways
	}
}
