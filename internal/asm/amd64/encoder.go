// Package amd64 is a small, purpose-built x86-64 encoder for
// internal/jit/codegen: exactly the register/memory/immediate forms
// and conditional/unconditional jumps codegen.Lower needs to turn a
// lowered ir.Block into native machine code, nothing more. It is not a
// general-purpose assembler — there is no instruction scheduler, no
// register allocator, and no backward-jump or multi-pass relaxation
// support, because codegen never needs any of those: every jump it
// emits is a single forward reference from an OpCondBranch to its own
// side-exit trailer, resolved once, right after it is emitted.
package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/RunningShrimp/vmcore/internal/ir"
)

// Reg is a physical amd64 general-purpose register, numbered the way
// the ISA itself numbers them (the low 3 bits ModRM and SIB encode
// directly; codegen never uses R8-R15, so the REX.B/R/X extension
// bits this encoder emits are always clear).
type Reg uint8

const (
	AX Reg = iota
	CX
	DX
	BX
	SP
	BP
	SI
	DI
)

// Label marks a forward jump awaiting a target. Mark resolves it to
// the current end of the instruction stream.
type Label struct {
	rel32At int
}

// Encoder assembles one CompiledBlock's worth of machine code into a
// single linear byte buffer.
type Encoder struct {
	buf []byte
}

func New() *Encoder { return &Encoder{} }

func (e *Encoder) emit(b ...byte) { e.buf = append(e.buf, b...) }

func (e *Encoder) emitImm32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) emitImm64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	e.buf = append(e.buf, tmp[:]...)
}

// rexW is REX.W with no R/X/B extension bits: every register codegen
// touches (AX, CX, DI) fits in the low 3 bits addressed by ModRM/SIB
// alone.
const rexW = 0x48

func modrm(mod, reg, rm byte) byte { return mod<<6 | (reg&7)<<3 | (rm & 7) }

// MovImmToReg encodes "mov dst, imm64" (REX.W + B8+rd + imm64), the
// only form codegen needs for loading an immediate: every value
// flowing through the RegFile is a full 64-bit slot.
func (e *Encoder) MovImmToReg(imm int64, dst Reg) {
	e.emit(rexW, 0xB8+byte(dst)&7)
	e.emitImm64(imm)
}

// MovMemToReg encodes "mov dst, [base+disp32]" (REX.W + 8B /r,
// mod=10). Always uses the disp32 form rather than the shorter disp8
// encoding real assemblers prefer when the offset fits in a byte:
// RegFile offsets run past 127 once RegId grows past 15, and this
// encoder favors one predictable encoding path over shaving a few
// bytes off small-offset cases.
func (e *Encoder) MovMemToReg(base Reg, disp int32, dst Reg) {
	e.emit(rexW, 0x8B, modrm(0b10, byte(dst), byte(base)))
	e.emitImm32(disp)
}

// MovRegToMem encodes "mov [base+disp32], src" (REX.W + 89 /r, mod=10).
func (e *Encoder) MovRegToMem(src Reg, base Reg, disp int32) {
	e.emit(rexW, 0x89, modrm(0b10, byte(src), byte(base)))
	e.emitImm32(disp)
}

// MovImmToMem encodes "mov qword [base+disp32], imm32" (REX.W + C7 /0,
// mod=10) — imm32 is sign-extended to 64 bits by the CPU, so callers
// must only pass values that survive that.
func (e *Encoder) MovImmToMem(imm int32, base Reg, disp int32) {
	e.emit(rexW, 0xC7, modrm(0b10, 0, byte(base)))
	e.emitImm32(disp)
	e.emitImm32(imm)
}

// aluOpcode is the one-byte "reg, r/m" opcode for a two-register ALU
// instruction computing dst = dst OP src (reg field is the
// destination, matching Add/Sub/And/Or/Xor's usual Intel operand
// order). Shl/Shr/Sar are excluded: those use the shift-group
// encoding in shiftOpcode below, not this table.
var aluOpcode = map[ir.BinOp]byte{
	ir.Add: 0x03,
	ir.Sub: 0x2B,
	ir.And: 0x23,
	ir.Or:  0x0B,
	ir.Xor: 0x33,
}

// shiftExt is the ModRM /digit extension selecting which shift group
// C0/C1/D0-D3 encodes (REX.W + D3 /ext, shift count taken from CL).
var shiftExt = map[ir.BinOp]byte{
	ir.Shl: 4,
	ir.Shr: 5,
	ir.Sar: 7,
}

// ALU encodes dst = dst OP src for the BinOp set codegen lowers
// (internal/jit.Eligible's scope). Shl/Shr/Sar require the shift
// count in CL, so callers must load the rhs operand into CX before
// calling ALU with one of those ops — codegen's lowerBinary already
// does this for every BinOp uniformly, shift or not.
func (e *Encoder) ALU(op ir.BinOp, dst, src Reg) error {
	if ext, ok := shiftExt[op]; ok {
		if src != CX {
			return fmt.Errorf("amd64: %v requires the shift count in CX, got %v", op, src)
		}
		e.emit(rexW, 0xD3, modrm(0b11, ext, byte(dst)))
		return nil
	}
	opcode, ok := aluOpcode[op]
	if !ok {
		return fmt.Errorf("amd64: BinOp %v has no register-to-register encoding", op)
	}
	e.emit(rexW, opcode, modrm(0b11, byte(dst), byte(src)))
	return nil
}

// Cmp encodes "cmp lhs, rhs" (REX.W + 3B /r), setting flags from
// lhs-rhs exactly as a following Jump's condition expects.
func (e *Encoder) Cmp(lhs, rhs Reg) {
	e.emit(rexW, 0x3B, modrm(0b11, byte(lhs), byte(rhs)))
}

// jcc is the second opcode byte of the two-byte 0F 8x Jcc family for
// each ir.Cond codegen's OpCondBranch scope supports.
var jcc = map[ir.Cond]byte{
	ir.CondEq:  0x84,
	ir.CondNe:  0x85,
	ir.CondULt: 0x82,
	ir.CondUGe: 0x83,
	ir.CondSLt: 0x8C,
	ir.CondSGe: 0x8D,
}

// Jump encodes a conditional jump (0F 8x rel32) with a placeholder
// rel32, returning a Label that Mark resolves once the jump's target
// address is known.
func (e *Encoder) Jump(cond ir.Cond) (*Label, error) {
	opcode, ok := jcc[cond]
	if !ok {
		return nil, fmt.Errorf("amd64: Cond %v has no conditional jump encoding", cond)
	}
	e.emit(0x0F, opcode)
	l := &Label{rel32At: len(e.buf)}
	e.emitImm32(0)
	return l, nil
}

// Mark resolves l's jump target to the current end of the instruction
// stream, patching the rel32 recorded by Jump in place.
func (e *Encoder) Mark(l *Label) {
	rel := int32(len(e.buf) - (l.rel32At + 4))
	binary.LittleEndian.PutUint32(e.buf[l.rel32At:l.rel32At+4], uint32(rel))
}

// Ret encodes "mov ax, imm64; ret" — codegen's exit-index ABI: every
// CompiledBlock returns which of its statically-known exits (fallthrough
// or one of its side-exits) fired by leaving that index in AX.
func (e *Encoder) Ret(exitIndex int) {
	e.MovImmToReg(int64(exitIndex), AX)
	e.emit(0xC3)
}

// Code returns the assembled machine code. Valid only after every
// Label returned by Jump has been Mark-ed.
func (e *Encoder) Code() []byte { return e.buf }
