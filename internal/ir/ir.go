// Package ir defines the target-neutral intermediate representation
// the frontends lift guest basic blocks into, and that the interpreter
// and JIT tiers both consume (spec.md §3, §4.2).
//
// The IR is a register-machine, width-typed, SSA-relaxed form: within a
// block a RegId may be redefined, but every use must be dominated by a
// preceding def (spec.md §3 invariants). Op is a closed, tag-dispatched
// sum type (spec.md §9 design note: "polymorphism over GC object
// kinds/op kinds is a closed sum type; visitors dispatch by tag, not by
// virtual table") rather than an interface hierarchy, grounded on the
// teacher's own UnionOperation/OperationKind design in internal/wazeroir
// (only that package's tests survived retrieval, but they fully pin
// down the Kind-tagged-union shape this type follows).
package ir

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// RegId is a dense index into the unified virtual register file
// (architectural registers plus lifter-introduced temporaries).
type RegId uint32

// Width is the bit width of a value: 8, 16, 32 or 64.
type Width uint8

const (
	W8  Width = 8
	W16 Width = 16
	W32 Width = 32
	W64 Width = 64
)

// OperandKind tags an Operand's active field.
type OperandKind uint8

const (
	OperandReg OperandKind = iota
	OperandImm
	OperandMem
)

// Operand is Reg(RegId) | Imm(u64) | Mem(base, offset), per spec.md §3.
type Operand struct {
	Kind   OperandKind
	Reg    RegId
	Imm    uint64
	Base   RegId
	Offset int32
}

func Reg(r RegId) Operand { return Operand{Kind: OperandReg, Reg: r} }
func Imm(v uint64) Operand { return Operand{Kind: OperandImm, Imm: v} }
func Mem(base RegId, offset int32) Operand {
	return Operand{Kind: OperandMem, Base: base, Offset: offset}
}

// Endianness of a memory access.
type Endianness uint8

const (
	LittleEndian Endianness = iota
	BigEndian
)

// MemFlags qualifies a LoadExt/StoreExt.
type MemFlags struct {
	Atomic     bool // load-bearing: lowered to host atomics with the matching memory order.
	Volatile   bool
	Aligned    bool
	Endianness Endianness
}

// BinOp is the operator of a BinaryOp.
type BinOp uint8

const (
	Add BinOp = iota
	Sub
	Mul
	UDiv
	SDiv
	URem
	SRem
	And
	Or
	Xor
	Shl
	Shr // logical
	Sar // arithmetic
	Rotl
	Rotr
	CmpEq
	CmpNe
	CmpULt
	CmpSLt
	CmpUGe
	CmpSGe
)

// Cond is a condition code evaluated by CondBranch.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondULt
	CondSLt
	CondUGe
	CondSGe
	CondAlways
)

// Kind tags the active variant of Op.
type Kind uint8

const (
	OpBinary Kind = iota
	OpLoadExt
	OpStoreExt
	OpMove
	OpSignExtend
	OpZeroExtend
	OpBranch        // unconditional control transfer that does not end the block (link=call)
	OpCondBranch    // guard / side-exit: if Cond holds, bail to Target; else continue in-block
	OpCallIntrinsic // minor catch-all: cpuid-style queries, syscalls lowered to host helpers, etc.
	opKindEnd
)

func (k Kind) String() string {
	switch k {
	case OpBinary:
		return "binary"
	case OpLoadExt:
		return "load_ext"
	case OpStoreExt:
		return "store_ext"
	case OpMove:
		return "move"
	case OpSignExtend:
		return "sign_extend"
	case OpZeroExtend:
		return "zero_extend"
	case OpBranch:
		return "branch"
	case OpCondBranch:
		return "cond_branch"
	case OpCallIntrinsic:
		return "call_intrinsic"
	default:
		return "unknown"
	}
}

// Op is the single tagged-union IR instruction type. Only the fields
// relevant to Kind are meaningful; this mirrors the teacher's
// UnionOperation approach of one flat struct dispatched by Kind rather
// than N interface implementations, which keeps the interpreter's hot
// dispatch loop allocation-free.
type Op struct {
	Kind Kind

	Dest RegId // BinaryOp, LoadExt, Move, SignExtend, ZeroExtend

	// BinaryOp
	BinOp BinOp
	Lhs   Operand
	Rhs   Operand

	// LoadExt / StoreExt
	Addr  Operand
	Value Operand // StoreExt source; also reused as Move's source operand
	Size  uint8   // 1, 2, 4 or 8 bytes
	Flags MemFlags

	// SignExtend / ZeroExtend
	SrcWidth Width
	DstWidth Width

	// Branch / CondBranch
	Target  addr.GuestAddr
	Link    bool
	LinkAddr addr.GuestAddr // return address to record in Dest when Link is set
	Cond    Cond
	CondLhs Operand
	CondRhs Operand

	// CallIntrinsic
	Intrinsic string
	Args      []Operand
}

// TermKind tags the active Terminator variant.
type TermKind uint8

const (
	TermRet TermKind = iota
	TermFall
	TermJump
	TermIndirectJump
	TermTrap
)

// Terminator ends every Block exactly once (spec.md §3 invariant).
type Terminator struct {
	Kind TermKind
	Next addr.GuestAddr // TermFall
	Target addr.GuestAddr // TermJump

	// IndirectTarget gives TermIndirectJump's destination as an
	// unevaluated effective address (Reg or Mem, never dereferenced —
	// the interpreter/JIT compute Base+Offset and jump there, they
	// never load through it). This is how RISC-V's JALR and a
	// register-indirect ARM64 BR both express "jump to a
	// runtime-computed address" without the IR needing a dedicated
	// per-ISA opcode for it.
	IndirectTarget Operand

	TrapKind vmerr.Kind // TermTrap
}

// CompilerVersionTag is folded into every Block's fingerprint so that
// a change to this build's lifter/optimiser invalidates any
// previously-persisted AOT entries (spec.md §3, §6 on-disk format).
const CompilerVersionTag = "vmcore-ir-v1"

// Block is an immutable, lifted guest basic block. Immutable after
// Build: the decoder/lifter never mutates a Block's Ops/Terminator in
// place once returned.
type Block struct {
	StartPC    addr.GuestAddr
	Ops        []Op
	Terminator Terminator
}

// Fingerprint is the stable cache key derived from (start_pc, ops
// bytes, terminator, compiler version tag). It must be stable across
// runs for bit-identical inputs (spec.md §3, §8) — this is why it is
// computed over an explicit byte serialisation rather than over the Go
// struct's memory layout (which is not a stability guarantee across
// compiler versions or architectures).
type Fingerprint [sha256.Size]byte

func (b *Block) Fingerprint() Fingerprint {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(b.StartPC))
	h.Write(buf[:])
	for _, op := range b.Ops {
		writeOp(h, op)
	}
	writeTerminator(h, b.Terminator)
	h.Write([]byte(CompilerVersionTag))
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

func writeUint(h interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeOperand(h interface{ Write([]byte) (int, error) }, o Operand) {
	h.Write([]byte{byte(o.Kind)})
	writeUint(h, uint64(o.Reg))
	writeUint(h, o.Imm)
	writeUint(h, uint64(o.Base))
	writeUint(h, uint64(int64(o.Offset)))
}

func writeOp(h interface{ Write([]byte) (int, error) }, op Op) {
	h.Write([]byte{byte(op.Kind)})
	writeUint(h, uint64(op.Dest))
	h.Write([]byte{byte(op.BinOp)})
	writeOperand(h, op.Lhs)
	writeOperand(h, op.Rhs)
	writeOperand(h, op.Addr)
	writeOperand(h, op.Value)
	h.Write([]byte{op.Size, byte(op.Flags.Endianness)})
	if op.Flags.Atomic {
		h.Write([]byte{1})
	}
	if op.Flags.Volatile {
		h.Write([]byte{1})
	}
	if op.Flags.Aligned {
		h.Write([]byte{1})
	}
	h.Write([]byte{byte(op.SrcWidth), byte(op.DstWidth)})
	writeUint(h, uint64(op.Target))
	if op.Link {
		h.Write([]byte{1})
	}
	writeUint(h, uint64(op.LinkAddr))
	h.Write([]byte{byte(op.Cond)})
	writeOperand(h, op.CondLhs)
	writeOperand(h, op.CondRhs)
	h.Write([]byte(op.Intrinsic))
	for _, a := range op.Args {
		writeOperand(h, a)
	}
}

func writeTerminator(h interface{ Write([]byte) (int, error) }, t Terminator) {
	h.Write([]byte{byte(t.Kind)})
	writeUint(h, uint64(t.Next))
	writeUint(h, uint64(t.Target))
	writeOperand(h, t.IndirectTarget)
	writeUint(h, uint64(t.TrapKind))
}
