package frontend

import (
	"testing"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
	"github.com/stretchr/testify/require"
)

func TestParseArch(t *testing.T) {
	a, err := ParseArch("riscv64")
	require.NoError(t, err)
	require.Equal(t, Riscv64, a)

	_, err = ParseArch("sparc")
	require.Error(t, err)
}

func TestNewDecoder_AllArches(t *testing.T) {
	for _, a := range []Arch{X86_64, Arm64, Riscv64} {
		d, err := NewDecoder(a)
		require.NoError(t, err)
		require.NotNil(t, d)
	}
}

// li x1,10 ; li x2,20 ; add x3,x1,x2 ; ret
func TestRiscvDecoder_SumScenario(t *testing.T) {
	d, err := NewDecoder(Riscv64)
	require.NoError(t, err)

	code := []byte{
		0x93, 0x00, 0xa0, 0x00, // addi x1, x0, 10
		0x13, 0x01, 0x40, 0x01, // addi x2, x0, 20
		0xb3, 0x81, 0x20, 0x00, // add x3, x1, x2
		0x67, 0x80, 0x00, 0x00, // jalr x0, 0(x1)  == ret
	}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x1000))
	require.NoError(t, err)
	require.Len(t, b.Ops, 3)
	require.Equal(t, ir.OpBinary, b.Ops[2].Kind)
	require.Equal(t, ir.Add, b.Ops[2].BinOp)
	require.Equal(t, ir.TermRet, b.Terminator.Kind)
}

func TestRiscvDecoder_CompressedTieBreak(t *testing.T) {
	d, err := NewDecoder(Riscv64)
	require.NoError(t, err)

	// c.li x1, 5 encoded as a 2-byte instruction whose low two bits are
	// not 0b11; decoding must take the 2-byte path even though the next
	// two bytes, read together, would also parse as *something*.
	code := []byte{0x95, 0x40, 0x00, 0x00}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x2000))
	require.NoError(t, err)
	require.NotEmpty(t, b.Ops)
	require.Equal(t, ir.OpMove, b.Ops[0].Kind)
}

func TestArm64Decoder_AddScenario(t *testing.T) {
	d, err := NewDecoder(Arm64)
	require.NoError(t, err)

	code := []byte{
		0x61, 0x00, 0x02, 0x8b, // add x1, x3, x2
		0xc0, 0x03, 0x5f, 0xd6, // ret
	}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x4000))
	require.NoError(t, err)
	require.Len(t, b.Ops, 1)
	require.Equal(t, ir.OpBinary, b.Ops[0].Kind)
	require.Equal(t, ir.TermRet, b.Terminator.Kind)
}

func TestArm64Decoder_IllegalEncodingTraps(t *testing.T) {
	d, err := NewDecoder(Arm64)
	require.NoError(t, err)

	code := []byte{0xff, 0xff, 0xff, 0xff}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x5000))
	require.NoError(t, err)
	require.Equal(t, ir.TermTrap, b.Terminator.Kind)
	require.Equal(t, vmerr.ExecutionIllegalInstr, b.Terminator.TrapKind)
}

func TestX86Decoder_MovRetScenario(t *testing.T) {
	d, err := NewDecoder(X86_64)
	require.NoError(t, err)

	code := []byte{
		0xb8, 0x2a, 0x00, 0x00, 0x00, // mov eax, 42
		0xc3, // ret
	}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x6000))
	require.NoError(t, err)
	require.Len(t, b.Ops, 1)
	require.Equal(t, ir.OpMove, b.Ops[0].Kind)
	require.Equal(t, uint64(42), b.Ops[0].Value.Imm)
	require.Equal(t, ir.TermRet, b.Terminator.Kind)
}

func TestX86Decoder_PartialInstructionAtBufferEndYieldsFall(t *testing.T) {
	d, err := NewDecoder(X86_64)
	require.NoError(t, err)

	// mov eax, imm32 cut off after two of its four immediate bytes: not enough bytes
	// to finish decoding, so this must be a refill request, not a trap.
	code := []byte{0xb8, 0x01, 0x02}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x7000))
	require.NoError(t, err)
	require.Equal(t, ir.TermFall, b.Terminator.Kind)
}

func TestX86Decoder_IllegalOpcodeTrapsKeepingValidPrefix(t *testing.T) {
	d, err := NewDecoder(X86_64)
	require.NoError(t, err)

	code := []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (valid)
		0x0f, 0x05, // syscall opcode, unrecognized here
	}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x8000))
	require.NoError(t, err)
	require.Len(t, b.Ops, 1)
	require.Equal(t, ir.TermTrap, b.Terminator.Kind)
}

func TestX86Decoder_JccInheritsPrecedingSubOperands(t *testing.T) {
	d, err := NewDecoder(X86_64)
	require.NoError(t, err)

	code := []byte{
		0x48, 0x29, 0xD1, // sub rcx, rdx
		0x0f, 0x84, 0x00, 0x00, 0x00, 0x00, // je +0
		0xc3, // ret
	}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0xA000))
	require.NoError(t, err)
	require.Len(t, b.Ops, 2)
	require.Equal(t, ir.OpBinary, b.Ops[0].Kind)
	require.Equal(t, ir.Sub, b.Ops[0].BinOp)

	jcc := b.Ops[1]
	require.Equal(t, ir.OpCondBranch, jcc.Kind)
	require.Equal(t, ir.CondEq, jcc.Cond)
	// Must reflect the SUB's actual operands, not the zero-value
	// Operand{Kind: OperandReg, Reg: 0} default for both sides.
	require.Equal(t, b.Ops[0].Lhs, jcc.CondLhs)
	require.Equal(t, b.Ops[0].Rhs, jcc.CondRhs)
}

func TestArm64Decoder_BCondInheritsPrecedingSubOperands(t *testing.T) {
	d, err := NewDecoder(Arm64)
	require.NoError(t, err)

	code := []byte{
		0x23, 0x00, 0x02, 0xcb, // sub x3, x1, x2
		0x00, 0x00, 0x00, 0x54, // b.eq +0
	}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0xB000))
	require.NoError(t, err)
	require.Len(t, b.Ops, 2)
	require.Equal(t, ir.OpBinary, b.Ops[0].Kind)
	require.Equal(t, ir.Sub, b.Ops[0].BinOp)

	bcond := b.Ops[1]
	require.Equal(t, ir.OpCondBranch, bcond.Kind)
	require.Equal(t, ir.CondEq, bcond.Cond)
	require.Equal(t, b.Ops[0].Lhs, bcond.CondLhs)
	require.Equal(t, b.Ops[0].Rhs, bcond.CondRhs)
}

func TestBlockSizeCap_StopsDecoding(t *testing.T) {
	d, err := NewDecoder(X86_64)
	require.NoError(t, err)

	code := make([]byte, 0, BlockSizeCap*2+8)
	for i := 0; i < BlockSizeCap+5; i++ {
		code = append(code, 0xb8, 0x01, 0x00, 0x00, 0x00)
	}
	b, err := d.DecodeBlock(code, addr.GuestAddr(0x9000))
	require.NoError(t, err)
	require.Len(t, b.Ops, BlockSizeCap)
	require.Equal(t, ir.TermFall, b.Terminator.Kind)
}
