package amd64

import (
	"testing"

	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/stretchr/testify/require"
)

func TestEncoder_MovImmToRegEncodesRexWAndMovabs(t *testing.T) {
	e := New()
	e.MovImmToReg(42, AX)
	code := e.Code()
	require.Len(t, code, 10) // REX.W + B8 + imm64
	require.Equal(t, byte(0x48), code[0])
	require.Equal(t, byte(0xB8), code[1])
}

func TestEncoder_MovMemToRegAndBackRoundTripsOffset(t *testing.T) {
	e := New()
	e.MovMemToReg(DI, 16, AX)
	e.MovRegToMem(AX, DI, 16)
	code := e.Code()
	require.Len(t, code, 14) // two (REX.W + opcode + ModRM + disp32) forms, 7 bytes each
}

func TestEncoder_ALURejectsShiftWithoutCXSource(t *testing.T) {
	e := New()
	err := e.ALU(ir.Shl, AX, DX)
	require.Error(t, err)
}

func TestEncoder_ALUAcceptsShiftWithCXSource(t *testing.T) {
	e := New()
	require.NoError(t, e.ALU(ir.Shl, AX, CX))
}

func TestEncoder_ALURejectsUnsupportedBinOp(t *testing.T) {
	e := New()
	err := e.ALU(ir.UDiv, AX, CX)
	require.Error(t, err)
}

func TestEncoder_JumpRejectsUnsupportedCond(t *testing.T) {
	e := New()
	_, err := e.Jump(ir.Cond(255))
	require.Error(t, err)
}

func TestEncoder_JumpMarkPatchesForwardRel32(t *testing.T) {
	e := New()
	label, err := e.Jump(ir.CondEq)
	require.NoError(t, err)
	e.Ret(1) // pad out some bytes between the jump and its target
	before := len(e.Code())
	e.Mark(label)
	e.Ret(0)

	code := e.Code()
	rel32At := label.rel32At
	got := int32(uint32(code[rel32At]) | uint32(code[rel32At+1])<<8 | uint32(code[rel32At+2])<<16 | uint32(code[rel32At+3])<<24)
	require.EqualValues(t, before-(rel32At+4), got)
}

func TestEncoder_RetEncodesExitIndexThenReturn(t *testing.T) {
	e := New()
	e.Ret(3)
	code := e.Code()
	require.Equal(t, byte(0xC3), code[len(code)-1])
}
