package jit

import (
	"testing"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/stretchr/testify/require"
)

func TestEligible_AcceptsScopedSubset(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Reg(2)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	require.True(t, Eligible(b))
}

func TestEligible_RejectsLoadExt(t *testing.T) {
	b := &ir.Block{
		Ops:        []ir.Op{{Kind: ir.OpLoadExt, Dest: 1, Addr: ir.Reg(2), Size: 8}},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	require.False(t, Eligible(b))
}

func TestEligible_RejectsMulBinOp(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Mul, Lhs: ir.Reg(1), Rhs: ir.Reg(2)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	require.False(t, Eligible(b))
}

func TestEligible_RejectsIndirectJumpTerminator(t *testing.T) {
	b := &ir.Block{
		Ops:        []ir.Op{{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(1)}},
		Terminator: ir.Terminator{Kind: ir.TermIndirectJump, IndirectTarget: ir.Reg(1)},
	}
	require.False(t, Eligible(b))
}

func TestLiveIns_FindsRegsReadBeforeDef(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Reg(2)},
			{Kind: ir.OpMove, Dest: 4, Value: ir.Reg(3)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	live := LiveIns(b)
	require.ElementsMatch(t, []ir.RegId{1, 2}, live)
}

func TestLiveIns_ExcludesRegsDefinedInBlock(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(5)},
			{Kind: ir.OpBinary, Dest: 2, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Imm(1)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	require.Empty(t, LiveIns(b))
}

func TestSynthesizePrologue_PassesVerify(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Reg(2)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	prepared, liveIns := SynthesizePrologue(b)
	require.ElementsMatch(t, []ir.RegId{1, 2}, liveIns)
	require.NoError(t, ir.Verify(prepared))
	require.Len(t, prepared.Ops, 3)
}

func TestSynthesizePrologue_NoOpWhenNoLiveIns(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(42)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	prepared, liveIns := SynthesizePrologue(b)
	require.Empty(t, liveIns)
	require.Same(t, b, prepared)
}

func TestEncodeDecodeMeta_RoundTripsTerminatorAndExits(t *testing.T) {
	cb := &CompiledBlock{
		Code:       []byte{0xC3},
		StartPC:    addr.GuestAddr(0x1000),
		Terminator: ir.Terminator{Kind: ir.TermFall, Next: addr.GuestAddr(0x1010)},
		Exits:      []addr.GuestAddr{addr.GuestAddr(0x2000), addr.GuestAddr(0x3000)},
	}
	meta := EncodeMeta(cb)
	got, err := DecodeMeta(addr.GuestAddr(0x1000), cb.Code, meta)
	require.NoError(t, err)
	require.Equal(t, cb.Terminator, got.Terminator)
	require.Equal(t, cb.Exits, got.Exits)
	require.Equal(t, cb.Code, got.Code)
}

func TestDecodeMeta_RejectsTruncatedBlob(t *testing.T) {
	_, err := DecodeMeta(addr.GuestAddr(0x1000), nil, []byte{0, 1, 2})
	require.Error(t, err)
}
