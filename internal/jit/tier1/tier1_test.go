package tier1

import (
	"runtime"
	"testing"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/jit"
	"github.com/stretchr/testify/require"
)

func TestCompile_RejectsIneligibleBlock(t *testing.T) {
	b := &ir.Block{
		Ops:        []ir.Op{{Kind: ir.OpLoadExt, Dest: 1, Addr: ir.Reg(2), Size: 8}},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	_, err := Compile(b)
	require.Error(t, err)
}

func TestCompile_LowersEligibleBlockOnAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("tier-1 codegen targets amd64 only")
	}
	b := &ir.Block{
		StartPC: addr.GuestAddr(0x1000),
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Reg(2)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	cb, err := Compile(b)
	require.NoError(t, err)
	require.NotEmpty(t, cb.Code)
	require.NoError(t, Release(cb))
}

func TestCompile_LowersCondBranchWithSideExit(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("tier-1 codegen targets amd64 only")
	}
	b := &ir.Block{
		StartPC: addr.GuestAddr(0x2000),
		Ops: []ir.Op{
			{Kind: ir.OpCondBranch, Cond: ir.CondEq, CondLhs: ir.Reg(1), CondRhs: ir.Imm(0), Target: addr.GuestAddr(0x2100)},
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Imm(1)},
		},
		Terminator: ir.Terminator{Kind: ir.TermJump, Target: addr.GuestAddr(0x2200)},
	}
	require.True(t, jit.Eligible(b))
	cb, err := Compile(b)
	require.NoError(t, err)
	require.Len(t, cb.Exits, 1)
	require.Equal(t, addr.GuestAddr(0x2100), cb.Exits[0])
	require.NoError(t, Release(cb))
}
