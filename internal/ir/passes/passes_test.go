package passes

import (
	"testing"

	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/stretchr/testify/require"
)

func TestConstantFold_FoldsImmImmBinary(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 1, BinOp: ir.Add, Lhs: ir.Imm(2), Rhs: ir.Imm(3)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	out := ConstantFold(b)
	require.Len(t, out.Ops, 1)
	require.Equal(t, ir.OpMove, out.Ops[0].Kind)
	require.Equal(t, uint64(5), out.Ops[0].Value.Imm)
}

func TestConstantFold_SkipsDivByZero(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 1, BinOp: ir.UDiv, Lhs: ir.Imm(10), Rhs: ir.Imm(0)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	out := ConstantFold(b)
	require.Equal(t, ir.OpBinary, out.Ops[0].Kind)
}

func TestCopyPropagate_ThreadsThroughMove(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpMove, Dest: 2, Value: ir.Reg(1)},
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Add, Lhs: ir.Reg(2), Rhs: ir.Imm(1)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	out := CopyPropagate(b)
	require.Equal(t, ir.Reg(1), out.Ops[1].Lhs)
}

func TestLocalCSE_DeduplicatesRepeatedComputation(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 1, BinOp: ir.Add, Lhs: ir.Reg(10), Rhs: ir.Reg(11)},
			{Kind: ir.OpBinary, Dest: 2, BinOp: ir.Add, Lhs: ir.Reg(10), Rhs: ir.Reg(11)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	out := LocalCSE(b)
	require.Equal(t, ir.OpBinary, out.Ops[0].Kind)
	require.Equal(t, ir.OpMove, out.Ops[1].Kind)
	require.Equal(t, ir.Reg(1), out.Ops[1].Value)
}

func TestLocalCSE_InvalidatesAfterRedefinition(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 1, BinOp: ir.Add, Lhs: ir.Reg(10), Rhs: ir.Reg(11)},
			{Kind: ir.OpMove, Dest: 10, Value: ir.Imm(99)},
			{Kind: ir.OpBinary, Dest: 2, BinOp: ir.Add, Lhs: ir.Reg(10), Rhs: ir.Reg(11)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	out := LocalCSE(b)
	require.Equal(t, ir.OpBinary, out.Ops[2].Kind)
}

func TestDeadCodeElimination_DropsUnusedDef(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(1)},
			{Kind: ir.OpMove, Dest: 2, Value: ir.Imm(2)},
		},
		Terminator: ir.Terminator{Kind: ir.TermIndirectJump, IndirectTarget: ir.Reg(2)},
	}
	out := DeadCodeElimination(b)
	require.Len(t, out.Ops, 1)
	require.Equal(t, ir.RegId(2), out.Ops[0].Dest)
}

func TestDeadCodeElimination_KeepsStoreSideEffect(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(0x1000)},
			{Kind: ir.OpMove, Dest: 2, Value: ir.Imm(7)},
			{Kind: ir.OpStoreExt, Addr: ir.Reg(1), Value: ir.Reg(2), Size: 8},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	out := DeadCodeElimination(b)
	require.Len(t, out.Ops, 3)
}

func TestRun_FullPipelineEndToEnd(t *testing.T) {
	b := &ir.Block{
		Ops: []ir.Op{
			{Kind: ir.OpMove, Dest: 5, Value: ir.Imm(2)},
			{Kind: ir.OpBinary, Dest: 6, BinOp: ir.Add, Lhs: ir.Reg(5), Rhs: ir.Imm(3)},
		},
		Terminator: ir.Terminator{Kind: ir.TermIndirectJump, IndirectTarget: ir.Reg(6)},
	}
	out := Run(b)
	require.Len(t, out.Ops, 1)
	require.Equal(t, ir.OpBinary, out.Ops[0].Kind)
	require.Equal(t, ir.RegId(6), out.Ops[0].Dest)
	require.Equal(t, ir.Imm(2), out.Ops[0].Lhs)
	require.Equal(t, ir.Imm(3), out.Ops[0].Rhs)
}
