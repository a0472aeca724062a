package tier2

import (
	"runtime"
	"testing"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/stretchr/testify/require"
)

func TestCompileTrace_RejectsEmptyTrace(t *testing.T) {
	_, err := CompileTrace(nil)
	require.Error(t, err)
}

func TestCompileTrace_RejectsIneligibleBlockInChain(t *testing.T) {
	b1 := &ir.Block{
		StartPC:    addr.GuestAddr(0x1000),
		Ops:        []ir.Op{{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(1)}},
		Terminator: ir.Terminator{Kind: ir.TermJump, Target: addr.GuestAddr(0x1010)},
	}
	b2 := &ir.Block{
		StartPC:    addr.GuestAddr(0x1010),
		Ops:        []ir.Op{{Kind: ir.OpLoadExt, Dest: 2, Addr: ir.Reg(1), Size: 8}},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	_, err := CompileTrace([]*ir.Block{b1, b2})
	require.Error(t, err)
}

func TestMergeChain_ConcatenatesOpsKeepsLastTerminator(t *testing.T) {
	b1 := &ir.Block{
		StartPC:    addr.GuestAddr(0x1000),
		Ops:        []ir.Op{{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(1)}},
		Terminator: ir.Terminator{Kind: ir.TermJump, Target: addr.GuestAddr(0x1010)},
	}
	b2 := &ir.Block{
		StartPC:    addr.GuestAddr(0x1010),
		Ops:        []ir.Op{{Kind: ir.OpMove, Dest: 2, Value: ir.Imm(2)}},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
	merged := mergeChain([]*ir.Block{b1, b2})
	require.Len(t, merged.Ops, 2)
	require.Equal(t, ir.TermRet, merged.Terminator.Kind)
	require.Equal(t, addr.GuestAddr(0x1000), merged.StartPC)
}

func TestUnroll_DuplicatesBody(t *testing.T) {
	b := &ir.Block{
		StartPC:    addr.GuestAddr(0x1000),
		Ops:        []ir.Op{{Kind: ir.OpMove, Dest: 1, Value: ir.Imm(1)}},
		Terminator: ir.Terminator{Kind: ir.TermJump, Target: addr.GuestAddr(0x1000)},
	}
	out := unroll(b, 3)
	require.Len(t, out.Ops, 3)
}

func TestCompileTrace_LowersSelfLoopOnAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("tier-2 codegen targets amd64 only")
	}
	b := &ir.Block{
		StartPC: addr.GuestAddr(0x3000),
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 1, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Imm(1)},
		},
		Terminator: ir.Terminator{Kind: ir.TermJump, Target: addr.GuestAddr(0x3000)},
	}
	cb, err := CompileTrace([]*ir.Block{b})
	require.NoError(t, err)
	require.NotEmpty(t, cb.Code)
	require.NoError(t, Release(cb))
}
