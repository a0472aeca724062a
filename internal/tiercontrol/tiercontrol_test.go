package tiercontrol

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/codecache"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/jit"
	"github.com/stretchr/testify/require"
)

func sumLoopBlock() *ir.Block {
	return &ir.Block{
		StartPC: addr.GuestAddr(0x1000),
		Ops: []ir.Op{
			{Kind: ir.OpBinary, Dest: 3, BinOp: ir.Add, Lhs: ir.Reg(1), Rhs: ir.Reg(2)},
		},
		Terminator: ir.Terminator{Kind: ir.TermRet},
	}
}

func waitForCompile(t *testing.T, c *Controller, q *jit.Queue, fp ir.Fingerprint) {
	t.Helper()
	require.NoError(t, q.Wait())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.cache.Get(fp); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("compile for fingerprint never landed in cache")
}

func TestController_PromotesOnRawCountThreshold(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("tier-2 codegen targets amd64 only")
	}
	cache, err := codecache.New(0, 8, func(*jit.CompiledBlock) error { return nil })
	require.NoError(t, err)
	q := jit.NewQueue(context.Background(), 0)

	cfg := DefaultConfig()
	cfg.Tier2Threshold = 4
	cfg.Tier1Threshold = 1000 // keep tier-1 out of the way for this scenario
	cfg.TargetRate = 1e9     // unreachable: isolate the raw-count path
	c := New(cfg, q, cache, nil)

	b := sumLoopBlock()
	fp := b.Fingerprint()

	for i := 0; i < 5; i++ {
		c.RecordExecution(b)
	}

	waitForCompile(t, c, q, fp)

	entry, ok := cache.Get(fp)
	require.True(t, ok)
	require.Equal(t, 2, entry.Tier)
}

func TestController_DedupesInFlightRequests(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("tier-2 codegen targets amd64 only")
	}
	cache, err := codecache.New(0, 8, func(*jit.CompiledBlock) error { return nil })
	require.NoError(t, err)
	q := jit.NewQueue(context.Background(), 0)

	cfg := DefaultConfig()
	cfg.Tier2Threshold = 1
	cfg.Tier1Threshold = 1000
	c := New(cfg, q, cache, nil)

	b := sumLoopBlock()
	// Firing many times in a tight loop should still only ever submit one
	// in-flight tier-2 compile per fingerprint: promote() no-ops while the
	// fingerprint is already present in the inflight map.
	for i := 0; i < 50; i++ {
		c.RecordExecution(b)
	}
	require.NoError(t, q.Wait())

	entry, ok := cache.Get(b.Fingerprint())
	require.True(t, ok)
	require.Equal(t, 2, entry.Tier)
}

func TestController_AdaptHalvesUnderLowUtilizationAndHeadroom(t *testing.T) {
	cache, err := codecache.New(0, 8, nil)
	require.NoError(t, err)
	q := jit.NewQueue(context.Background(), 0)
	cfg := DefaultConfig()
	cfg.Tier2Threshold = 1000
	c := New(cfg, q, cache, nil)

	c.Adapt(0.1, 0.5, true)
	require.EqualValues(t, 500, c.Tier2Threshold())
}

func TestController_AdaptDoublesUnderMemoryPressure(t *testing.T) {
	cache, err := codecache.New(0, 8, nil)
	require.NoError(t, err)
	q := jit.NewQueue(context.Background(), 0)
	cfg := DefaultConfig()
	cfg.Tier2Threshold = 1000
	c := New(cfg, q, cache, nil)

	c.Adapt(0.9, 0.1, true)
	require.EqualValues(t, 2000, c.Tier2Threshold())
}

func TestController_AdaptClampsToConfiguredBounds(t *testing.T) {
	cache, err := codecache.New(0, 8, nil)
	require.NoError(t, err)
	q := jit.NewQueue(context.Background(), 0)
	cfg := DefaultConfig()
	cfg.Tier2Threshold = cfg.MinTier2Threshold
	c := New(cfg, q, cache, nil)

	c.Adapt(0.1, 0.9, true)
	require.Equal(t, cfg.MinTier2Threshold, c.Tier2Threshold())
}
