// Package tiercontrol is the hotspot detector and promotion policy
// sitting between internal/interpreter and internal/jit: it counts
// block executions, decides when a block is "hot" per spec's EWMA +
// raw-count rule, deduplicates in-flight compile requests by
// fingerprint, and posts accepted promotions to an internal/jit.Queue.
package tiercontrol

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RunningShrimp/vmcore/internal/aot"
	"github.com/RunningShrimp/vmcore/internal/codecache"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/jit"
	"github.com/RunningShrimp/vmcore/internal/jit/tier1"
	"github.com/RunningShrimp/vmcore/internal/jit/tier2"
)

// Config holds the tunables spec.md §4.6 calls out explicitly as
// configurable rather than hardcoded.
type Config struct {
	Tier1Threshold int64   // raw execution count to first JIT a block.
	Tier2Threshold int64   // raw execution count to promote to tier-2.
	EwmaAlpha      float64 // smoothing factor for the rate estimate.
	TargetRate     float64 // executions/sec that also qualifies for tier-2.

	MinTier2Threshold int64
	MaxTier2Threshold int64
}

// DefaultConfig mirrors spec.md §4.6's illustrative defaults.
func DefaultConfig() Config {
	return Config{
		Tier1Threshold:    50,
		Tier2Threshold:    1000,
		EwmaAlpha:         0.2,
		TargetRate:        200,
		MinTier2Threshold: 64,
		MaxTier2Threshold: 64000,
	}
}

type counter struct {
	raw      atomic.Int64
	ewma     atomic.Uint64 // math.Float64bits-encoded rate estimate
	lastTick atomic.Int64  // UnixNano of the previous observation
	tier     atomic.Int32  // highest tier requested so far: 0, 1 or 2
}

// Controller is safe for concurrent use by every interpreter goroutine
// executing guest blocks.
type Controller struct {
	cfg      Config
	cfgMu    sync.RWMutex
	counters sync.Map // ir.Fingerprint -> *counter
	inflight sync.Map // ir.Fingerprint -> struct{}

	queue *jit.Queue
	cache *codecache.Cache
	aot   *aot.Store // nil when AOT persistence is disabled
}

// New builds a Controller posting accepted promotions to queue and
// installing results into cache. aotStore may be nil, in which case
// tier-2 compiles are never persisted to disk and every run starts
// from an empty code cache.
func New(cfg Config, queue *jit.Queue, cache *codecache.Cache, aotStore *aot.Store) *Controller {
	return &Controller{cfg: cfg, queue: queue, cache: cache, aot: aotStore}
}

func (c *Controller) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// RecordExecution is called once per block dispatch (from tier-0 or a
// compiled tier). It updates the block's raw count and EWMA rate, and
// — if the result crosses a promotion threshold and no compile for
// this fingerprint is already in flight — submits a compile job.
func (c *Controller) RecordExecution(b *ir.Block) {
	fp := b.Fingerprint()
	v, _ := c.counters.LoadOrStore(fp, &counter{})
	ct := v.(*counter)

	raw := ct.raw.Add(1)
	now := time.Now().UnixNano()
	last := ct.lastTick.Swap(now)
	rate := instantRate(last, now)
	updateEWMA(ct, rate, c.config().EwmaAlpha)

	cfg := c.config()
	switch {
	case ct.tier.Load() < 2 && (raw >= cfg.Tier2Threshold || decodeEWMA(ct) >= cfg.TargetRate):
		c.promote(fp, b, 2)
	case ct.tier.Load() < 1 && raw >= cfg.Tier1Threshold:
		c.promote(fp, b, 1)
	}
}

func instantRate(lastNano, nowNano int64) float64 {
	if lastNano == 0 {
		return 0
	}
	dt := time.Duration(nowNano - lastNano).Seconds()
	if dt <= 0 {
		return 0
	}
	return 1 / dt
}

func updateEWMA(ct *counter, sample, alpha float64) {
	for {
		old := ct.ewma.Load()
		oldRate := math.Float64frombits(old)
		newRate := alpha*sample + (1-alpha)*oldRate
		if ct.ewma.CompareAndSwap(old, math.Float64bits(newRate)) {
			return
		}
	}
}

func decodeEWMA(ct *counter) float64 { return math.Float64frombits(ct.ewma.Load()) }

// promote submits a compile job for fp at the requested tier, deduped
// against any already in-flight request for the same fingerprint.
// tier-2 here compiles the single hot block as a one-block trace:
// internal/jit/tier2.CompileTrace still applies self-loop unrolling
// for the common hot-loop shape, but multi-block superblock formation
// (linking distinct blocks observed to run back-to-back across
// several dispatches) is not implemented — it needs execution-history
// tracking this controller does not keep, and is recorded as a scope
// decision in DESIGN.md rather than attempted half-built.
func (c *Controller) promote(fp ir.Fingerprint, b *ir.Block, tier int32) {
	if _, already := c.inflight.LoadOrStore(fp, struct{}{}); already {
		return
	}
	c.queue.Submit(func() error {
		defer c.inflight.Delete(fp)

		var cb *jit.CompiledBlock
		var err error
		if tier >= 2 {
			cb, err = tier2.CompileTrace([]*ir.Block{b})
		} else {
			cb, err = tier1.Compile(b)
		}
		if err != nil {
			return err
		}

		c.cache.Put(fp, &codecache.Entry{Block: cb, Tier: int(tier)})
		if v, ok := c.counters.Load(fp); ok {
			v.(*counter).tier.Store(tier)
		}

		// Persist tier-2 compiles for a later run's cold start to pick
		// up via internal/vm's cache-miss lookup. Best-effort: a
		// disk write failure here must never fail the compile itself,
		// since the block is already usable from the in-memory cache.
		if c.aot != nil && tier >= 2 {
			_ = c.aot.Store(&aot.Record{
				Fingerprint: fp,
				Code:        cb.Code,
				Meta:        jit.EncodeMeta(cb),
			})
		}
		return nil
	})
}

// Adapt implements spec.md §4.6's adaptive-threshold rule: the caller
// (the VM's own periodic sampling loop, not a goroutine this package
// spawns) reports current queue utilisation and memory headroom and
// this halves or doubles Tier2Threshold accordingly, clamped to
// [MinTier2Threshold, MaxTier2Threshold].
func (c *Controller) Adapt(queueUtilization, memHeadroomRatio float64, recentTier2Improved bool) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	switch {
	case queueUtilization < 0.5 && memHeadroomRatio >= 0.25:
		c.cfg.Tier2Threshold /= 2
	case memHeadroomRatio < 0.25 || !recentTier2Improved:
		c.cfg.Tier2Threshold *= 2
	}
	if c.cfg.Tier2Threshold < c.cfg.MinTier2Threshold {
		c.cfg.Tier2Threshold = c.cfg.MinTier2Threshold
	}
	if c.cfg.Tier2Threshold > c.cfg.MaxTier2Threshold {
		c.cfg.Tier2Threshold = c.cfg.MaxTier2Threshold
	}
}

// Tier2Threshold exposes the current adaptive threshold, primarily for
// tests and observability.
func (c *Controller) Tier2Threshold() int64 {
	return c.config().Tier2Threshold
}
