// Package vm is the top-level facade tying the frontend decoders,
// tier-0 interpreter, tiered JIT, sharded code cache, hotspot
// controller, software MMU, and managed-metadata GC together into one
// runnable guest execution core. cmd/vmcore constructs exactly one of
// these per run.
package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/aot"
	"github.com/RunningShrimp/vmcore/internal/codecache"
	"github.com/RunningShrimp/vmcore/internal/eventbus"
	"github.com/RunningShrimp/vmcore/internal/gc"
	"github.com/RunningShrimp/vmcore/internal/interpreter"
	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/RunningShrimp/vmcore/internal/jit"
	"github.com/RunningShrimp/vmcore/internal/jit/tier1"
	"github.com/RunningShrimp/vmcore/internal/mmu"
	"github.com/RunningShrimp/vmcore/internal/tiercontrol"
	"github.com/RunningShrimp/vmcore/internal/vmconfig"
)

// VM is one guest address space plus the execution machinery serving
// it. Shutdown order mirrors spec.md §9: workers (the compile queue)
// → code cache → MMU. The GC and event bus are owned values with no
// background goroutines of their own, so they need no explicit
// shutdown step beyond being dropped.
type VM struct {
	cfg    *vmconfig.Config
	mmu    *mmu.MMU
	interp *interpreter.Interpreter
	cache  *codecache.Cache
	queue  *jit.Queue
	tier   *tiercontrol.Controller
	heap   *gc.Heap
	old    *gc.OldGenCollector
	bus    eventbus.Store
	aot    *aot.Store
}

// New constructs a VM from cfg. Validation that belongs to the facade
// rather than vmconfig itself (e.g. AOT enabled with an empty cache
// directory) happens here.
func New(ctx context.Context, cfg *vmconfig.Config) (*VM, error) {
	if cfg.EnableAOT && cfg.AOTCacheDir == "" {
		return nil, fmt.Errorf("vm: AOT enabled with no cache directory configured")
	}

	m, err := mmu.New(int(cfg.MemoryBytes))
	if err != nil {
		return nil, err
	}
	it, err := interpreter.New(m, cfg.Arch)
	if err != nil {
		return nil, err
	}

	release := func(cb *jit.CompiledBlock) error { return tier1.Release(cb) }
	cache, err := codecache.New(codecache.DefaultShards, 512, release)
	if err != nil {
		return nil, err
	}

	var aotStore *aot.Store
	if cfg.EnableAOT {
		aotStore = aot.New(cfg.AOTCacheDir, aot.CompilerTag{})
	}

	queue := jit.NewQueue(ctx, 4)
	tierCfg := tiercontrol.DefaultConfig()
	tierCfg.Tier1Threshold = cfg.Tier1Threshold
	tierCfg.Tier2Threshold = cfg.Tier2Threshold
	tier := tiercontrol.New(tierCfg, queue, cache, aotStore)

	gcCfg := gc.DefaultConfig()
	gcCfg.YoungGenBytes = cfg.HeapYoungBytes
	gcCfg.OldGenBytes = cfg.HeapOldBytes
	heap := gc.New(gcCfg)
	old := gc.NewOldGenCollector(heap, gcCfg.Workers)

	v := &VM{
		cfg:    cfg,
		mmu:    m,
		interp: it,
		cache:  cache,
		queue:  queue,
		tier:   tier,
		heap:   heap,
		old:    old,
		bus:    eventbus.NewMemStore(),
		aot:    aotStore,
	}
	return v, nil
}

// GetReg/SetReg expose the guest's architectural register file so a
// caller can seed arguments before Run and read results after.
func (v *VM) GetReg(r ir.RegId) uint64    { return v.interp.GetReg(r) }
func (v *VM) SetReg(r ir.RegId, n uint64) { v.interp.SetReg(r, n) }

// Events returns the VM's domain event log (spec.md §6).
func (v *VM) Events() eventbus.Store { return v.bus }

// LoadImage maps enough identity (virt == phys) pages starting at base
// to hold len(code) and writes code into guest memory — a minimal flat
// loader for a single code image, sufficient for the CLI's
// one-program-per-run model. Mapped read+write+exec: W^X is enforced
// only for the JIT's own native-code mappings (internal/jit/tier1,
// tier2, via internal/platform.Protect), never for guest memory itself,
// which real guest programs routinely self-modify or write constants
// adjacent to.
func (v *VM) LoadImage(base addr.GuestAddr, code []byte) error {
	npages := (len(code) + addr.PageSize - 1) / addr.PageSize
	if npages == 0 {
		npages = 1
	}
	if err := v.mmu.Map(base, addr.GuestPhysAddr(base), npages, mmu.AccessRead|mmu.AccessWrite|mmu.AccessExec); err != nil {
		return err
	}
	return v.mmu.WriteBytes(base, code)
}

// loadFromAOT consults the disk-backed tier-2 cache on an in-memory
// code-cache miss, installing a hit back into v.cache so later misses
// for the same fingerprint in this run are served from memory. Returns
// ok=false whenever AOT is disabled, the entry is absent, or the
// persisted record fails to decode (a corrupt or version-skewed entry
// is treated the same as a miss — internal/aot.Load already makes that
// call for on-disk format mismatches; DecodeMeta failures surface here
// for the same reason).
func (v *VM) loadFromAOT(fp ir.Fingerprint, pc addr.GuestAddr) (*codecache.Entry, bool) {
	if v.aot == nil {
		return nil, false
	}
	rec, ok, err := v.aot.Load(fp)
	if err != nil || !ok {
		return nil, false
	}
	cb, err := jit.DecodeMeta(pc, rec.Code, rec.Meta)
	if err != nil {
		return nil, false
	}
	entry := &codecache.Entry{Block: cb, Tier: 2}
	v.cache.Put(fp, entry)
	return entry, true
}

// Run drives guest execution from start. For each block it first
// fingerprints and consults the code cache, falling back to the
// disk-backed AOT store on a cache miss before falling back further to
// the tier-0 interpreter: a tier-1/2 hit (whether served from memory or
// reloaded from disk) dispatches straight to native code via
// jit.Invoke, and a genuine miss interprets the block and records the
// execution with the tier controller, which may (asynchronously, via
// the compile queue) promote the block for next time. Returns once the
// entry-level block chain returns (TermRet) or an error occurs.
func (v *VM) Run(ctx context.Context, start addr.GuestAddr) (addr.GuestAddr, error) {
	pc := start
	for {
		select {
		case <-ctx.Done():
			return pc, ctx.Err()
		default:
		}

		b, err := v.interp.DecodeAt(pc)
		if err != nil {
			return pc, err
		}
		fp := b.Fingerprint()

		entry, ok := v.cache.Get(fp)
		if !ok {
			entry, ok = v.loadFromAOT(fp, pc)
		}
		if ok {
			next, returned, err := v.dispatchNative(entry, b)
			if err != nil {
				return pc, err
			}
			if returned {
				return next, nil
			}
			pc = next
			continue
		}

		next, returned, err := v.interp.ExecuteBlock(ctx, b)
		if err != nil {
			return pc, err
		}
		v.tier.RecordExecution(b)
		if returned {
			return next, nil
		}
		pc = next
	}
}

// dispatchNative runs a compiled block's native code, exchanging
// register state with the interpreter's own register file before and
// after the call (jit.RegFile and the interpreter's map-backed
// registers are two views of the same architectural state, kept in
// sync at every tier transition rather than merged into one
// representation, since the interpreter's map form needs to support
// arbitrary RegIds — including frontend's reserved link
// pseudo-register — that fall outside the JIT's fixed-size RegFile).
func (v *VM) dispatchNative(e *codecache.Entry, fallback *ir.Block) (next addr.GuestAddr, returned bool, err error) {
	var regs jit.RegFile
	for i := 0; i < jit.RegFileSlots; i++ {
		regs[i] = v.interp.GetReg(ir.RegId(i))
	}

	outcome, err := jit.Invoke(e.Block, &regs)
	if err != nil {
		return 0, false, err
	}

	for i := 0; i < jit.RegFileSlots; i++ {
		v.interp.SetReg(ir.RegId(i), regs[i])
	}

	if outcome.SideExit {
		return outcome.Target, false, nil
	}
	switch outcome.Terminator.Kind {
	case ir.TermRet:
		return 0, true, nil
	case ir.TermFall:
		return outcome.Terminator.Next, false, nil
	case ir.TermJump:
		return outcome.Terminator.Target, false, nil
	default:
		// Compiled blocks never carry TermIndirectJump/TermTrap
		// terminators (jit.Eligible excludes both), so falling back to
		// the interpreter's own terminator handling for this one block
		// can't happen in practice; kept only as a documented
		// can't-happen guard rather than a silent panic.
		_, r, e2 := v.interp.ExecuteBlock(context.Background(), fallback)
		return 0, r, e2
	}
}

// CollectGarbage runs one bounded GC step: a minor collection over the
// young generation (rooted at whatever the caller currently considers
// live metadata) followed by, if a prior old-generation cycle is
// still in progress or newly due, one incremental mark/sweep slice.
// The caller decides when to call this (e.g. once per N blocks
// executed, or whenever Heap.ShouldCollect reports true) rather than
// this package running its own background ticker, mirroring
// internal/tiercontrol.Adapt's "caller drives the clock" shape.
func (v *VM) CollectGarbage(roots []*gc.Object) {
	v.heap.MinorGC(roots)
	if !v.old.InProgress() && v.heap.ShouldCollect() {
		v.old.BeginCycle(roots)
	}
	if v.old.InProgress() {
		v.old.Step(time.Millisecond)
	}
}

// Shutdown drains the compile queue and releases VM resources in
// spec.md §9's stated order: workers → compile pool → code cache → MMU.
// A compile error reported by the queue is returned after the cache and
// MMU have been released.
func (v *VM) Shutdown() error {
	qerr := v.queue.Wait()
	v.cache.InvalidateAll()
	if err := v.mmu.Close(); err != nil {
		return err
	}
	return qerr
}
