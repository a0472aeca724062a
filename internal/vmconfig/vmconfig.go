// Package vmconfig is the functional-options configuration surface for
// the whole VM, grounded on the teacher's RuntimeConfig: New copies the
// defaults into a fresh Config and applies each option to that copy, so
// two configs built by New never alias each other's state.
package vmconfig

import (
	"github.com/RunningShrimp/vmcore/internal/frontend"
)

// Config holds every tunable spec.md §6 lists for the CLI/config
// surface: arch selection, memory size, per-level TLB sizes, compile
// thresholds, heap limits, and prefetch/AOT/SIMD enable flags.
// internal/vm reads Arch, MemoryBytes, the tier thresholds, the heap
// limits and the AOT fields. The TLB sizes, EnablePrefetch and
// EnableSIMD are stored only: the MMU always builds 256/2048/16384-entry
// TLBs and always runs its stride prefetcher.
type Config struct {
	Arch        frontend.Arch
	MemoryBytes uint64

	TLBL1Entries int
	TLBL2Entries int

	Tier1Threshold int64
	Tier2Threshold int64

	HeapYoungBytes uint64
	HeapOldBytes   uint64

	EnablePrefetch bool
	EnableAOT      bool
	EnableSIMD     bool

	AOTCacheDir string
}

// defaultConfig holds every baseline value; New clones it rather than
// building a zero Config so omitted options get sane values instead of
// zero/false.
var defaultConfig = Config{
	Arch:           frontend.X86_64,
	MemoryBytes:    256 << 20, // 256 MiB
	TLBL1Entries:   256,
	TLBL2Entries:   2048,
	Tier1Threshold: 50,
	Tier2Threshold: 1000,
	HeapYoungBytes: 16 << 20,
	HeapOldBytes:   256 << 20,
	EnablePrefetch: true,
	EnableAOT:      false,
	EnableSIMD:     true,
}

// Option mutates a Config in place; New applies each Option to a fresh
// clone of defaultConfig in order.
type Option func(*Config)

// New builds a Config by applying opts over defaultConfig.
func New(opts ...Option) *Config {
	c := defaultConfig
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// WithArch selects the guest ISA to decode.
func WithArch(a frontend.Arch) Option {
	return func(c *Config) { c.Arch = a }
}

// WithMemoryBytes sets the guest physical address space size.
func WithMemoryBytes(n uint64) Option {
	return func(c *Config) { c.MemoryBytes = n }
}

// WithTLBSizes records L1/L2 software TLB entry counts in the Config
// (spec.md §4.7). internal/vm does not pass them on; mmu.New uses its
// fixed sizes.
func WithTLBSizes(l1, l2 int) Option {
	return func(c *Config) {
		c.TLBL1Entries = l1
		c.TLBL2Entries = l2
	}
}

// WithTierThresholds sets the initial tier-1/tier-2 promotion
// thresholds handed to internal/tiercontrol.Config.
func WithTierThresholds(tier1, tier2 int64) Option {
	return func(c *Config) {
		c.Tier1Threshold = tier1
		c.Tier2Threshold = tier2
	}
}

// WithHeapLimits sets the young- and old-generation heap byte budgets
// the GC is constructed with.
func WithHeapLimits(young, old uint64) Option {
	return func(c *Config) {
		c.HeapYoungBytes = young
		c.HeapOldBytes = old
	}
}

// WithPrefetch records whether the MMU's stride prefetcher is enabled.
// Nothing reads the field: the interpreter calls MMU.PrefetchNext after
// every block either way.
func WithPrefetch(enabled bool) Option {
	return func(c *Config) { c.EnablePrefetch = enabled }
}

// WithAOT toggles the disk-backed tier-2 persistence layer and sets
// its cache directory; an empty dir with enabled=true is a
// configuration error the caller should reject before constructing
// the VM (vmconfig itself only stores the value — validation is the
// top-level facade's job, same division the teacher's CompileModule
// draws between config storage and config validation).
func WithAOT(enabled bool, cacheDir string) Option {
	return func(c *Config) {
		c.EnableAOT = enabled
		c.AOTCacheDir = cacheDir
	}
}

// WithSIMD records the SIMD enable flag. Nothing reads the field; the
// frontends and the interpreter have no SIMD support.
func WithSIMD(enabled bool) Option {
	return func(c *Config) { c.EnableSIMD = enabled }
}
