// Package gc is the incremental, generational mark-sweep collector for
// runtime-managed metadata objects (lifted IRBlocks, transient
// lifter/optimizer analyses, and miscellaneous heap objects) — never
// for guest memory, and never for the JIT's own executable mappings,
// which internal/jit/tier1 and tier2 manage directly via
// internal/platform's mmap/mprotect calls and are untouched here.
package gc

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Kind is the closed set of managed-object tags: dispatch is a switch
// over Kind, never an interface vtable call, matching this corpus's
// closed-sum-type convention for hot-path dispatch (ir.Op/ir.Kind is
// the same shape).
type Kind uint8

const (
	KindIRBlock Kind = iota
	KindAnalysisScratch
	KindHeapObject
)

// Object is one managed allocation. Children lists every other Object
// this one references, forming the root-to-leaf graph the collector
// traces; it is the mutator's responsibility to keep Children current
// whenever a guest-visible store rewires a reference (see Heap.Write).
type Object struct {
	Kind     Kind
	Size     uint64
	gen      atomic.Uint32 // 0 = young, 1 = old
	Children []*Object
}

// CardBytes is the write-barrier granularity (spec.md §4.8).
const CardBytes = 512

// PromotionThreshold is the number of minor cycles an object must
// survive before being tenured into the old generation.
const PromotionThreshold = 3

// Config tunes the collector; zero-value Config is invalid, use DefaultConfig.
type Config struct {
	YoungGenBytes uint64
	OldGenBytes   uint64

	// AllocationTriggerRate is the allocation-rate threshold (bytes/sec)
	// that forces a cycle even below the heap-usage ratio trigger.
	AllocationTriggerRate uint64

	// SliceDuration bounds one incremental old-gen mark/sweep step.
	SliceDuration time.Duration

	Workers int
}

// DefaultConfig mirrors spec.md §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		YoungGenBytes:         16 << 20,
		OldGenBytes:           64 << 20,
		AllocationTriggerRate: 10 << 20, // 10 MiB/s
		SliceDuration:         time.Millisecond,
		Workers:               4,
	}
}

// card is one 512-byte region's write-barrier bit: set when a store
// writes an old-gen→young-gen reference into it, so a minor GC knows
// to scan that card's old-gen objects as extra roots instead of
// walking the entire old generation looking for inbound pointers.
type cardTable struct {
	shards []cardShard
}

type cardShard struct {
	mu    sync.Mutex
	dirty map[uint64]struct{}
}

func newCardTable(shardCount int) *cardTable {
	t := &cardTable{shards: make([]cardShard, shardCount)}
	for i := range t.shards {
		t.shards[i].dirty = make(map[uint64]struct{})
	}
	return t
}

func (t *cardTable) shardFor(card uint64) *cardShard {
	return &t.shards[card%uint64(len(t.shards))]
}

func (t *cardTable) mark(card uint64) {
	s := t.shardFor(card)
	s.mu.Lock()
	s.dirty[card] = struct{}{}
	s.mu.Unlock()
}

// drain returns every currently-dirty card and clears the table —
// called once per minor GC to find old→young cross-generational roots.
func (t *cardTable) drain() []uint64 {
	var cards []uint64
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for c := range s.dirty {
			cards = append(cards, c)
		}
		s.dirty = make(map[uint64]struct{})
		s.mu.Unlock()
	}
	return cards
}

// Heap is the managed-metadata allocator and collector. Safe for
// concurrent Alloc/Write from multiple interpreter/JIT worker
// goroutines; collection itself runs on the caller's goroutine inside
// Cycle/MinorGC so the caller controls when pauses happen.
type Heap struct {
	cfg   Config
	cards *cardTable

	mu    sync.Mutex
	young []*Object
	old   []*Object

	allocatedSinceTick atomic.Uint64
	lastRateSample     time.Time
	rateSampleMu       sync.Mutex

	survivorCount map[*Object]int
}

// New builds a Heap from cfg.
func New(cfg Config) *Heap {
	shards := cfg.Workers
	if shards < 1 {
		shards = 1
	}
	return &Heap{
		cfg:            cfg,
		cards:          newCardTable(shards),
		lastRateSample: time.Time{},
		survivorCount:  make(map[*Object]int),
	}
}

// Alloc allocates o into the young generation.
func (h *Heap) Alloc(o *Object) *Object {
	h.mu.Lock()
	h.young = append(h.young, o)
	h.mu.Unlock()
	h.allocatedSinceTick.Add(o.Size)
	return o
}

// Write records a reference store child into parent.Children,
// applying the write barrier (spec.md §4.8): if parent is old and
// child is young, the enclosing card is marked dirty so the next
// minor GC treats parent as an extra root without a full old-gen scan.
func (h *Heap) Write(parent, child *Object) {
	parent.Children = append(parent.Children, child)
	if parent.gen.Load() == 1 && child.gen.Load() == 0 {
		card := cardOf(parent)
		h.cards.mark(card)
	}
}

// cardOf maps an object to its write-barrier card. Objects don't carry
// a real address in this Go-hosted design (no raw pointers into a
// manually managed arena), so the card id is derived from the
// object's own identity via its pointer value — stable for the
// object's lifetime, which is all the barrier needs.
func cardOf(o *Object) uint64 {
	return uint64(uintptr(unsafe.Pointer(o))) / CardBytes
}

// ShouldCollect reports whether usage or allocation rate crosses the
// adaptive trigger (spec.md §4.8): used/limit > 0.8, or the sampled
// allocation rate exceeds AllocationTriggerRate.
func (h *Heap) ShouldCollect() bool {
	h.mu.Lock()
	used := heapBytes(h.young) + heapBytes(h.old)
	limit := h.cfg.YoungGenBytes + h.cfg.OldGenBytes
	h.mu.Unlock()
	if limit > 0 && float64(used)/float64(limit) > 0.8 {
		return true
	}
	return h.sampledRate() > float64(h.cfg.AllocationTriggerRate)
}

func (h *Heap) sampledRate() float64 {
	h.rateSampleMu.Lock()
	defer h.rateSampleMu.Unlock()
	now := time.Now()
	if h.lastRateSample.IsZero() {
		h.lastRateSample = now
		return 0
	}
	dt := now.Sub(h.lastRateSample).Seconds()
	if dt <= 0 {
		return 0
	}
	rate := float64(h.allocatedSinceTick.Swap(0)) / dt
	h.lastRateSample = now
	return rate
}

func heapBytes(objs []*Object) uint64 {
	var n uint64
	for _, o := range objs {
		n += o.Size
	}
	return n
}

// MinorGC collects the young generation: stop-the-world from the
// caller's perspective (it runs to completion, unsliced — young-gen
// pauses are bounded by the generation's own small size rather than by
// time-slicing, per spec.md §4.8) but bounded: roots are every object
// reachable from dirty cards plus any object the caller passes as an
// explicit root. Survivors are promoted to the old generation once
// they outlive PromotionThreshold minor cycles.
func (h *Heap) MinorGC(roots []*Object) {
	h.mu.Lock()
	defer h.mu.Unlock()

	extraRoots := h.objectsFromCards()
	reachable := mark(append(append([]*Object{}, roots...), extraRoots...))

	var survivors, dead []*Object
	for _, o := range h.young {
		if reachable[o] {
			survivors = append(survivors, o)
		} else {
			dead = append(dead, o)
		}
	}
	for _, o := range dead {
		delete(h.survivorCount, o)
	}

	var stillYoung []*Object
	for _, o := range survivors {
		h.survivorCount[o]++
		if h.survivorCount[o] >= PromotionThreshold {
			o.gen.Store(1)
			h.old = append(h.old, o)
			delete(h.survivorCount, o)
		} else {
			stillYoung = append(stillYoung, o)
		}
	}
	h.young = stillYoung
}

// objectsFromCards resolves the write barrier's dirty cards back to
// old-gen objects that must be treated as extra minor-GC roots. This
// implementation tracks dirty cards at the granularity of object
// identity (see cardOf), so resolving a card back to its object is a
// linear scan of the old generation — acceptable since old-gen size is
// bounded relative to young-gen collection frequency; a production
// card table would instead index old-gen objects by card directly.
func (h *Heap) objectsFromCards() []*Object {
	dirty := h.cards.drain()
	if len(dirty) == 0 {
		return nil
	}
	set := make(map[uint64]struct{}, len(dirty))
	for _, c := range dirty {
		set[c] = struct{}{}
	}
	var roots []*Object
	for _, o := range h.old {
		if _, ok := set[cardOf(o)]; ok {
			roots = append(roots, o)
		}
	}
	return roots
}

func mark(roots []*Object) map[*Object]bool {
	reachable := make(map[*Object]bool, len(roots)*2)
	var stack []*Object
	stack = append(stack, roots...)
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[o] {
			continue
		}
		reachable[o] = true
		stack = append(stack, o.Children...)
	}
	return reachable
}
