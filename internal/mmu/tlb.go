package mmu

import (
	"sync/atomic"

	"github.com/RunningShrimp/vmcore/internal/addr"
)

// tlbEntry is an immutable cached translation. gen records the MMU
// generation counter value at fill time; a lookup whose gen doesn't
// match the MMU's current generation is treated as a miss without ever
// touching the slot itself, which is what makes Shootdown O(1) instead
// of O(TLB size).
type tlbEntry struct {
	vpn  uint64
	phys addr.GuestPhysAddr
	perm Access
	gen  uint64
}

// tlb is a direct-mapped, CAS-refilled cache of vpn -> tlbEntry. Three
// of these (256/2048/16384 entries, spec.md §4.7) back L1/L2/L3; all
// three share this same implementation, differing only in slot count.
type tlb struct {
	slots []atomic.Pointer[tlbEntry]
}

func newTLB(size int) *tlb {
	return &tlb{slots: make([]atomic.Pointer[tlbEntry], size)}
}

func (t *tlb) index(vpn uint64) uint64 {
	return vpn % uint64(len(t.slots))
}

// lookup returns the cached entry for vpn if present and still current
// as of gen.
func (t *tlb) lookup(vpn uint64, gen uint64) (tlbEntry, bool) {
	p := t.slots[t.index(vpn)].Load()
	if p == nil {
		return tlbEntry{}, false
	}
	e := *p
	if e.vpn != vpn || e.gen != gen {
		return tlbEntry{}, false
	}
	return e, true
}

// fill installs e at its direct-mapped slot via CAS, retrying against
// concurrent refills of the same slot rather than taking a lock — two
// racing fills of the same vpn converge on an equivalent entry, so a
// lost race is harmless; fill only needs to guarantee *some* valid
// entry ends up visible.
func (t *tlb) fill(vpn uint64, base tlbEntry, gen uint64) {
	e := base
	e.gen = gen
	slot := &t.slots[t.index(vpn)]
	for {
		old := slot.Load()
		if slot.CompareAndSwap(old, &e) {
			return
		}
	}
}
