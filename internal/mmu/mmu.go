// Package mmu implements the hierarchical software MMU and TLB
// hierarchy the interpreter and JIT tiers translate every guest memory
// access through (spec.md §4.7). A guest virtual address is walked
// through a radix page table on a TLB miss, L1/L2/L3 direct-mapped TLBs
// cache the result, and bulk invalidation (spec.md §5's "address space
// switch" and "page unmap" paths) is a single generation bump rather
// than a scan of every cached entry — the same style of trick
// `rcornwell/S370`'s single-level `cpu.tlb[page]` cache uses for its
// segment-tagged entries, generalised here to three levels and made
// concurrency-safe with CAS instead of `S370`'s single-threaded direct
// store.
package mmu

import (
	"sync/atomic"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/platform"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
)

// Access tags the kind of access being translated, mirroring
// risc32's MemoryExec/MemoryWrite/MemoryRead page-permission bits.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec
)

// MMU owns the guest physical backing memory, the radix page table, and
// the three TLB levels that cache translations out of it.
type MMU struct {
	phys []byte // host-mmap'd guest physical memory, spec.md §4.7.

	table *PageTable

	l1 *tlb // 256 entries
	l2 *tlb // 2048 entries
	l3 *tlb // 16384 entries

	generation atomic.Uint64 // bumped on every Shootdown.

	prefetch stridePredictor
}

// New allocates size bytes of guest physical memory (page-rounded) and
// an empty page table.
func New(size int) (*MMU, error) {
	rounded := (size + addr.PageSize - 1) &^ (addr.PageSize - 1)
	phys, err := platform.MmapGuestMemory(rounded)
	if err != nil {
		return nil, vmerr.New(vmerr.MemoryOutOfMemory, err)
	}
	return &MMU{
		phys:  phys,
		table: newPageTable(),
		l1:    newTLB(256),
		l2:    newTLB(2048),
		l3:    newTLB(16384),
	}, nil
}

// Close releases the host backing memory.
func (m *MMU) Close() error {
	return platform.MunmapGuestMemory(m.phys)
}

// Map installs a run of npages contiguous pages starting at virt,
// backed by physical pages starting at phys, with the given permission.
func (m *MMU) Map(virt addr.GuestAddr, phys addr.GuestPhysAddr, npages int, perm Access) error {
	for i := 0; i < npages; i++ {
		v := virt.Add(uint64(i) * addr.PageSize)
		p := phys.Add(uint64(i) * addr.PageSize)
		if uint64(p)+addr.PageSize > uint64(len(m.phys)) {
			return vmerr.New(vmerr.MemoryOutOfMemory, nil)
		}
		m.table.Set(v, PageTableEntry{Phys: p, Perm: perm, Present: true})
	}
	return nil
}

// Unmap clears npages pages starting at virt and invalidates any cached
// translations for them via Shootdown.
func (m *MMU) Unmap(virt addr.GuestAddr, npages int) {
	for i := 0; i < npages; i++ {
		m.table.Clear(virt.Add(uint64(i) * addr.PageSize))
	}
	m.Shootdown()
}

// Shootdown invalidates every cached TLB entry across all three levels
// in O(1): entries carry the generation they were filled under, and a
// stale generation is treated as a miss lazily on next lookup rather
// than eagerly cleared (spec.md §4.7, §9 design note: "bulk TLB
// invalidation must not be proportional to TLB size").
func (m *MMU) Shootdown() {
	m.generation.Add(1)
}

// Translate resolves virt to a guest physical address, honoring access.
// It consults L1, then L2, then L3, then finally walks the page table
// on a full miss, refilling all three levels via CAS on the way back
// out.
func (m *MMU) Translate(virt addr.GuestAddr, access Access) (addr.GuestPhysAddr, error) {
	gen := m.generation.Load()
	vpn := uint64(virt) >> 12

	if e, ok := m.l1.lookup(vpn, gen); ok {
		return m.finish(e, virt, access)
	}
	if e, ok := m.l2.lookup(vpn, gen); ok {
		m.l1.fill(vpn, e, gen)
		return m.finish(e, virt, access)
	}
	if e, ok := m.l3.lookup(vpn, gen); ok {
		m.l1.fill(vpn, e, gen)
		m.l2.fill(vpn, e, gen)
		return m.finish(e, virt, access)
	}

	pte, ok := m.table.Get(virt)
	if !ok || !pte.Present {
		return 0, vmerr.New(vmerr.MemoryNotPresent, nil)
	}
	e := tlbEntry{vpn: vpn, phys: pte.Phys, perm: pte.Perm, gen: gen}
	m.l1.fill(vpn, e, gen)
	m.l2.fill(vpn, e, gen)
	m.l3.fill(vpn, e, gen)
	return m.finish(e, virt, access)
}

func (m *MMU) finish(e tlbEntry, virt addr.GuestAddr, access Access) (addr.GuestPhysAddr, error) {
	if e.perm&access != access {
		return 0, vmerr.New(vmerr.MemoryPermissionDenied, nil)
	}
	m.prefetch.observe(virt)
	return e.phys.Add(virt.PageOffset()), nil
}

// Load reads size (1, 2, 4 or 8) little-endian bytes from virt.
func (m *MMU) Load(virt addr.GuestAddr, size uint8) (uint64, error) {
	if uint64(virt)%uint64(size) != 0 {
		return 0, vmerr.New(vmerr.MemoryMisaligned, nil)
	}
	phys, err := m.Translate(virt, AccessRead)
	if err != nil {
		return 0, err
	}
	off := int(phys)
	if off+int(size) > len(m.phys) {
		return 0, vmerr.New(vmerr.MemoryOutOfMemory, nil)
	}
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(m.phys[off+int(i)]) << (8 * i)
	}
	return v, nil
}

// Store writes the low size bytes of value, little-endian, to virt.
func (m *MMU) Store(virt addr.GuestAddr, size uint8, value uint64) error {
	if uint64(virt)%uint64(size) != 0 {
		return vmerr.New(vmerr.MemoryMisaligned, nil)
	}
	phys, err := m.Translate(virt, AccessWrite)
	if err != nil {
		return err
	}
	off := int(phys)
	if off+int(size) > len(m.phys) {
		return vmerr.New(vmerr.MemoryOutOfMemory, nil)
	}
	for i := uint8(0); i < size; i++ {
		m.phys[off+int(i)] = byte(value >> (8 * i))
	}
	return nil
}

// WriteBytes copies data verbatim into guest memory starting at virt,
// requiring write permission throughout but bypassing the size/
// alignment restrictions Store enforces — used by program loaders and
// tests to seed a block of raw machine code or initialized data.
func (m *MMU) WriteBytes(virt addr.GuestAddr, data []byte) error {
	for i := range data {
		phys, err := m.Translate(virt.Add(uint64(i)), AccessWrite)
		if err != nil {
			return err
		}
		if int(phys) >= len(m.phys) {
			return vmerr.New(vmerr.MemoryOutOfMemory, nil)
		}
		m.phys[phys] = data[i]
	}
	return nil
}

// FetchCode returns a byte window for the frontend decoders, starting
// at virt and running at most maxLen bytes or to the end of the
// containing page, whichever is shorter — lifters refill a block by
// calling this again once they hit a TermFall.
func (m *MMU) FetchCode(virt addr.GuestAddr, maxLen int) ([]byte, error) {
	phys, err := m.Translate(virt, AccessExec)
	if err != nil {
		return nil, err
	}
	off := int(phys)
	avail := len(m.phys) - off
	if avail <= 0 {
		return nil, vmerr.New(vmerr.MemoryOutOfMemory, nil)
	}
	if pageRem := int(addr.PageSize - virt.PageOffset()); pageRem < avail {
		avail = pageRem
	}
	if avail > maxLen {
		avail = maxLen
	}
	return m.phys[off : off+avail], nil
}

// PrefetchNext speculatively fills the TLB for the stride predictor's
// current hint, if any. Misses and permission failures are swallowed —
// a prefetch is advisory, never load-bearing for correctness.
func (m *MMU) PrefetchNext() {
	hint, ok := m.prefetch.Hint()
	if !ok {
		return
	}
	_, _ = m.Translate(hint.PageIndex(), AccessRead)
}
