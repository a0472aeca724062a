// Package addr defines the guest address newtypes used throughout the
// core. GuestAddr and GuestPhysAddr wrap the same underlying integer but
// are distinct types so that crossing from virtual to physical requires
// an explicit MMU translation rather than an implicit conversion.
package addr

import "fmt"

// GuestAddr is a guest virtual address. Arithmetic on it wraps at 64
// bits, matching guest ISA semantics rather than host pointer semantics.
type GuestAddr uint64

// Add returns a+delta, wrapping on 64-bit overflow.
func (a GuestAddr) Add(delta uint64) GuestAddr { return GuestAddr(uint64(a) + delta) }

// Sub returns a-b as a signed displacement.
func (a GuestAddr) Sub(b GuestAddr) int64 { return int64(uint64(a) - uint64(b)) }

func (a GuestAddr) String() string { return fmt.Sprintf("0x%016x", uint64(a)) }

// GuestPhysAddr is a guest physical address, produced only by
// MMU.Translate. It is a distinct type from GuestAddr so the two can
// never be silently interchanged.
type GuestPhysAddr uint64

func (p GuestPhysAddr) Add(delta uint64) GuestPhysAddr { return GuestPhysAddr(uint64(p) + delta) }

func (p GuestPhysAddr) String() string { return fmt.Sprintf("0x%016x", uint64(p)) }

// PageSize is the guest page granularity used by the MMU and TLB.
const PageSize = 4096

// PageIndex returns the page-aligned base of a.
func (a GuestAddr) PageIndex() GuestAddr { return GuestAddr(uint64(a) &^ (PageSize - 1)) }

// PageOffset returns the in-page offset of a.
func (a GuestAddr) PageOffset() uint64 { return uint64(a) & (PageSize - 1) }

// PageIndex returns the page-aligned base of p.
func (p GuestPhysAddr) PageIndex() GuestPhysAddr { return GuestPhysAddr(uint64(p) &^ (PageSize - 1)) }
