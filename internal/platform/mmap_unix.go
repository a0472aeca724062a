//go:build linux || darwin

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapCodeSegment copies code (already-assembled native instructions)
// into a fresh anonymous mapping and returns a slice backed by that
// mapping. The mapping starts RW so the copy can happen, then the
// caller must call Protect(..., ProtRead|ProtExec) before first branch
// into it — mmap and mprotect are split so a page is never both
// writable and executable at once.
func MmapCodeSegment(code []byte) ([]byte, error) {
	if len(code) == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	mapped, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap code segment: %w", err)
	}
	copy(mapped, code)
	return mapped, nil
}

// MunmapCodeSegment releases a mapping previously returned by
// MmapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	if err := unix.Munmap(code); err != nil {
		return fmt.Errorf("platform: munmap code segment: %w", err)
	}
	return nil
}

// Protect changes the page protection of a previously mapped region.
// Callers must guarantee no concurrent execution of the region while
// downgrading it to writable, and must never request Write|Exec
// together (enforced here as a hard precondition, not a suggestion).
func Protect(mem []byte, prot RWX) error {
	if prot&ProtWrite != 0 && prot&ProtExec != 0 {
		panic("BUG: W^X violation requested: Write and Exec together")
	}
	if len(mem) == 0 {
		return nil
	}
	var p int
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(mem, p); err != nil {
		return fmt.Errorf("platform: mprotect: %w", err)
	}
	return nil
}

// MmapGuestMemory reserves the flat backing allocation for guest
// physical memory. It is always RW and never executable — guest code
// pages live in the JIT code cache's own mappings, not here.
func MmapGuestMemory(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap guest memory: %w", err)
	}
	return mem, nil
}

// MunmapGuestMemory releases a mapping from MmapGuestMemory.
func MunmapGuestMemory(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("platform: munmap guest memory: %w", err)
	}
	return nil
}
