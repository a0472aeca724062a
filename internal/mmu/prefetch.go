package mmu

import "github.com/RunningShrimp/vmcore/internal/addr"

// stridePredictor tracks the byte-address delta between successive
// accesses and signals when a constant stride has been observed long enough to be
// worth prefetching the next page's translation (spec.md §4.7). It
// holds no host resources; Hint is consulted by MMU.Translate's caller
// (the interpreter's load/store path) to decide whether to speculatively
// pre-touch the next page's PageTable entry before it's actually
// dereferenced.
type stridePredictor struct {
	last      addr.GuestAddr
	lastValid bool
	stride    int64
	strikes   int
}

// confirmThreshold is how many consecutive identical strides must be
// observed before Hint reports a prefetch candidate.
const confirmThreshold = 3

func (s *stridePredictor) observe(virt addr.GuestAddr) {
	if !s.lastValid {
		s.last, s.lastValid = virt, true
		return
	}
	d := virt.Sub(s.last)
	s.last = virt
	switch {
	case d == s.stride && s.strikes > 0:
		if s.strikes < confirmThreshold {
			s.strikes++
		}
	case d != 0:
		s.stride = d
		s.strikes = 1
	default:
		s.strikes = 0
	}
}

// Hint returns the address to prefetch next, and whether the stride has
// been confirmed enough times to bother.
func (s *stridePredictor) Hint() (addr.GuestAddr, bool) {
	if s.strikes < confirmThreshold || s.stride == 0 {
		return 0, false
	}
	return s.last.Add(uint64(s.stride)), true
}
