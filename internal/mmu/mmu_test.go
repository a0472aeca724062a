package mmu

import (
	"testing"

	"github.com/RunningShrimp/vmcore/internal/addr"
	"github.com/RunningShrimp/vmcore/internal/vmerr"
	"github.com/stretchr/testify/require"
)

func newTestMMU(t *testing.T) *MMU {
	t.Helper()
	m, err := New(4 * addr.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMMU_MapLoadStoreRoundTrip(t *testing.T) {
	m := newTestMMU(t)
	require.NoError(t, m.Map(0x1000, 0, 1, AccessRead|AccessWrite))

	require.NoError(t, m.Store(0x1000, 8, 0xDEADBEEF))
	v, err := m.Load(0x1000, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEADBEEF), v)
}

func TestMMU_UnmappedAddressFaults(t *testing.T) {
	m := newTestMMU(t)
	_, err := m.Load(0x9000, 8)
	require.Error(t, err)
	require.True(t, vmerr.Is(err, vmerr.MemoryNotPresent))
}

func TestMMU_WritePermissionDenied(t *testing.T) {
	m := newTestMMU(t)
	require.NoError(t, m.Map(0x2000, addr.PageSize, 1, AccessRead))

	err := m.Store(0x2000, 4, 1)
	require.Error(t, err)
	require.True(t, vmerr.Is(err, vmerr.MemoryPermissionDenied))
}

func TestMMU_MisalignedAccessFaults(t *testing.T) {
	m := newTestMMU(t)
	require.NoError(t, m.Map(0x3000, 2*addr.PageSize, 1, AccessRead|AccessWrite))

	_, err := m.Load(0x3001, 8)
	require.Error(t, err)
	require.True(t, vmerr.Is(err, vmerr.MemoryMisaligned))
}

func TestMMU_ShootdownInvalidatesCachedTranslation(t *testing.T) {
	m := newTestMMU(t)
	require.NoError(t, m.Map(0x1000, 0, 1, AccessRead|AccessWrite))
	require.NoError(t, m.Store(0x1000, 8, 42))

	// Warm all three TLB levels.
	_, err := m.Load(0x1000, 8)
	require.NoError(t, err)

	m.Unmap(0x1000, 1)
	_, err = m.Load(0x1000, 8)
	require.Error(t, err)
	require.True(t, vmerr.Is(err, vmerr.MemoryNotPresent))
}

func TestMMU_RemapAfterUnmapSeesNewMapping(t *testing.T) {
	m := newTestMMU(t)
	require.NoError(t, m.Map(0x1000, 0, 1, AccessRead|AccessWrite))
	require.NoError(t, m.Store(0x1000, 8, 1))
	_, err := m.Load(0x1000, 8) // warm TLB
	require.NoError(t, err)

	m.Unmap(0x1000, 1)
	require.NoError(t, m.Map(0x1000, addr.PageSize, 1, AccessRead|AccessWrite))
	require.NoError(t, m.Store(0x1000, 8, 77))

	v, err := m.Load(0x1000, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(77), v)
}

func TestMMU_FetchCodeWindow(t *testing.T) {
	m := newTestMMU(t)
	require.NoError(t, m.Map(0x1000, 0, 1, AccessRead|AccessWrite|AccessExec))
	require.NoError(t, m.Store(0x1000, 4, 0x11223344))

	window, err := m.FetchCode(0x1000, 128)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(window), 4)
	require.Equal(t, byte(0x44), window[0])
}

func TestMMU_FetchCodeCapsAtPageBoundary(t *testing.T) {
	m := newTestMMU(t)
	// Map only the first page; the second page of the identity range is
	// deliberately left unmapped, standing in for adjacent guest memory
	// that belongs to a different mapping (or none at all).
	require.NoError(t, m.Map(0x1000, 0, 1, AccessRead|AccessWrite|AccessExec))

	const tailBytes = 6
	start := addr.GuestAddr(0x1000 + addr.PageSize - tailBytes)
	window, err := m.FetchCode(start, 128)
	require.NoError(t, err)
	// A straddling decode must stop at the page boundary and let the
	// caller re-translate for the next page (two refills), rather than
	// silently handing back bytes from whatever memory happens to sit
	// past this page in the backing array.
	require.Len(t, window, tailBytes)
}

func TestMMU_FetchCodeAcrossMappedBoundaryNeedsSecondCall(t *testing.T) {
	m := newTestMMU(t)
	require.NoError(t, m.Map(0x1000, 0, 2, AccessRead|AccessWrite|AccessExec))
	require.NoError(t, m.Store(addr.GuestAddr(0x1000+addr.PageSize-2), 2, 0xBEEF))
	require.NoError(t, m.Store(addr.GuestAddr(0x1000+addr.PageSize), 2, 0xFEED))

	start := addr.GuestAddr(0x1000 + addr.PageSize - 2)
	first, err := m.FetchCode(start, 128)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := m.FetchCode(addr.GuestAddr(0x1000+addr.PageSize), 128)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(second), 2)
}

func TestStridePredictor_ConfirmsAfterThreshold(t *testing.T) {
	var p stridePredictor
	base := addr.GuestAddr(0x1000)
	const n = confirmThreshold + 2 // first call only seeds lastValid
	for i := 0; i < n; i++ {
		p.observe(base.Add(uint64(i) * 8))
	}
	hint, ok := p.Hint()
	require.True(t, ok)
	require.Equal(t, base.Add(uint64(n)*8), hint)
}

func TestStridePredictor_ResetsOnStrideChange(t *testing.T) {
	var p stridePredictor
	p.observe(0x1000)
	p.observe(0x1008)
	p.observe(0x1010)
	p.observe(0x1030) // stride changes
	_, ok := p.Hint()
	require.False(t, ok)
}
