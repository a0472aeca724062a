package aot

import (
	"testing"

	"github.com/RunningShrimp/vmcore/internal/ir"
	"github.com/stretchr/testify/require"
)

func fp(b byte) ir.Fingerprint {
	var f ir.Fingerprint
	f[0] = b
	return f
}

func TestStore_WriteThenReadRoundTrips(t *testing.T) {
	s := New(t.TempDir(), CompilerTag{1, 2, 3})
	rec := &Record{Fingerprint: fp(7), Code: []byte{0x90, 0x90, 0xc3}, Meta: []byte("meta")}
	require.NoError(t, s.Store(rec))

	got, ok, err := s.Load(fp(7))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Code, got.Code)
	require.Equal(t, rec.Meta, got.Meta)
}

func TestStore_MissingEntryIsCleanMiss(t *testing.T) {
	s := New(t.TempDir(), CompilerTag{})
	_, ok, err := s.Load(fp(1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_CompilerTagMismatchIsCleanMiss(t *testing.T) {
	dir := t.TempDir()
	writer := New(dir, CompilerTag{9})
	require.NoError(t, writer.Store(&Record{Fingerprint: fp(2), Code: []byte{1}}))

	reader := New(dir, CompilerTag{8})
	_, ok, err := reader.Load(fp(2))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_DeleteRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, CompilerTag{})
	require.NoError(t, s.Store(&Record{Fingerprint: fp(3), Code: []byte{1, 2}}))
	require.NoError(t, s.Delete(fp(3)))

	_, ok, err := s.Load(fp(3))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_DeleteMissingEntryIsNotAnError(t *testing.T) {
	s := New(t.TempDir(), CompilerTag{})
	require.NoError(t, s.Delete(fp(99)))
}
