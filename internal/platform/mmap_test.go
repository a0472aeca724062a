package platform

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCodeBuf, _ = io.ReadAll(io.LimitReader(rand.Reader, 8*1024))

func TestMmapCodeSegment(t *testing.T) {
	newCode, err := MmapCodeSegment(testCodeBuf)
	require.NoError(t, err)
	// Verify that the mmap is the same as the original.
	require.Equal(t, testCodeBuf, newCode)

	t.Run("panic on zero length", func(t *testing.T) {
		require.Panics(t, func() {
			_, _ = MmapCodeSegment(nil)
		})
	})

	require.NoError(t, MunmapCodeSegment(newCode))
}

func TestMunmapCodeSegment(t *testing.T) {
	t.Run("panic on zero length", func(t *testing.T) {
		require.Panics(t, func() {
			_ = MunmapCodeSegment(nil)
		})
	})
}

func TestProtect(t *testing.T) {
	newCode, err := MmapCodeSegment(testCodeBuf)
	require.NoError(t, err)
	defer func() { _ = MunmapCodeSegment(newCode) }()

	t.Run("rejects simultaneous write+exec", func(t *testing.T) {
		require.Panics(t, func() {
			_ = Protect(newCode, ProtWrite|ProtExec)
		})
	})

	require.NoError(t, Protect(newCode, ProtRead|ProtExec))
}
