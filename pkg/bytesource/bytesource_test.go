package bytesource

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryByteSourceReadAndSlice(t *testing.T) {
	src := NewMemory([]byte("hello world"))
	require.EqualValues(t, 11, src.Length())

	r, err := src.OpenStream()
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	pos, err := r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	require.EqualValues(t, 6, pos)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "world", string(rest))

	slice, err := src.Slice(6, 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, slice.Length())
	sr, err := slice.OpenStream()
	require.NoError(t, err)
	all, err := io.ReadAll(sr)
	require.NoError(t, err)
	require.Equal(t, "world", string(all))
}

func TestMemoryByteSourceOutOfRange(t *testing.T) {
	src := NewMemory([]byte("abc"))
	_, err := src.Slice(1, 10)
	require.Error(t, err)
}

func TestFileByteSourceIndependentReaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	src, err := NewFileWhole(f)
	require.NoError(t, err)
	require.EqualValues(t, 10, src.Length())

	r1, err := src.OpenStream()
	require.NoError(t, err)
	r2, err := src.OpenStream()
	require.NoError(t, err)

	_, err = r1.Seek(5, io.SeekStart)
	require.NoError(t, err)
	b1 := make([]byte, 2)
	_, err = r1.Read(b1)
	require.NoError(t, err)
	require.Equal(t, "56", string(b1))

	b2 := make([]byte, 2)
	_, err = r2.Read(b2)
	require.NoError(t, err)
	require.Equal(t, "01", string(b2))
}

func TestSliceOfSliceStacksOffsets(t *testing.T) {
	src := NewMemory([]byte("abcdefghij"))
	mid, err := src.Slice(2, 6) // "cdefgh"
	require.NoError(t, err)
	inner, err := mid.Slice(1, 3) // "def"
	require.NoError(t, err)

	r, err := inner.OpenStream()
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "def", string(all))
}

func TestGenericSliceHelper(t *testing.T) {
	src := NewMemory([]byte("abcdefgh"))
	s, err := Slice(src, 2, 4)
	require.NoError(t, err)
	r, err := s.OpenStream()
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "cdef", string(all))
}
