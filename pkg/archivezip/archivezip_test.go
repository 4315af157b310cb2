package archivezip

import (
	"bytes"
	"compress/flate"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/archive-patcher-sub003/pkg/bytesource"
)

func buildFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := NewWriter(&buf)

	require.NoError(t, zw.WriteEntry(RawEntry{
		Path:             "README.txt",
		Method:           MethodStored,
		CRC32:            0,
		UncompressedSize: 5,
		CompressedBytes:  []byte("hello"),
	}))

	var deflated bytes.Buffer
	fw, err := flate.NewWriter(&deflated, 6)
	require.NoError(t, err)
	_, err = fw.Write([]byte("the quick brown fox jumps over the lazy dog"))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	require.NoError(t, zw.WriteEntry(RawEntry{
		Path:             "data/fox.txt",
		Method:           MethodDeflate,
		UncompressedSize: 43,
		CompressedBytes:  deflated.Bytes(),
	}))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseRoundTripsEntries(t *testing.T) {
	data := buildFixture(t)
	archive, err := Parse(bytesource.NewMemory(data))
	require.NoError(t, err)
	require.Len(t, archive.Entries, 2)

	readme := archive.EntryByPath("README.txt")
	require.NotNil(t, readme)
	require.Equal(t, MethodStored, readme.Method)
	require.EqualValues(t, 5, readme.CompressedSize)

	r, err := archive.Source.OpenStream()
	require.NoError(t, err)
	_, err = r.Seek(readme.RawDataRange.Offset, io.SeekStart)
	require.NoError(t, err)
	raw := make([]byte, readme.RawDataRange.Length)
	_, err = io.ReadFull(r, raw)
	require.NoError(t, err)
	require.Equal(t, "hello", string(raw))

	fox := archive.EntryByPath("data/fox.txt")
	require.NotNil(t, fox)
	require.Equal(t, MethodDeflate, fox.Method)
}

func TestParseRejectsMissingEOCD(t *testing.T) {
	_, err := Parse(bytesource.NewMemory([]byte("not a zip file, not even close")))
	require.Error(t, err)
}

func TestParseRejectsTruncatedArchive(t *testing.T) {
	data := buildFixture(t)
	_, err := Parse(bytesource.NewMemory(data[:len(data)-30]))
	require.Error(t, err)
}

func TestParseRejectsBytesAfterEOCD(t *testing.T) {
	data := buildFixture(t)
	// The EOCD's comment-length field is zero by construction, so
	// appending bytes after it must not be mistaken for a comment: the
	// scan only accepts an EOCD whose declared comment length reaches
	// exactly to the end of the source, so no EOCD is found and Parse
	// fails.
	withJunk := append(append([]byte(nil), data...), []byte("junk-after-archive")...)
	_, err := Parse(bytesource.NewMemory(withJunk))
	require.Error(t, err)
}

func TestEntryIsUTF8Flag(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	require.NoError(t, zw.WriteEntry(RawEntry{
		Path:             "plain.txt",
		Method:           MethodStored,
		Flags:            FlagUTF8Name,
		UncompressedSize: 0,
	}))
	require.NoError(t, zw.Close())

	archive, err := Parse(bytesource.NewMemory(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, archive.Entries[0].IsUTF8())
}
