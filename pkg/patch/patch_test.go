package patch

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/archive-patcher-sub003/pkg/archivezip"
	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/deflate"
)

func buildArchive(t *testing.T, entries map[string][]byte, deflatePaths map[string]bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := archivezip.NewWriter(&buf)
	for path, content := range entries {
		if deflatePaths[path] {
			compressed, err := deflate.DefaultCodec.Deflate(content, deflate.Params{Level: 6, Strategy: deflate.StrategyDefault, NoWrap: true})
			require.NoError(t, err)
			require.NoError(t, zw.WriteEntry(archivezip.RawEntry{
				Path:             path,
				Method:           archivezip.MethodDeflate,
				UncompressedSize: uint32(len(content)),
				CompressedBytes:  compressed,
			}))
		} else {
			require.NoError(t, zw.WriteEntry(archivezip.RawEntry{
				Path:             path,
				Method:           archivezip.MethodStored,
				UncompressedSize: uint32(len(content)),
				CompressedBytes:  content,
			}))
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGenerateThenApplyRoundTrips(t *testing.T) {
	oldZip := buildArchive(t, map[string][]byte{
		"a.txt": bytes.Repeat([]byte("hello world, this is the old content repeated many times. "), 20),
		"b.bin": []byte("stored bytes stay stored"),
	}, map[string]bool{"a.txt": true})

	newContent := append(append([]byte(nil), bytes.Repeat([]byte("hello world, this is the old content repeated many times. "), 10)...),
		append([]byte("AN INSERTED CHANGE "), bytes.Repeat([]byte("hello world, this is the old content repeated many times. "), 10)...)...)
	newZip := buildArchive(t, map[string][]byte{
		"a.txt": newContent,
		"b.bin": []byte("stored bytes stay stored"),
	}, map[string]bool{"a.txt": true})

	oldSrc := bytesource.NewMemory(oldZip)
	newSrc := bytesource.NewMemory(newZip)

	var patchBuf bytes.Buffer
	err := Generate(context.Background(), oldSrc, newSrc, GenerateOptions{Jobs: 2}, &patchBuf)
	require.NoError(t, err)

	container, err := Read(bytes.NewReader(patchBuf.Bytes()))
	require.NoError(t, err)

	var result bytes.Buffer
	require.NoError(t, Apply(oldSrc, container, &result))
	require.Equal(t, newZip, result.Bytes())
}

func TestGenerateThenApplyRoundTripsWithNoChanges(t *testing.T) {
	content := map[string][]byte{
		"only.txt": bytes.Repeat([]byte("identical archive contents "), 15),
	}
	zipBytes := buildArchive(t, content, map[string]bool{"only.txt": true})

	oldSrc := bytesource.NewMemory(zipBytes)
	newSrc := bytesource.NewMemory(zipBytes)

	var patchBuf bytes.Buffer
	require.NoError(t, Generate(context.Background(), oldSrc, newSrc, GenerateOptions{Jobs: 1}, &patchBuf))

	container, err := Read(bytes.NewReader(patchBuf.Bytes()))
	require.NoError(t, err)

	var result bytes.Buffer
	require.NoError(t, Apply(oldSrc, container, &result))
	require.Equal(t, zipBytes, result.Bytes())
}
