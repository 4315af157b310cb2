package prediff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/archive-patcher-sub003/pkg/archivezip"
	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/deflate"
)

func buildArchive(t *testing.T, entries map[string][]byte, deflatePaths map[string]bool) *archivezip.Archive {
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
	archive, err := archivezip.Parse(bytesource.NewMemory(buf.Bytes()))
	require.NoError(t, err)
	return archive
}

func divineAll(t *testing.T, archive *archivezip.Archive) Divinations {
	t.Helper()
	out := make(Divinations)
	hints := deflate.NewHintCache(8)
	for _, e := range archive.Entries {
		if e.Method != archivezip.MethodDeflate {
			continue
		}
		stream, err := archive.Source.OpenStream()
		require.NoError(t, err)
		_, err = stream.Seek(e.RawDataRange.Offset, 0)
		require.NoError(t, err)
		compressed := make([]byte, e.RawDataRange.Length)
		_, err = stream.Read(compressed)
		require.NoError(t, err)

		result, _, err := deflate.Divine(deflate.DefaultCodec, compressed, deflate.Extension(e.PathStr), true, hints)
		require.NoError(t, err)
		out[e.CentralDirRange.Offset] = DivinationResult{Params: result.Params, Reproducible: result.Reproducible}
	}
	return out
}

func TestBuildDetectsIdenticalCompressedBytes(t *testing.T) {
	old := buildArchive(t, map[string][]byte{"a.txt": []byte("stored content")}, nil)
	newArchive := buildArchive(t, map[string][]byte{"a.txt": []byte("stored content")}, nil)

	plan, err := Build(old, newArchive, Divinations{}, Divinations{})
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)
	require.Equal(t, UncompressNeither, plan.Entries[0].Decision)
	require.Equal(t, ExplanationCompressedBytesIdentical, plan.Entries[0].Why)
}

func TestBuildDetectsDeflateUnsuitable(t *testing.T) {
	old := buildArchive(t, map[string][]byte{"a.txt": []byte("one content")}, nil)
	newArchive := buildArchive(t, map[string][]byte{"a.txt": []byte("different content here")}, nil)

	plan, err := Build(old, newArchive, Divinations{}, Divinations{})
	require.NoError(t, err)
	require.Equal(t, UncompressNeither, plan.Entries[0].Decision)
	require.Equal(t, ExplanationDeflateUnsuitable, plan.Entries[0].Why)
}

func TestBuildDetectsUncompressedBytesIdentical(t *testing.T) {
	content := bytes.Repeat([]byte("repeated payload for deflate "), 20)
	deflatePaths := map[string]bool{"a.txt": true}

	old := buildArchive(t, map[string][]byte{"a.txt": content}, deflatePaths)
	// Recompress the same content at a different level to get different
	// compressed bytes but identical inflated bytes.
	var buf bytes.Buffer
	zw := archivezip.NewWriter(&buf)
	compressed, err := deflate.DefaultCodec.Deflate(content, deflate.Params{Level: 9, Strategy: deflate.StrategyDefault, NoWrap: true})
	require.NoError(t, err)
	require.NoError(t, zw.WriteEntry(archivezip.RawEntry{
		Path:             "a.txt",
		Method:           archivezip.MethodDeflate,
		UncompressedSize: uint32(len(content)),
		CompressedBytes:  compressed,
	}))
	require.NoError(t, zw.Close())
	newArchive, err := archivezip.Parse(bytesource.NewMemory(buf.Bytes()))
	require.NoError(t, err)

	oldDiv := divineAll(t, old)
	newDiv := divineAll(t, newArchive)

	plan, err := Build(old, newArchive, oldDiv, newDiv)
	require.NoError(t, err)
	require.Equal(t, UncompressNeither, plan.Entries[0].Decision)
	require.Equal(t, ExplanationUncompressedBytesIdentical, plan.Entries[0].Why)
}

func TestBuildDetectsCompressedBytesChanged(t *testing.T) {
	deflatePaths := map[string]bool{"a.txt": true}
	old := buildArchive(t, map[string][]byte{"a.txt": bytes.Repeat([]byte("old content here "), 20)}, deflatePaths)
	newArchive := buildArchive(t, map[string][]byte{"a.txt": bytes.Repeat([]byte("new content here "), 20)}, deflatePaths)

	oldDiv := divineAll(t, old)
	newDiv := divineAll(t, newArchive)

	plan, err := Build(old, newArchive, oldDiv, newDiv)
	require.NoError(t, err)
	require.Equal(t, UncompressBoth, plan.Entries[0].Decision)
	require.Equal(t, ExplanationCompressedBytesChanged, plan.Entries[0].Why)
}

func TestBuildIgnoresPathsOnlyInOneArchive(t *testing.T) {
	old := buildArchive(t, map[string][]byte{"only-old.txt": []byte("x")}, nil)
	newArchive := buildArchive(t, map[string][]byte{"only-new.txt": []byte("y")}, nil)

	plan, err := Build(old, newArchive, Divinations{}, Divinations{})
	require.NoError(t, err)
	require.Empty(t, plan.Entries)
}

func TestLimitBudgetDemotesLargestFirst(t *testing.T) {
	plan := &Plan{Entries: []*Entry{
		{Path: "small", Decision: UncompressBoth, UncompressedSize: 10},
		{Path: "large", Decision: UncompressBoth, UncompressedSize: 1000},
		{Path: "medium", Decision: UncompressBoth, UncompressedSize: 100},
	}}
	plan.LimitBudget(150)

	byPath := map[string]*Entry{}
	for _, e := range plan.Entries {
		byPath[e.Path] = e
	}
	require.Equal(t, UncompressNeither, byPath["large"].Decision)
	require.Equal(t, ExplanationBudgetExceeded, byPath["large"].Why)
	require.Equal(t, UncompressBoth, byPath["small"].Decision)
	require.Equal(t, UncompressBoth, byPath["medium"].Decision)
}

func TestLimitBudgetNoOpWhenUnderCap(t *testing.T) {
	plan := &Plan{Entries: []*Entry{
		{Path: "a", Decision: UncompressBoth, UncompressedSize: 10},
	}}
	plan.LimitBudget(1000)
	require.Equal(t, UncompressBoth, plan.Entries[0].Decision)
}
