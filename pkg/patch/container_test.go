package patch

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/archive-patcher-sub003/pkg/deflate"
)

func sampleContainer() *Container {
	return &Container{
		CompatibilityWindow: CompatibilityWindowDefault,
		OldBlobLength:       10,
		OldRanges:           []OldRange{{Offset: 2, Length: 3}},
		NewBlobLength:       12,
		NewRanges: []NewRange{
			{Offset: 0, Length: 6, Params: deflate.Params{Level: 6, Strategy: deflate.StrategyDefault, NoWrap: true}},
			{Offset: 6, Length: 6, Params: deflate.Params{Level: 9, Strategy: deflate.StrategyFiltered, NoWrap: false}},
		},
		Deltas: []DeltaEntry{
			{Format: DeltaFormatBSDIFF, OldOffset: 0, OldLength: 10, NewOffset: 0, NewLength: 6, Payload: []byte("delta-a")},
			{Format: DeltaFormatBSDIFF, OldOffset: 0, OldLength: 10, NewOffset: 6, NewLength: 6, Payload: []byte("delta-b")},
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	c := sampleContainer()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("NOT-THE-RIGHT-MAGIC-AT-ALL")))
	require.Error(t, err)
}

func TestReadRejectsUnknownCompatibilityWindow(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte(99)
	_, err := Read(&buf)
	require.Error(t, err)
}

func TestWriteRejectsZeroDeltaEntries(t *testing.T) {
	c := sampleContainer()
	c.Deltas = nil
	var buf bytes.Buffer
	err := Write(&buf, c)
	require.Error(t, err)
}

func TestReadRejectsZeroDeclaredDeltaEntries(t *testing.T) {
	c := sampleContainer()

	// Write lets in-memory Containers always carry at least one delta, so
	// a zero-count frame is built by hand to exercise Read's own check.
	var manual bytes.Buffer
	manual.WriteString(Magic)
	manual.WriteByte(byte(CompatibilityWindowDefault))
	require.NoError(t, writeU64(&manual, c.OldBlobLength))
	require.NoError(t, writeU64(&manual, int64(len(c.OldRanges))))
	for _, r := range c.OldRanges {
		require.NoError(t, writeU64(&manual, r.Offset))
		require.NoError(t, writeU64(&manual, r.Length))
	}
	require.NoError(t, writeU64(&manual, c.NewBlobLength))
	require.NoError(t, writeU64(&manual, int64(len(c.NewRanges))))
	for _, r := range c.NewRanges {
		require.NoError(t, writeU64(&manual, r.Offset))
		require.NoError(t, writeU64(&manual, r.Length))
		require.NoError(t, writeU8(&manual, uint8(r.Params.Level)))
		require.NoError(t, writeU8(&manual, uint8(r.Params.Strategy)))
		wrap := uint8(0)
		if !r.Params.NoWrap {
			wrap = 1
		}
		require.NoError(t, writeU8(&manual, wrap))
	}
	require.NoError(t, writeU64(&manual, 0)) // declared delta count

	_, err := Read(&manual)
	require.Error(t, err)
}

func TestReadRejectsGapBetweenNewRanges(t *testing.T) {
	c := sampleContainer()
	c.Deltas[1].NewOffset = 7 // leaves a one-byte gap at offset 6
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	_, err := Read(&buf)
	require.Error(t, err)
}

func TestReadRejectsOverlappingNewRanges(t *testing.T) {
	c := sampleContainer()
	c.Deltas[1].NewOffset = 5 // overlaps the first delta's [0,6)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	_, err := Read(&buf)
	require.Error(t, err)
}

func TestReadRejectsCoverageShortOfNewBlobLength(t *testing.T) {
	c := sampleContainer()
	c.NewBlobLength = 100 // no delta covers [12, 100)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))
	_, err := Read(&buf)
	require.Error(t, err)
}

func TestSingleDeltaEntrySkipsCoverageCheck(t *testing.T) {
	c := sampleContainer()
	c.Deltas = c.Deltas[:1]
	c.NewBlobLength = 6
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestReadRejectsTruncatedFrame(t *testing.T) {
	c := sampleContainer()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, c))

	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := Read(bytes.NewReader(truncated))
	require.Error(t, err)
}

// TestU64RoundTrip checks the container frame's signed big-endian integer
// codec against the full int64 range, including both boundary values.
func TestU64RoundTrip(t *testing.T) {
	values := []int64{-1, 0, 1, 0x7fffffff, -0x7fffffff, math.MinInt64, math.MaxInt64}
	for _, v := range values {
		var buf bytes.Buffer
		require.NoError(t, writeU64(&buf, v))
		got, err := readU64(&buf)
		require.NoError(t, err)
		require.Equal(t, v, got, "round trip for %d", v)
	}
}
