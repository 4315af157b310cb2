// Package prediff decides, for each path present in both an old and a new
// archive, whether uncompressing one or both sides before diffing is worth
// its cost, and why.
package prediff

import (
	"bytes"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/google/archive-patcher-sub003/pkg/archivezip"
	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/deflate"
)

// Uncompress selects which side(s) of a matched entry pair should be
// virtually uncompressed before diffing.
type Uncompress uint8

const (
	// UncompressNeither leaves both sides' raw (possibly compressed) bytes
	// in the delta-friendly blobs.
	UncompressNeither Uncompress = iota
	// UncompressBoth uncompresses both the old and new entry's bytes.
	UncompressBoth
)

func (u Uncompress) String() string {
	if u == UncompressBoth {
		return "uncompress-both"
	}
	return "uncompress-neither"
}

// Explanation is a typed reason code for a plan entry's decision, so
// callers and tests can assert on *why* without string matching.
type Explanation uint8

const (
	// ExplanationCompressedBytesIdentical: the raw entry bytes already
	// match; nothing to diff.
	ExplanationCompressedBytesIdentical Explanation = iota
	// ExplanationDeflateUnsuitable: one or both sides use a compression
	// method other than DEFLATE.
	ExplanationDeflateUnsuitable
	// ExplanationUnsuitable: one or both sides' DEFLATE parameters could
	// not be divined (unreproducible).
	ExplanationUnsuitable
	// ExplanationUncompressedBytesIdentical: once inflated, both sides are
	// identical — no point diffing the compressed representation.
	ExplanationUncompressedBytesIdentical
	// ExplanationCompressedBytesChanged: the normal case — both sides
	// differ and are reproducibly DEFLATE, so uncompressing both unlocks
	// byte-level diffing across the change.
	ExplanationCompressedBytesChanged
	// ExplanationBudgetExceeded: the limiter stage demoted an entry that
	// would otherwise have been uncompress-both, to stay within resource
	// caps.
	ExplanationBudgetExceeded
)

func (e Explanation) String() string {
	switch e {
	case ExplanationCompressedBytesIdentical:
		return "compressed-bytes-identical"
	case ExplanationDeflateUnsuitable:
		return "deflate-unsuitable"
	case ExplanationUnsuitable:
		return "unsuitable"
	case ExplanationUncompressedBytesIdentical:
		return "uncompressed-bytes-identical"
	case ExplanationCompressedBytesChanged:
		return "compressed-bytes-changed"
	case ExplanationBudgetExceeded:
		return "budget-exceeded"
	default:
		return "unknown"
	}
}

// DivinationResult reports whether an entry's DEFLATE parameters could be
// recovered, which the planner needs to decide suitability without
// re-running divination itself.
type DivinationResult struct {
	Params       deflate.Params
	Reproducible bool
}

// Entry is one path's pre-diff decision.
type Entry struct {
	Path       string
	Old        *archivezip.Entry
	New        *archivezip.Entry
	Decision   Uncompress
	Why        Explanation
	// UncompressedSize is New.UncompressedSize, used by the limiter stage
	// to rank candidates for demotion.
	UncompressedSize uint32
}

// Plan is the ordered set of decisions for every path present in both
// archives, in old-archive central-directory order.
type Plan struct {
	Entries []*Entry
}

// Divinations supplies, per archive entry (keyed by its CentralDirRange
// offset, which is unique within one archive), whether that entry's
// DEFLATE parameters were reproducible.
type Divinations map[int64]DivinationResult

// Build computes a Plan for every path present in both old and new. The
// compressed bytes of each pair pass the cheap equality pre-check (§4.4):
// length, then xxhash64 of each range (read whole into memory), and only
// on agreement a full byte comparison. Uncompressed bytes are inflated
// and compared with bytes.Equal directly, without the hash gate.
func Build(old, new *archivezip.Archive, oldDiv, newDiv Divinations) (*Plan, error) {
	plan := &Plan{}
	for _, oldEntry := range old.Entries {
		newEntry := new.EntryByPath(oldEntry.PathStr)
		if newEntry == nil {
			continue
		}

		entry := &Entry{
			Path:             oldEntry.PathStr,
			Old:              oldEntry,
			New:              newEntry,
			UncompressedSize: newEntry.UncompressedSize,
		}

		identical, err := rangesEqual(old.Source, oldEntry.RawDataRange, new.Source, newEntry.RawDataRange)
		if err != nil {
			return nil, err
		}
		if identical {
			entry.Decision, entry.Why = UncompressNeither, ExplanationCompressedBytesIdentical
			plan.Entries = append(plan.Entries, entry)
			continue
		}

		if oldEntry.Method != archivezip.MethodDeflate || newEntry.Method != archivezip.MethodDeflate {
			entry.Decision, entry.Why = UncompressNeither, ExplanationDeflateUnsuitable
			plan.Entries = append(plan.Entries, entry)
			continue
		}

		oldResult := oldDiv[oldEntry.CentralDirRange.Offset]
		newResult := newDiv[newEntry.CentralDirRange.Offset]
		if !oldResult.Reproducible || !newResult.Reproducible {
			entry.Decision, entry.Why = UncompressNeither, ExplanationUnsuitable
			plan.Entries = append(plan.Entries, entry)
			continue
		}

		oldInflated, err := inflateRange(old.Source, oldEntry.RawDataRange, oldResult.Params.NoWrap)
		if err != nil {
			return nil, err
		}
		newInflated, err := inflateRange(new.Source, newEntry.RawDataRange, newResult.Params.NoWrap)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(oldInflated, newInflated) {
			entry.Decision, entry.Why = UncompressNeither, ExplanationUncompressedBytesIdentical
		} else {
			entry.Decision, entry.Why = UncompressBoth, ExplanationCompressedBytesChanged
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan, nil
}

// LimitBudget implements the optional limiter stage: while the sum of
// UncompressedSize across uncompress-both entries exceeds maxRecompressBytes,
// demote the largest remaining uncompress-both entry to uncompress-neither.
func (p *Plan) LimitBudget(maxRecompressBytes int64) {
	var candidates []*Entry
	var total int64
	for _, e := range p.Entries {
		if e.Decision == UncompressBoth {
			candidates = append(candidates, e)
			total += int64(e.UncompressedSize)
		}
	}
	if total <= maxRecompressBytes {
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UncompressedSize > candidates[j].UncompressedSize
	})
	for _, e := range candidates {
		if total <= maxRecompressBytes {
			break
		}
		total -= int64(e.UncompressedSize)
		e.Decision, e.Why = UncompressNeither, ExplanationBudgetExceeded
	}
}

func rangesEqual(oldSrc bytesource.ByteSource, oldRange archivezip.Range, newSrc bytesource.ByteSource, newRange archivezip.Range) (bool, error) {
	if oldRange.Length != newRange.Length {
		return false, nil
	}
	oldBytes, err := readRange(oldSrc, oldRange)
	if err != nil {
		return false, err
	}
	newBytes, err := readRange(newSrc, newRange)
	if err != nil {
		return false, err
	}
	if xxhash.Sum64(oldBytes) != xxhash.Sum64(newBytes) {
		return false, nil
	}
	return bytes.Equal(oldBytes, newBytes), nil
}

func readRange(src bytesource.ByteSource, r archivezip.Range) ([]byte, error) {
	stream, err := src.OpenStream()
	if err != nil {
		return nil, err
	}
	if _, err := stream.Seek(r.Offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, r.Length)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func inflateRange(src bytesource.ByteSource, r archivezip.Range, noWrap bool) ([]byte, error) {
	compressed, err := readRange(src, r)
	if err != nil {
		return nil, err
	}
	return deflate.DefaultCodec.Inflate(compressed, noWrap)
}
