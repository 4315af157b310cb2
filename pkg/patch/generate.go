package patch

import (
	"bytes"
	"context"
	"io"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/google/archive-patcher-sub003/pkg/archivezip"
	"github.com/google/archive-patcher-sub003/pkg/bsdiff"
	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/buffer"
	"github.com/google/archive-patcher-sub003/pkg/deflate"
	"github.com/google/archive-patcher-sub003/pkg/deltafriendly"
	"github.com/google/archive-patcher-sub003/pkg/patcherr"
	"github.com/google/archive-patcher-sub003/pkg/prediff"
)

// GenerateOptions configures one patch-generation run.
type GenerateOptions struct {
	// Jobs bounds the number of concurrent divination tasks. Defaults to
	// 1 (no parallelism) when zero or negative.
	Jobs int
	// RecompressionLimitBytes caps total uncompressed-both bytes the
	// pre-diff planner will allow; zero means unlimited.
	RecompressionLimitBytes int64
}

// Generate builds a patch container transforming old into new, writing
// it to w. Divination of each archive's DEFLATE-compressed entries runs
// concurrently across a worker pool bounded by opts.Jobs; results are
// aggregated deterministically by archive entry before the single-
// threaded planning, rewriting, and diffing stages run.
func Generate(ctx context.Context, oldSrc, newSrc bytesource.ByteSource, opts GenerateOptions, w io.Writer) error {
	if ok, err := deflate.DefaultCodec.IsCompatible(); err != nil {
		return patcherr.Wrap(err, "check DEFLATE compatibility")
	} else if !ok {
		return patcherr.Wrapf(patcherr.ErrUnreproducibleDeflate,
			"host DEFLATE engine is incompatible at %d parameter combinations", len(deflate.DefaultCodec.IncompatibleValues()))
	}

	oldArchive, err := archivezip.Parse(oldSrc)
	if err != nil {
		return patcherr.Wrap(err, "parse old archive")
	}
	newArchive, err := archivezip.Parse(newSrc)
	if err != nil {
		return patcherr.Wrap(err, "parse new archive")
	}

	oldDiv, err := divineArchive(ctx, oldArchive, opts.Jobs)
	if err != nil {
		return err
	}
	newDiv, err := divineArchive(ctx, newArchive, opts.Jobs)
	if err != nil {
		return err
	}

	plan, err := prediff.Build(oldArchive, newArchive, oldDiv, newDiv)
	if err != nil {
		return patcherr.Wrap(err, "build pre-diff plan")
	}
	if opts.RecompressionLimitBytes > 0 {
		plan.LimitBudget(opts.RecompressionLimitBytes)
	}

	var oldUncompress []deltafriendly.UncompressRange
	var newUncompress []deltafriendly.UncompressRange
	for _, e := range plan.Entries {
		if e.Decision != prediff.UncompressBoth {
			continue
		}
		newResult := newDiv[e.New.CentralDirRange.Offset]
		// The old side's inverse params are never stored on the wire (see
		// OldRange), so generation must inflate with the same fixed
		// nowrap=true assumption the applier will use to rebuild this blob.
		oldUncompress = append(oldUncompress, deltafriendly.UncompressRange{
			Offset: e.Old.RawDataRange.Offset,
			Length: e.Old.RawDataRange.Length,
			Params: oldSideInflateParams(),
		})
		newUncompress = append(newUncompress, deltafriendly.UncompressRange{
			Offset: e.New.RawDataRange.Offset,
			Length: e.New.RawDataRange.Length,
			Params: newResult.Params,
		})
	}

	oldBlob := buffer.New()
	defer oldBlob.Close()
	newBlob := buffer.New()
	defer newBlob.Close()

	// The applier only ever sees the original old archive, never this
	// blob, so the wire format names old ranges by their position in that
	// archive (oldUncompress) rather than by the inverse positions Rewrite
	// returns (which locate spans within the blob built here).
	if _, err := deltafriendly.Rewrite(oldSrc, oldUncompress, oldBlob); err != nil {
		return patcherr.Wrap(err, "rewrite old delta-friendly blob")
	}
	newInverse, err := deltafriendly.Rewrite(newSrc, newUncompress, newBlob)
	if err != nil {
		return patcherr.Wrap(err, "rewrite new delta-friendly blob")
	}

	oldBlobBytes, err := oldBlob.Bytes()
	if err != nil {
		return patcherr.Wrap(err, "read old delta-friendly blob")
	}
	newBlobBytes, err := newBlob.Bytes()
	if err != nil {
		return patcherr.Wrap(err, "read new delta-friendly blob")
	}

	sa := bsdiff.SuffixSort(oldBlobBytes)
	var deltaPayload bytes.Buffer
	matcher := bsdiff.NewSuffixMatcher(oldBlobBytes, sa, newBlobBytes)
	if err := bsdiff.Diff(oldBlobBytes, newBlobBytes, matcher, &deltaPayload); err != nil {
		return patcherr.Wrap(err, "compute bsdiff delta")
	}

	container := &Container{
		CompatibilityWindow: CompatibilityWindowDefault,
		OldBlobLength:       oldBlob.Len(),
		NewBlobLength:       newBlob.Len(),
		Deltas: []DeltaEntry{{
			Format:    DeltaFormatBSDIFF,
			OldOffset: 0,
			OldLength: oldBlob.Len(),
			NewOffset: 0,
			NewLength: newBlob.Len(),
			Payload:   deltaPayload.Bytes(),
		}},
	}
	for _, r := range oldUncompress {
		container.OldRanges = append(container.OldRanges, OldRange{Offset: r.Offset, Length: r.Length})
	}
	for _, r := range newInverse {
		container.NewRanges = append(container.NewRanges, NewRange{Offset: r.Offset, Length: r.Length, Params: r.Params})
	}
	sortOldRanges(container.OldRanges)
	sortNewRanges(container.NewRanges)

	return Write(w, container)
}

// divinationResult pairs an entry with the divination outcome computed
// for it, keyed by the entry's unique central-directory offset.
type divinationResult struct {
	offset int64
	result prediff.DivinationResult
}

// divineArchive runs divination over every DEFLATE-compressed entry of
// archive using up to jobs concurrent workers (golang.org/x/sync's
// errgroup + semaphore, mirroring the worker-pool pattern this module's
// teacher lineage uses for bounded fan-out). Each task owns its own
// hint cache and reads independently via the archive's byte source, so
// no task shares mutable state with another.
func divineArchive(ctx context.Context, archive *archivezip.Archive, jobs int) (prediff.Divinations, error) {
	if jobs < 1 {
		jobs = 1
	}

	var deflateEntries []*archivezip.Entry
	for _, e := range archive.Entries {
		if e.Method == archivezip.MethodDeflate {
			deflateEntries = append(deflateEntries, e)
		}
	}

	results := make([]divinationResult, len(deflateEntries))
	sem := semaphore.NewWeighted(int64(jobs))
	group, gctx := errgroup.WithContext(ctx)

	for i, entry := range deflateEntries {
		i, entry := i, entry
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, patcherr.Wrap(err, "acquire divination worker slot")
		}
		group.Go(func() error {
			defer sem.Release(1)
			if err := gctx.Err(); err != nil {
				return err
			}

			stream, err := archive.Source.OpenStream()
			if err != nil {
				return patcherr.Wrap(err, "open archive stream for divination")
			}
			if _, err := stream.Seek(entry.RawDataRange.Offset, io.SeekStart); err != nil {
				return patcherr.Wrap(err, "seek to entry for divination")
			}
			compressed := make([]byte, entry.RawDataRange.Length)
			if _, err := io.ReadFull(stream, compressed); err != nil {
				return patcherr.Wrap(err, "read entry for divination")
			}

			hints := deflate.NewHintCache(deflate.DefaultHintCacheSize)
			result, _, err := deflate.Divine(deflate.DefaultCodec, compressed, deflate.Extension(entry.PathStr), true, hints)
			if err != nil {
				return patcherr.Wrapf(err, "divine entry %q", entry.PathStr)
			}
			results[i] = divinationResult{
				offset: entry.CentralDirRange.Offset,
				result: prediff.DivinationResult{Params: result.Params, Reproducible: result.Reproducible},
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make(prediff.Divinations, len(results))
	for _, r := range results {
		out[r.offset] = r.result
	}
	return out, nil
}

func sortOldRanges(ranges []OldRange) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })
}

func sortNewRanges(ranges []NewRange) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })
}
