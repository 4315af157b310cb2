package patch

import (
	"bytes"
	"io"
	"sort"

	"github.com/google/archive-patcher-sub003/pkg/buffer"
	"github.com/google/archive-patcher-sub003/pkg/bspatch"
	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/deflate"
	"github.com/google/archive-patcher-sub003/pkg/deltafriendly"
	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Apply reconstructs the new archive bytes by applying patch against
// old, writing the result to w. The old archive is first rewritten into
// its delta-friendly form (inflating the ranges the patch names), the
// delta is applied to recover the new delta-friendly blob, and that
// blob is finally rewritten back into real compressed bytes (redeflated
// per the new-side ranges the patch carries).
func Apply(old bytesource.ByteSource, container *Container, w io.Writer) error {
	if len(container.Deltas) != 1 || container.Deltas[0].Format != DeltaFormatBSDIFF {
		return patcherr.Wrap(patcherr.ErrPatchFormatError, "only a single bsdiff delta entry is supported")
	}
	delta := container.Deltas[0]

	oldUncompress := make([]deltafriendly.UncompressRange, len(container.OldRanges))
	for i, r := range container.OldRanges {
		oldUncompress[i] = deltafriendly.UncompressRange{
			Offset: r.Offset,
			Length: r.Length,
			Params: oldSideInflateParams(),
		}
	}
	sort.Slice(oldUncompress, func(i, j int) bool { return oldUncompress[i].Offset < oldUncompress[j].Offset })

	oldBlob := buffer.New()
	defer oldBlob.Close()
	if _, err := deltafriendly.Rewrite(old, oldUncompress, oldBlob); err != nil {
		return patcherr.Wrap(err, "rewrite old archive into delta-friendly form")
	}
	if oldBlob.Len() != container.OldBlobLength {
		return patcherr.Wrapf(patcherr.ErrPatchFormatError,
			"old delta-friendly blob length %d does not match patch's declared %d", oldBlob.Len(), container.OldBlobLength)
	}
	oldBlobBytes, err := oldBlob.Bytes()
	if err != nil {
		return patcherr.Wrap(err, "read old delta-friendly blob")
	}

	var newBlobBuf bytes.Buffer
	if err := bspatch.Apply(oldBlobBytes, bytes.NewReader(delta.Payload), &newBlobBuf); err != nil {
		return patcherr.Wrap(err, "apply bsdiff delta")
	}
	if int64(newBlobBuf.Len()) != container.NewBlobLength {
		return patcherr.Wrapf(patcherr.ErrPatchFormatError,
			"new delta-friendly blob length %d does not match patch's declared %d", newBlobBuf.Len(), container.NewBlobLength)
	}

	inverse := make([]deltafriendly.InverseRange, len(container.NewRanges))
	for i, r := range container.NewRanges {
		inverse[i] = deltafriendly.InverseRange{Offset: r.Offset, Length: r.Length, Params: r.Params}
	}
	sort.Slice(inverse, func(i, j int) bool { return inverse[i].Offset < inverse[j].Offset })

	newBlobSrc := bytesource.NewMemory(newBlobBuf.Bytes())
	if err := deltafriendly.Reconstruct(newBlobSrc, inverse, w); err != nil {
		return patcherr.Wrap(err, "reconstruct new archive from delta-friendly blob")
	}
	return nil
}

// oldSideInflateParams returns the fixed DEFLATE parameters used to
// uncompress old-archive ranges. A ZIP entry's raw file data is always a
// headerless DEFLATE stream regardless of how it was produced, so the
// delta-friendly rewrite always inflates with nowrap=true; unlike new
// ranges there is nothing to redeflate on this side, so level and
// strategy are irrelevant and left at their zero values.
func oldSideInflateParams() deflate.Params {
	return deflate.Params{NoWrap: true}
}
