// Package deltafriendly rewrites an archive byte source into a
// delta-friendly blob: selected DEFLATE-compressed ranges replaced
// in-place by their inflated bytes, so that a byte-level diff algorithm
// can see through the compression boundary.
package deltafriendly

import (
	"io"
	"sort"

	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/deflate"
	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// UncompressRange names one span of the source archive to inflate
// in-place, with the parameters needed to redeflate it later.
type UncompressRange struct {
	Offset, Length int64
	Params         deflate.Params
}

// InverseRange locates, in the delta-friendly output, where one
// uncompressed span begins and ends, carrying the same DEFLATE
// parameters so the applier can redeflate exactly that span back to its
// original compressed bytes.
type InverseRange struct {
	Offset, Length int64
	Params         deflate.Params
}

// Rewrite streams src through to sink, replacing each range named in
// ranges (in any order, but non-overlapping) with its inflated bytes,
// copying all other bytes verbatim. It returns the inverse ranges
// locating each uncompressed span within sink's output, in ascending
// offset order.
//
// Rewrite never buffers the whole output: it copies and inflates
// directly into sink, tracking only the running output-byte counter.
func Rewrite(src bytesource.ByteSource, ranges []UncompressRange, sink io.Writer) ([]InverseRange, error) {
	sorted := append([]UncompressRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	stream, err := src.OpenStream()
	if err != nil {
		return nil, patcherr.Wrap(err, "open archive stream")
	}

	var cursor int64
	var outputPos int64
	inverse := make([]InverseRange, 0, len(sorted))

	for _, r := range sorted {
		if r.Offset < cursor {
			return nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "uncompress ranges overlap")
		}
		if gap := r.Offset - cursor; gap > 0 {
			if _, err := stream.Seek(cursor, io.SeekStart); err != nil {
				return nil, patcherr.Wrap(err, "seek to verbatim span")
			}
			n, err := io.CopyN(sink, stream, gap)
			outputPos += n
			if err != nil {
				return nil, patcherr.Wrap(err, "copy verbatim span")
			}
		}

		compressed := make([]byte, r.Length)
		if _, err := stream.Seek(r.Offset, io.SeekStart); err != nil {
			return nil, patcherr.Wrap(err, "seek to uncompress range")
		}
		if _, err := io.ReadFull(stream, compressed); err != nil {
			return nil, patcherr.Wrap(err, "read compressed range")
		}

		inflated, err := deflate.DefaultCodec.Inflate(compressed, r.Params.NoWrap)
		if err != nil {
			return nil, patcherr.Wrap(err, "inflate delta-friendly range")
		}

		before := outputPos
		n, err := sink.Write(inflated)
		outputPos += int64(n)
		if err != nil {
			return nil, patcherr.Wrap(err, "write inflated range")
		}

		inverse = append(inverse, InverseRange{Offset: before, Length: outputPos - before, Params: r.Params})
		cursor = r.Offset + r.Length
	}

	total := src.Length()
	if cursor < total {
		if _, err := stream.Seek(cursor, io.SeekStart); err != nil {
			return nil, patcherr.Wrap(err, "seek to trailing span")
		}
		n, err := io.Copy(sink, io.LimitReader(stream, total-cursor))
		outputPos += n
		if err != nil {
			return nil, patcherr.Wrap(err, "copy trailing span")
		}
	}

	return inverse, nil
}

// Reconstruct is the applier-side inverse of Rewrite: given the
// delta-friendly blob and the same inverse ranges, it redeflates each
// inverse range back to its original compressed bytes and writes the
// reconstructed archive bytes to sink, copying all other bytes verbatim.
func Reconstruct(blob bytesource.ByteSource, ranges []InverseRange, sink io.Writer) error {
	sorted := append([]InverseRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	stream, err := blob.OpenStream()
	if err != nil {
		return patcherr.Wrap(err, "open delta-friendly blob")
	}

	var cursor int64
	for _, r := range sorted {
		if r.Offset < cursor {
			return patcherr.Wrap(patcherr.ErrMalformedArchive, "inverse ranges overlap")
		}
		if gap := r.Offset - cursor; gap > 0 {
			if _, err := stream.Seek(cursor, io.SeekStart); err != nil {
				return patcherr.Wrap(err, "seek to verbatim span")
			}
			if _, err := io.CopyN(sink, stream, gap); err != nil {
				return patcherr.Wrap(err, "copy verbatim span")
			}
		}

		raw := make([]byte, r.Length)
		if _, err := stream.Seek(r.Offset, io.SeekStart); err != nil {
			return patcherr.Wrap(err, "seek to inverse range")
		}
		if _, err := io.ReadFull(stream, raw); err != nil {
			return patcherr.Wrap(err, "read inverse range")
		}

		compressed, err := deflate.DefaultCodec.Deflate(raw, r.Params)
		if err != nil {
			return patcherr.Wrap(err, "redeflate inverse range")
		}
		if _, err := sink.Write(compressed); err != nil {
			return patcherr.Wrap(err, "write recompressed range")
		}
		cursor = r.Offset + r.Length
	}

	total := blob.Length()
	if cursor < total {
		if _, err := stream.Seek(cursor, io.SeekStart); err != nil {
			return patcherr.Wrap(err, "seek to trailing span")
		}
		if _, err := io.Copy(sink, stream); err != nil {
			return patcherr.Wrap(err, "copy trailing span")
		}
	}
	return nil
}
