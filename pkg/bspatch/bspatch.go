// Package bspatch applies patches written by pkg/bsdiff in the
// uncompressed ENDSLEY/BSDIFF43 wire format.
package bspatch

import (
	"bytes"
	"io"

	"github.com/google/archive-patcher-sub003/pkg/bsdiff"
	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Apply reads a patch in ENDSLEY/BSDIFF43 format from patch and
// reconstructs the new blob by applying it against old, writing the
// result to w.
//
// Because the wire format stores control records, diff bytes, and extra
// bytes as three back-to-back blocks with no explicit block-length
// fields, Apply makes two passes over the control-record stream: first
// to read every record (stopping once the accumulated output length
// reaches the declared new length) and compute the diff/extra block
// boundaries, then to replay those records against the diff and extra
// blocks it can now address directly.
func Apply(old []byte, patch io.ReaderAt, w io.Writer) error {
	magic := make([]byte, len(bsdiff.Magic))
	if _, err := patch.ReadAt(magic, 0); err != nil {
		return patcherr.Wrap(patcherr.ErrPatchFormatError, "read magic: "+err.Error())
	}
	if string(magic) != bsdiff.Magic {
		return patcherr.Wrap(patcherr.ErrPatchFormatError, "bad magic")
	}

	cursor := int64(len(bsdiff.Magic))
	var lenBuf [8]byte
	if _, err := patch.ReadAt(lenBuf[:], cursor); err != nil {
		return patcherr.Wrap(patcherr.ErrPatchFormatError, "read new length: "+err.Error())
	}
	newLength := offtin(lenBuf[:])
	if newLength < 0 {
		return patcherr.Wrap(patcherr.ErrPatchFormatError, "negative new length")
	}
	cursor += 8

	var records []bsdiff.ControlRecord
	var diffTotal int64
	var produced int64
	controlCursor := cursor

	for produced < newLength {
		var triple [24]byte
		if _, err := patch.ReadAt(triple[:], controlCursor); err != nil {
			return patcherr.Wrap(patcherr.ErrPatchFormatError, "read control record: "+err.Error())
		}
		rec := bsdiff.ControlRecord{
			DiffLength:  offtin(triple[0:8]),
			ExtraLength: offtin(triple[8:16]),
			Seek:        offtin(triple[16:24]),
		}
		if rec.DiffLength < 0 || rec.ExtraLength < 0 {
			return patcherr.Wrap(patcherr.ErrPatchFormatError, "negative control lengths")
		}
		records = append(records, rec)
		diffTotal += rec.DiffLength
		produced += rec.DiffLength + rec.ExtraLength
		controlCursor += 24

		if produced > newLength {
			return patcherr.Wrap(patcherr.ErrPatchFormatError, "control records overshoot new length")
		}
	}

	diffBlockStart := controlCursor
	extraBlockStart := diffBlockStart + diffTotal

	diffCursor := diffBlockStart
	extraCursor := extraBlockStart
	oldPos := int64(0)

	for _, rec := range records {
		if rec.DiffLength > 0 {
			diffBytes := make([]byte, rec.DiffLength)
			if _, err := patch.ReadAt(diffBytes, diffCursor); err != nil {
				return patcherr.Wrap(patcherr.ErrPatchFormatError, "read diff block: "+err.Error())
			}
			diffCursor += rec.DiffLength

			if oldPos < 0 || oldPos+rec.DiffLength > int64(len(old)) {
				return patcherr.Wrap(patcherr.ErrPatchFormatError, "diff range outside old blob")
			}
			oldSlice := old[oldPos : oldPos+rec.DiffLength]
			for i := range diffBytes {
				diffBytes[i] += oldSlice[i]
			}
			if _, err := w.Write(diffBytes); err != nil {
				return patcherr.Wrap(err, "write diff span")
			}
			oldPos += rec.DiffLength
		}

		if rec.ExtraLength > 0 {
			extraBytes := make([]byte, rec.ExtraLength)
			if _, err := patch.ReadAt(extraBytes, extraCursor); err != nil {
				return patcherr.Wrap(patcherr.ErrPatchFormatError, "read extra block: "+err.Error())
			}
			extraCursor += rec.ExtraLength
			if _, err := w.Write(extraBytes); err != nil {
				return patcherr.Wrap(err, "write extra span")
			}
		}

		oldPos += rec.Seek
	}

	return nil
}

// ApplyBytes is a convenience wrapper over Apply operating on in-memory
// byte slices.
func ApplyBytes(old, patch []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := Apply(old, bytes.NewReader(patch), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// offtin decodes the signed little-endian magnitude encoding bsdiff's
// offtout writes.
func offtin(buf []byte) int64 {
	y := int64(buf[7] & 0x7f)
	for i := 6; i >= 0; i-- {
		y = y*256 + int64(buf[i])
	}
	if buf[7]&0x80 != 0 {
		y = -y
	}
	return y
}
