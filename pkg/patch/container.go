// Package patch frames the patch container: a self-describing byte
// layout carrying the old/new delta-friendly uncompression plans, the
// DEFLATE compatibility window, and one or more delta entries.
package patch

import (
	"encoding/binary"
	"io"

	"github.com/google/archive-patcher-sub003/pkg/deflate"
	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Magic identifies this container format on the wire.
const Magic = "GFbFv1_0"

// CompatibilityWindow identifies which DEFLATE engine produced a
// patch's recompression ranges.
type CompatibilityWindow uint8

// CompatibilityWindowDefault is the sole window this module ships.
const CompatibilityWindowDefault CompatibilityWindow = 0

// DeltaFormat identifies the codec used for one delta entry's payload.
type DeltaFormat uint8

const (
	// DeltaFormatBSDIFF is the ENDSLEY/BSDIFF43 binary delta.
	DeltaFormatBSDIFF DeltaFormat = 0
	// DeltaFormatFileByFileRecursive nests another patch container as the
	// delta payload. This layer recognizes the id on the wire but treats
	// the payload opaquely — recursive invocation is not implemented (see
	// DESIGN.md).
	DeltaFormatFileByFileRecursive DeltaFormat = 1
)

// OldRange is one span of the old archive to virtually uncompress to
// build the old delta-friendly blob.
type OldRange struct {
	Offset, Length int64
}

// NewRange is one span of the new delta-friendly blob to redeflate back
// to its original compressed bytes, carrying the parameters needed to do
// so exactly.
type NewRange struct {
	Offset, Length int64
	Params         deflate.Params
}

// DeltaEntry is one (old-range, new-range, payload) triple. When D==1
// the ranges span the entire respective delta-friendly blobs; when D>1
// Read requires the new-side ranges to cover the new blob exactly once.
// Old-side ranges are not checked and may overlap.
type DeltaEntry struct {
	Format      DeltaFormat
	OldOffset   int64
	OldLength   int64
	NewOffset   int64
	NewLength   int64
	Payload     []byte
}

// Container is the fully decoded patch frame.
type Container struct {
	CompatibilityWindow CompatibilityWindow
	OldBlobLength       int64
	OldRanges           []OldRange
	NewBlobLength       int64
	NewRanges           []NewRange
	Deltas              []DeltaEntry
}

func writeU64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// Write encodes c to w per the §6 frame layout.
func Write(w io.Writer, c *Container) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return patcherr.Wrap(err, "write magic")
	}
	if err := writeU8(w, uint8(c.CompatibilityWindow)); err != nil {
		return patcherr.Wrap(err, "write compatibility window")
	}

	if err := writeU64(w, c.OldBlobLength); err != nil {
		return patcherr.Wrap(err, "write old blob length")
	}
	if err := writeU64(w, int64(len(c.OldRanges))); err != nil {
		return patcherr.Wrap(err, "write old range count")
	}
	for _, r := range c.OldRanges {
		if err := writeU64(w, r.Offset); err != nil {
			return patcherr.Wrap(err, "write old range offset")
		}
		if err := writeU64(w, r.Length); err != nil {
			return patcherr.Wrap(err, "write old range length")
		}
	}

	if err := writeU64(w, c.NewBlobLength); err != nil {
		return patcherr.Wrap(err, "write new blob length")
	}
	if err := writeU64(w, int64(len(c.NewRanges))); err != nil {
		return patcherr.Wrap(err, "write new range count")
	}
	for _, r := range c.NewRanges {
		if err := writeU64(w, r.Offset); err != nil {
			return patcherr.Wrap(err, "write new range offset")
		}
		if err := writeU64(w, r.Length); err != nil {
			return patcherr.Wrap(err, "write new range length")
		}
		if err := writeU8(w, uint8(r.Params.Level)); err != nil {
			return patcherr.Wrap(err, "write new range level")
		}
		if err := writeU8(w, uint8(r.Params.Strategy)); err != nil {
			return patcherr.Wrap(err, "write new range strategy")
		}
		wrap := uint8(0)
		if !r.Params.NoWrap {
			wrap = 1
		}
		if err := writeU8(w, wrap); err != nil {
			return patcherr.Wrap(err, "write new range wrap")
		}
	}

	if len(c.Deltas) == 0 {
		return patcherr.Wrap(patcherr.ErrPatchFormatError, "container requires at least one delta entry")
	}
	if err := writeU64(w, int64(len(c.Deltas))); err != nil {
		return patcherr.Wrap(err, "write delta count")
	}
	for _, d := range c.Deltas {
		if err := writeU8(w, uint8(d.Format)); err != nil {
			return patcherr.Wrap(err, "write delta format")
		}
		if err := writeU64(w, d.OldOffset); err != nil {
			return patcherr.Wrap(err, "write delta old offset")
		}
		if err := writeU64(w, d.OldLength); err != nil {
			return patcherr.Wrap(err, "write delta old length")
		}
		if err := writeU64(w, d.NewOffset); err != nil {
			return patcherr.Wrap(err, "write delta new offset")
		}
		if err := writeU64(w, d.NewLength); err != nil {
			return patcherr.Wrap(err, "write delta new length")
		}
		if err := writeU64(w, int64(len(d.Payload))); err != nil {
			return patcherr.Wrap(err, "write delta payload length")
		}
		if _, err := w.Write(d.Payload); err != nil {
			return patcherr.Wrap(err, "write delta payload")
		}
	}
	return nil
}

func readU64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func readU8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Read decodes a Container from r, validating the magic, the range-list
// coverage invariant (when there is more than one delta entry, the
// new-side ranges must cover the new delta-friendly blob exactly once;
// old-side ranges are not checked), and rejecting truncated frames.
func Read(r io.Reader) (*Container, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read magic: "+err.Error())
	}
	if string(magic) != Magic {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "bad magic")
	}

	windowByte, err := readU8(r)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read compatibility window: "+err.Error())
	}
	if CompatibilityWindow(windowByte) != CompatibilityWindowDefault {
		return nil, patcherr.Wrapf(patcherr.ErrPatchFormatError, "unknown compatibility window %d", windowByte)
	}

	c := &Container{CompatibilityWindow: CompatibilityWindow(windowByte)}

	c.OldBlobLength, err = readU64(r)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read old blob length: "+err.Error())
	}
	moCount, err := readU64(r)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read old range count: "+err.Error())
	}
	for i := int64(0); i < moCount; i++ {
		offset, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read old range offset: "+err.Error())
		}
		length, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read old range length: "+err.Error())
		}
		c.OldRanges = append(c.OldRanges, OldRange{Offset: offset, Length: length})
	}

	c.NewBlobLength, err = readU64(r)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read new blob length: "+err.Error())
	}
	mnCount, err := readU64(r)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read new range count: "+err.Error())
	}
	for i := int64(0); i < mnCount; i++ {
		offset, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read new range offset: "+err.Error())
		}
		length, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read new range length: "+err.Error())
		}
		level, err := readU8(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read new range level: "+err.Error())
		}
		strategy, err := readU8(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read new range strategy: "+err.Error())
		}
		wrap, err := readU8(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read new range wrap: "+err.Error())
		}
		c.NewRanges = append(c.NewRanges, NewRange{
			Offset: offset,
			Length: length,
			Params: deflate.Params{
				Level:    int(level),
				Strategy: deflate.Strategy(strategy),
				NoWrap:   wrap == 0,
			},
		})
	}

	deltaCount, err := readU64(r)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta count: "+err.Error())
	}
	if deltaCount < 1 {
		return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "container must declare at least one delta entry")
	}
	for i := int64(0); i < deltaCount; i++ {
		formatByte, err := readU8(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta format: "+err.Error())
		}
		oldOffset, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta old offset: "+err.Error())
		}
		oldLength, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta old length: "+err.Error())
		}
		newOffset, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta new offset: "+err.Error())
		}
		newLength, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta new length: "+err.Error())
		}
		payloadLength, err := readU64(r)
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta payload length: "+err.Error())
		}
		payload := make([]byte, payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, patcherr.Wrap(patcherr.ErrPatchFormatError, "read delta payload: "+err.Error())
		}
		c.Deltas = append(c.Deltas, DeltaEntry{
			Format:    DeltaFormat(formatByte),
			OldOffset: oldOffset,
			OldLength: oldLength,
			NewOffset: newOffset,
			NewLength: newLength,
			Payload:   payload,
		})
	}

	if err := validateCoverage(c); err != nil {
		return nil, err
	}
	return c, nil
}

// validateCoverage enforces that, when there is more than one delta
// entry, the new-side ranges together cover [0, NewBlobLength) exactly
// once with no overlap and no gap.
func validateCoverage(c *Container) error {
	if len(c.Deltas) <= 1 {
		return nil
	}
	deltas := append([]DeltaEntry(nil), c.Deltas...)
	for i := 0; i < len(deltas); i++ {
		for j := i + 1; j < len(deltas); j++ {
			if deltas[i].NewOffset > deltas[j].NewOffset {
				deltas[i], deltas[j] = deltas[j], deltas[i]
			}
		}
	}
	var cursor int64
	for _, d := range deltas {
		if d.NewOffset != cursor {
			return patcherr.Wrap(patcherr.ErrPatchFormatError, "delta new-ranges have a gap or overlap")
		}
		cursor += d.NewLength
	}
	if cursor != c.NewBlobLength {
		return patcherr.Wrap(patcherr.ErrPatchFormatError, "delta new-ranges do not cover the full new blob")
	}
	return nil
}
