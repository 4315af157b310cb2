// Package archivezip implements the portion of the ZIP container format
// (PKWARE APPNOTE) this module needs: locating the end-of-central-directory
// record, enumerating the central directory, associating each entry with
// its local-section byte ranges, and writing new archives from scratch
// (Writer) from per-entry path, method and payload. ZIP64 is out of
// scope; entries using it are reported as unsupported.
package archivezip

import (
	"encoding/binary"
	"io"

	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Signatures, per the PKWARE APPNOTE.
const (
	SignatureLocalFileHeader    uint32 = 0x04034b50
	SignatureCentralDirectory   uint32 = 0x02014b50
	SignatureEndOfCentralDir    uint32 = 0x06054b50
	SignatureDataDescriptor     uint32 = 0x08074b50
	localFileHeaderFixedLength         = 30
	centralDirFixedLength               = 46
	eocdFixedLength                     = 22
	maxCommentLength                    = 0xffff
	maxTrailingScan                     = eocdFixedLength + maxCommentLength // 65,557
)

// Compression methods used on the wire.
const (
	MethodStored  uint16 = 0
	MethodDeflate uint16 = 8
)

// General-purpose bit flags this module cares about.
const (
	FlagDataDescriptor uint16 = 1 << 3
	FlagUTF8Name       uint16 = 1 << 11
)

// Range is an (offset, length) pair within an archive's byte source.
type Range struct {
	Offset int64
	Length int64
}

// End returns Offset+Length.
func (r Range) End() int64 { return r.Offset + r.Length }

// Entry describes one archive member: its central-directory metadata
// together with the byte ranges of its local-header section. Path is kept
// as raw bytes (the wire encoding) alongside the decoded PathStr, since
// invariant-checking and byte-identical reconstruction need the original
// bytes, not just their decoded form.
type Entry struct {
	Path               []byte
	PathStr            string
	Method             uint16
	Flags              uint16
	ModTime            uint16
	ModDate            uint16
	CRC32              uint32
	CompressedSize     uint32
	UncompressedSize   uint32
	ExtraField         []byte
	Comment            []byte
	DiskNumberStart    uint16
	ExternalAttrs      uint32
	VersionMadeBy      uint16
	VersionNeeded      uint16
	LocalHeaderOffset  int64

	// CentralDirRange is this entry's exact central-directory record span
	// within the archive byte source.
	CentralDirRange Range

	// LocalHeaderRange is the span of the local file header (fixed part
	// plus name and extra field).
	LocalHeaderRange Range

	// RawDataRange is the span of the raw (still compressed, if
	// applicable) file data bytes.
	RawDataRange Range

	// DataDescriptorRange is the span of the optional trailing data
	// descriptor record; zero-length when FlagDataDescriptor is clear.
	DataDescriptorRange Range
}

// IsUTF8 reports whether Path should be interpreted as UTF-8 (as opposed
// to IBM-437) per the general-purpose bit flag.
func (e *Entry) IsUTF8() bool { return e.Flags&FlagUTF8Name != 0 }

// HasDataDescriptor reports whether a data descriptor record follows this
// entry's raw file data.
func (e *Entry) HasDataDescriptor() bool { return e.Flags&FlagDataDescriptor != 0 }

// Archive is a read-only, parsed view over a ZIP byte source: an ordered
// list of Entry values in central-directory order plus a path index.
type Archive struct {
	Source bytesource.ByteSource

	// Entries is in central-directory order, per the ordering guarantee.
	Entries []*Entry

	// EOCDRange is the span of the end-of-central-directory record
	// (including its comment).
	EOCDRange Range

	// CentralDirRange is the span covering every central-directory
	// record, from the first signature to the byte before the EOCD.
	CentralDirRange Range

	index map[string]int
}

// EntryByPath looks up an entry by its decoded path string, returning nil
// if absent.
func (a *Archive) EntryByPath(path string) *Entry {
	i, ok := a.index[path]
	if !ok {
		return nil
	}
	return a.Entries[i]
}

func readU16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func readU32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func readAtExact(src bytesource.ByteSource, off, n int64) ([]byte, error) {
	r, err := src.OpenStream()
	if err != nil {
		return nil, patcherr.Wrap(err, "open stream")
	}
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return nil, patcherr.Wrap(err, "seek")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, patcherr.Wrap(err, "read exact")
	}
	return buf, nil
}
