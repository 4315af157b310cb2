package archivezip

import (
	"encoding/binary"
	"io"

	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Writer builds a ZIP archive from scratch, one entry at a time, in the
// shape this module needs for constructing test fixtures and for any
// caller that wants a minimal from-scratch writer: it does not attempt
// to be a general-purpose ZIP library (no ZIP64, no spanning, no
// streaming data descriptors), only enough to produce archives whose
// bytes this module's own parser, divination engine, and BSDIFF core
// round-trip against.
type Writer struct {
	w       io.Writer
	offset  int64
	records []writtenRecord
	closed  bool
}

type writtenRecord struct {
	path             []byte
	method           uint16
	flags            uint16
	modTime, modDate uint16
	crc32            uint32
	compSize         uint32
	uncompSize       uint32
	localOffset      int64
}

// NewWriter returns a Writer that appends to w starting at its current
// position.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// RawEntry describes one entry to append via WriteEntry: method-specific
// compressed bytes are supplied directly by the caller (this module's own
// deflate engine is expected to have produced them already, so that the
// writer never has an opinion on compression itself).
type RawEntry struct {
	Path             string
	Method           uint16
	Flags            uint16
	ModTime, ModDate uint16
	CRC32            uint32
	UncompressedSize uint32
	CompressedBytes  []byte
}

// WriteEntry appends one local file header plus its compressed payload.
func (zw *Writer) WriteEntry(e RawEntry) error {
	if zw.closed {
		return patcherr.Wrap(patcherr.ErrMalformedArchive, "write after close")
	}
	nameBytes := []byte(e.Path)
	header := make([]byte, localFileHeaderFixedLength)
	binary.LittleEndian.PutUint32(header[0:], SignatureLocalFileHeader)
	binary.LittleEndian.PutUint16(header[4:], 20) // version needed
	binary.LittleEndian.PutUint16(header[6:], e.Flags)
	binary.LittleEndian.PutUint16(header[8:], e.Method)
	binary.LittleEndian.PutUint16(header[10:], e.ModTime)
	binary.LittleEndian.PutUint16(header[12:], e.ModDate)
	binary.LittleEndian.PutUint32(header[14:], e.CRC32)
	binary.LittleEndian.PutUint32(header[18:], uint32(len(e.CompressedBytes)))
	binary.LittleEndian.PutUint32(header[22:], e.UncompressedSize)
	binary.LittleEndian.PutUint16(header[26:], uint16(len(nameBytes)))
	binary.LittleEndian.PutUint16(header[28:], 0)

	localOffset := zw.offset
	if err := zw.write(header); err != nil {
		return err
	}
	if err := zw.write(nameBytes); err != nil {
		return err
	}
	if err := zw.write(e.CompressedBytes); err != nil {
		return err
	}

	zw.records = append(zw.records, writtenRecord{
		path:        nameBytes,
		method:      e.Method,
		flags:       e.Flags,
		modTime:     e.ModTime,
		modDate:     e.ModDate,
		crc32:       e.CRC32,
		compSize:    uint32(len(e.CompressedBytes)),
		uncompSize:  e.UncompressedSize,
		localOffset: localOffset,
	})
	return nil
}

func (zw *Writer) write(p []byte) error {
	n, err := zw.w.Write(p)
	zw.offset += int64(n)
	if err != nil {
		return patcherr.Wrap(err, "write archive bytes")
	}
	return nil
}

// Close writes the central directory and EOCD record, finalizing the
// archive. It does not close the underlying io.Writer.
func (zw *Writer) Close() error {
	if zw.closed {
		return nil
	}
	zw.closed = true

	centralStart := zw.offset
	for _, r := range zw.records {
		rec := make([]byte, centralDirFixedLength)
		binary.LittleEndian.PutUint32(rec[0:], SignatureCentralDirectory)
		binary.LittleEndian.PutUint16(rec[4:], 0x031e) // version made by: unix, spec 3.0
		binary.LittleEndian.PutUint16(rec[6:], 20)      // version needed
		binary.LittleEndian.PutUint16(rec[8:], r.flags)
		binary.LittleEndian.PutUint16(rec[10:], r.method)
		binary.LittleEndian.PutUint16(rec[12:], r.modTime)
		binary.LittleEndian.PutUint16(rec[14:], r.modDate)
		binary.LittleEndian.PutUint32(rec[16:], r.crc32)
		binary.LittleEndian.PutUint32(rec[20:], r.compSize)
		binary.LittleEndian.PutUint32(rec[24:], r.uncompSize)
		binary.LittleEndian.PutUint16(rec[28:], uint16(len(r.path)))
		binary.LittleEndian.PutUint16(rec[30:], 0)
		binary.LittleEndian.PutUint16(rec[32:], 0)
		binary.LittleEndian.PutUint16(rec[34:], 0)
		binary.LittleEndian.PutUint16(rec[36:], 0)
		binary.LittleEndian.PutUint32(rec[38:], 0o100644<<16)
		binary.LittleEndian.PutUint32(rec[42:], uint32(r.localOffset))

		if err := zw.write(rec); err != nil {
			return err
		}
		if err := zw.write(r.path); err != nil {
			return err
		}
	}
	centralSize := zw.offset - centralStart

	eocd := make([]byte, eocdFixedLength)
	binary.LittleEndian.PutUint32(eocd[0:], SignatureEndOfCentralDir)
	binary.LittleEndian.PutUint16(eocd[4:], 0)
	binary.LittleEndian.PutUint16(eocd[6:], 0)
	binary.LittleEndian.PutUint16(eocd[8:], uint16(len(zw.records)))
	binary.LittleEndian.PutUint16(eocd[10:], uint16(len(zw.records)))
	binary.LittleEndian.PutUint32(eocd[12:], uint32(centralSize))
	binary.LittleEndian.PutUint32(eocd[16:], uint32(centralStart))
	binary.LittleEndian.PutUint16(eocd[20:], 0)
	return zw.write(eocd)
}
