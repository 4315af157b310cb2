package archivezip

import (
	"bytes"
	"encoding/binary"

	"github.com/google/archive-patcher-sub003/pkg/bytesource"
	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Parse reads src as a ZIP archive and returns its parsed Archive view.
// It locates the EOCD by scanning backward, reads the central directory
// sequentially, and for each entry locates its local header from the
// local header's own name and extra-field lengths. The raw data range
// always takes its length from the central directory's compressed-size
// field; for descriptor-flagged entries the data descriptor is read
// right after that range.
func Parse(src bytesource.ByteSource) (*Archive, error) {
	n := src.Length()
	eocdOff, eocd, err := locateEOCD(src, n)
	if err != nil {
		return nil, err
	}

	diskCount := readU16(eocd, 8)
	centralDirCount := readU16(eocd, 10)
	centralDirSize := int64(readU32(eocd, 12))
	centralDirOffset := int64(readU32(eocd, 16))
	_ = diskCount

	if centralDirCount == 0xffff || centralDirSize == 0xffffffff || centralDirOffset == 0xffffffff {
		return nil, patcherr.Wrap(patcherr.ErrUnsupportedArchive, "ZIP64 central directory not supported")
	}
	if centralDirOffset > eocdOff {
		return nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "central directory offset beyond EOCD")
	}

	dirBuf, err := readAtExact(src, centralDirOffset, eocdOff-centralDirOffset)
	if err != nil {
		return nil, patcherr.Wrap(err, "read central directory")
	}

	archive := &Archive{
		Source:          src,
		EOCDRange:       Range{Offset: eocdOff, Length: int64(len(eocd))},
		CentralDirRange: Range{Offset: centralDirOffset, Length: int64(len(dirBuf))},
		index:           make(map[string]int),
	}

	cursor := dirBuf
	pos := centralDirOffset
	var entries []*Entry
	for len(cursor) > 0 {
		if len(cursor) < centralDirFixedLength {
			return nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "truncated central directory record")
		}
		if readU32(cursor, 0) != SignatureCentralDirectory {
			return nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "bad central directory signature")
		}
		versionMadeBy := readU16(cursor, 4)
		versionNeeded := readU16(cursor, 6)
		flags := readU16(cursor, 8)
		method := readU16(cursor, 10)
		modTime := readU16(cursor, 12)
		modDate := readU16(cursor, 14)
		crc32 := readU32(cursor, 16)
		compSize := readU32(cursor, 20)
		uncompSize := readU32(cursor, 24)
		nameLen := int(readU16(cursor, 28))
		extraLen := int(readU16(cursor, 30))
		commentLen := int(readU16(cursor, 32))
		diskStart := readU16(cursor, 34)
		extAttrs := readU32(cursor, 38)
		localOffset := int64(readU32(cursor, 42))

		recordLen := centralDirFixedLength + nameLen + extraLen + commentLen
		if len(cursor) < recordLen {
			return nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "truncated central directory variable fields")
		}

		if compSize == 0xffffffff || uncompSize == 0xffffffff || localOffset == 0xffffffff {
			return nil, patcherr.Wrap(patcherr.ErrUnsupportedArchive, "ZIP64 entry not supported")
		}

		nameBytes := append([]byte(nil), cursor[centralDirFixedLength:centralDirFixedLength+nameLen]...)
		extra := append([]byte(nil), cursor[centralDirFixedLength+nameLen:centralDirFixedLength+nameLen+extraLen]...)
		comment := append([]byte(nil), cursor[centralDirFixedLength+nameLen+extraLen:recordLen]...)

		entry := &Entry{
			Path:              nameBytes,
			Method:            method,
			Flags:             flags,
			ModTime:           modTime,
			ModDate:           modDate,
			CRC32:             crc32,
			CompressedSize:    compSize,
			UncompressedSize:  uncompSize,
			ExtraField:        extra,
			Comment:           comment,
			DiskNumberStart:   diskStart,
			ExternalAttrs:     extAttrs,
			VersionMadeBy:     versionMadeBy,
			VersionNeeded:     versionNeeded,
			LocalHeaderOffset: localOffset,
			CentralDirRange:   Range{Offset: pos, Length: int64(recordLen)},
		}
		if entry.IsUTF8() {
			entry.PathStr = string(nameBytes)
		} else {
			entry.PathStr = decodeCP437(nameBytes)
		}

		if err := resolveLocalSection(src, entry); err != nil {
			return nil, err
		}

		entries = append(entries, entry)
		archive.index[entry.PathStr] = len(entries) - 1

		cursor = cursor[recordLen:]
		pos += int64(recordLen)
	}

	if len(entries) != int(centralDirCount) {
		return nil, patcherr.Wrapf(patcherr.ErrMalformedArchive,
			"EOCD declares %d entries but central directory has %d", centralDirCount, len(entries))
	}
	archive.Entries = entries
	return archive, nil
}

// resolveLocalSection validates the local file header for entry and
// computes its RawDataRange and (if present) DataDescriptorRange.
func resolveLocalSection(src bytesource.ByteSource, entry *Entry) error {
	fixed, err := readAtExact(src, entry.LocalHeaderOffset, localFileHeaderFixedLength)
	if err != nil {
		return patcherr.Wrapf(err, "read local header for %q", entry.PathStr)
	}
	if readU32(fixed, 0) != SignatureLocalFileHeader {
		return patcherr.Wrapf(patcherr.ErrMalformedArchive, "bad local file header signature for %q", entry.PathStr)
	}
	localNameLen := int(readU16(fixed, 26))
	localExtraLen := int(readU16(fixed, 28))
	headerLen := int64(localFileHeaderFixedLength + localNameLen + localExtraLen)

	entry.LocalHeaderRange = Range{Offset: entry.LocalHeaderOffset, Length: headerLen}
	dataOffset := entry.LocalHeaderOffset + headerLen

	if !entry.HasDataDescriptor() {
		entry.RawDataRange = Range{Offset: dataOffset, Length: int64(entry.CompressedSize)}
		return nil
	}

	// The compressed size in the central directory is authoritative even
	// when the data-descriptor flag is set (this module does not support
	// the zero-sized-local-header streaming case where the true size must
	// be recovered by scanning for the descriptor signature, since
	// archives produced that way are not internally consistent with the
	// central directory invariant this module assumes — see §3).
	entry.RawDataRange = Range{Offset: dataOffset, Length: int64(entry.CompressedSize)}

	descOffset := dataOffset + int64(entry.CompressedSize)
	descLen, err := dataDescriptorLength(src, descOffset)
	if err != nil {
		return patcherr.Wrapf(err, "read data descriptor for %q", entry.PathStr)
	}
	entry.DataDescriptorRange = Range{Offset: descOffset, Length: descLen}
	return nil
}

// dataDescriptorLength determines how many bytes the data descriptor
// record at off occupies: 12 bytes (crc32, compressed, uncompressed) or
// 16 if it carries the optional signature.
func dataDescriptorLength(src bytesource.ByteSource, off int64) (int64, error) {
	if off+4 > src.Length() {
		return 0, patcherr.Wrap(patcherr.ErrMalformedArchive, "truncated data descriptor")
	}
	head, err := readAtExact(src, off, 4)
	if err != nil {
		return 0, err
	}
	if readU32(head, 0) == SignatureDataDescriptor {
		return 16, nil
	}
	return 12, nil
}

// locateEOCD scans backward from the end of src for the EOCD signature,
// considering up to maxTrailingScan trailing bytes to admit a
// maximum-length comment.
func locateEOCD(src bytesource.ByteSource, n int64) (int64, []byte, error) {
	if n < eocdFixedLength {
		return 0, nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "archive too small to contain an EOCD")
	}
	scanLen := n
	if scanLen > maxTrailingScan {
		scanLen = maxTrailingScan
	}
	tail, err := readAtExact(src, n-scanLen, scanLen)
	if err != nil {
		return 0, nil, patcherr.Wrap(err, "read archive tail")
	}

	sig := make([]byte, 4)
	binary.LittleEndian.PutUint32(sig, SignatureEndOfCentralDir)

	for i := len(tail) - eocdFixedLength; i >= 0; i-- {
		if bytes.Equal(tail[i:i+4], sig) {
			commentLen := int(readU16(tail, i+20))
			if i+eocdFixedLength+commentLen == len(tail) {
				return n - scanLen + int64(i), tail[i:], nil
			}
		}
	}
	return 0, nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "end of central directory record not found")
}
