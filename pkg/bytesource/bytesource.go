// Package bytesource implements the random-access byte-view abstraction
// every other package in this module builds on: archives, delta-friendly
// blobs, and patch payloads are all read and written through a ByteSource
// rather than as single contiguous []byte values, so that inputs larger
// than available RAM stay representable.
package bytesource

import (
	"io"
	"os"

	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// ByteSource is a read-only, random-access view over a byte region of a
// fixed length. Implementations must be safe for concurrent use by
// multiple goroutines that each call OpenStream independently: every
// concrete ByteSource in this package returns readers that are themselves
// independent (no shared seek position), so SupportsMultipleReads always
// reports true here, but callers should still consult it rather than
// assume it — a future ByteSource backed by a single OS pipe would need
// to report false.
type ByteSource interface {
	// Length returns the number of bytes in this view.
	Length() int64

	// OpenStream returns a new, independent reader over the full view.
	// Closing the returned reader never closes the underlying source.
	OpenStream() (io.ReadSeeker, error)

	// Slice returns a new ByteSource over [offset, offset+length) of this
	// view. Slicing never mutates the parent and the returned source's
	// lifetime is independent of the parent's.
	Slice(offset, length int64) (ByteSource, error)

	// SupportsMultipleReads reports whether independent readers opened
	// via OpenStream may safely coexist.
	SupportsMultipleReads() bool
}

func checkRange(n, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > n {
		return patcherr.Wrapf(patcherr.ErrMalformedArchive,
			"out of range: offset=%d length=%d bounds=%d", offset, length, n)
	}
	return nil
}

// MemoryByteSource is a ByteSource backed by an in-memory byte slice.
type MemoryByteSource struct {
	buf []byte
}

// NewMemory wraps buf as a ByteSource. buf is not copied; callers must not
// mutate it afterward.
func NewMemory(buf []byte) *MemoryByteSource {
	return &MemoryByteSource{buf: buf}
}

func (m *MemoryByteSource) Length() int64 { return int64(len(m.buf)) }

func (m *MemoryByteSource) OpenStream() (io.ReadSeeker, error) {
	return newMemoryReader(m.buf), nil
}

func (m *MemoryByteSource) Slice(offset, length int64) (ByteSource, error) {
	if err := checkRange(m.Length(), offset, length); err != nil {
		return nil, err
	}
	return NewMemory(m.buf[offset : offset+length]), nil
}

func (m *MemoryByteSource) SupportsMultipleReads() bool { return true }

// Bytes returns the underlying slice without copying it. Callers must
// treat the result as read-only.
func (m *MemoryByteSource) Bytes() []byte { return m.buf }

type memoryReader struct {
	buf []byte
	pos int64
}

func newMemoryReader(buf []byte) *memoryReader { return &memoryReader{buf: buf} }

func (r *memoryReader) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.buf)) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *memoryReader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = r.pos + offset
	case io.SeekEnd:
		newPos = int64(len(r.buf)) + offset
	default:
		return 0, patcherr.Wrapf(patcherr.ErrMalformedArchive, "unsupported seek whence %d", whence)
	}
	if newPos < 0 {
		return 0, patcherr.Wrap(patcherr.ErrMalformedArchive, "negative seek result")
	}
	r.pos = newPos
	return newPos, nil
}

// FileByteSource is a ByteSource backed by a region of an *os.File. The
// file is opened once by the caller and shared by every slice derived
// from this source; closing the file is the caller's responsibility and
// is never done implicitly by this package.
type FileByteSource struct {
	f      *os.File
	base   int64
	length int64
}

// NewFile wraps [base, base+length) of f as a ByteSource.
func NewFile(f *os.File, base, length int64) (*FileByteSource, error) {
	if base < 0 || length < 0 {
		return nil, patcherr.Wrap(patcherr.ErrMalformedArchive, "negative file region")
	}
	return &FileByteSource{f: f, base: base, length: length}, nil
}

// NewFileWhole wraps the entire contents of f, as reported by Stat, as a
// ByteSource.
func NewFileWhole(f *os.File) (*FileByteSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, patcherr.Wrap(err, "stat")
	}
	return NewFile(f, 0, info.Size())
}

func (s *FileByteSource) Length() int64 { return s.length }

func (s *FileByteSource) OpenStream() (io.ReadSeeker, error) {
	return io.NewSectionReader(s.f, s.base, s.length), nil
}

func (s *FileByteSource) Slice(offset, length int64) (ByteSource, error) {
	if err := checkRange(s.Length(), offset, length); err != nil {
		return nil, err
	}
	return &FileByteSource{f: s.f, base: s.base + offset, length: length}, nil
}

func (s *FileByteSource) SupportsMultipleReads() bool { return true }

// sliceByteSource is a view over an arbitrary parent ByteSource. It is the
// general fallback used when slicing a ByteSource whose concrete type is
// not known (e.g. one supplied by a caller through the interface).
type sliceByteSource struct {
	parent ByteSource
	offset int64
	length int64
}

// Slice is a package-level helper that slices any ByteSource generically,
// without relying on its own Slice method. The ByteSource implementations
// in this package implement Slice directly; this helper wraps any
// ByteSource, including ones defined outside this package, in a view
// that reads through the parent's OpenStream.
func Slice(parent ByteSource, offset, length int64) (ByteSource, error) {
	if err := checkRange(parent.Length(), offset, length); err != nil {
		return nil, err
	}
	return &sliceByteSource{parent: parent, offset: offset, length: length}, nil
}

func (s *sliceByteSource) Length() int64 { return s.length }

func (s *sliceByteSource) OpenStream() (io.ReadSeeker, error) {
	parent, err := s.parent.OpenStream()
	if err != nil {
		return nil, err
	}
	if _, err := parent.Seek(s.offset, io.SeekStart); err != nil {
		return nil, patcherr.Wrap(err, "seek into parent byte source")
	}
	return &boundedReadSeeker{r: parent, base: s.offset, length: s.length}, nil
}

func (s *sliceByteSource) Slice(offset, length int64) (ByteSource, error) {
	if err := checkRange(s.Length(), offset, length); err != nil {
		return nil, err
	}
	return Slice(s.parent, s.offset+offset, length)
}

func (s *sliceByteSource) SupportsMultipleReads() bool { return s.parent.SupportsMultipleReads() }

// boundedReadSeeker restricts an io.ReadSeeker positioned at logical
// offset 0 == base in the parent's coordinate space to [base, base+length).
type boundedReadSeeker struct {
	r      io.ReadSeeker
	base   int64
	length int64
	pos    int64
}

func (b *boundedReadSeeker) Read(p []byte) (int, error) {
	if b.pos >= b.length {
		return 0, io.EOF
	}
	max := b.length - b.pos
	if int64(len(p)) > max {
		p = p[:max]
	}
	n, err := b.r.Read(p)
	b.pos += int64(n)
	return n, err
}

func (b *boundedReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = b.pos + offset
	case io.SeekEnd:
		newPos = b.length + offset
	default:
		return 0, patcherr.Wrapf(patcherr.ErrMalformedArchive, "unsupported seek whence %d", whence)
	}
	if newPos < 0 || newPos > b.length {
		return 0, patcherr.Wrap(patcherr.ErrMalformedArchive, "seek out of bounds")
	}
	if _, err := b.r.Seek(b.base+newPos, io.SeekStart); err != nil {
		return 0, patcherr.Wrap(err, "seek parent")
	}
	b.pos = newPos
	return newPos, nil
}
