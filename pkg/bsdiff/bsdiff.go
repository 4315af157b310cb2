// Package bsdiff implements the suffix-sort-driven binary delta codec:
// a Larsson-Sadakane doubling suffix sort, a matcher that finds
// approximate common substrings between an old and new byte sequence,
// and a greedy diff loop that emits a compact (diff, extra, seek)
// control stream in the uncompressed ENDSLEY/BSDIFF43 wire format.
package bsdiff

import (
	"bytes"
	"io"

	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Magic is the 16-byte ASCII header identifying this wire format. Unlike
// the classic BSDIFF40 layout, ENDSLEY/BSDIFF43 carries its three blocks
// (control, diff, extra) uncompressed and back-to-back, leaving any
// outer compression to the caller.
const Magic = "ENDSLEY/BSDIFF43"

// SuffixSort builds a suffix array over data using the Larsson-Sadakane
// doubling qsufsort kernel. The result has length len(data)+1: its first
// entry is len(data), the empty suffix, which sorts before every real
// suffix.
func SuffixSort(data []byte) []int32 {
	n := len(data)
	iii := make([]int32, n+1)
	vvv := make([]int32, n+1)
	qsufsort(iii, vvv, data)
	return iii
}

// ControlRecord is one (diff, extra, seek) instruction: diffLength bytes
// of byte-by-byte difference against the old blob, extraLength bytes
// copied verbatim from the new blob, then seek forward in the old blob
// by the signed amount seek before the next record.
type ControlRecord struct {
	DiffLength  int64
	ExtraLength int64
	Seek        int64
}

// Matcher is the polymorphic collaborator the greedy diff loop consumes:
// one operation, Next, which advances its own internal scan cursor over
// the new blob and reports the next qualifying anchor match, or
// found=false once the new blob is exhausted. Implementations may use a
// suffix-array-driven search (SuffixMatcher, the production default) or
// a brute-force scan (NaiveMatcher, a test oracle); both must agree on
// the control stream they drive for any given input.
type Matcher interface {
	Next() (found bool, oldPos, newPos int)
}

// SuffixMatcher is the default Matcher, backed by a suffix array over
// the old blob.
type SuffixMatcher struct {
	old, new   []byte
	sa         []int32
	scan, ln   int
	lastOffset int
}

// NewSuffixMatcher returns a Matcher over old (with suffix array sa, as
// produced by SuffixSort) and new.
func NewSuffixMatcher(old []byte, sa []int32, new []byte) *SuffixMatcher {
	return &SuffixMatcher{old: old, new: new, sa: sa}
}

// Next reproduces the classic bsdiff outer scan loop: it advances scan
// forward by the previous match length, then probes successive scan
// positions until either a qualifying match is found (its length differs
// from the running old/new agreement score, "oldscore", so it is not just
// a continuation of the previous match) or the new blob is exhausted, at
// which point it always reports found=true (the final flush).
func (m *SuffixMatcher) Next() (found bool, oldPos, newPos int) {
	if m.scan >= len(m.new) {
		return false, 0, 0
	}
	newSize := len(m.new)
	oldSize := len(m.old)

	for {
		oldscore := 0
		m.scan += m.ln
		scsc := m.scan
		var pos int
		for m.scan < newSize {
			m.scan++
			m.ln = search(m.sa, m.old, m.new[m.scan:], 0, len(m.sa)-1, &pos)

			for scsc < m.scan+m.ln {
				scsc++
				if scsc+m.lastOffset < oldSize && m.old[scsc+m.lastOffset] == m.new[scsc] {
					oldscore++
				}
			}
			if m.ln == oldscore && m.ln != 0 {
				break
			}
			if m.ln > oldscore+8 {
				break
			}
			if m.scan+m.lastOffset < oldSize && m.old[m.scan+m.lastOffset] == m.new[m.scan] {
				oldscore--
			}
		}

		if m.ln != oldscore || m.scan == newSize {
			m.lastOffset = pos - m.scan
			return true, pos, m.scan
		}
	}
}

// NaiveMatcher is a brute-force test oracle: it finds the longest match
// of each scan position by direct comparison rather than suffix-array
// binary search. It exists so tests can assert that SuffixMatcher
// produces the identical control stream as an obviously-correct, if
// quadratic, reference.
type NaiveMatcher struct {
	old, new   []byte
	scan, ln   int
	lastOffset int
}

// NewNaiveMatcher returns a brute-force Matcher over old and new.
func NewNaiveMatcher(old, new []byte) *NaiveMatcher {
	return &NaiveMatcher{old: old, new: new}
}

func (m *NaiveMatcher) Next() (found bool, oldPos, newPos int) {
	if m.scan >= len(m.new) {
		return false, 0, 0
	}
	newSize := len(m.new)
	oldSize := len(m.old)

	for {
		oldscore := 0
		m.scan += m.ln
		scsc := m.scan
		var pos int
		for m.scan < newSize {
			m.scan++
			m.ln, pos = naiveSearch(m.old, m.new[m.scan:])

			for scsc < m.scan+m.ln {
				scsc++
				if scsc+m.lastOffset < oldSize && m.old[scsc+m.lastOffset] == m.new[scsc] {
					oldscore++
				}
			}
			if m.ln == oldscore && m.ln != 0 {
				break
			}
			if m.ln > oldscore+8 {
				break
			}
			if m.scan+m.lastOffset < oldSize && m.old[m.scan+m.lastOffset] == m.new[m.scan] {
				oldscore--
			}
		}

		if m.ln != oldscore || m.scan == newSize {
			m.lastOffset = pos - m.scan
			return true, pos, m.scan
		}
	}
}

// naiveSearch scans every position of old for the longest common prefix
// with new, returning (length, position). Ties favor the lowest index,
// matching SuffixMatcher's deterministic tie-break.
func naiveSearch(old, new []byte) (length, pos int) {
	best := -1
	bestPos := 0
	for i := range old {
		l := matchlen(old[i:], new)
		if l > best {
			best = l
			bestPos = i
		}
	}
	if best < 0 {
		best = 0
	}
	return best, bestPos
}

// Diff runs the greedy diff loop (§4.6) using matcher and writes the
// resulting patch in ENDSLEY/BSDIFF43 format to w.
func Diff(old, new []byte, matcher Matcher, w io.Writer) error {
	controls, diff, extra := Plan(old, new, matcher)
	return WritePatch(w, int64(len(new)), controls, diff, extra)
}

// Plan runs the greedy diff loop (§4.6) and returns the raw control
// records plus the concatenated diff and extra byte blocks, without
// framing them into the wire format. Most callers want Diff; Plan is
// exposed so the control stream itself can be inspected directly, e.g.
// against known reference streams.
func Plan(old, new []byte, matcher Matcher) (controls []ControlRecord, diff, extra []byte) {
	var dbuf, ebuf bytes.Buffer

	var lastscan, lastpos int
	oldSize := len(old)
	newSize := len(new)

	for {
		found, pos, scan := matcher.Next()
		if !found {
			break
		}

		var s, Sf, lenf int
		i := 0
		for lastscan+i < scan && lastpos+i < oldSize {
			if old[lastpos+i] == new[lastscan+i] {
				s++
			}
			i++
			if s*2-i > Sf*2-lenf {
				Sf = s
				lenf = i
			}
		}

		lenb := 0
		if scan < newSize {
			s = 0
			Sb := 0
			for i = 1; scan >= lastscan+i && pos >= i; i++ {
				if old[pos-i] == new[scan-i] {
					s++
				}
				if s*2-i > Sb*2-lenb {
					Sb = s
					lenb = i
				}
			}
		}

		if lastscan+lenf > scan-lenb {
			overlap := (lastscan + lenf) - (scan - lenb)
			s = 0
			Ss := 0
			lens := 0
			for i = 0; i < overlap; i++ {
				if new[lastscan+lenf-overlap+i] == old[lastpos+lenf-overlap+i] {
					s++
				}
				if new[scan-lenb+i] == old[pos-lenb+i] {
					s--
				}
				if s > Ss {
					Ss = s
					lens = i + 1
				}
			}
			lenf += lens - overlap
			lenb -= lens
		}

		for i = 0; i < lenf; i++ {
			dbuf.WriteByte(new[lastscan+i] - old[lastpos+i])
		}
		for i = 0; i < (scan-lenb)-(lastscan+lenf); i++ {
			ebuf.WriteByte(new[lastscan+lenf+i])
		}

		controls = append(controls, ControlRecord{
			DiffLength:  int64(lenf),
			ExtraLength: int64((scan - lenb) - (lastscan + lenf)),
			Seek:        int64((pos - lenb) - (lastpos + lenf)),
		})

		lastscan = scan - lenb
		lastpos = pos - lenb
	}

	return controls, dbuf.Bytes(), ebuf.Bytes()
}

// DiffBytes is a convenience wrapper over Diff using the default
// SuffixMatcher, returning the patch bytes directly.
func DiffBytes(old, new []byte) ([]byte, error) {
	sa := SuffixSort(old)
	var out bytes.Buffer
	if err := Diff(old, new, NewSuffixMatcher(old, sa, new), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WritePatch emits the ENDSLEY/BSDIFF43 wire format: the 16-byte magic,
// the new blob's length, every control record back-to-back, the
// concatenated diff bytes, then the concatenated extra bytes.
func WritePatch(w io.Writer, newLength int64, controls []ControlRecord, diff, extra []byte) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return patcherr.Wrap(err, "write magic")
	}
	var buf [8]byte
	offtout(newLength, buf[:])
	if _, err := w.Write(buf[:]); err != nil {
		return patcherr.Wrap(err, "write new length")
	}
	for _, c := range controls {
		offtout(c.DiffLength, buf[:])
		if _, err := w.Write(buf[:]); err != nil {
			return patcherr.Wrap(err, "write control diff length")
		}
		offtout(c.ExtraLength, buf[:])
		if _, err := w.Write(buf[:]); err != nil {
			return patcherr.Wrap(err, "write control extra length")
		}
		offtout(c.Seek, buf[:])
		if _, err := w.Write(buf[:]); err != nil {
			return patcherr.Wrap(err, "write control seek")
		}
	}
	if _, err := w.Write(diff); err != nil {
		return patcherr.Wrap(err, "write diff block")
	}
	if _, err := w.Write(extra); err != nil {
		return patcherr.Wrap(err, "write extra block")
	}
	return nil
}

// search performs the matcher's binary search for the longest prefix of
// new that appears as a substring of old, via the suffix array sa
// restricted to [st, en]. On an equal-length tie the lower-indexed sa
// entry wins.
func search(sa []int32, old, new []byte, st, en int, pos *int) int {
	if en-st < 2 {
		x := matchlen(old[sa[st]:], new)
		y := matchlen(old[sa[en]:], new)
		if x >= y {
			*pos = int(sa[st])
			return x
		}
		*pos = int(sa[en])
		return y
	}

	x := st + (en-st)/2
	if bytes.Compare(old[sa[x]:], new) < 0 {
		return search(sa, old, new, x, en, pos)
	}
	return search(sa, old, new, st, x, pos)
}

func matchlen(old, new []byte) int {
	i := 0
	for i < len(old) && i < len(new) && old[i] == new[i] {
		i++
	}
	return i
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// offtout encodes x into buf (8 bytes) as a signed little-endian
// magnitude with the sign carried in the high bit of the high byte —
// BSDIFF's traditional integer encoding, shared by the ENDSLEY variant.
func offtout(x int64, buf []byte) {
	y := x
	if y < 0 {
		y = -y
	}
	for i := 0; i < 8; i++ {
		buf[i] = byte(y % 256)
		y /= 256
	}
	if x < 0 {
		buf[7] |= 0x80
	}
}

// offtin decodes the signed magnitude encoding offtout writes.
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

// qsufsort implements the Larsson-Sadakane doubling suffix sort over
// buf, writing the result into iii (length len(buf)+1). vvv is scratch
// space of the same length.
func qsufsort(iii, vvv []int32, buf []byte) {
	var buckets [256]int32
	n := int32(len(buf))

	for i := int32(0); i < n; i++ {
		buckets[buf[i]]++
	}
	for i := 1; i < 256; i++ {
		buckets[i] += buckets[i-1]
	}
	for i := 255; i > 0; i-- {
		buckets[i] = buckets[i-1]
	}
	buckets[0] = 0

	for i := int32(0); i < n; i++ {
		buckets[buf[i]]++
		iii[buckets[buf[i]]] = i
	}
	iii[0] = n
	for i := int32(0); i < n; i++ {
		vvv[i] = buckets[buf[i]]
	}
	vvv[n] = 0
	for i := 1; i < 256; i++ {
		if buckets[i] == buckets[i-1]+1 {
			iii[buckets[i]] = -1
		}
	}
	iii[0] = -1

	for h := int32(1); iii[0] != -(n + 1); h += h {
		var ln int32
		i := int32(0)
		for i < n+1 {
			if iii[i] < 0 {
				ln -= iii[i]
				i -= iii[i]
			} else {
				if ln != 0 {
					iii[i-ln] = -ln
				}
				ln = vvv[iii[i]] + 1 - i
				split(iii, vvv, i, ln, h)
				i += ln
				ln = 0
			}
		}
		if ln != 0 {
			iii[i-ln] = -ln
		}
	}

	for i := int32(0); i < n+1; i++ {
		iii[vvv[i]] = i
	}
}

func split(iii, vvv []int32, start, ln, h int32) {
	if ln < 16 {
		var k int32
		for k = start; k < start+ln; {
			var j int32 = 1
			x := vvv[iii[k]+h]
			var i int32
			for i = 1; k+i < start+ln; i++ {
				if vvv[iii[k+i]+h] < x {
					x = vvv[iii[k+i]+h]
					j = 0
				}
				if vvv[iii[k+i]+h] == x {
					iii[k+j], iii[k+i] = iii[k+i], iii[k+j]
					j++
				}
			}
			for i = 0; i < j; i++ {
				vvv[iii[k+i]] = k + j - 1
			}
			if j == 1 {
				iii[k] = -1
			}
			k += j
		}
		return
	}

	x := vvv[iii[start+ln/2]+h]
	var jj, kk int32
	for i := start; i < start+ln; i++ {
		if vvv[iii[i]+h] < x {
			jj++
		} else if vvv[iii[i]+h] == x {
			kk++
		}
	}
	jj += start
	kk += jj

	var i, j, k int32
	i = start
	for i < jj {
		if vvv[iii[i]+h] < x {
			i++
		} else if vvv[iii[i]+h] == x {
			iii[i], iii[jj+j] = iii[jj+j], iii[i]
			j++
		} else {
			iii[i], iii[kk+k] = iii[kk+k], iii[i]
			k++
		}
	}
	for jj+j < kk {
		if vvv[iii[jj+j]+h] == x {
			j++
		} else {
			iii[jj+j], iii[kk+k] = iii[kk+k], iii[jj+j]
			k++
		}
	}

	if jj > start {
		split(iii, vvv, start, jj-start, h)
	}
	for i = 0; i < kk-jj; i++ {
		vvv[iii[jj+i]] = kk - 1
	}
	if jj == kk-1 {
		iii[jj] = -1
	}
	if start+ln > kk {
		split(iii, vvv, kk, start+ln-kk, h)
	}
}
