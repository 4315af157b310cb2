// Package deflate implements the DEFLATE reproduction engine: a Codec
// capable of inflating and deflating byte streams, plus a compatibility
// self-check that the §9 design notes require every host to pass before
// patch generation proceeds.
package deflate

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/google/archive-patcher-sub003/pkg/patcherr"
)

// Strategy mirrors zlib's deflate strategy knob.
type Strategy uint8

const (
	// StrategyDefault is zlib's Z_DEFAULT_STRATEGY.
	StrategyDefault Strategy = 0
	// StrategyFiltered names zlib's Z_FILTERED. DefaultCodec has no
	// filtered mode: it deflates StrategyFiltered exactly as
	// StrategyDefault at the same level, so the two produce identical
	// bytes.
	StrategyFiltered Strategy = 1
	// StrategyHuffmanOnly is zlib's Z_HUFFMAN_ONLY: entropy coding with no
	// LZ77 matching at all. Level is ignored at this strategy.
	StrategyHuffmanOnly Strategy = 2
)

func (s Strategy) String() string {
	switch s {
	case StrategyDefault:
		return "default"
	case StrategyFiltered:
		return "filtered"
	case StrategyHuffmanOnly:
		return "huffman-only"
	default:
		return "unknown"
	}
}

// Params is the (level, strategy, nowrap) tuple that fully determines a
// DEFLATE encoder's output for a given input, per §3.
type Params struct {
	Level    int
	Strategy Strategy
	NoWrap   bool
}

// MinLevel and MaxLevel bound the valid Level range; level is ignored
// when Strategy is StrategyHuffmanOnly.
const (
	MinLevel = 1
	MaxLevel = 9
)

// Codec is the capability set the §9 design notes describe as a single
// polymorphic collaborator: inflate, deflate, and self-compatibility
// check. The compatibility-window id persisted on the wire (§6) selects
// which Codec implementation an applier must instantiate; this module
// ships exactly one, DefaultCodec.
type Codec interface {
	// Inflate decompresses data. nowrap selects raw DEFLATE (true) or
	// zlib-wrapped DEFLATE (false).
	Inflate(data []byte, nowrap bool) ([]byte, error)

	// Deflate compresses data with the given parameters such that, for
	// any input produced by this same Codec at the same parameters,
	// re-deflating yields byte-identical output.
	Deflate(data []byte, params Params) ([]byte, error)

	// IsCompatible reports whether this Codec, running on this host,
	// reproduces its own reference corpus deterministically across the
	// full parameter space. It is a self-consistency check; it does not
	// compare against a table of digests from another implementation.
	IsCompatible() (bool, error)

	// IncompatibleValues returns the Params for which the compatibility
	// check in IsCompatible failed, empty when IsCompatible is true.
	IncompatibleValues() []Params
}

// klauspostCodec implements Codec on top of github.com/klauspost/compress,
// a drop-in-faster reimplementation of the stdlib flate/zlib packages that
// this module adopts as its DEFLATE baseline (see DESIGN.md / SPEC_FULL.md
// §10.2).
type klauspostCodec struct{}

// DefaultCodec is the sole Codec implementation this module ships,
// identified on the wire by CompatibilityWindowDefault.
var DefaultCodec Codec = &klauspostCodec{}

func (klauspostCodec) Inflate(data []byte, nowrap bool) ([]byte, error) {
	var r io.ReadCloser
	var err error
	if nowrap {
		r = flate.NewReader(bytes.NewReader(data))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, patcherr.Wrap(patcherr.ErrBadDeflateStream, err.Error())
		}
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, patcherr.Wrap(patcherr.ErrBadDeflateStream, err.Error())
	}
	return out, nil
}

func flateLevel(p Params) int {
	if p.Strategy == StrategyHuffmanOnly {
		return flate.HuffmanOnly
	}
	return p.Level
}

func (klauspostCodec) Deflate(data []byte, params Params) ([]byte, error) {
	if params.Strategy != StrategyHuffmanOnly && (params.Level < MinLevel || params.Level > MaxLevel) {
		return nil, patcherr.Wrapf(patcherr.ErrBadDeflateStream, "level %d out of range", params.Level)
	}

	var out bytes.Buffer
	level := flateLevel(params)

	if params.NoWrap {
		w, err := flate.NewWriter(&out, level)
		if err != nil {
			return nil, patcherr.Wrap(err, "construct flate writer")
		}
		if _, err := w.Write(data); err != nil {
			return nil, patcherr.Wrap(err, "deflate")
		}
		if err := w.Close(); err != nil {
			return nil, patcherr.Wrap(err, "close flate writer")
		}
		return out.Bytes(), nil
	}

	w, err := zlib.NewWriterLevel(&out, level)
	if err != nil {
		return nil, patcherr.Wrap(err, "construct zlib writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, patcherr.Wrap(err, "deflate")
	}
	if err := w.Close(); err != nil {
		return nil, patcherr.Wrap(err, "close zlib writer")
	}
	return out.Bytes(), nil
}

// referenceCorpus is the fixed payload deflated at every (level, strategy,
// wrap) combination by IsCompatible. It mixes repetitive and
// non-repetitive byte patterns, echoing the style of compatibility
// corpora bundled by real DEFLATE compatibility tests.
var referenceCorpus = bytes.Repeat([]byte(
	"The quick brown fox jumps over the lazy dog. 0123456789 "+
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA "),
	64)

// AllParams enumerates every (level, strategy, wrap) combination the
// compatibility check and the exhaustive divination sweep (§4.3 step 5)
// iterate over, in the descending-level, per-strategy order the sweep
// requires.
func AllParams() []Params {
	var out []Params
	for _, wrap := range []bool{true, false} {
		for _, strategy := range []Strategy{StrategyDefault, StrategyFiltered, StrategyHuffmanOnly} {
			if strategy == StrategyHuffmanOnly {
				out = append(out, Params{Level: MaxLevel, Strategy: strategy, NoWrap: wrap})
				continue
			}
			for level := MaxLevel; level >= MinLevel; level-- {
				out = append(out, Params{Level: level, Strategy: strategy, NoWrap: wrap})
			}
		}
	}
	return out
}

func (c *klauspostCodec) IsCompatible() (bool, error) {
	return len(c.IncompatibleValues()) == 0, nil
}

// IncompatibleValues deflates referenceCorpus at every parameter
// combination twice and reports any combination whose two outputs
// disagree, or whose output fails to inflate back to referenceCorpus.
// No table of precomputed SHA-256 digests is bundled or consulted: the
// check covers internal determinism and round-trip fidelity only, not
// byte-identity with any other DEFLATE implementation.
func (c *klauspostCodec) IncompatibleValues() []Params {
	var bad []Params
	for _, p := range AllParams() {
		first, err := c.Deflate(referenceCorpus, p)
		if err != nil {
			bad = append(bad, p)
			continue
		}
		second, err := c.Deflate(referenceCorpus, p)
		if err != nil || !bytes.Equal(first, second) {
			bad = append(bad, p)
			continue
		}
		roundTrip, err := c.Inflate(first, p.NoWrap)
		if err != nil || !bytes.Equal(roundTrip, referenceCorpus) {
			bad = append(bad, p)
		}
	}
	return bad
}
