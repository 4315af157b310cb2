package deflate

import (
	"bytes"
	"crypto/sha256"
	"hash/maphash"

	"github.com/dgryski/go-tinylfu"
)

// Result is the outcome of divining the parameters that reproduce a given
// compressed byte stream, or a report that none were found.
type Result struct {
	Params       Params
	Reproducible bool
}

// HintCache maps a filename extension to the last Params that
// successfully reproduced an entry with that extension, per §4.3. It is
// owned by a single divination task — never shared across goroutines —
// and is bounded by an admission-policy cache rather than growing
// unboundedly against pathological archives with many distinct
// extensions.
type HintCache struct {
	cache *tinylfu.T[string, Params]
}

var hintCacheHashSeed = maphash.MakeSeed()

func hintCacheHasher(k string) uint64 {
	return maphash.String(hintCacheHashSeed, k)
}

// DefaultHintCacheSize bounds the number of distinct extensions tracked.
const DefaultHintCacheSize = 256

// NewHintCache returns an empty HintCache bounded to size distinct
// extensions.
func NewHintCache(size int) *HintCache {
	if size <= 0 {
		size = DefaultHintCacheSize
	}
	return &HintCache{cache: tinylfu.New[string, Params](size, size*10, hintCacheHasher)}
}

// Get returns the remembered parameters for ext, if any.
func (h *HintCache) Get(ext string) (Params, bool) {
	return h.cache.Get(ext)
}

// Put remembers params as the best guess for ext.
func (h *HintCache) Put(ext string, params Params) {
	h.cache.Add(ext, params)
}

// Divine implements the §4.3 divination algorithm: given the raw
// compressed bytes of an entry, the extension of its path (used to
// consult/update hints), and a best-guess nowrap, it determines whether
// some Params reproduces compressed byte-for-byte.
//
// Divination never returns an error for the "nothing reproduces this"
// case: that is Result{Reproducible: false}, which is a normal, expected
// outcome handled by the pre-diff planner (§4.4), not a fatal condition.
// Divine only returns an error when both inflation attempts fail, which
// signals the entry isn't a valid DEFLATE stream at all.
func Divine(codec Codec, compressed []byte, ext string, bestGuessNoWrap bool, hints *HintCache) (Result, bool, error) {
	inflated, noWrap, err := inflateEitherWrap(codec, compressed, bestGuessNoWrap)
	if err != nil {
		return Result{}, bestGuessNoWrap, err
	}

	target := sha256.Sum256(compressed)
	targetLen := len(compressed)

	tryMatch := func(p Params) (bool, error) {
		out, err := codec.Deflate(inflated, p)
		if err != nil {
			return false, nil
		}
		if len(out) != targetLen {
			return false, nil
		}
		if sha256.Sum256(out) != target {
			return false, nil
		}
		return true, nil
	}

	var quickTrials []Params
	if hint, ok := hints.Get(ext); ok {
		quickTrials = append(quickTrials, Params{Level: hint.Level, Strategy: hint.Strategy, NoWrap: noWrap})
	}
	quickTrials = append(quickTrials,
		Params{Level: 6, Strategy: StrategyDefault, NoWrap: noWrap},
		Params{Level: 9, Strategy: StrategyDefault, NoWrap: noWrap},
	)

	for _, p := range quickTrials {
		ok, err := tryMatch(p)
		if err != nil {
			return Result{}, noWrap, err
		}
		if ok {
			hints.Put(ext, p)
			return Result{Params: p, Reproducible: true}, noWrap, nil
		}
	}

	for _, strategy := range []Strategy{StrategyDefault, StrategyFiltered, StrategyHuffmanOnly} {
		if strategy == StrategyHuffmanOnly {
			p := Params{Level: MaxLevel, Strategy: strategy, NoWrap: noWrap}
			ok, err := tryMatch(p)
			if err != nil {
				return Result{}, noWrap, err
			}
			if ok {
				hints.Put(ext, p)
				return Result{Params: p, Reproducible: true}, noWrap, nil
			}
			continue
		}

		best, err := codec.Deflate(inflated, Params{Level: MaxLevel, Strategy: strategy, NoWrap: noWrap})
		if err == nil && len(best) > targetLen {
			// Abandon this strategy: even its tightest level overshoots.
			continue
		}

		for level := MaxLevel; level >= MinLevel; level-- {
			p := Params{Level: level, Strategy: strategy, NoWrap: noWrap}
			out, err := codec.Deflate(inflated, p)
			if err != nil {
				continue
			}
			if len(out) > targetLen {
				// Once output length exceeds target, skip smaller levels too:
				// DEFLATE output only grows as compression gets weaker.
				break
			}
			if len(out) == targetLen && sha256.Sum256(out) == target {
				hints.Put(ext, p)
				return Result{Params: p, Reproducible: true}, noWrap, nil
			}
		}
	}

	return Result{Reproducible: false}, noWrap, nil
}

// inflateEitherWrap implements step 1-2 of §4.3: try bestGuessNoWrap
// first, then the opposite, returning the wrap value that worked.
func inflateEitherWrap(codec Codec, compressed []byte, bestGuessNoWrap bool) ([]byte, bool, error) {
	if out, err := codec.Inflate(compressed, bestGuessNoWrap); err == nil {
		return out, bestGuessNoWrap, nil
	}
	out, err := codec.Inflate(compressed, !bestGuessNoWrap)
	if err != nil {
		return nil, bestGuessNoWrap, err
	}
	return out, !bestGuessNoWrap, nil
}

// Extension returns the filename extension (including the leading dot,
// lowercased) used as a hint-cache key, or "" if path has none.
func Extension(path string) string {
	dot := bytes.LastIndexByte([]byte(path), '.')
	slash := bytes.LastIndexByte([]byte(path), '/')
	if dot <= slash {
		return ""
	}
	ext := path[dot:]
	out := make([]byte, len(ext))
	for i := 0; i < len(ext); i++ {
		c := ext[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
