// Package bloom implements a fixed-parameter Bloom filter over opaque byte
// identifiers, plus a size-bounded "rolling" variant (see rolling.go) built
// on top of it. Neither type is safe for concurrent use; callers (the
// reliability.Manager) own synchronization.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"
)

const (
	wordBits = 64

	// maxBitsPerElement bounds the bits/element search performed when an
	// explicit k is supplied without an explicit bits/element override.
	maxBitsPerElement = 32
	// maxKHashes bounds the number of hash rounds accepted.
	maxKHashes = 12
)

var (
	// ErrInvalidCapacity is returned when capacity is not a positive integer.
	ErrInvalidCapacity = errors.New("bloom: capacity must be >= 1")
	// ErrInvalidErrorRate is returned when targetErrorRate is outside (0,1).
	ErrInvalidErrorRate = errors.New("bloom: targetErrorRate must be in (0,1)")
	// ErrUnachievableParams is returned when an explicit kHashes cannot be
	// paired with any bitsPerElement <= 32 that achieves targetErrorRate,
	// or kHashes itself exceeds 12.
	ErrUnachievableParams = errors.New("bloom: no achievable (k, bits/element) combination for the requested error rate")
	// ErrOutOfMemory is returned when the computed bit array would be too
	// large to allocate (the simulated allocation-failure path of §7).
	ErrOutOfMemory = errors.New("bloom: filter parameters require an unreasonably large bit array")

	// maxMBits is a sanity ceiling on the bit-array size; beyond this we
	// report ErrOutOfMemory rather than attempting a multi-gigabyte make().
	maxMBits uint64 = 1 << 34
)

// Option configures Filter construction beyond capacity/targetErrorRate.
type Option func(*buildParams)

type buildParams struct {
	kHashes        int
	bitsPerElement float64
	hasK           bool
	hasBPE         bool
}

// WithKHashes pins the number of hash rounds. If WithBitsPerElement is not
// also supplied, the smallest bitsPerElement <= 32 achieving targetErrorRate
// for this k is selected; if none exists (or k > 12), New returns
// ErrUnachievableParams.
func WithKHashes(k int) Option {
	return func(p *buildParams) {
		p.kHashes = k
		p.hasK = true
	}
}

// WithBitsPerElement pins the bits-per-element ratio (m/n) directly.
func WithBitsPerElement(bpe float64) Option {
	return func(p *buildParams) {
		p.bitsPerElement = bpe
		p.hasBPE = true
	}
}

// Filter is a classic double-hashing Bloom filter.
type Filter struct {
	capacity  uint64
	errorRate float64
	k         int
	mBits     uint64
	words     []uint64
}

// New constructs a Filter for the given capacity and target false-positive
// rate, with optional explicit k/bits-per-element overrides.
func New(capacity uint64, targetErrorRate float64, opts ...Option) (*Filter, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if !(targetErrorRate > 0 && targetErrorRate < 1) {
		return nil, ErrInvalidErrorRate
	}

	var p buildParams
	for _, opt := range opts {
		opt(&p)
	}

	k := p.kHashes
	bpe := p.bitsPerElement

	switch {
	case p.hasK && p.hasBPE:
		if k > maxKHashes {
			return nil, ErrUnachievableParams
		}
	case p.hasK && !p.hasBPE:
		if k > maxKHashes {
			return nil, ErrUnachievableParams
		}
		found, achieved := searchBitsPerElement(k, targetErrorRate)
		if !found {
			return nil, ErrUnachievableParams
		}
		bpe = achieved
	case !p.hasK && p.hasBPE:
		k = optimalK(bpe)
	default:
		bpe = defaultBitsPerElement(targetErrorRate)
		k = optimalK(bpe)
	}

	if k < 1 {
		k = 1
	}

	mBits := uint64(math.Ceil(float64(capacity) * bpe))
	if mBits < 1 {
		mBits = 1
	}
	if mBits > maxMBits {
		return nil, ErrOutOfMemory
	}

	nWords := ceilDiv(mBits, wordBits) + 1
	return &Filter{
		capacity:  capacity,
		errorRate: targetErrorRate,
		k:         k,
		mBits:     mBits,
		words:     make([]uint64, nWords),
	}, nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// defaultBitsPerElement implements bits/elem = ceil(-ln(e) / (ln 2)^2).
func defaultBitsPerElement(errorRate float64) float64 {
	ln2 := math.Log(2)
	return math.Ceil(-math.Log(errorRate) / (ln2 * ln2))
}

// optimalK implements k = round(ln2 * bits/elem).
func optimalK(bitsPerElement float64) int {
	k := int(math.Round(math.Log(2) * bitsPerElement))
	if k < 1 {
		k = 1
	}
	return k
}

// errorRateFor estimates the false-positive rate of a filter with k hash
// rounds and the given bits-per-element ratio: (1 - e^(-k/bpe))^k.
func errorRateFor(k int, bitsPerElement float64) float64 {
	return math.Pow(1-math.Exp(-float64(k)/bitsPerElement), float64(k))
}

// searchBitsPerElement emulates a precomputed (k, errorRate) -> bitsPerElement
// table lookup: the smallest bitsPerElement in (0, 32] (half-bit resolution)
// whose estimated false-positive rate for k hash rounds is <= targetErrorRate.
func searchBitsPerElement(k int, targetErrorRate float64) (bool, float64) {
	for bpe := 0.5; bpe <= maxBitsPerElement; bpe += 0.5 {
		if errorRateFor(k, bpe) <= targetErrorRate {
			return true, bpe
		}
	}
	return false, 0
}

// Capacity returns the capacity the filter was constructed for.
func (f *Filter) Capacity() uint64 { return f.capacity }

// ErrorRate returns the target false-positive rate the filter was built for.
func (f *Filter) ErrorRate() float64 { return f.errorRate }

// KHashes returns the number of hash rounds used per insert/lookup.
func (f *Filter) KHashes() int { return f.k }

// MBits returns the size of the underlying bit array, in bits.
func (f *Filter) MBits() uint64 { return f.mBits }

// Insert sets the k bits derived from id.
func (f *Filter) Insert(id []byte) {
	h1, h2 := mixingHash(id)
	for i := 0; i < f.k; i++ {
		bit := f.bitIndex(h1, h2, i)
		f.words[bit/wordBits] |= 1 << (bit % wordBits)
	}
}

// Contains reports whether all k bits derived from id are set. False
// positives are possible per the configured error rate; false negatives
// never occur for ids previously Insert-ed.
func (f *Filter) Contains(id []byte) bool {
	h1, h2 := mixingHash(id)
	for i := 0; i < f.k; i++ {
		bit := f.bitIndex(h1, h2, i)
		if f.words[bit/wordBits]&(1<<(bit%wordBits)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) bitIndex(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % f.mBits
}

// mixingHash computes the two double-hashing components from a single
// 128-bit BLAKE2b digest of id, split into high/low 64-bit halves. This is
// the fixed, deployment-wide hash family referenced by the wire format's
// interoperability requirement: two peers built from this package always
// compute identical bit layouts for identical id sequences.
func mixingHash(id []byte) (h1, h2 uint64) {
	sum := blake2bSum128(id)
	h1 = binary.BigEndian.Uint64(sum[0:8])
	h2 = binary.BigEndian.Uint64(sum[8:16])
	if h2 == 0 {
		// Guards against degenerate double hashing when h2 collapses to
		// zero (all k probes would land on the same bit).
		h2 = 1
	}
	return h1, h2
}

func blake2bSum128(id []byte) [16]byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// Only returns an error for an invalid key or out-of-range size;
		// both are fixed, valid constants here.
		panic(fmt.Sprintf("bloom: blake2b.New(16, nil): %v", err))
	}
	h.Write(id)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Bits returns a copy of the underlying packed word array, little-endian
// per word, for wire serialization.
func (f *Filter) Bits() []byte {
	out := make([]byte, len(f.words)*8)
	for i, w := range f.words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// FromBits reconstructs a Filter from previously-serialized parameters and
// packed bits (as produced by Bits). It does not re-derive k or bpe; they
// must be supplied by the caller (the wire codec), exactly as decoded.
func FromBits(capacity uint64, errorRate float64, k int, mBits uint64, bits []byte) (*Filter, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if mBits < 1 || mBits > maxMBits {
		return nil, ErrOutOfMemory
	}
	if k < 1 {
		k = 1
	}
	nWords := ceilDiv(mBits, wordBits) + 1
	words := make([]uint64, nWords)
	for i := 0; i < len(bits)/8 && i < len(words); i++ {
		words[i] = binary.LittleEndian.Uint64(bits[i*8:])
	}
	return &Filter{
		capacity:  capacity,
		errorRate: errorRate,
		k:         k,
		mBits:     mBits,
		words:     words,
	}, nil
}
