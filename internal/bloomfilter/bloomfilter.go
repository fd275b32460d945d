// Package bloomfilter implements a fixed-seed, version-portable Bloom
// filter: contains(key) never false-negatives, and the on-disk encoding
// embeds the hash identifier it was built with so a reader refuses to load
// a filter built with an incompatible hash.
package bloomfilter

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// hashID identifies the hash family baked into the on-disk format. Bumping
// this is a breaking change to every existing SSTable's bloom filter.
const hashID uint32 = 1 // xxhash64, double-hashed (Kirsch-Mitzenmacher)

// DefaultFPR is the false-positive rate used when the caller doesn't size
// the filter explicitly.
const DefaultFPR = 0.01

// Filter is a Bloom filter over byte-string keys.
type Filter struct {
	bits *bitset.BitSet
	m    uint64 // number of bits
	k    uint64 // number of hash probes
}

// NewForKeys sizes a filter from the expected number of entries n and the
// target false-positive rate fpr, per the classical optimum
// m = -n*ln(fpr)/(ln2)^2, k = (m/n)*ln2.
func NewForKeys(n int, fpr float64) *Filter {
	if n < 1 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFPR
	}

	m := uint64(math.Ceil(-float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint64(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	return &Filter{bits: bitset.New(uint(m)), m: m, k: k}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := splitHash(xxhash.Sum64(key))
	for i := uint64(0); i < f.k; i++ {
		f.bits.Set(uint((h1 + i*h2) % f.m))
	}
}

// Contains reports whether key may have been added. It never returns false
// for a key that was actually added; it may return true for a key that
// wasn't (a false positive), bounded by the filter's configured rate.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := splitHash(xxhash.Sum64(key))
	for i := uint64(0); i < f.k; i++ {
		if !f.bits.Test(uint((h1 + i*h2) % f.m)) {
			return false
		}
	}
	return true
}

// splitHash derives two independent-enough 64-bit values from one xxhash
// sum via the standard double-hashing trick, avoiding k separate hash passes.
func splitHash(sum uint64) (h1, h2 uint64) {
	h1 = sum
	h2 = (sum >> 32) | (sum << 32)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// K returns the number of hash probes per lookup.
func (f *Filter) K() uint64 { return f.k }

// M returns the number of bits in the filter.
func (f *Filter) M() uint64 { return f.m }

// WriteTo serializes the filter as:
//
//	hash_id : u32 BE
//	k       : u32 BE
//	m       : u64 BE
//	words   : u64 BE * ceil(m/64)
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	words := f.bits.Bytes() // []uint64, little-endian word order from bitset
	hdr := make([]byte, 4+4+8)
	binary.BigEndian.PutUint32(hdr[0:4], hashID)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(f.k))
	binary.BigEndian.PutUint64(hdr[8:16], f.m)
	n, err := w.Write(hdr)
	total := int64(n)
	if err != nil {
		return total, err
	}

	body := make([]byte, 8*len(words))
	for i, word := range words {
		binary.BigEndian.PutUint64(body[i*8:(i+1)*8], word)
	}
	n, err = w.Write(body)
	total += int64(n)
	return total, err
}

// ReadFrom deserializes a filter written by WriteTo. It refuses to load a
// filter whose embedded hash identifier doesn't match this build's.
func ReadFrom(r io.Reader) (*Filter, int64, error) {
	hdr := make([]byte, 4+4+8)
	n, err := io.ReadFull(r, hdr)
	total := int64(n)
	if err != nil {
		return nil, total, err
	}

	gotHashID := binary.BigEndian.Uint32(hdr[0:4])
	if gotHashID != hashID {
		return nil, total, fmt.Errorf("bloomfilter: unknown hash identifier %d (want %d)", gotHashID, hashID)
	}
	k := uint64(binary.BigEndian.Uint32(hdr[4:8]))
	m := binary.BigEndian.Uint64(hdr[8:16])

	numWords := (m + 63) / 64
	body := make([]byte, 8*numWords)
	n, err = io.ReadFull(r, body)
	total += int64(n)
	if err != nil {
		return nil, total, err
	}

	words := make([]uint64, numWords)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(body[i*8 : (i+1)*8])
	}

	bs := bitset.From(words)
	return &Filter{bits: bs, m: m, k: k}, total, nil
}

// EncodedSize returns the exact byte length WriteTo will produce.
func (f *Filter) EncodedSize() int {
	numWords := (f.m + 63) / 64
	return 4 + 4 + 8 + int(numWords)*8
}
