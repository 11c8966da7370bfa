// Package hash provides the keyed 128-bit signature used throughout vfunc.
//
// A signature is a pair of uint64s derived from a key and a build seed. Two
// equal keys must hash identically; two unequal keys should collide with
// probability close to 2^-128. This package does not need to be
// cryptographically secure, only close to uniform and stable across calls
// for a fixed (key, seed) pair.
package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Hasher produces a 128-bit signature for a key under a given seed.
type Hasher interface {
	Hash(key []byte, seed uint64) (h0, h1 uint64)
}

// goldenGamma decorrelates the second xxhash run from the first. It is the
// odd 64-bit constant used by SplitMix64 to space successive outputs apart;
// here it only serves to pick a different key, not to generate a sequence.
const goldenGamma = 0x9E3779B97F4A7C15

// XXHash128 derives a 128-bit signature from two independently keyed
// xxhash runs. Each run is keyed by writing the seed's 8 little-endian
// bytes into the digest before the key, the same prefix-keying trick
// compactindex's EntryHash64 uses to mix a 32-bit domain into an xxhash
// digest.
type XXHash128 struct{}

var _ Hasher = XXHash128{}

func (XXHash128) Hash(key []byte, seed uint64) (h0, h1 uint64) {
	var seedBuf [8]byte

	binary.LittleEndian.PutUint64(seedBuf[:], seed)
	d0 := xxhash.New()
	d0.Write(seedBuf[:])
	d0.Write(key)
	h0 = d0.Sum64()

	binary.LittleEndian.PutUint64(seedBuf[:], seed^goldenGamma)
	d1 := xxhash.New()
	d1.Write(seedBuf[:])
	d1.Write(key)
	h1 = d1.Sum64()

	return h0, h1
}

// Signature is the (h0, h1) pair produced by a Hasher.
type Signature struct {
	H0, H1 uint64
}

// Less reports whether s sorts before o by (h0, h1), the order SigStore
// chunk iterators sort by.
func (s Signature) Less(o Signature) bool {
	if s.H0 != o.H0 {
		return s.H0 < o.H0
	}
	return s.H1 < o.H1
}

// Equal reports whether s and o are the same signature.
func (s Signature) Equal(o Signature) bool {
	return s.H0 == o.H0 && s.H1 == o.H1
}
