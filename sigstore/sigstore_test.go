package sigstore

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vfunc/hash"
)

// TestSigSorter mirrors sig_store.rs's test_sig_sorter: for every
// combination of maxChunkBits, bucketBits and chunkBits, push 1000 random
// pairs and verify exactly 2^chunkBits chunks come out, each sorted.
func TestSigSorter(t *testing.T) {
	for _, maxChunkBits := range []uint{4, 6} {
		for _, bucketBits := range []uint{0, 2, 4} {
			for _, chunkBits := range []uint{0, 2, 4} {
				if chunkBits > maxChunkBits {
					continue
				}
				t.Run("", func(t *testing.T) {
					s, err := New(bucketBits, maxChunkBits, t.TempDir())
					require.NoError(t, err)
					defer s.Close()

					rng := rand.New(rand.NewSource(0))
					for i := 0; i < 1000; i++ {
						sig := hash.Signature{H0: rng.Uint64(), H1: rng.Uint64()}
						require.NoError(t, s.Push(sig, rng.Uint64()))
					}

					cs, err := s.IntoStore(chunkBits)
					require.NoError(t, err)

					var count uint64
					for {
						it, ok := cs.Next()
						if !ok {
							break
						}
						for {
							res, ok, err := it.Next()
							require.NoError(t, err)
							if !ok {
								break
							}
							count++
							require.False(t, res.Duplicate)
							for i := 1; i < len(res.Pairs); i++ {
								require.True(t, res.Pairs[i-1].Sig.Less(res.Pairs[i].Sig))
							}
						}
					}
					require.Equal(t, uint64(1)<<chunkBits, count)
				})
			}
		}
	}
}

// TestDuplicate mirrors sig_store.rs's test_dup: pushing the same signature
// twice must surface a duplicate chunk result.
func TestDuplicate(t *testing.T) {
	s, err := New(0, 0, t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Push(hash.Signature{H0: 0, H1: 0}, 0))
	require.NoError(t, s.Push(hash.Signature{H0: 0, H1: 0}, 0))

	cs, err := s.IntoStore(0)
	require.NoError(t, err)

	var sawDup bool
	for {
		it, ok := cs.Next()
		if !ok {
			break
		}
		for {
			res, ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			if res.Duplicate {
				sawDup = true
			}
		}
	}
	require.True(t, sawDup)
}

// TestTotalPairsEqualsNumKeys exercises testable property #4: the total
// number of pairs yielded across every chunk equals the number pushed.
func TestTotalPairsEqualsNumKeys(t *testing.T) {
	const n = 5000
	s, err := New(3, 5, t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		sig := hash.Signature{H0: rng.Uint64(), H1: rng.Uint64()}
		require.NoError(t, s.Push(sig, uint64(i)))
	}
	require.EqualValues(t, n, s.NumKeys())

	cs, err := s.IntoStore(5)
	require.NoError(t, err)

	var total int
	for {
		it, ok := cs.Next()
		if !ok {
			break
		}
		for {
			res, ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			require.False(t, res.Duplicate)
			total += len(res.Pairs)
		}
	}
	require.Equal(t, n, total)
}
