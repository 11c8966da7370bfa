package vfunc

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"runtime"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/rpcpool/vfunc/fusegraph"
	"github.com/rpcpool/vfunc/hash"
	"github.com/rpcpool/vfunc/internal/workerpool"
	"github.com/rpcpool/vfunc/progress"
	"github.com/rpcpool/vfunc/sigstore"
)

// defaultMaxRetries bounds how many fresh seeds Build tries before giving up
// on an unpeelable or duplicate-prone chunk. The peelability threshold at
// L=128 with a 1.12 expansion margin fails only a small fraction of random
// seeds, so a handful of retries is normally more than enough; a config
// override exists for callers who know their keyset is adversarial.
const defaultMaxRetries = 64

// Config controls how Builder.Build constructs a VFunc.
type Config struct {
	// Hasher derives signatures from keys. Defaults to hash.XXHash128{}.
	Hasher hash.Hasher

	// Offline routes the build through sigstore.SigStore, bucket-sorting
	// signatures to disk before chunking. Set it for keysets too large to
	// hold comfortably in memory as an unsorted slice; leave it false for
	// small or in-process builds, which skip the scratch directory
	// entirely.
	Offline bool

	// BucketBits sets the number of scratch files SigStore keeps open
	// when Offline is set (2^BucketBits files). It need not relate to the
	// number of chunks the build ends up with: a bucket count much
	// larger than the chunk count is the common case, with many buckets
	// aggregated into each chunk at reconciliation time. Zero defaults to
	// 8 (256 buckets). Ignored when Offline is false.
	BucketBits uint

	// ScratchDir is the parent directory for a SigStore's private
	// scratch subdirectory. Empty uses os.TempDir(). Ignored when
	// Offline is false.
	ScratchDir string

	// MaxRetries bounds how many fresh seeds are tried before an
	// unpeelable or duplicate-prone chunk becomes a terminal error. Zero
	// uses defaultMaxRetries.
	MaxRetries int

	// Parallelism caps how many chunks are peeled and assigned
	// concurrently. Zero uses runtime.NumCPU().
	Parallelism int

	// Seed fixes the build seed instead of drawing one at random. Since a
	// fixed seed makes every attempt deterministic, Build does not retry
	// past the first failure when Seed is set — mainly useful for
	// reproducible tests, not production builds.
	Seed *uint64

	// Progress, if non-nil, receives phase updates during the build.
	// Defaults to progress.Noop{}.
	Progress progress.Sink
}

// Validate fills in defaults and rejects nonsensical settings.
func (c *Config) Validate() error {
	if c.Hasher == nil {
		c.Hasher = hash.XXHash128{}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: MaxRetries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("%w: Parallelism must be >= 0, got %d", ErrInvalidConfig, c.Parallelism)
	}
	if c.Parallelism == 0 {
		c.Parallelism = runtime.NumCPU()
	}
	if c.Progress == nil {
		c.Progress = progress.Noop{}
	}
	return nil
}

// Builder drives the seed-draw / chunk / peel / assign pipeline described by
// Config, producing a VFunc.
type Builder struct {
	cfg Config
}

// NewBuilder validates cfg and returns a Builder bound to it.
func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg}, nil
}

// Build constructs a VFunc mapping keys[i] to values[i] for every i. keys and
// values must have equal length; keys must be pairwise distinct under the
// configured Hasher (exactly equal byte slices always collide identically,
// so duplicate keys are always reported, never silently merged).
func (b *Builder) Build(ctx context.Context, keys [][]byte, values []uint64) (*VFunc, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("%w: got %d keys and %d values", ErrInvalidConfig, len(keys), len(values))
	}
	n := len(keys)

	if n == 0 {
		segmentSize := fusegraph.SegmentSize(0)
		return &VFunc{
			hasher:      b.cfg.Hasher,
			seed:        0,
			l:           fusegraph.L,
			numKeys:     0,
			chunkBits:   0,
			chunkMask:   0,
			segmentSize: uint64(segmentSize),
			numVertices: uint64(fusegraph.NumVertices(segmentSize)),
			valuesLen:   0,
			values:      memValues(nil),
		}, nil
	}

	chunkBits := chooseChunkBits(uint64(n))
	chunkMask := mask64(chunkBits)
	numChunks := uint64(1) << chunkBits

	maxRetries := b.cfg.MaxRetries
	attempts := maxRetries
	if b.cfg.Seed != nil {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		seed, err := b.pickSeed()
		if err != nil {
			return nil, err
		}

		slog.Debug("vfunc: build attempt", "attempt", attempt, "of", attempts, "seed", seed, "keys", humanize.Comma(int64(n)), "chunks", numChunks)

		vf, err := b.attempt(ctx, seed, chunkBits, chunkMask, numChunks, keys, values)
		if err == nil {
			return vf, nil
		}
		if errors.Is(err, ErrCapacity) || errors.Is(err, ErrInvalidConfig) {
			return nil, &BuildError{Attempt: attempt, Err: err}
		}
		lastErr = err
		slog.Debug("vfunc: build attempt failed, retrying with a fresh seed", "attempt", attempt, "err", err)
	}

	return nil, &BuildError{Attempt: attempts, Err: lastErr}
}

// BuildUint64Keys is a convenience for the common case of building over u64
// keys, encoding each key as 8 little-endian bytes.
func (b *Builder) BuildUint64Keys(ctx context.Context, keys []uint64, values []uint64) (*VFunc, error) {
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], k)
		encoded[i] = buf[:]
	}
	return b.Build(ctx, encoded, values)
}

func (b *Builder) pickSeed() (uint64, error) {
	if b.cfg.Seed != nil {
		return *b.cfg.Seed, nil
	}
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("vfunc: draw random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// attempt runs one full build pass at a fixed seed: hash every key, group
// signatures into chunks, then peel and assign every chunk. It returns
// ErrUnpeelable or ErrDuplicateKey (both retryable by the caller) or
// ErrCapacity (fatal) on failure.
func (b *Builder) attempt(ctx context.Context, seed uint64, chunkBits uint, chunkMask, numChunks uint64, keys [][]byte, values []uint64) (*VFunc, error) {
	groups, err := b.groupByChunk(ctx, seed, chunkBits, keys, values)
	if err != nil {
		return nil, err
	}

	maxChunkSize := 0
	for _, g := range groups {
		if len(g) > maxChunkSize {
			maxChunkSize = len(g)
		}
	}
	if err := fusegraph.CheckCapacity(maxChunkSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapacity, err)
	}

	segmentSize := fusegraph.SegmentSize(maxChunkSize)
	numVertices := fusegraph.NumVertices(segmentSize)
	valuesLen := numChunks * uint64(numVertices)

	out := make([]uint64, valuesLen)

	b.cfg.Progress.Start("peel+assign", int64(numChunks))
	defer b.cfg.Progress.Done()

	err = workerpool.Run(ctx, len(groups), b.cfg.Parallelism, func(_ context.Context, i int) error {
		pairs := groups[i]
		if dup := sortAndCheckDuplicate(pairs); dup {
			return ErrDuplicateKey
		}
		offset := uint64(i) * uint64(numVertices)
		if err := peelAndAssignChunk(pairs, segmentSize, numVertices, out[offset:offset+uint64(numVertices)]); err != nil {
			return err
		}
		b.cfg.Progress.Increment(1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("vfunc: build attempt succeeded", "keys", humanize.Comma(int64(len(keys))), "values_bytes", humanize.Bytes(valuesLen*8))

	return &VFunc{
		hasher:      b.cfg.Hasher,
		seed:        seed,
		l:           fusegraph.L,
		numKeys:     uint64(len(keys)),
		chunkBits:   chunkBits,
		chunkMask:   chunkMask,
		segmentSize: uint64(segmentSize),
		numVertices: uint64(numVertices),
		valuesLen:   valuesLen,
		values:      memValues(out),
	}, nil
}

// groupByChunk hashes every key under seed and partitions the resulting
// pairs into numChunks groups by chunk(sig) = rotl(h0, chunkBits) &
// chunkMask. Offline builds route the partitioning through sigstore.SigStore
// so the unsorted pair stream never needs to fit in memory at once; inline
// builds partition directly into in-memory slices.
func (b *Builder) groupByChunk(ctx context.Context, seed uint64, chunkBits uint, keys [][]byte, values []uint64) ([][]sigstore.Pair, error) {
	numChunks := uint64(1) << chunkBits

	b.cfg.Progress.Start("hash", int64(len(keys)))
	defer b.cfg.Progress.Done()

	if !b.cfg.Offline {
		groups := make([][]sigstore.Pair, numChunks)
		for i, key := range keys {
			h0, h1 := b.cfg.Hasher.Hash(key, seed)
			chunk := chunkOf(h0, chunkBits)
			groups[chunk] = append(groups[chunk], sigstore.Pair{
				Sig:   hash.Signature{H0: h0, H1: h1},
				Value: values[i],
			})
			b.cfg.Progress.Increment(1)
		}
		return groups, nil
	}

	bucketBits := b.cfg.BucketBits
	if bucketBits == 0 {
		bucketBits = 8
	}

	store, err := sigstore.New(bucketBits, chunkBits, b.cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("vfunc: create sigstore: %w", err)
	}
	defer store.Close()

	for i, key := range keys {
		h0, h1 := b.cfg.Hasher.Hash(key, seed)
		if err := store.Push(hash.Signature{H0: h0, H1: h1}, values[i]); err != nil {
			return nil, err
		}
		b.cfg.Progress.Increment(1)
	}

	chunkStore, err := store.IntoStore(chunkBits)
	if err != nil {
		return nil, fmt.Errorf("vfunc: reconcile sigstore into chunks: %w", err)
	}

	var iterators []*sigstore.ChunkIterator
	for {
		it, ok := chunkStore.Next()
		if !ok {
			break
		}
		iterators = append(iterators, it)
	}

	// Each iterator owns a disjoint, non-overlapping run of chunk indices
	// (see sigstore.ChunkStore.Next), so draining them through
	// workerpool.Run's bounded fan-out is safe: concurrent writes into
	// groups never touch the same slot.
	groups := make([][]sigstore.Pair, numChunks)
	err = workerpool.Run(ctx, len(iterators), b.cfg.Parallelism, func(_ context.Context, i int) error {
		it := iterators[i]
		for {
			res, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if res.Duplicate {
				return ErrDuplicateKey
			}
			groups[res.ChunkIndex] = res.Pairs
		}
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// chunkOf computes the same chunk(sig) = rotl(h0, chunkBits) & mask(chunkBits)
// formula sigstore.Push uses for its own chunk bookkeeping, so inline and
// offline builds agree on which chunk a signature belongs to.
func chunkOf(h0 uint64, chunkBits uint) uint64 {
	if chunkBits == 0 {
		return 0
	}
	return bits.RotateLeft64(h0, int(chunkBits)) & mask64(chunkBits)
}

func mask64(b uint) uint64 {
	if b == 0 {
		return 0
	}
	return (uint64(1) << b) - 1
}

// sortAndCheckDuplicate sorts pairs in place by signature and reports
// whether any two are equal, mirroring sigstore.ChunkIterator's own sort +
// adjacent-pair duplicate scan for the inline (non-SigStore) build path.
func sortAndCheckDuplicate(pairs []sigstore.Pair) bool {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Sig.Less(pairs[j].Sig) })
	for i := 1; i < len(pairs); i++ {
		if pairs[i-1].Sig.Equal(pairs[i].Sig) {
			return true
		}
	}
	return false
}

// peelAndAssignChunk runs one chunk's hypergraph through Peel and, on
// success, Assign, writing into out (which must be exactly
// NumVertices(segmentSize) long). It returns ErrUnpeelable if the chunk's
// 2-core is non-empty.
func peelAndAssignChunk(pairs []sigstore.Pair, segmentSize, numVertices int, out []uint64) error {
	edgeAt := func(i int) [3]int {
		p := pairs[i]
		return fusegraph.EdgeMap(fusegraph.Signature{H0: p.Sig.H0, H1: p.Sig.H1}, segmentSize)
	}
	stack, ok := fusegraph.Peel(numVertices, len(pairs), edgeAt)
	if !ok {
		return ErrUnpeelable
	}
	target := func(i int) uint64 { return pairs[i].Value }
	fusegraph.Assign(stack, edgeAt, target, out)
	return nil
}

// chooseChunkBits implements the builder's chunk-count formula: zero at or
// below the 2^21-key threshold (an explicit guard, not just a side effect
// of the continuous formula — func.rs's Function::new checks
// `sigs.len() <= 1 << 21` before ever computing t), otherwise
// t = ln(n*eps^2/2), c = ceil((t - ln(t)) / ln(2)) when t > 0. This follows
// func.rs's Function::new exactly (the reference Rust source logs
// n*eps^2/2 first and reuses that log as "t" in the second term too,
// rather than spec.md's gloss of the same formula).
func chooseChunkBits(n uint64) uint {
	if n <= 1<<21 {
		return 0
	}

	const eps = 0.001
	rawT := float64(n) * eps * eps / 2
	if rawT <= 0 {
		return 0
	}
	t := math.Log(rawT)
	if t <= 0 {
		return 0
	}
	c := math.Ceil((t - math.Log(t)) / math.Ln2)
	if c < 0 {
		return 0
	}
	return uint(c)
}
