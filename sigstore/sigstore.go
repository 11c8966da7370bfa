// Package sigstore bucket-sorts (signature, value) pairs to disk and groups
// them into chunks by the high bits of the signature's first word.
//
// A SigStore accepts pairs in any order. Internally it keeps 2^bucketBits
// scratch files ("buckets"); push computes a key's bucket and its eventual
// chunk (up to maxChunkBits of resolution) from rotations of h0, and appends
// 24 bytes to the bucket file. IntoStore flushes and rewinds every bucket
// file and returns a ChunkStore that reconciles buckets into the number of
// chunks the caller actually wants.
package sigstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/rpcpool/vfunc/hash"
)

// Pair is a (signature, value) tuple as pushed into the store.
type Pair struct {
	Sig   hash.Signature
	Value uint64
}

const pairSize = 24 // two uint64 signature words + one uint64 value

// SigStore bucket-sorts signature/value pairs into on-disk scratch files.
type SigStore struct {
	dir string

	bucketBits   uint
	maxChunkBits uint
	bucketMask   uint64
	maxChunkMask uint64

	files   []*os.File
	writers []*bufio.Writer

	bufSizes []uint64
	counts   []uint64

	numKeys uint64
	closed  bool
}

// New creates a store with 2^bucketBits scratch files, keeping per-chunk
// counts at a resolution of up to maxChunkBits high bits. scratchParent is
// the parent directory for the store's private subdirectory; an empty
// string uses os.TempDir().
func New(bucketBits, maxChunkBits uint, scratchParent string) (*SigStore, error) {
	if bucketBits > 32 || maxChunkBits > 32 {
		return nil, fmt.Errorf("sigstore: bit counts must fit a reasonable file/slice count, got bucketBits=%d maxChunkBits=%d", bucketBits, maxChunkBits)
	}
	if scratchParent == "" {
		scratchParent = os.TempDir()
	}
	dir := filepath.Join(scratchParent, "vfunc-sigstore-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sigstore: create scratch dir: %w", err)
	}

	numBuckets := uint64(1) << bucketBits
	s := &SigStore{
		dir:          dir,
		bucketBits:   bucketBits,
		maxChunkBits: maxChunkBits,
		bucketMask:   mask(bucketBits),
		maxChunkMask: mask(maxChunkBits),
		files:        make([]*os.File, numBuckets),
		writers:      make([]*bufio.Writer, numBuckets),
		bufSizes:     make([]uint64, numBuckets),
		counts:       make([]uint64, uint64(1)<<maxChunkBits),
	}
	for i := uint64(0); i < numBuckets; i++ {
		f, err := os.CreateTemp(dir, fmt.Sprintf("bucket-%d-*.tmp", i))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("sigstore: open bucket file %d: %w", i, err)
		}
		s.files[i] = f
		s.writers[i] = bufio.NewWriter(f)
	}
	return s, nil
}

func mask(bits uint) uint64 {
	if bits == 0 {
		return 0
	}
	return (uint64(1) << bits) - 1
}

// NumKeys returns the number of pairs pushed so far.
func (s *SigStore) NumKeys() uint64 { return s.numKeys }

// Push appends a signature/value pair to its bucket file.
func (s *SigStore) Push(sig hash.Signature, value uint64) error {
	bucket := bits.RotateLeft64(sig.H0, int(s.bucketBits)) & s.bucketMask
	chunk := bits.RotateLeft64(sig.H0, int(s.maxChunkBits)) & s.maxChunkMask

	s.bufSizes[bucket]++
	s.counts[chunk]++
	s.numKeys++

	w := s.writers[bucket]
	var buf [pairSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], sig.H0)
	binary.LittleEndian.PutUint64(buf[8:16], sig.H1)
	binary.LittleEndian.PutUint64(buf[16:24], value)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("sigstore: write bucket %d: %w", bucket, err)
	}
	return nil
}

// IntoStore flushes and rewinds every bucket file and returns a ChunkStore
// grouping signatures into 2^chunkBits chunks. chunkBits must be no larger
// than the maxChunkBits given to New.
func (s *SigStore) IntoStore(chunkBits uint) (*ChunkStore, error) {
	if chunkBits > s.maxChunkBits {
		return nil, fmt.Errorf("sigstore: chunkBits %d exceeds maxChunkBits %d", chunkBits, s.maxChunkBits)
	}
	for i, w := range s.writers {
		if err := w.Flush(); err != nil {
			return nil, fmt.Errorf("sigstore: flush bucket %d: %w", i, err)
		}
		if _, err := s.files[i].Seek(0, 0); err != nil {
			return nil, fmt.Errorf("sigstore: rewind bucket %d: %w", i, err)
		}
	}

	blockSize := uint64(1) << (s.maxChunkBits - chunkBits)
	numChunks := uint64(1) << chunkBits
	chunkSizes := make([]uint64, 0, numChunks)
	for i := uint64(0); i < numChunks; i++ {
		var sum uint64
		for j := i * blockSize; j < (i+1)*blockSize; j++ {
			sum += s.counts[j]
		}
		chunkSizes = append(chunkSizes, sum)
	}

	files := make([]*os.File, len(s.files))
	copy(files, s.files)
	bufSizes := make([]uint64, len(s.bufSizes))
	copy(bufSizes, s.bufSizes)

	return &ChunkStore{
		bucketBits: s.bucketBits,
		chunkBits:  chunkBits,
		files:      files,
		bufSizes:   bufSizes,
		chunkSizes: chunkSizes,
	}, nil
}

// Close removes the store's scratch directory and all bucket files. It is
// safe to call Close before IntoStore (aborting the store) or after a
// ChunkStore derived from it has been fully drained.
func (s *SigStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, f := range s.files {
		if f != nil {
			f.Close()
		}
	}
	if s.dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		klog.Warningf("sigstore: failed to remove scratch dir %s: %v", s.dir, err)
		return fmt.Errorf("sigstore: remove scratch dir: %w", err)
	}
	return nil
}

// ChunkStore reconciles bucket files into chunk iterators. Call Next
// repeatedly until it returns false to exhaust every chunk group; each
// returned ChunkIterator is independent of the others and may be advanced
// concurrently.
type ChunkStore struct {
	bucketBits uint
	chunkBits  uint

	files      []*os.File
	bufSizes   []uint64
	chunkSizes []uint64

	nextChunk uint64
}

// NumChunks returns the total number of chunks this store will produce.
func (cs *ChunkStore) NumChunks() uint64 { return uint64(1) << cs.chunkBits }

// ChunkSizes returns the number of pairs each chunk will yield, indexed by
// chunk index. It must be called before the first call to Next, since Next
// consumes the same backing slice it reads from.
func (cs *ChunkStore) ChunkSizes() []uint64 {
	out := make([]uint64, len(cs.chunkSizes))
	copy(out, cs.chunkSizes)
	return out
}

// Next pops the next group of bucket files (or the next slice of a bucket
// file) and returns a ChunkIterator over it, or false once every bucket has
// been consumed.
func (cs *ChunkStore) Next() (*ChunkIterator, bool) {
	if len(cs.files) == 0 {
		return nil, false
	}

	if cs.bucketBits >= cs.chunkBits {
		toAggr := uint64(1) << (cs.bucketBits - cs.chunkBits)
		files := make([]*os.File, toAggr)
		bufSizes := make([]uint64, toAggr)
		for i := uint64(0); i < toAggr; i++ {
			files[i] = cs.files[0]
			bufSizes[i] = cs.bufSizes[0]
			cs.files = cs.files[1:]
			cs.bufSizes = cs.bufSizes[1:]
		}
		chunkSize := cs.chunkSizes[0]
		cs.chunkSizes = cs.chunkSizes[1:]

		it := &ChunkIterator{
			bucketBits: cs.bucketBits,
			chunkBits:  cs.chunkBits,
			files:      files,
			bufSizes:   bufSizes,
			chunkSizes: []uint64{chunkSize},
			nextChunk:  cs.nextChunk,
		}
		cs.nextChunk++
		return it, true
	}

	numChunks := uint64(1) << (cs.chunkBits - cs.bucketBits)
	chunkSizes := make([]uint64, numChunks)
	for i := uint64(0); i < numChunks; i++ {
		chunkSizes[i] = cs.chunkSizes[0]
		cs.chunkSizes = cs.chunkSizes[1:]
	}
	file := cs.files[0]
	bufSize := cs.bufSizes[0]
	cs.files = cs.files[1:]
	cs.bufSizes = cs.bufSizes[1:]

	it := &ChunkIterator{
		bucketBits: cs.bucketBits,
		chunkBits:  cs.chunkBits,
		files:      []*os.File{file},
		bufSizes:   []uint64{bufSize},
		chunkSizes: chunkSizes,
		nextChunk:  cs.nextChunk,
	}
	cs.nextChunk += numChunks

	return it, true
}

// ChunkResult is one chunk's worth of sorted pairs, or a duplicate marker.
type ChunkResult struct {
	ChunkIndex uint64
	Pairs      []Pair
	Duplicate  bool
}

// ChunkIterator reads, sorts, and duplicate-checks its owned bucket data one
// chunk at a time.
type ChunkIterator struct {
	bucketBits uint
	chunkBits  uint

	files      []*os.File
	bufSizes   []uint64
	chunkSizes []uint64

	// bucket holds the sorted, not yet handed out remainder of the current
	// bucket when one bucket spans several chunks.
	bucket []Pair

	nextChunk uint64
}

// Next reads the next chunk's pairs, sorts them by signature, and checks
// for duplicates. It returns (result, true, nil) while chunks remain,
// (nil, false, nil) once exhausted, and a non-nil error only on I/O
// failure.
func (it *ChunkIterator) Next() (*ChunkResult, bool, error) {
	if len(it.files) == 0 {
		return nil, false, nil
	}

	size := it.chunkSizes[0]
	it.chunkSizes = it.chunkSizes[1:]
	var data []Pair

	if it.bucketBits >= it.chunkBits {
		data = make([]Pair, size)
		toAggr := uint64(1) << (it.bucketBits - it.chunkBits)
		var offset uint64
		for i := uint64(0); i < toAggr; i++ {
			f := it.files[0]
			n := it.bufSizes[0]
			it.files = it.files[1:]
			it.bufSizes = it.bufSizes[1:]
			if err := readPairs(f, data[offset:offset+n]); err != nil {
				return nil, false, err
			}
			offset += n
		}
	} else {
		// The bucket holds several chunks: read and sort it whole on its
		// first chunk, then hand out consecutive slices by chunk size.
		if it.nextChunk%(uint64(1)<<(it.chunkBits-it.bucketBits)) == 0 {
			it.bucket = make([]Pair, it.bufSizes[0])
			if err := readPairs(it.files[0], it.bucket); err != nil {
				return nil, false, err
			}
			sort.Slice(it.bucket, func(i, j int) bool { return it.bucket[i].Sig.Less(it.bucket[j].Sig) })
		}
		data = it.bucket[:size:size]
		it.bucket = it.bucket[size:]
	}

	sort.Slice(data, func(i, j int) bool { return data[i].Sig.Less(data[j].Sig) })

	for i := 1; i < len(data); i++ {
		if data[i-1].Sig.Equal(data[i].Sig) {
			idx := it.nextChunk
			it.nextChunk++
			it.advanceBucketIfDone()
			klog.Warningf("sigstore: duplicate signature (h0=%#x h1=%#x) in chunk %d", data[i].Sig.H0, data[i].Sig.H1, idx)
			return &ChunkResult{ChunkIndex: idx, Duplicate: true}, true, nil
		}
	}

	idx := it.nextChunk
	it.nextChunk++
	it.advanceBucketIfDone()
	return &ChunkResult{ChunkIndex: idx, Pairs: data}, true, nil
}

// advanceBucketIfDone drops the shared bucket file once every chunk sliced
// from it has been read, matching the original's "pop the bucket when the
// chunk counter crosses a (chunk_bits-bucket_bits) boundary" rule.
func (it *ChunkIterator) advanceBucketIfDone() {
	if it.bucketBits >= it.chunkBits {
		return
	}
	interval := uint64(1) << (it.chunkBits - it.bucketBits)
	if it.nextChunk%interval == 0 && len(it.files) > 0 {
		it.files = it.files[1:]
	}
}

func readPairs(f *os.File, data []Pair) error {
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, len(data)*pairSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("sigstore: read chunk data: %w", err)
	}
	for i := range data {
		off := i * pairSize
		data[i].Sig.H0 = binary.LittleEndian.Uint64(buf[off : off+8])
		data[i].Sig.H1 = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		data[i].Value = binary.LittleEndian.Uint64(buf[off+16 : off+24])
	}
	return nil
}
