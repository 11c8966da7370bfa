// Package vfunc implements a static retrieval function: a compact,
// immutable map from an arbitrary keyset to fixed-width integer values,
// built by peeling a random 3-hypergraph and queried in constant time.
//
// Build a function with Builder.Build, query it with VFunc.Get, persist it
// with VFunc.WriteTo, and reopen a persisted function with Open (which
// memory-maps the values region so structures far larger than RAM never
// need to be fully paged in).
package vfunc

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"

	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"

	"github.com/rpcpool/vfunc/fusegraph"
	"github.com/rpcpool/vfunc/hash"
	"github.com/rpcpool/vfunc/internal/continuity"
)

// valueSource abstracts over where a VFunc's flat u64 cell array lives: a
// plain in-memory slice right after a build, or a memory-mapped region
// reopened from disk.
type valueSource interface {
	at(idx uint64) uint64
	close() error
}

type memValues []uint64

func (m memValues) at(idx uint64) uint64 { return m[idx] }
func (m memValues) close() error         { return nil }

type mmapValues struct {
	r    *mmap.ReaderAt
	base int64
}

func (m mmapValues) at(idx uint64) uint64 {
	var buf [8]byte
	if _, err := m.r.ReadAt(buf[:], m.base+int64(idx)*8); err != nil {
		// Indices are always constructed in bounds by EdgeMap; a short
		// read here means the backing file was truncated after Open.
		panic(fmt.Sprintf("vfunc: short read at value index %d: %v", idx, err))
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (m mmapValues) close() error { return m.r.Close() }

// VFunc is the immutable result of a build: a query object addressing a
// flat array of u64 cells via a keyed hash and the fuse-graph edge map.
type VFunc struct {
	hasher hash.Hasher

	seed        uint64
	l           uint64
	numKeys     uint64
	chunkBits   uint
	chunkMask   uint64
	segmentSize uint64
	numVertices uint64
	valuesLen   uint64

	values valueSource
}

// newFromParts assembles a VFunc from its header fields and a value
// source; used by Open (mmapValues).
func newFromParts(hasher hash.Hasher, h header, values valueSource) *VFunc {
	return &VFunc{
		hasher:      hasher,
		seed:        h.Seed,
		l:           h.L,
		numKeys:     h.NumKeys,
		chunkBits:   uint(bits.Len64(h.ChunkMask)),
		chunkMask:   h.ChunkMask,
		segmentSize: h.SegmentSize,
		numVertices: uint64(fusegraph.NumVertices(int(h.SegmentSize))),
		valuesLen:   h.ValuesLen,
		values:      values,
	}
}

// Get returns key's assigned value. The result is meaningful only if key
// was part of the original build keyset; querying a foreign key returns an
// unspecified (but always in-bounds, never panicking) u64 by contract.
func (f *VFunc) Get(key []byte) uint64 {
	if f.valuesLen == 0 {
		return 0
	}
	h0, h1 := f.hasher.Hash(key, f.seed)
	chunk := bits.RotateLeft64(h0, int(f.chunkBits)) & f.chunkMask
	edge := fusegraph.EdgeMap(fusegraph.Signature{H0: h0, H1: h1}, int(f.segmentSize))

	offset := chunk * f.numVertices
	return f.values.at(offset+uint64(edge[0])) ^
		f.values.at(offset+uint64(edge[1])) ^
		f.values.at(offset+uint64(edge[2]))
}

// GetUint64 is a convenience for the common case of u64 keys, matching the
// 8-byte little-endian key encoding Builder.BuildUint64Keys uses.
func (f *VFunc) GetUint64(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return f.Get(buf[:])
}

// Len returns the number of keys the function was built over.
func (f *VFunc) Len() uint64 { return f.numKeys }

// IsEmpty reports whether the function was built over zero keys.
func (f *VFunc) IsEmpty() bool { return f.numKeys == 0 }

// Close releases resources backing the value array (a no-op for a
// freshly-built, not-yet-persisted VFunc; unmaps the file for one opened
// via Open).
func (f *VFunc) Close() error {
	if f.values == nil {
		return nil
	}
	return f.values.close()
}

// WriteTo serializes the header and the full values array to path,
// truncating any existing file.
func (f *VFunc) WriteTo(path string) error {
	h := header{
		Seed:        f.seed,
		L:           f.l,
		NumKeys:     f.numKeys,
		ChunkMask:   f.chunkMask,
		SegmentSize: f.segmentSize,
		ValuesLen:   f.valuesLen,
	}
	hb, err := h.bytes()
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vfunc: create %s: %w", path, err)
	}

	if err := f.finalizeBuild(out, hb); err != nil {
		out.Close()
		return fmt.Errorf("vfunc: write %s: %w", path, err)
	}
	return nil
}

// finalizeBuild writes the header and values array to an already-created
// file and chains write/flush/sync/close with continuity.Thenf, the same
// shape compactindexsized.Builder.SealAndClose uses to seal its own index:
// the first failing step short-circuits the rest instead of an
// if-err-return after every line.
func (f *VFunc) finalizeBuild(out *os.File, hb []byte) error {
	buf := make([]byte, 0, 1<<16)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		_, err := out.Write(buf)
		buf = buf[:0]
		return err
	}

	return continuity.New().
		Thenf("write header", func() error {
			_, err := out.Write(hb)
			return err
		}).
		Thenf("flush values", func() error {
			for i := uint64(0); i < f.valuesLen; i++ {
				var cell [8]byte
				binary.LittleEndian.PutUint64(cell[:], f.values.at(i))
				buf = append(buf, cell[:]...)
				if len(buf) >= 1<<16 {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			return flush()
		}).
		Thenf("sync", out.Sync).
		Thenf("close", out.Close).
		Err()
}

// Open memory-maps a VFunc previously written by WriteTo. The returned
// VFunc must be Closed to release the mapping.
func Open(path string, hasher hash.Hasher) (*VFunc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vfunc: open %s: %w", path, err)
	}
	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("vfunc: read header: %w", err)
	}
	if fd := int(f.Fd()); fd >= 0 {
		// Values are addressed by a pseudo-random hash, never
		// sequentially, so tell the kernel not to bother read-ahead.
		_ = unix.Fadvise(fd, 0, 0, unix.FADV_RANDOM)
	}
	f.Close()

	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vfunc: mmap %s: %w", path, err)
	}

	return newFromParts(hasher, h, mmapValues{r: r, base: headerSize}), nil
}
