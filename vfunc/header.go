package vfunc

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Magic identifies a persisted VFunc file, the same role compactindex's
// Magic byte sequence plays, just stamped with this module's own label.
var Magic = [8]byte{'v', 'f', 'u', 'n', 'c', '0', '0', '1'}

// header is the fixed-width record described by the persisted VFunc
// layout: seed, L, num_keys, chunk_mask, segment_size, values_len, each an
// 8-byte little-endian field, in this exact order. It is encoded with
// gagliardetto/binary's Borsh mode, which lays out a struct of plain
// uint64 fields as their raw little-endian bytes with no extra framing.
type header struct {
	Seed        uint64
	L           uint64
	NumKeys     uint64
	ChunkMask   uint64
	SegmentSize uint64
	ValuesLen   uint64
}

// headerSize is Magic (8 bytes) followed by the six header fields.
const headerSize = 8 + 6*8

func (h header) bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(Magic[:])
	enc := bin.NewBorshEncoder(buf)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("vfunc: encode header: %w", err)
	}
	if buf.Len() != headerSize {
		return nil, fmt.Errorf("vfunc: encoded header is %d bytes, want %d", buf.Len(), headerSize)
	}
	return buf.Bytes(), nil
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, fmt.Errorf("vfunc: short header: %d bytes, want %d", len(buf), headerSize)
	}
	if !bytes.Equal(buf[:8], Magic[:]) {
		return h, fmt.Errorf("vfunc: bad magic %x, want %x", buf[:8], Magic)
	}
	dec := bin.NewBorshDecoder(buf[8:headerSize])
	if err := dec.Decode(&h); err != nil {
		return h, fmt.Errorf("vfunc: decode header: %w", err)
	}
	return h, nil
}
