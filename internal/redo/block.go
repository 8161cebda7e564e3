package redo

import (
	"encoding/binary"
	"hash/crc32"
)

// BlockSize is the on-disk log block size, spec.md §3.6: 512 bytes of
// header + body + trailer.
const BlockSize = 512

const (
	blockHeaderSize  = 16 // hdr_no(8) + data_len(2) + first_rec_offset(2) + checkpoint_no(4)
	blockTrailerSize = 4  // checksum
	blockBodySize    = BlockSize - blockHeaderSize - blockTrailerSize
)

// Block is one 512-byte physical log block. Records are packed into
// Body; a record may span two blocks. packageBlocks always writes
// FirstRecOffset as 0, and recovery does not read it: it concatenates
// the block bodies and decodes records from the joined stream.
type Block struct {
	HdrNo           uint64
	DataLen         uint16 // bytes of Body actually in use
	FirstRecOffset  uint16
	CheckpointNo    uint32
	Body            [blockBodySize]byte
}

// Marshal serializes the block to exactly BlockSize bytes with a
// trailing checksum, matching spec.md §3.6's
// header/body/trailer(checksum) layout.
func (b *Block) Marshal() []byte {
	out := make([]byte, BlockSize)
	binary.BigEndian.PutUint64(out[0:8], b.HdrNo)
	binary.BigEndian.PutUint16(out[8:10], b.DataLen)
	binary.BigEndian.PutUint16(out[10:12], b.FirstRecOffset)
	binary.BigEndian.PutUint32(out[12:16], b.CheckpointNo)
	copy(out[blockHeaderSize:blockHeaderSize+blockBodySize], b.Body[:])
	sum := crc32.ChecksumIEEE(out[:BlockSize-blockTrailerSize])
	binary.BigEndian.PutUint32(out[BlockSize-blockTrailerSize:], sum)
	return out
}

// Unmarshal parses a 512-byte buffer into a Block, reporting ok=false
// if the checksum doesn't match (a torn or not-yet-written block —
// the reader has reached the log tail).
func Unmarshal(raw []byte) (*Block, bool) {
	if len(raw) != BlockSize {
		return nil, false
	}
	sum := binary.BigEndian.Uint32(raw[BlockSize-blockTrailerSize:])
	if crc32.ChecksumIEEE(raw[:BlockSize-blockTrailerSize]) != sum {
		return nil, false
	}
	b := &Block{
		HdrNo:          binary.BigEndian.Uint64(raw[0:8]),
		DataLen:        binary.BigEndian.Uint16(raw[8:10]),
		FirstRecOffset: binary.BigEndian.Uint16(raw[10:12]),
		CheckpointNo:   binary.BigEndian.Uint32(raw[12:16]),
	}
	copy(b.Body[:], raw[blockHeaderSize:blockHeaderSize+blockBodySize])
	return b, true
}
