// Package redo implements the append-only write-ahead log of spec.md
// §4.4, §3.6 and §6.3: log records, 512-byte log blocks, LSN
// bookkeeping, log_write_up_to, and the checkpoint record. Page
// mutation semantics (what a given opcode's body means) live in the
// packages that emit the records (heap, undo, txn); this package only
// owns the byte-level envelope and the durability pipeline.
package redo

import "encoding/binary"

// LSN is a monotone byte offset into the logical redo stream,
// spec.md §3.1.
type LSN uint64

// OpCode enumerates the MLOG_* record types of spec.md §6.3. The
// constant values are stable across recovery runs; once assigned an
// opcode is never renumbered.
type OpCode uint8

const (
	OpWrite1Byte OpCode = iota + 1
	OpWrite2Bytes
	OpWrite4Bytes
	OpWrite8Bytes
	OpWriteString

	OpHeapInsert
	OpHeapDelete
	OpHeapUpdate
	OpHeapUpdateFull
	OpHeapNewITL
	OpHeapReuseITL
	OpHeapCleanITL
	OpHeapNewDir
	OpHeapAllocDir
	OpHeapFreeDir
	OpPageReorganize
	OpHeapUndoInsert
	OpHeapUndoDelete

	OpUndoPageInit
	OpUndoPageReuse
	OpUndoLogHdrCreate
	OpUndoLogInsert

	OpTrxRsegSlotBegin
	OpTrxRsegSlotEnd
	OpTrxRsegPageInit

	OpCheckpoint
	// OpMTREnd terminates a mini-transaction's contiguous record run so
	// recovery can tell a complete MTR from a truncated tail (spec.md
	// §4.3 "the log-block boundary / last complete record rule").
	OpMTREnd
)

// Record is one MLOG_XXX entry: type, target page (space/page_no are
// zero for page-less records like OpCheckpoint and OpMTREnd), and an
// opaque body the owning subsystem knows how to parse.
type Record struct {
	Type    OpCode
	SpaceID uint32
	PageNo  uint32
	Body    []byte
}

// Encode serializes r as: type(1) + space_id(varint) + page_no(varint)
// + body_len(varint) + body, matching spec.md §6.3's compressed
// integer encoding.
func (r Record) Encode() []byte {
	buf := make([]byte, 0, 16+len(r.Body))
	buf = append(buf, byte(r.Type))
	buf = appendUvarint(buf, uint64(r.SpaceID))
	buf = appendUvarint(buf, uint64(r.PageNo))
	buf = appendUvarint(buf, uint64(len(r.Body)))
	buf = append(buf, r.Body...)
	return buf
}

// Decode parses one record from the front of b, returning the record
// and the number of bytes consumed. ok is false if b does not yet
// contain a complete record (the caller is reading at the tail of the
// log and must wait for more bytes, or — during recovery — stop: a
// partial record marks the end of durable data).
func Decode(b []byte) (rec Record, n int, ok bool) {
	if len(b) < 1 {
		return Record{}, 0, false
	}
	off := 1
	spaceID, sz, ok1 := uvarint(b[off:])
	if !ok1 {
		return Record{}, 0, false
	}
	off += sz
	pageNo, sz, ok2 := uvarint(b[off:])
	if !ok2 {
		return Record{}, 0, false
	}
	off += sz
	bodyLen, sz, ok3 := uvarint(b[off:])
	if !ok3 {
		return Record{}, 0, false
	}
	off += sz
	if len(b) < off+int(bodyLen) {
		return Record{}, 0, false
	}
	body := make([]byte, bodyLen)
	copy(body, b[off:off+int(bodyLen)])
	off += int(bodyLen)
	return Record{
		Type:    OpCode(b[0]),
		SpaceID: uint32(spaceID),
		PageNo:  uint32(pageNo),
		Body:    body,
	}, off, true
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func uvarint(b []byte) (v uint64, n int, ok bool) {
	v, n = binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, false
	}
	return v, n, true
}

// Fixed-size helpers for the MLOG_1/2/4/8BYTE family: body is
// page_offset(u16) followed by the value.

func Write4BytesBody(pageOffset uint16, value uint32) []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], pageOffset)
	binary.BigEndian.PutUint32(b[2:6], value)
	return b
}

func ParseWrite4BytesBody(body []byte) (pageOffset uint16, value uint32) {
	return binary.BigEndian.Uint16(body[0:2]), binary.BigEndian.Uint32(body[2:6])
}

func Write8BytesBody(pageOffset uint16, value uint64) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], pageOffset)
	binary.BigEndian.PutUint64(b[2:10], value)
	return b
}

func ParseWrite8BytesBody(body []byte) (pageOffset uint16, value uint64) {
	return binary.BigEndian.Uint16(body[0:2]), binary.BigEndian.Uint64(body[2:10])
}

func WriteStringBody(pageOffset uint16, data []byte) []byte {
	b := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(b, pageOffset)
	return append(b, data...)
}

func ParseWriteStringBody(body []byte) (pageOffset uint16, data []byte) {
	return binary.BigEndian.Uint16(body[0:2]), body[2:]
}

// CheckpointBody is the payload of an OpCheckpoint record, spec.md
// §4.4 / §6.3.
type CheckpointBody struct {
	CheckpointNo uint64
	CheckpointLSN LSN
	ArchivedLSN   LSN
}

func (c CheckpointBody) Encode() []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint64(b[0:8], c.CheckpointNo)
	binary.BigEndian.PutUint64(b[8:16], uint64(c.CheckpointLSN))
	binary.BigEndian.PutUint64(b[16:24], uint64(c.ArchivedLSN))
	return b
}

func DecodeCheckpointBody(b []byte) CheckpointBody {
	return CheckpointBody{
		CheckpointNo:  binary.BigEndian.Uint64(b[0:8]),
		CheckpointLSN: LSN(binary.BigEndian.Uint64(b[8:16])),
		ArchivedLSN:   LSN(binary.BigEndian.Uint64(b[16:24])),
	}
}
