package undo

import (
	"encoding/binary"

	"github.com/holystardb/cos/internal/txn"
)

// RecType enumerates undo record kinds, spec.md §3.5.
type RecType uint8

const (
	RecHeapInsert RecType = iota + 1
	RecHeapDelete
	RecHeapUpdate
	RecHeapUpdateFull
)

// recFixedSize is total_len(2) + prev_len(2) + cid(4) + type(1),
// spec.md §3.5.
const recFixedSize = 9

// Record is one undo record: the byte envelope spec.md §3.5
// describes, plus an opaque payload whose shape depends on Type (row
// id for HEAP_INSERT; row id + prior directory entry + prior itl_id
// for HEAP_DELETE; changed column images for HEAP_UPDATE/_FULL).
type Record struct {
	PrevLen uint16 // total_len of the previous record on this page's chain, 0 if none
	CID     uint32 // the transaction's sequence number for this record (undo_rec_no)
	Type    RecType
	Payload []byte
}

func (r Record) totalLen() uint16 { return uint16(recFixedSize + len(r.Payload)) }

func (r Record) encode() []byte {
	buf := make([]byte, recFixedSize+len(r.Payload))
	binary.BigEndian.PutUint16(buf[0:2], r.totalLen())
	binary.BigEndian.PutUint16(buf[2:4], r.PrevLen)
	binary.BigEndian.PutUint32(buf[4:8], r.CID)
	buf[8] = byte(r.Type)
	copy(buf[recFixedSize:], r.Payload)
	return buf
}

func decodeRecordAt(body []byte, offset uint16) Record {
	b := body[offset:]
	totalLen := binary.BigEndian.Uint16(b[0:2])
	return Record{
		PrevLen: binary.BigEndian.Uint16(b[2:4]),
		CID:     binary.BigEndian.Uint32(b[4:8]),
		Type:    RecType(b[8]),
		Payload: append([]byte(nil), b[recFixedSize:totalLen]...),
	}
}

// logHeaderSize is trx_id(8) + trx_no(8) + log_start(2) + flags(1) +
// next_log_offset(2) + prev_log_offset(2), spec.md §3.5.
const logHeaderSize = 23

// LogHeader marks the start of one transaction's record sequence on a
// page (written once, at the first record that transaction appends to
// this page).
type LogHeader struct {
	TrxID          txn.ID
	TrxNo          uint64 // monotone per-trx undo_rec_no counter, spec.md §4.6.3
	LogStart       uint16
	Flags          uint8
	NextLogOffset  uint16
	PrevLogOffset  uint16
}

func writeLogHeader(body []byte, offset uint16, h LogHeader) {
	b := body[offset : offset+logHeaderSize]
	binary.BigEndian.PutUint64(b[0:8], uint64(h.TrxID))
	binary.BigEndian.PutUint64(b[8:16], h.TrxNo)
	binary.BigEndian.PutUint16(b[16:18], h.LogStart)
	b[18] = h.Flags
	binary.BigEndian.PutUint16(b[19:21], h.NextLogOffset)
	binary.BigEndian.PutUint16(b[21:23], h.PrevLogOffset)
}

func readLogHeader(body []byte, offset uint16) LogHeader {
	b := body[offset : offset+logHeaderSize]
	return LogHeader{
		TrxID:         txn.ID(binary.BigEndian.Uint64(b[0:8])),
		TrxNo:         binary.BigEndian.Uint64(b[8:16]),
		LogStart:      binary.BigEndian.Uint16(b[16:18]),
		Flags:         b[18],
		NextLogOffset: binary.BigEndian.Uint16(b[19:21]),
		PrevLogOffset: binary.BigEndian.Uint16(b[21:23]),
	}
}
