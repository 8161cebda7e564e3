package heap

import (
	"encoding/binary"
	"math/big"

	"github.com/shopspring/decimal"
)

// Row flags, spec.md §3.3.
const (
	RowIsDeleted uint8 = 1 << iota
	RowIsExt
	RowIsMigrate
	RowIsChanged
	RowHasNulls
)

// rowFixedHeaderSize is size(2) + col_count|flags packed(2) + slot(2)
// + itl_id(2), spec.md §3.3.
const rowFixedHeaderSize = 8

// Row is the in-memory image of one row record.
type Row struct {
	ColCount uint16 // 10 significant bits
	Flags    uint8  // 6 significant bits
	Slot     uint16
	ITLID    uint16
	NullBits []byte // ceil(ColCount/8) bytes, present iff HasNulls
	Payload  []byte // column bytes, caller-encoded; forwarding rows store a ForwardingPayload here
}

func (r Row) IsDeleted() bool { return r.Flags&RowIsDeleted != 0 }
func (r Row) IsMigrate() bool { return r.Flags&RowIsMigrate != 0 }
func (r Row) HasNulls() bool  { return r.Flags&RowHasNulls != 0 }

// Size is the row's total on-page byte footprint.
func (r Row) Size() uint16 {
	n := rowFixedHeaderSize + len(r.NullBits) + len(r.Payload)
	return uint16(n)
}

// Encode serializes r into buf, which must be at least r.Size() bytes.
func (r Row) Encode(buf []byte) {
	packed := (r.ColCount & 0x3FF) | (uint16(r.Flags&0x3F) << 10)
	binary.BigEndian.PutUint16(buf[0:2], r.Size())
	binary.BigEndian.PutUint16(buf[2:4], packed)
	binary.BigEndian.PutUint16(buf[4:6], r.Slot)
	binary.BigEndian.PutUint16(buf[6:8], r.ITLID)
	off := rowFixedHeaderSize
	off += copy(buf[off:], r.NullBits)
	copy(buf[off:], r.Payload)
}

// DecodeRow reads a row record out of body at offset off.
func DecodeRow(body []byte, off uint16) Row {
	b := body[off:]
	size := binary.BigEndian.Uint16(b[0:2])
	packed := binary.BigEndian.Uint16(b[2:4])
	colCount := packed & 0x3FF
	flags := uint8(packed >> 10)
	slot := binary.BigEndian.Uint16(b[4:6])
	itlID := binary.BigEndian.Uint16(b[6:8])

	r := Row{ColCount: colCount, Flags: flags, Slot: slot, ITLID: itlID}
	rest := b[rowFixedHeaderSize:size]
	if flags&RowHasNulls != 0 {
		nbLen := (int(colCount) + 7) / 8
		r.NullBits = append([]byte(nil), rest[:nbLen]...)
		rest = rest[nbLen:]
	}
	r.Payload = append([]byte(nil), rest...)
	return r
}

// NullBitmapLen is ceil(colCount/8), spec.md §3.3.
func NullBitmapLen(colCount int) int { return (colCount + 7) / 8 }

// ForwardingPayload encodes the (page_no, slot) a migrated row now
// lives at, spec.md §4.7.4's "migrate" strategy: "the original page
// retains a forwarding HEAP_MIN_ROW_SIZE record containing the new
// row_id".
func ForwardingPayload(pageNo uint32, slot uint16) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], pageNo)
	binary.BigEndian.PutUint16(buf[4:6], slot)
	return buf
}

func DecodeForwardingPayload(payload []byte) (pageNo uint32, slot uint16) {
	return binary.BigEndian.Uint32(payload[0:4]), binary.BigEndian.Uint16(payload[4:6])
}

// EncodeDecimalColumn and DecodeDecimalColumn give callers a concrete
// fixed-point column codec (e.g. for money/quantity columns) without
// heap itself needing to know about a column's semantic type: it
// treats the result as an opaque length-prefixed column like any
// other variable-width value.
func EncodeDecimalColumn(d decimal.Decimal) []byte {
	coeff := d.Coefficient()
	mag := coeff.Bytes()
	out := make([]byte, 0, 5+len(mag))
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], uint32(d.Exponent()))
	out = append(out, expBuf[:]...)
	sign := byte(0)
	if coeff.Sign() < 0 {
		sign = 1
	}
	out = append(out, sign)
	out = append(out, mag...)
	return out
}

func DecodeDecimalColumn(col []byte) decimal.Decimal {
	exp := int32(binary.BigEndian.Uint32(col[0:4]))
	sign := col[4]
	mag := col[5:]
	coeff := new(big.Int).SetBytes(mag)
	if sign == 1 {
		coeff.Neg(coeff)
	}
	return decimal.NewFromBigInt(coeff, exp)
}
