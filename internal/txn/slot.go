package txn

import "encoding/binary"

// Status is a transaction slot's lifecycle state, spec.md §3.4:
// END → BEGIN → {END | XA_PREPARE → {END | XA_ROLLBACK → END}}.
type Status uint8

const (
	StatusEnd Status = iota
	StatusBegin
	StatusXAPrepare
	StatusXARollback
)

// SlotRecordSize is the on-page byte width of one transaction slot
// record, spec.md §3.4: scn(8) + insert_undo_page_no(4) +
// update_undo_page_no(4) + status(1) + xnum(5, of a 40-bit counter),
// padded to a round width.
const SlotRecordSize = 32

// SlotPageCountPerRseg matches TRX_SLOT_PAGE_COUNT_PER_RSEG of
// spec.md §4.5 — a rollback segment owns this many residency-pinned
// slot pages.
const SlotPageCountPerRseg = 4

// ID packs (rseg_id: u8, slot: u16, xnum: u40) into 64 bits, spec.md
// §3.1's trx_slot_id_t.
type ID uint64

func NewID(rsegID uint8, slot uint16, xnum uint64) ID {
	return ID(uint64(rsegID)<<56 | uint64(slot)<<40 | (xnum & 0xFFFFFFFFFF))
}

func (id ID) RsegID() uint8 { return uint8(id >> 56) }
func (id ID) Slot() uint16  { return uint16(id >> 40) }
func (id ID) Xnum() uint64  { return uint64(id) & 0xFFFFFFFFFF }

// Slot is the in-memory image of one persistent transaction slot
// record, spec.md §3.4.
type Slot struct {
	SCN                SCN
	InsertUndoPageNo    uint32
	UpdateUndoPageNo    uint32
	Status             Status
	Xnum               uint64 // 40 significant bits
}

// Encode writes the slot's on-page representation into buf[:32].
func (s Slot) Encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.SCN))
	binary.BigEndian.PutUint32(buf[8:12], s.InsertUndoPageNo)
	binary.BigEndian.PutUint32(buf[12:16], s.UpdateUndoPageNo)
	buf[16] = byte(s.Status)
	var xb [8]byte
	binary.BigEndian.PutUint64(xb[:], s.Xnum&0xFFFFFFFFFF)
	copy(buf[17:22], xb[3:8])
}

// DecodeSlot reads a persistent slot record back out of buf[:32].
func DecodeSlot(buf []byte) Slot {
	var xb [8]byte
	copy(xb[3:8], buf[17:22])
	return Slot{
		SCN:              SCN(binary.BigEndian.Uint64(buf[0:8])),
		InsertUndoPageNo: binary.BigEndian.Uint32(buf[8:12]),
		UpdateUndoPageNo: binary.BigEndian.Uint32(buf[12:16]),
		Status:           Status(buf[16]),
		Xnum:             binary.BigEndian.Uint64(xb[:]) & 0xFFFFFFFFFF,
	}
}

// SlotOffset returns the byte offset of slot index i within a slot
// page's body.
func SlotOffset(i int) int { return i * SlotRecordSize }
