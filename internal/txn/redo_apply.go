package txn

import (
	"encoding/binary"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

// rsegPageInitBody is MLOG_TRX_RSEG_PAGE_INIT's body: the slot index
// within the page being zeroed, spec.md §4.5 trx_sys_create — the
// zero bytes themselves carry no information, but which of the
// page's SlotRecordSize-wide slots they land on does.
func rsegPageInitBody(slotIdx uint16) []byte {
	return []byte{byte(slotIdx >> 8), byte(slotIdx)}
}

func decodeRsegPageInitBody(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// slotEndBody is MLOG_TRX_RSEG_SLOT_END's body: the slot id followed
// by the commit SCN, spec.md §4.5 trx_commit step 1.
func slotEndBody(id ID, scn SCN) []byte {
	return append(slotBeginBody(id), uint64ToBytes(uint64(scn))...)
}

// ApplyRedo replays one trx-rseg-owned redo record during crash
// recovery (spec.md §4.9 step 2): slot-page zeroing and the
// begin/end slot stamps trx_begin/trx_commit produce.
func ApplyRedo(m *mtr.Mtr, rec redo.Record) error {
	id := pageio.ID{SpaceID: rec.SpaceID, PageNo: rec.PageNo}
	h, err := m.GetPage(id, buffer.LatchX)
	if err != nil {
		return err
	}
	body := h.Page().Body()

	switch rec.Type {
	case redo.OpTrxRsegPageInit:
		slotIdx := decodeRsegPageInitBody(rec.Body)
		zero := make([]byte, SlotRecordSize)
		copy(body[SlotOffset(int(slotIdx)):SlotOffset(int(slotIdx))+SlotRecordSize], zero)

	case redo.OpTrxRsegSlotBegin:
		trxID := decodeSlotID(rec.Body[:8])
		slot := Slot{Status: StatusBegin, Xnum: trxID.Xnum()}
		off := SlotOffset(int(trxID.Slot()))
		slot.Encode(body[off : off+SlotRecordSize])

	case redo.OpTrxRsegSlotEnd:
		trxID := decodeSlotID(rec.Body[:8])
		scn := SCN(binary.BigEndian.Uint64(rec.Body[8:16]))
		slot := DecodeSlot(body[SlotOffset(int(trxID.Slot())) : SlotOffset(int(trxID.Slot()))+SlotRecordSize])
		slot.SCN = scn
		slot.Status = StatusEnd
		slot.Xnum = trxID.Xnum()
		off := SlotOffset(int(trxID.Slot()))
		slot.Encode(body[off : off+SlotRecordSize])
	}
	m.Touch(id)
	return nil
}

func decodeSlotID(b []byte) ID {
	v := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	return ID(v)
}
