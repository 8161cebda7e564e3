package heap

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/errkind"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
	"github.com/holystardb/cos/internal/undo"
)

// RowID identifies one row, spec.md §3.1.
type RowID struct {
	SpaceID uint32
	PageNo  uint32
	Slot    uint16
}

// StatusSource resolves a transaction slot's live status for ITL
// visibility checks, spec.md §4.5's trx_get_status_by_itl — satisfied
// by *txn.Sys.
type StatusSource interface {
	GetStatusByITL(rsegID uint8, slot uint16, itlXnum uint64) (txn.Status, txn.SCN, error)
}

// AllocITL implements heap_alloc_itl, spec.md §4.7.6.
func AllocITL(m *mtr.Mtr, h *buffer.Handle, trx *txn.Trx, sys StatusSource) (uint16, error) {
	body := h.Page().Body()
	hd := readHeader(body)

	for i := 0; i < MaxITLs; i++ {
		it := readItl(body, i)
		if !it.IsFree() && it.TrxSlot == trx.ID {
			return uint16(i), nil
		}
	}

	freeIdx := -1
	reuseIdx := -1
	for i := 0; i < MaxITLs; i++ {
		it := readItl(body, i)
		if it.IsFree() {
			freeIdx = i
			break
		}
		status, _, err := sys.GetStatusByITL(it.TrxSlot.RsegID(), it.TrxSlot.Slot(), it.TrxSlot.Xnum())
		if err != nil {
			return 0, err
		}
		if status == txn.StatusEnd && reuseIdx == -1 {
			reuseIdx = i
		}
	}

	idx := freeIdx
	if idx == -1 {
		idx = reuseIdx
	}
	if idx == -1 {
		return 0, errkind.New(errkind.AllocITL, h.PageID().PageNo)
	}

	old := readItl(body, idx)
	it := Itl{TrxSlot: trx.ID, Flags: ItlIsActive}
	if freeIdx == -1 {
		// Reusing a committed trx's ITL: migrate its effective SCN into
		// every row that still references it, per spec.md §4.7.6.
		for i := 0; i < int(hd.DirCount); i++ {
			d := readDir(body, i)
			if d.IsFree() {
				continue
			}
			row := DecodeRow(body, d.Offset)
			if row.ITLID == uint16(idx) {
				d.SCN = old.SCN
				if old.Flags&ItlIsOwSCN != 0 {
					d.Flags |= DirIsOwSCN
				}
				writeDir(body, i, d)
			}
		}
		m.WriteRecord(redo.Record{Type: redo.OpHeapReuseITL, SpaceID: h.PageID().SpaceID, PageNo: h.PageID().PageNo, Body: appendHeaderSnapshot(itlRecordBody(uint16(idx), it), hd)})
	} else {
		hd.ItlCount++
		m.WriteRecord(redo.Record{Type: redo.OpHeapNewITL, SpaceID: h.PageID().SpaceID, PageNo: h.PageID().PageNo, Body: appendHeaderSnapshot(itlRecordBody(uint16(idx), it), hd)})
	}

	writeItl(body, idx, it)
	writeHeader(body, hd)
	return uint16(idx), nil
}

// itlPayloadSize is itl_id(2) + scn(8) + trx_slot(8) + fsc(2) + flags(1).
const itlPayloadSize = 21

// itlRecordBody is MLOG_HEAP_NEW_ITL / MLOG_HEAP_REUSE_ITL's body:
// enough of the Itl entry for recovery to write it back verbatim.
func itlRecordBody(idx uint16, it Itl) []byte {
	b := make([]byte, itlPayloadSize)
	b[0], b[1] = byte(idx>>8), byte(idx)
	binary.BigEndian.PutUint64(b[2:10], uint64(it.SCN))
	binary.BigEndian.PutUint64(b[10:18], uint64(it.TrxSlot))
	binary.BigEndian.PutUint16(b[18:20], it.FSC)
	b[20] = it.Flags
	return b
}

func decodeItlRecordBody(b []byte) (idx uint16, it Itl) {
	idx = uint16(b[0])<<8 | uint16(b[1])
	it = Itl{
		SCN:     txn.SCN(binary.BigEndian.Uint64(b[2:10])),
		TrxSlot: txn.ID(binary.BigEndian.Uint64(b[10:18])),
		FSC:     binary.BigEndian.Uint16(b[18:20]),
		Flags:   b[20],
	}
	return
}

// allocDirSlot reuses a slot from the free-dir chain, or grows
// DirCount, spec.md §4.7.2 step 3.
func allocDirSlot(body []byte, hd *Header) (int, error) {
	if hd.FirstFreeDir != InvalidDir {
		idx := int(hd.FirstFreeDir)
		d := readDir(body, idx)
		hd.FirstFreeDir = d.Offset // free chain repurposes Offset as free_next_dir
		return idx, nil
	}
	idx := int(hd.DirCount)
	needed := DirEntrySize
	if int(hd.Upper)-int(hd.Lower) < needed {
		return 0, errors.New("heap page has insufficient free space for a new directory slot")
	}
	hd.Upper -= uint16(DirEntrySize)
	hd.DirCount++
	return idx, nil
}

// Insert implements heap_insert, spec.md §4.7.1-§4.7.2.
func Insert(m *mtr.Mtr, h *buffer.Handle, trx *txn.Trx, sys StatusSource, spaces *pageio.SpaceManager, rseg *txn.Rseg, undoSpaceID uint32, row Row, sessionCID txn.SCN) (RowID, error) {
	body := h.Page().Body()
	hd := readHeader(body)
	pageID := h.PageID()

	rowSize := row.Size()
	if int(rowSize)+DirEntrySize > int(hd.Upper)-int(hd.Lower) {
		return RowID{}, errors.New("heap page has insufficient free space for this row")
	}

	itlID, err := AllocITL(m, h, trx, sys)
	if err != nil {
		return RowID{}, err
	}
	hd = readHeader(body) // AllocITL may have updated ItlCount

	dirIdx, err := allocDirSlot(body, &hd)
	if err != nil {
		return RowID{}, err
	}

	rollptr, err := undo.Write(m, spaces, rseg, trx, undoSpaceID, undo.PageTypeInsert, undo.RecHeapInsert, rowIDPayload(pageID, uint16(dirIdx)))
	if err != nil {
		return RowID{}, err
	}

	row.Slot = uint16(dirIdx)
	row.ITLID = itlID
	rowOff := hd.Lower
	buf := make([]byte, rowSize)
	row.Encode(buf)
	copy(body[rowOff:], buf)

	dirEntry := DirEntry{
		SCN:         sessionCID,
		RollSpaceID: rollptr.SpaceID,
		RollPageNo:  rollptr.PageNo,
		RollOffset:  rollptr.Offset,
		Offset:      rowOff,
		Flags:       0,
	}
	writeDir(body, dirIdx, dirEntry)

	hd.Lower += rowSize
	hd.FreeSize -= rowSize + uint16(DirEntrySize)
	hd.RowCount++
	writeHeader(body, hd)

	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapInsert,
		SpaceID: pageID.SpaceID,
		PageNo:  pageID.PageNo,
		Body:    appendHeaderSnapshot(heapRowRecordBody(uint16(dirIdx), dirEntry, buf), hd),
	})

	return RowID{SpaceID: pageID.SpaceID, PageNo: pageID.PageNo, Slot: uint16(dirIdx)}, nil
}

func rowIDPayload(id pageio.ID, slot uint16) []byte {
	return []byte{
		byte(id.SpaceID >> 24), byte(id.SpaceID >> 16), byte(id.SpaceID >> 8), byte(id.SpaceID),
		byte(id.PageNo >> 24), byte(id.PageNo >> 16), byte(id.PageNo >> 8), byte(id.PageNo),
		byte(slot >> 8), byte(slot),
	}
}

func decodeRowIDPayload(p []byte) RowID {
	spaceID := uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	pageNo := uint32(p[4])<<24 | uint32(p[5])<<16 | uint32(p[6])<<8 | uint32(p[7])
	slot := uint16(p[8])<<8 | uint16(p[9])
	return RowID{SpaceID: spaceID, PageNo: pageNo, Slot: slot}
}

// Delete implements heap_delete, spec.md §4.7.3.
func Delete(m *mtr.Mtr, h *buffer.Handle, trx *txn.Trx, sys StatusSource, spaces *pageio.SpaceManager, rseg *txn.Rseg, undoSpaceID uint32, rowID RowID, sessionCID txn.SCN) error {
	body := h.Page().Body()
	hd := readHeader(body)
	d := readDir(body, int(rowID.Slot))
	if d.IsFree() {
		return errkind.New(errkind.NotFound, rowID.Slot)
	}
	row := DecodeRow(body, d.Offset)
	priorItlID := row.ITLID

	itlID := row.ITLID
	if itlID == InvalidITL {
		var err error
		itlID, err = AllocITL(m, h, trx, sys)
		if err != nil {
			return err
		}
		hd = readHeader(body)
	}

	undoPayload := append(rowIDPayload(h.PageID(), rowID.Slot), dirEntryPayload(d)...)
	undoPayload = append(undoPayload, byte(priorItlID>>8), byte(priorItlID))
	rollptr, err := undo.Write(m, spaces, rseg, trx, undoSpaceID, undo.PageTypeUpdate, undo.RecHeapDelete, undoPayload)
	if err != nil {
		return err
	}

	it := readItl(body, int(itlID))
	it.FSC += row.Size()
	writeItl(body, int(itlID), it)

	d.SCN = sessionCID
	d.RollSpaceID, d.RollPageNo, d.RollOffset = rollptr.SpaceID, rollptr.PageNo, rollptr.Offset
	writeDir(body, int(rowID.Slot), d)

	row.Flags |= RowIsDeleted | RowIsChanged
	row.ITLID = itlID
	buf := make([]byte, row.Size())
	row.Encode(buf)
	copy(body[d.Offset:], buf)

	hd.RowCount--
	writeHeader(body, hd)

	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapDelete,
		SpaceID: h.PageID().SpaceID,
		PageNo:  h.PageID().PageNo,
		Body:    appendHeaderSnapshot(heapDeleteRecordBody(rowID.Slot, d, itlID), hd),
	})
	return nil
}

// heapRowRecordBody is the wire format shared by every redo record that
// installs or overwrites one row at a known directory slot: dir_slot(2)
// + the directory entry as it stands after the write + row_len(2) +
// the row's own encoded bytes. Recovery replays the opcode by writing
// row straight into the page at d.Offset and rewriting the directory
// slot, with no other page state to reconstruct.
func heapRowRecordBody(slot uint16, d DirEntry, row []byte) []byte {
	b := make([]byte, 2+dirEntryPayloadSize+2+len(row))
	b[0], b[1] = byte(slot>>8), byte(slot)
	copy(b[2:2+dirEntryPayloadSize], dirEntryPayload(d))
	off := 2 + dirEntryPayloadSize
	b[off], b[off+1] = byte(len(row)>>8), byte(len(row))
	copy(b[off+2:], row)
	return b
}

// decodeHeapRowRecordBody decodes one heapRowRecordBody entry and
// reports how many bytes it consumed, so callers that pack more than
// one entry into a single record body can decode them back to back.
func decodeHeapRowRecordBody(b []byte) (slot uint16, d DirEntry, row []byte, consumed int) {
	slot = uint16(b[0])<<8 | uint16(b[1])
	d = decodeDirEntryPayload(b[2 : 2+dirEntryPayloadSize])
	off := 2 + dirEntryPayloadSize
	rowLen := uint16(b[off])<<8 | uint16(b[off+1])
	row = b[off+2 : off+2+int(rowLen)]
	consumed = off + 2 + int(rowLen)
	return
}

// heapDeleteRecordBody is MLOG_HEAP_DELETE's body: dir_slot(2) + the
// post-delete directory entry (carries cid and the new rollptr) +
// itl_id(2). Recovery replays it by flipping the existing row's
// deleted/changed flags and itl_id in place; the row never moves, so
// its bytes don't need to travel with the record.
func heapDeleteRecordBody(slot uint16, d DirEntry, itlID uint16) []byte {
	b := make([]byte, 2+dirEntryPayloadSize+2)
	b[0], b[1] = byte(slot>>8), byte(slot)
	copy(b[2:2+dirEntryPayloadSize], dirEntryPayload(d))
	off := 2 + dirEntryPayloadSize
	b[off], b[off+1] = byte(itlID>>8), byte(itlID)
	return b
}

func decodeHeapDeleteRecordBody(b []byte) (slot uint16, d DirEntry, itlID uint16) {
	slot = uint16(b[0])<<8 | uint16(b[1])
	d = decodeDirEntryPayload(b[2 : 2+dirEntryPayloadSize])
	off := 2 + dirEntryPayloadSize
	itlID = uint16(b[off])<<8 | uint16(b[off+1])
	return
}

// dirEntryPayloadSize is the wire width of dirEntryPayload: scn(8) +
// roll_space_id(4) + roll_page_no(4) + roll_offset(2) + offset(2) +
// flags(1). The prior roll pointer must travel with the rest of the
// entry so fetchPreviousVersion can keep walking the chain past this
// delete's own undo record, per spec.md §4.6.4.
const dirEntryPayloadSize = 21

func dirEntryPayload(d DirEntry) []byte {
	return []byte{
		byte(d.SCN >> 56), byte(d.SCN >> 48), byte(d.SCN >> 40), byte(d.SCN >> 32),
		byte(d.SCN >> 24), byte(d.SCN >> 16), byte(d.SCN >> 8), byte(d.SCN),
		byte(d.RollSpaceID >> 24), byte(d.RollSpaceID >> 16), byte(d.RollSpaceID >> 8), byte(d.RollSpaceID),
		byte(d.RollPageNo >> 24), byte(d.RollPageNo >> 16), byte(d.RollPageNo >> 8), byte(d.RollPageNo),
		byte(d.RollOffset >> 8), byte(d.RollOffset),
		byte(d.Offset >> 8), byte(d.Offset), d.Flags,
	}
}

func decodeDirEntryPayload(p []byte) DirEntry {
	scn := uint64(p[0])<<56 | uint64(p[1])<<48 | uint64(p[2])<<40 | uint64(p[3])<<32 |
		uint64(p[4])<<24 | uint64(p[5])<<16 | uint64(p[6])<<8 | uint64(p[7])
	rollSpaceID := uint32(p[8])<<24 | uint32(p[9])<<16 | uint32(p[10])<<8 | uint32(p[11])
	rollPageNo := uint32(p[12])<<24 | uint32(p[13])<<16 | uint32(p[14])<<8 | uint32(p[15])
	rollOffset := uint16(p[16])<<8 | uint16(p[17])
	offset := uint16(p[18])<<8 | uint16(p[19])
	return DirEntry{
		SCN:         txn.SCN(scn),
		RollSpaceID: rollSpaceID,
		RollPageNo:  rollPageNo,
		RollOffset:  rollOffset,
		Offset:      offset,
		Flags:       p[20],
	}
}
