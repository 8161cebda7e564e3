package heap

import (
	"github.com/pkg/errors"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/errkind"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
	"github.com/holystardb/cos/internal/undo"
)

// UpdateStrategy picks one of the three ways heap_update can satisfy
// a change in row size, spec.md §4.7.4.
type UpdateStrategy int

const (
	// UpdateInplace overwrites the row in place: the new encoding must
	// fit in the old row's footprint.
	UpdateInplace UpdateStrategy = iota
	// UpdateInpage allocates a fresh directory slot and row body on the
	// same page, retiring the old slot's row as a tombstone.
	UpdateInpage
	// UpdateMigrate moves the row to a different page entirely,
	// leaving a forwarding stub at the old slot.
	UpdateMigrate
)

// ChooseStrategy implements the size-driven decision of spec.md
// §4.7.4: prefer inplace, fall back to inpage if the page still has
// room for a second copy, otherwise migrate.
func ChooseStrategy(body []byte, oldRow Row, newSize uint16) UpdateStrategy {
	if newSize <= oldRow.Size() {
		return UpdateInplace
	}
	hd := readHeader(body)
	if int(newSize)+DirEntrySize <= int(hd.Upper)-int(hd.Lower) {
		return UpdateInpage
	}
	return UpdateMigrate
}

// oldRowImagePayload captures a row's undo-relevant column bytes for
// HEAP_UPDATE/_FULL: row-id, the directory entry as it stood before
// the update, the prior itl_id, and the row's own pre-image bytes so
// rollback can restore it verbatim.
func oldRowImagePayload(pageID pageio.ID, slot uint16, d DirEntry, priorItlID uint16, oldRowBytes []byte) []byte {
	p := append(rowIDPayload(pageID, slot), dirEntryPayload(d)...)
	p = append(p, byte(priorItlID>>8), byte(priorItlID))
	return append(p, oldRowBytes...)
}

// UpdateInplaceOp implements heap_update's inplace strategy, spec.md
// §4.7.4 case 1: the new row fits in the old row's byte footprint, so
// only the payload bytes move; the directory entry's rollptr and scn
// advance as an ordinary version bump.
func UpdateInplaceOp(m *mtr.Mtr, h *buffer.Handle, trx *txn.Trx, sys StatusSource, spaces *pageio.SpaceManager, rseg *txn.Rseg, undoSpaceID uint32, rowID RowID, newRow Row, sessionCID txn.SCN) error {
	body := h.Page().Body()
	hd := readHeader(body)
	d := readDir(body, int(rowID.Slot))
	if d.IsFree() {
		return errkind.New(errkind.NotFound, rowID.Slot)
	}
	oldRow := DecodeRow(body, d.Offset)
	oldBytes := make([]byte, oldRow.Size())
	oldRow.Encode(oldBytes)

	if newRow.Size() > oldRow.Size() {
		return errors.New("heap update: inplace strategy requires new row to fit the old footprint")
	}

	itlID := oldRow.ITLID
	var err error
	if itlID == InvalidITL {
		itlID, err = AllocITL(m, h, trx, sys)
		if err != nil {
			return err
		}
	}

	payload := oldRowImagePayload(h.PageID(), rowID.Slot, d, oldRow.ITLID, oldBytes)
	rollptr, err := undo.Write(m, spaces, rseg, trx, undoSpaceID, undo.PageTypeUpdate, undo.RecHeapUpdate, payload)
	if err != nil {
		return err
	}

	newRow.Slot = rowID.Slot
	newRow.ITLID = itlID
	buf := make([]byte, oldRow.Size())
	newRow.Encode(buf)
	copy(body[d.Offset:], buf)

	d.SCN = sessionCID
	d.RollSpaceID, d.RollPageNo, d.RollOffset = rollptr.SpaceID, rollptr.PageNo, rollptr.Offset
	writeDir(body, int(rowID.Slot), d)

	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapUpdate,
		SpaceID: h.PageID().SpaceID,
		PageNo:  h.PageID().PageNo,
		Body:    appendHeaderSnapshot(heapRowRecordBody(rowID.Slot, d, buf), hd),
	})
	return nil
}

// UpdateInpageOp implements heap_update's inpage strategy, spec.md
// §4.7.4 case 2: the new row no longer fits the old footprint but the
// page has room for a second copy. A fresh directory slot carries the
// new row; the old slot's row becomes a deleted, migrate-flagged
// tombstone that still anchors the version chain.
func UpdateInpageOp(m *mtr.Mtr, h *buffer.Handle, trx *txn.Trx, sys StatusSource, spaces *pageio.SpaceManager, rseg *txn.Rseg, undoSpaceID uint32, rowID RowID, newRow Row, sessionCID txn.SCN) (RowID, error) {
	body := h.Page().Body()
	hd := readHeader(body)
	d := readDir(body, int(rowID.Slot))
	if d.IsFree() {
		return RowID{}, errkind.New(errkind.NotFound, rowID.Slot)
	}
	oldRow := DecodeRow(body, d.Offset)
	oldBytes := make([]byte, oldRow.Size())
	oldRow.Encode(oldBytes)

	newSize := newRow.Size()
	if int(newSize)+DirEntrySize > int(hd.Upper)-int(hd.Lower) {
		return RowID{}, errors.New("heap update: inpage strategy requires room for a second row copy")
	}

	itlID, err := AllocITL(m, h, trx, sys)
	if err != nil {
		return RowID{}, err
	}
	hd = readHeader(body)

	newDirIdx, err := allocDirSlot(body, &hd)
	if err != nil {
		return RowID{}, err
	}

	payload := oldRowImagePayload(h.PageID(), rowID.Slot, d, oldRow.ITLID, oldBytes)
	oldRollptr, err := undo.Write(m, spaces, rseg, trx, undoSpaceID, undo.PageTypeUpdate, undo.RecHeapDelete, payload)
	if err != nil {
		return RowID{}, err
	}

	newRollptr, err := undo.Write(m, spaces, rseg, trx, undoSpaceID, undo.PageTypeUpdate, undo.RecHeapUpdateFull, rowIDPayload(h.PageID(), uint16(newDirIdx)))
	if err != nil {
		return RowID{}, err
	}

	newRow.Slot = uint16(newDirIdx)
	newRow.ITLID = itlID
	newOff := hd.Lower
	buf := make([]byte, newSize)
	newRow.Encode(buf)
	copy(body[newOff:], buf)

	writeDir(body, newDirIdx, DirEntry{
		SCN:         sessionCID,
		RollSpaceID: newRollptr.SpaceID,
		RollPageNo:  newRollptr.PageNo,
		RollOffset:  newRollptr.Offset,
		Offset:      newOff,
	})
	hd.Lower += newSize
	hd.FreeSize -= newSize + uint16(DirEntrySize)
	hd.RowCount++

	oldRow.Flags |= RowIsDeleted | RowIsMigrate | RowIsChanged
	oldBuf := make([]byte, oldRow.Size())
	oldRow.Encode(oldBuf)
	copy(body[d.Offset:], oldBuf)

	d.SCN = sessionCID
	d.RollSpaceID, d.RollPageNo, d.RollOffset = oldRollptr.SpaceID, oldRollptr.PageNo, oldRollptr.Offset
	writeDir(body, int(rowID.Slot), d)
	hd.RowCount--
	writeHeader(body, hd)

	// Both the tombstoned old slot and the freshly allocated new slot
	// live on this same page, so one record carries both halves —
	// recovery needs the old slot's mutation too, not just the new row.
	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapUpdateFull,
		SpaceID: h.PageID().SpaceID,
		PageNo:  h.PageID().PageNo,
		Body:    appendHeaderSnapshot(append(heapRowRecordBody(rowID.Slot, d, oldBuf), heapRowRecordBody(uint16(newDirIdx), readDir(body, newDirIdx), buf)...), hd),
	})

	return RowID{SpaceID: h.PageID().SpaceID, PageNo: h.PageID().PageNo, Slot: uint16(newDirIdx)}, nil
}

// UpdateMigrateOp implements heap_update's migrate strategy, spec.md
// §4.7.4 case 3: the row moves to target, a different page (typically
// chosen by the caller's free-space search); the source slot keeps a
// HEAP_MIN_ROW_SIZE forwarding stub so existing roll pointers and
// cursors can still find the row's new home.
func UpdateMigrateOp(m *mtr.Mtr, src *buffer.Handle, target *buffer.Handle, trx *txn.Trx, sys StatusSource, spaces *pageio.SpaceManager, rseg *txn.Rseg, undoSpaceID uint32, rowID RowID, newRow Row, sessionCID txn.SCN) (RowID, error) {
	srcBody := src.Page().Body()
	d := readDir(srcBody, int(rowID.Slot))
	if d.IsFree() {
		return RowID{}, errkind.New(errkind.NotFound, rowID.Slot)
	}
	oldRow := DecodeRow(srcBody, d.Offset)
	oldBytes := make([]byte, oldRow.Size())
	oldRow.Encode(oldBytes)

	targetItl, err := AllocITL(m, target, trx, sys)
	if err != nil {
		return RowID{}, err
	}
	targetBody := target.Page().Body()
	targetHd := readHeader(targetBody)
	newSize := newRow.Size()
	if int(newSize)+DirEntrySize > int(targetHd.Upper)-int(targetHd.Lower) {
		return RowID{}, errors.New("heap update: migrate target page has insufficient free space")
	}
	targetDirIdx, err := allocDirSlot(targetBody, &targetHd)
	if err != nil {
		return RowID{}, err
	}

	payload := oldRowImagePayload(src.PageID(), rowID.Slot, d, oldRow.ITLID, oldBytes)
	oldRollptr, err := undo.Write(m, spaces, rseg, trx, undoSpaceID, undo.PageTypeUpdate, undo.RecHeapDelete, payload)
	if err != nil {
		return RowID{}, err
	}
	newRollptr, err := undo.Write(m, spaces, rseg, trx, undoSpaceID, undo.PageTypeUpdate, undo.RecHeapUpdateFull, rowIDPayload(target.PageID(), uint16(targetDirIdx)))
	if err != nil {
		return RowID{}, err
	}

	newRow.Slot = uint16(targetDirIdx)
	newRow.ITLID = targetItl
	targetOff := targetHd.Lower
	buf := make([]byte, newSize)
	newRow.Encode(buf)
	copy(targetBody[targetOff:], buf)

	writeDir(targetBody, targetDirIdx, DirEntry{
		SCN:         sessionCID,
		RollSpaceID: newRollptr.SpaceID,
		RollPageNo:  newRollptr.PageNo,
		RollOffset:  newRollptr.Offset,
		Offset:      targetOff,
	})
	targetHd.Lower += newSize
	targetHd.FreeSize -= newSize + uint16(DirEntrySize)
	targetHd.RowCount++
	writeHeader(targetBody, targetHd)

	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapUpdateFull,
		SpaceID: target.PageID().SpaceID,
		PageNo:  target.PageID().PageNo,
		Body:    appendHeaderSnapshot(heapRowRecordBody(uint16(targetDirIdx), readDir(targetBody, targetDirIdx), buf), targetHd),
	})

	stub := Row{
		Flags:   RowIsDeleted | RowIsMigrate | RowIsChanged,
		Slot:    rowID.Slot,
		ITLID:   oldRow.ITLID,
		Payload: ForwardingPayload(target.PageID().PageNo, uint16(targetDirIdx)),
	}
	stubBuf := make([]byte, stub.Size())
	stub.Encode(stubBuf)
	if stub.Size() > oldRow.Size() {
		return RowID{}, errors.New("heap update: forwarding stub unexpectedly larger than the row it replaces")
	}
	copy(srcBody[d.Offset:], stubBuf)

	d.SCN = sessionCID
	d.RollSpaceID, d.RollPageNo, d.RollOffset = oldRollptr.SpaceID, oldRollptr.PageNo, oldRollptr.Offset
	writeDir(srcBody, int(rowID.Slot), d)

	srcHd := readHeader(srcBody)
	srcHd.RowCount--
	writeHeader(srcBody, srcHd)

	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapUpdate,
		SpaceID: src.PageID().SpaceID,
		PageNo:  src.PageID().PageNo,
		Body:    appendHeaderSnapshot(heapRowRecordBody(rowID.Slot, d, stubBuf), srcHd),
	})

	return RowID{SpaceID: target.PageID().SpaceID, PageNo: target.PageID().PageNo, Slot: uint16(targetDirIdx)}, nil
}
