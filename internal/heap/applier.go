package heap

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/undo"
)

// UndoApplier satisfies undo.Applier, restoring heap page state from
// one undo record during rollback (spec.md §4.6.3). It has no state
// of its own: every record carries its own target row-id, so pages
// are fetched fresh through the mini-transaction rollback is already
// running inside.
type UndoApplier struct{}

func (UndoApplier) ApplyUndo(m *mtr.Mtr, rec undo.Record) error {
	switch rec.Type {
	case undo.RecHeapInsert, undo.RecHeapUpdateFull:
		rowID := decodeRowIDPayload(rec.Payload[:10])
		return revertRowCreation(m, rowID)
	case undo.RecHeapDelete:
		return restorePriorVersion(m, rec.Payload, nil)
	case undo.RecHeapUpdate:
		dirEnd := 10 + dirEntryPayloadSize + 2
		return restorePriorVersion(m, rec.Payload[:dirEnd], rec.Payload[dirEnd:])
	}
	return nil
}

// revertRowCreation undoes a row that was newly created by this
// transaction (a plain insert, or the new-slot half of an inpage or
// migrate update): the slot returns to the free directory chain.
func revertRowCreation(m *mtr.Mtr, rowID RowID) error {
	id := pageio.ID{SpaceID: rowID.SpaceID, PageNo: rowID.PageNo}
	h, err := m.GetPage(id, buffer.LatchX)
	if err != nil {
		return err
	}
	body := h.Page().Body()
	hd := readHeader(body)
	d := readDir(body, int(rowID.Slot))
	if d.IsFree() {
		return nil
	}
	row := DecodeRow(body, d.Offset)
	if !row.IsDeleted() {
		hd.RowCount--
	}
	d.Flags = DirIsFree
	d.Offset = hd.FirstFreeDir
	hd.FirstFreeDir = uint16(rowID.Slot)
	writeDir(body, int(rowID.Slot), d)
	writeHeader(body, hd)

	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapUndoInsert,
		SpaceID: id.SpaceID,
		PageNo:  id.PageNo,
		Body:    appendHeaderSnapshot(rowIDPayload(id, rowID.Slot), hd),
	})
	return nil
}

// restorePriorVersion undoes a delete or an inplace update: the
// directory entry and the row's itl_id revert to what they were
// before the change. When oldRowBytes is non-nil (HEAP_UPDATE) the
// row's full prior encoding replaces the current one; otherwise
// (HEAP_DELETE) only the delete-related flags are cleared.
func restorePriorVersion(m *mtr.Mtr, payload []byte, oldRowBytes []byte) error {
	rowID := decodeRowIDPayload(payload[:10])
	priorDir := decodeDirEntryPayload(payload[10 : 10+dirEntryPayloadSize])
	itlOff := 10 + dirEntryPayloadSize
	priorItlID := uint16(payload[itlOff])<<8 | uint16(payload[itlOff+1])

	id := pageio.ID{SpaceID: rowID.SpaceID, PageNo: rowID.PageNo}
	h, err := m.GetPage(id, buffer.LatchX)
	if err != nil {
		return err
	}
	body := h.Page().Body()

	var restored []byte
	if oldRowBytes != nil {
		restored = oldRowBytes
		copy(body[priorDir.Offset:], restored)
	} else {
		row := DecodeRow(body, priorDir.Offset)
		row.Flags &^= RowIsDeleted | RowIsChanged | RowIsMigrate
		row.ITLID = priorItlID
		restored = make([]byte, row.Size())
		row.Encode(restored)
		copy(body[priorDir.Offset:], restored)
	}
	writeDir(body, int(rowID.Slot), priorDir)

	hd := readHeader(body)
	if oldRowBytes == nil {
		hd.RowCount++
	}
	writeHeader(body, hd)

	m.WriteRecord(redo.Record{
		Type:    redo.OpHeapUndoDelete,
		SpaceID: id.SpaceID,
		PageNo:  id.PageNo,
		Body:    appendHeaderSnapshot(heapRowRecordBody(rowID.Slot, priorDir, restored), hd),
	})
	return nil
}
