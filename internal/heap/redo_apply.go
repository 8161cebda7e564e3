package heap

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

// ApplyRedo replays one heap-owned redo record during crash recovery
// (spec.md §4.9 step 2), re-executing the logged mutation directly
// against the page's current on-disk bytes. The caller has already
// decided the record is not a no-op against this page (the MTR-group
// endLSN vs. page LSN gate in recovery's gatedApply); ApplyRedo
// itself never re-checks LSNs, only replays.
func ApplyRedo(m *mtr.Mtr, rec redo.Record) error {
	id := pageio.ID{SpaceID: rec.SpaceID, PageNo: rec.PageNo}
	h, err := m.GetPage(id, buffer.LatchX)
	if err != nil {
		return err
	}
	body := h.Page().Body()
	if readHeader(body).Upper == 0 {
		// First touch since allocation: the page was never redo-logged
		// as formatted (heap.InitPage runs inline with CreatePage, spec.md
		// §4.7.1), so recovery has to format it before replaying.
		InitPage(h.Page(), rec.SpaceID, rec.PageNo)
		body = h.Page().Body()
	}

	switch rec.Type {
	case redo.OpHeapInsert, redo.OpHeapUpdate, redo.OpHeapUndoDelete:
		payload, hd := splitHeaderSnapshot(rec.Body)
		slot, d, row, _ := decodeHeapRowRecordBody(payload)
		writeDir(body, int(slot), d)
		copy(body[d.Offset:], row)
		writeHeader(body, hd)

	case redo.OpHeapDelete:
		payload, hd := splitHeaderSnapshot(rec.Body)
		slot, d, itlID := decodeHeapDeleteRecordBody(payload)
		writeDir(body, int(slot), d)
		row := DecodeRow(body, d.Offset)
		row.Flags |= RowIsDeleted | RowIsChanged
		row.ITLID = itlID
		buf := make([]byte, row.Size())
		row.Encode(buf)
		copy(body[d.Offset:], buf)
		writeHeader(body, hd)

	case redo.OpHeapUpdateFull:
		payload, hd := splitHeaderSnapshot(rec.Body)
		for len(payload) > 0 {
			slot, d, row, consumed := decodeHeapRowRecordBody(payload)
			writeDir(body, int(slot), d)
			copy(body[d.Offset:], row)
			payload = payload[consumed:]
		}
		writeHeader(body, hd)

	case redo.OpHeapUndoInsert:
		payload, hd := splitHeaderSnapshot(rec.Body)
		rowID := decodeRowIDPayload(payload)
		d := readDir(body, int(rowID.Slot))
		d.Flags = DirIsFree
		d.Offset = readHeader(body).FirstFreeDir
		writeDir(body, int(rowID.Slot), d)
		writeHeader(body, hd)

	case redo.OpHeapNewITL, redo.OpHeapReuseITL:
		payload, hd := splitHeaderSnapshot(rec.Body)
		idx, it := decodeItlRecordBody(payload)
		writeItl(body, int(idx), it)
		writeHeader(body, hd)

	case redo.OpHeapCleanITL:
		payload, hd := splitHeaderSnapshot(rec.Body)
		for len(payload) >= itlPayloadSize+2 {
			idx, it, _ := decodeCleanITLEntryPayload(payload[:itlPayloadSize+2])
			writeItl(body, int(idx), it)
			payload = payload[itlPayloadSize+2:]
		}
		writeHeader(body, hd)

	case redo.OpPageReorganize:
		payload, hd := splitHeaderSnapshot(rec.Body)
		for len(payload) > 0 {
			slot, d, row, consumed := decodeHeapRowRecordBody(payload)
			writeDir(body, int(slot), d)
			if len(row) > 0 {
				copy(body[d.Offset:], row)
			}
			payload = payload[consumed:]
		}
		writeHeader(body, hd)

	case redo.OpHeapNewDir, redo.OpHeapAllocDir, redo.OpHeapFreeDir:
		// Never emitted: directory growth/reclaim rides along inside the
		// row records above, each of which already carries the header
		// snapshot that captures DirCount/FirstFreeDir.
	}
	m.Touch(id)
	return nil
}
