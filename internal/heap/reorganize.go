package heap

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
)

// heapMinRowSize is the smallest row footprint a forwarding stub can
// shrink to, spec.md §4.7.7: a migrate-source tombstone whose owning
// ITL is no longer active can be reclaimed down to just its fixed
// header plus the 6-byte forwarding payload.
const heapMinRowSize = rowFixedHeaderSize + 6

// Reorganize implements heap_reorganize, spec.md §4.7.7: compact a
// page by sweeping its rows from the start, dropping reclaimable
// deleted rows, shrinking stale migrate stubs to heapMinRowSize, and
// packing survivors back-to-back so hd.Lower again sits right after
// the last live row. Directory entries are rewritten in place to
// point at each row's new offset; slot indices never change, so no
// roll pointer anywhere else in the system needs to move.
func Reorganize(m *mtr.Mtr, h *buffer.Handle, sys StatusSource) error {
	body := h.Page().Body()
	hd := readHeader(body)

	type survivor struct {
		dirIdx int
		row    Row
	}
	survivors := make([]survivor, 0, hd.DirCount)
	var freed []int

	for i := 0; i < int(hd.DirCount); i++ {
		d := readDir(body, i)
		if d.IsFree() {
			continue
		}
		row := DecodeRow(body, d.Offset)

		if row.IsDeleted() && row.ITLID != InvalidITL {
			it := readItl(body, int(row.ITLID))
			if !it.IsActive() {
				status, _, err := sys.GetStatusByITL(it.TrxSlot.RsegID(), it.TrxSlot.Slot(), it.TrxSlot.Xnum())
				if err != nil {
					return err
				}
				if status == txn.StatusEnd {
					// The deleting trx is long gone and nothing can still
					// need this version's bytes; drop the slot entirely.
					d.Flags = DirIsFree
					d.Offset = hd.FirstFreeDir
					hd.FirstFreeDir = uint16(i)
					writeDir(body, i, d)
					freed = append(freed, i)
					continue
				}
			}
		}

		if row.IsMigrate() && row.ITLID != InvalidITL {
			it := readItl(body, int(row.ITLID))
			if !it.IsActive() && int(row.Size()) > heapMinRowSize {
				pageNo, slot := DecodeForwardingPayload(row.Payload)
				row = Row{
					Flags:   row.Flags,
					Slot:    row.Slot,
					ITLID:   row.ITLID,
					Payload: ForwardingPayload(pageNo, slot),
				}
			}
		}

		survivors = append(survivors, survivor{dirIdx: i, row: row})
	}

	off := uint16(HeaderSize)
	var entries []byte
	for _, sv := range survivors {
		buf := make([]byte, sv.row.Size())
		sv.row.Encode(buf)
		copy(body[off:], buf)

		d := readDir(body, sv.dirIdx)
		d.Offset = off
		writeDir(body, sv.dirIdx, d)
		entries = append(entries, heapRowRecordBody(uint16(sv.dirIdx), d, buf)...)

		off += sv.row.Size()
	}
	for _, i := range freed {
		entries = append(entries, heapRowRecordBody(uint16(i), readDir(body, i), nil)...)
	}

	hd.Lower = off
	hd.FreeSize = hd.Upper - hd.Lower
	writeHeader(body, hd)

	// The new layout isn't re-derivable from trx status alone (recovery
	// may replay this long after the transactions this reorganize
	// consulted have changed state), so the record carries every
	// touched slot's final directory entry and row bytes directly,
	// plus the header snapshot needed to restore Lower/FreeSize.
	m.WriteRecord(redo.Record{
		Type:    redo.OpPageReorganize,
		SpaceID: h.PageID().SpaceID,
		PageNo:  h.PageID().PageNo,
		Body:    appendHeaderSnapshot(entries, hd),
	})
	return nil
}
