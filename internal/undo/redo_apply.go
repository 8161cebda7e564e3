package undo

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

// ApplyRedo replays one undo-owned redo record during crash recovery
// (spec.md §4.9 step 2): page formatting and record append, the two
// page-level mutations trx_undo_prepare/trx_undo_write_log_rec can
// produce.
func ApplyRedo(m *mtr.Mtr, rec redo.Record) error {
	id := pageio.ID{SpaceID: rec.SpaceID, PageNo: rec.PageNo}

	switch rec.Type {
	case OpUndoPageInit:
		h, err := m.GetPage(id, buffer.LatchX)
		if err != nil {
			return err
		}
		InitPage(h.Page(), rec.SpaceID, rec.PageNo, PageType(rec.Body[0]))

	case OpUndoLogInsert:
		h, err := m.GetPage(id, buffer.LatchX)
		if err != nil {
			return err
		}
		ApplyLogInsertBody(h.Page().Body(), rec.Body)

	case OpUndoPageReuse, OpUndoLogHdrCreate:
		// Never emitted: chain-head reuse and log-header writes ride
		// along inside OpUndoPageInit/OpUndoLogInsert's bodies above.
	}
	m.Touch(id)
	return nil
}

// redo-opcode aliases so callers outside this package (internal/recovery)
// never need to import internal/redo just to name undo's own opcodes.
const (
	OpUndoPageInit     = redo.OpUndoPageInit
	OpUndoPageReuse    = redo.OpUndoPageReuse
	OpUndoLogHdrCreate = redo.OpUndoLogHdrCreate
	OpUndoLogInsert    = redo.OpUndoLogInsert
)
