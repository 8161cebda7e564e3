// Package recovery implements crash recovery, spec.md §4.9: restore
// torn pages staged by the double-write buffer, replay the redo log
// physiologically from its start, then roll back every transaction
// slot found not already ended.
package recovery

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/checkpoint"
	"github.com/holystardb/cos/internal/heap"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
	"github.com/holystardb/cos/internal/undo"
)

// Result reports what one recovery pass found, for the caller to log
// and for tests to assert against.
type Result struct {
	EndLSN         redo.LSN
	HasCheckpoint  bool
	CheckpointNo   uint64
	GroupsApplied  int
	RecordsApplied int
	TrxRolledBack  int
}

// ReplayLog implements spec.md §4.9 steps 1-2: restore torn pages
// staged by the double-write buffer, pick the best checkpoint record,
// then walk the redo log forward from its start replaying every
// complete MTR group against the pages it targets. dblwr may be nil
// for a brand-new database that has no staging file yet.
//
// This must run before a txn.Sys exists for the rseg layout recovery
// will drive its rollback sweep over — a fresh redo.Log can only be
// known once the log scan itself has finished, and txn.OpenSys needs
// that Log. Open calls ReplayLog first, builds/opens Sys against the
// Log it returns, and only then calls RollbackUnfinished.
//
// The returned *redo.Log is positioned at the LSN one past the last
// byte physically found on disk (not just past the last complete MTR
// group — a trailing partial MTR still occupies real blocks that must
// not be overwritten), ready for normal operation to append to. The
// caller still owns calling Close on group.
func ReplayLog(pool *buffer.Pool, group *redo.Group, spaces *pageio.SpaceManager, dblwr *checkpoint.DoubleWriteBuffer) (*redo.Log, Result, error) {
	if dblwr != nil {
		if err := dblwr.Recover(spaces); err != nil {
			return nil, Result{}, err
		}
	}

	cp, hasCheckpoint := redo.ReadBestCheckpoint(group)

	stream, blocksRead, err := readLogStream(group)
	if err != nil {
		return nil, Result{}, err
	}
	groups, endOffset := decodeMTRGroups(stream)

	// New writes must resume past every byte already physically on
	// disk, not just past the last complete MTR group: a trailing
	// partial MTR (cut short mid-flush) still occupies real, valid
	// blocks that recovery leaves unapplied but must not let a future
	// append collide with.
	group.SetWritePosition(blocksRead)
	log := redo.New(group, redo.LSN(len(stream)))
	if hasCheckpoint {
		log.SetCheckpointNo(cp.CheckpointNo)
	}

	records := 0
	for _, g := range groups {
		if err := applyGroup(pool, log, g); err != nil {
			return nil, Result{}, err
		}
		records += len(g.records)
	}

	res := Result{
		EndLSN:         redo.LSN(endOffset),
		HasCheckpoint:  hasCheckpoint,
		GroupsApplied:  len(groups),
		RecordsApplied: records,
	}
	if hasCheckpoint {
		res.CheckpointNo = cp.CheckpointNo
	}
	return log, res, nil
}

// readLogStream concatenates every block's live bytes starting at
// block 0, stopping at the first block that fails its checksum (an
// unwritten or torn tail block — the log's current end) or once the
// group's whole circular capacity has been read once, whichever comes
// first. blocksRead is the count of valid blocks found, the position
// new writes must resume from.
func readLogStream(group *redo.Group) (stream []byte, blocksRead uint64, err error) {
	capacity := group.CapacityBlocks()
	for pos := uint64(0); pos < capacity; pos++ {
		blk, ok, err := group.ReadBlock(pos)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		stream = append(stream, blk.Body[:blk.DataLen]...)
		blocksRead++
	}
	return stream, blocksRead, nil
}

// mtrGroup is one mini-transaction's contiguous record run, bounded by
// an OpMTREnd marker, together with the LSN one past that marker —
// exactly the endLSN mtr.Mtr.Commit produced when this group was
// first written (spec.md §4.3).
type mtrGroup struct {
	records []redo.Record
	endLSN  redo.LSN
}

// decodeMTRGroups walks stream decoding complete records, closing a
// group whenever it hits OpMTREnd. A trailing run of records with no
// terminating OpMTREnd (a flush that was cut short mid-MTR) is
// discarded entirely, never partially applied — endOffset reports the
// byte position right after the last complete group, which is where
// the rebuilt Log's LSN counters should resume from.
func decodeMTRGroups(stream []byte) (groups []mtrGroup, endOffset int) {
	var cur []redo.Record
	pos := 0
	for pos < len(stream) {
		rec, n, ok := redo.Decode(stream[pos:])
		if !ok {
			break
		}
		pos += n
		if rec.Type == redo.OpMTREnd {
			groups = append(groups, mtrGroup{records: cur, endLSN: redo.LSN(pos)})
			cur = nil
			endOffset = pos
			continue
		}
		cur = append(cur, rec)
	}
	return groups, endOffset
}

// applyGroup replays every record in g against the pages it targets,
// gated per page by comparing g.endLSN against that page's on-disk
// PageLSN (spec.md §4.9 step 2 / §6.2): a page already stamped at or
// past g.endLSN already reflects this group's mutation (it was
// flushed before the crash) and is left untouched.
func applyGroup(pool *buffer.Pool, log *redo.Log, g mtrGroup) error {
	m := mtr.Start(pool, log)
	for _, rec := range g.records {
		if err := applyRecord(m, rec, g.endLSN); err != nil {
			m.Rollback()
			return err
		}
	}
	m.CommitRecovered(g.endLSN)
	return nil
}

func applyRecord(m *mtr.Mtr, rec redo.Record, endLSN redo.LSN) error {
	switch {
	case rec.Type >= redo.OpHeapInsert && rec.Type <= redo.OpHeapUndoDelete:
		return gatedApply(m, rec, endLSN, heap.ApplyRedo)
	case rec.Type >= redo.OpUndoPageInit && rec.Type <= redo.OpUndoLogInsert:
		return gatedApply(m, rec, endLSN, undo.ApplyRedo)
	case rec.Type >= redo.OpTrxRsegSlotBegin && rec.Type <= redo.OpTrxRsegPageInit:
		return gatedApply(m, rec, endLSN, txn.ApplyRedo)
	default:
		// OpWrite1Byte..OpWriteString, OpCheckpoint, OpMTREnd: none of
		// these are ever emitted into the log stream itself (checkpoints
		// live in the group's separate reserved slots, not as records;
		// OpMTREnd is consumed by decodeMTRGroups before reaching here).
		return nil
	}
}

// gatedApply fetches rec's target page (creating a zero page in the
// pool if it was never durably written at all — a page only ever
// dirtied in memory before the crash), skips replay if the page
// already carries an LSN at or past this group's endLSN, and
// otherwise hands off to apply.
func gatedApply(m *mtr.Mtr, rec redo.Record, endLSN redo.LSN, apply func(*mtr.Mtr, redo.Record) error) error {
	id := pageio.ID{SpaceID: rec.SpaceID, PageNo: rec.PageNo}
	h, err := m.GetPage(id, buffer.LatchX)
	if err != nil {
		h, err = m.CreatePage(id, buffer.LatchX)
		if err != nil {
			return err
		}
	}
	if h.Page().ReadHeader().PageLSN >= uint64(endLSN) {
		return nil
	}
	return apply(m, rec)
}

// RollbackUnfinished implements spec.md §4.9 steps 3-4: scan every
// transaction slot, and for every one not already END, replay its
// insert and update undo chains through heap.UndoApplier and drive it
// to END the same way a live trx_rollback would. The free-slot lists
// are rebuilt last, from the pre-rollback scan, so a slot already END
// before recovery is added here exactly once and a slot this sweep
// itself ends is added once by its own PrepareRollback/Commit instead.
//
// sys must already be open against log (the one ReplayLog returned) —
// callers build it from the control file's persisted rseg layout after
// ReplayLog finishes, since txn.OpenSys itself needs that Log.
func RollbackUnfinished(pool *buffer.Pool, log *redo.Log, sys *txn.Sys) (int, error) {
	sm := mtr.Start(pool, log)
	infos, err := sys.ScanSlots(sm)
	sm.Rollback()
	if err != nil {
		return 0, err
	}

	rolledBack := 0
	for _, info := range infos {
		if info.Slot.Status == txn.StatusEnd {
			continue
		}

		trx := sys.ResumeTrx(info)
		spaceID := sys.Rseg(info.ID.RsegID()).SpaceID

		rm := mtr.Start(pool, log)
		if err := undo.RollbackChain(rm, spaceID, trx.InsertUndoPageNo, heap.UndoApplier{}); err != nil {
			rm.Rollback()
			return rolledBack, err
		}
		if err := undo.RollbackChain(rm, spaceID, trx.UpdateUndoPageNo, heap.UndoApplier{}); err != nil {
			rm.Rollback()
			return rolledBack, err
		}
		rm.Commit()

		if _, err := trx.PrepareRollback(); err != nil {
			return rolledBack, err
		}
		rolledBack++
	}

	sys.RebuildFreeLists(infos)
	return rolledBack, nil
}
