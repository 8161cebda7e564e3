package txn

import (
	"go.uber.org/atomic"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

// UndoCacheCapacity bounds how many freed undo pages a rseg keeps in
// its insert/update caches before spilling to the tablespace
// free-space map (spec.md §4.5 trx_commit step 4).
const UndoCacheCapacity = 32

// Sys is trx_sys: the in-memory rollback-segment array plus the SCN
// generator, spec.md §4.5.
type Sys struct {
	pool    *buffer.Pool
	log     *redo.Log
	spaceID uint32

	rsegs   []*Rseg
	rrIndex atomic.Uint32
	scnGen  *scnGenerator
}

// CreateSys implements trx_sys_create(rseg_count): formats
// rsegCount rollback segments, each owning SlotPageCountPerRseg fresh
// residency-pinned slot pages, all slots initially END and free.
func CreateSys(pool *buffer.Pool, log *redo.Log, spaceManager *pageio.SpaceManager, spaceID uint32, rsegCount int) (*Sys, error) {
	space, ok := spaceManager.Get(spaceID)
	if !ok {
		var err error
		space, err = spaceManager.GetOrCreate(spaceID, "trxsys.dat")
		if err != nil {
			return nil, err
		}
	}

	slotsPerPage := pageio.BodySize / SlotRecordSize

	s := &Sys{pool: pool, log: log, spaceID: spaceID, scnGen: newSCNGenerator()}
	for rsegID := 0; rsegID < rsegCount; rsegID++ {
		rseg := &Rseg{ID: uint8(rsegID), SpaceID: spaceID, SlotsPerPage: slotsPerPage}

		for p := 0; p < SlotPageCountPerRseg; p++ {
			pageNo := space.AllocPage()
			rseg.SlotPageNos = append(rseg.SlotPageNos, pageNo)

			m := mtr.Start(pool, log)
			id := pageio.ID{SpaceID: spaceID, PageNo: pageNo}
			h, err := m.CreatePage(id, buffer.LatchX)
			if err != nil {
				m.Rollback()
				return nil, err
			}
			h.Page().WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeTrxSlot, SpaceID: spaceID, PageNo: pageNo})
			body := h.Page().Body()
			zero := make([]byte, SlotRecordSize)
			for i := 0; i < slotsPerPage; i++ {
				copy(body[SlotOffset(i):SlotOffset(i)+SlotRecordSize], zero)
				m.WriteRecord(redo.Record{
					Type:    redo.OpTrxRsegPageInit,
					SpaceID: spaceID,
					PageNo:  pageNo,
					Body:    rsegPageInitBody(uint16(i)),
				})
			}
			m.Commit()

			for i := 0; i < slotsPerPage; i++ {
				slotGlobalIdx := p*slotsPerPage + i
				rseg.freeSlots = append(rseg.freeSlots, NewID(uint8(rsegID), uint16(slotGlobalIdx), 0))
			}
		}
		s.rsegs = append(s.rsegs, rseg)
	}
	return s, nil
}

// OpenSys reconstructs Sys over rollback segments that were already
// formatted by a prior CreateSys, using the page layout persisted in
// the control file (pageio.ControlFile.RsegSlotPages), spec.md §6.1 /
// §4.9: unlike CreateSys this never writes to the slot pages
// themselves, so it is safe to call on every engine startup.
func OpenSys(pool *buffer.Pool, log *redo.Log, spaceID uint32, rsegSlotPages [][]uint32) *Sys {
	slotsPerPage := pageio.BodySize / SlotRecordSize
	s := &Sys{pool: pool, log: log, spaceID: spaceID, scnGen: newSCNGenerator()}
	for rsegID, pages := range rsegSlotPages {
		s.rsegs = append(s.rsegs, &Rseg{
			ID:           uint8(rsegID),
			SpaceID:      spaceID,
			SlotPageNos:  pages,
			SlotsPerPage: slotsPerPage,
		})
	}
	return s
}

// RsegSlotPages reports the on-disk slot-page layout of every rseg,
// for the caller to persist into the control file once, right after
// CreateSys formats it.
func (s *Sys) RsegSlotPages() [][]uint32 {
	out := make([][]uint32, len(s.rsegs))
	for i, r := range s.rsegs {
		out[i] = r.SlotPageNos
	}
	return out
}

// RebuildFreeLists repopulates every rseg's in-memory free-slot list
// from a slot scan, spec.md §4.9 step 4's conclusion: every slot the
// given scan found STATUS_END is pushed and so is available to a
// future trx_begin. Recovery passes its pre-rollback scan, so a slot
// its rollback sweep ends is not pushed here; that slot's own Commit
// pushes it.
func (s *Sys) RebuildFreeLists(infos []SlotInfo) {
	for _, info := range infos {
		if info.Slot.Status != StatusEnd {
			continue
		}
		s.rsegs[info.ID.RsegID()].pushFreeSlot(info.ID)
	}
}

func (s *Sys) Rseg(id uint8) *Rseg { return s.rsegs[id] }

// Rsegs exposes the full rseg array, for recovery to scan every slot
// page at startup (spec.md §4.9 step 3: "for every slot not in END
// status, build a Trx descriptor and roll it back").
func (s *Sys) Rsegs() []*Rseg { return s.rsegs }

// SlotInfo is one persistent transaction-slot record together with the
// ID recovery needs to resume or roll back its owner.
type SlotInfo struct {
	ID   ID
	Slot Slot
}

// ScanSlots reads every slot record across every rseg's pinned slot
// pages, for recovery's non-END sweep. It does not mutate anything.
func (s *Sys) ScanSlots(m *mtr.Mtr) ([]SlotInfo, error) {
	var out []SlotInfo
	for _, rseg := range s.rsegs {
		total := len(rseg.SlotPageNos) * rseg.SlotsPerPage
		for i := 0; i < total; i++ {
			pageID, offset, err := rseg.slotPageID(i)
			if err != nil {
				return nil, err
			}
			h, err := m.GetResidentPage(pageID, buffer.LatchS)
			if err != nil {
				return nil, err
			}
			body := h.Page().Body()
			slot := DecodeSlot(body[SlotOffset(offset) : SlotOffset(offset)+SlotRecordSize])
			out = append(out, SlotInfo{ID: NewID(rseg.ID, uint16(i), slot.Xnum), Slot: slot})
		}
	}
	return out, nil
}

// ResumeTrx rebuilds an in-memory Trx descriptor for a slot recovery
// found still BEGIN (or an unresolved XA state folded to BEGIN for
// this core's minimal scope), so PrepareRollback can drive it through
// the normal commit-shaped slot-end path once its undo chains have
// been applied.
func (s *Sys) ResumeTrx(info SlotInfo) *Trx {
	rseg := s.rsegs[info.ID.RsegID()]
	return &Trx{
		sys:              s,
		rseg:             rseg,
		ID:               info.ID,
		Status:           info.Slot.Status,
		InsertUndoPageNo: info.Slot.InsertUndoPageNo,
		UpdateUndoPageNo: info.Slot.UpdateUndoPageNo,
	}
}

// nextRseg round-robins the starting rseg index for trx_begin, spec.md
// §4.5 step 1.
func (s *Sys) nextRseg() *Rseg {
	n := uint32(len(s.rsegs))
	i := s.rrIndex.Add(1) % n
	return s.rsegs[i]
}

func (s *Sys) readSlot(m *mtr.Mtr, rseg *Rseg, id ID) (Slot, *buffer.Handle, int, error) {
	pageID, offset, err := rseg.slotPageID(int(id.Slot()))
	if err != nil {
		return Slot{}, nil, 0, err
	}
	h, err := m.GetResidentPage(pageID, buffer.LatchX)
	if err != nil {
		return Slot{}, nil, 0, err
	}
	buf := h.Page().Body()[SlotOffset(offset) : SlotOffset(offset)+SlotRecordSize]
	return DecodeSlot(buf), h, offset, nil
}

// GetStatusByITL implements trx_get_status_by_itl, spec.md §4.5: if
// the slot's current xnum still matches the ITL's recorded xnum, the
// ITL's owner is still (or again) live and we return the slot's
// current status; otherwise the slot has been reused and the owning
// transaction is implicitly END, with the SCN the slot last recorded.
func (s *Sys) GetStatusByITL(rsegID uint8, slot uint16, itlXnum uint64) (Status, SCN, error) {
	rseg := s.rsegs[rsegID]
	m := mtr.Start(s.pool, s.log)
	id := NewID(rsegID, slot, itlXnum)
	rec, h, _, err := s.readSlot(m, rseg, id)
	if err != nil {
		m.Rollback()
		return 0, 0, err
	}
	_ = h
	m.Rollback()

	if rec.Xnum == itlXnum {
		return rec.Status, rec.SCN, nil
	}
	return StatusEnd, rec.SCN, nil
}
