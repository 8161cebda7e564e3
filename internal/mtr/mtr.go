// Package mtr implements the mini-transaction of spec.md §4.3: a
// scoped unit bundling page latches with a contiguous group of redo
// records, committed atomically to the shared log buffer.
package mtr

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

type memoEntry struct {
	handle  *buffer.Handle
	touched bool // this MTR wrote at least one redo record against this page
}

// Mtr is one mini-transaction: the memo (latches held, in acquisition
// order) and the log (bytes to append), per spec.md §4.3.
type Mtr struct {
	pool *buffer.Pool
	log  *redo.Log

	memo     []*memoEntry
	byPageID map[pageio.ID]*memoEntry
	logBytes []byte

	started bool
	// startLSN/endLSN are filled in by Commit and are useful to the
	// caller (e.g. txn.Commit reads EndLSN to drive log_write_up_to).
	StartLSN, EndLSN redo.LSN
}

// Start begins a new mini-transaction against pool, logging through
// log.
func Start(pool *buffer.Pool, log *redo.Log) *Mtr {
	return &Mtr{
		pool:     pool,
		log:      log,
		byPageID: make(map[pageio.ID]*memoEntry),
		started:  true,
	}
}

// GetPage pins and latches a page, registering it in the memo. Latch
// mode must be held for the mini-transaction's whole duration per
// spec.md §4.3 ("Page latches MUST be held in X mode for the whole
// duration an MTR touches a page").
func (m *Mtr) GetPage(id pageio.ID, mode buffer.LatchMode) (*buffer.Handle, error) {
	if e, ok := m.byPageID[id]; ok {
		return e.handle, nil
	}
	h, err := m.pool.Get(id, mode)
	if err != nil {
		return nil, err
	}
	m.register(id, h)
	return h, nil
}

// GetResidentPage is GetPage with the RESIDENT fetch mode: the page
// is pinned permanently in the pool once fetched (spec.md §4.2),
// matching transaction-slot pages.
func (m *Mtr) GetResidentPage(id pageio.ID, mode buffer.LatchMode) (*buffer.Handle, error) {
	if e, ok := m.byPageID[id]; ok {
		return e.handle, nil
	}
	h, err := m.pool.GetResident(id, mode)
	if err != nil {
		return nil, err
	}
	m.register(id, h)
	return h, nil
}

// CreatePage allocates and latches a fresh page (buf_page_create).
func (m *Mtr) CreatePage(id pageio.ID, mode buffer.LatchMode) (*buffer.Handle, error) {
	h, err := m.pool.Create(id, mode)
	if err != nil {
		return nil, err
	}
	m.register(id, h)
	return h, nil
}

func (m *Mtr) register(id pageio.ID, h *buffer.Handle) {
	e := &memoEntry{handle: h}
	m.memo = append(m.memo, e)
	m.byPageID[id] = e
}

// WriteRecord appends a typed redo record to the MTR's log and marks
// its target page dirty-pending (mlog_write_uint32/... family of
// spec.md §4.3). The caller must have already mutated the page bytes
// in memory — this only records the fact for the redo stream.
func (m *Mtr) WriteRecord(rec redo.Record) {
	m.logBytes = append(m.logBytes, rec.Encode()...)
	if e, ok := m.byPageID[pageio.ID{SpaceID: rec.SpaceID, PageNo: rec.PageNo}]; ok {
		e.touched = true
	}
}

// WriteSystemRecord appends a page-less redo record (e.g. trx slot
// begin/end carry their own block variants but some callers log a
// system-wide fact with no single page, per spec.md §6.3).
func (m *Mtr) WriteSystemRecord(opcode redo.OpCode, body []byte) {
	m.logBytes = append(m.logBytes, redo.Record{Type: opcode, Body: body}.Encode()...)
}

// HasLog reports whether this MTR produced any redo bytes yet.
func (m *Mtr) HasLog() bool { return len(m.logBytes) > 0 }

// Commit implements mtr_commit, spec.md §4.3:
//  1. If the MTR produced log bytes, append them as one contiguous
//     group (plus an end marker) to the log buffer under the log-sys
//     mutex, obtaining [start_lsn, end_lsn).
//  2. Walk the memo releasing latches in reverse of acquisition order,
//     marking every page this MTR actually wrote to as dirty with
//     recovery_lsn=start_lsn, newest_modification_lsn=end_lsn, and
//     stamping the in-memory page's LSN to end_lsn.
func (m *Mtr) Commit() (startLSN, endLSN redo.LSN) {
	if len(m.logBytes) > 0 {
		full := append(m.logBytes, redo.Record{Type: redo.OpMTREnd}.Encode()...)
		startLSN, endLSN = m.log.Append(full)
		m.StartLSN, m.EndLSN = startLSN, endLSN

		for _, e := range m.memo {
			if !e.touched {
				continue
			}
			e.handle.Page().Finalize(uint64(endLSN))
			m.pool.MarkDirty(e.handle, startLSN, endLSN)
		}
	}

	for i := len(m.memo) - 1; i >= 0; i-- {
		m.memo[i].handle.Unlatch()
	}
	m.memo = nil
	m.byPageID = nil
	m.started = false
	return startLSN, endLSN
}

// Touch marks id — already fetched in this MTR via GetPage,
// GetResidentPage or CreatePage — as written, without appending a redo
// record. Crash recovery's redo-replay pass uses this instead of
// WriteRecord: the bytes being replayed are already durable in the log
// being walked, so re-logging them would just grow the log with a
// duplicate of what the next checkpoint already covers.
func (m *Mtr) Touch(id pageio.ID) {
	if e, ok := m.byPageID[id]; ok {
		e.touched = true
	}
}

// CommitRecovered finalizes every touched page's LSN and dirty state
// at lsn, the same bookkeeping Commit does for a freshly logged MTR,
// but without appending anything to the log (spec.md §4.9 step 2):
// redo replay mutates pages directly and calls Touch instead of
// WriteRecord, so there is nothing pending to package into blocks.
func (m *Mtr) CommitRecovered(lsn redo.LSN) {
	for _, e := range m.memo {
		if !e.touched {
			continue
		}
		e.handle.Page().Finalize(uint64(lsn))
		m.pool.MarkDirty(e.handle, lsn, lsn)
	}
	for i := len(m.memo) - 1; i >= 0; i-- {
		m.memo[i].handle.Unlatch()
	}
	m.memo = nil
	m.byPageID = nil
	m.started = false
}

// Rollback releases latches without writing any log record — used
// when a caller aborts an MTR before mutating anything (e.g. a
// snapshot fetch that only needed a shared latch).
func (m *Mtr) Rollback() {
	for i := len(m.memo) - 1; i >= 0; i-- {
		m.memo[i].handle.Unlatch()
	}
	m.memo = nil
	m.byPageID = nil
	m.started = false
}
