package heap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/heap"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
	"github.com/holystardb/cos/internal/undo"
)

const (
	testDataSpace = 3
	testUndoSpace = 2
)

type testRig struct {
	pool *buffer.Pool
	log  *redo.Log
	sm   *pageio.SpaceManager
	sys  *txn.Sys
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dataDir := t.TempDir()
	sm := pageio.NewSpaceManager(dataDir)
	pool := buffer.NewPool(64, sm)

	logDir := t.TempDir()
	group, err := redo.OpenGroup(logDir, 2, 256)
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })
	log := redo.New(group, 0)

	sys, err := txn.CreateSys(pool, log, sm, 1, 1)
	require.NoError(t, err)
	return &testRig{pool: pool, log: log, sm: sm, sys: sys}
}

func (r *testRig) newHeapPage(t *testing.T) *buffer.Handle {
	t.Helper()
	space, err := r.sm.GetOrCreate(testDataSpace, "data.dat")
	require.NoError(t, err)
	pageNo := space.AllocPage()
	id := pageio.ID{SpaceID: testDataSpace, PageNo: pageNo}

	m := mtr.Start(r.pool, r.log)
	h, err := m.CreatePage(id, buffer.LatchX)
	require.NoError(t, err)
	heap.InitPage(h.Page(), testDataSpace, pageNo)
	m.Commit()

	m2 := mtr.Start(r.pool, r.log)
	h2, err := m2.GetPage(id, buffer.LatchX)
	require.NoError(t, err)
	m2.Rollback()
	return h2
}

func newRow(payload string) heap.Row {
	return heap.Row{ColCount: 1, Payload: []byte(payload)}
}

func TestInsertThenFetchSeesCommittedRow(t *testing.T) {
	r := newTestRig(t)
	h := r.newHeapPage(t)
	trx, err := r.sys.Begin()
	require.NoError(t, err)
	rseg := r.sys.Rseg(trx.ID.RsegID())

	m := mtr.Start(r.pool, r.log)
	rowID, err := heap.Insert(m, h, trx, r.sys, r.sm, rseg, testUndoSpace, newRow("alice"), txn.SCN(0))
	require.NoError(t, err)
	m.Commit()

	scn, err := trx.Commit()
	require.NoError(t, err)

	queue := heap.NewCleanoutQueue()
	m2 := mtr.Start(r.pool, r.log)
	res, err := heap.Fetch(h, rowID, scn+1, txn.ID(0), txn.SCN(0), r.sys, m2, queue)
	require.NoError(t, err)
	m2.Rollback()

	require.True(t, res.Found)
	assert.Equal(t, []byte("alice"), res.Row.Payload)
	assert.True(t, res.NeedsCleanout)

	pending := queue.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, h.PageID(), pending[0])

	m3 := mtr.Start(r.pool, r.log)
	require.NoError(t, heap.Clean(m3, h.PageID(), r.sys))
	m3.Commit()

	m4 := mtr.Start(r.pool, r.log)
	res2, err := heap.Fetch(h, rowID, scn+1, txn.ID(0), txn.SCN(0), r.sys, m4, nil)
	require.NoError(t, err)
	m4.Rollback()
	assert.False(t, res2.NeedsCleanout)
}

func TestFetchHidesUncommittedRowFromOtherSnapshot(t *testing.T) {
	r := newTestRig(t)
	h := r.newHeapPage(t)
	trx, err := r.sys.Begin()
	require.NoError(t, err)
	rseg := r.sys.Rseg(trx.ID.RsegID())

	m := mtr.Start(r.pool, r.log)
	rowID, err := heap.Insert(m, h, trx, r.sys, r.sm, rseg, testUndoSpace, newRow("bob"), txn.SCN(0))
	require.NoError(t, err)
	m.Commit()

	m2 := mtr.Start(r.pool, r.log)
	res, err := heap.Fetch(h, rowID, txn.SCN(0), txn.ID(^uint64(0)), txn.SCN(0), r.sys, m2, nil)
	require.NoError(t, err)
	m2.Rollback()

	assert.False(t, res.Found)
}

func TestDeleteThenFetchReportsNotFoundForLaterSnapshot(t *testing.T) {
	r := newTestRig(t)
	h := r.newHeapPage(t)
	trx, err := r.sys.Begin()
	require.NoError(t, err)
	rseg := r.sys.Rseg(trx.ID.RsegID())

	m := mtr.Start(r.pool, r.log)
	rowID, err := heap.Insert(m, h, trx, r.sys, r.sm, rseg, testUndoSpace, newRow("carol"), txn.SCN(0))
	require.NoError(t, err)
	m.Commit()
	scn1, err := trx.Commit()
	require.NoError(t, err)

	trx2, err := r.sys.Begin()
	require.NoError(t, err)
	rseg2 := r.sys.Rseg(trx2.ID.RsegID())
	m2 := mtr.Start(r.pool, r.log)
	require.NoError(t, heap.Delete(m2, h, trx2, r.sys, r.sm, rseg2, testUndoSpace, rowID, txn.SCN(0)))
	m2.Commit()
	scn2, err := trx2.Commit()
	require.NoError(t, err)
	assert.Greater(t, uint64(scn2), uint64(scn1))

	m3 := mtr.Start(r.pool, r.log)
	res, err := heap.Fetch(h, rowID, scn2+1, txn.ID(0), txn.SCN(0), r.sys, m3, nil)
	require.NoError(t, err)
	m3.Rollback()
	assert.False(t, res.Found)
}

func TestAllocITLReusesOwnSlotAcrossCalls(t *testing.T) {
	r := newTestRig(t)
	h := r.newHeapPage(t)
	trx, err := r.sys.Begin()
	require.NoError(t, err)

	m := mtr.Start(r.pool, r.log)
	first, err := heap.AllocITL(m, h, trx, r.sys)
	require.NoError(t, err)
	second, err := heap.AllocITL(m, h, trx, r.sys)
	require.NoError(t, err)
	m.Commit()

	assert.Equal(t, first, second)
}

func TestUpdateInplaceRollbackRestoresOldPayload(t *testing.T) {
	r := newTestRig(t)
	h := r.newHeapPage(t)
	trx, err := r.sys.Begin()
	require.NoError(t, err)
	rseg := r.sys.Rseg(trx.ID.RsegID())

	m := mtr.Start(r.pool, r.log)
	rowID, err := heap.Insert(m, h, trx, r.sys, r.sm, rseg, testUndoSpace, newRow("original"), txn.SCN(0))
	require.NoError(t, err)
	m.Commit()
	_, err = trx.Commit()
	require.NoError(t, err)

	trx2, err := r.sys.Begin()
	require.NoError(t, err)
	rseg2 := r.sys.Rseg(trx2.ID.RsegID())

	m2 := mtr.Start(r.pool, r.log)
	err = heap.UpdateInplaceOp(m2, h, trx2, r.sys, r.sm, rseg2, testUndoSpace, rowID, newRow("changed!"), txn.SCN(0))
	require.NoError(t, err)
	m2.Commit()

	applier := heap.UndoApplier{}
	m3 := mtr.Start(r.pool, r.log)
	require.NoError(t, undo.RollbackChain(m3, testUndoSpace, trx2.UpdateUndoPageNo, applier))
	m3.Commit()

	m4 := mtr.Start(r.pool, r.log)
	res, err := heap.Fetch(h, rowID, txn.SCN(^uint64(0)), txn.ID(0), txn.SCN(0), r.sys, m4, nil)
	require.NoError(t, err)
	m4.Rollback()

	require.True(t, res.Found)
	assert.Equal(t, []byte("original"), res.Row.Payload)
}

func TestReorganizeCompactsOverDeletedRow(t *testing.T) {
	r := newTestRig(t)
	h := r.newHeapPage(t)
	trx, err := r.sys.Begin()
	require.NoError(t, err)
	rseg := r.sys.Rseg(trx.ID.RsegID())

	m := mtr.Start(r.pool, r.log)
	rowID1, err := heap.Insert(m, h, trx, r.sys, r.sm, rseg, testUndoSpace, newRow("keep"), txn.SCN(0))
	require.NoError(t, err)
	rowID2, err := heap.Insert(m, h, trx, r.sys, r.sm, rseg, testUndoSpace, newRow("drop"), txn.SCN(0))
	require.NoError(t, err)
	m.Commit()
	_, err = trx.Commit()
	require.NoError(t, err)

	trx2, err := r.sys.Begin()
	require.NoError(t, err)
	rseg2 := r.sys.Rseg(trx2.ID.RsegID())
	m2 := mtr.Start(r.pool, r.log)
	require.NoError(t, heap.Delete(m2, h, trx2, r.sys, r.sm, rseg2, testUndoSpace, rowID2, txn.SCN(0)))
	m2.Commit()
	_, err = trx2.Commit()
	require.NoError(t, err)

	m3 := mtr.Start(r.pool, r.log)
	require.NoError(t, heap.Reorganize(m3, h, r.sys))
	m3.Commit()

	m4 := mtr.Start(r.pool, r.log)
	res, err := heap.Fetch(h, rowID1, txn.SCN(^uint64(0)), txn.ID(0), txn.SCN(0), r.sys, m4, nil)
	require.NoError(t, err)
	m4.Rollback()
	require.True(t, res.Found)
	assert.Equal(t, []byte("keep"), res.Row.Payload)
}

func TestInsertRollbackFreesDirectorySlot(t *testing.T) {
	r := newTestRig(t)
	h := r.newHeapPage(t)
	trx, err := r.sys.Begin()
	require.NoError(t, err)
	rseg := r.sys.Rseg(trx.ID.RsegID())

	m := mtr.Start(r.pool, r.log)
	rowID, err := heap.Insert(m, h, trx, r.sys, r.sm, rseg, testUndoSpace, newRow("ephemeral"), txn.SCN(0))
	require.NoError(t, err)
	m.Commit()

	applier := heap.UndoApplier{}
	m2 := mtr.Start(r.pool, r.log)
	require.NoError(t, undo.RollbackChain(m2, testUndoSpace, trx.InsertUndoPageNo, applier))
	m2.Commit()

	m3 := mtr.Start(r.pool, r.log)
	res, err := heap.Fetch(h, rowID, txn.SCN(^uint64(0)), txn.ID(0), txn.SCN(0), r.sys, m3, nil)
	require.NoError(t, err)
	m3.Rollback()
	assert.False(t, res.Found)
}
