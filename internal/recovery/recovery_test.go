package recovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/heap"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/recovery"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
)

const (
	testTrxSpace  = 1
	testDataSpace = 3
)

func TestReplayLogOnFreshGroupIsANoop(t *testing.T) {
	logDir := t.TempDir()
	group, err := redo.OpenGroup(logDir, 2, 256)
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })

	sm := pageio.NewSpaceManager(t.TempDir())
	pool := buffer.NewPool(16, sm)

	log, res, err := recovery.ReplayLog(pool, group, sm, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.GroupsApplied)
	assert.Equal(t, 0, res.RecordsApplied)
	assert.False(t, res.HasCheckpoint)
	assert.Equal(t, redo.LSN(0), log.BufferLSN())
}

// TestReplayRestoresPageAfterSimulatedCrash writes a heap page plus an
// uncommitted insert, then abandons that pool/log/sys entirely (as a
// crash would) and opens a fresh set over the same directories. It
// checks that ReplayLog replays the page mutations physically logged
// before the crash, and that RollbackUnfinished drives the
// transaction's slot to END even though it never called Commit.
func TestReplayRestoresPageAfterSimulatedCrash(t *testing.T) {
	dataDir := t.TempDir()
	logDir := t.TempDir()

	var pageID pageio.ID
	var rsegSlotPages [][]uint32
	var slotID txn.ID

	func() {
		sm := pageio.NewSpaceManager(dataDir)
		pool := buffer.NewPool(64, sm)
		group, err := redo.OpenGroup(logDir, 2, 256)
		require.NoError(t, err)
		defer group.Close()
		log := redo.New(group, 0)

		sys, err := txn.CreateSys(pool, log, sm, testTrxSpace, 1)
		require.NoError(t, err)
		rsegSlotPages = sys.RsegSlotPages()

		space, err := sm.GetOrCreate(testDataSpace, "data.dat")
		require.NoError(t, err)
		pageNo := space.AllocPage()
		pageID = pageio.ID{SpaceID: testDataSpace, PageNo: pageNo}

		m := mtr.Start(pool, log)
		h, err := m.CreatePage(pageID, buffer.LatchX)
		require.NoError(t, err)
		heap.InitPage(h.Page(), testDataSpace, pageNo)
		m.Commit()

		trx, err := sys.Begin()
		require.NoError(t, err)
		slotID = trx.ID
		rseg := sys.Rseg(trx.ID.RsegID())

		m2 := mtr.Start(pool, log)
		h2, err := m2.GetPage(pageID, buffer.LatchX)
		require.NoError(t, err)
		_, err = heap.Insert(m2, h2, trx, sys, sm, rseg, 2, heap.Row{ColCount: 1, Payload: []byte("alice")}, txn.SCN(0))
		require.NoError(t, err)
		_, endLSN := m2.Commit()

		// A single flush covers every MTR committed so far (Log.pending
		// is one FIFO buffer) — this is the crash point: the slot stays
		// BEGIN and trx.Commit is never called.
		require.NoError(t, log.WriteUpTo(endLSN))
	}()

	sm2 := pageio.NewSpaceManager(dataDir)
	pool2 := buffer.NewPool(64, sm2)
	group2, err := redo.OpenGroup(logDir, 2, 256)
	require.NoError(t, err)
	t.Cleanup(func() { group2.Close() })

	log2, res, err := recovery.ReplayLog(pool2, group2, sm2, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.GroupsApplied, 2)
	assert.Greater(t, res.RecordsApplied, 0)

	m3 := mtr.Start(pool2, log2)
	h3, err := m3.GetPage(pageID, buffer.LatchX)
	require.NoError(t, err)
	assert.Equal(t, pageID.PageNo, h3.Page().ReadHeader().PageNo)
	m3.Rollback()

	sys2 := txn.OpenSys(pool2, log2, testTrxSpace, rsegSlotPages)
	rolledBack, err := recovery.RollbackUnfinished(pool2, log2, sys2)
	require.NoError(t, err)
	assert.Equal(t, 1, rolledBack)

	sm4 := mtr.Start(pool2, log2)
	infos, err := sys2.ScanSlots(sm4)
	sm4.Rollback()
	require.NoError(t, err)

	found := false
	for _, info := range infos {
		if info.ID.RsegID() == slotID.RsegID() && info.ID.Slot() == slotID.Slot() {
			found = true
			assert.Equal(t, txn.StatusEnd, info.Slot.Status)
		}
	}
	assert.True(t, found, "expected to find the recovered transaction's slot")
}
