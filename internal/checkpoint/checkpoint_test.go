package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/checkpoint"
	"github.com/holystardb/cos/internal/heap"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
)

const (
	testDataSpace = 3
	testUndoSpace = 2
)

func newRig(t *testing.T) (*buffer.Pool, *redo.Log, *pageio.SpaceManager, *txn.Sys) {
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
	return pool, log, sm, sys
}

func TestCheckpointRunFlushesDirtyPageAndClearsFlushList(t *testing.T) {
	pool, log, sm, sys := newRig(t)

	space, err := sm.GetOrCreate(testDataSpace, "data.dat")
	require.NoError(t, err)
	pageNo := space.AllocPage()
	id := pageio.ID{SpaceID: testDataSpace, PageNo: pageNo}

	m := mtr.Start(pool, log)
	h, err := m.CreatePage(id, buffer.LatchX)
	require.NoError(t, err)
	heap.InitPage(h.Page(), testDataSpace, pageNo)
	m.Commit()

	trx, err := sys.Begin()
	require.NoError(t, err)
	rseg := sys.Rseg(trx.ID.RsegID())

	m2 := mtr.Start(pool, log)
	h2, err := m2.GetPage(id, buffer.LatchX)
	require.NoError(t, err)
	_, err = heap.Insert(m2, h2, trx, sys, sm, rseg, testUndoSpace, heap.Row{ColCount: 1, Payload: []byte("row")}, txn.SCN(0))
	require.NoError(t, err)
	m2.Commit()
	_, err = trx.Commit()
	require.NoError(t, err)

	require.Greater(t, pool.DirtyPageCount(), int32(0))

	dblwrDir := t.TempDir()
	dblwr, err := checkpoint.OpenDoubleWriteBuffer(dblwrDir)
	require.NoError(t, err)
	t.Cleanup(func() { dblwr.Close() })

	cp := checkpoint.New(pool, log, dblwr, 16, nil)
	require.NoError(t, cp.Run())

	assert.Equal(t, int32(0), pool.DirtyPageCount())

	persisted, err := space.ReadPage(pageNo)
	require.NoError(t, err)
	assert.False(t, pageio.TornWriteDetected(persisted.Raw))
}

func TestCheckpointRunUntilDryDrainsAllDirtyPages(t *testing.T) {
	pool, log, sm, sys := newRig(t)

	space, err := sm.GetOrCreate(testDataSpace, "data.dat")
	require.NoError(t, err)

	trx, err := sys.Begin()
	require.NoError(t, err)
	rseg := sys.Rseg(trx.ID.RsegID())

	for i := 0; i < 3; i++ {
		pageNo := space.AllocPage()
		id := pageio.ID{SpaceID: testDataSpace, PageNo: pageNo}
		m := mtr.Start(pool, log)
		h, err := m.CreatePage(id, buffer.LatchX)
		require.NoError(t, err)
		heap.InitPage(h.Page(), testDataSpace, pageNo)
		m.Commit()

		m2 := mtr.Start(pool, log)
		h2, err := m2.GetPage(id, buffer.LatchX)
		require.NoError(t, err)
		_, err = heap.Insert(m2, h2, trx, sys, sm, rseg, testUndoSpace, heap.Row{ColCount: 1, Payload: []byte("x")}, txn.SCN(0))
		require.NoError(t, err)
		m2.Commit()
	}
	_, err = trx.Commit()
	require.NoError(t, err)
	require.Greater(t, pool.DirtyPageCount(), int32(0))

	dblwrDir := t.TempDir()
	dblwr, err := checkpoint.OpenDoubleWriteBuffer(dblwrDir)
	require.NoError(t, err)
	t.Cleanup(func() { dblwr.Close() })

	cp := checkpoint.New(pool, log, dblwr, 1, nil)
	require.NoError(t, cp.RunUntilDry(context.Background()))

	assert.Equal(t, int32(0), pool.DirtyPageCount())
}
