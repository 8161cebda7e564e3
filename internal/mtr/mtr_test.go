package mtr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

func newTestRig(t *testing.T) (*buffer.Pool, *redo.Log, *pageio.SpaceManager) {
	t.Helper()
	dir := t.TempDir()
	sm := pageio.NewSpaceManager(dir)
	_, err := sm.GetOrCreate(1, "space1.dat")
	require.NoError(t, err)
	pool := buffer.NewPool(8, sm)

	logDir := t.TempDir()
	group, err := redo.OpenGroup(logDir, 2, 64)
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })
	log := redo.New(group, 0)
	return pool, log, sm
}

func TestCommitAppendsLogAndDirtiesTouchedPage(t *testing.T) {
	pool, log, sm := newTestRig(t)
	sp, _ := sm.Get(1)
	pageNo := sp.AllocPage()
	id := pageio.ID{SpaceID: 1, PageNo: pageNo}

	m := mtr.Start(pool, log)
	h, err := m.CreatePage(id, buffer.LatchX)
	require.NoError(t, err)
	h.Page().WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: 1, PageNo: pageNo})

	const offset = uint16(pageio.FileHeaderSize)
	binaryValue := uint32(42)
	copy(h.Page().Body()[:4], []byte{0, 0, 0, 0})
	m.WriteRecord(redo.Record{
		Type:    redo.OpWrite4Bytes,
		SpaceID: id.SpaceID,
		PageNo:  id.PageNo,
		Body:    redo.Write4BytesBody(offset, binaryValue),
	})

	start, end := m.Commit()
	assert.Greater(t, end, start)
	assert.Equal(t, end, log.BufferLSN())

	h2, err := pool.Get(id, buffer.LatchS)
	require.NoError(t, err)
	defer h2.Unlatch()
	assert.True(t, pool.DirtyPageCount() >= 1)
	assert.Equal(t, redo.LSN(start), h2.Frame().RecoveryLSN())
	assert.Equal(t, redo.LSN(end), h2.Frame().NewestModLSN())
}

func TestCommitWithNoWritesSkipsLogAppend(t *testing.T) {
	pool, log, sm := newTestRig(t)
	sp, _ := sm.Get(1)
	pageNo := sp.AllocPage()
	id := pageio.ID{SpaceID: 1, PageNo: pageNo}

	m := mtr.Start(pool, log)
	h, err := m.CreatePage(id, buffer.LatchX)
	require.NoError(t, err)
	_ = h

	before := log.BufferLSN()
	start, end := m.Commit()
	assert.Equal(t, redo.LSN(0), start)
	assert.Equal(t, redo.LSN(0), end)
	assert.Equal(t, before, log.BufferLSN())
	assert.Equal(t, int32(0), pool.DirtyPageCount())
}

func TestRollbackReleasesLatchesWithoutLogging(t *testing.T) {
	pool, log, sm := newTestRig(t)
	sp, _ := sm.Get(1)
	pageNo := sp.AllocPage()
	id := pageio.ID{SpaceID: 1, PageNo: pageNo}

	m := mtr.Start(pool, log)
	_, err := m.CreatePage(id, buffer.LatchX)
	require.NoError(t, err)
	m.Rollback()

	// The page must be re-latchable now that the MTR released it.
	h2, err := pool.Get(id, buffer.LatchX)
	require.NoError(t, err)
	h2.Unlatch()
}

func TestGetPageReturnsSameHandleWithinOneMTR(t *testing.T) {
	pool, log, sm := newTestRig(t)
	sp, _ := sm.Get(1)
	pageNo := sp.AllocPage()
	id := pageio.ID{SpaceID: 1, PageNo: pageNo}

	m := mtr.Start(pool, log)
	h1, err := m.CreatePage(id, buffer.LatchX)
	require.NoError(t, err)
	h2, err := m.GetPage(id, buffer.LatchX)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	m.Rollback()
}
