package buffer_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

func newTestPool(t *testing.T, frames int) (*buffer.Pool, *pageio.SpaceManager) {
	t.Helper()
	dir := t.TempDir()
	sm := pageio.NewSpaceManager(dir)
	_, err := sm.GetOrCreate(1, "space1.dat")
	require.NoError(t, err)
	return buffer.NewPool(frames, sm), sm
}

func TestCreateThenGetHitsCache(t *testing.T) {
	pool, sm := newTestPool(t, 8)
	sp, _ := sm.Get(1)
	pageNo := sp.AllocPage()
	id := pageio.ID{SpaceID: 1, PageNo: pageNo}

	h, err := pool.Create(id, buffer.LatchX)
	require.NoError(t, err)
	h.Page().WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: 1, PageNo: pageNo})
	h.Unlatch()

	h2, err := pool.Get(id, buffer.LatchS)
	require.NoError(t, err)
	defer h2.Unlatch()
	assert.Equal(t, pageNo, h2.Page().ReadHeader().PageNo)
}

func TestGetMissReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	sm := pageio.NewSpaceManager(dir)
	sp, err := sm.GetOrCreate(2, "space2.dat")
	require.NoError(t, err)
	pageNo := sp.AllocPage()
	p := pageio.NewPage()
	p.WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: 2, PageNo: pageNo})
	p.Finalize(1)
	require.NoError(t, sp.WritePage(pageNo, p))

	pool := buffer.NewPool(4, sm)
	h, err := pool.Get(pageio.ID{SpaceID: 2, PageNo: pageNo}, buffer.LatchS)
	require.NoError(t, err)
	defer h.Unlatch()
	assert.Equal(t, uint32(2), h.Page().ReadHeader().SpaceID)
}

func TestMarkDirtyOrdersFlushListByRecoveryLSN(t *testing.T) {
	pool, sm := newTestPool(t, 8)
	sp, _ := sm.Get(1)

	var ids []pageio.ID
	lsns := []redo.LSN{300, 100, 200}
	for _, lsn := range lsns {
		pageNo := sp.AllocPage()
		id := pageio.ID{SpaceID: 1, PageNo: pageNo}
		h, err := pool.Create(id, buffer.LatchX)
		require.NoError(t, err)
		pool.MarkDirty(h, lsn, lsn+1)
		h.Unlatch()
		ids = append(ids, id)
	}

	_, firstLSN, ok := pool.FlushListOldest()
	require.True(t, ok)
	assert.Equal(t, redo.LSN(100), firstLSN)

	drained := pool.DrainDirty(10)
	require.Len(t, drained, 3)
	assert.Equal(t, redo.LSN(100), drained[0].RecoveryLSN())
	assert.Equal(t, redo.LSN(200), drained[1].RecoveryLSN())
	assert.Equal(t, redo.LSN(300), drained[2].RecoveryLSN())
	_ = ids
}

func TestEvictionWritesBackDirtyPage(t *testing.T) {
	pool, sm := newTestPool(t, 2) // tiny pool forces eviction
	sp, _ := sm.Get(1)

	var first pageio.ID
	for i := 0; i < 4; i++ {
		pageNo := sp.AllocPage()
		id := pageio.ID{SpaceID: 1, PageNo: pageNo}
		h, err := pool.Create(id, buffer.LatchX)
		require.NoError(t, err)
		h.Page().WriteHeader(pageio.FileHeader{SpaceID: 1, PageNo: pageNo, PageType: pageio.PageTypeHeap})
		pool.MarkDirty(h, redo.LSN(i+1), redo.LSN(i+2))
		h.Unlatch()
		if i == 0 {
			first = id
		}
	}
	// The pool only has 2 frames but we created 4 pages: earlier ones
	// must have been evicted and written back, so re-reading the first
	// page from disk returns the header it was created with.
	h, err := pool.Get(first, buffer.LatchS)
	require.NoError(t, err)
	assert.Equal(t, pageio.PageTypeHeap, h.Page().ReadHeader().PageType)
	assert.Equal(t, first.PageNo, h.Page().ReadHeader().PageNo)
	h.Unlatch()
}
