package pageio_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/pageio"
)

func TestPageHeaderRoundTrip(t *testing.T) {
	p := pageio.NewPage()
	h := pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: 3, PageNo: 100, PageLSN: 555}
	p.WriteHeader(h)
	got := p.ReadHeader()
	assert.Equal(t, h.SpaceID, got.SpaceID)
	assert.Equal(t, h.PageNo, got.PageNo)
	assert.Equal(t, h.PageLSN, got.PageLSN)
	assert.Equal(t, h.PageType, got.PageType)
}

func TestFinalizeDetectsNoTorn(t *testing.T) {
	p := pageio.NewPage()
	p.WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: 1, PageNo: 1})
	copy(p.Body(), []byte("row bytes"))
	p.Finalize(42)
	assert.False(t, pageio.TornWriteDetected(p.Raw))
}

func TestFinalizeDetectsTornWrite(t *testing.T) {
	p := pageio.NewPage()
	p.WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: 1, PageNo: 1})
	p.Finalize(42)
	// Simulate a torn write: only the first half landed.
	torn := append([]byte(nil), p.Raw...)
	for i := len(torn) / 2; i < len(torn); i++ {
		torn[i] = 0
	}
	assert.True(t, pageio.TornWriteDetected(torn))
}

func TestSpaceAllocAndReadWrite(t *testing.T) {
	dir := t.TempDir()
	sp, err := pageio.OpenSpace(7, filepath.Join(dir, "space7.dat"))
	require.NoError(t, err)
	defer sp.Close()

	n1 := sp.AllocPage()
	n2 := sp.AllocPage()
	assert.Equal(t, uint32(0), n1)
	assert.Equal(t, uint32(1), n2)

	p := pageio.NewPage()
	p.WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: 7, PageNo: n1})
	p.Finalize(10)
	require.NoError(t, sp.WritePage(n1, p))

	back, err := sp.ReadPage(n1)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), back.ReadHeader().SpaceID)
}

func TestControlFileBestVerNumWins(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "cf0"),
		filepath.Join(dir, "cf1"),
		filepath.Join(dir, "cf2"),
	}
	require.NoError(t, pageio.Save(paths[0], pageio.ControlFile{VerNum: 1, DBName: "old"}))
	require.NoError(t, pageio.Save(paths[1], pageio.ControlFile{VerNum: 5, DBName: "newest"}))
	require.NoError(t, pageio.Save(paths[2], pageio.ControlFile{VerNum: 3, DBName: "mid"}))

	best, ok, err := pageio.LoadBest(paths)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newest", best.DBName)
}

func TestControlFileMissingCopyIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "missing"),
		filepath.Join(dir, "cf1"),
	}
	require.NoError(t, pageio.Save(paths[1], pageio.ControlFile{VerNum: 2, DBName: "x"}))
	best, ok, err := pageio.LoadBest(paths)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", best.DBName)
}
