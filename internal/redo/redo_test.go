package redo_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/redo"
)

func newTestLog(t *testing.T) *redo.Log {
	t.Helper()
	dir := t.TempDir()
	group, err := redo.OpenGroup(dir, 2, 64)
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })
	return redo.New(group, 0)
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := redo.Record{Type: redo.OpHeapInsert, SpaceID: 3, PageNo: 100, Body: []byte("payload")}
	enc := rec.Encode()
	got, n, ok := redo.Decode(enc)
	require.True(t, ok)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, rec.Type, got.Type)
	assert.Equal(t, rec.SpaceID, got.SpaceID)
	assert.Equal(t, rec.PageNo, got.PageNo)
	assert.Equal(t, rec.Body, got.Body)
}

func TestDecodeIncompleteRecordNotOK(t *testing.T) {
	rec := redo.Record{Type: redo.OpHeapInsert, SpaceID: 1, PageNo: 1, Body: []byte("0123456789")}
	enc := rec.Encode()
	_, _, ok := redo.Decode(enc[:len(enc)-3])
	assert.False(t, ok)
}

func TestAppendAdvancesBufferLSN(t *testing.T) {
	l := newTestLog(t)
	start, end := l.Append([]byte("hello"))
	assert.Equal(t, redo.LSN(0), start)
	assert.Equal(t, redo.LSN(5), end)
	assert.Equal(t, redo.LSN(5), l.BufferLSN())
}

func TestWriteUpToFlushesAndAdvancesLSNs(t *testing.T) {
	l := newTestLog(t)
	_, end := l.Append([]byte("some mtr bytes"))
	require.NoError(t, l.WriteUpTo(end))
	assert.GreaterOrEqual(t, l.FlushedLSN(), end)
	assert.GreaterOrEqual(t, l.FileLSN(), end)
}

func TestGroupCommitSharesOneFlush(t *testing.T) {
	l := newTestLog(t)
	var lsns []redo.LSN
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, end := l.Append([]byte("x"))
			mu.Lock()
			lsns = append(lsns, end)
			mu.Unlock()
			require.NoError(t, l.WriteUpTo(end))
		}()
	}
	wg.Wait()
	max := redo.LSN(0)
	for _, lsn := range lsns {
		if lsn > max {
			max = lsn
		}
	}
	assert.GreaterOrEqual(t, l.FlushedLSN(), max)
}

func TestCheckpointRecordPicksLargerCheckpointNo(t *testing.T) {
	dir := t.TempDir()
	group, err := redo.OpenGroup(dir, 1, 64)
	require.NoError(t, err)
	defer group.Close()

	l := redo.New(group, 0)
	require.NoError(t, l.WriteCheckpointRecord(10))
	require.NoError(t, l.WriteCheckpointRecord(20))

	best, ok := redo.ReadBestCheckpoint(group)
	require.True(t, ok)
	assert.Equal(t, redo.LSN(20), best.CheckpointLSN)
}
