package undo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
	"github.com/holystardb/cos/internal/undo"
)

func newTestRig(t *testing.T) (*buffer.Pool, *redo.Log, *pageio.SpaceManager, *txn.Sys) {
	t.Helper()
	dir := t.TempDir()
	sm := pageio.NewSpaceManager(dir)
	pool := buffer.NewPool(32, sm)

	logDir := t.TempDir()
	group, err := redo.OpenGroup(logDir, 2, 256)
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })
	log := redo.New(group, 0)

	sys, err := txn.CreateSys(pool, log, sm, 1, 1)
	require.NoError(t, err)
	return pool, log, sm, sys
}

type collectingApplier struct {
	records []undo.Record
}

func (c *collectingApplier) ApplyUndo(m *mtr.Mtr, rec undo.Record) error {
	c.records = append(c.records, rec)
	return nil
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	pool, log, sm, sys := newTestRig(t)
	trx, err := sys.Begin()
	require.NoError(t, err)
	rseg := sys.Rseg(trx.ID.RsegID())

	m := mtr.Start(pool, log)
	rp, err := undo.Write(m, sm, rseg, trx, 2, undo.PageTypeInsert, undo.RecHeapInsert, []byte("row-42"))
	require.NoError(t, err)
	m.Commit()

	m2 := mtr.Start(pool, log)
	rec, err := undo.Read(m2, rp)
	require.NoError(t, err)
	m2.Rollback()

	assert.Equal(t, undo.RecHeapInsert, rec.Type)
	assert.Equal(t, []byte("row-42"), rec.Payload)
}

func TestRollbackChainVisitsRecordsInReverseOrder(t *testing.T) {
	pool, log, sm, sys := newTestRig(t)
	trx, err := sys.Begin()
	require.NoError(t, err)
	rseg := sys.Rseg(trx.ID.RsegID())

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, p := range payloads {
		m := mtr.Start(pool, log)
		_, err := undo.Write(m, sm, rseg, trx, 2, undo.PageTypeInsert, undo.RecHeapInsert, p)
		require.NoError(t, err)
		m.Commit()
	}

	applier := &collectingApplier{}
	m := mtr.Start(pool, log)
	require.NoError(t, undo.RollbackChain(m, 2, trx.InsertUndoPageNo, applier))
	m.Rollback()

	require.Len(t, applier.records, 3)
	assert.Equal(t, []byte("third"), applier.records[0].Payload)
	assert.Equal(t, []byte("second"), applier.records[1].Payload)
	assert.Equal(t, []byte("first"), applier.records[2].Payload)
}
