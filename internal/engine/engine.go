// Package engine assembles the storage kernel's owned runtime: the
// buffer pool, redo log group, tablespace set, rollback-segment
// directory and checkpointer described across spec.md, wired together
// the way server/main.go wires xmysql-server's own subsystems at
// startup. Open is the single entry point a caller (cmd/coskernel, or
// a test) needs: it formats a fresh database or reopens an existing
// one, runs crash recovery, and returns an Engine whose background
// checkpointer is begun by Start.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/checkpoint"
	"github.com/holystardb/cos/internal/config"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/recovery"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
)

// systemSpaceID and trxSysSpaceID are the two fixed tablespace ids
// this engine always opens; user/undo tablespace ids beyond these are
// out of scope (spec.md §1 places file-level space allocation outside
// the kernel).
const (
	systemSpaceID = 0
	trxSysSpaceID = 1
)

const controlFileCount = 3

// Engine is the assembled runtime of spec.md's transactional heap
// kernel: one buffer pool, one redo log group, the two fixed
// tablespaces, the rollback-segment directory, and the background
// checkpointer, all opened against a single data directory.
type Engine struct {
	dataDir string
	logger  *logrus.Logger

	Pool         *buffer.Pool
	Spaces       *pageio.SpaceManager
	Log          *redo.Log
	Sys          *txn.Sys
	Checkpointer *checkpoint.Checkpointer
	Dblwr        *checkpoint.DoubleWriteBuffer

	group        *redo.Group
	controlPaths []string

	// Recovery reports what the startup recovery pass found: groups
	// and records replayed, and transactions rolled back. Zero-valued
	// for a freshly formatted database, which has nothing to recover.
	Recovery recovery.Result
}

// Open formats a fresh database under cfg.DataDir if none exists yet,
// or reopens an existing one, in both cases running crash recovery
// (spec.md §4.9) before returning. The returned Engine's Checkpointer
// is constructed but not started; call Start to begin the background
// checkpoint ticker.
func Open(cfg config.Config, logger *logrus.Logger) (*Engine, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	spaces := pageio.NewSpaceManager(cfg.DataDir)
	if _, err := spaces.GetOrCreate(systemSpaceID, "system.dat"); err != nil {
		return nil, err
	}

	group, err := redo.OpenGroup(cfg.DataDir, cfg.LogFileCount, cfg.LogFileBlocks)
	if err != nil {
		return nil, err
	}

	dblwr, err := checkpoint.OpenDoubleWriteBuffer(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	pool := buffer.NewPool(cfg.BufferPoolFrames, spaces)

	controlPaths := controlFilePaths(cfg.DataDir)
	cf, found, err := pageio.LoadBest(controlPaths)
	if err != nil {
		return nil, err
	}

	log, res, err := recovery.ReplayLog(pool, group, spaces, dblwr)
	if err != nil {
		return nil, err
	}

	var sys *txn.Sys
	if found {
		sys = txn.OpenSys(pool, log, trxSysSpaceID, cf.RsegSlotPages)
	} else {
		sys, err = txn.CreateSys(pool, log, spaces, trxSysSpaceID, cfg.RsegCount)
		if err != nil {
			return nil, err
		}
		cf = pageio.ControlFile{
			Version:       1,
			VerNum:        1,
			DBName:        "coskernel",
			SystemSpace:   "system.dat",
			SysTransSpace: "trxsys.dat",
			DoubleWrite:   "dblwr.dat",
			RedoLogFiles:  logFileNames(cfg.LogFileCount),
			RsegSlotPages: sys.RsegSlotPages(),
		}
		if err := saveControlFiles(controlPaths, cf); err != nil {
			return nil, err
		}
	}

	rolledBack, err := recovery.RollbackUnfinished(pool, log, sys)
	if err != nil {
		return nil, err
	}
	res.TrxRolledBack = rolledBack

	logger.WithFields(logrus.Fields{
		"groups_applied":  res.GroupsApplied,
		"records_applied": res.RecordsApplied,
		"trx_rolled_back": res.TrxRolledBack,
		"has_checkpoint":  res.HasCheckpoint,
	}).Info("engine: recovery complete")

	e := &Engine{
		dataDir:      cfg.DataDir,
		logger:       logger,
		Pool:         pool,
		Spaces:       spaces,
		Log:          log,
		Sys:          sys,
		Dblwr:        dblwr,
		group:        group,
		controlPaths: controlPaths,
		Recovery:     res,
	}
	e.Checkpointer = checkpoint.New(pool, log, dblwr, cfg.CheckpointBatchSize, logger)
	return e, nil
}

// Start begins the background checkpoint ticker at cfg's configured
// interval (spec.md §4.8).
func (e *Engine) Start(cfg config.Config) {
	e.Checkpointer.Start(cfg.CheckpointInterval())
}

// Close stops the checkpointer, runs one final synchronous checkpoint
// so the next Open has as little to replay as possible, then closes
// every owned file handle.
func (e *Engine) Close() error {
	e.Checkpointer.Stop()
	if err := e.Checkpointer.RunUntilDry(context.Background()); err != nil {
		return err
	}
	if err := e.group.Close(); err != nil {
		return err
	}
	if err := e.Dblwr.Close(); err != nil {
		return err
	}
	return e.Spaces.CloseAll()
}

func controlFilePaths(dataDir string) []string {
	paths := make([]string, controlFileCount)
	for i := range paths {
		paths[i] = filepath.Join(dataDir, controlFileName(i))
	}
	return paths
}

func controlFileName(i int) string {
	return fmt.Sprintf("ctrl.%d.dat", i)
}

// logFileNames mirrors redo.Group's own naming (log.0000, log.0001,
// ...) purely for the control file's record of what it expects to
// find; Engine never opens these itself, redo.OpenGroup does.
func logFileNames(count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("log.%04d", i)
	}
	return names
}

// saveControlFiles persists cf identically to every redundant path —
// a fresh database's first control-file write has no prior VerNum to
// round-robin past, so all three copies start in lockstep.
func saveControlFiles(paths []string, cf pageio.ControlFile) error {
	for _, p := range paths {
		if err := pageio.Save(p, cf); err != nil {
			return err
		}
	}
	return nil
}
