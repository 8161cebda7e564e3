// Package config loads the engine-level bootstrap configuration: data
// directory, buffer pool sizing, log group layout, checkpoint policy
// and rollback-segment count. This is distinct from (and sits below)
// any SQL-layer session configuration, which spec.md §1 places out of
// scope entirely.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Config is the engine's bootstrap configuration, spec.md §4.2/§4.4/
// §4.5/§4.8 sizing knobs plus §3.4's XA wait policy.
type Config struct {
	DataDir string `ini:"data_dir"`

	// BufferPoolFrames is the fixed frame count of internal/buffer.Pool
	// (spec.md §4.2); PageSize itself is the compile-time constant
	// pageio.PageSize, not configurable per spec.md §3.2.
	BufferPoolFrames int `ini:"buffer_pool_frames"`

	// LogFileCount/LogFileBlocks size the circular redo.Group (spec.md
	// §3.6/§4.4).
	LogFileCount  int    `ini:"log_file_count"`
	LogFileBlocks uint64 `ini:"log_file_blocks"`

	// CheckpointIntervalMs drives Checkpointer.Start's ticker (spec.md
	// §4.8); CheckpointBatchSize bounds DrainDirty's per-cycle batch.
	CheckpointIntervalMs int `ini:"checkpoint_interval_ms"`
	CheckpointBatchSize  int `ini:"checkpoint_batch_size"`

	// FlushLogAtCommit mirrors innodb_flush_log_at_trx_commit: when
	// true (the default, and this core's only supported mode — spec.md
	// §4.5 trx_commit step 3 always calls log_write_up_to), every
	// commit blocks until its own redo is durable before returning.
	FlushLogAtCommit bool `ini:"flush_log_at_commit"`

	// RsegCount is the rollback-segment count trx_sys_create formats a
	// fresh database with (spec.md §4.5).
	RsegCount int `ini:"rseg_count"`

	// XAVisibilityWaitMs is loaded and saved with the rest of the
	// config; no engine code reads it, and heap.Fetch does not wait on
	// XA-prepared rows.
	XAVisibilityWaitMs int `ini:"xa_visibility_wait_ms"`
}

// Defaults returns the configuration a fresh database is formatted
// with when no .ini file is present.
func Defaults(dataDir string) Config {
	return Config{
		DataDir:              dataDir,
		BufferPoolFrames:     4096,
		LogFileCount:         2,
		LogFileBlocks:        2048,
		CheckpointIntervalMs: 1000,
		CheckpointBatchSize:  256,
		FlushLogAtCommit:     true,
		RsegCount:            8,
		XAVisibilityWaitMs:   500,
	}
}

// CheckpointInterval is CheckpointIntervalMs as a time.Duration, for
// Checkpointer.Start.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalMs) * time.Millisecond
}

// XAVisibilityWait is XAVisibilityWaitMs as a time.Duration.
func (c Config) XAVisibilityWait() time.Duration {
	return time.Duration(c.XAVisibilityWaitMs) * time.Millisecond
}

// Load reads path with gopkg.in/ini.v1, falling back field-by-field to
// Defaults(dataDir) for anything the file omits — a bootstrap file
// only needs to override the knobs an operator actually cares about.
// A path that does not exist yet (first run, before any bootstrap has
// written one) is not an error: Load returns pure defaults.
func Load(path string, dataDir string) (Config, error) {
	cfg := Defaults(dataDir)

	f, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	if err := f.Section("").MapTo(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// Save writes cfg out in .ini form, primarily so a first-run bootstrap
// can persist the defaults it started with for an operator to edit.
func Save(path string, cfg Config) error {
	f := ini.Empty()
	if err := f.Section("").ReflectFrom(&cfg); err != nil {
		return errors.Wrapf(err, "encode config")
	}
	return errors.Wrapf(f.SaveTo(path), "write config %s", path)
}
