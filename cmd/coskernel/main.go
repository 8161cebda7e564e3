// Command coskernel boots the transactional heap storage engine
// standalone: format a fresh data directory or reopen an existing
// one, run crash recovery, start the background checkpointer, and
// block until interrupted.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/holystardb/cos/internal/config"
	"github.com/holystardb/cos/internal/engine"
)

func main() {
	var dataDir string
	var configPath string
	var initialize bool
	flag.StringVar(&dataDir, "data-dir", "./data", "data directory")
	flag.StringVar(&configPath, "config", "", "path to coskernel.ini (defaults to <data-dir>/coskernel.ini)")
	flag.BoolVar(&initialize, "initialize", false, "write out default config if it does not exist yet, then continue")
	flag.Parse()

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if configPath == "" {
		configPath = filepath.Join(dataDir, "coskernel.ini")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.WithError(err).Fatal("create data directory")
	}

	cfg, err := config.Load(configPath, dataDir)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}
	if initialize {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			if err := config.Save(configPath, cfg); err != nil {
				logger.WithError(err).Fatal("write default config")
			}
			logger.WithField("path", configPath).Info("wrote default config")
		}
	}

	logger.WithFields(logrus.Fields{
		"data_dir":    cfg.DataDir,
		"pool_frames": cfg.BufferPoolFrames,
		"rseg_count":  cfg.RsegCount,
		"log_files":   cfg.LogFileCount,
	}).Info("opening engine")

	e, err := engine.Open(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("open engine")
	}
	e.Start(cfg)

	logger.Info("coskernel ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if err := e.Close(); err != nil {
		logger.WithError(err).Fatal("close engine")
	}
}
