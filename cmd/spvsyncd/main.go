// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.

	"github.com/spvsync/spvsync/chain"
	"github.com/spvsync/spvsync/checkpointdb"
	"github.com/spvsync/spvsync/hdkeys"
	"github.com/spvsync/spvsync/syncer"
)

const (
	appName = "spvsyncd"
	version = "0.1.0"

	// checkpointDBFilename is the checkpoint database filename within the
	// application data directory.
	checkpointDBFilename = "checkpoints.db"

	// dbTimeout is how long to wait for the checkpoint database lock.
	dbTimeout = 10 * time.Second

	// shutdownTimeout bounds how long a clean stop may take before the
	// process exits anyway.
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := spvsyncdMain(); err != nil {
		os.Exit(1)
	}
}

// spvsyncdMain is the real main function for spvsyncd. It is necessary
// to work around the fact that deferred functions do not run when
// os.Exit() is called.
func spvsyncdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	log.Infof("Version %s", version)

	masterKey, err := loadMasterKey(cfg.KeyFile)
	if err != nil {
		log.Errorf("Failed to load extended key: %v", err)
		return err
	}
	defer masterKey.Zero()

	params := cfg.activeParams()

	deriver, err := hdkeys.NewDeriver(masterKey, params)
	if err != nil {
		log.Errorf("Failed to create address deriver: %v", err)
		return err
	}

	dbPath := filepath.Join(cfg.AppDataDir, checkpointDBFilename)
	db, err := walletdb.Create("bdb", dbPath, true, dbTimeout, false)
	if err != nil {
		log.Errorf("Failed to open checkpoint database at %s: %v",
			dbPath, err)
		return err
	}
	defer db.Close()

	store, err := checkpointdb.Open(db)
	if err != nil {
		log.Errorf("Failed to initialize checkpoint store: %v", err)
		return err
	}

	log.Infof("Connecting to transaction stream server %s",
		cfg.StreamServer)

	client, err := chain.Dial(cfg.StreamServer)
	if err != nil {
		log.Errorf("Failed to connect to %s: %v", cfg.StreamServer,
			err)
		return err
	}
	defer client.Shutdown()

	s, err := syncer.New(syncer.Config{
		Chain:                client,
		Addresses:            deriver,
		Checkpoints:          store,
		Receiver:             &logReceiver{},
		ChainParams:          params,
		Account:              cfg.Account,
		GapLimit:             cfg.GapLimit,
		SkipSyncBeforeHeight: cfg.SkipSyncBeforeHeight,
		RetryInterval:        cfg.RetryInterval,
		MaxRetries:           cfg.MaxRetries,
	})
	if err != nil {
		log.Errorf("Failed to create syncer: %v", err)
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	// Historical sync runs to completion inside Start; an interrupt
	// during it aborts startup.
	startCtx, cancelStart := context.WithCancel(context.Background())
	go func() {
		select {
		case <-interrupt:
			log.Info("Interrupt received, aborting startup")
			cancelStart()
		case <-startCtx.Done():
		}
	}()

	if err := s.Start(startCtx); err != nil {
		cancelStart()
		log.Errorf("Failed to start syncer: %v", err)
		return err
	}
	cancelStart()

	log.Info("Synchronization engine started")

	select {
	case sig := <-interrupt:
		log.Infof("Received signal %v, shutting down", sig)

	case err := <-s.Errors():
		log.Errorf("Synchronization failed: %v", err)
	}

	stopCtx, cancelStop := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancelStop()

	if err := s.Stop(stopCtx); err != nil {
		log.Errorf("Clean shutdown failed: %v", err)
		return err
	}

	log.Info("Shutdown complete")

	return nil
}

// loadMasterKey reads and parses the base58 extended private key from
// the configured key file.
func loadMasterKey(path string) (*hdkeychain.ExtendedKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := hdkeychain.NewKeyFromString(
		strings.TrimSpace(string(raw)),
	)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}

	return key, nil
}
