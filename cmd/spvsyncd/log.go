// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/spvsync/spvsync/chain"
	"github.com/spvsync/spvsync/syncer"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("SPVD")
	syncLog = backendLog.Logger("SYNC")
	chnsLog = backendLog.Logger("CHNS")
)

func init() {
	syncer.UseLogger(syncLog)
	chain.UseLogger(chnsLog)
}

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]btclog.Logger{
	"SPVD": log,
	"SYNC": syncLog,
	"CHNS": chnsLog,
}

// initLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory. It must be called
// before the package-global log rotator variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n",
			err)
		os.Exit(1)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n",
			err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored. Uninitialized subsystems are dynamically
// created as needed.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the
// passed level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// validLogLevel returns whether logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}

	return false
}
