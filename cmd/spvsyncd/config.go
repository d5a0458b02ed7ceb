// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "spvsyncd.conf"
	defaultLogFilename    = "spvsyncd.log"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultGapLimit       = 10
	defaultRetryInterval  = 5 * time.Second
	defaultMaxRetries     = 12
)

var (
	defaultAppDataDir = btcutil.AppDataDir("spvsyncd", false)
	defaultConfigFile = filepath.Join(
		defaultAppDataDir, defaultConfigFilename,
	)
	defaultLogDir = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// config defines the configuration options for spvsyncd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for the checkpoint database and logs"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	StreamServer string `short:"s" long:"streamserver" description:"Websocket URL of the transaction stream server (e.g. wss://host:port/ws)"`
	KeyFile      string `long:"keyfile" description:"File containing the base58 account extended private key"`

	Account              uint32        `long:"account" description:"Account index to synchronize"`
	GapLimit             uint32        `long:"gaplimit" description:"Number of unused addresses watched beyond the highest used index"`
	SkipSyncBeforeHeight uint32        `long:"skipsyncbeforeheight" description:"Skip synchronization of all blocks before this height"`
	RetryInterval        time.Duration `long:"retryinterval" description:"Pause between stream reconnection attempts"`
	MaxRetries           int           `long:"maxretries" description:"Consecutive failed reconnection attempts tolerated before giving up"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`
}

// activeParams returns the chain parameters selected by the network
// flags.
func (cfg *config) activeParams() *chaincfg.Params {
	switch {
	case cfg.TestNet3:
		return &chaincfg.TestNet3Params

	case cfg.SimNet:
		return &chaincfg.SimNetParams

	default:
		return &chaincfg.MainNetParams
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := config{
		ConfigFile:    defaultConfigFile,
		AppDataDir:    defaultAppDataDir,
		LogDir:        defaultLogDir,
		DebugLevel:    defaultLogLevel,
		GapLimit:      defaultGapLimit,
		RetryInterval: defaultRetryInterval,
		MaxRetries:    defaultMaxRetries,
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}

		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	// Load additional config from file, ignoring a missing file at the
	// default location.
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := preCfg.ConfigFile

	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		if configFile != defaultConfigFile {
			return nil, fmt.Errorf("config file %s does not "+
				"exist", configFile)
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		return nil, err
	}

	if cfg.TestNet3 && cfg.SimNet {
		return nil, fmt.Errorf("the testnet and simnet params can't " +
			"be used together")
	}

	if !validLogLevel(cfg.DebugLevel) {
		return nil, fmt.Errorf("the specified debug level [%v] is "+
			"invalid", cfg.DebugLevel)
	}

	if cfg.StreamServer == "" {
		return nil, fmt.Errorf("a transaction stream server must be " +
			"specified with --streamserver")
	}

	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("an extended key file must be " +
			"specified with --keyfile")
	}

	// Append the network name to the data and log directories so
	// networks do not share state.
	netName := cfg.activeParams().Name
	cfg.AppDataDir = filepath.Join(cfg.AppDataDir, netName)
	cfg.LogDir = filepath.Join(cfg.LogDir, netName)

	if err := os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return &cfg, nil
}
