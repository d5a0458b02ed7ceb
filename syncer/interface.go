// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package syncer implements the wallet-side transaction synchronization
// engine: it discovers which on-chain transactions belong to a set of
// derived addresses, verifies them against merkle proofs, and keeps a
// persisted (height, hash) checkpoint current as the chain advances.
//
// The engine runs in two phases. Historical sync blocks startup until the
// wallet has caught up from its checkpoint to the chain tip. Incoming
// sync then tails the live stream in a supervised background task for
// the lifetime of the engine. Both phases share the gap-limit address
// window: whenever a batch matches an address close to the end of the
// watch set, the set is extended and the stream is rebuilt from the last
// persisted checkpoint so no block is missed for the new addresses.
package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/spvsync/spvsync/chain"
	"github.com/spvsync/spvsync/codec"
	"github.com/spvsync/spvsync/txfilter"
)

const (
	// DefaultGapLimit is the number of derived-but-unused addresses
	// kept watched beyond the highest matched index, per the standard
	// HD wallet discovery heuristic.
	DefaultGapLimit = 10

	// DefaultRetryInterval is the default pause between stream
	// reconnection attempts.
	DefaultRetryInterval = 5 * time.Second

	// DefaultMaxRetries is the default number of consecutive failed
	// reconnection attempts tolerated before the failure is surfaced.
	DefaultMaxRetries = 12
)

var (
	// ErrRetriesExhausted is emitted on the Errors channel when the
	// incoming stream could not be re-established within the configured
	// retry budget.
	ErrRetriesExhausted = errors.New("stream reconnect retries exhausted")

	// ErrMissingConfig is returned when a required configuration field
	// is absent.
	ErrMissingConfig = errors.New("missing required config field")
)

// AddressProvider produces the deterministic address sequence of an
// account. The engine never derives addresses itself.
type AddressProvider interface {
	// DeriveAddresses returns the first count addresses of the account
	// in derivation order.
	DeriveAddresses(account uint32, count uint32) ([]btcutil.Address,
		error)
}

// CheckpointStore persists the engine's resume position per account.
// Reads happen at startup and after reconnect decisions; writes happen
// after each fully applied batch.
type CheckpointStore interface {
	// GetLastSyncedBlockHeight returns the height of the last fully
	// applied block.
	GetLastSyncedBlockHeight(account uint32) (uint32, error)

	// GetLastSyncedBlockHash returns the hash of the last fully applied
	// block.
	GetLastSyncedBlockHash(account uint32) (*chainhash.Hash, error)

	// SetLastSyncedBlockHeight updates the persisted height.
	SetLastSyncedBlockHeight(account uint32, height uint32) error

	// SetLastSyncedBlockHash updates the persisted hash.
	SetLastSyncedBlockHash(account uint32, hash *chainhash.Hash) error
}

// TxReceiver consumes the engine's verified output. Implementations feed
// downstream balance and UTXO bookkeeping; the engine itself retains
// nothing beyond its checkpoint.
type TxReceiver interface {
	// ProcessTransactions delivers the matched transactions of one
	// verified block. It is invoked before the block's checkpoint is
	// persisted; returning an error aborts the sync attempt.
	ProcessTransactions(block *chain.BlockHeader,
		report *txfilter.Report) error

	// ProcessInstantLock delivers a fast-finality assertion for a
	// previously matched transaction.
	ProcessInstantLock(lock *codec.InstantLock) error
}

// Config holds the collaborators and parameters of a Syncer. All
// collaborator fields are required.
type Config struct {
	// Chain is the remote node transport.
	Chain chain.Interface

	// Addresses produces the account's watch addresses.
	Addresses AddressProvider

	// Checkpoints persists the resume position.
	Checkpoints CheckpointStore

	// Receiver consumes verified wallet transactions and instant locks.
	Receiver TxReceiver

	// ChainParams identify the network for address encoding.
	ChainParams *chaincfg.Params

	// Account is the account index this engine syncs.
	Account uint32

	// GapLimit is the minimum number of unused addresses watched beyond
	// the highest matched index. Defaults to DefaultGapLimit.
	GapLimit uint32

	// SkipSyncBeforeHeight, when non-zero, fast-forwards the checkpoint
	// to this height once at startup, skipping verification of all
	// prior history.
	SkipSyncBeforeHeight uint32

	// RetryInterval is the pause between reconnection attempts.
	// Defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	// MaxRetries is the number of consecutive failed attempts tolerated
	// before surfacing ErrRetriesExhausted. Defaults to
	// DefaultMaxRetries.
	MaxRetries int

	// RetryTicker overrides the retry pacing ticker. Intended for
	// tests; leave nil to use a ticker at RetryInterval.
	RetryTicker ticker.Ticker
}

// validate checks required fields and applies defaults.
func (cfg *Config) validate() error {
	switch {
	case cfg.Chain == nil:
		return fmt.Errorf("%w: chain client", ErrMissingConfig)

	case cfg.Addresses == nil:
		return fmt.Errorf("%w: address provider", ErrMissingConfig)

	case cfg.Checkpoints == nil:
		return fmt.Errorf("%w: checkpoint store", ErrMissingConfig)

	case cfg.Receiver == nil:
		return fmt.Errorf("%w: tx receiver", ErrMissingConfig)

	case cfg.ChainParams == nil:
		return fmt.Errorf("%w: chain params", ErrMissingConfig)
	}

	if cfg.GapLimit == 0 {
		cfg.GapLimit = DefaultGapLimit
	}

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	return nil
}
