// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package checkpointdb persists per-account synchronization checkpoints
// in a walletdb namespace. A checkpoint is the (height, hash) pair of the
// most recent block whose transactions have been fully verified and
// applied; both values are written in a single database transaction so
// they can never refer to different blocks.
package checkpointdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// syncStateBucket is the top-level namespace holding one nested
	// bucket per account.
	syncStateBucket = []byte("syncstate")

	// heightKey stores the checkpoint height as a big-endian uint32.
	heightKey = []byte("height")

	// hashKey stores the checkpoint block hash.
	hashKey = []byte("hash")

	// ErrCorruptCheckpoint is returned when a stored checkpoint entry
	// has an unexpected size.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint entry")
)

// Checkpoint is the persisted resume position for one account.
type Checkpoint struct {
	// Height is the height of the last fully applied block.
	Height uint32

	// Hash is the hash of the block at Height.
	Hash chainhash.Hash
}

// Store provides checkpoint persistence on top of a walletdb database.
type Store struct {
	db walletdb.DB
}

// Open prepares the sync state namespace in db and returns a store over
// it.
func Open(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(syncStateBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create sync state bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// accountKey returns the nested bucket key for an account.
func accountKey(account uint32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], account)

	return key[:]
}

// Checkpoint returns the stored checkpoint for the account. An account
// that has never synced reads as the zero checkpoint.
func (s *Store) Checkpoint(account uint32) (Checkpoint, error) {
	var cp Checkpoint

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		acct := tx.ReadBucket(syncStateBucket).
			NestedReadBucket(accountKey(account))
		if acct == nil {
			return nil
		}

		if raw := acct.Get(heightKey); raw != nil {
			if len(raw) != 4 {
				return fmt.Errorf("%w: height has %d bytes",
					ErrCorruptCheckpoint, len(raw))
			}

			cp.Height = binary.BigEndian.Uint32(raw)
		}

		if raw := acct.Get(hashKey); raw != nil {
			if len(raw) != chainhash.HashSize {
				return fmt.Errorf("%w: hash has %d bytes",
					ErrCorruptCheckpoint, len(raw))
			}

			copy(cp.Hash[:], raw)
		}

		return nil
	})
	if err != nil {
		return Checkpoint{}, err
	}

	return cp, nil
}

// PutCheckpoint atomically replaces the account's checkpoint.
func (s *Store) PutCheckpoint(account uint32, cp Checkpoint) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		acct, err := tx.ReadWriteBucket(syncStateBucket).
			CreateBucketIfNotExists(accountKey(account))
		if err != nil {
			return err
		}

		var height [4]byte
		binary.BigEndian.PutUint32(height[:], cp.Height)

		if err := acct.Put(heightKey, height[:]); err != nil {
			return err
		}

		return acct.Put(hashKey, cp.Hash[:])
	})
}

// GetLastSyncedBlockHeight returns the height of the account's last
// fully applied block.
func (s *Store) GetLastSyncedBlockHeight(account uint32) (uint32, error) {
	cp, err := s.Checkpoint(account)
	if err != nil {
		return 0, err
	}

	return cp.Height, nil
}

// GetLastSyncedBlockHash returns the hash of the account's last fully
// applied block.
func (s *Store) GetLastSyncedBlockHash(
	account uint32) (*chainhash.Hash, error) {

	cp, err := s.Checkpoint(account)
	if err != nil {
		return nil, err
	}

	hash := cp.Hash

	return &hash, nil
}

// SetLastSyncedBlockHeight updates only the stored height.
func (s *Store) SetLastSyncedBlockHeight(account, height uint32) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		acct, err := tx.ReadWriteBucket(syncStateBucket).
			CreateBucketIfNotExists(accountKey(account))
		if err != nil {
			return err
		}

		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], height)

		return acct.Put(heightKey, raw[:])
	})
}

// SetLastSyncedBlockHash updates only the stored hash.
func (s *Store) SetLastSyncedBlockHash(account uint32,
	hash *chainhash.Hash) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		acct, err := tx.ReadWriteBucket(syncStateBucket).
			CreateBucketIfNotExists(accountKey(account))
		if err != nil {
			return err
		}

		return acct.Put(hashKey, hash[:])
	})
}
