// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package checkpointdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
	"github.com/stretchr/testify/require"
)

// newTestStore creates a store backed by a temporary bdb database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := Open(db)
	require.NoError(t, err)

	return store
}

// TestCheckpointDefaultsToZero verifies that an account that never
// synced reads as the zero checkpoint.
func TestCheckpointDefaultsToZero(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	cp, err := store.Checkpoint(0)
	require.NoError(t, err)
	require.Equal(t, Checkpoint{}, cp)

	height, err := store.GetLastSyncedBlockHeight(7)
	require.NoError(t, err)
	require.Zero(t, height)

	hash, err := store.GetLastSyncedBlockHash(7)
	require.NoError(t, err)
	require.Equal(t, chainhash.Hash{}, *hash)
}

// TestCheckpointRoundTrip verifies that stored checkpoints read back
// intact through both the atomic and the per-field accessors.
func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	want := Checkpoint{
		Height: 458971,
		Hash:   chainhash.Hash{0x12, 0x34},
	}

	require.NoError(t, store.PutCheckpoint(3, want))

	got, err := store.Checkpoint(3)
	require.NoError(t, err)
	require.Equal(t, want, got)

	height, err := store.GetLastSyncedBlockHeight(3)
	require.NoError(t, err)
	require.Equal(t, want.Height, height)

	hash, err := store.GetLastSyncedBlockHash(3)
	require.NoError(t, err)
	require.Equal(t, want.Hash, *hash)
}

// TestCheckpointPerFieldUpdates verifies the granular setters used after
// each applied batch.
func TestCheckpointPerFieldUpdates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	require.NoError(t, store.SetLastSyncedBlockHeight(0, 101))

	newHash := chainhash.Hash{0xab}
	require.NoError(t, store.SetLastSyncedBlockHash(0, &newHash))

	cp, err := store.Checkpoint(0)
	require.NoError(t, err)
	require.Equal(t, uint32(101), cp.Height)
	require.Equal(t, newHash, cp.Hash)
}

// TestCheckpointAccountIsolation verifies that accounts do not share
// checkpoints.
func TestCheckpointAccountIsolation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	require.NoError(t, store.PutCheckpoint(0, Checkpoint{
		Height: 10,
		Hash:   chainhash.Hash{0x01},
	}))
	require.NoError(t, store.PutCheckpoint(1, Checkpoint{
		Height: 20,
		Hash:   chainhash.Hash{0x02},
	}))

	cp0, err := store.Checkpoint(0)
	require.NoError(t, err)
	require.Equal(t, uint32(10), cp0.Height)

	cp1, err := store.Checkpoint(1)
	require.NoError(t, err)
	require.Equal(t, uint32(20), cp1.Height)
}

// TestCheckpointCorruptEntries verifies that malformed stored values are
// reported instead of silently misread.
func TestCheckpointCorruptEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.PutCheckpoint(0, Checkpoint{Height: 5}))

	err := walletdb.Update(store.db, func(tx walletdb.ReadWriteTx) error {
		acct := tx.ReadWriteBucket(syncStateBucket).
			NestedReadWriteBucket(accountKey(0))

		return acct.Put(heightKey, []byte{0x01, 0x02})
	})
	require.NoError(t, err)

	_, err = store.Checkpoint(0)
	require.ErrorIs(t, err, ErrCorruptCheckpoint)
}
