// Package chain defines the transport surface the sync engine consumes:
// a block header lookup and a subscription stream that delivers merkle
// proof batches and instant locks for a set of watched addresses.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrStreamCanceled is returned from TxStream.Recv after Cancel has
	// been called on the stream, locally or by the remote node tearing
	// the subscription down.
	ErrStreamCanceled = errors.New("transaction stream canceled")
)

// BlockHeader is the subset of header data the engine needs to anchor a
// checkpoint.
type BlockHeader struct {
	// Hash is the block hash.
	Hash chainhash.Hash

	// Height is the block height.
	Height uint32

	// Timestamp is the block's header time.
	Timestamp time.Time
}

// TxFilter describes a transaction subscription. The stream starts at the
// block immediately after (FromHeight, FromHash); a zero FromHeight with a
// zero FromHash subscribes from genesis.
type TxFilter struct {
	// Addresses is the watch set the remote node filters against.
	Addresses []btcutil.Address

	// FromHeight is the height of the last block already applied.
	FromHeight uint32

	// FromHash is the hash of the block at FromHeight. Height and hash
	// always refer to the same block.
	FromHash chainhash.Hash

	// Count is the number of blocks requested. Zero subscribes live
	// with no natural end; a positive count ends the stream with io.EOF
	// after the final block in the range has been delivered.
	Count uint32
}

// StreamMsg is a single message from a transaction stream. Exactly one of
// the merkle batch (RawMerkleBlock, possibly with RawTxs) or
// RawInstantLock is populated.
//
// Merkle batch messages are delivered once per block in the subscribed
// range, in block order, including blocks containing no matches.
type StreamMsg struct {
	// RawMerkleBlock is the serialized merkle block proving RawTxs.
	RawMerkleBlock []byte

	// RawTxs are the serialized transactions the proof claims.
	RawTxs [][]byte

	// RawInstantLock is a serialized instant lock.
	RawInstantLock []byte
}

// IsInstantLock reports whether the message carries an instant lock
// rather than a merkle proof batch.
func (m *StreamMsg) IsInstantLock() bool {
	return len(m.RawInstantLock) != 0
}

// TxStream is a live transaction subscription.
type TxStream interface {
	// Recv blocks until the next message, the end of a bounded range
	// (io.EOF), cancellation (ErrStreamCanceled), or a transport
	// failure.
	Recv() (*StreamMsg, error)

	// Cancel tears the subscription down. It is idempotent and
	// non-blocking; a pending or subsequent Recv returns
	// ErrStreamCanceled.
	Cancel()
}

// Interface is the remote node surface consumed by the sync engine.
type Interface interface {
	// GetBestBlock returns the hash and height of the current chain
	// tip.
	GetBestBlock() (*chainhash.Hash, uint32, error)

	// GetBlockHeaderByHeight returns header data for the main chain
	// block at the given height.
	GetBlockHeaderByHeight(ctx context.Context,
		height uint32) (*BlockHeader, error)

	// SubscribeTransactions opens a transaction stream for the given
	// filter.
	SubscribeTransactions(ctx context.Context,
		filter *TxFilter) (TxStream, error)
}
