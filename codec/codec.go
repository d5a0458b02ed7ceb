// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package codec decodes the raw payloads delivered by a transaction
// stream: transactions, merkle blocks and instant locks. All input is
// untrusted; any structural problem is reported as ErrMalformed so the
// caller can treat it the same way as a failed proof.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMalformed is returned when a raw payload cannot be decoded or
	// carries trailing garbage.
	ErrMalformed = errors.New("malformed stream payload")

	// ErrEmptyPayload is returned when a zero-length payload is decoded.
	ErrEmptyPayload = errors.New("empty stream payload")
)

const (
	// InstantLockSigSize is the size in bytes of an instant lock's
	// aggregate signature.
	InstantLockSigSize = 96

	// maxInstantLockInputs bounds the number of inputs an instant lock
	// may claim. A lock covering more inputs than a standard transaction
	// can carry is nonsensical and rejected before allocation.
	maxInstantLockInputs = 2500
)

// InstantLock is a fast-finality assertion for a single transaction,
// delivered out-of-band from block confirmation. The signature is an
// aggregate over the lock's inputs and txid; signature validation is the
// responsibility of upstream consensus code, not this package.
type InstantLock struct {
	// Inputs are the outpoints spent by the locked transaction.
	Inputs []wire.OutPoint

	// TxHash is the txid of the locked transaction.
	TxHash chainhash.Hash

	// Signature is the aggregate signature asserting the lock.
	Signature [InstantLockSigSize]byte
}

// DecodeTx deserializes a raw transaction.
func DecodeTx(raw []byte) (*wire.MsgTx, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	tx := &wire.MsgTx{}

	r := bytes.NewReader(raw)
	if err := tx.Deserialize(r); err != nil {
		return nil, fmt.Errorf("%w: tx: %v", ErrMalformed, err)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: tx: %d trailing bytes",
			ErrMalformed, r.Len())
	}

	return tx, nil
}

// DecodeMerkleBlock deserializes a raw merkle block message.
func DecodeMerkleBlock(raw []byte) (*wire.MsgMerkleBlock, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	mb := &wire.MsgMerkleBlock{}

	r := bytes.NewReader(raw)
	err := mb.BtcDecode(r, wire.ProtocolVersion, wire.LatestEncoding)
	if err != nil {
		return nil, fmt.Errorf("%w: merkle block: %v", ErrMalformed,
			err)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: merkle block: %d trailing bytes",
			ErrMalformed, r.Len())
	}

	return mb, nil
}

// DecodeInstantLock deserializes a raw instant lock. The wire format is a
// varint input count, that many outpoints, the locked txid, and the
// aggregate signature.
func DecodeInstantLock(raw []byte) (*InstantLock, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	r := bytes.NewReader(raw)

	count, err := wire.ReadVarInt(r, wire.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: instant lock count: %v",
			ErrMalformed, err)
	}

	if count == 0 || count > maxInstantLockInputs {
		return nil, fmt.Errorf("%w: instant lock input count %d",
			ErrMalformed, count)
	}

	lock := &InstantLock{
		Inputs: make([]wire.OutPoint, count),
	}

	for i := range lock.Inputs {
		op := &lock.Inputs[i]

		_, err = io.ReadFull(r, op.Hash[:])
		if err != nil {
			return nil, fmt.Errorf("%w: instant lock input %d: "+
				"%v", ErrMalformed, i, err)
		}

		var idx [4]byte
		_, err = io.ReadFull(r, idx[:])
		if err != nil {
			return nil, fmt.Errorf("%w: instant lock input %d: "+
				"%v", ErrMalformed, i, err)
		}

		op.Index = uint32(idx[0]) | uint32(idx[1])<<8 |
			uint32(idx[2])<<16 | uint32(idx[3])<<24
	}

	_, err = io.ReadFull(r, lock.TxHash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: instant lock txid: %v",
			ErrMalformed, err)
	}

	_, err = io.ReadFull(r, lock.Signature[:])
	if err != nil {
		return nil, fmt.Errorf("%w: instant lock signature: %v",
			ErrMalformed, err)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: instant lock: %d trailing bytes",
			ErrMalformed, r.Len())
	}

	return lock, nil
}
