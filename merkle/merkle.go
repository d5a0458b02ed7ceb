// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkle validates that a batch of transactions received from an
// untrusted node is authenticated by an accompanying merkle block. The
// proof is a partial merkle tree: the flag bits describe a depth-first
// traversal and the hash list supplies the nodes the traversal cannot
// recompute.
package merkle

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrBadProof is returned when the partial merkle tree is
	// structurally invalid or does not hash to the header's merkle root.
	ErrBadProof = errors.New("merkle proof does not authenticate batch")

	// ErrTxSetMismatch is returned when the proof is well formed but the
	// set of matched leaves differs from the transactions delivered with
	// it.
	ErrTxSetMismatch = errors.New("transaction set does not match proof")
)

// treeTraversal tracks consumption of the hash list and flag bits while
// recomputing the partial merkle tree.
type treeTraversal struct {
	numTx   uint32
	hashes  []*chainhash.Hash
	flags   []byte
	hashPos int
	bitPos  int
	matched []chainhash.Hash
	bad     bool
}

// width returns the number of nodes at the given tree height.
func (t *treeTraversal) width(height uint32) uint32 {
	return (t.numTx + (1 << height) - 1) >> height
}

// nextBit consumes the next flag bit, LSB first within each byte.
func (t *treeTraversal) nextBit() bool {
	if t.bitPos >= len(t.flags)*8 {
		t.bad = true
		return false
	}

	bit := t.flags[t.bitPos/8]>>(t.bitPos%8)&1 == 1
	t.bitPos++

	return bit
}

// nextHash consumes the next supplied hash.
func (t *treeTraversal) nextHash() *chainhash.Hash {
	if t.hashPos >= len(t.hashes) {
		t.bad = true
		return &chainhash.Hash{}
	}

	h := t.hashes[t.hashPos]
	t.hashPos++

	return h
}

// descend recomputes the hash of the node at (height, pos), recording any
// matched leaves encountered on the way.
func (t *treeTraversal) descend(height, pos uint32) chainhash.Hash {
	if t.bad {
		return chainhash.Hash{}
	}

	parentOfMatch := t.nextBit()

	// Nodes without matched descendants, and all leaves, are supplied
	// directly in the hash list.
	if height == 0 || !parentOfMatch {
		h := *t.nextHash()
		if height == 0 && parentOfMatch {
			t.matched = append(t.matched, h)
		}

		return h
	}

	left := t.descend(height-1, pos*2)

	// A node with a single child commits to that child hashed with
	// itself. Reject the mutation where both children are present and
	// identical (CVE-2012-2459).
	right := left
	if pos*2+1 < t.width(height-1) {
		right = t.descend(height-1, pos*2+1)
		if !t.bad && right == left {
			t.bad = true
		}
	}

	return blockchain.HashMerkleBranches(&left, &right)
}

// extract walks the whole tree and returns the matched leaf hashes. It
// fails if the traversal does not consume the proof exactly.
func (t *treeTraversal) extract(root *chainhash.Hash) error {
	if t.numTx == 0 || len(t.hashes) == 0 || len(t.flags) == 0 {
		return fmt.Errorf("%w: empty proof", ErrBadProof)
	}

	// The hash list can never legitimately exceed the leaf count.
	if uint32(len(t.hashes)) > t.numTx {
		return fmt.Errorf("%w: %d hashes for %d transactions",
			ErrBadProof, len(t.hashes), t.numTx)
	}

	var height uint32
	for t.width(height) > 1 {
		height++
	}

	computed := t.descend(height, 0)

	switch {
	case t.bad:
		return fmt.Errorf("%w: truncated or mutated tree",
			ErrBadProof)

	// Every supplied hash must be consumed.
	case t.hashPos != len(t.hashes):
		return fmt.Errorf("%w: %d unused hashes", ErrBadProof,
			len(t.hashes)-t.hashPos)

	// Only zero padding may remain in the final flag byte.
	case (t.bitPos+7)/8 != len(t.flags):
		return fmt.Errorf("%w: %d unused flag bytes", ErrBadProof,
			len(t.flags)-(t.bitPos+7)/8)
	}

	for i := t.bitPos; i < len(t.flags)*8; i++ {
		if t.flags[i/8]>>(i%8)&1 == 1 {
			return fmt.Errorf("%w: non-zero flag padding",
				ErrBadProof)
		}
	}

	if computed != *root {
		return fmt.Errorf("%w: root %v != header root %v",
			ErrBadProof, computed, root)
	}

	return nil
}

// Verify checks that the merkle block's partial tree hashes to its
// header's merkle root and that the matched leaves are exactly the txids
// of txs. A nil error means every transaction in the batch is committed
// to by the block header and none are missing.
func Verify(mb *wire.MsgMerkleBlock, txs []*wire.MsgTx) error {
	t := &treeTraversal{
		numTx:  mb.Transactions,
		hashes: mb.Hashes,
		flags:  mb.Flags,
	}

	// A block with no leaves at all can only accompany an empty batch.
	if mb.Transactions == 0 {
		if len(txs) != 0 {
			return fmt.Errorf("%w: %d transactions against an "+
				"empty block", ErrTxSetMismatch, len(txs))
		}

		return nil
	}

	err := t.extract(&mb.Header.MerkleRoot)
	if err != nil {
		return err
	}

	if len(t.matched) != len(txs) {
		return fmt.Errorf("%w: proof matches %d leaves, batch has "+
			"%d transactions", ErrTxSetMismatch, len(t.matched),
			len(txs))
	}

	claimed := make(map[chainhash.Hash]struct{}, len(t.matched))
	for _, h := range t.matched {
		claimed[h] = struct{}{}
	}

	// Duplicate txids in the batch would make the counts above lie, so
	// each txid must consume its claim exactly once.
	for _, tx := range txs {
		txid := tx.TxHash()
		if _, ok := claimed[txid]; !ok {
			return fmt.Errorf("%w: tx %v not claimed by proof",
				ErrTxSetMismatch, txid)
		}

		delete(claimed, txid)
	}

	return nil
}
