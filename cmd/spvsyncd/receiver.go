// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spvsync/spvsync/chain"
	"github.com/spvsync/spvsync/codec"
	"github.com/spvsync/spvsync/syncer"
	"github.com/spvsync/spvsync/txfilter"
)

// logReceiver is the daemon's transaction sink. It reports matched
// wallet activity to the log; embedding applications replace it with
// their own balance and UTXO bookkeeping.
type logReceiver struct{}

var _ syncer.TxReceiver = (*logReceiver)(nil)

// ProcessTransactions logs the wallet-relevant content of one verified
// block.
func (r *logReceiver) ProcessTransactions(block *chain.BlockHeader,
	report *txfilter.Report) error {

	for _, rec := range report.Records {
		log.Infof("Block %d (%v): tx %v with %d debit(s), %d "+
			"credit(s)", block.Height, block.Hash,
			rec.Tx.TxHash(), len(rec.Debits), len(rec.Credits))
	}

	for _, credit := range report.UnspentOutputs {
		log.Infof("Received %d to %v at %v", credit.Value,
			credit.Address, credit.OutPoint)
	}

	for _, debit := range report.SpentInputs {
		log.Infof("Spent outpoint %v from %v", debit.PrevOut,
			debit.Address)
	}

	return nil
}

// ProcessInstantLock logs a fast-finality assertion for a matched
// transaction.
func (r *logReceiver) ProcessInstantLock(lock *codec.InstantLock) error {
	log.Infof("Transaction %v instant-locked across %d input(s)",
		lock.TxHash, len(lock.Inputs))

	return nil
}
