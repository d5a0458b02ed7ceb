// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txfilter classifies batches of transactions against a wallet's
// watched address set. Matching is a pure function of its inputs: no
// state is read or written, so the same batch and address set always
// produce the same report.
package txfilter

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// AddrSet is the set of watched addresses, keyed by encoded address
// string.
type AddrSet = fn.Set[string]

// NewAddrSet builds an AddrSet from a list of addresses.
func NewAddrSet(addrs []btcutil.Address) AddrSet {
	set := fn.NewSet[string]()
	for _, addr := range addrs {
		set.Add(addr.EncodeAddress())
	}

	return set
}

// Debit records a transaction input that spends a wallet-owned output.
type Debit struct {
	// PrevOut is the outpoint being spent.
	PrevOut wire.OutPoint

	// InputIndex is the index of the spending input within the
	// transaction.
	InputIndex uint32

	// Address is the watched address the input's signature script
	// resolved to.
	Address btcutil.Address
}

// Credit records a transaction output paying to a wallet-owned address.
type Credit struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output amount in the chain's base unit.
	Value int64

	// PkScript is the output's locking script.
	PkScript []byte

	// Address is the watched address the locking script resolved to.
	Address btcutil.Address
}

// Record ties a matched transaction to the wallet-relevant data found in
// it. A transaction is recorded iff it has at least one debit or credit.
type Record struct {
	// Tx is the matched transaction.
	Tx *wire.MsgTx

	// Debits are the transaction's inputs that spend wallet outputs.
	Debits []Debit

	// Credits are the transaction's outputs paying wallet addresses.
	Credits []Credit
}

// Report is the result of matching one batch.
type Report struct {
	// Records holds the matched transactions in batch order.
	Records []Record

	// SpentInputs is the flat list of all debits in the batch, for
	// downstream UTXO bookkeeping.
	SpentInputs []Debit

	// UnspentOutputs is the flat list of all credits in the batch.
	UnspentOutputs []Credit
}

// Match filters txs against the watched address set, classifying inputs
// that spend wallet outputs and outputs that pay wallet addresses.
// Non-standard scripts never match and are skipped silently.
func Match(txs []*wire.MsgTx, addrs AddrSet,
	params *chaincfg.Params) Report {

	var report Report

	for _, tx := range txs {
		rec := matchTx(tx, addrs, params)
		if len(rec.Debits) == 0 && len(rec.Credits) == 0 {
			continue
		}

		report.Records = append(report.Records, rec)
		report.SpentInputs = append(report.SpentInputs, rec.Debits...)
		report.UnspentOutputs = append(
			report.UnspentOutputs, rec.Credits...,
		)
	}

	return report
}

// matchTx classifies a single transaction.
func matchTx(tx *wire.MsgTx, addrs AddrSet,
	params *chaincfg.Params) Record {

	rec := Record{Tx: tx}
	txHash := tx.TxHash()

	for i, txIn := range tx.TxIn {
		addr := inputAddress(txIn, params)
		if addr == nil || !addrs.Contains(addr.EncodeAddress()) {
			continue
		}

		rec.Debits = append(rec.Debits, Debit{
			PrevOut: txIn.PreviousOutPoint,
			//nolint:gosec // bounded by max tx size.
			InputIndex: uint32(i),
			Address:    addr,
		})
	}

	for i, txOut := range tx.TxOut {
		_, extracted, _, err := txscript.ExtractPkScriptAddrs(
			txOut.PkScript, params,
		)
		if err != nil {
			continue
		}

		for _, addr := range extracted {
			if !addrs.Contains(addr.EncodeAddress()) {
				continue
			}

			rec.Credits = append(rec.Credits, Credit{
				OutPoint: wire.OutPoint{
					Hash: txHash,
					//nolint:gosec // bounded.
					Index: uint32(i),
				},
				Value:    txOut.Value,
				PkScript: txOut.PkScript,
				Address:  addr,
			})

			break
		}
	}

	return rec
}

// inputAddress recovers the address an input's signature script and
// witness resolve to, or nil if the spent script type cannot be
// reconstructed.
func inputAddress(txIn *wire.TxIn, params *chaincfg.Params) btcutil.Address {
	pkScript, err := txscript.ComputePkScript(
		txIn.SignatureScript, txIn.Witness,
	)
	if err != nil {
		return nil
	}

	addr, err := pkScript.Address(params)
	if err != nil {
		return nil
	}

	return addr
}
