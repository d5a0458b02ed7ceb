// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/spvsync/spvsync/txfilter"
)

// addressWindow maintains the ordered address watch set for one account
// and enforces the gap-limit invariant: the set always reaches at least
// gapLimit indexes beyond the highest index that has ever matched a
// transaction. The window only ever grows within a session.
//
// This mirrors the lookahead-horizon bookkeeping of HD wallet recovery:
// nextUnfound is the successor of the highest matched index, and the
// horizon (len(addrs)) is extended whenever it falls within gapLimit of
// nextUnfound.
type addressWindow struct {
	// provider derives addresses on demand.
	provider AddressProvider

	// account is the account index addresses are derived for.
	account uint32

	// gapLimit is the required lookahead beyond the last match.
	gapLimit uint32

	// addrs is the ordered watch set; position equals derivation index.
	addrs []btcutil.Address

	// index maps encoded address to its derivation index for reverse
	// lookups during match processing.
	index map[string]uint32

	// set is the cached AddrSet over addrs, rebuilt on growth.
	set txfilter.AddrSet

	// nextUnfound is the successor of the highest matched index, or
	// zero if nothing has matched yet.
	nextUnfound uint32
}

// newAddressWindow creates a window pre-filled with the initial gapLimit
// addresses.
func newAddressWindow(provider AddressProvider, account,
	gapLimit uint32) (*addressWindow, error) {

	w := &addressWindow{
		provider: provider,
		account:  account,
		gapLimit: gapLimit,
	}

	if err := w.growTo(gapLimit); err != nil {
		return nil, err
	}

	return w, nil
}

// growTo extends the watch set to the target size, rebuilding the lookup
// structures. Growing to a smaller or equal size is a no-op.
func (w *addressWindow) growTo(target uint32) error {
	if target <= uint32(len(w.addrs)) {
		return nil
	}

	addrs, err := w.provider.DeriveAddresses(w.account, target)
	if err != nil {
		return fmt.Errorf("derive %d addresses: %w", target, err)
	}

	index := make(map[string]uint32, len(addrs))
	for i, addr := range addrs {
		//nolint:gosec // bounded by target.
		index[addr.EncodeAddress()] = uint32(i)
	}

	w.addrs = addrs
	w.index = index
	w.set = txfilter.NewAddrSet(addrs)

	return nil
}

// addresses returns the current ordered watch set.
func (w *addressWindow) addresses() []btcutil.Address {
	return w.addrs
}

// addrSet returns the watch set keyed for matching.
func (w *addressWindow) addrSet() txfilter.AddrSet {
	return w.set
}

// size returns the current watch set size.
func (w *addressWindow) size() uint32 {
	//nolint:gosec // window growth is driven by uint32 targets.
	return uint32(len(w.addrs))
}

// reportMatches records the derivation indexes touched by a batch's
// match report and extends the window if the gap-limit invariant now
// requires more lookahead. It returns true when the watch set grew, in
// which case any open stream filter is stale and must be rebuilt.
func (w *addressWindow) reportMatches(report *txfilter.Report) (bool,
	error) {

	found := false
	var maxIndex uint32

	observe := func(addr btcutil.Address) {
		idx, ok := w.index[addr.EncodeAddress()]
		if !ok {
			return
		}

		if !found || idx > maxIndex {
			maxIndex = idx
		}
		found = true
	}

	for _, rec := range report.Records {
		for _, debit := range rec.Debits {
			observe(debit.Address)
		}
		for _, credit := range rec.Credits {
			observe(credit.Address)
		}
	}

	if !found {
		return false, nil
	}

	if maxIndex >= w.nextUnfound {
		w.nextUnfound = maxIndex + 1
	}

	target := w.nextUnfound + w.gapLimit
	if target <= w.size() {
		return false, nil
	}

	before := w.size()
	if err := w.growTo(target); err != nil {
		return false, err
	}

	log.Debugf("Address window for account %d grew from %d to %d "+
		"(max matched index %d)", w.account, before, w.size(),
		maxIndex)

	return true, nil
}
