// Package hdkeys derives the ordered address sequence watched by the
// sync engine. Addresses follow the BIP44 external branch
// m/44'/coin'/account'/0/i, so the sequence for a given seed, network
// and account is fully deterministic.
package hdkeys

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrNilKey is returned when a deriver is created without a master
	// key.
	ErrNilKey = errors.New("nil master key")

	// ErrWatchOnly is returned when the supplied key cannot perform the
	// hardened derivations the account path requires.
	ErrWatchOnly = errors.New("key cannot derive hardened children")
)

// bip44Purpose is the hardened purpose index of the derivation path.
const bip44Purpose = 44

// Deriver produces watch addresses for accounts of a single HD wallet.
// It is safe for concurrent use.
type Deriver struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params

	mtx sync.Mutex

	// branches caches the external branch key per account so window
	// extensions only pay for the new leaf derivations.
	branches map[uint32]*hdkeychain.ExtendedKey

	// derived caches the address sequence per account.
	derived map[uint32][]btcutil.Address

	// nextChild is the next unconsumed child index per account. It can
	// run ahead of len(derived) when invalid children were skipped.
	nextChild map[uint32]uint32
}

// NewDeriver creates a deriver over the given master key. The key must
// be private, since the purpose, coin type and account levels are
// hardened.
func NewDeriver(master *hdkeychain.ExtendedKey,
	params *chaincfg.Params) (*Deriver, error) {

	if master == nil {
		return nil, ErrNilKey
	}

	if !master.IsPrivate() {
		return nil, ErrWatchOnly
	}

	return &Deriver{
		master:    master,
		params:    params,
		branches:  make(map[uint32]*hdkeychain.ExtendedKey),
		derived:   make(map[uint32][]btcutil.Address),
		nextChild: make(map[uint32]uint32),
	}, nil
}

// branchKey derives (or returns the cached) external branch key for an
// account.
func (d *Deriver) branchKey(
	account uint32) (*hdkeychain.ExtendedKey, error) {

	if key, ok := d.branches[account]; ok {
		return key, nil
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + bip44Purpose,
		hdkeychain.HardenedKeyStart + d.params.HDCoinType,
		hdkeychain.HardenedKeyStart + account,
		0,
	}

	key := d.master
	for _, childIndex := range path {
		var err error

		key, err = key.Derive(childIndex)
		if err != nil {
			return nil, fmt.Errorf("derive path element %d: %w",
				childIndex, err)
		}
	}

	d.branches[account] = key

	return key, nil
}

// DeriveAddresses returns the first count addresses of the account's
// external branch, in derivation order. Child indexes that derive to
// invalid keys are skipped, so the i-th returned address is the i-th
// valid address of the branch.
func (d *Deriver) DeriveAddresses(account uint32,
	count uint32) ([]btcutil.Address, error) {

	d.mtx.Lock()
	defer d.mtx.Unlock()

	branch, err := d.branchKey(account)
	if err != nil {
		return nil, err
	}

	addrs := d.derived[account]
	childIndex := d.nextChild[account]

	for uint32(len(addrs)) < count {
		child, err := branch.Derive(childIndex)
		if err != nil {
			if errors.Is(err, hdkeychain.ErrInvalidChild) {
				childIndex++
				continue
			}

			return nil, fmt.Errorf("derive child %d: %w",
				childIndex, err)
		}

		addr, err := child.Address(d.params)
		if err != nil {
			return nil, fmt.Errorf("address for child %d: %w",
				childIndex, err)
		}

		addrs = append(addrs, addr)
		childIndex++
	}

	d.derived[account] = addrs
	d.nextChild[account] = childIndex

	return addrs[:count], nil
}
