// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/spvsync/spvsync/txfilter"
)

// creditReport builds a match report crediting the given addresses.
func creditReport(addrs ...btcutil.Address) *txfilter.Report {
	var report txfilter.Report
	for _, addr := range addrs {
		report.Records = append(report.Records, txfilter.Record{
			Credits: []txfilter.Credit{{Address: addr}},
		})
	}

	return &report
}

// TestWindowInitialSize verifies that a fresh window watches exactly the
// first gap-limit addresses.
func TestWindowInitialSize(t *testing.T) {
	t.Parallel()

	provider := &fakeAddrProvider{t: t}

	w, err := newAddressWindow(provider, 0, 10)
	require.NoError(t, err)

	require.Equal(t, uint32(10), w.size())
	require.Len(t, w.addresses(), 10)
	require.True(t, w.addrSet().Contains(
		provider.address(0, 9).EncodeAddress(),
	))
	require.False(t, w.addrSet().Contains(
		provider.address(0, 10).EncodeAddress(),
	))
}

// TestWindowGrowsOnMatch verifies that a match at index i extends the
// window to i+1+gapLimit addresses.
func TestWindowGrowsOnMatch(t *testing.T) {
	t.Parallel()

	provider := &fakeAddrProvider{t: t}

	w, err := newAddressWindow(provider, 0, 10)
	require.NoError(t, err)

	// A payment to index 3 must leave ten unused addresses above it.
	grew, err := w.reportMatches(creditReport(provider.address(0, 3)))
	require.NoError(t, err)
	require.True(t, grew)
	require.Equal(t, uint32(14), w.size())

	// A later match at a lower index changes nothing.
	grew, err = w.reportMatches(creditReport(provider.address(0, 1)))
	require.NoError(t, err)
	require.False(t, grew)
	require.Equal(t, uint32(14), w.size())

	// A match near the new horizon extends again.
	grew, err = w.reportMatches(creditReport(provider.address(0, 13)))
	require.NoError(t, err)
	require.True(t, grew)
	require.Equal(t, uint32(24), w.size())
}

// TestWindowHighestIndexWins verifies that a batch touching several
// indexes grows relative to the highest one.
func TestWindowHighestIndexWins(t *testing.T) {
	t.Parallel()

	provider := &fakeAddrProvider{t: t}

	w, err := newAddressWindow(provider, 0, 10)
	require.NoError(t, err)

	grew, err := w.reportMatches(creditReport(
		provider.address(0, 2),
		provider.address(0, 7),
		provider.address(0, 5),
	))
	require.NoError(t, err)
	require.True(t, grew)
	require.Equal(t, uint32(18), w.size())
}

// TestWindowIgnoresForeignAddresses verifies that matches outside the
// window's account sequence do not grow it.
func TestWindowIgnoresForeignAddresses(t *testing.T) {
	t.Parallel()

	provider := &fakeAddrProvider{t: t}

	w, err := newAddressWindow(provider, 0, 10)
	require.NoError(t, err)

	grew, err := w.reportMatches(creditReport(provider.address(9, 0)))
	require.NoError(t, err)
	require.False(t, grew)
	require.Equal(t, uint32(10), w.size())
}

// TestWindowDebitsCount verifies that spending from an address marks its
// index as used just like receiving does.
func TestWindowDebitsCount(t *testing.T) {
	t.Parallel()

	provider := &fakeAddrProvider{t: t}

	w, err := newAddressWindow(provider, 0, 10)
	require.NoError(t, err)

	report := &txfilter.Report{
		Records: []txfilter.Record{{
			Debits: []txfilter.Debit{{
				Address: provider.address(0, 6),
			}},
		}},
	}

	grew, err := w.reportMatches(report)
	require.NoError(t, err)
	require.True(t, grew)
	require.Equal(t, uint32(17), w.size())
}

// TestWindowEmptyReport verifies that an empty report never grows the
// window.
func TestWindowEmptyReport(t *testing.T) {
	t.Parallel()

	provider := &fakeAddrProvider{t: t}

	w, err := newAddressWindow(provider, 0, 10)
	require.NoError(t, err)

	grew, err := w.reportMatches(&txfilter.Report{})
	require.NoError(t, err)
	require.False(t, grew)
	require.Equal(t, uint32(10), w.size())
}
