// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/spvsync/spvsync/chain"
	"github.com/spvsync/spvsync/codec"
	"github.com/spvsync/spvsync/txfilter"
)

var testParams = &chaincfg.SimNetParams

// mockChain is a mock implementation of chain.Interface.
type mockChain struct {
	mock.Mock
}

var _ chain.Interface = (*mockChain)(nil)

func (m *mockChain) GetBestBlock() (*chainhash.Hash, uint32, error) {
	args := m.Called()

	var hash *chainhash.Hash
	if args.Get(0) != nil {
		hash = args.Get(0).(*chainhash.Hash)
	}

	return hash, args.Get(1).(uint32), args.Error(2)
}

func (m *mockChain) GetBlockHeaderByHeight(ctx context.Context,
	height uint32) (*chain.BlockHeader, error) {

	args := m.Called(ctx, height)

	var header *chain.BlockHeader
	if args.Get(0) != nil {
		header = args.Get(0).(*chain.BlockHeader)
	}

	return header, args.Error(1)
}

func (m *mockChain) SubscribeTransactions(ctx context.Context,
	filter *chain.TxFilter) (chain.TxStream, error) {

	args := m.Called(ctx, filter)

	var stream chain.TxStream
	if args.Get(0) != nil {
		stream = args.Get(0).(chain.TxStream)
	}

	return stream, args.Error(1)
}

// mockReceiver is a mock implementation of TxReceiver.
type mockReceiver struct {
	mock.Mock
}

var _ TxReceiver = (*mockReceiver)(nil)

func (m *mockReceiver) ProcessTransactions(block *chain.BlockHeader,
	report *txfilter.Report) error {

	args := m.Called(block, report)
	return args.Error(0)
}

func (m *mockReceiver) ProcessInstantLock(lock *codec.InstantLock) error {
	args := m.Called(lock)
	return args.Error(0)
}

// memCheckpoints is an in-memory CheckpointStore so tests can assert
// exactly when the resume position moved.
type memCheckpoints struct {
	mu      sync.Mutex
	heights map[uint32]uint32
	hashes  map[uint32]chainhash.Hash
}

var _ CheckpointStore = (*memCheckpoints)(nil)

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{
		heights: make(map[uint32]uint32),
		hashes:  make(map[uint32]chainhash.Hash),
	}
}

func (m *memCheckpoints) GetLastSyncedBlockHeight(
	account uint32) (uint32, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.heights[account], nil
}

func (m *memCheckpoints) GetLastSyncedBlockHash(
	account uint32) (*chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := m.hashes[account]

	return &hash, nil
}

func (m *memCheckpoints) SetLastSyncedBlockHeight(account uint32,
	height uint32) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.heights[account] = height

	return nil
}

func (m *memCheckpoints) SetLastSyncedBlockHash(account uint32,
	hash *chainhash.Hash) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.hashes[account] = *hash

	return nil
}

// snapshot returns the stored checkpoint for an account.
func (m *memCheckpoints) snapshot(account uint32) (uint32, chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.heights[account], m.hashes[account]
}

// fakeAddrProvider derives deterministic P2PKH addresses without any key
// material.
type fakeAddrProvider struct {
	t *testing.T
}

var _ AddressProvider = (*fakeAddrProvider)(nil)

func (p *fakeAddrProvider) DeriveAddresses(account uint32,
	count uint32) ([]btcutil.Address, error) {

	addrs := make([]btcutil.Address, 0, count)
	for i := uint32(0); i < count; i++ {
		addrs = append(addrs, p.address(account, i))
	}

	return addrs, nil
}

// address returns the i-th deterministic address of an account.
func (p *fakeAddrProvider) address(account, i uint32) btcutil.Address {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[:4], account)
	binary.BigEndian.PutUint32(data[4:], i)

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(data), testParams,
	)
	require.NoError(p.t, err)

	return addr
}

// fakeStream is a scriptable TxStream.
type fakeStream struct {
	msgs     chan *chain.StreamMsg
	done     chan struct{}
	doneOnce sync.Once
	doneErr  error
	cancels  atomic.Int32
}

var _ chain.TxStream = (*fakeStream)(nil)

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs: make(chan *chain.StreamMsg, 64),
		done: make(chan struct{}),
	}
}

// boundedStream returns a stream that delivers msgs and then io.EOF,
// like a fully delivered historical range.
func boundedStream(err error, msgs ...*chain.StreamMsg) *fakeStream {
	s := newFakeStream()
	for _, msg := range msgs {
		s.msgs <- msg
	}
	s.finish(err)

	return s
}

// liveStream returns a stream that delivers msgs and then blocks until
// canceled or failed.
func liveStream(msgs ...*chain.StreamMsg) *fakeStream {
	s := newFakeStream()
	for _, msg := range msgs {
		s.msgs <- msg
	}

	return s
}

func (s *fakeStream) finish(err error) {
	s.doneOnce.Do(func() {
		s.doneErr = err
		close(s.done)
	})
}

func (s *fakeStream) Recv() (*chain.StreamMsg, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil

	case <-s.done:
		// Drain anything buffered before the stream finished.
		select {
		case msg := <-s.msgs:
			return msg, nil
		default:
		}

		return nil, s.doneErr
	}
}

func (s *fakeStream) Cancel() {
	s.cancels.Add(1)
	s.finish(chain.ErrStreamCanceled)
}

// testBatch bundles a stream message with the identities a test needs to
// assert on.
type testBatch struct {
	msg   *chain.StreamMsg
	hash  chainhash.Hash
	txids []chainhash.Hash
}

// makeBatch builds a verified-decodable merkle batch for a block paying
// the given addresses, padded with unmatched transactions. seed makes
// the block and its transactions unique.
func makeBatch(t *testing.T, seed byte, payTo []btcutil.Address,
	unmatched int) *testBatch {

	t.Helper()

	var matched []*wire.MsgTx
	var all []*wire.MsgTx

	for i, addr := range payTo {
		pkScript, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)

		tx := wire.NewMsgTx(wire.TxVersion)
		prevOut := wire.OutPoint{
			Hash: chainhash.Hash{seed, byte(i), 0x01},
		}
		tx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
		tx.AddTxOut(wire.NewTxOut(int64(i+1)*1000, pkScript))

		matched = append(matched, tx)
		all = append(all, tx)
	}

	for i := 0; i < unmatched; i++ {
		addr, err := btcutil.NewAddressPubKeyHash(
			btcutil.Hash160([]byte{seed, byte(i), 0xff}),
			testParams,
		)
		require.NoError(t, err)

		pkScript, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)

		tx := wire.NewMsgTx(wire.TxVersion)
		prevOut := wire.OutPoint{
			Hash: chainhash.Hash{seed, byte(i), 0x02},
		}
		tx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
		tx.AddTxOut(wire.NewTxOut(500, pkScript))

		all = append(all, tx)
	}

	require.NotEmpty(t, all, "a block needs at least one transaction")

	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: chainhash.Hash{seed, 0xaa},
			Timestamp: time.Unix(1700000000, 0),
		},
	}
	for _, tx := range all {
		msgBlock.AddTransaction(tx)
	}

	utilTxs := make([]*btcutil.Tx, 0, len(all))
	for _, tx := range all {
		utilTxs = append(utilTxs, btcutil.NewTx(tx))
	}
	merkles := blockchain.BuildMerkleTreeStore(utilTxs, false)
	msgBlock.Header.MerkleRoot = *merkles[len(merkles)-1]

	filter := bloom.NewFilter(
		uint32(len(matched)+1), 0, 0.000001, wire.BloomUpdateNone,
	)
	for _, tx := range matched {
		txid := tx.TxHash()
		filter.AddHash(&txid)
	}

	mb, _ := bloom.NewMerkleBlock(btcutil.NewBlock(msgBlock), filter)

	var mbBuf bytes.Buffer
	err := mb.BtcEncode(
		&mbBuf, wire.ProtocolVersion, wire.LatestEncoding,
	)
	require.NoError(t, err)

	batch := &testBatch{
		msg: &chain.StreamMsg{
			RawMerkleBlock: mbBuf.Bytes(),
		},
		hash: msgBlock.Header.BlockHash(),
	}

	for _, tx := range matched {
		var txBuf bytes.Buffer
		require.NoError(t, tx.Serialize(&txBuf))

		batch.msg.RawTxs = append(batch.msg.RawTxs, txBuf.Bytes())
		batch.txids = append(batch.txids, tx.TxHash())
	}

	return batch
}

// lockMsg builds an instant lock stream message for txid.
func lockMsg(t *testing.T, txid chainhash.Hash) *chain.StreamMsg {
	t.Helper()

	var buf bytes.Buffer

	err := wire.WriteVarInt(&buf, wire.ProtocolVersion, 1)
	require.NoError(t, err)

	prevOut := wire.OutPoint{Hash: chainhash.Hash{0x77}, Index: 1}
	buf.Write(prevOut.Hash[:])

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], prevOut.Index)
	buf.Write(idx[:])

	buf.Write(txid[:])

	var sig [codec.InstantLockSigSize]byte
	buf.Write(sig[:])

	return &chain.StreamMsg{RawInstantLock: buf.Bytes()}
}

// testHarness wires a syncer to mocked collaborators.
type testHarness struct {
	chain    *mockChain
	receiver *mockReceiver
	ckpts    *memCheckpoints
	provider *fakeAddrProvider
	tick     *ticker.Force
	syncer   *Syncer
}

// newTestHarness builds a syncer with sensible test defaults; mutate is
// optional and runs before New.
func newTestHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()

	h := &testHarness{
		chain:    &mockChain{},
		receiver: &mockReceiver{},
		ckpts:    newMemCheckpoints(),
		provider: &fakeAddrProvider{t: t},
		tick:     ticker.NewForce(time.Hour),
	}

	cfg := Config{
		Chain:       h.chain,
		Addresses:   h.provider,
		Checkpoints: h.ckpts,
		Receiver:    h.receiver,
		ChainParams: testParams,
		GapLimit:    10,
		MaxRetries:  2,
		RetryTicker: h.tick,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	h.syncer = s

	t.Cleanup(func() {
		h.chain.AssertExpectations(t)
		h.receiver.AssertExpectations(t)
	})

	return h
}

// watchedAddrs returns the first count watch addresses of account 0.
func (h *testHarness) watchedAddrs(t *testing.T,
	count uint32) []btcutil.Address {

	t.Helper()

	addrs, err := h.provider.DeriveAddresses(0, count)
	require.NoError(t, err)

	return addrs
}

// stop shuts the syncer down with a bounded wait.
func (h *testHarness) stop(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancel()

	require.NoError(t, h.syncer.Stop(ctx))
}
