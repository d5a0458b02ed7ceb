// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/spvsync/spvsync/chain"
	"github.com/spvsync/spvsync/codec"
	"github.com/spvsync/spvsync/merkle"
	"github.com/spvsync/spvsync/txfilter"
)

var (
	// errStreamRebuild is the internal signal that the live stream was
	// canceled to rebuild it with a wider address filter.
	errStreamRebuild = errors.New("stream rebuild requested")

	// errStreamShutdown is the internal signal that the live stream was
	// canceled because the engine is stopping.
	errStreamShutdown = errors.New("stream shut down")
)

// checkpoint is the engine's in-memory copy of the persisted resume
// position.
type checkpoint struct {
	height uint32
	hash   chainhash.Hash
}

// Syncer is the transaction synchronization engine. It composes the four
// external collaborators passed in via Config and owns all mutation of
// the address window and the checkpoint.
type Syncer struct {
	cfg Config

	state lifecycleState

	window *addressWindow

	// lifetimeCtx governs all background work; canceled by Stop.
	lifetimeCtx context.Context
	cancel      context.CancelFunc

	// startupDone is closed once the blocking startup phase has ended,
	// successfully or not, so a concurrent Stop can join it.
	startupDone chan struct{}

	// group supervises the incoming sync task so its failure can be
	// observed and Stop can join it.
	group *errgroup.Group

	// streamMtx guards stream, rebuild and stopping. The stream handle
	// is the discrimination signal between intentional shutdown (handle
	// cleared before cancellation) and a rebuild-and-continue
	// cancellation (handle kept, rebuild recorded). stopping prevents a
	// subscription racing Stop from being installed after the handle
	// was cleared.
	streamMtx sync.Mutex
	stream    chain.TxStream
	rebuild   bool
	stopping  bool

	// retryTicker paces reconnection attempts.
	retryTicker ticker.Ticker

	// matchedTxs records the txids matched this session so instant
	// locks can be correlated to their parent transactions.
	matchedTxs map[chainhash.Hash]struct{}

	// errChan surfaces failures of the background incoming task.
	errChan chan error
}

// New creates a Syncer from the given configuration.
func New(cfg Config) (*Syncer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	retryTicker := cfg.RetryTicker
	if retryTicker == nil {
		retryTicker = ticker.New(cfg.RetryInterval)
	}

	return &Syncer{
		cfg:         cfg,
		retryTicker: retryTicker,
		matchedTxs:  make(map[chainhash.Hash]struct{}),
		errChan:     make(chan error, 1),
	}, nil
}

// Start brings the engine up: it fast-forwards past the configured skip
// height, runs historical sync to completion, and only then launches the
// incoming sync background task. The wallet is not ready until Start
// returns, by design; a historical sync failure fails Start. A
// concurrent Stop aborts the startup phase.
func (s *Syncer) Start(ctx context.Context) error {
	// The lifecycle transition and the lifetime fields are set under
	// streamMtx together, so a Stop that observes the starting state
	// always sees them initialized.
	s.streamMtx.Lock()
	if err := s.state.toStarting(); err != nil {
		s.streamMtx.Unlock()
		return err
	}
	s.lifetimeCtx, s.cancel = context.WithCancel(context.Background())
	s.stopping = false
	s.startupDone = make(chan struct{})
	s.group = nil
	lifetimeCtx := s.lifetimeCtx
	s.streamMtx.Unlock()

	// The startup phase aborts when either the caller gives up or a
	// concurrent Stop cancels the engine's lifetime.
	startCtx, startCancel := context.WithCancel(ctx)
	defer startCancel()
	go func() {
		select {
		case <-lifetimeCtx.Done():
			startCancel()
		case <-startCtx.Done():
		}
	}()

	if err := s.startSync(startCtx); err != nil {
		s.cancel()
		close(s.startupDone)

		if !s.state.abortStarting() {
			// A concurrent Stop owns the transition to stopped.
			log.Debugf("Startup aborted: %v", err)
		}

		return err
	}

	// Tail the live stream from the position historical sync finished
	// at. The task is supervised: Stop joins it and its terminal error
	// is observable via Errors.
	var gctx context.Context
	s.group, gctx = errgroup.WithContext(s.lifetimeCtx)
	s.group.Go(func() error {
		return s.runIncomingSync(gctx)
	})

	close(s.startupDone)

	if err := s.state.toStarted(); err != nil {
		// Stop won the race right after historical sync finished; it
		// joins the incoming task and completes the shutdown.
		log.Infof("Syncer stopped during startup")
	}

	return nil
}

// startSync performs the blocking startup phase: initial address window,
// checkpoint fast-forward, and historical sync.
func (s *Syncer) startSync(ctx context.Context) error {
	window, err := newAddressWindow(
		s.cfg.Addresses, s.cfg.Account, s.cfg.GapLimit,
	)
	if err != nil {
		return fmt.Errorf("initialize address window: %w", err)
	}
	s.window = window

	if err := s.fastForward(ctx); err != nil {
		return fmt.Errorf("fast-forward checkpoint: %w", err)
	}

	if err := s.runHistoricalSync(ctx); err != nil {
		return fmt.Errorf("historical sync: %w", err)
	}

	return nil
}

// Stop tears the engine down: it clears the stream handle, cancels the
// live stream and all background work, and waits for the incoming task
// to exit or the caller's context to expire. Stopping a syncer still in
// its startup phase aborts historical sync.
func (s *Syncer) Stop(ctx context.Context) error {
	s.streamMtx.Lock()
	if err := s.state.toStopping(); err != nil {
		s.streamMtx.Unlock()
		log.Warnf("Syncer already stopped: %v", err)

		return nil
	}

	// Clear the handle before cancelling so the resulting stream-ended
	// notification is read as an intentional shutdown, never as a
	// reconnect request. The stopping flag keeps a subscription that is
	// concurrently being opened from installing itself afterwards.
	stream := s.stream
	s.stream = nil
	s.rebuild = false
	s.stopping = true
	cancel := s.cancel
	startupDone := s.startupDone
	s.streamMtx.Unlock()

	if stream != nil {
		stream.Cancel()
	}

	cancel()
	s.retryTicker.Stop()

	// Join the startup phase first; when Stop arrives during historical
	// sync the cancellation above aborts it.
	select {
	case <-startupDone:
	case <-ctx.Done():
		return fmt.Errorf("stop request cancelled: %w", ctx.Err())
	}

	// The incoming task only exists when startup succeeded.
	if s.group != nil {
		done := make(chan struct{})
		go func() {
			if err := s.group.Wait(); err != nil {
				log.Warnf("Incoming sync exited with error: %v",
					err)
			}
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("stop request cancelled: %w",
				ctx.Err())
		}
	}

	s.state.toStopped()

	log.Infof("Syncer stopped at checkpoint height %d",
		s.mustCheckpoint().height)

	return nil
}

// Errors exposes failures of the background incoming task, such as an
// exhausted reconnect budget. The channel is buffered; at most the most
// recent unconsumed error is retained.
func (s *Syncer) Errors() <-chan error {
	return s.errChan
}

// reportError delivers err on the error channel without blocking.
func (s *Syncer) reportError(err error) {
	select {
	case s.errChan <- err:
	default:
		log.Warnf("Dropping unconsumed sync error: %v", err)
	}
}

// loadCheckpoint reads the persisted resume position.
func (s *Syncer) loadCheckpoint() (checkpoint, error) {
	height, err := s.cfg.Checkpoints.GetLastSyncedBlockHeight(
		s.cfg.Account,
	)
	if err != nil {
		return checkpoint{}, fmt.Errorf("get checkpoint height: %w",
			err)
	}

	hash, err := s.cfg.Checkpoints.GetLastSyncedBlockHash(s.cfg.Account)
	if err != nil {
		return checkpoint{}, fmt.Errorf("get checkpoint hash: %w",
			err)
	}

	return checkpoint{height: height, hash: *hash}, nil
}

// storeCheckpoint persists a new resume position. It is only called
// after the batch recording that block has been fully verified and
// delivered.
func (s *Syncer) storeCheckpoint(cp checkpoint) error {
	err := s.cfg.Checkpoints.SetLastSyncedBlockHeight(
		s.cfg.Account, cp.height,
	)
	if err != nil {
		return fmt.Errorf("set checkpoint height: %w", err)
	}

	err = s.cfg.Checkpoints.SetLastSyncedBlockHash(
		s.cfg.Account, &cp.hash,
	)
	if err != nil {
		return fmt.Errorf("set checkpoint hash: %w", err)
	}

	return nil
}

// mustCheckpoint reads the checkpoint for logging, swallowing errors.
func (s *Syncer) mustCheckpoint() checkpoint {
	cp, err := s.loadCheckpoint()
	if err != nil {
		return checkpoint{}
	}

	return cp
}

// fastForward applies SkipSyncBeforeHeight once before any sync begins:
// it looks up the hash of the configured height and persists it as the
// checkpoint, skipping verification of all prior history. A checkpoint
// already at or past the skip height is left untouched.
func (s *Syncer) fastForward(ctx context.Context) error {
	skipHeight := s.cfg.SkipSyncBeforeHeight
	if skipHeight == 0 {
		return nil
	}

	cp, err := s.loadCheckpoint()
	if err != nil {
		return err
	}

	if cp.height >= skipHeight {
		return nil
	}

	header, err := s.cfg.Chain.GetBlockHeaderByHeight(ctx, skipHeight)
	if err != nil {
		return fmt.Errorf("look up skip height %d: %w", skipHeight,
			err)
	}

	log.Infof("Skipping synchronization before height %d (%v)",
		skipHeight, header.Hash)

	return s.storeCheckpoint(checkpoint{
		height: header.Height,
		hash:   header.Hash,
	})
}

// runHistoricalSync catches the wallet up from its checkpoint to the
// current chain tip. Each pass subscribes to the bounded range between
// checkpoint and tip; the pass restarts from the latest checkpoint when
// the address window grows mid-range, and the loop terminates once the
// checkpoint reaches the tip with no growth pending.
//
// Transport errors retry the attempt after a tick. Proof or decode
// failures are fatal: the data is untrusted and inconsistent, so they
// surface to the caller instead of being skipped.
func (s *Syncer) runHistoricalSync(ctx context.Context) error {
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cp, err := s.loadCheckpoint()
		if err != nil {
			return err
		}

		_, tipHeight, err := s.cfg.Chain.GetBestBlock()
		if err != nil {
			retries++
			if retries > s.cfg.MaxRetries {
				return fmt.Errorf("get best block: %w", err)
			}

			if err := s.waitRetry(ctx); err != nil {
				return err
			}

			continue
		}

		if cp.height >= tipHeight {
			log.Infof("Historical sync complete: synced to "+
				"height %d with %d watched addresses",
				cp.height, s.window.size())

			return nil
		}

		log.Infof("Historical sync: scanning heights %d to %d with "+
			"%d watched addresses", cp.height+1, tipHeight,
			s.window.size())

		stream, err := s.cfg.Chain.SubscribeTransactions(
			ctx, &chain.TxFilter{
				Addresses:  s.window.addresses(),
				FromHeight: cp.height,
				FromHash:   cp.hash,
				Count:      tipHeight - cp.height,
			},
		)
		if err != nil {
			retries++
			if retries > s.cfg.MaxRetries {
				return fmt.Errorf("subscribe: %w", err)
			}

			if err := s.waitRetry(ctx); err != nil {
				return err
			}

			continue
		}

		// Unblock a Recv pending on the stream when the startup is
		// aborted.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				stream.Cancel()
			case <-watchDone:
			}
		}()

		grew, applied, err := s.drainHistoricalStream(ctx, stream, cp)
		close(watchDone)

		// Progress resets the failure budget; only consecutive
		// failures count toward MaxRetries.
		if applied {
			retries = 0
		}

		switch {
		// The address window grew: re-scan from the last confirmed
		// checkpoint with the wider filter. The triggering block was
		// not checkpointed and is verified again under that filter,
		// together with any earlier blocks holding matches for the
		// new addresses.
		case err == nil && grew:
			continue

		// Range delivered in full; loop to re-check the tip.
		case err == nil:
			retries = 0
			continue

		// Untrusted-input failures surface to the caller.
		case isBatchFatal(err):
			return err

		case errors.Is(err, context.Canceled):
			return err

		// Transport failure: retry from the persisted checkpoint.
		default:
			retries++
			if retries > s.cfg.MaxRetries {
				return err
			}

			log.Warnf("Historical stream failed, retrying from "+
				"checkpoint %d: %v", cp.height, err)

			if err := s.waitRetry(ctx); err != nil {
				return err
			}
		}
	}
}

// drainHistoricalStream consumes one bounded range subscription. It
// returns grew=true when the address window was extended, in which case
// the stream has been canceled and the caller must re-subscribe from the
// checkpoint, and applied=true when at least one batch was fully
// applied.
func (s *Syncer) drainHistoricalStream(ctx context.Context,
	stream chain.TxStream, cp checkpoint) (bool, bool, error) {

	nextHeight := cp.height + 1
	applied := false

	for {
		if err := ctx.Err(); err != nil {
			stream.Cancel()
			return false, applied, err
		}

		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return false, applied, nil
		}
		if err != nil {
			return false, applied, err
		}

		if msg.IsInstantLock() {
			if err := s.handleInstantLock(msg); err != nil {
				stream.Cancel()
				return false, applied, err
			}

			continue
		}

		grew, err := s.applyBatch(msg, nextHeight)
		if err != nil {
			stream.Cancel()
			return false, applied, err
		}

		if grew {
			stream.Cancel()
			return true, applied, nil
		}

		applied = true
		nextHeight++
	}
}

// applyBatch decodes, verifies and applies a single merkle proof batch
// for the block at the given height. The batch is trusted all-or-
// nothing: nothing is delivered and no checkpoint is written unless the
// proof authenticates every transaction. It returns whether the address
// window grew as a result of the batch's matches; a growing batch keeps
// only the window extension, since the block must be scanned again
// under the widened filter before it can be checkpointed.
func (s *Syncer) applyBatch(msg *chain.StreamMsg, height uint32) (bool,
	error) {

	mb, err := codec.DecodeMerkleBlock(msg.RawMerkleBlock)
	if err != nil {
		return false, fmt.Errorf("batch at height %d: %w", height,
			err)
	}

	txs := make([]*wire.MsgTx, 0, len(msg.RawTxs))
	for i, raw := range msg.RawTxs {
		tx, err := codec.DecodeTx(raw)
		if err != nil {
			return false, fmt.Errorf("batch at height %d, tx "+
				"%d: %w", height, i, err)
		}

		txs = append(txs, tx)
	}

	if err := merkle.Verify(mb, txs); err != nil {
		return false, fmt.Errorf("batch at height %d: %w", height,
			err)
	}

	report := txfilter.Match(txs, s.window.addrSet(), s.cfg.ChainParams)

	grew, err := s.window.reportMatches(&report)
	if err != nil {
		return false, fmt.Errorf("extend address window: %w", err)
	}

	blockHash := mb.Header.BlockHash()

	// The server filtered this delivery with the stale address set, so
	// transactions paying the newly watched addresses may be missing
	// from it. The rescan from the last confirmed checkpoint re-delivers
	// this block under the wider filter; delivery and the checkpoint
	// happen then.
	if grew {
		log.Debugf("Block %d (%v) grew the watch set to %d "+
			"addresses, rescanning from checkpoint", height,
			blockHash, s.window.size())

		return true, nil
	}

	if len(report.Records) > 0 {
		log.Debugf("Block %d (%v) matched %d transactions", height,
			blockHash, len(report.Records))
		log.Tracef("Match report: %v", newLogClosure(func() string {
			return spew.Sdump(report)
		}))

		for _, rec := range report.Records {
			s.matchedTxs[rec.Tx.TxHash()] = struct{}{}
		}

		err = s.cfg.Receiver.ProcessTransactions(&chain.BlockHeader{
			Hash:      blockHash,
			Height:    height,
			Timestamp: mb.Header.Timestamp,
		}, &report)
		if err != nil {
			return false, fmt.Errorf("deliver block %d: %w",
				height, err)
		}
	}

	// The checkpoint advances only after the batch has been fully
	// verified and delivered, and before the next batch is read, so a
	// crash resumes from the last fully applied block.
	err = s.storeCheckpoint(checkpoint{height: height, hash: blockHash})
	if err != nil {
		return false, err
	}

	return false, nil
}

// handleInstantLock decodes and applies a fast-finality assertion. Locks
// for transactions the wallet has not matched are logged and dropped;
// the overlay is best effort and never blocks sync progress. A malformed
// lock, however, is an untrusted-input failure like any other.
func (s *Syncer) handleInstantLock(msg *chain.StreamMsg) error {
	lock, err := codec.DecodeInstantLock(msg.RawInstantLock)
	if err != nil {
		return fmt.Errorf("instant lock: %w", err)
	}

	if _, ok := s.matchedTxs[lock.TxHash]; !ok {
		log.Debugf("Instant lock for unmatched tx %v, ignoring",
			lock.TxHash)

		return nil
	}

	log.Debugf("Instant lock received for tx %v", lock.TxHash)

	return s.cfg.Receiver.ProcessInstantLock(lock)
}

// isBatchFatal reports whether err came from untrusted batch data
// rather than the transport. Such failures are never retried against the
// same stream; historical sync surfaces them, incoming sync restarts
// from the checkpoint.
func isBatchFatal(err error) bool {
	return errors.Is(err, codec.ErrMalformed) ||
		errors.Is(err, codec.ErrEmptyPayload) ||
		errors.Is(err, merkle.ErrBadProof) ||
		errors.Is(err, merkle.ErrTxSetMismatch)
}

// waitRetry blocks until the next retry tick or cancellation.
func (s *Syncer) waitRetry(ctx context.Context) error {
	s.retryTicker.Resume()
	defer s.retryTicker.Pause()

	select {
	case <-s.retryTicker.Ticks():
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
