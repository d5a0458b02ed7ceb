// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/spvsync/spvsync/chain"
)

// runIncomingSync tails the live stream for the lifetime of the engine.
// Every iteration opens an unbounded subscription from the persisted
// checkpoint and consumes it until it ends; how the ending is handled
// depends on why the stream ended, never on the error value alone:
//
//   - handle cleared before cancellation: intentional shutdown, exit.
//   - rebuild recorded: the address window grew, reconnect immediately
//     with the wider filter and a fresh retry budget.
//   - anything else: transport or data failure, reconnect from the
//     checkpoint after a tick, up to MaxRetries consecutive failures.
func (s *Syncer) runIncomingSync(ctx context.Context) error {
	log.Infof("Incoming sync started from height %d",
		s.mustCheckpoint().height)

	attempts := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		cp, err := s.loadCheckpoint()
		if err != nil {
			s.reportError(err)
			return err
		}

		stream, err := s.openLiveStream(ctx, cp)
		switch {
		case errors.Is(err, errStreamShutdown):
			return nil

		case err != nil:
			attempts++
			if attempts > s.cfg.MaxRetries {
				err = fmt.Errorf("%w: %v",
					ErrRetriesExhausted, err)
				s.reportError(err)

				return err
			}

			log.Warnf("Live subscription failed (attempt %d/%d): "+
				"%v", attempts, s.cfg.MaxRetries, err)

			if err := s.waitRetry(ctx); err != nil {
				return nil
			}

			continue
		}

		applied, err := s.consumeLiveStream(stream, cp)
		if applied {
			// Progress resets the failure budget; only consecutive
			// failures count toward MaxRetries.
			attempts = 0
		}

		switch {
		case errors.Is(err, errStreamShutdown):
			log.Info("Incoming sync stopped")
			return nil

		case errors.Is(err, errStreamRebuild):
			log.Debugf("Rebuilding live stream with %d watched "+
				"addresses", s.window.size())

			attempts = 0
			continue

		default:
			attempts++
			if attempts > s.cfg.MaxRetries {
				err = fmt.Errorf("%w: %v",
					ErrRetriesExhausted, err)
				s.reportError(err)

				return err
			}

			log.Warnf("Live stream failed, retrying from "+
				"checkpoint %d (attempt %d/%d): %v",
				s.mustCheckpoint().height, attempts,
				s.cfg.MaxRetries, err)

			if err := s.waitRetry(ctx); err != nil {
				return nil
			}
		}
	}
}

// openLiveStream opens an unbounded subscription starting after the
// checkpoint and installs it as the engine's current stream handle.
func (s *Syncer) openLiveStream(ctx context.Context,
	cp checkpoint) (chain.TxStream, error) {

	stream, err := s.cfg.Chain.SubscribeTransactions(ctx, &chain.TxFilter{
		Addresses:  s.window.addresses(),
		FromHeight: cp.height,
		FromHash:   cp.hash,
		Count:      0,
	})
	if err != nil {
		return nil, err
	}

	// Stop may have raced the subscription; it found a nil handle then,
	// so the cancellation falls to us.
	s.streamMtx.Lock()
	if s.stopping {
		s.streamMtx.Unlock()

		stream.Cancel()

		return nil, errStreamShutdown
	}
	s.stream = stream
	s.rebuild = false
	s.streamMtx.Unlock()

	return stream, nil
}

// consumeLiveStream applies stream messages until the stream ends. The
// returned error is already classified via classifyStreamEnd; applied
// reports whether at least one batch was fully applied.
func (s *Syncer) consumeLiveStream(stream chain.TxStream,
	cp checkpoint) (bool, error) {

	nextHeight := cp.height + 1
	applied := false

	for {
		msg, err := stream.Recv()
		if err != nil {
			return applied, s.classifyStreamEnd(err)
		}

		if msg.IsInstantLock() {
			if err := s.handleInstantLock(msg); err != nil {
				s.dropStream()
				return applied, err
			}

			continue
		}

		grew, err := s.applyBatch(msg, nextHeight)
		if err != nil {
			s.dropStream()
			return applied, err
		}

		// The window grew, so the server-side filter is stale.
		// Cancel while keeping the handle: messages already in
		// flight were filtered with the old address set and must not
		// advance the checkpoint, so the stream ending is classified
		// as a rebuild rather than consumed further. The triggering
		// block itself was not checkpointed either, so the rebuilt
		// stream re-delivers it under the wider filter.
		if grew {
			s.streamMtx.Lock()
			s.rebuild = true
			s.streamMtx.Unlock()

			stream.Cancel()

			return applied, s.classifyStreamEnd(
				chain.ErrStreamCanceled,
			)
		}

		applied = true
		nextHeight++
	}
}

// classifyStreamEnd translates a stream ending into the engine's three
// reconnect outcomes based on the handle state at the time the ending is
// observed. A cleared handle always means shutdown, even when a rebuild
// was requested first.
func (s *Syncer) classifyStreamEnd(err error) error {
	s.streamMtx.Lock()
	defer s.streamMtx.Unlock()

	switch {
	case s.stream == nil:
		return errStreamShutdown

	case s.rebuild:
		s.stream = nil
		s.rebuild = false

		return errStreamRebuild

	default:
		s.stream = nil

		return err
	}
}

// dropStream cancels and clears the current stream handle ahead of a
// retry-from-checkpoint restart.
func (s *Syncer) dropStream() {
	s.streamMtx.Lock()
	stream := s.stream
	s.stream = nil
	s.rebuild = false
	s.streamMtx.Unlock()

	if stream != nil {
		stream.Cancel()
	}
}
