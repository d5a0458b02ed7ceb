// Copyright (c) 2025 The spvsync developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package syncer

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a syncer
	// that is not in the stopped state.
	ErrAlreadyStarted = errors.New("syncer already started")

	// ErrNotStarted is returned when Stop is called on a syncer that is
	// not running.
	ErrNotStarted = errors.New("syncer not started")
)

// lifecycle represents the lifecycle state of the sync engine.
type lifecycle uint32

const (
	// lifecycleStopped indicates the syncer is stopped.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting indicates the syncer is starting up. Historical
	// sync runs in this state.
	lifecycleStarting

	// lifecycleStarted indicates historical sync completed and incoming
	// sync is running.
	lifecycleStarted

	// lifecycleStopping indicates the syncer is shutting down.
	lifecycleStopping
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarting:
		return "starting"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	default:
		return "unknown lifecycle state"
	}
}

// lifecycleState is a thread-safe wrapper around the syncer's lifecycle,
// enforcing valid transitions with atomic compare-and-swaps so concurrent
// Start/Stop calls cannot interleave.
type lifecycleState struct {
	state atomic.Uint32
}

// current returns the current lifecycle state.
func (s *lifecycleState) current() lifecycle {
	return lifecycle(s.state.Load())
}

// toStarting transitions from stopped to starting.
func (s *lifecycleState) toStarting() error {
	ok := s.state.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting),
	)
	if !ok {
		return fmt.Errorf("%w: current state is %v",
			ErrAlreadyStarted, s.current())
	}

	return nil
}

// toStarted marks the syncer as fully started. Called only after
// historical sync has completed and the incoming task is launched. It
// fails when a concurrent Stop moved the syncer to stopping first, in
// which case Stop owns the rest of the teardown.
func (s *lifecycleState) toStarted() error {
	ok := s.state.CompareAndSwap(
		uint32(lifecycleStarting), uint32(lifecycleStarted),
	)
	if !ok {
		return fmt.Errorf("cannot mark started: current state is %v",
			s.current())
	}

	return nil
}

// toStopping transitions from started or starting to stopping. Stopping
// from starting aborts a startup still running historical sync.
func (s *lifecycleState) toStopping() error {
	started := s.state.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping),
	)
	starting := !started && s.state.CompareAndSwap(
		uint32(lifecycleStarting), uint32(lifecycleStopping),
	)
	if !started && !starting {
		return fmt.Errorf("%w: current state is %v", ErrNotStarted,
			s.current())
	}

	return nil
}

// abortStarting returns a syncer whose startup failed to stopped. It
// reports false when a concurrent Stop owns the teardown instead.
func (s *lifecycleState) abortStarting() bool {
	return s.state.CompareAndSwap(
		uint32(lifecycleStarting), uint32(lifecycleStopped),
	)
}

// toStopped marks the syncer as fully stopped.
func (s *lifecycleState) toStopped() {
	s.state.Store(uint32(lifecycleStopped))
}
