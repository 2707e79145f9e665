// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package lifecycle implements the background-thread state machine of
// spec.md §4.8, modeled on the state-byte-plus-CAS idiom in blb's
// internal/tractserver/control_flags.go and the stop/drain idiom in
// internal/tractserver/drain.go.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// State is one of the four values a background thread's state byte can
// hold.
type State int32

const (
	// Init is the state before the goroutine's main loop has started.
	Init State = iota
	// Running means the loop is active.
	Running
	// RunningStopRequested means a stop was requested but the loop has
	// not yet observed it.
	RunningStopRequested
	// Stopped means the loop has exited.
	Stopped
)

// pollInterval is how often WaitUntilRunning's and WaitUntilStopped's
// busy-waits check the state byte.
// Kept short since the threads this guards (flusher, fsyncer) are
// latency-sensitive; spec.md §5 explicitly allows this kind of
// cooperative polling in place of blocking synchronization.
const pollInterval = 200 * time.Microsecond

// Handle is the state byte for one background thread, plus a sticky
// fatal error slot (spec.md §7: "background threads additionally store
// a fatal error into their state and exit the loop").
type Handle struct {
	state atomic.Int32
	err   atomic.Value // error
}

// NewHandle returns a handle in the Init state.
func NewHandle() *Handle {
	h := &Handle{}
	h.state.Store(int32(Init))
	return h
}

// Load reads the current state with acquire ordering.
func (h *Handle) Load() State { return State(h.state.Load()) }

// MarkRunning transitions Init -> Running. Called by the background
// goroutine itself once it has finished setting up.
func (h *Handle) MarkRunning() { h.state.Store(int32(Running)) }

// RequestStop transitions Running -> RunningStopRequested, the
// cooperative cancellation signal spec.md §4.3/§5 describe. A loop that
// has already exited stays Stopped.
func (h *Handle) RequestStop() {
	h.state.CompareAndSwap(int32(Running), int32(RunningStopRequested))
}

// StopRequested reports whether a stop has been requested, for the
// background loop to poll.
func (h *Handle) StopRequested() bool {
	return h.Load() == RunningStopRequested
}

// MarkStopped transitions to Stopped. Called by the background goroutine
// right before it returns.
func (h *Handle) MarkStopped() { h.state.Store(int32(Stopped)) }

// SetFatal records a fatal error observed by the background loop. The
// loop is expected to call MarkStopped and return afterward.
func (h *Handle) SetFatal(err error) {
	if err != nil {
		h.err.Store(err)
	}
}

// FatalError returns the sticky fatal error, if any.
func (h *Handle) FatalError() error {
	v := h.err.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// WaitUntilRunning blocks (via cooperative polling, not a channel) until
// the handle reaches Running, implementing the "init protocol waits for
// Running before returning" rule of spec.md §4.8.
func (h *Handle) WaitUntilRunning() {
	for h.Load() == Init {
		time.Sleep(pollInterval)
	}
}

// WaitUntilStopped blocks until the handle reaches Stopped, implementing
// the shutdown half of spec.md §4.8.
func (h *Handle) WaitUntilStopped() {
	for h.Load() != Stopped {
		time.Sleep(pollInterval)
	}
}

// Shutdown requests a stop and waits for the goroutine to acknowledge
// it, returning any fatal error it recorded.
func (h *Handle) Shutdown() error {
	h.RequestStop()
	h.WaitUntilStopped()
	return h.FatalError()
}
