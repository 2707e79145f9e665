// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package epoch defines the wrap-around epoch identifier used throughout
// nvwal to tag writer-produced bytes, in the same spirit as blb's
// internal/core wraps its wire identifiers (TractID, PartitionID) in
// named types instead of passing bare uint64s around.
package epoch

import (
	"fmt"
	"sync/atomic"
)

// ID identifies a logical commit point. It wraps around like a TCP
// sequence number: comparisons must use After/AtOrAfter, not <, > or the
// bare arithmetic difference. Zero is reserved and never assigned to a
// real epoch.
type ID uint64

// Invalid is the reserved epoch value meaning "no epoch".
const Invalid ID = 0

// String implements fmt.Stringer.
func (e ID) String() string {
	return fmt.Sprintf("epoch(%d)", uint64(e))
}

// After reports whether e comes strictly after other, tolerant of 64-bit
// wraparound: the comparison is done on the signed difference, so it
// remains correct as long as the two epochs are within 2^63 of each
// other, which durable-epoch bookkeeping guarantees in practice.
func (e ID) After(other ID) bool {
	return int64(e-other) > 0
}

// AtOrAfter reports whether e is other or comes after it.
func (e ID) AtOrAfter(other ID) bool {
	return e == other || e.After(other)
}

// Before reports whether e comes strictly before other.
func (e ID) Before(other ID) bool {
	return other.After(e)
}

// Next returns the epoch immediately following e. Wraparound is
// intentional: incrementing the maximum ID yields Invalid's numeric
// neighborhood the same way it would for any other value, and callers
// that mint epochs are expected to never actually reach the wrap in a
// running system's lifetime.
func (e ID) Next() ID {
	return e + 1
}

// Atomic is a durable-epoch-style publication word: a single writer
// advances it with Store (a release), any number of readers observe it
// with Load (an acquire). On amd64/arm64 this compiles to a plain
// aligned load/store, which is what the underlying persistent-memory
// hardware needs from the CPU side; the actual durability guarantee
// (surviving power loss) is a separate concern handled by nvfile.Persist
// on the backing bytes before the word is published here.
type Atomic struct {
	v atomic.Uint64
}

// Load acquires the current value.
func (a *Atomic) Load() ID { return ID(a.v.Load()) }

// Store releases a new value. Callers must have already durably
// persisted everything the new value promises is durable.
func (a *Atomic) Store(id ID) { a.v.Store(uint64(id)) }

// CompareAndSwap performs a single CAS, used by AdvanceStableEpoch to
// ensure "new_stable == durable+1" is honored exactly once per attempt.
func (a *Atomic) CompareAndSwap(old, new ID) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(new))
}
