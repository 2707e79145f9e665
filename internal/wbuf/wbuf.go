// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package wbuf implements the per-writer circular byte buffer and its
// small ring of epoch frames (spec.md §3 "Writer epoch frame", §4.1).
// Exactly one goroutine (the writer that owns a Buffer) may call the
// writer-side methods; the flusher goroutine calls the flusher-side
// methods concurrently without any lock, relying only on the
// acquire/release ordering spec.md §4.1 specifies.
package wbuf

import (
	"sync/atomic"

	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// MinFrames is the smallest K spec.md §3 allows ("K≥5").
const MinFrames = 5

// frame is one slot of the writer's epoch-frame ring. log_epoch,
// head_offset and tail_offset are each published independently with
// release stores and observed with acquire loads, per spec.md §4.1's
// publication-order contract.
type frame struct {
	logEpoch epoch.Atomic
	head     atomic.Int64 // doubled-offset space, see Buffer doc
	tail     atomic.Int64
}

// Buffer is a single writer's circular byte buffer plus its ring of
// epoch frames.
//
// Offsets are kept in a "doubled" space of size 2*bufferSize rather than
// taken modulo bufferSize on every update, per spec.md §4.1 and §9: this
// keeps enough information to tell head and tail apart unambiguously
// even when one has lapped the physical buffer relative to the other.
// The wrap back into [0, 2*bufferSize) only happens explicitly when an
// offset would reach the boundary; the eventual reduction into
// [0, bufferSize) for indexing into Bytes happens separately, in
// physIndex, and never discards the lap information the doubled space
// carries.
type Buffer struct {
	Bytes      []byte // length bufferSize; caller-supplied or owned
	bufferSize int64
	doubled    int64 // 2*bufferSize

	frames []frame

	// oldestFrame is the flusher's publication channel to the writer:
	// it advances only when the flusher has fully drained and
	// stabilized a frame (spec.md §4.2 step 4).
	oldestFrame atomic.Int32

	// activeIdx is writer-owned: only the writer goroutine reads or
	// writes it, so it needs no atomic.
	activeIdx int
}

// New allocates a fresh buffer of bufferSize bytes (must be a non-zero
// multiple of 512, per spec.md §6) with k epoch frames (k >= MinFrames).
func New(bufferSize int64, k int) (*Buffer, error) {
	return NewFromUserBuffer(make([]byte, bufferSize), k)
}

// NewFromUserBuffer wraps a caller-supplied buffer, per spec.md §6's
// "per-writer user-supplied buffer pointers" configuration knob.
func NewFromUserBuffer(buf []byte, k int) (*Buffer, error) {
	bufferSize := int64(len(buf))
	if bufferSize == 0 || bufferSize%512 != 0 {
		return nil, nverr.New(nverr.InvalidArgument, "wbuf.New", "buffer size must be a non-zero multiple of 512")
	}
	if k < MinFrames {
		return nil, nverr.New(nverr.InvalidArgument, "wbuf.New", "frame ring must have at least 5 slots")
	}
	b := &Buffer{
		Bytes:      buf,
		bufferSize: bufferSize,
		doubled:    2 * bufferSize,
		frames:     make([]frame, k),
	}
	b.frames[0].logEpoch.Store(epoch.Invalid)
	// Frame 0 starts as the empty active frame, so the first epoch is
	// promoted into frame 1; that is where the flusher starts looking.
	b.oldestFrame.Store(1)
	return b, nil
}

// K returns the number of frames in the ring.
func (b *Buffer) K() int { return len(b.frames) }

// BufferSize returns the physical buffer size in bytes.
func (b *Buffer) BufferSize() int64 { return b.bufferSize }

// physIndex folds a doubled-space offset down into a physical byte
// index within Bytes.
func (b *Buffer) physIndex(off int64) int64 {
	return off % b.bufferSize
}

// advance adds n to a doubled-space offset, wrapping explicitly at the
// 2*bufferSize boundary (spec.md §4.1: "the concrete wrap happens only
// at the boundary").
func (b *Buffer) advance(off, n int64) int64 {
	off += n
	if off >= b.doubled {
		off -= b.doubled
	}
	return off
}

// distance returns how many bytes separate from (exclusive) up to to
// (inclusive) in doubled-offset space, always in [0, 2*bufferSize).
func (b *Buffer) distance(from, to int64) int64 {
	d := to - from
	if d < 0 {
		d += b.doubled
	}
	return d
}

// ---- Writer-side API: called only by the owning writer goroutine ----

// HasEnoughSpace implements spec.md §4.1: true iff the distance from the
// oldest frame's head to the current tail is at most half the buffer.
func (b *Buffer) HasEnoughSpace() bool {
	oldest := int(b.oldestFrame.Load())
	head := b.frames[oldest].head.Load()
	tail := b.frames[b.activeIdx].tail.Load()
	return b.distance(head, tail) <= b.bufferSize/2
}

// promote switches the active frame to e if it isn't already, enforcing
// spec.md §3/§4.1's frame-ring invariants: epochs strictly increase
// across frames, and the writer may never run far enough ahead to lap
// oldest_frame.
func (b *Buffer) promote(e epoch.ID) (*frame, error) {
	cur := &b.frames[b.activeIdx]
	curEpoch := cur.logEpoch.Load()
	if curEpoch == e {
		return cur, nil
	}
	if curEpoch != epoch.Invalid && !e.After(curEpoch) {
		return nil, nverr.New(nverr.ContractViolation, "wbuf.promote", "epoch must strictly increase across frames")
	}
	nextIdx := (b.activeIdx + 1) % len(b.frames)
	oldest := int(b.oldestFrame.Load())
	// An active frame holding the invalid epoch is empty (the initial
	// frame, or one the flusher has already retired), so the next slot
	// being oldest_frame then means the ring is empty, not full. The
	// epoch is reloaded after oldest_frame because the flusher clears it
	// before it publishes a new oldest_frame.
	if nextIdx == oldest && cur.logEpoch.Load() != epoch.Invalid {
		// The ring is exhausted: the writer has run further ahead than
		// durable_epoch+2 allows, per spec.md §3's frame invariant. This
		// is how we detect that contract violation without tracking
		// durable_epoch here directly.
		return nil, nverr.New(nverr.ContractViolation, "wbuf.promote", "writer frame ring exhausted, overtook oldest_frame")
	}
	tail := cur.tail.Load()
	next := &b.frames[nextIdx]
	// Publication order from spec.md §4.1: head, then tail, then
	// log_epoch, each a release store; the flusher's acquire loads
	// observe them in the reverse dependency order.
	next.head.Store(tail)
	next.tail.Store(tail)
	next.logEpoch.Store(e)
	b.activeIdx = nextIdx
	return next, nil
}

// OnWALWrite implements spec.md §4.1: record that the caller has copied
// n bytes of data for epoch e into Bytes at the (now former) tail, and
// advance the tail. If e is new, it promotes a fresh frame first.
func (b *Buffer) OnWALWrite(n int64, e epoch.ID) error {
	cur, err := b.promote(e)
	if err != nil {
		return err
	}
	newTail := b.advance(cur.tail.Load(), n)
	cur.tail.Store(newTail)
	return nil
}

// Append copies p into the circular buffer at the active frame's
// current tail, promoting a fresh frame first if e differs from the
// active frame's epoch, then advances the tail the same way OnWALWrite
// does. It exists for callers (the engine's public WAL.OnWALWrite) that
// have not already placed p's bytes into Bytes themselves.
func (b *Buffer) Append(p []byte, e epoch.ID) error {
	if int64(len(p)) > b.bufferSize {
		return nverr.New(nverr.InvalidArgument, "wbuf.Append", "write larger than the whole buffer")
	}
	cur, err := b.promote(e)
	if err != nil {
		return err
	}
	off := cur.tail.Load()
	remaining := int64(len(p))
	pos := int64(0)
	for remaining > 0 {
		physOff := b.physIndex(off)
		chunk := b.bufferSize - physOff
		if chunk > remaining {
			chunk = remaining
		}
		copy(b.Bytes[physOff:physOff+chunk], p[pos:pos+chunk])
		off = b.advance(off, chunk)
		pos += chunk
		remaining -= chunk
	}
	cur.tail.Store(off)
	return nil
}

// ---- Flusher-side API: called only by the flusher goroutine ----

// OldestFrame returns the current oldest-frame index.
func (b *Buffer) OldestFrame() int { return int(b.oldestFrame.Load()) }

// FrameEpoch returns frame idx's published epoch.
func (b *Buffer) FrameEpoch(idx int) epoch.ID { return b.frames[idx].logEpoch.Load() }

// FrameHead returns frame idx's published head offset (doubled space).
func (b *Buffer) FrameHead(idx int) int64 { return b.frames[idx].head.Load() }

// FrameTail returns frame idx's published tail offset (doubled space).
func (b *Buffer) FrameTail(idx int) int64 { return b.frames[idx].tail.Load() }

// CopyLoop copies up to len(dst) bytes from frame idx's unflushed region
// [head, tail) into dst, honoring the circular wrap of Bytes, and
// returns how many bytes it copied plus the new head offset the caller
// should publish (or retire the frame with, if it reaches tail).
// Implements spec.md §4.2 step 3's "copy loop".
func (b *Buffer) CopyLoop(idx int, dst []byte) (n int64, newHead int64) {
	f := &b.frames[idx]
	head := f.head.Load()
	tail := f.tail.Load()
	avail := b.distance(head, tail)
	n = int64(len(dst))
	if n > avail {
		n = avail
	}
	remaining := n
	off := head
	pos := int64(0)
	for remaining > 0 {
		physOff := b.physIndex(off)
		chunk := b.bufferSize - physOff
		if chunk > remaining {
			chunk = remaining
		}
		copy(dst[pos:pos+chunk], b.Bytes[physOff:physOff+chunk])
		off = b.advance(off, chunk)
		pos += chunk
		remaining -= chunk
	}
	return n, off
}

// AdvanceHead release-publishes a new head offset for frame idx, without
// retiring it (spec.md §4.2 step 4's "else" branch).
func (b *Buffer) AdvanceHead(idx int, newHead int64) {
	b.frames[idx].head.Store(newHead)
}

// RetireFrame zeroes frame idx and release-publishes a new oldestFrame,
// implementing spec.md §4.2 step 4's "if" branch (new_head == tail &&
// stable).
func (b *Buffer) RetireFrame(idx int) {
	f := &b.frames[idx]
	f.head.Store(0)
	f.tail.Store(0)
	f.logEpoch.Store(epoch.Invalid)
	b.oldestFrame.Store(int32((idx + 1) % len(b.frames)))
}
