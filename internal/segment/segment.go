// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package segment implements the ring of N fixed-size NVM-mapped
// segments shared by the flusher, fsyncer, and reader cursors
// (spec.md §3 "Segment record", §4.2.1, §4.7). Each slot's lifecycle
// (owning dsid, written_bytes, fsync state, reader pins) lives here;
// the flusher is the only writer of the non-atomic fields, readers and
// the fsyncer only ever touch the atomic ones.
package segment

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/internal/nvfile"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// DSID is a Durable Segment ID: a monotonically increasing 64-bit
// identifier starting at 1. InvalidDSID (0) is never assigned.
type DSID uint64

// InvalidDSID is the reserved "no segment" value.
const InvalidDSID DSID = 0

// String implements fmt.Stringer.
func (d DSID) String() string { return fmt.Sprintf("dsid(%d)", uint64(d)) }

// pinExclusive mirrors spec.md §3's nv_reader_pins encoding:
// 0 means idle, >0 counts concurrent readers, -1 means the flusher holds
// the slot exclusively for recycling.
const pinExclusive = -1

// Record is the per-NVM-slot bookkeeping described by spec.md §3. Only
// the flusher mutates BaseAddr/writtenBytes/dsid directly; it does so
// only while it holds the slot (i.e. before publishing FsyncRequested,
// or after having reset it post-recycle), so no atomics are needed for
// those from the flusher's own perspective, but DSID and WrittenBytes
// are still exposed as atomics because the fsyncer and reader cursor
// read them from other threads.
type Record struct {
	mapping *nvfile.Mapping

	dsid         atomic.Uint64 // segment.DSID
	writtenBytes atomic.Int64  // 0..segmentSize

	fsyncRequested atomic.Bool
	fsyncCompleted atomic.Bool
	fsyncErr       atomic.Pointer[nverr.Error]

	// nvReaderPins: 0 idle, >0 reader count, -1 flusher-exclusive.
	nvReaderPins atomic.Int32
}

// BaseAddr returns the slot's mapped bytes.
func (r *Record) BaseAddr() []byte { return r.mapping.Data }

// DSID returns the segment currently occupying this slot.
func (r *Record) DSID() DSID { return DSID(r.dsid.Load()) }

// WrittenBytes returns how many bytes of this slot the flusher has
// filled so far.
func (r *Record) WrittenBytes() int64 { return r.writtenBytes.Load() }

// SetWrittenBytes is called only by the flusher.
func (r *Record) SetWrittenBytes(n int64) { r.writtenBytes.Store(n) }

// AddWrittenBytes is called only by the flusher, after a memcpy into the
// slot's tail.
func (r *Record) AddWrittenBytes(n int64) int64 { return r.writtenBytes.Add(n) }

// Persist durably flushes the given sub-range of the slot's mapped
// bytes, called by the flusher after every memcpy into the slot and
// before it advances any writer-visible offset, per spec.md §4.2's
// pmem-persist-then-publish ordering.
func (r *Record) Persist(offset, length int) error {
	return r.mapping.Persist(offset, length)
}

// FsyncRequested/Completed/Err implement the fsyncer handshake of
// spec.md §4.2.1/§4.3.
func (r *Record) FsyncRequested() bool    { return r.fsyncRequested.Load() }
func (r *Record) SetFsyncRequested(b bool) { r.fsyncRequested.Store(b) }
func (r *Record) FsyncCompleted() bool    { return r.fsyncCompleted.Load() }
func (r *Record) SetFsyncCompleted(b bool) { r.fsyncCompleted.Store(b) }

// FsyncErr returns the sticky fsync error, if any. Per spec.md §4.3 this
// must fail the next rotation attempt until the slot is reset.
func (r *Record) FsyncErr() *nverr.Error { return r.fsyncErr.Load() }
func (r *Record) SetFsyncErr(e *nverr.Error) { r.fsyncErr.Store(e) }

// TryAcquireExclusive implements the CAS from 0 to -1 that spec.md
// §4.2.1 uses to claim a slot for recycling against concurrent readers.
func (r *Record) TryAcquireExclusive() bool {
	return r.nvReaderPins.CompareAndSwap(0, pinExclusive)
}

// ReleaseExclusive hands the slot back to idle after a reset.
func (r *Record) ReleaseExclusive() {
	r.nvReaderPins.Store(0)
}

// TryPinRead implements the reader-side CAS of spec.md §4.7: increment
// the pin count only if it is currently non-negative (i.e. not held
// exclusively by the flusher for recycling).
func (r *Record) TryPinRead() bool {
	for {
		cur := r.nvReaderPins.Load()
		if cur < 0 {
			return false
		}
		if r.nvReaderPins.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// UnpinRead releases a pin taken by TryPinRead.
func (r *Record) UnpinRead() {
	r.nvReaderPins.Add(-1)
}

// resetForRecycle is called by the flusher, after it has acquired
// exclusive ownership via TryAcquireExclusive, to reassign the slot to a
// new dsid (spec.md §4.2.1 "Reset the slot").
func (r *Record) resetForRecycle(newDSID DSID) {
	r.dsid.Store(uint64(newDSID))
	r.writtenBytes.Store(0)
	r.fsyncRequested.Store(false)
	r.fsyncCompleted.Store(false)
	r.fsyncErr.Store(nil)
}

// Pool is the ring of N NVM-mapped segment slots described by spec.md
// §2's "Segment pool" component.
type Pool struct {
	nvRoot      string
	segmentSize int64
	slots       []*Record
	mappings    []*nvfile.Mapping
}

// SlotName returns the on-disk path for NVM slot j, per spec.md §6:
// "<nv_root>/nv_segment_<j>".
func SlotName(nvRoot string, j int) string {
	return filepath.Join(nvRoot, fmt.Sprintf("nv_segment_%d", j))
}

// DiskName returns the on-disk path for the disk copy of dsid, per
// spec.md §6: "<disk_root>/nvwal_ds<dsid>".
func DiskName(diskRoot string, dsid DSID) string {
	return filepath.Join(diskRoot, fmt.Sprintf("nvwal_ds%d", uint64(dsid)))
}

// initialSlotDSID computes which dsid slot i currently holds given that
// resumeDSID is the most recently assigned dsid across the whole ring
// (the flusher's active segment on a fresh start, or its recovered
// extent segment on restart). Dsids are handed out in strict round-robin
// order starting at 1, so slot i == (d-1) mod n for exactly one dsid per
// lap of the ring; this picks the largest such d that is <= resumeDSID,
// or i's first-lap value i+1 if the ring hasn't reached slot i yet.
func initialSlotDSID(i, n int, resumeDSID DSID) DSID {
	base := DSID(i + 1)
	if resumeDSID < base {
		return base
	}
	laps := (int64(resumeDSID) - int64(base)) / int64(n)
	return base + DSID(laps)*DSID(n)
}

// Open maps (creating if necessary) n NVM segment slots of segmentSize
// bytes each under nvRoot. resumeDSID is the most recently assigned
// dsid the caller has recovered (from the metadata store's record of
// durable_epoch), used to reconstruct which dsid each slot currently
// holds after a restart; pass InvalidDSID for a brand-new pool, which
// is equivalent to resuming from dsid 1 and assigns slots 1..n.
func Open(nvRoot string, n int, segmentSize int64, resumeDSID DSID) (*Pool, error) {
	if resumeDSID == InvalidDSID {
		resumeDSID = DSID(1)
	}
	p := &Pool{nvRoot: nvRoot, segmentSize: segmentSize}
	for j := 0; j < n; j++ {
		name := SlotName(nvRoot, j)
		m, err := nvfile.CreateOrOpen(name, segmentSize)
		if err != nil {
			p.Close()
			return nil, nverr.Wrapf(nverr.IoError, "segment.Open", err, "mapping slot %d", j)
		}
		rec := &Record{mapping: m}
		rec.dsid.Store(uint64(initialSlotDSID(j, n, resumeDSID)))
		// A freshly opened slot has nothing pending to sync, so it starts
		// as if its (nonexistent) prior dsid were already fully synced;
		// otherwise the first lap around the ring could never rotate into
		// it (internal/flusher.rotateSegment gates reuse on this flag).
		rec.fsyncCompleted.Store(true)
		p.slots = append(p.slots, rec)
		p.mappings = append(p.mappings, m)
	}
	log.Infof("segment: opened pool of %d slots of %d bytes under %q, resumed from dsid %v", n, segmentSize, nvRoot, resumeDSID)
	return p, nil
}

// N returns the number of slots in the ring.
func (p *Pool) N() int { return len(p.slots) }

// SegmentSize returns the fixed size of every slot.
func (p *Pool) SegmentSize() int64 { return p.segmentSize }

// SlotForDSID returns the slot currently (or, transiently, about to be)
// responsible for dsid, per spec.md §3: "(dsid-1) mod N".
func (p *Pool) SlotForDSID(dsid DSID) *Record {
	idx := int((uint64(dsid) - 1) % uint64(len(p.slots)))
	return p.slots[idx]
}

// At returns the slot at ring index i, used by the flusher and fsyncer
// to scan the whole pool.
func (p *Pool) At(i int) *Record { return p.slots[i] }

// Recycle performs the slot reset described by spec.md §4.2.1: the
// caller (the flusher) must already hold exclusive ownership of rec via
// TryAcquireExclusive. Recycle reassigns rec to newDSID and releases
// exclusivity, making the slot available to writers/readers again.
func (p *Pool) Recycle(rec *Record, newDSID DSID) {
	rec.resetForRecycle(newDSID)
	rec.ReleaseExclusive()
}

// Close unmaps every slot. Safe to call on a partially-opened pool.
func (p *Pool) Close() error {
	var firstErr error
	for _, m := range p.mappings {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
