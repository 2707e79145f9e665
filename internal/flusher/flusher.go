// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package flusher implements the single background thread of spec.md
// §4.2/§4.2.1/§4.2.2: it drains every writer's oldest epoch frame into
// the active NVM segment, rotates segments when one fills up, and
// concludes each epoch once every writer has fully drained it by
// recording its byte extent in the metadata store and durably
// publishing control_block.durable_epoch. It is modeled on the same
// lifecycle.Handle-driven poll loop as internal/fsyncer.
package flusher

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/lifecycle"
	"github.com/wal-engine/nvwal/internal/mds"
	"github.com/wal-engine/nvwal/internal/metrics"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/internal/wbuf"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// Config bundles a Flusher's dependencies.
type Config struct {
	Writers []*wbuf.Buffer
	Pool    *segment.Pool
	MDS     *mds.MDS
	Control *control.Block

	// StableEpoch publishes the highest epoch the application has
	// declared closed (spec.md §6's advance_stable_epoch); the flusher
	// never concludes an epoch past this horizon, since writers remain
	// free to keep appending to it until then.
	StableEpoch *epoch.Atomic

	// PollInterval is how often the loop retries when there is nothing
	// yet to drain or conclude. Defaults to 1ms.
	PollInterval time.Duration

	// UserMetadata, if set, is called once per conclude to obtain the
	// EpochMetadata.UserMetadata0/1 values for the epoch about to be
	// recorded (spec.md §3's application-defined per-epoch fields,
	// e.g. a checkpoint marker). A nil value leaves both fields zero.
	UserMetadata func() (uint64, uint64)

	Gauges *metrics.Gauges
}

// Flusher is the background drain/conclude loop described by spec.md
// §4.2.
type Flusher struct {
	cfg    Config
	handle *lifecycle.Handle
	opm    *metrics.OpMetric

	// activeSlot/activeSlotIdx/activeDSID track the NVM segment slot the
	// loop is currently appending to; extentSeg/extentOff track the
	// boundary between the last concluded epoch's bytes and the next
	// epoch's, which becomes the next EpochMetadata's FromSegID/FromOffset.
	activeSlot    *segment.Record
	activeSlotIdx int
	activeDSID    segment.DSID

	extentSeg segment.DSID
	extentOff int64
}

// New constructs a Flusher, recovering its in-progress segment position
// from the metadata store's record of durable_epoch so it resumes
// exactly where a prior run (or, on first ever run, the pool's initial
// state) left off.
func New(cfg Config) (*Flusher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	f := &Flusher{
		cfg:    cfg,
		handle: lifecycle.NewHandle(),
		opm:    metrics.NewOpMetric("nvwal_flusher_epoch"),
	}

	extentSeg := segment.DSID(1)
	var extentOff int64
	if durable := cfg.Control.DurableEpoch(); durable != epoch.Invalid {
		meta, err := cfg.MDS.ReadOneEpoch(durable)
		if err != nil {
			return nil, err
		}
		extentSeg, extentOff = meta.ToSegID, meta.ToOff
	}
	f.extentSeg, f.extentOff = extentSeg, extentOff

	idx := -1
	for i := 0; i < cfg.Pool.N(); i++ {
		if cfg.Pool.At(i).DSID() == extentSeg {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nverr.New(nverr.ContractViolation, "flusher.New", "recovered extent segment is not resident in the pool")
	}
	f.activeSlot = cfg.Pool.At(idx)
	f.activeSlotIdx = idx
	f.activeDSID = extentSeg
	return f, nil
}

// Handle returns the flusher's lifecycle handle.
func (f *Flusher) Handle() *lifecycle.Handle { return f.handle }

// Start launches the loop in a new goroutine and blocks until it
// reaches the Running state.
func (f *Flusher) Start(ctx context.Context) {
	go f.run(ctx)
	f.handle.WaitUntilRunning()
}

// Stop requests the loop to exit and waits for it to do so, returning
// any sticky fatal error it recorded.
func (f *Flusher) Stop() error {
	return f.handle.Shutdown()
}

func (f *Flusher) run(ctx context.Context) {
	f.handle.MarkRunning()
	defer f.handle.MarkStopped()

	for {
		if f.handle.StopRequested() || ctx.Err() != nil {
			return
		}
		didWork, err := f.tick()
		if err != nil {
			if nverr.Is(err, nverr.BufferFull) {
				log.V(4).Infof("flusher: deferred: %v", err)
			} else {
				log.Errorf("flusher: fatal: %v", err)
				f.handle.SetFatal(err)
				return
			}
		}
		if !didWork {
			time.Sleep(f.cfg.PollInterval)
		}
	}
}

// tick implements one pass of spec.md §4.2: compute the target epoch,
// drain every writer's contribution to it, and conclude it once every
// writer has. A BufferFull error means the loop should simply retry on
// its next tick, having made whatever progress it durably recorded so
// far; any other error is fatal.
func (f *Flusher) tick() (didWork bool, err error) {
	target := f.cfg.Control.DurableEpoch().Next()
	if target.After(f.cfg.StableEpoch.Load()) {
		return false, nil
	}

	m := f.opm.Start()
	defer m.End()

	allDrained := true
	for _, w := range f.cfg.Writers {
		idx := w.OldestFrame()
		e := w.FrameEpoch(idx)
		switch {
		case e == epoch.Invalid, e.After(target):
			continue
		case e.Before(target):
			log.Warningf("flusher: writer frame stuck at %v behind target %v", e, target)
			allDrained = false
			continue
		}
		didWork = true
		if derr := f.drainFrame(w, idx); derr != nil {
			m.Failed()
			return true, derr
		}
		if w.FrameHead(idx) != w.FrameTail(idx) {
			allDrained = false
		}
	}
	if !allDrained {
		return didWork, nil
	}
	if err := f.concludeEpoch(target); err != nil {
		m.Failed()
		return true, err
	}
	return true, nil
}

// drainFrame implements spec.md §4.2 step 3's copy loop for one
// writer's oldest frame: repeatedly copy as much of [head, tail) as
// fits in the active segment, pmem-persisting each chunk and advancing
// the frame's head before moving on, rotating to a fresh segment
// whenever the active one fills up.
func (f *Flusher) drainFrame(w *wbuf.Buffer, idx int) error {
	for {
		head := w.FrameHead(idx)
		tail := w.FrameTail(idx)
		if head == tail {
			return nil
		}

		capLeft := f.cfg.Pool.SegmentSize() - f.activeSlot.WrittenBytes()
		if capLeft == 0 {
			if err := f.rotateSegment(); err != nil {
				return err
			}
			continue
		}

		written := f.activeSlot.WrittenBytes()
		dst := f.activeSlot.BaseAddr()[written : written+capLeft]
		n, newHead := w.CopyLoop(idx, dst)
		if n == 0 {
			return nil
		}
		if err := f.activeSlot.Persist(int(written), int(n)); err != nil {
			return err
		}
		f.activeSlot.AddWrittenBytes(n)
		w.AdvanceHead(idx, newHead)

		if f.cfg.Gauges != nil {
			f.cfg.Gauges.ActiveSegmentWritten.Set(float64(f.activeSlot.WrittenBytes()))
		}
	}
}

// rotateSegment hands the current active slot off to the fsyncer and
// claims the next slot in the ring, implementing spec.md §4.2.1's
// CAS-guarded recycle. It returns a BufferFull error (not fatal, just
// "try again") if the next slot is still pinned by a reader or its prior
// dsid has not yet finished syncing to disk, and an IoError if the next
// slot carries a sticky fsync failure from a previous lap, which does
// need operator attention before the ring can wrap past it again.
func (f *Flusher) rotateSegment() error {
	nextIdx := (f.activeSlotIdx + 1) % f.cfg.Pool.N()
	next := f.cfg.Pool.At(nextIdx)

	if fe := next.FsyncErr(); fe != nil {
		return nverr.Wrap(nverr.IoError, "flusher.rotateSegment", fe)
	}
	// Spec.md §4.2.1 step 1: wait until the slot's previous dsid has been
	// fully synced to disk before it can be reused, per §8's invariant
	// that a slot's dsid is only raised once last_synced_dsid has caught
	// up to its old one.
	if !next.FsyncCompleted() {
		return nverr.New(nverr.BufferFull, "flusher.rotateSegment", "next segment slot not yet synced to disk")
	}
	if !next.TryAcquireExclusive() {
		return nverr.New(nverr.BufferFull, "flusher.rotateSegment", "next segment slot still pinned by readers")
	}

	// The outgoing slot now has real unsynced data pending, so its
	// vacuous fresh-slot fsyncCompleted default (or the leftover true
	// from the fsyncer's previous lap) must be cleared before the
	// fsyncer sets it again once it has actually copied this dsid out.
	f.activeSlot.SetFsyncCompleted(false)
	f.activeSlot.SetFsyncRequested(true)

	newDSID := f.activeDSID + 1
	f.cfg.Pool.Recycle(next, newDSID)

	f.activeSlot = next
	f.activeSlotIdx = nextIdx
	f.activeDSID = newDSID
	log.V(4).Infof("flusher: rotated to segment %v", newDSID)
	return nil
}

// concludeEpoch implements spec.md §4.2.2: record target's byte extent
// in the metadata store, durably advance control_block.durable_epoch,
// then retire every writer frame that fully drained into it.
func (f *Flusher) concludeEpoch(target epoch.ID) error {
	meta := mds.EpochMetadata{
		EpochID:    target,
		FromSegID:  f.extentSeg,
		FromOffset: f.extentOff,
		ToSegID:    f.activeSlot.DSID(),
		ToOff:      f.activeSlot.WrittenBytes(),
	}
	if f.cfg.UserMetadata != nil {
		meta.UserMetadata0, meta.UserMetadata1 = f.cfg.UserMetadata()
	}
	if err := f.cfg.MDS.WriteEpoch(meta); err != nil {
		return err
	}
	if err := f.cfg.Control.SetDurableEpoch(target); err != nil {
		return err
	}
	f.extentSeg, f.extentOff = meta.ToSegID, meta.ToOff

	for _, w := range f.cfg.Writers {
		idx := w.OldestFrame()
		if w.FrameEpoch(idx) == target && w.FrameHead(idx) == w.FrameTail(idx) {
			w.RetireFrame(idx)
		}
	}

	if f.cfg.Gauges != nil {
		f.cfg.Gauges.DurableEpoch.Set(float64(uint64(target)))
	}
	log.V(3).Infof("flusher: concluded epoch %v, extent %v@%d..%v@%d", target, meta.FromSegID, meta.FromOffset, meta.ToSegID, meta.ToOff)
	return nil
}
