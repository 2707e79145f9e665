// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package fsyncer implements the single background thread of spec.md
// §4.3: it copies full NVM segments out to block-storage files and
// advances last_synced_dsid. It is modeled on blb's tractserver
// gc/scrub-style background loop idiom (internal/tractserver, a
// lifecycle.Handle-driven poll loop) and reuses pkg/retry.Retrier and
// pkg/tokenbucket.TokenBucket for the retry/throttle behavior
// blb's own background maintenance loops rely on.
package fsyncer

import (
	"context"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/diskfile"
	"github.com/wal-engine/nvwal/internal/lifecycle"
	"github.com/wal-engine/nvwal/internal/metrics"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/pkg/nverr"
	"github.com/wal-engine/nvwal/pkg/retry"
	"github.com/wal-engine/nvwal/pkg/tokenbucket"
)

// Config bundles an Fsyncer's dependencies, mirroring spec.md §6's
// engine-construction knobs that concern the fsyncer specifically.
type Config struct {
	DiskRoot string
	Pool     *segment.Pool
	Control  *control.Block

	// PollInterval is how often the loop scans the pool for pending
	// fsync requests when it finds nothing to do. Defaults to 1ms.
	PollInterval time.Duration

	// RateLimiter throttles bytes/sec written to disk, if set. nil means
	// unthrottled, matching spec.md §6's "optional fsyncer throughput
	// cap" knob.
	RateLimiter *tokenbucket.TokenBucket

	// Retrier governs how write_segment retries transient I/O errors
	// before giving up and recording a sticky FsyncErr. A nil Retrier
	// means no retries (spec.md §4.3's simplest mode).
	Retrier *retry.Retrier

	// Gauges, if set, are updated with disk-free-space and
	// last_synced_dsid samples on every iteration.
	Gauges *metrics.Gauges

	// DiskFreeWarnBytes logs a warning when free space under DiskRoot
	// drops below this threshold, per spec.md §7's disk-pressure
	// concern. Zero disables the check.
	DiskFreeWarnBytes uint64
}

// Fsyncer is the background fsync loop described by spec.md §4.3.
type Fsyncer struct {
	cfg    Config
	handle *lifecycle.Handle
	opm    *metrics.OpMetric
}

// New constructs an Fsyncer. Call Start to launch its goroutine.
func New(cfg Config) *Fsyncer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	return &Fsyncer{
		cfg:    cfg,
		handle: lifecycle.NewHandle(),
		opm:    metrics.NewOpMetric("nvwal_fsyncer_segment"),
	}
}

// Handle returns the fsyncer's lifecycle handle, for callers that want
// to observe state or fatal errors without going through Stop.
func (f *Fsyncer) Handle() *lifecycle.Handle { return f.handle }

// Start launches the fsync loop in a new goroutine and blocks until it
// reaches the Running state, per spec.md §4.8's init protocol.
func (f *Fsyncer) Start(ctx context.Context) {
	go f.run(ctx)
	f.handle.WaitUntilRunning()
}

// Stop requests the loop to exit and waits for it to do so, returning
// any sticky fatal error it recorded.
func (f *Fsyncer) Stop() error {
	return f.handle.Shutdown()
}

// run is the loop body, one iteration per spec.md §4.3: scan every
// slot for an unsynced fsync request, write it out, then advance
// last_synced_dsid as far as a contiguous run of completions allows.
func (f *Fsyncer) run(ctx context.Context) {
	f.handle.MarkRunning()
	defer f.handle.MarkStopped()

	for {
		if f.handle.StopRequested() || ctx.Err() != nil {
			return
		}

		didWork := f.scanOnce(ctx)
		f.sampleDiskFree()

		if !didWork {
			time.Sleep(f.cfg.PollInterval)
		}
	}
}

// scanOnce visits every slot once, syncing any pending requests and
// then advancing last_synced_dsid. Returns whether it found any work.
func (f *Fsyncer) scanOnce(ctx context.Context) bool {
	didWork := false
	for i := 0; i < f.cfg.Pool.N(); i++ {
		rec := f.cfg.Pool.At(i)
		if !rec.FsyncRequested() || rec.FsyncCompleted() {
			continue
		}
		didWork = true
		if err := f.syncOne(ctx, rec); err != nil {
			log.Errorf("fsyncer: dsid %v failed to sync: %v", rec.DSID(), err)
			continue
		}
	}
	f.advanceLastSynced()
	return didWork
}

// syncOne writes one segment's bytes to disk, retrying transient
// failures through cfg.Retrier if set, per spec.md §4.3.
func (f *Fsyncer) syncOne(ctx context.Context, rec *segment.Record) error {
	m := f.opm.Start()
	defer m.End()

	dsid := rec.DSID()
	path := segment.DiskName(f.cfg.DiskRoot, dsid)
	data := rec.BaseAddr()[:rec.WrittenBytes()]

	if f.cfg.RateLimiter != nil {
		f.cfg.RateLimiter.Take(float32(len(data)))
	}

	var writeErr error
	task := func(int) bool {
		writeErr = diskfile.WriteSegment(path, data)
		return writeErr == nil
	}
	if f.cfg.Retrier != nil {
		ok, cancelled := f.cfg.Retrier.Do(ctx, task)
		if cancelled {
			writeErr = nverr.New(nverr.Cancelled, "fsyncer.syncOne", "sync cancelled")
		} else if !ok && writeErr == nil {
			writeErr = nverr.New(nverr.IoError, "fsyncer.syncOne", "exhausted retries")
		}
	} else {
		task(0)
	}

	if writeErr != nil {
		m.Failed()
		if ne, ok := writeErr.(*nverr.Error); ok {
			rec.SetFsyncErr(ne)
		} else {
			rec.SetFsyncErr(nverr.Wrap(nverr.IoError, "fsyncer.syncOne", writeErr))
		}
		return writeErr
	}

	rec.SetFsyncCompleted(true)
	log.V(3).Infof("fsyncer: synced dsid %v (%d bytes) to %q", dsid, len(data), path)
	return nil
}

// advanceLastSynced raises last_synced_dsid as far as an unbroken run
// of completed syncs, starting right after the current value, permits.
// Scanning from the current horizon rather than advancing per-segment
// keeps the publish strictly monotone even though the physical slot
// scan order in scanOnce need not match dsid order once the pool has
// wrapped. A slot counts only once its sync was also requested:
// segment.Open seeds fresh slots as completed, and those hold nothing
// that has reached disk.
func (f *Fsyncer) advanceLastSynced() {
	for {
		next := f.cfg.Control.LastSyncedDSID() + 1
		slot := f.cfg.Pool.SlotForDSID(next)
		if slot.DSID() != next || !slot.FsyncRequested() || !slot.FsyncCompleted() {
			return
		}
		if err := f.cfg.Control.SetLastSyncedDSID(next); err != nil {
			f.handle.SetFatal(err)
			return
		}
		if f.cfg.Gauges != nil {
			f.cfg.Gauges.LastSyncedDSID.Set(float64(uint64(next)))
		}
	}
}

// sampleDiskFree updates the disk-free gauge and warns under pressure,
// adapted from blb's internal/tractserver.status's sigar.Mem{} sampling
// idiom, using gosigar's filesystem-usage call instead of its memory
// one since what matters here is space under DiskRoot.
func (f *Fsyncer) sampleDiskFree() {
	if f.cfg.DiskRoot == "" {
		return
	}
	usage := sigar.FileSystemUsage{}
	if err := usage.Get(f.cfg.DiskRoot); err != nil {
		log.V(2).Infof("fsyncer: disk usage sample failed: %v", err)
		return
	}
	freeBytes := usage.Avail * 1024
	if f.cfg.Gauges != nil {
		f.cfg.Gauges.DiskFreeBytes.Set(float64(freeBytes))
	}
	if f.cfg.DiskFreeWarnBytes > 0 && freeBytes < f.cfg.DiskFreeWarnBytes {
		log.Warningf("fsyncer: disk free space under %q is low: %d bytes", f.cfg.DiskRoot, freeBytes)
	}
}
