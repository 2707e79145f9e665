// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package nvwal is the engine's public surface, spec.md §6: Open/Close
// an instance and drive it through on_wal_write, advance_stable_epoch,
// open_log_cursor and the metadata bound searches. It wires together
// internal/control, internal/segment, internal/mds, internal/wbuf and
// the internal/flusher/internal/fsyncer background threads, following
// the construction/teardown shape of client/blb/client.go's Options
// struct and Client type.
package nvwal

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/cursor"
	"github.com/wal-engine/nvwal/internal/flusher"
	"github.com/wal-engine/nvwal/internal/fsyncer"
	"github.com/wal-engine/nvwal/internal/mds"
	"github.com/wal-engine/nvwal/internal/metrics"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/internal/wbuf"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
	"github.com/wal-engine/nvwal/pkg/retry"
	"github.com/wal-engine/nvwal/pkg/tokenbucket"
)

// InitMode selects how Open reconciles NVRoot/DiskRoot against whatever
// state, if any, already lives there, per spec.md §6's init_mode knob.
type InitMode int

const (
	// CreateIfNotExists opens an existing log if one is present under
	// NVRoot, or initializes a fresh one if not. The default zero value.
	CreateIfNotExists InitMode = iota
	// CreateTruncate always starts fresh, discarding any prior state
	// under NVRoot and DiskRoot first.
	CreateTruncate
	// Restart requires an existing log and fails if Open can't find one.
	Restart
)

// Config enumerates the knobs spec.md §6 lists for constructing an
// engine instance.
type Config struct {
	NVRoot   string
	DiskRoot string
	InitMode InitMode

	// WriterCount allocates that many fresh WriterBufferSize-byte
	// buffers. WriterBuffers, if non-empty, instead supplies
	// caller-owned buffers directly (spec.md §6's "per-writer
	// user-supplied buffer pointers" knob) and WriterCount is ignored.
	WriterCount      int
	WriterBufferSize int64
	WriterBuffers    [][]byte
	FrameRingSize    int // K, defaults to wbuf.MinFrames

	SegmentCount int // N
	SegmentSize  int64

	MDSNumFiles     int // P
	MDSPageSize     int64
	MDSAtomicAppend bool
	MDSPrefetch     int
	MDSCacheEntries int

	CursorCacheEntries int

	FlusherPollInterval time.Duration
	FsyncPollInterval   time.Duration
	FsyncRateLimiter    *tokenbucket.TokenBucket
	FsyncRetrier        *retry.Retrier
	DiskFreeWarnBytes   uint64
}

// WAL is an open engine instance: the public handle spec.md §6
// describes, wiring the control block, segment pool, metadata store and
// writer buffers to the flusher/fsyncer background threads.
type WAL struct {
	cfg Config

	cancel context.CancelFunc

	control *control.Block
	pool    *segment.Pool
	mds     *mds.MDS
	writers []*wbuf.Buffer
	gauges  *metrics.Gauges

	stableEpoch epoch.Atomic

	pendingMeta0 atomic.Uint64
	pendingMeta1 atomic.Uint64

	fl *flusher.Flusher
	fs *fsyncer.Fsyncer
}

// Open constructs (or resumes) an engine instance per cfg.InitMode, and
// starts its flusher and fsyncer background threads, returning only
// once both report Running (spec.md §4.8's init protocol).
func Open(cfg Config) (*WAL, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	exists := controlBlockExists(cfg.NVRoot)
	if cfg.InitMode == Restart && !exists {
		return nil, nverr.New(nverr.InvalidArgument, "nvwal.Open", "Restart requested but no existing log found")
	}
	if cfg.InitMode == CreateTruncate && exists {
		if err := wipe(cfg); err != nil {
			return nil, err
		}
		exists = false
	}
	if err := os.MkdirAll(cfg.NVRoot, 0700); err != nil {
		return nil, nverr.Wrap(nverr.IoError, "nvwal.Open", err)
	}
	if err := os.MkdirAll(cfg.DiskRoot, 0700); err != nil {
		return nil, nverr.Wrap(nverr.IoError, "nvwal.Open", err)
	}

	var ctl *control.Block
	var err error
	if exists {
		ctl, err = control.Open(cfg.NVRoot)
	} else {
		ctl, err = control.Create(cfg.NVRoot)
	}
	if err != nil {
		return nil, err
	}

	m, err := mds.Open(mds.Config{
		NVRoot:       cfg.NVRoot,
		DiskRoot:     cfg.DiskRoot,
		NumFiles:     cfg.MDSNumFiles,
		PageSize:     cfg.MDSPageSize,
		AtomicAppend: cfg.MDSAtomicAppend,
		Control:      ctl,
		Prefetch:     cfg.MDSPrefetch,
		CacheEntries: cfg.MDSCacheEntries,
	})
	if err != nil {
		ctl.Close()
		return nil, err
	}

	resumeDSID, err := recoverActiveDSID(ctl, m)
	if err != nil {
		m.Close()
		ctl.Close()
		return nil, err
	}
	pool, err := segment.Open(cfg.NVRoot, cfg.SegmentCount, cfg.SegmentSize, resumeDSID)
	if err != nil {
		m.Close()
		ctl.Close()
		return nil, err
	}

	writers, err := openWriters(cfg)
	if err != nil {
		m.Close()
		pool.Close()
		ctl.Close()
		return nil, err
	}

	w := &WAL{
		cfg:     cfg,
		control: ctl,
		pool:    pool,
		mds:     m,
		writers: writers,
		gauges:  metrics.NewGauges(),
	}
	w.stableEpoch.Store(ctl.DurableEpoch())

	var ctx context.Context
	ctx, w.cancel = context.WithCancel(context.Background())

	w.fl, err = flusher.New(flusher.Config{
		Writers:      writers,
		Pool:         pool,
		MDS:          m,
		Control:      ctl,
		StableEpoch:  &w.stableEpoch,
		PollInterval: cfg.FlusherPollInterval,
		UserMetadata: w.takePendingUserMetadata,
		Gauges:       w.gauges,
	})
	if err != nil {
		w.cancel()
		m.Close()
		pool.Close()
		ctl.Close()
		return nil, err
	}
	w.fs = fsyncer.New(fsyncer.Config{
		DiskRoot:          cfg.DiskRoot,
		Pool:              pool,
		Control:           ctl,
		PollInterval:      cfg.FsyncPollInterval,
		RateLimiter:       cfg.FsyncRateLimiter,
		Retrier:           cfg.FsyncRetrier,
		Gauges:            w.gauges,
		DiskFreeWarnBytes: cfg.DiskFreeWarnBytes,
	})

	w.fl.Start(ctx)
	w.fs.Start(ctx)
	log.Infof("nvwal: opened log under nv_root=%q disk_root=%q, durable_epoch=%v", cfg.NVRoot, cfg.DiskRoot, ctl.DurableEpoch())
	return w, nil
}

func validate(cfg *Config) error {
	if cfg.NVRoot == "" || cfg.DiskRoot == "" {
		return nverr.New(nverr.InvalidArgument, "nvwal.Open", "NVRoot and DiskRoot are required")
	}
	if cfg.WriterCount <= 0 && len(cfg.WriterBuffers) == 0 {
		return nverr.New(nverr.InvalidArgument, "nvwal.Open", "WriterCount or WriterBuffers is required")
	}
	if cfg.FrameRingSize <= 0 {
		cfg.FrameRingSize = wbuf.MinFrames
	}
	if cfg.SegmentCount <= 0 {
		return nverr.New(nverr.InvalidArgument, "nvwal.Open", "SegmentCount must be positive")
	}
	if cfg.SegmentSize <= 0 {
		return nverr.New(nverr.InvalidArgument, "nvwal.Open", "SegmentSize must be positive")
	}
	if cfg.MDSNumFiles <= 0 {
		cfg.MDSNumFiles = 1
	}
	if cfg.MDSPageSize <= 0 {
		return nverr.New(nverr.InvalidArgument, "nvwal.Open", "MDSPageSize must be positive")
	}
	if cfg.FlusherPollInterval <= 0 {
		cfg.FlusherPollInterval = time.Millisecond
	}
	if cfg.FsyncPollInterval <= 0 {
		cfg.FsyncPollInterval = time.Millisecond
	}
	return nil
}

func controlBlockExists(nvRoot string) bool {
	_, err := os.Stat(control.Path(nvRoot))
	return err == nil
}

// wipe discards any prior state under NVRoot/DiskRoot for CreateTruncate.
func wipe(cfg Config) error {
	if err := os.RemoveAll(cfg.NVRoot); err != nil {
		return nverr.Wrap(nverr.IoError, "nvwal.wipe", err)
	}
	if cfg.DiskRoot != cfg.NVRoot {
		if err := os.RemoveAll(cfg.DiskRoot); err != nil {
			return nverr.Wrap(nverr.IoError, "nvwal.wipe", err)
		}
	}
	return nil
}

// recoverActiveDSID determines the most recently assigned segment dsid
// across the whole ring, so segment.Open can reconstruct which dsid
// every slot currently holds after a restart (segment.InvalidDSID on a
// brand-new log, meaning "nothing rotated yet").
func recoverActiveDSID(ctl *control.Block, m *mds.MDS) (segment.DSID, error) {
	durable := ctl.DurableEpoch()
	if durable == epoch.Invalid {
		return segment.InvalidDSID, nil
	}
	meta, err := m.ReadOneEpoch(durable)
	if err != nil {
		return segment.InvalidDSID, err
	}
	return meta.ToSegID, nil
}

func openWriters(cfg Config) ([]*wbuf.Buffer, error) {
	n := cfg.WriterCount
	if len(cfg.WriterBuffers) > 0 {
		n = len(cfg.WriterBuffers)
	}
	writers := make([]*wbuf.Buffer, n)
	for i := 0; i < n; i++ {
		var buf *wbuf.Buffer
		var err error
		if len(cfg.WriterBuffers) > 0 {
			buf, err = wbuf.NewFromUserBuffer(cfg.WriterBuffers[i], cfg.FrameRingSize)
		} else {
			buf, err = wbuf.New(cfg.WriterBufferSize, cfg.FrameRingSize)
		}
		if err != nil {
			return nil, err
		}
		writers[i] = buf
	}
	return writers, nil
}

// Close stops the flusher and fsyncer threads and releases every mapped
// resource. It does not drain in-flight writer data first; a caller
// that needs every pending write durable before Close must call
// AdvanceStableEpoch and wait for DurableEpoch to catch up itself.
func (w *WAL) Close() error {
	w.cancel()
	var firstErr error
	if err := w.fl.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.fs.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.mds.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.control.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Version returns the on-disk format version, spec.md §6's get_version.
func (w *WAL) Version() int { return w.control.FormatVersion() }

// DurableEpoch returns the highest epoch whose bytes and metadata are
// both durable, per spec.md §4.2.2 step 4.
func (w *WAL) DurableEpoch() epoch.ID { return w.control.DurableEpoch() }

// AdvanceStableEpoch implements spec.md §6's advance_stable_epoch: the
// application declares that newStable, exactly one past the current
// durable epoch, will receive no further writes, unblocking the flusher
// to conclude it.
func (w *WAL) AdvanceStableEpoch(newStable epoch.ID) error {
	for {
		cur := w.stableEpoch.Load()
		if newStable != w.control.DurableEpoch().Next() {
			return nverr.New(nverr.ContractViolation, "nvwal.AdvanceStableEpoch", "stable epoch must be exactly one past the durable epoch")
		}
		if w.stableEpoch.CompareAndSwap(cur, newStable) {
			return nil
		}
	}
}

// SetNextEpochUserMetadata attaches application-defined metadata (e.g. a
// checkpoint marker) to whichever epoch AdvanceStableEpoch next causes
// the flusher to conclude, per spec.md §3's EpochMetadata.user_metadata
// fields.
func (w *WAL) SetNextEpochUserMetadata(m0, m1 uint64) {
	w.pendingMeta0.Store(m0)
	w.pendingMeta1.Store(m1)
}

// takePendingUserMetadata returns the pending metadata and clears it, so
// it is recorded for one concluded epoch only.
func (w *WAL) takePendingUserMetadata() (uint64, uint64) {
	return w.pendingMeta0.Swap(0), w.pendingMeta1.Swap(0)
}

// HasEnoughWriterSpace implements spec.md §4.1's backpressure check for
// writer index i.
func (w *WAL) HasEnoughWriterSpace(writer int) (bool, error) {
	buf, err := w.writerBuf(writer)
	if err != nil {
		return false, err
	}
	return buf.HasEnoughSpace(), nil
}

// OnWALWrite implements spec.md §6's on_wal_write: writer i's caller has
// produced p for epoch e; OnWALWrite copies it into writer i's circular
// buffer and advances its frame accounting.
func (w *WAL) OnWALWrite(writer int, p []byte, e epoch.ID) error {
	buf, err := w.writerBuf(writer)
	if err != nil {
		return err
	}
	return buf.Append(p, e)
}

func (w *WAL) writerBuf(i int) (*wbuf.Buffer, error) {
	if i < 0 || i >= len(w.writers) {
		return nil, nverr.New(nverr.InvalidArgument, "nvwal.writerBuf", "writer index out of range")
	}
	return w.writers[i], nil
}

// OpenLogCursor implements spec.md §6's open_log_cursor over the
// half-open epoch range [lo, hi).
func (w *WAL) OpenLogCursor(lo, hi epoch.ID) (*cursor.Cursor, error) {
	return cursor.Open(w.mds, w.pool, w.control, w.cfg.DiskRoot, w.cfg.SegmentSize, w.cfg.CursorCacheEntries, lo, hi)
}

// FindMetadataLowerBound implements spec.md §6's find_lower_bound: the
// first epoch with user_metadata_0 >= x.
func (w *WAL) FindMetadataLowerBound(x uint64) (epoch.ID, bool) {
	return w.mds.LowerBoundUserMetadata0(x)
}

// FindMetadataUpperBound implements spec.md §6's find_upper_bound: the
// last epoch with user_metadata_0 <= x.
func (w *WAL) FindMetadataUpperBound(x uint64) (epoch.ID, bool) {
	return w.mds.UpperBoundUserMetadata0(x)
}

// Rollback implements spec.md §4.6/§9's rollback(epoch): the caller must
// first ensure the flusher and fsyncer have stopped touching any epoch
// after e. It is a crash-recovery and test-harness primitive, not part
// of routine operation.
func (w *WAL) Rollback(e epoch.ID) error {
	return w.mds.Rollback(e)
}
