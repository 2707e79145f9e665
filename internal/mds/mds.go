// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package mds implements the MDS core of spec.md §4.6 on top of
// internal/mds/pagefile and internal/mds/buffer: write/iterate/rollback
// and the bound-search helpers, plus recovery reconciling durable_epoch
// against paged_mds_epoch.
package mds

import (
	"fmt"
	"path/filepath"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/mds/buffer"
	"github.com/wal-engine/nvwal/internal/mds/pagefile"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// Config bundles an MDS's dependencies and the enumerated knobs
// spec.md §6 lists for the metadata store.
type Config struct {
	NVRoot       string
	DiskRoot     string
	NumFiles     int   // P, number of page files/buffers
	PageSize     int64 // mds_page_size_, multiple of 512
	AtomicAppend bool
	Control      *control.Block

	// Prefetch bounds how many records an iterator reads ahead within
	// a page, spec.md §4.6's kMdsReadPrefetch.
	Prefetch int

	// CacheEntries bounds each buffer's disk-read fallback cache.
	CacheEntries int
}

// MDS is the metadata store: P page files, each with its own NVM write
// buffer, sharing a single epoch-to-(file,page,offset) mapping. Page
// generations advance in lockstep across all P files: generation g
// occupies page g in every file, with epochs round-robining across the
// files' record slots within a generation. This keeps a single scalar
// paged_mds_epoch exact: a generation is fully paged out exactly when
// every file's page count has passed it.
type MDS struct {
	cfg            Config
	files          []*pagefile.PageFile
	bufs           []*buffer.Buffer
	recordsPerPage int64
	latestEpoch    epoch.Atomic
}

// PageFilePath returns page file i's on-disk location, exported so
// read-only diagnostic tools (cmd/nvwalinspect) can enumerate the same
// files Open does without going through full MDS recovery.
func PageFilePath(diskRoot string, i int) string {
	return filepath.Join(diskRoot, fmt.Sprintf("mds-pagefile-%d", i))
}

func pageFilePath(diskRoot string, i int) string {
	return PageFilePath(diskRoot, i)
}

// Open opens (creating if necessary) all P page files and buffers, and
// reconciles durable_epoch against paged_mds_epoch per spec.md §4.6's
// Recovery paragraph.
func Open(cfg Config) (*MDS, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 64
	}
	m := &MDS{cfg: cfg, recordsPerPage: cfg.PageSize / RecordSize}

	for i := 0; i < cfg.NumFiles; i++ {
		pf, err := pagefile.Open(pageFilePath(cfg.DiskRoot, i), cfg.PageSize, cfg.AtomicAppend)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.files = append(m.files, pf)

		buf, err := buffer.Open(buffer.Path(cfg.NVRoot, i), pf, cfg.PageSize, cfg.CacheEntries)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.bufs = append(m.bufs, buf)
	}

	m.latestEpoch.Store(cfg.Control.DurableEpoch())

	durable := cfg.Control.DurableEpoch()
	paged := cfg.Control.PagedMDSEpoch()
	if durable.Before(paged) {
		log.Warningf("mds: durable_epoch %v behind paged_mds_epoch %v, completing interrupted rollback", durable, paged)
		if err := m.Rollback(durable); err != nil {
			m.Close()
			return nil, err
		}
	}
	log.Infof("mds: opened %d page file(s) under %q/%q", cfg.NumFiles, cfg.NVRoot, cfg.DiskRoot)
	return m, nil
}

// locate maps an epoch id to its owning file, its page number within
// that file (equal to the global generation number, by construction),
// and its byte offset within that page.
func (m *MDS) locate(e epoch.ID) (fileNo int, pageNo int64, offset int64) {
	idx := int64(e) - 1
	perGen := m.recordsPerPage * int64(m.cfg.NumFiles)
	pageNo = idx / perGen
	pos := idx % perGen
	fileNo = int(pos / m.recordsPerPage)
	offset = (pos % m.recordsPerPage) * RecordSize
	return
}

// LatestEpoch returns the largest epoch written so far; Rollback lowers
// it to the epoch it rolls back to.
func (m *MDS) LatestEpoch() epoch.ID { return m.latestEpoch.Load() }

// WriteEpoch implements spec.md §4.6's write_epoch: locate the record's
// slot, allocate its page (retrying writeback on BufferFull), and
// pmem-persist the record. It does not itself advance
// control_block.durable_epoch; the flusher does that as the separate,
// explicitly ordered step of spec.md §4.2.2 step 4, after this call
// returns successfully.
func (m *MDS) WriteEpoch(meta EpochMetadata) error {
	fileNo, pageNo, offset := m.locate(meta.EpochID)
	buf := m.bufs[fileNo]

	for {
		err := buf.Alloc(pageNo)
		if err == nil {
			break
		}
		if !nverr.Is(err, nverr.BufferFull) {
			return err
		}
		if err := buf.Writeback(); err != nil {
			return err
		}
		if err := m.bumpPagedEpoch(); err != nil {
			return err
		}
	}

	rec := meta.Encode()
	if err := buf.WriteRecord(offset, rec[:]); err != nil {
		return err
	}
	if meta.EpochID.After(m.latestEpoch.Load()) {
		m.latestEpoch.Store(meta.EpochID)
	}
	return nil
}

// bumpPagedEpoch recomputes paged_mds_epoch from every file's on-disk
// page count and durably publishes it if it has advanced.
func (m *MDS) bumpPagedEpoch() error {
	minPages, err := m.files[0].PageCount()
	if err != nil {
		return err
	}
	for i := 1; i < len(m.files); i++ {
		pc, err := m.files[i].PageCount()
		if err != nil {
			return err
		}
		if pc < minPages {
			minPages = pc
		}
	}
	candidate := epoch.ID(minPages * m.recordsPerPage * int64(m.cfg.NumFiles))
	if candidate.After(m.cfg.Control.PagedMDSEpoch()) {
		return m.cfg.Control.SetPagedMDSEpoch(candidate)
	}
	return nil
}

// readRecord reads epoch e's metadata record via the optimistic reader
// protocol, falling back to the page file's disk copy (through the
// buffer's cache) on a torn optimistic read.
func (m *MDS) readRecord(e epoch.ID) (EpochMetadata, error) {
	fileNo, pageNo, offset := m.locate(e)
	buf := m.bufs[fileNo]

	if data, ok := buf.TryOptimisticRead(pageNo, offset, RecordSize); ok {
		return DecodeEpochMetadata(data)
	}
	page, err := buf.ReadFallback(pageNo)
	if err != nil {
		return EpochMetadata{}, err
	}
	return DecodeEpochMetadata(page[offset : offset+RecordSize])
}

// ReadOneEpoch implements spec.md §4.6's read_one_epoch convenience.
func (m *MDS) ReadOneEpoch(e epoch.ID) (EpochMetadata, error) {
	if e == epoch.Invalid || e.After(m.latestEpoch.Load()) {
		return EpochMetadata{}, nverr.New(nverr.InvalidArgument, "mds.ReadOneEpoch", "epoch not yet written")
	}
	rec, err := m.readRecord(e)
	if err != nil {
		return EpochMetadata{}, err
	}
	if rec.IsZero() {
		return EpochMetadata{}, nverr.New(nverr.InvalidArgument, "mds.ReadOneEpoch", "epoch not yet written")
	}
	return rec, nil
}

// Iterator implements spec.md §4.6's epoch_iterator_init/next: a cursor
// over [lo, hi) that prefetches up to Prefetch records at a time,
// without crossing a page boundary per prefetch.
type Iterator struct {
	m  *MDS
	hi epoch.ID
	cur epoch.ID

	window    map[epoch.ID]EpochMetadata
	windowLo  epoch.ID
	windowHi  epoch.ID // exclusive
}

// EpochIteratorInit implements spec.md §4.6's epoch_iterator_init.
func (m *MDS) EpochIteratorInit(lo, hi epoch.ID) (*Iterator, error) {
	it := &Iterator{m: m, cur: lo, hi: hi}
	if lo.AtOrAfter(hi) {
		return it, nil
	}
	if err := it.prefetch(); err != nil {
		return nil, err
	}
	return it, nil
}

// prefetch fills the iterator's window with up to Prefetch records
// starting at cur, stopping at the current page's end.
func (it *Iterator) prefetch() error {
	fileNo, pageNo, offset := it.m.locate(it.cur)
	recordsPerPage := it.m.recordsPerPage
	startRec := offset / RecordSize
	maxInPage := recordsPerPage - startRec

	n := int64(it.m.cfg.Prefetch)
	if n > maxInPage {
		n = maxInPage
	}

	it.window = make(map[epoch.ID]EpochMetadata, n)
	it.windowLo = it.cur
	count := int64(0)
	buf := it.m.bufs[fileNo]
	for i := int64(0); i < n; i++ {
		e := epoch.ID(int64(it.cur) + i)
		if !e.Before(it.hi) {
			break
		}
		off := offset + i*RecordSize
		data, ok := buf.TryOptimisticRead(pageNo, off, RecordSize)
		if !ok {
			page, err := buf.ReadFallback(pageNo)
			if err != nil {
				return err
			}
			data = page[off : off+RecordSize]
		}
		rec, err := DecodeEpochMetadata(data)
		if err != nil {
			return err
		}
		if rec.IsZero() {
			break
		}
		it.window[e] = rec
		count++
	}
	it.windowHi = epoch.ID(int64(it.windowLo) + count)
	return nil
}

// IsValid reports whether the iterator currently sits on a readable
// record inside [lo, hi).
func (it *Iterator) IsValid() bool {
	return it.cur.Before(it.hi) && it.cur.AtOrAfter(it.windowLo) && it.cur.Before(it.windowHi)
}

// Current returns the record at the iterator's current position. Only
// valid when IsValid returns true.
func (it *Iterator) Current() EpochMetadata { return it.window[it.cur] }

// CurrentEpoch returns the iterator's current epoch.
func (it *Iterator) CurrentEpoch() epoch.ID { return it.cur }

// Next implements spec.md §4.6's epoch_iterator_next: advance by one,
// prefetching again if the new position falls outside the window.
func (it *Iterator) Next() error {
	it.cur = it.cur.Next()
	if !it.cur.Before(it.hi) {
		return nil
	}
	if it.cur.AtOrAfter(it.windowLo) && it.cur.Before(it.windowHi) {
		return nil
	}
	return it.prefetch()
}

// Rollback implements spec.md §4.6's rollback(epoch): durably regress
// durable_epoch, and if the new horizon lands before the paged
// boundary, truncate every page file back to the generation containing
// e and reload that generation's page into each buffer.
func (m *MDS) Rollback(e epoch.ID) error {
	idx := int64(e) - 1
	perGen := m.recordsPerPage * int64(m.cfg.NumFiles)

	var pageGlobal int64 = -1
	if idx >= 0 {
		pageGlobal = idx / perGen
	}
	keepPages := pageGlobal + 1

	for i, pf := range m.files {
		pc, err := pf.PageCount()
		if err != nil {
			return err
		}
		if pc > keepPages {
			if err := pf.Truncate(keepPages); err != nil {
				return err
			}
			pc = keepPages
		}
		if pageGlobal < 0 {
			continue
		}
		if m.bufs[i].PageNo() == pageGlobal {
			continue // already holds the boundary generation's page live
		}
		if pc > pageGlobal {
			buf := make([]byte, m.cfg.PageSize)
			if err := pf.ReadPage(pageGlobal, buf); err != nil {
				return err
			}
			if err := m.bufs[i].Rebind(pageGlobal, buf); err != nil {
				return err
			}
		}
	}

	if err := m.cfg.Control.SetDurableEpoch(e); err != nil {
		return err
	}
	if m.latestEpoch.Load().After(e) {
		m.latestEpoch.Store(e)
	}
	var pagedVal int64
	if pageGlobal >= 0 {
		pagedVal = pageGlobal * perGen
	}
	if err := m.cfg.Control.SetPagedMDSEpoch(epoch.ID(pagedVal)); err != nil {
		return err
	}
	log.Infof("mds: rolled back to epoch %v", e)
	return nil
}

// FindLowerBound binary-searches [1, latest_epoch] for the first epoch
// whose record satisfies predicate, assuming predicate is false for a
// prefix and true for the remaining suffix, per spec.md §4.6.
func (m *MDS) FindLowerBound(predicate func(EpochMetadata) bool) (epoch.ID, bool) {
	lo, hi := int64(1), int64(m.latestEpoch.Load())
	if hi < lo {
		return epoch.Invalid, false
	}
	found := false
	for lo <= hi {
		mid := lo + (hi-lo)/2
		rec, err := m.readRecord(epoch.ID(mid))
		if err != nil || rec.IsZero() {
			hi = mid - 1
			continue
		}
		if predicate(rec) {
			found = true
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	if !found {
		return epoch.Invalid, false
	}
	return epoch.ID(lo), true
}

// FindUpperBound binary-searches [1, latest_epoch] for the last epoch
// whose record satisfies predicate, assuming predicate is true for a
// prefix and false for the remaining suffix.
func (m *MDS) FindUpperBound(predicate func(EpochMetadata) bool) (epoch.ID, bool) {
	lo, hi := int64(1), int64(m.latestEpoch.Load())
	if hi < lo {
		return epoch.Invalid, false
	}
	found := false
	for lo <= hi {
		mid := lo + (hi-lo)/2
		rec, err := m.readRecord(epoch.ID(mid))
		if err != nil || rec.IsZero() {
			hi = mid - 1
			continue
		}
		if predicate(rec) {
			found = true
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if !found {
		return epoch.Invalid, false
	}
	return epoch.ID(hi), true
}

// LowerBoundUserMetadata0 finds the first epoch with user_metadata_0 >=
// x, the named predicate original_source's checkpoint collaborator
// uses.
func (m *MDS) LowerBoundUserMetadata0(x uint64) (epoch.ID, bool) {
	return m.FindLowerBound(func(r EpochMetadata) bool { return r.UserMetadata0 >= x })
}

// UpperBoundUserMetadata0 finds the last epoch with user_metadata_0 <=
// x, the named predicate original_source's GC collaborator uses.
func (m *MDS) UpperBoundUserMetadata0(x uint64) (epoch.ID, bool) {
	return m.FindUpperBound(func(r EpochMetadata) bool { return r.UserMetadata0 <= x })
}

// Close closes every page file and buffer.
func (m *MDS) Close() error {
	var firstErr error
	for _, b := range m.bufs {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
