// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package buffer implements the MDS buffer manager of spec.md §4.5: one
// NVM-backed page buffer per page file, the alloc/writeback/buffer-full
// protocol, and the optimistic double-read-of-page_no reader protocol.
// The durable header (page_no, dirty) is persisted the same
// persist-then-publish way internal/control publishes the control
// block's words, since the buffer's anchor is itself NVM-resident state
// that must survive a crash. The disk-read fallback path is cached with
// a github.com/golang/groupcache/lru.Cache, the same caching idiom
// client/blb/lookup_cache.go and client/blb/tract_cache.go use, keyed
// here by page number instead of a partition/tract ID.
package buffer

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"

	"github.com/wal-engine/nvwal/internal/mds/pagefile"
	"github.com/wal-engine/nvwal/internal/nvfile"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// noPage marks a buffer that isn't currently bound to any page.
const noPage int64 = -1

// Header layout: an 8-byte page_no word followed by an 8-byte dirty
// flag, both persisted before being published to the in-memory atomic
// mirror, ahead of the page payload itself.
const (
	offPageNo  = 0
	offDirty   = 8
	headerSize = 16
)

// Buffer is the single NVM-resident write buffer for one page file,
// plus the disk-read fallback cache readers fall back to when the
// optimistic protocol fails.
type Buffer struct {
	mapping  *nvfile.Mapping
	pageFile *pagefile.PageFile
	pageSize int64

	// pageNo mirrors the persisted header word for fast concurrent
	// access: a release store here is the linearization point spec.md
	// §4.5/§9 describe. Every store is preceded by persisting the same
	// value into the mapped header.
	pageNo atomic.Int64
	dirty  atomic.Bool

	cacheLock sync.Mutex
	cache     *lru.Cache // page number -> []byte, disk-read fallback
}

// Path returns the on-disk location of the NVM-backed buffer region for
// page file index i, per spec.md §6: "<nv_root>/mds-nvram-buf-<i>".
func Path(nvRoot string, i int) string {
	return filepath.Join(nvRoot, fmt.Sprintf("mds-nvram-buf-%d", i))
}

// Open maps the NVM buffer region at path and binds it to pf. If the
// region already holds a persisted header (a restart, not a fresh
// init), its page_no/dirty are restored into the atomic mirror;
// otherwise the buffer starts unbound (pageNo == noPage).
func Open(path string, pf *pagefile.PageFile, pageSize int64, cacheEntries int) (*Buffer, error) {
	m, err := nvfile.CreateOrOpen(path, headerSize+pageSize)
	if err != nil {
		return nil, nverr.Wrap(nverr.IoError, "buffer.Open", err)
	}
	b := &Buffer{mapping: m, pageFile: pf, pageSize: pageSize}
	b.cache = lru.New(cacheEntries)

	restored := int64(binary.LittleEndian.Uint64(m.Data[offPageNo:]))
	if restored == 0 && binary.LittleEndian.Uint64(m.Data[offDirty:]) == 0 {
		// All-zero header: either freshly created or a legitimately
		// unbound buffer (page 0 clean looks the same as "never
		// written"); both cases are safe to treat as unbound, since a
		// clean page 0 has already been written back and can always be
		// re-fetched from the page file.
		b.pageNo.Store(noPage)
		b.persistHeader(noPage, false)
	} else {
		b.pageNo.Store(restored)
		b.dirty.Store(binary.LittleEndian.Uint64(m.Data[offDirty:]) != 0)
	}
	return b, nil
}

func (b *Buffer) payload() []byte { return b.mapping.Data[headerSize:] }

// persistHeader durably writes pageNo/dirty to the mapped header before
// any caller publishes them to the atomic mirror, preserving the
// persist-before-publish order spec.md §5 requires throughout.
func (b *Buffer) persistHeader(pageNo int64, dirty bool) {
	binary.LittleEndian.PutUint64(b.mapping.Data[offPageNo:], uint64(pageNo))
	var d uint64
	if dirty {
		d = 1
	}
	binary.LittleEndian.PutUint64(b.mapping.Data[offDirty:], d)
	b.mapping.Persist(0, headerSize)
}

// PageNo returns the buffer's currently published page anchor, or
// noPage if unbound.
func (b *Buffer) PageNo() int64 { return b.pageNo.Load() }

// Dirty reports whether the buffer holds writes not yet appended to the
// page file.
func (b *Buffer) Dirty() bool { return b.dirty.Load() }

// Alloc implements spec.md §4.5's writer allocation protocol for
// pageNo, returning nverr.BufferFull when the caller must writeback and
// retry, per spec.md §4.6's "alloc page (retrying writeback on
// buffer-full)".
func (b *Buffer) Alloc(pageNo int64) error {
	cur := b.pageNo.Load()
	switch {
	case cur == noPage:
		b.bindFresh(pageNo)
	case cur == pageNo:
		b.persistHeader(cur, true)
		b.dirty.Store(true)
	case cur == pageNo-1 && !b.dirty.Load():
		b.bindFresh(pageNo)
	case cur == pageNo-1 && b.dirty.Load():
		return nverr.New(nverr.BufferFull, "buffer.Alloc", "buffer holds a dirty predecessor page")
	default:
		return nverr.New(nverr.ContractViolation, "buffer.Alloc", "out-of-order page allocation requested")
	}
	return nil
}

// bindFresh clears the buffer's payload (a fresh page starts all-zero,
// so unwritten record slots read back as IsZero), persists the new
// header, then publishes the new anchor: the re-anchor linearization
// point spec.md §4.5 calls out.
func (b *Buffer) bindFresh(pageNo int64) {
	payload := b.payload()
	for i := range payload {
		payload[i] = 0
	}
	b.persistHeader(pageNo, true)
	b.pageNo.Store(pageNo)
	b.dirty.Store(true)
}

// WriteRecord copies rec into the buffer's payload at byte offset
// offsetInPage and durably persists that range, implementing the
// "pmem-persist the 64-byte record into the page" step of spec.md §4.6.
func (b *Buffer) WriteRecord(offsetInPage int64, rec []byte) error {
	payload := b.payload()
	copy(payload[offsetInPage:offsetInPage+int64(len(rec))], rec)
	return b.mapping.Persist(headerSize+int(offsetInPage), len(rec))
}

// TryOptimisticRead implements spec.md §4.5's optimistic reader
// protocol: it succeeds only if the buffer's anchor is targetPageNo both
// before and after the record copy.
func (b *Buffer) TryOptimisticRead(targetPageNo, offsetInPage int64, recSize int) (data []byte, ok bool) {
	if b.pageNo.Load() != targetPageNo {
		return nil, false
	}
	payload := b.payload()
	buf := make([]byte, recSize)
	copy(buf, payload[offsetInPage:offsetInPage+int64(recSize)])
	if b.pageNo.Load() != targetPageNo {
		return nil, false
	}
	return buf, true
}

// Writeback appends the buffer's current page to its page file if
// dirty, clearing the dirty flag on success, per spec.md §4.5's
// "Writeback: for every dirty buffer, append its page to its page file
// (fsynced), clear dirty."
func (b *Buffer) Writeback() error {
	if !b.dirty.Load() {
		return nil
	}
	pageNo := b.pageNo.Load()
	payload := b.payload()
	data := make([]byte, len(payload))
	copy(data, payload)

	written, err := b.pageFile.AppendPage(data)
	if err != nil {
		return err
	}
	if written != pageNo {
		return nverr.New(nverr.Corrupt, "buffer.Writeback", "page file position disagrees with buffer anchor")
	}
	b.persistHeader(pageNo, false)
	b.dirty.Store(false)
	b.invalidateCache(pageNo)
	return nil
}

// ReadFallback reads page pageNo from the page file, consulting (and
// populating) the fallback cache first, for readers whose optimistic
// read of this buffer failed because the buffer holds a different page.
func (b *Buffer) ReadFallback(pageNo int64) ([]byte, error) {
	b.cacheLock.Lock()
	if v, ok := b.cache.Get(pageNo); ok {
		b.cacheLock.Unlock()
		cached := v.([]byte)
		out := make([]byte, len(cached))
		copy(out, cached)
		return out, nil
	}
	b.cacheLock.Unlock()

	buf := make([]byte, b.pageSize)
	if err := b.pageFile.ReadPage(pageNo, buf); err != nil {
		return nil, err
	}

	b.cacheLock.Lock()
	b.cache.Add(pageNo, buf)
	b.cacheLock.Unlock()

	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (b *Buffer) invalidateCache(pageNo int64) {
	b.cacheLock.Lock()
	b.cache.Remove(pageNo)
	b.cacheLock.Unlock()
}

// Rebind forcibly re-anchors the buffer to pageNo and loads its current
// on-disk contents into the NVM region, used by rollback (spec.md
// §4.6: "read the target page into the buffer (destructive load, not
// concurrent-reader-safe)").
func (b *Buffer) Rebind(pageNo int64, data []byte) error {
	copy(b.payload(), data)
	b.persistHeader(pageNo, false)
	b.pageNo.Store(pageNo)
	b.dirty.Store(false)
	return nil
}

// Close unmaps the buffer's NVM region.
func (b *Buffer) Close() error { return b.mapping.Close() }
