// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package cursor implements the reader cursor of spec.md §4.7: given a
// half-open epoch range, it walks the metadata store's index and, for
// each epoch's byte extent, binds either a pinned NVM segment slot or an
// mmap'd run of disk segment files, handing back contiguous regions one
// at a time. Disk segment mappings are cached by dsid the same way
// client/blb/lookup_cache.go and pkg/rpc/connection_cache.go cache their
// entries: a github.com/golang/groupcache/lru.Cache with an OnEvicted
// callback that releases the evicted resource, and a CloseAll-style
// drain loop (RemoveOldest until empty) on Close.
package cursor

import (
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/mds"
	"github.com/wal-engine/nvwal/internal/nvfile"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// defaultCacheEntries bounds the disk-segment mapping cache when the
// caller does not specify one.
const defaultCacheEntries = 32

// openRegion tracks whatever the cursor must release before it can move
// on to the data that follows what it is currently exposing: either one
// pinned NVM slot, or a (possibly MAP_FIXED-extended) run of disk
// segment mappings that was not folded into the cache.
type openRegion struct {
	nvmSlot *segment.Record

	diskFull     []byte
	diskMappings []*nvfile.Mapping
	cached       bool // backing mapping lives in diskCache; do not release here
}

func (r *openRegion) release() {
	if r == nil {
		return
	}
	if r.nvmSlot != nil {
		r.nvmSlot.UnpinRead()
		return
	}
	if r.cached || len(r.diskMappings) == 0 {
		return
	}
	if err := nvfile.MunmapRange(r.diskFull); err != nil {
		log.Errorf("cursor: unmap disk region: %v", err)
	}
	for _, m := range r.diskMappings {
		if err := m.CloseFileOnly(); err != nil {
			log.Errorf("cursor: close disk segment file: %v", err)
		}
	}
}

// Cursor is the handle returned by spec.md §6's open_log_cursor.
type Cursor struct {
	m        *mds.MDS
	pool     *segment.Pool
	control  *control.Block
	diskRoot string
	segSize  int64

	cacheMu   sync.Mutex
	diskCache *lru.Cache // segment.DSID -> *nvfile.Mapping, whole-segment read-only

	it *mds.Iterator

	meta mds.EpochMetadata

	curSeg segment.DSID
	curOff int64

	region        *openRegion
	data          []byte
	fetchComplete bool
}

// Open implements spec.md §4.7's cursor_init over the half-open epoch
// range [lo, hi): it is only valid to call once every epoch in the range
// has already been durably written (spec.md's §7 "out-of-range epoch"
// contract violation otherwise surfaces lazily, the first time the
// metadata store can't find a record for it).
func Open(m *mds.MDS, pool *segment.Pool, ctl *control.Block, diskRoot string, segSize int64, cacheEntries int, lo, hi epoch.ID) (*Cursor, error) {
	it, err := m.EpochIteratorInit(lo, hi)
	if err != nil {
		return nil, err
	}
	if cacheEntries <= 0 {
		cacheEntries = defaultCacheEntries
	}
	c := &Cursor{
		m: m, pool: pool, control: ctl, diskRoot: diskRoot, segSize: segSize,
		it:        it,
		diskCache: lru.New(cacheEntries),
	}
	c.diskCache.OnEvicted = c.evicted
	if it.IsValid() {
		if err := c.startEpoch(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cursor) evicted(_ lru.Key, value interface{}) {
	if mp, ok := value.(*nvfile.Mapping); ok {
		if err := mp.Close(); err != nil {
			log.Errorf("cursor: close evicted disk mapping: %v", err)
		}
	}
}

// IsValid reports whether the cursor currently exposes readable data,
// mirroring internal/mds.Iterator's IsValid.
func (c *Cursor) IsValid() bool { return c.it.IsValid() }

// Data returns the bytes of the region the cursor currently sits on.
// Valid only while IsValid returns true.
func (c *Cursor) Data() []byte { return c.data }

// DataLen is len(Data()).
func (c *Cursor) DataLen() int { return len(c.data) }

// FetchComplete reports whether Data() is the final piece of
// CurrentEpoch()'s extent, or whether a tier boundary or a failed
// MAP_FIXED extension cut the fetch short and a further Next call (with
// the epoch unchanged) will return the remainder.
func (c *Cursor) FetchComplete() bool { return c.fetchComplete }

// CurrentEpoch returns the epoch the cursor currently sits on.
func (c *Cursor) CurrentEpoch() epoch.ID { return c.it.CurrentEpoch() }

// Next implements spec.md §4.7's cursor_next: if the current epoch's
// extent has not been fully delivered, fetch its next piece without
// advancing the epoch; otherwise move on to the next epoch in range. A
// fresh fetch always re-derives its target's tier from scratch, so no
// state needs to survive either an epoch boundary or a tier boundary.
func (c *Cursor) Next() error {
	if !c.it.IsValid() {
		return nverr.New(nverr.ContractViolation, "cursor.Next", "cursor already exhausted")
	}
	if !c.fetchComplete {
		return c.fetchPiece()
	}
	if err := c.it.Next(); err != nil {
		return err
	}
	if !c.it.IsValid() {
		c.region.release()
		c.region = nil
		c.data = nil
		return nil
	}
	return c.startEpoch()
}

// Close releases any pin or mapping the cursor currently holds and
// drains its disk-segment mapping cache, the same CloseAll-style
// RemoveOldest-until-empty loop pkg/rpc/connection_cache.go uses.
func (c *Cursor) Close() error {
	c.region.release()
	c.region = nil
	c.cacheMu.Lock()
	for c.diskCache.Len() > 0 {
		c.diskCache.RemoveOldest()
	}
	c.cacheMu.Unlock()
	return nil
}

func (c *Cursor) startEpoch() error {
	c.meta = c.it.Current()
	c.curSeg = c.meta.FromSegID
	c.curOff = c.meta.FromOffset
	return c.fetchPiece()
}

func (c *Cursor) fetchPiece() error {
	c.region.release()
	c.region = nil

	if c.isDiskTier(c.curSeg) {
		return c.fetchDiskPiece()
	}
	return c.fetchNVMPiece()
}

// isDiskTier implements spec.md §4.7's tier rule: dsid <= last_synced_dsid
// means the segment's canonical copy is now the disk copy.
func (c *Cursor) isDiskTier(seg segment.DSID) bool {
	return seg != segment.InvalidDSID && seg <= c.control.LastSyncedDSID()
}

// pinRetryDelay is how long fetchNVMPiece waits between retries of a
// contested slot pin, per spec.md §4.7/§5: a pin held at -1 by the
// flusher's recycle, or a slot recycled out from under an in-flight pin
// attempt, are both expected transient states, not failures — retrying
// is always safe since a dsid never changes once assigned.
const pinRetryDelay = time.Millisecond

func (c *Cursor) fetchNVMPiece() error {
	endOff := c.segSize
	if c.curSeg == c.meta.ToSegID {
		endOff = c.meta.ToOff
	}
	rec := c.pool.SlotForDSID(c.curSeg)
	for {
		if c.isDiskTier(c.curSeg) {
			// last_synced_dsid caught up to curSeg while we were waiting
			// on its pin; the canonical copy is now the disk one.
			return c.fetchDiskPiece()
		}
		if !rec.TryPinRead() {
			time.Sleep(pinRetryDelay)
			continue
		}
		if rec.DSID() != c.curSeg {
			rec.UnpinRead()
			time.Sleep(pinRetryDelay)
			continue
		}
		break
	}
	c.data = rec.BaseAddr()[c.curOff:endOff]
	c.region = &openRegion{nvmSlot: rec}
	c.advanceAfterSegment(c.curSeg, endOff)
	return nil
}

// fetchDiskPiece maps the current disk segment (reusing a cached
// mapping when one exists) and, when the target extent continues past
// this segment, tries to extend the mapping contiguously via
// nvfile.ExtendFixed across as many further disk-tier segments as
// possible. It stops extending — returning whatever it has mapped so
// far with fetchComplete false — the moment the next segment is not on
// the disk tier, ExtendFixed is unsupported on this platform, or the
// extension call itself fails; the next Next() call re-resolves the
// following segment's tier from scratch.
func (c *Cursor) fetchDiskPiece() error {
	startSeg, startOff := c.curSeg, c.curOff

	singleSegEnd := c.segSize
	if startSeg == c.meta.ToSegID {
		singleSegEnd = c.meta.ToOff
	}

	if cached := c.lookupDiskCache(startSeg); cached != nil {
		c.data = cached.Data[startOff:singleSegEnd]
		c.region = &openRegion{cached: true}
		c.advanceAfterSegment(startSeg, singleSegEnd)
		return nil
	}

	first, err := nvfile.OpenReadOnly(segment.DiskName(c.diskRoot, startSeg), 0, c.segSize)
	if err != nil {
		return err
	}
	mappings := []*nvfile.Mapping{first}
	mappedSegs := int64(1)
	cur := startSeg

	for cur != c.meta.ToSegID {
		next := cur + 1
		if !c.isDiskTier(next) || !nvfile.SupportsFixedExtend {
			break
		}
		ext, err := nvfile.ExtendFixed(nvfile.BaseAddr(first), int(mappedSegs*c.segSize), segment.DiskName(c.diskRoot, next), 0, int(c.segSize))
		if err != nil {
			break
		}
		mappings = append(mappings, ext)
		mappedSegs++
		cur = next
	}

	total := mappedSegs * c.segSize
	merged := nvfile.MergedData(first, int(total))

	lastSegEnd := c.segSize
	if cur == c.meta.ToSegID {
		lastSegEnd = c.meta.ToOff
	}
	dataEnd := total - c.segSize + lastSegEnd

	if mappedSegs == 1 {
		c.cacheDiskMapping(startSeg, first)
		c.data = merged[startOff:dataEnd]
		c.region = &openRegion{cached: true}
	} else {
		c.data = merged[startOff:dataEnd]
		c.region = &openRegion{diskFull: merged, diskMappings: mappings}
	}

	c.advanceAfterSegment(cur, lastSegEnd)
	return nil
}

// advanceAfterSegment records whether the extent has been fully
// delivered and, if not, where the next fetch must resume.
func (c *Cursor) advanceAfterSegment(lastMappedSeg segment.DSID, consumedUpTo int64) {
	if lastMappedSeg == c.meta.ToSegID && consumedUpTo == c.meta.ToOff {
		c.fetchComplete = true
		return
	}
	c.fetchComplete = false
	c.curSeg = lastMappedSeg + 1
	c.curOff = 0
}

func (c *Cursor) lookupDiskCache(seg segment.DSID) *nvfile.Mapping {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if v, ok := c.diskCache.Get(seg); ok {
		return v.(*nvfile.Mapping)
	}
	return nil
}

func (c *Cursor) cacheDiskMapping(seg segment.DSID, m *nvfile.Mapping) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.diskCache.Add(seg, m)
}
