// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package control implements the persistent control block of spec.md
// §3: "{flusher_progress: {durable_epoch, paged_mds_epoch},
// fsyncer_progress: {last_synced_dsid}}". Each field has exactly one
// writer (the flusher for durable_epoch/paged_mds_epoch, the fsyncer for
// last_synced_dsid, per spec.md §5), and every Set call durably persists
// the new value before returning, so callers never need to call
// nvfile.Persist themselves.
package control

import (
	"encoding/binary"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/internal/nvfile"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// FormatVersion is returned by the public get_version() API (spec.md §6).
const FormatVersion = 1

var magic = [8]byte{'n', 'v', 'w', 'a', 'l', 'c', 'b', '1'}

// Field byte offsets within the control block region. Supplementing
// spec.md §3 per SPEC_FULL.md §3, a magic+format_version pair lets Open
// distinguish "never initialized" from "corrupt", the same role the
// original nvwal implementation's root metadata file magic serves.
const (
	offMagic          = 0
	offFormatVersion  = 8
	offDurableEpoch   = 16
	offPagedMDSEpoch  = 24
	offLastSyncedDSID = 32
	blockSize         = 64
)

// Block is the mapped control block region.
type Block struct {
	m *nvfile.Mapping

	durableEpoch   epoch.Atomic
	pagedMDSEpoch  epoch.Atomic
	lastSyncedDSID atomicDSID
}

type atomicDSID struct{ v epoch.Atomic }

func (a *atomicDSID) Load() segment.DSID          { return segment.DSID(a.v.Load()) }
func (a *atomicDSID) Store(d segment.DSID)        { a.v.Store(epoch.ID(d)) }
func (a *atomicDSID) CAS(old, new segment.DSID) bool {
	return a.v.CompareAndSwap(epoch.ID(old), epoch.ID(new))
}

// Path returns the on-disk location of the control block region, per
// spec.md §6: "a distinguished NVM region".
func Path(nvRoot string) string {
	return nvRoot + "/control_block"
}

// Create initializes a fresh control block at zero progress.
func Create(nvRoot string) (*Block, error) {
	m, err := nvfile.CreateOrOpen(Path(nvRoot), blockSize)
	if err != nil {
		return nil, nverr.Wrap(nverr.IoError, "control.Create", err)
	}
	b := &Block{m: m}
	copy(m.Data[offMagic:offMagic+8], magic[:])
	binary.LittleEndian.PutUint64(m.Data[offFormatVersion:], uint64(FormatVersion))
	binary.LittleEndian.PutUint64(m.Data[offDurableEpoch:], uint64(epoch.Invalid))
	binary.LittleEndian.PutUint64(m.Data[offPagedMDSEpoch:], uint64(epoch.Invalid))
	binary.LittleEndian.PutUint64(m.Data[offLastSyncedDSID:], uint64(segment.InvalidDSID))
	if err := m.Persist(0, blockSize); err != nil {
		m.Close()
		return nil, err
	}
	log.Infof("control: created fresh control block at %q", Path(nvRoot))
	return b, nil
}

// Open loads an existing control block and validates its magic, per
// spec.md §7's Corrupt error kind ("torn control block or unexpected
// file size at init").
func Open(nvRoot string) (*Block, error) {
	m, err := nvfile.CreateOrOpen(Path(nvRoot), blockSize)
	if err != nil {
		return nil, nverr.Wrap(nverr.IoError, "control.Open", err)
	}
	if string(m.Data[offMagic:offMagic+8]) != string(magic[:]) {
		m.Close()
		return nil, nverr.New(nverr.Corrupt, "control.Open", "bad control block magic")
	}
	b := &Block{m: m}
	b.durableEpoch.Store(epoch.ID(binary.LittleEndian.Uint64(m.Data[offDurableEpoch:])))
	b.pagedMDSEpoch.Store(epoch.ID(binary.LittleEndian.Uint64(m.Data[offPagedMDSEpoch:])))
	b.lastSyncedDSID.Store(segment.DSID(binary.LittleEndian.Uint64(m.Data[offLastSyncedDSID:])))
	return b, nil
}

// FormatVersion returns the on-disk format version, the backing value
// for the public get_version() API.
func (b *Block) FormatVersion() int {
	return int(binary.LittleEndian.Uint64(b.m.Data[offFormatVersion:]))
}

// DurableEpoch returns the last durably published value. Readers must
// only read this published word, never any in-flight flusher state
// (spec.md §4.2.2 step 4).
func (b *Block) DurableEpoch() epoch.ID { return b.durableEpoch.Load() }

// SetDurableEpoch durably persists then publishes a new durable_epoch.
// Only the flusher calls this.
func (b *Block) SetDurableEpoch(e epoch.ID) error {
	binary.LittleEndian.PutUint64(b.m.Data[offDurableEpoch:], uint64(e))
	if err := b.m.Persist(offDurableEpoch, 8); err != nil {
		return err
	}
	b.durableEpoch.Store(e)
	return nil
}

// PagedMDSEpoch returns the largest epoch whose EpochMetadata record has
// been paged out to an on-disk MDS page file (spec.md GLOSSARY).
func (b *Block) PagedMDSEpoch() epoch.ID { return b.pagedMDSEpoch.Load() }

// SetPagedMDSEpoch durably persists then publishes a new paged_mds_epoch.
// Only the flusher (via the MDS core) calls this.
func (b *Block) SetPagedMDSEpoch(e epoch.ID) error {
	binary.LittleEndian.PutUint64(b.m.Data[offPagedMDSEpoch:], uint64(e))
	if err := b.m.Persist(offPagedMDSEpoch, 8); err != nil {
		return err
	}
	b.pagedMDSEpoch.Store(e)
	return nil
}

// LastSyncedDSID returns the largest dsid known to be durable on disk.
func (b *Block) LastSyncedDSID() segment.DSID { return b.lastSyncedDSID.Load() }

// SetLastSyncedDSID durably persists then publishes a new
// last_synced_dsid. Only the fsyncer calls this, and must only ever
// raise it (spec.md §4.3's "assertion: strictly greater than previous").
func (b *Block) SetLastSyncedDSID(d segment.DSID) error {
	if d <= b.lastSyncedDSID.Load() {
		return nverr.New(nverr.ContractViolation, "control.SetLastSyncedDSID", "last_synced_dsid must strictly increase")
	}
	binary.LittleEndian.PutUint64(b.m.Data[offLastSyncedDSID:], uint64(d))
	if err := b.m.Persist(offLastSyncedDSID, 8); err != nil {
		return err
	}
	b.lastSyncedDSID.Store(d)
	return nil
}

// Close unmaps the control block.
func (b *Block) Close() error { return b.m.Close() }
