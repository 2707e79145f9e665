// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package nvfile is the thin collaborator spec.md §1 carves out of the
// engine's hard core: it owns nothing more than turning a path on disk
// into a mapped byte range plus a file descriptor with well-defined
// semantics. It never attempts real O_DIRECT or fallocate; both the
// nv_root-backed NVM slots and disk_root-backed segment/page files run
// through the same mmap+msync+fdatasync path, matching spec.md §9's note
// that non-NVM hardware should "map into a file and call
// msync+fdatasync". Modeled on the mmap framing used by
// other_examples/marmos91-dittofs and the O_DROPCACHE-style flag
// plumbing in blb's pkg/disk.ChecksumFile.
package nvfile

import (
	"os"
	"unsafe"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/wal-engine/nvwal/pkg/nverr"
)

// Mapping is a byte range backed by mmap over an open file. The returned
// Data slice aliases the file's contents directly; writes to it are
// writes to the file, made durable only after a call to Persist.
type Mapping struct {
	Data []byte
	file *os.File
}

// CreateOrOpen opens (creating if necessary) the file at path, ensures it
// is exactly size bytes, and maps it PROT_READ|PROT_WRITE, MAP_SHARED.
// This is used for NVM slot files, MDS NVM buffer files, and the
// control block region: all of them are fixed-size regions that live for
// the life of the process.
func CreateOrOpen(path string, size int64) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, nverr.Wrapf(nverr.IoError, "nvfile.CreateOrOpen", err, "open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nverr.Wrapf(nverr.IoError, "nvfile.CreateOrOpen", err, "stat %s", path)
	}
	if fi.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, nverr.Wrapf(nverr.IoError, "nvfile.CreateOrOpen", err, "truncate %s to %d", path, size)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nverr.Wrapf(nverr.MmapFailed, "nvfile.CreateOrOpen", err, "mmap %s", path)
	}
	return &Mapping{Data: data, file: f}, nil
}

// OpenReadOnly maps an existing file (or a byte range within it) for
// read-only access, used by the reader cursor to view disk segments.
func OpenReadOnly(path string, offset, length int64) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nverr.Wrapf(nverr.IoError, "nvfile.OpenReadOnly", err, "open %s", path)
	}
	data, err := unix.Mmap(int(f.Fd()), offset, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nverr.Wrapf(nverr.MmapFailed, "nvfile.OpenReadOnly", err, "mmap %s @%d+%d", path, offset, length)
	}
	return &Mapping{Data: data, file: f}, nil
}

// Persist flushes and drains the given sub-range of m.Data (which must
// alias a live mapping) so that, once Persist returns, the bytes are
// guaranteed to survive a power failure. Over real persistent memory
// this would be a CLWB/CLFLUSHOPT + SFENCE sequence; over a regular
// mmap'd file, msync(MS_SYNC) plus an fdatasync of the backing file
// gives the same guarantee, per spec.md §9.
func (m *Mapping) Persist(offset, length int) error {
	if length == 0 {
		return nil
	}
	rangeStart, rangeLen := pageAlign(offset, length)
	if rangeStart+rangeLen > len(m.Data) {
		rangeLen = len(m.Data) - rangeStart
	}
	if err := unix.Msync(m.Data[rangeStart:rangeStart+rangeLen], unix.MS_SYNC); err != nil {
		return nverr.Wrapf(nverr.IoError, "nvfile.Persist", err, "msync")
	}
	if err := unix.Fdatasync(int(m.file.Fd())); err != nil {
		return nverr.Wrapf(nverr.IoError, "nvfile.Persist", err, "fdatasync")
	}
	return nil
}

// File returns the underlying *os.File, e.g. so callers can fsync a
// parent directory or inspect file metadata.
func (m *Mapping) File() *os.File { return m.file }

// CloseFileOnly closes the backing file descriptor without unmapping
// m.Data, for callers (the reader cursor) that have merged several
// mappings' address ranges into one contiguous span and need to unmap
// the whole span in a single MunmapRange call instead of per-mapping.
func (m *Mapping) CloseFileOnly() error {
	if err := m.file.Close(); err != nil {
		return nverr.Wrapf(nverr.IoError, "nvfile.CloseFileOnly", err, "close")
	}
	return nil
}

// MergedData reinterprets first's mapping, plus zero or more
// ExtendFixed mappings chained onto it, as a single totalLen-byte
// slice. This is sound only because ExtendFixed guarantees each
// extension lands immediately after the previous mapping's end address,
// so the whole run is one physically contiguous address range even
// though it was built from several independent mmap calls.
func MergedData(first *Mapping, totalLen int) []byte {
	return unsafe.Slice(&first.Data[0], totalLen)
}

// MunmapRange unmaps a byte range previously returned as Mapping.Data,
// possibly spanning several original mmap calls merged via ExtendFixed;
// munmap(2) operates purely on the address range, not on the mapping
// objects that created it, so one call is enough to release all of it.
func MunmapRange(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return nverr.Wrapf(nverr.MmapFailed, "nvfile.MunmapRange", err, "munmap")
	}
	return nil
}

// Close unmaps and closes the file. It does not persist first; callers
// that need durability must call Persist before Close.
func (m *Mapping) Close() error {
	var firstErr error
	if err := unix.Munmap(m.Data); err != nil {
		firstErr = nverr.Wrapf(nverr.MmapFailed, "nvfile.Close", err, "munmap")
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = nverr.Wrapf(nverr.IoError, "nvfile.Close", err, "close")
	}
	if firstErr != nil {
		log.Errorf("nvfile: close failed: %v", firstErr)
	}
	return firstErr
}

// pageSize is cached at init; msync/mmap require page-aligned addresses.
var pageSize = os.Getpagesize()

func pageAlign(offset, length int) (start, len int) {
	start = offset - offset%pageSize
	len = (offset - start) + length
	return start, len
}
