// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package pagefile implements the append-only, fixed-page-size files
// backing the metadata store (spec.md §4.4). It is grounded on blb's
// pkg/wal.logFile: open-for-append plus a recovery scan on open, and
// Truncate-to-a-boundary-plus-fsync, generalized from logFile's
// variable-length-record model to a fixed-size-page one.
package pagefile

import (
	"os"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/pkg/nverr"
)

// PageFile is one of the P append-only page files described by spec.md
// §4.4, holding a whole number of fixed-size pages except possibly a
// torn tail immediately after an unclean shutdown.
type PageFile struct {
	f            *os.File
	path         string
	pageSize     int64
	atomicAppend bool
}

// Open opens (creating if necessary) the page file at path. If
// atomicAppend is false (the filesystem is not trusted to append a
// whole page atomically), a torn tail left by an interrupted append is
// truncated away at open time, per spec.md §4.4's "torn-append
// recovery". If atomicAppend is true, a torn tail is unexpected and is
// reported as Corrupt instead of silently discarded.
func Open(path string, pageSize int64, atomicAppend bool) (*PageFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, nverr.Wrapf(nverr.IoError, "pagefile.Open", err, "open %s", path)
	}
	pf := &PageFile{f: f, path: path, pageSize: pageSize, atomicAppend: atomicAppend}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nverr.Wrapf(nverr.IoError, "pagefile.Open", err, "stat %s", path)
	}
	if rem := fi.Size() % pageSize; rem != 0 {
		if atomicAppend {
			f.Close()
			return nil, nverr.New(nverr.Corrupt, "pagefile.Open", "torn page under an atomic-append filesystem")
		}
		wholePages := fi.Size() / pageSize
		if err := f.Truncate(wholePages * pageSize); err != nil {
			f.Close()
			return nil, nverr.Wrapf(nverr.IoError, "pagefile.Open", err, "recovery truncate %s", path)
		}
		log.Warningf("pagefile: recovered torn append on %q, dropped %d bytes", path, rem)
	}
	return pf, nil
}

// PageCount returns the number of whole pages currently in the file.
func (pf *PageFile) PageCount() (int64, error) {
	fi, err := pf.f.Stat()
	if err != nil {
		return 0, nverr.Wrapf(nverr.IoError, "pagefile.PageCount", err, "stat %s", pf.path)
	}
	return fi.Size() / pf.pageSize, nil
}

// ReadAt reads exactly len(buf) bytes starting at byte offset off,
// implementing spec.md §4.4's "positional read of N bytes at offset".
func (pf *PageFile) ReadAt(buf []byte, off int64) error {
	if _, err := pf.f.ReadAt(buf, off); err != nil {
		return nverr.Wrapf(nverr.IoError, "pagefile.ReadAt", err, "read %s @%d", pf.path, off)
	}
	return nil
}

// ReadPage reads whole page pageNo into buf, which must be pageSize
// bytes long.
func (pf *PageFile) ReadPage(pageNo int64, buf []byte) error {
	return pf.ReadAt(buf, pageNo*pf.pageSize)
}

// AppendPage appends one whole page (len(data) must equal PageSize)
// and fsyncs the file, per spec.md §4.5's writeback contract ("append
// its page to its page file (fsynced)"). Returns the new page's index.
func (pf *PageFile) AppendPage(data []byte) (pageNo int64, err error) {
	if int64(len(data)) != pf.pageSize {
		return 0, nverr.New(nverr.InvalidArgument, "pagefile.AppendPage", "data must be exactly one page")
	}
	fi, err := pf.f.Stat()
	if err != nil {
		return 0, nverr.Wrapf(nverr.IoError, "pagefile.AppendPage", err, "stat %s", pf.path)
	}
	pageNo = fi.Size() / pf.pageSize
	if _, err := pf.f.WriteAt(data, fi.Size()); err != nil {
		return 0, nverr.Wrapf(nverr.IoError, "pagefile.AppendPage", err, "write %s", pf.path)
	}
	if err := pf.f.Sync(); err != nil {
		return 0, nverr.Wrapf(nverr.IoError, "pagefile.AppendPage", err, "fsync %s", pf.path)
	}
	log.V(6).Infof("pagefile: appended page %d to %q", pageNo, pf.path)
	return pageNo, nil
}

// Truncate shrinks the file to pageCount whole pages and fsyncs,
// implementing the rollback half of spec.md §4.6.
func (pf *PageFile) Truncate(pageCount int64) error {
	if err := pf.f.Truncate(pageCount * pf.pageSize); err != nil {
		return nverr.Wrapf(nverr.IoError, "pagefile.Truncate", err, "truncate %s to %d pages", pf.path, pageCount)
	}
	if err := pf.f.Sync(); err != nil {
		return nverr.Wrapf(nverr.IoError, "pagefile.Truncate", err, "fsync %s after truncate", pf.path)
	}
	return nil
}

// PageSize returns the fixed page size this file was opened with.
func (pf *PageFile) PageSize() int64 { return pf.pageSize }

// Close closes the underlying file.
func (pf *PageFile) Close() error {
	if err := pf.f.Close(); err != nil {
		return nverr.Wrapf(nverr.IoError, "pagefile.Close", err, "close %s", pf.path)
	}
	return nil
}
