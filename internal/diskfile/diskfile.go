// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package diskfile writes whole NVM segments out to block-storage files
// for the fsyncer (spec.md §4.3). It is adapted from blb's
// pkg/disk.ChecksumFile: same open/close sequencing (though opened
// without O_DIRECT) and the same "loop over partial writes" discipline, but
// generalized from per-64k-block checksummed records (ChecksumFile's
// job, protecting arbitrary small user writes) to whole fixed-size
// segments, whose durability already comes from having been
// pmem-persisted on the NVM side first; diskfile's job is purely to get
// those bytes onto a block device and make the write itself durable.
package diskfile

import (
	"os"
	"path/filepath"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/pkg/nverr"
)

// bestEffortDirectFlags are the base flags a segment file is opened
// with: write-only, created if missing. They set neither O_DIRECT nor
// any page-cache hint.
const bestEffortDirectFlags = os.O_WRONLY | os.O_CREATE

// WriteSegment writes data to path, overwriting any existing file,
// looping over partial writes, then fsyncs the file and its parent
// directory before returning, per spec.md §4.3: "writes segment_size
// bytes (loop over partial writes), fsyncs the file, fsyncs the parent
// directory, closes."
func WriteSegment(path string, data []byte) error {
	f, err := os.OpenFile(path, bestEffortDirectFlags|os.O_TRUNC, 0600)
	if err != nil {
		return nverr.Wrapf(nverr.IoError, "diskfile.WriteSegment", err, "open %s", path)
	}

	if err := writeFull(f, data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nverr.Wrapf(nverr.IoError, "diskfile.WriteSegment", err, "fsync %s", path)
	}
	if err := f.Close(); err != nil {
		return nverr.Wrapf(nverr.IoError, "diskfile.WriteSegment", err, "close %s", path)
	}
	if err := syncParentDir(path); err != nil {
		return err
	}
	log.V(4).Infof("diskfile: wrote segment %q (%d bytes)", path, len(data))
	return nil
}

// writeFull loops write() until all of data has been written or an
// error occurs, tolerating short writes the way a direct-I/O-ish path
// must.
func writeFull(f *os.File, data []byte) error {
	for len(data) > 0 {
		n, err := f.Write(data)
		if err != nil {
			return nverr.Wrapf(nverr.IoError, "diskfile.writeFull", err, "write %s", f.Name())
		}
		data = data[n:]
	}
	return nil
}

// syncParentDir fsyncs the directory containing path, so the file's
// existence (not just its contents) survives a crash. Mirrors
// pkg/wal/fs_log.go's syncHomeDir.
func syncParentDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return nverr.Wrapf(nverr.IoError, "diskfile.syncParentDir", err, "open dir for %s", path)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return nverr.Wrapf(nverr.IoError, "diskfile.syncParentDir", err, "fsync dir for %s", path)
	}
	return nil
}

// Size returns the on-disk size of path, or an error if it does not
// exist or is the wrong size for a well-formed segment file.
func Size(path string, expected int64) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, nverr.Wrapf(nverr.IoError, "diskfile.Size", err, "stat %s", path)
	}
	if fi.Size() != expected {
		return fi.Size(), nverr.New(nverr.Corrupt, "diskfile.Size", "segment file has unexpected size")
	}
	return fi.Size(), nil
}
