// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/mds"
	"github.com/wal-engine/nvwal/internal/mds/pagefile"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/pkg/epoch"
)

var (
	nvRoot      = flag.String("nv_root", "", "NVM root directory of the log to inspect")
	diskRoot    = flag.String("disk_root", "", "disk root directory of the log to inspect")
	segmentSize = flag.Int64("segment_size", 0, "bytes per NVM segment slot")
	mdsPageSize = flag.Int64("mds_page_size", 0, "bytes per MDS page")
	mdsNumFiles = flag.Int("mds_num_files", 1, "number of MDS page files")
)

func main() {
	flag.Parse()
	if *nvRoot == "" || *diskRoot == "" || *segmentSize == 0 || *mdsPageSize == 0 {
		log.Exitf("nv_root, disk_root, segment_size and mds_page_size are all required")
	}

	ctl, err := control.Open(*nvRoot)
	if err != nil {
		log.Exitf("opening control block: %v", err)
	}
	defer ctl.Close()

	log.Infof("control block: format_version=%d durable_epoch=%v paged_mds_epoch=%v last_synced_dsid=%v",
		ctl.FormatVersion(), ctl.DurableEpoch(), ctl.PagedMDSEpoch(), ctl.LastSyncedDSID())

	inspectSegments(*nvRoot, *diskRoot, *segmentSize, ctl.LastSyncedDSID())
	inspectMDS(*diskRoot, *mdsNumFiles, *mdsPageSize)
}

// inspectSegments reports the path and size of every NVM slot file, and
// of every disk-tier segment file from dsid 1 up to lastSynced (or that
// it is missing).
func inspectSegments(nvRoot, diskRoot string, segSize int64, lastSynced segment.DSID) {
	for j := 0; ; j++ {
		path := segment.SlotName(nvRoot, j)
		fi, err := os.Stat(path)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			log.Warningf("nv slot %d: stat failed: %v", j, err)
			continue
		}
		log.Infof("nv slot %d: %q, %d bytes", j, path, fi.Size())
	}

	for d := segment.DSID(1); d <= lastSynced; d++ {
		path := segment.DiskName(diskRoot, d)
		fi, err := os.Stat(path)
		if err != nil {
			log.Warningf("disk segment %v: missing (%v)", d, err)
			continue
		}
		log.Infof("disk segment %v: %q, %d bytes", d, path, fi.Size())
	}
}

// inspectMDS reports each page file's page count and the range of
// non-empty epoch records it currently holds, read directly off disk
// without going through mds.Open's recovery path.
func inspectMDS(diskRoot string, numFiles int, pageSize int64) {
	for i := 0; i < numFiles; i++ {
		path := mds.PageFilePath(diskRoot, i)
		pf, err := pagefile.Open(path, pageSize, false)
		if err != nil {
			log.Warningf("mds page file %d: open failed: %v", i, err)
			continue
		}
		pages, err := pf.PageCount()
		if err != nil {
			log.Warningf("mds page file %d: page count failed: %v", i, err)
			pf.Close()
			continue
		}

		lo, hi := epoch.Invalid, epoch.Invalid
		recordsPerPage := pageSize / mds.RecordSize
		page := make([]byte, pageSize)
		for p := int64(0); p < pages; p++ {
			if err := pf.ReadPage(p, page); err != nil {
				log.Warningf("mds page file %d: read page %d failed: %v", i, p, err)
				continue
			}
			for r := int64(0); r < recordsPerPage; r++ {
				rec, err := mds.DecodeEpochMetadata(page[r*mds.RecordSize : (r+1)*mds.RecordSize])
				if err != nil || rec.IsZero() {
					continue
				}
				if lo == epoch.Invalid || rec.EpochID.Before(lo) {
					lo = rec.EpochID
				}
				if hi == epoch.Invalid || rec.EpochID.After(hi) {
					hi = rec.EpochID
				}
			}
		}
		log.Infof("mds page file %d: %q, %d pages, epochs [%v, %v]", i, path, pages, lo, hi)
		pf.Close()
	}
}
