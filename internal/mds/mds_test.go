// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package mds

import (
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/testutil"
)

func TestMain(m *testing.M) { testutil.TestMain(m) }

func openTestMDS(t *testing.T, numFiles int, pageSize int64) (*MDS, *control.Block) {
	nvRoot, err := ioutil.TempDir(testutil.TempDir(), "mds-nv")
	require.NoError(t, err)
	diskRoot, err := ioutil.TempDir(testutil.TempDir(), "mds-disk")
	require.NoError(t, err)

	ctl, err := control.Create(nvRoot)
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close() })

	m, err := Open(Config{
		NVRoot:   nvRoot,
		DiskRoot: diskRoot,
		NumFiles: numFiles,
		PageSize: pageSize,
		Control:  ctl,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, ctl
}

func metaFor(e epoch.ID, from, to segment.DSID) EpochMetadata {
	return EpochMetadata{
		EpochID:    e,
		FromSegID:  from,
		FromOffset: 0,
		ToSegID:    to,
		ToOff:      int64(e) * 16,
	}
}

func TestWriteThenReadOneEpochRoundTrips(t *testing.T) {
	m, _ := openTestMDS(t, 1, 512)

	in := metaFor(epoch.ID(1), segment.DSID(1), segment.DSID(1))
	require.NoError(t, m.WriteEpoch(in))

	out, err := m.ReadOneEpoch(epoch.ID(1))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadOneEpochRejectsUnwrittenEpoch(t *testing.T) {
	m, _ := openTestMDS(t, 1, 512)
	_, err := m.ReadOneEpoch(epoch.ID(1))
	require.Error(t, err)
}

func TestWriteEpochSpansMultipleFilesAndPages(t *testing.T) {
	// recordsPerPage = 512/64 = 8, across 2 files: 16 epochs per generation.
	m, _ := openTestMDS(t, 2, 512)

	const n = 40
	for i := 1; i <= n; i++ {
		require.NoError(t, m.WriteEpoch(metaFor(epoch.ID(i), segment.DSID(1), segment.DSID(1))))
	}
	for i := 1; i <= n; i++ {
		out, err := m.ReadOneEpoch(epoch.ID(i))
		require.NoErrorf(t, err, "epoch %d", i)
		assert.Equalf(t, epoch.ID(i), out.EpochID, "epoch %d", i)
	}
	assert.Equal(t, epoch.ID(n), m.LatestEpoch())
}

func TestEpochIteratorWalksInOrderAcrossPrefetchWindows(t *testing.T) {
	m, _ := openTestMDS(t, 1, 512)
	m.cfg.Prefetch = 2 // force several prefetch refills within one page

	const n = 8 // one full page at recordsPerPage=8
	for i := 1; i <= n; i++ {
		require.NoError(t, m.WriteEpoch(metaFor(epoch.ID(i), segment.DSID(1), segment.DSID(1))))
	}

	it, err := m.EpochIteratorInit(epoch.ID(1), epoch.ID(n+1))
	require.NoError(t, err)

	var seen []epoch.ID
	for it.IsValid() {
		seen = append(seen, it.CurrentEpoch())
		require.NoError(t, it.Next())
	}
	require.Len(t, seen, n)
	for i, e := range seen {
		assert.Equal(t, epoch.ID(i+1), e)
	}
}

func TestRollbackTruncatesAndResetsDurableEpoch(t *testing.T) {
	m, ctl := openTestMDS(t, 1, 512)

	for i := 1; i <= 5; i++ {
		require.NoError(t, m.WriteEpoch(metaFor(epoch.ID(i), segment.DSID(1), segment.DSID(1))))
	}
	require.NoError(t, ctl.SetDurableEpoch(epoch.ID(5)))

	require.NoError(t, m.Rollback(epoch.ID(3)))

	assert.Equal(t, epoch.ID(3), ctl.DurableEpoch())
	assert.Equal(t, epoch.ID(3), m.LatestEpoch())

	_, err := m.ReadOneEpoch(epoch.ID(3))
	require.NoError(t, err)
}

func TestFindLowerAndUpperBoundByUserMetadata0(t *testing.T) {
	m, _ := openTestMDS(t, 1, 512)

	for i := 1; i <= 5; i++ {
		meta := metaFor(epoch.ID(i), segment.DSID(1), segment.DSID(1))
		meta.UserMetadata0 = uint64(i) * 10
		require.NoError(t, m.WriteEpoch(meta))
	}

	lo, ok := m.LowerBoundUserMetadata0(25)
	require.True(t, ok)
	assert.Equal(t, epoch.ID(3), lo) // first epoch with um0 >= 25 is epoch 3 (um0=30)

	hi, ok := m.UpperBoundUserMetadata0(25)
	require.True(t, ok)
	assert.Equal(t, epoch.ID(2), hi) // last epoch with um0 <= 25 is epoch 2 (um0=20)

	_, ok = m.LowerBoundUserMetadata0(1000)
	assert.False(t, ok)
}
