// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package flusher

import (
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wal-engine/nvwal/internal/control"
	"github.com/wal-engine/nvwal/internal/mds"
	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/internal/wbuf"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
	"github.com/wal-engine/nvwal/pkg/testutil"
)

func TestMain(m *testing.M) { testutil.TestMain(m) }

// harness bundles one writer's buffer with a freshly opened flusher over
// a tiny pool/MDS/control triple, mirroring how nvwal.Open wires them.
type harness struct {
	t       *testing.T
	w       *wbuf.Buffer
	pool    *segment.Pool
	m       *mds.MDS
	ctl     *control.Block
	stable  epoch.Atomic
	flusher *Flusher
}

func newHarness(t *testing.T, segmentSize int64) *harness {
	nvRoot, err := ioutil.TempDir(testutil.TempDir(), "flusher-nv")
	require.NoError(t, err)
	diskRoot, err := ioutil.TempDir(testutil.TempDir(), "flusher-disk")
	require.NoError(t, err)

	ctl, err := control.Create(nvRoot)
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close() })

	pool, err := segment.Open(nvRoot, 3, segmentSize, segment.InvalidDSID)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	m, err := mds.Open(mds.Config{
		NVRoot: nvRoot, DiskRoot: diskRoot,
		NumFiles: 1, PageSize: 512, Control: ctl,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	w, err := wbuf.New(4096, wbuf.MinFrames)
	require.NoError(t, err)

	h := &harness{t: t, w: w, pool: pool, m: m, ctl: ctl}
	f, err := New(Config{
		Writers:     []*wbuf.Buffer{w},
		Pool:        pool,
		MDS:         m,
		Control:     ctl,
		StableEpoch: &h.stable,
	})
	require.NoError(t, err)
	h.flusher = f
	return h
}

func TestTickDrainsAndConcludesOneEpoch(t *testing.T) {
	h := newHarness(t, 4096)

	payload := []byte("hello epoch one")
	require.NoError(t, h.w.Append(payload, epoch.ID(1)))
	h.stable.Store(epoch.ID(1))

	didWork, err := h.flusher.tick()
	require.NoError(t, err)
	assert.True(t, didWork)

	assert.Equal(t, epoch.ID(1), h.ctl.DurableEpoch())
	meta, err := h.m.ReadOneEpoch(epoch.ID(1))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), meta.ToOff)
}

func TestTickWaitsForStableEpochBeforeConcluding(t *testing.T) {
	h := newHarness(t, 4096)

	require.NoError(t, h.w.Append([]byte("epoch one"), epoch.ID(1)))
	require.NoError(t, h.w.Append([]byte("epoch two"), epoch.ID(2)))
	h.stable.Store(epoch.ID(1))

	_, err := h.flusher.tick()
	require.NoError(t, err)
	assert.Equal(t, epoch.ID(1), h.ctl.DurableEpoch())

	// Without advancing stable further, a second tick must not conclude
	// epoch 2: its target (2) is after the stable horizon (1).
	_, err = h.flusher.tick()
	require.NoError(t, err)
	assert.Equal(t, epoch.ID(1), h.ctl.DurableEpoch())
}

func TestTickRotatesSegmentWhenActiveSlotFills(t *testing.T) {
	h := newHarness(t, 64) // tiny segment forces a rotation mid-epoch
	h.stable.Store(epoch.ID(1))

	// 150 bytes spans three 64-byte slots without wrapping back to the
	// first, whose dsid has not been synced yet.
	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, h.w.Append(payload, epoch.ID(1)))

	_, err := h.flusher.tick()
	require.NoError(t, err)

	assert.Equal(t, epoch.ID(1), h.ctl.DurableEpoch())
	meta, err := h.m.ReadOneEpoch(epoch.ID(1))
	require.NoError(t, err)
	assert.Greater(t, uint64(meta.ToSegID), uint64(meta.FromSegID),
		"expected the extent to have crossed at least one segment boundary")
}

func TestRotateSegmentBlocksUntilThePriorOccupantIsSynced(t *testing.T) {
	h := newHarness(t, 64) // 3 slots, 64 bytes each: a full lap needs reuse
	h.stable.Store(epoch.ID(1))

	payload := make([]byte, 250) // spills across all 3 slots and wraps once
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, h.w.Append(payload, epoch.ID(1)))

	_, err := h.flusher.tick()
	require.Error(t, err, "rotating back into slot 0 must block: dsid 1 was never synced")
	assert.True(t, nverr.Is(err, nverr.BufferFull))
	assert.Equal(t, epoch.Invalid, h.ctl.DurableEpoch())

	// Simulate the fsyncer catching up on the slot holding dsid 1.
	h.pool.At(0).SetFsyncCompleted(true)

	_, err = h.flusher.tick()
	require.NoError(t, err)
	assert.Equal(t, epoch.ID(1), h.ctl.DurableEpoch())

	meta, err := h.m.ReadOneEpoch(epoch.ID(1))
	require.NoError(t, err)
	assert.Equal(t, segment.DSID(4), meta.ToSegID)
	assert.Equal(t, int64(58), meta.ToOff)
}

func TestNewRecoversExtentFromDurableEpoch(t *testing.T) {
	h := newHarness(t, 4096)
	h.stable.Store(epoch.ID(1))
	require.NoError(t, h.w.Append([]byte("first"), epoch.ID(1)))
	_, err := h.flusher.tick()
	require.NoError(t, err)

	f2, err := New(Config{
		Writers:     []*wbuf.Buffer{h.w},
		Pool:        h.pool,
		MDS:         h.m,
		Control:     h.ctl,
		StableEpoch: &h.stable,
	})
	require.NoError(t, err)
	assert.Equal(t, h.flusher.extentSeg, f2.extentSeg)
	assert.Equal(t, h.flusher.extentOff, f2.extentOff)
}
