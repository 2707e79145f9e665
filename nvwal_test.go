// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package nvwal

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/testutil"
)

func TestMain(m *testing.M) { testutil.TestMain(m) }

func testConfig(t *testing.T) Config {
	nvRoot, err := ioutil.TempDir(testutil.TempDir(), "nv")
	require.NoError(t, err)
	diskRoot, err := ioutil.TempDir(testutil.TempDir(), "disk")
	require.NoError(t, err)
	return Config{
		NVRoot:              nvRoot,
		DiskRoot:            diskRoot,
		WriterCount:         1,
		WriterBufferSize:    4096,
		SegmentCount:        4,
		SegmentSize:         4096,
		MDSNumFiles:         1,
		MDSPageSize:         512,
		FlusherPollInterval: time.Millisecond,
		FsyncPollInterval:   time.Millisecond,
	}
}

// waitForDurableEpoch polls until w has concluded target, failing the
// test if it doesn't happen within a generous deadline.
func waitForDurableEpoch(t *testing.T, w *WAL, target epoch.ID) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.DurableEpoch().AtOrAfter(target) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("durable epoch never reached %v; last seen %v\n%s", target, w.DurableEpoch(), spew.Sdump(w.control))
}

func TestNoLogOpenCloseIsWellFormed(t *testing.T) {
	w, err := Open(testConfig(t))
	require.NoError(t, err)
	assert.Equal(t, epoch.Invalid, w.DurableEpoch())
	assert.Equal(t, 1, w.Version())
	require.NoError(t, w.Close())
}

func TestOneWriterOneEpochRoundTrips(t *testing.T) {
	cfg := testConfig(t)
	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	payload := []byte("the quick brown fox")
	require.NoError(t, w.OnWALWrite(0, payload, epoch.ID(1)))
	require.NoError(t, w.AdvanceStableEpoch(epoch.ID(1)))

	waitForDurableEpoch(t, w, epoch.ID(1))

	c, err := w.OpenLogCursor(epoch.ID(1), epoch.ID(2))
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.IsValid())
	assert.Equal(t, epoch.ID(1), c.CurrentEpoch())
	assert.Equal(t, payload, c.Data())
	require.True(t, c.FetchComplete())

	require.NoError(t, c.Next())
	assert.False(t, c.IsValid())
}

func TestOneWriterTwoEpochsEachVisibleInOrder(t *testing.T) {
	cfg := testConfig(t)
	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	first := []byte("epoch one payload")
	second := []byte("epoch two payload, a bit longer")

	require.NoError(t, w.OnWALWrite(0, first, epoch.ID(1)))
	require.NoError(t, w.AdvanceStableEpoch(epoch.ID(1)))
	waitForDurableEpoch(t, w, epoch.ID(1))

	require.NoError(t, w.OnWALWrite(0, second, epoch.ID(2)))
	require.NoError(t, w.AdvanceStableEpoch(epoch.ID(2)))
	waitForDurableEpoch(t, w, epoch.ID(2))

	c, err := w.OpenLogCursor(epoch.ID(1), epoch.ID(3))
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.IsValid())
	assert.Equal(t, epoch.ID(1), c.CurrentEpoch())
	assert.Equal(t, first, c.Data())

	require.NoError(t, c.Next())
	require.True(t, c.IsValid())
	assert.Equal(t, epoch.ID(2), c.CurrentEpoch())
	assert.Equal(t, second, c.Data())

	require.NoError(t, c.Next())
	assert.False(t, c.IsValid())
}

func TestManyEpochsWrapTheWriterBuffer(t *testing.T) {
	cfg := testConfig(t)
	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	const n = 40
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		payloads[i] = []byte{byte(i), byte(i), byte(i), byte(i)}
		require.NoError(t, w.OnWALWrite(0, payloads[i], epoch.ID(i+1)))
		require.NoError(t, w.AdvanceStableEpoch(epoch.ID(i+1)))
		waitForDurableEpoch(t, w, epoch.ID(i+1))
	}

	c, err := w.OpenLogCursor(epoch.ID(1), epoch.ID(n+1))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < n; i++ {
		require.Truef(t, c.IsValid(), "cursor ended early at i=%d", i)
		assert.Equalf(t, epoch.ID(i+1), c.CurrentEpoch(), "at i=%d", i)
		assert.Equalf(t, payloads[i], c.Data(), "at i=%d", i)
		require.NoError(t, c.Next())
	}
	assert.False(t, c.IsValid())
}

func TestMetadataBoundSearchesFindTheConcludedEpoch(t *testing.T) {
	cfg := testConfig(t)
	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	w.SetNextEpochUserMetadata(42, 0)
	require.NoError(t, w.OnWALWrite(0, []byte("checkpoint"), epoch.ID(1)))
	require.NoError(t, w.AdvanceStableEpoch(epoch.ID(1)))
	waitForDurableEpoch(t, w, epoch.ID(1))

	lo, ok := w.FindMetadataLowerBound(42)
	require.True(t, ok)
	assert.Equal(t, epoch.ID(1), lo)

	hi, ok := w.FindMetadataUpperBound(42)
	require.True(t, ok)
	assert.Equal(t, epoch.ID(1), hi)

	_, ok = w.FindMetadataLowerBound(43)
	assert.False(t, ok)
}

func TestRestartResumesDurableEpoch(t *testing.T) {
	cfg := testConfig(t)
	w, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, w.OnWALWrite(0, []byte("before restart"), epoch.ID(1)))
	require.NoError(t, w.AdvanceStableEpoch(epoch.ID(1)))
	waitForDurableEpoch(t, w, epoch.ID(1))
	require.NoError(t, w.Close())

	cfg.InitMode = Restart
	w2, err := Open(cfg)
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, epoch.ID(1), w2.DurableEpoch())

	c, err := w2.OpenLogCursor(epoch.ID(1), epoch.ID(2))
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.IsValid())
	assert.Equal(t, []byte("before restart"), c.Data())
}

func TestAdvanceStableEpochRejectsSkippingAhead(t *testing.T) {
	cfg := testConfig(t)
	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	err = w.AdvanceStableEpoch(epoch.ID(2))
	require.Error(t, err)
}

func TestOnWALWriteRejectsOutOfRangeWriterIndex(t *testing.T) {
	cfg := testConfig(t)
	w, err := Open(cfg)
	require.NoError(t, err)
	defer w.Close()

	err = w.OnWALWrite(1, []byte("x"), epoch.ID(1))
	require.Error(t, err)

	_, err = w.HasEnoughWriterSpace(-1)
	require.Error(t, err)
}
