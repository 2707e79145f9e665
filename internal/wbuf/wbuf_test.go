// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package wbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

func TestNewRejectsBadSizes(t *testing.T) {
	_, err := New(0, MinFrames)
	assert.Error(t, err)

	_, err = New(511, MinFrames)
	assert.Error(t, err)

	_, err = New(512, MinFrames-1)
	assert.Error(t, err)

	b, err := New(512, MinFrames)
	require.NoError(t, err)
	assert.Equal(t, int64(512), b.BufferSize())
	assert.Equal(t, MinFrames, b.K())
}

// drainFully simulates the flusher fully draining writer b's oldest
// frame, then retiring it, mirroring internal/flusher.drainFrame's loop
// body for a single writer with no segment-capacity limit.
func drainFully(t *testing.T, b *Buffer) {
	idx := b.OldestFrame()
	head, tail := b.FrameHead(idx), b.FrameTail(idx)
	if head == tail {
		return
	}
	dst := make([]byte, 4096)
	n, newHead := b.CopyLoop(idx, dst)
	require.Greater(t, n, int64(0))
	b.AdvanceHead(idx, newHead)
	require.Equal(t, b.FrameTail(idx), newHead)
	b.RetireFrame(idx)
}

func TestAppendDrainCycleReusesTheFrameRing(t *testing.T) {
	b, err := New(512, MinFrames)
	require.NoError(t, err)

	e := epoch.ID(1)
	for i := 0; i < 10; i++ {
		payload := make([]byte, 300)
		for j := range payload {
			payload[j] = byte(i)
		}
		require.NoError(t, b.Append(payload, e))
		drainFully(t, b)
		e = e.Next()
	}
}

func TestCopyLoopReturnsExactBytes(t *testing.T) {
	b, err := New(512, MinFrames)
	require.NoError(t, err)

	payload := []byte("hello epoch one")
	require.NoError(t, b.Append(payload, epoch.ID(1)))

	idx := b.OldestFrame()
	dst := make([]byte, len(payload))
	n, newHead := b.CopyLoop(idx, dst)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst)
	assert.Equal(t, b.FrameTail(idx), newHead)
}

func TestPromoteRejectsNonIncreasingEpoch(t *testing.T) {
	b, err := New(512, MinFrames)
	require.NoError(t, err)

	require.NoError(t, b.Append([]byte("a"), epoch.ID(5)))
	// A second write to the active epoch extends the same frame.
	err = b.Append([]byte("b"), epoch.ID(5))
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.FrameTail(b.OldestFrame()))

	err = b.Append([]byte("b"), epoch.ID(4))
	require.Error(t, err)
	assert.True(t, nverr.Is(err, nverr.ContractViolation))
}

func TestPromoteRejectsOvertakingOldestFrame(t *testing.T) {
	b, err := New(512, MinFrames)
	require.NoError(t, err)

	e := epoch.ID(1)
	// The ring has MinFrames slots and each new epoch takes the next one;
	// with MinFrames epochs in flight and the oldest never retired, the
	// next promotion would overtake oldest_frame.
	for i := 0; i < MinFrames; i++ {
		require.NoError(t, b.Append([]byte("x"), e))
		e = e.Next()
	}
	err = b.Append([]byte("x"), e)
	require.Error(t, err)
	assert.True(t, nverr.Is(err, nverr.ContractViolation))
}

func TestAppendRejectsOversizedWrite(t *testing.T) {
	b, err := New(512, MinFrames)
	require.NoError(t, err)

	err = b.Append(make([]byte, 513), epoch.ID(1))
	require.Error(t, err)
	assert.True(t, nverr.Is(err, nverr.InvalidArgument))
}

func TestHasEnoughSpace(t *testing.T) {
	b, err := New(512, MinFrames)
	require.NoError(t, err)

	assert.True(t, b.HasEnoughSpace())

	require.NoError(t, b.Append(make([]byte, 300), epoch.ID(1)))
	assert.False(t, b.HasEnoughSpace())

	drainFully(t, b)
	assert.True(t, b.HasEnoughSpace())
}

func TestNewFromUserBuffer(t *testing.T) {
	buf := make([]byte, 1024)
	b, err := NewFromUserBuffer(buf, MinFrames)
	require.NoError(t, err)

	require.NoError(t, b.Append([]byte("user owned"), epoch.ID(1)))
	assert.Equal(t, "user owned", string(buf[0:len("user owned")]))
}
