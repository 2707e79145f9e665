// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package segment

import (
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wal-engine/nvwal/pkg/testutil"
)

func TestMain(m *testing.M) { testutil.TestMain(m) }

func openTestPool(t *testing.T, n int, size int64) *Pool {
	dir, err := ioutil.TempDir(testutil.TempDir(), "segment")
	require.NoError(t, err)
	p, err := Open(dir, n, size, InvalidDSID)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOpenAssignsInitialDSIDs(t *testing.T) {
	p := openTestPool(t, 4, 4096)
	for i := 0; i < 4; i++ {
		assert.Equal(t, DSID(i+1), p.At(i).DSID())
	}
	assert.Equal(t, int64(4096), p.SegmentSize())
}

func TestSlotForDSIDWrapsAroundTheRing(t *testing.T) {
	p := openTestPool(t, 4, 4096)
	assert.Same(t, p.At(0), p.SlotForDSID(DSID(1)))
	assert.Same(t, p.At(3), p.SlotForDSID(DSID(4)))
	assert.Same(t, p.At(0), p.SlotForDSID(DSID(5)))
	assert.Same(t, p.At(1), p.SlotForDSID(DSID(6)))
}

func TestPinProtocol(t *testing.T) {
	p := openTestPool(t, 2, 4096)
	rec := p.At(0)

	assert.True(t, rec.TryPinRead())
	assert.True(t, rec.TryPinRead())
	assert.False(t, rec.TryAcquireExclusive(), "exclusive must not be grantable while readers hold pins")

	rec.UnpinRead()
	assert.False(t, rec.TryAcquireExclusive())

	rec.UnpinRead()
	assert.True(t, rec.TryAcquireExclusive())
	assert.False(t, rec.TryPinRead(), "reads must not be grantable while held exclusively")

	rec.ReleaseExclusive()
	assert.True(t, rec.TryPinRead())
	rec.UnpinRead()
}

func TestRecycleResetsSlotState(t *testing.T) {
	p := openTestPool(t, 2, 4096)
	rec := p.At(0)
	rec.AddWrittenBytes(123)
	rec.SetFsyncRequested(true)
	rec.SetFsyncCompleted(true)

	require.True(t, rec.TryAcquireExclusive())
	p.Recycle(rec, DSID(99))

	assert.Equal(t, DSID(99), rec.DSID())
	assert.Equal(t, int64(0), rec.WrittenBytes())
	assert.False(t, rec.FsyncRequested())
	assert.False(t, rec.FsyncCompleted())
	assert.Nil(t, rec.FsyncErr())
	assert.True(t, rec.TryPinRead())
	rec.UnpinRead()
}

func TestOpenReconstructsSlotDSIDsAfterAWrappedRestart(t *testing.T) {
	dir, err := ioutil.TempDir(testutil.TempDir(), "segment")
	require.NoError(t, err)

	// A ring of 4 slots whose active dsid has already wrapped past the
	// first lap twice (dsid 10): slot i should hold the largest dsid
	// congruent to i+1 mod 4 that is <= 10.
	p, err := Open(dir, 4, 4096, DSID(10))
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, DSID(9), p.At(0).DSID())
	assert.Equal(t, DSID(10), p.At(1).DSID())
	assert.Equal(t, DSID(7), p.At(2).DSID())
	assert.Equal(t, DSID(8), p.At(3).DSID())
}

func TestPersistWritesThroughTheMapping(t *testing.T) {
	p := openTestPool(t, 1, 4096)
	rec := p.At(0)
	copy(rec.BaseAddr()[0:5], []byte("hello"))
	require.NoError(t, rec.Persist(0, 5))
	assert.Equal(t, "hello", string(rec.BaseAddr()[0:5]))
}
