// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package control

import (
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
	"github.com/wal-engine/nvwal/pkg/testutil"
)

func TestMain(m *testing.M) { testutil.TestMain(m) }

func TestCreateStartsAtInvalidProgress(t *testing.T) {
	dir, err := ioutil.TempDir(testutil.TempDir(), "control")
	require.NoError(t, err)

	b, err := Create(dir)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, FormatVersion, b.FormatVersion())
	assert.Equal(t, epoch.Invalid, b.DurableEpoch())
	assert.Equal(t, epoch.Invalid, b.PagedMDSEpoch())
	assert.Equal(t, segment.InvalidDSID, b.LastSyncedDSID())
}

func TestSetDurableEpochPersistsAcrossReopen(t *testing.T) {
	dir, err := ioutil.TempDir(testutil.TempDir(), "control")
	require.NoError(t, err)

	b, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, b.SetDurableEpoch(epoch.ID(7)))
	require.NoError(t, b.SetPagedMDSEpoch(epoch.ID(3)))
	require.NoError(t, b.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, epoch.ID(7), reopened.DurableEpoch())
	assert.Equal(t, epoch.ID(3), reopened.PagedMDSEpoch())
}

func TestSetLastSyncedDSIDMustStrictlyIncrease(t *testing.T) {
	dir, err := ioutil.TempDir(testutil.TempDir(), "control")
	require.NoError(t, err)
	b, err := Create(dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.SetLastSyncedDSID(segment.DSID(1)))
	require.NoError(t, b.SetLastSyncedDSID(segment.DSID(2)))

	err = b.SetLastSyncedDSID(segment.DSID(2))
	require.Error(t, err)
	assert.True(t, nverr.Is(err, nverr.ContractViolation))

	err = b.SetLastSyncedDSID(segment.DSID(1))
	require.Error(t, err)
	assert.True(t, nverr.Is(err, nverr.ContractViolation))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir, err := ioutil.TempDir(testutil.TempDir(), "control")
	require.NoError(t, err)

	require.NoError(t, ioutil.WriteFile(Path(dir), make([]byte, 64), 0600))

	_, err = Open(dir)
	require.Error(t, err)
	assert.True(t, nverr.Is(err, nverr.Corrupt))
}
