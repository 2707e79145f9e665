// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package epoch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAfterBefore(t *testing.T) {
	assert.True(t, ID(5).After(ID(4)))
	assert.False(t, ID(4).After(ID(5)))
	assert.False(t, ID(5).After(ID(5)))

	assert.True(t, ID(4).Before(ID(5)))
	assert.False(t, ID(5).Before(ID(4)))

	assert.True(t, ID(5).AtOrAfter(ID(5)))
	assert.True(t, ID(5).AtOrAfter(ID(4)))
	assert.False(t, ID(4).AtOrAfter(ID(5)))
}

func TestWraparound(t *testing.T) {
	max := ID(math.MaxUint64)
	assert.True(t, max.Next().After(ID(0)) == false) // wraps to Invalid's neighborhood
	assert.Equal(t, ID(0), max.Next())

	// Still correct for values within 2^63 of each other across the wrap.
	near := ID(math.MaxUint64 - 2)
	assert.True(t, near.Next().After(near))
	assert.True(t, near.Next().Next().After(near))
}

func TestNext(t *testing.T) {
	assert.Equal(t, ID(2), ID(1).Next())
}

func TestAtomic(t *testing.T) {
	var a Atomic
	assert.Equal(t, Invalid, a.Load())

	a.Store(ID(3))
	assert.Equal(t, ID(3), a.Load())

	assert.True(t, a.CompareAndSwap(ID(3), ID(4)))
	assert.Equal(t, ID(4), a.Load())

	assert.False(t, a.CompareAndSwap(ID(3), ID(5)))
	assert.Equal(t, ID(4), a.Load())
}
