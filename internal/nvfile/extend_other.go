// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT
//
// Non-Linux fallback: we don't attempt MAP_FIXED extension. A cursor on
// these platforms always sees fetch_complete=false after the first
// segment of a multi-segment extent, which spec.md §4.7 documents as a
// safe (if less efficient) outcome, identical to blb's pkg/disk
// Fadvise no-op on Darwin (syscall_darwin.go).
//
//go:build !linux

package nvfile

import (
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// ExtendFixed always fails on this platform.
func ExtendFixed(base uintptr, baseLen int, path string, offset int64, length int) (*Mapping, error) {
	return nil, nverr.New(nverr.MmapFailed, "nvfile.ExtendFixed", "fixed-address mmap extension unsupported on this platform")
}

// BaseAddr is unused on this platform but kept for signature parity.
func BaseAddr(m *Mapping) uintptr { return 0 }

// SupportsFixedExtend reports whether this platform's nvfile package can
// attempt contiguous fixed-address extension.
const SupportsFixedExtend = false
