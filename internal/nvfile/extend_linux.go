// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT
//
// Linux-specific fixed-address mmap extension. See extend_other.go for the
// fallback used on platforms where we don't attempt this.
//
//go:build linux

package nvfile

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wal-engine/nvwal/pkg/nverr"
)

// ExtendFixed tries to map length bytes of path at offset immediately
// after an existing mapping, i.e. at base+baseLen, using MAP_FIXED. This
// is the mechanism spec.md §4.7 relies on to let a reader cursor view a
// multi-segment epoch extent as one contiguous byte range: if the kernel
// can satisfy the fixed address (the region is unused), the two mmap'd
// files become indistinguishable from one contiguous buffer to the
// caller. If it can't, this returns an *nverr.Error with Kind
// MmapFailed and the cursor's caller stops extending and marks
// fetch_complete=false, which spec.md documents as always safe to retry.
//
// golang.org/x/sys/unix's Mmap helper does not expose the raw address
// argument (it always requests addr=0 from the kernel), so this drops to
// the raw mmap(2) syscall directly, the same way blb's pkg/disk reaches
// for raw syscalls (via cgo) for fadvise on Linux; we use
// unix.Syscall6 instead of cgo since golang.org/x/sys/unix already
// exposes the syscall numbers and constants we need.
func ExtendFixed(base uintptr, baseLen int, path string, offset int64, length int) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nverr.Wrapf(nverr.IoError, "nvfile.ExtendFixed", err, "open %s", path)
	}

	addr := base + uintptr(baseLen)
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(f.Fd()),
		uintptr(offset),
	)
	if errno != 0 {
		f.Close()
		return nil, nverr.Wrapf(nverr.MmapFailed, "nvfile.ExtendFixed", errno, "mmap MAP_FIXED %s @%d+%d at %#x", path, offset, length, addr)
	}
	if r1 != addr {
		// Should not happen with MAP_FIXED, but guard against a kernel
		// that silently relocated us.
		unix.Syscall(unix.SYS_MUNMAP, r1, uintptr(length), 0)
		f.Close()
		return nil, nverr.New(nverr.MmapFailed, "nvfile.ExtendFixed", "kernel did not honor MAP_FIXED address")
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(r1)), length)
	return &Mapping{Data: data, file: f}, nil
}

// BaseAddr returns the address of the first byte of m.Data, for use as
// the anchor argument to a later ExtendFixed call.
func BaseAddr(m *Mapping) uintptr {
	if len(m.Data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.Data[0]))
}

// SupportsFixedExtend reports whether this platform's nvfile package can
// attempt contiguous fixed-address extension.
const SupportsFixedExtend = true
