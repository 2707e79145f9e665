// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package nverr defines the error taxonomy shared by every engine in the
// nvwal write-ahead log: writer buffers, the flusher, the fsyncer, the
// metadata store, and reader cursors all return errors of this shape so
// callers can dispatch on Kind instead of matching against sentinel
// values or substrings.
package nverr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// InvalidArgument is returned when a configuration or call argument
	// fails pre-screening, e.g. a non-multiple-of-512 buffer size.
	InvalidArgument Kind = iota

	// IoError wraps a failure from an underlying read, write, open, stat
	// or fsync call. Err carries the original OS error.
	IoError

	// MmapFailed is raised in place of IoError by mapping failures (mmap,
	// munmap); Is does not match it as IoError. An msync failure in
	// nvfile.Persist is reported as IoError.
	MmapFailed

	// BufferFull is returned by the MDS buffer manager when a writer
	// asks for a page slot that isn't available yet. It is expected and
	// triggers a writeback-then-retry, not a fatal condition.
	BufferFull

	// ContractViolation means a caller broke one of the API's ordering
	// contracts, e.g. a writer posted an epoch more than durable+2 ahead.
	ContractViolation

	// Cancelled is returned when a background thread's loop observes a
	// cooperative stop request mid-operation.
	Cancelled

	// Corrupt means an on-disk structure (control block, page file,
	// segment) failed a consistency check on load.
	Corrupt
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case IoError:
		return "IoError"
	case MmapFailed:
		return "MmapFailed"
	case BufferFull:
		return "BufferFull"
	case ContractViolation:
		return "ContractViolation"
	case Cancelled:
		return "Cancelled"
	case Corrupt:
		return "Corrupt"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type returned across package boundaries in
// nvwal. Op names the failing operation (e.g. "flusher.rotateSegment",
// "mds.ReadOneEpoch") so log lines and test failures can be traced back to
// a single call site without a stack-trace library.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap creates an Error around an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
