// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package mds implements the metadata store described by spec.md §4.6:
// the paged, buffered index mapping each committed epoch to the segment
// range and byte offsets holding it. The wire format for its records
// follows blb's pkg/wal/record.go idiom (explicit little-endian layout,
// a precomputed crc32.Castagnoli table, checksum trailing the payload)
// generalized from a variable-length checksummed record to a fixed
// 64-byte one, since EpochMetadata's whole point is a failure-atomic
// constant size rather than a length-prefixed stream.
package mds

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/wal-engine/nvwal/internal/segment"
	"github.com/wal-engine/nvwal/pkg/epoch"
	"github.com/wal-engine/nvwal/pkg/nverr"
)

// RecordSize is the fixed, failure-atomic size of one EpochMetadata
// record, per spec.md §3: "fixed 64 bytes (8·8)".
const RecordSize = 64

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// EpochMetadata describes exactly the byte extent (possibly
// multi-segment) holding one committed epoch's bytes, per spec.md §3.
type EpochMetadata struct {
	EpochID        epoch.ID
	FromSegID      segment.DSID
	FromOffset     int64
	ToSegID        segment.DSID
	ToOff          int64
	UserMetadata0  uint64
	UserMetadata1  uint64
}

// Encode serializes m into a RecordSize-byte record, little-endian
// fields followed by a trailing CRC32C over everything before it.
func (m EpochMetadata) Encode() [RecordSize]byte {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.EpochID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.FromSegID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.FromOffset))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.ToSegID))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.ToOff))
	binary.LittleEndian.PutUint64(buf[40:48], m.UserMetadata0)
	binary.LittleEndian.PutUint64(buf[48:56], m.UserMetadata1)
	csum := crc32.Checksum(buf[0:56], crc32Table)
	binary.LittleEndian.PutUint32(buf[56:60], csum)
	// buf[60:64] reserved, always zero.
	return buf
}

// DecodeEpochMetadata is the inverse of Encode, returning a Corrupt
// error if the checksum does not match.
func DecodeEpochMetadata(buf []byte) (EpochMetadata, error) {
	if len(buf) < RecordSize {
		return EpochMetadata{}, nverr.New(nverr.Corrupt, "mds.DecodeEpochMetadata", "short record")
	}
	got := binary.LittleEndian.Uint32(buf[56:60])
	want := crc32.Checksum(buf[0:56], crc32Table)
	if got != want {
		return EpochMetadata{}, nverr.New(nverr.Corrupt, "mds.DecodeEpochMetadata", "checksum mismatch")
	}
	return EpochMetadata{
		EpochID:       epoch.ID(binary.LittleEndian.Uint64(buf[0:8])),
		FromSegID:     segment.DSID(binary.LittleEndian.Uint64(buf[8:16])),
		FromOffset:    int64(binary.LittleEndian.Uint64(buf[16:24])),
		ToSegID:       segment.DSID(binary.LittleEndian.Uint64(buf[24:32])),
		ToOff:         int64(binary.LittleEndian.Uint64(buf[32:40])),
		UserMetadata0: binary.LittleEndian.Uint64(buf[40:48]),
		UserMetadata1: binary.LittleEndian.Uint64(buf[48:56]),
	}, nil
}

// IsZero reports whether a record slot has never been written, used by
// iteration/binary-search to detect the end of the paged range.
func (m EpochMetadata) IsZero() bool {
	return m.EpochID == epoch.Invalid
}
