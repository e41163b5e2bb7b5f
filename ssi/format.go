// Package ssi implements the SSI (simple sequence index) binary file
// format: a compact on-disk index mapping record keys to byte offsets
// in one or more companion data files.
//
// An index file is a fixed-width header followed by three fixed-record
// tables (indexed files, primary keys, secondary keys). Key tables are
// sorted, so lookups binary-search them directly on disk without
// loading them into memory. All integers are big-endian; offsets are
// written 32- or 64-bit wide according to two independent header flags,
// one for offsets into the data files and one for offsets into the
// index file itself.
package ssi

import (
	"errors"

	"github.com/INLOpen/seqindex/binio"
)

// Magic identifies an SSI index file. The byteswapped form shows up
// when a file was written by a historical implementation that emitted
// host byte order; such files are refused.
const (
	Magic        uint32 = 0xf3f3e9b1
	MagicSwapped uint32 = 0xb1e9f3f3
)

// Header flag bits.
const (
	// FlagUse64 means offsets into the indexed data files are 64-bit.
	FlagUse64 uint32 = 1 << 0
	// FlagUse64Index means offsets within the index file itself are 64-bit.
	FlagUse64Index uint32 = 1 << 1
)

// Per-file flag bits in the file table.
const (
	// FileFastSubseq marks a file with uniform line geometry, enabling
	// constant-time subsequence offset arithmetic.
	FileFastSubseq uint32 = 1 << 0
)

// Hard limits of the format.
const (
	// MaxFiles is the largest number of data files one index can cover.
	MaxFiles = 32767
	// MaxKeys bounds primary and secondary key counts; counts are
	// stored as 32-bit fields in the header.
	MaxKeys = 1<<31 - 1
)

// headerFixedSize is the byte size of the header before the three
// table offsets, whose width depends on the index offset mode.
const headerFixedSize = 42

func headerSize(imode binio.OffsetMode) int64 {
	return headerFixedSize + 3*int64(imode.Size())
}

// fileRecSize returns the file-table record size for a given maximum
// name length (flen includes the terminating NUL).
func fileRecSize(flen uint32) uint32 { return flen + 16 }

// primaryRecSize returns the primary-table record size: key field,
// file number, two data-file offsets, and the sequence length.
func primaryRecSize(plen uint32, smode binio.OffsetMode) uint32 {
	return plen + 6 + 2*uint32(smode.Size())
}

// secondaryRecSize returns the secondary-table record size: alias
// field plus the referenced primary key field.
func secondaryRecSize(slen, plen uint32) uint32 { return slen + plen }

var (
	// ErrNotFound means the key (or key ordinal) is not in the index.
	ErrNotFound = errors.New("key not found in index")
	// ErrFormat means the file is not a valid SSI index.
	ErrFormat = errors.New("invalid SSI index file")
	// ErrClosed is returned by queries on a closed reader.
	ErrClosed = errors.New("index reader is closed")
	// ErrFinished is returned when a builder is mutated after Write.
	ErrFinished = errors.New("index builder is already written")
	// ErrDuplicateKey means two primary keys compared equal at Write.
	ErrDuplicateKey = errors.New("duplicate primary key")
	// ErrTooManyFiles means the 32767-file limit would be exceeded.
	ErrTooManyFiles = errors.New("too many files in index")
	// ErrTooManyKeys means the key-count limit would be exceeded.
	ErrTooManyKeys = errors.New("too many keys in index")
	// ErrBadKey means a key is empty or contains a NUL byte.
	ErrBadKey = errors.New("invalid key")
	// ErrUnknownFile means a file handle was never registered.
	ErrUnknownFile = errors.New("unknown file handle")
	// ErrNoSubseq means the target file lacks fast subsequence support.
	ErrNoSubseq = errors.New("file does not support fast subsequence lookup")
	// ErrRange means a position or ordinal is outside its valid bounds.
	ErrRange = errors.New("position out of range")
)
