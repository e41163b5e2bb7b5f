// Package binio provides endian-safe fixed-width binary I/O for index
// files that must be byte-identical across platforms. All integers are
// written in network (big-endian) byte order. File offsets carry an
// explicit on-disk width, selected per file by an OffsetMode.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrOffsetOverflow is returned when an offset does not fit the
	// requested on-disk width.
	ErrOffsetOverflow = errors.New("offset overflows on-disk width")
	// ErrBadOffsetMode is returned for an OffsetMode other than
	// Offset32 or Offset64.
	ErrBadOffsetMode = errors.New("offset mode must be 32 or 64 bit")
)

// OffsetMode selects the on-disk width of a file offset.
type OffsetMode uint8

const (
	Offset32 OffsetMode = 32
	Offset64 OffsetMode = 64
)

// Size returns the number of bytes an offset occupies on disk.
func (m OffsetMode) Size() int {
	if m == Offset64 {
		return 8
	}
	return 4
}

// Valid reports whether m is a supported offset width.
func (m OffsetMode) Valid() bool {
	return m == Offset32 || m == Offset64
}

func (m OffsetMode) String() string {
	switch m {
	case Offset32:
		return "32"
	case Offset64:
		return "64"
	default:
		return "invalid"
	}
}

// Byteswap reverses the byte order of buf in place.
func Byteswap(buf []byte) {
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
}

// ReadUint16 reads one big-endian uint16 from r.
// A short read is reported as an error, never as a partial value.
func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// ReadUint32 reads one big-endian uint32 from r.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadUint64 reads one big-endian uint64 from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteUint16 writes v to w as a big-endian uint16.
func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteUint32 writes v to w as a big-endian uint32.
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteUint64 writes v to w as a big-endian uint64.
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadOffset reads one file offset from r in the width given by mode.
// In-memory offsets are always int64; a stored 64-bit value that cannot
// be represented as a non-negative int64 is an ErrOffsetOverflow.
func ReadOffset(r io.Reader, mode OffsetMode) (int64, error) {
	switch mode {
	case Offset32:
		v, err := ReadUint32(r)
		if err != nil {
			return 0, err
		}
		return int64(v), nil
	case Offset64:
		v, err := ReadUint64(r)
		if err != nil {
			return 0, err
		}
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("stored offset %d: %w", v, ErrOffsetOverflow)
		}
		return int64(v), nil
	default:
		return 0, ErrBadOffsetMode
	}
}

// WriteOffset writes off to w in the width given by mode. Writing a
// value that exceeds the 32-bit range while mode is Offset32 fails with
// ErrOffsetOverflow rather than silently truncating.
func WriteOffset(w io.Writer, mode OffsetMode, off int64) error {
	if off < 0 {
		return fmt.Errorf("negative offset %d: %w", off, ErrOffsetOverflow)
	}
	switch mode {
	case Offset32:
		if off > math.MaxUint32 {
			return fmt.Errorf("offset %d exceeds 32-bit range: %w", off, ErrOffsetOverflow)
		}
		return WriteUint32(w, uint32(off))
	case Offset64:
		return WriteUint64(w, uint64(off))
	default:
		return ErrBadOffsetMode
	}
}
