package ssi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/seqindex/binio"
)

// ReaderOptions configures a Reader. The zero value is usable.
type ReaderOptions struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

// FileEntry describes one indexed data file.
type FileEntry struct {
	Name   string
	Format uint32
	Flags  uint32
	// BytesPerLine and ResiduesPerLine are the uniform line geometry,
	// set only when Flags has FileFastSubseq.
	BytesPerLine    uint32
	ResiduesPerLine uint32
}

// SubseqLoc is the result of FindSubseq: where to seek in the data
// file to land on a residue within a keyed sequence.
type SubseqLoc struct {
	FileHandle   uint16
	RecordOffset int64
	// DataOffset is the byte offset of the residue at ActualStart.
	DataOffset int64
	// ActualStart is the 1-based residue position DataOffset points at.
	// It equals the requested position when the file's line geometry
	// permits exact arithmetic; otherwise it is the start of the line
	// containing the requested position.
	ActualStart int64
}

// Reader answers point lookups against one index file. The key tables
// stay on disk and are binary-searched with positioned reads, so a
// Reader is safe for concurrent queries.
type Reader struct {
	f      *os.File
	logger *slog.Logger
	tracer trace.Tracer
	closed atomic.Bool

	flags      uint32
	imode      binio.OffsetMode
	smode      binio.OffsetMode
	nfiles     uint16
	nprimary   uint32
	nsecondary uint32
	flen       uint32
	plen       uint32
	slen       uint32
	frecsize   uint32
	precsize   uint32
	srecsize   uint32
	foffset    int64
	poffset    int64
	soffset    int64

	files []FileEntry
}

// Open opens and validates an index file. On any format problem the
// file is closed and no Reader is returned.
func Open(path string, opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	r := &Reader{
		f:      f,
		logger: opts.Logger.With("component", "ssi-reader", "index", path),
		tracer: opts.Tracer,
	}
	if r.tracer != nil {
		_, span := r.tracer.Start(context.Background(), "ssi.Open",
			trace.WithAttributes(attribute.String("ssi.index", path)))
		defer span.End()
	}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("index %s: %w", path, err)
	}
	if err := r.readFileTable(); err != nil {
		f.Close()
		return nil, fmt.Errorf("index %s: %w", path, err)
	}
	r.logger.Debug("index opened",
		"files", r.nfiles, "primary_keys", r.nprimary, "secondary_keys", r.nsecondary,
		"data_offsets", r.smode.String()+"-bit", "index_offsets", r.imode.String()+"-bit")
	return r, nil
}

func (r *Reader) readHeader() error {
	br := bufio.NewReaderSize(r.f, 4096)

	magic, err := binio.ReadUint32(br)
	if err != nil {
		return fmt.Errorf("%w: failed to read magic: %v", ErrFormat, err)
	}
	switch magic {
	case Magic:
	case MagicSwapped:
		return fmt.Errorf("%w: byteswapped index (written by a non-portable implementation)", ErrFormat)
	default:
		return fmt.Errorf("%w: bad magic 0x%08x", ErrFormat, magic)
	}

	if r.flags, err = binio.ReadUint32(br); err != nil {
		return fmt.Errorf("%w: truncated header: %v", ErrFormat, err)
	}
	r.smode = binio.Offset32
	if r.flags&FlagUse64 != 0 {
		r.smode = binio.Offset64
	}
	r.imode = binio.Offset32
	if r.flags&FlagUse64Index != 0 {
		r.imode = binio.Offset64
	}

	if r.nfiles, err = binio.ReadUint16(br); err != nil {
		return fmt.Errorf("%w: truncated header: %v", ErrFormat, err)
	}
	for _, dst := range []*uint32{
		&r.nprimary, &r.nsecondary,
		&r.flen, &r.plen, &r.slen,
		&r.frecsize, &r.precsize, &r.srecsize,
	} {
		if *dst, err = binio.ReadUint32(br); err != nil {
			return fmt.Errorf("%w: truncated header: %v", ErrFormat, err)
		}
	}
	for _, dst := range []*int64{&r.foffset, &r.poffset, &r.soffset} {
		if *dst, err = binio.ReadOffset(br, r.imode); err != nil {
			return fmt.Errorf("%w: truncated header: %v", ErrFormat, err)
		}
	}
	return r.validateHeader()
}

// validateHeader cross-checks the header's sizes, offsets, and counts
// against each other and the actual file size. A reader refuses a file
// it cannot prove consistent rather than guessing.
func (r *Reader) validateHeader() error {
	if r.nprimary > MaxKeys || r.nsecondary > MaxKeys {
		return fmt.Errorf("%w: key counts %d/%d exceed limit", ErrFormat, r.nprimary, r.nsecondary)
	}
	if r.frecsize != fileRecSize(r.flen) {
		return fmt.Errorf("%w: file record size %d does not match name length %d", ErrFormat, r.frecsize, r.flen)
	}
	if r.precsize != primaryRecSize(r.plen, r.smode) {
		return fmt.Errorf("%w: primary record size %d does not match key length %d", ErrFormat, r.precsize, r.plen)
	}
	if r.srecsize != secondaryRecSize(r.slen, r.plen) {
		return fmt.Errorf("%w: secondary record size %d does not match key lengths %d/%d", ErrFormat, r.srecsize, r.slen, r.plen)
	}
	if r.nprimary > 0 && r.plen == 0 {
		return fmt.Errorf("%w: primary keys present but key length is zero", ErrFormat)
	}
	if r.nsecondary > 0 && r.slen == 0 {
		return fmt.Errorf("%w: secondary keys present but key length is zero", ErrFormat)
	}
	if r.foffset != headerSize(r.imode) {
		return fmt.Errorf("%w: file table offset %d, want %d", ErrFormat, r.foffset, headerSize(r.imode))
	}
	if want := r.foffset + int64(r.nfiles)*int64(r.frecsize); r.poffset != want {
		return fmt.Errorf("%w: primary table offset %d, want %d", ErrFormat, r.poffset, want)
	}
	if want := r.poffset + int64(r.nprimary)*int64(r.precsize); r.soffset != want {
		return fmt.Errorf("%w: secondary table offset %d, want %d", ErrFormat, r.soffset, want)
	}

	fi, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat index: %w", err)
	}
	if want := r.soffset + int64(r.nsecondary)*int64(r.srecsize); fi.Size() < want {
		return fmt.Errorf("%w: file is %d bytes, tables need %d", ErrFormat, fi.Size(), want)
	}
	return nil
}

func (r *Reader) readFileTable() error {
	r.files = make([]FileEntry, r.nfiles)
	buf := make([]byte, r.frecsize)
	for i := range r.files {
		off := r.foffset + int64(i)*int64(r.frecsize)
		if _, err := r.f.ReadAt(buf, off); err != nil {
			return fmt.Errorf("%w: truncated file table: %v", ErrFormat, err)
		}
		br := bytes.NewReader(buf[r.flen:])
		e := &r.files[i]
		e.Name = string(trimKey(buf[:r.flen]))
		for _, dst := range []*uint32{&e.Format, &e.Flags, &e.BytesPerLine, &e.ResiduesPerLine} {
			v, err := binio.ReadUint32(br)
			if err != nil {
				return fmt.Errorf("%w: truncated file table: %v", ErrFormat, err)
			}
			*dst = v
		}
	}
	return nil
}

// primaryRecord is one decoded primary key table entry.
type primaryRecord struct {
	fnum   uint16
	roff   int64
	doff   int64
	seqLen uint32
}

// FindName resolves key to its (file handle, record offset). The
// primary table is searched first; on a miss the secondary table is
// searched and a hit there re-resolves through the primary table.
func (r *Reader) FindName(key string) (uint16, int64, error) {
	if r.closed.Load() {
		return 0, 0, ErrClosed
	}
	if r.tracer != nil {
		_, span := r.tracer.Start(context.Background(), "ssi.Reader.FindName",
			trace.WithAttributes(attribute.String("ssi.key", key)))
		defer span.End()
	}
	rec, err := r.lookup(key)
	if err != nil {
		return 0, 0, err
	}
	return rec.fnum, rec.roff, nil
}

// FindNumber returns the (file handle, record offset) of the n-th
// primary key in sorted order. An out-of-range n is a miss, not a
// structural error.
func (r *Reader) FindNumber(n int64) (uint16, int64, error) {
	if r.closed.Load() {
		return 0, 0, ErrClosed
	}
	if n < 0 || n >= int64(r.nprimary) {
		return 0, 0, fmt.Errorf("key number %d of %d: %w", n, r.nprimary, ErrNotFound)
	}
	rec, err := r.readPrimary(n)
	if err != nil {
		return 0, 0, err
	}
	return rec.fnum, rec.roff, nil
}

// FindSubseq resolves key like FindName, then computes the byte offset
// of the residue at the 1-based position start using the target file's
// line geometry. The file must have been flagged for fast subsequence
// lookup at build time. When bytes-per-line exceeds residues-per-line
// by exactly one the offset is exact; otherwise it points at the start
// of the line containing the position, reported via ActualStart.
func (r *Reader) FindSubseq(key string, start int64) (SubseqLoc, error) {
	if r.closed.Load() {
		return SubseqLoc{}, ErrClosed
	}
	if r.tracer != nil {
		_, span := r.tracer.Start(context.Background(), "ssi.Reader.FindSubseq",
			trace.WithAttributes(attribute.String("ssi.key", key), attribute.Int64("ssi.start", start)))
		defer span.End()
	}

	rec, err := r.lookup(key)
	if err != nil {
		return SubseqLoc{}, err
	}
	file := r.files[rec.fnum]
	if file.Flags&FileFastSubseq == 0 {
		return SubseqLoc{}, fmt.Errorf("file %q: %w", file.Name, ErrNoSubseq)
	}
	bpl := int64(file.BytesPerLine)
	rpl := int64(file.ResiduesPerLine)
	if bpl == 0 || rpl == 0 {
		return SubseqLoc{}, fmt.Errorf("file %q has no line geometry: %w", file.Name, ErrNoSubseq)
	}
	if start < 1 || start > int64(rec.seqLen) {
		return SubseqLoc{}, fmt.Errorf("start %d of sequence length %d: %w", start, rec.seqLen, ErrRange)
	}

	loc := SubseqLoc{FileHandle: rec.fnum, RecordOffset: rec.roff}
	line := (start - 1) / rpl
	if bpl == rpl+1 {
		// Single terminator byte per line: residue position maps to an
		// exact byte offset.
		loc.DataOffset = rec.doff + line*bpl + (start-1)%rpl
		loc.ActualStart = start
	} else {
		loc.DataOffset = rec.doff + line*bpl
		loc.ActualStart = 1 + line*rpl
	}
	return loc, nil
}

// FileInfo returns the name and format code of an indexed file.
func (r *Reader) FileInfo(fh uint16) (string, uint32, error) {
	e, err := r.FileEntry(fh)
	if err != nil {
		return "", 0, err
	}
	return e.Name, e.Format, nil
}

// FileEntry returns the full file table entry for a handle.
func (r *Reader) FileEntry(fh uint16) (FileEntry, error) {
	if r.closed.Load() {
		return FileEntry{}, ErrClosed
	}
	if int(fh) >= len(r.files) {
		return FileEntry{}, fmt.Errorf("file handle %d of %d: %w", fh, len(r.files), ErrUnknownFile)
	}
	return r.files[fh], nil
}

// NumFiles returns the number of indexed data files.
func (r *Reader) NumFiles() uint16 { return r.nfiles }

// NumPrimaryKeys returns the number of primary keys.
func (r *Reader) NumPrimaryKeys() uint32 { return r.nprimary }

// NumSecondaryKeys returns the number of secondary keys.
func (r *Reader) NumSecondaryKeys() uint32 { return r.nsecondary }

// DataOffsetMode returns the on-disk width of data-file offsets.
func (r *Reader) DataOffsetMode() binio.OffsetMode { return r.smode }

// IndexOffsetMode returns the on-disk width of index-internal offsets.
func (r *Reader) IndexOffsetMode() binio.OffsetMode { return r.imode }

// Close releases the index file. Further queries return ErrClosed.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.f.Close()
}

// lookup resolves a key through the primary table, falling back to the
// secondary table. An alias whose primary key is absent is a miss.
func (r *Reader) lookup(key string) (primaryRecord, error) {
	rec, err := r.searchPrimary(key)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	pkey, err := r.searchSecondary(key)
	if err != nil {
		return primaryRecord{}, err
	}
	rec, err = r.searchPrimary(pkey)
	if errors.Is(err, ErrNotFound) {
		r.logger.Debug("alias resolves to absent primary key", "alias", key, "primary_key", pkey)
		return primaryRecord{}, fmt.Errorf("alias %q references key %q: %w", key, pkey, ErrNotFound)
	}
	return rec, err
}

// searchPrimary binary-searches the on-disk primary table.
func (r *Reader) searchPrimary(key string) (primaryRecord, error) {
	n, err := r.search(key, r.poffset, int64(r.precsize), int64(r.plen), int64(r.nprimary))
	if err != nil {
		return primaryRecord{}, err
	}
	return r.readPrimary(n)
}

// searchSecondary binary-searches the on-disk secondary table and
// returns the referenced primary key.
func (r *Reader) searchSecondary(key string) (string, error) {
	n, err := r.search(key, r.soffset, int64(r.srecsize), int64(r.slen), int64(r.nsecondary))
	if err != nil {
		return "", err
	}
	buf := make([]byte, r.srecsize)
	if _, err := r.f.ReadAt(buf, r.soffset+n*int64(r.srecsize)); err != nil {
		return "", fmt.Errorf("failed to read secondary key record %d: %w", n, err)
	}
	return string(trimKey(buf[r.slen:])), nil
}

// search runs a binary search over a table of count fixed-size records
// at base, comparing key against each record's leading NUL-padded key
// field of klen bytes. It returns the matching record's ordinal.
func (r *Reader) search(key string, base, recsize, klen, count int64) (int64, error) {
	if int64(len(key)) >= klen {
		// Longer than any stored key; cannot match.
		return 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	field := make([]byte, klen)
	lo, hi := int64(0), count-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if _, err := r.f.ReadAt(field, base+mid*recsize); err != nil {
			return 0, fmt.Errorf("failed to read key record %d: %w", mid, err)
		}
		switch c := bytes.Compare([]byte(key), trimKey(field)); {
		case c == 0:
			return mid, nil
		case c < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return 0, fmt.Errorf("key %q: %w", key, ErrNotFound)
}

// readPrimary reads and decodes the n-th primary key record.
func (r *Reader) readPrimary(n int64) (primaryRecord, error) {
	buf := make([]byte, r.precsize)
	if _, err := r.f.ReadAt(buf, r.poffset+n*int64(r.precsize)); err != nil {
		return primaryRecord{}, fmt.Errorf("failed to read primary key record %d: %w", n, err)
	}
	br := bytes.NewReader(buf[r.plen:])
	var rec primaryRecord
	var err error
	if rec.fnum, err = binio.ReadUint16(br); err != nil {
		return primaryRecord{}, fmt.Errorf("%w: short primary key record %d", ErrFormat, n)
	}
	if int(rec.fnum) >= len(r.files) {
		return primaryRecord{}, fmt.Errorf("%w: primary key record %d references file %d of %d", ErrFormat, n, rec.fnum, len(r.files))
	}
	if rec.roff, err = binio.ReadOffset(br, r.smode); err != nil {
		return primaryRecord{}, fmt.Errorf("%w: short primary key record %d", ErrFormat, n)
	}
	if rec.doff, err = binio.ReadOffset(br, r.smode); err != nil {
		return primaryRecord{}, fmt.Errorf("%w: short primary key record %d", ErrFormat, n)
	}
	if rec.seqLen, err = binio.ReadUint32(br); err != nil {
		return primaryRecord{}, fmt.Errorf("%w: short primary key record %d", ErrFormat, n)
	}
	return rec, nil
}

// trimKey cuts a NUL-padded fixed-width key field down to the key bytes.
func trimKey(field []byte) []byte {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		return field[:i]
	}
	return field
}
