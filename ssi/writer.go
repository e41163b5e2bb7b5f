package ssi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/seqindex/binio"
	"github.com/INLOpen/seqindex/core"
	"github.com/INLOpen/seqindex/extsort"
)

// DefaultMaxInMemoryBytes is the staging footprint at which a builder
// switches from in-memory sorting to external merge sort.
const DefaultMaxInMemoryBytes = 256 << 20

// spoolPayloadSize is the fixed payload appended after the NUL-terminated
// key in a staged primary record: file number, record offset, data
// offset, sequence length.
const spoolPayloadSize = 2 + 8 + 8 + 4

// BuilderOptions configures a Builder. The zero value is usable.
type BuilderOptions struct {
	// MaxInMemoryBytes is the estimated index size at which key staging
	// switches to external sort. Zero means DefaultMaxInMemoryBytes,
	// or a fraction of available RAM when AutoMemoryLimit is set.
	MaxInMemoryBytes int64
	// AutoMemoryLimit sizes the staging ceiling from available system
	// memory instead of the fixed default. Ignored when
	// MaxInMemoryBytes is set explicitly.
	AutoMemoryLimit bool
	// TempDir is where external-sort spill chunks are created.
	// Empty means the system temp dir.
	TempDir string
	// DataOffsetMode selects the on-disk width of offsets into the
	// indexed data files. Zero means binio.Offset64.
	DataOffsetMode binio.OffsetMode
	// IndexOffsetMode selects the on-disk width of offsets within the
	// index file itself. Zero means binio.Offset64.
	IndexOffsetMode binio.OffsetMode
	// SpillCompressor is the codec for external-sort chunks.
	// Nil means snappy.
	SpillCompressor core.Compressor
	Logger          *slog.Logger
	Tracer          trace.Tracer
}

type indexedFile struct {
	name   string
	format uint32
	flags  uint32
	bpl    uint32
	rpl    uint32
}

// Builder accumulates file registrations and keys, then serializes a
// complete index with Write. A Builder is not safe for concurrent use.
// After a successful Write the builder only accepts Destroy.
type Builder struct {
	opts   BuilderOptions
	logger *slog.Logger
	tracer trace.Tracer

	files []indexedFile
	flen  int64 // max name length incl NUL
	plen  int64 // max primary key length incl NUL
	slen  int64 // max secondary key length incl NUL

	primary    *extsort.Sorter
	secondary  *extsort.Sorter
	nprimary   int64
	nsecondary int64

	external bool
	finished bool
}

// NewBuilder creates an empty Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.MaxInMemoryBytes <= 0 {
		opts.MaxInMemoryBytes = DefaultMaxInMemoryBytes
		if opts.AutoMemoryLimit {
			opts.MaxInMemoryBytes = autoMemoryLimit()
		}
	}
	if opts.DataOffsetMode == 0 {
		opts.DataOffsetMode = binio.Offset64
	}
	if opts.IndexOffsetMode == 0 {
		opts.IndexOffsetMode = binio.Offset64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "ssi-builder")

	sorterOpts := extsort.Options{
		MaxMemoryBytes:      opts.MaxInMemoryBytes,
		TempDir:             opts.TempDir,
		Compressor:          opts.SpillCompressor,
		MaxConcurrentSpills: 1,
		Logger:              opts.Logger,
	}
	return &Builder{
		opts:      opts,
		logger:    logger,
		tracer:    opts.Tracer,
		primary:   extsort.NewSorter(sorterOpts),
		secondary: extsort.NewSorter(sorterOpts),
	}
}

// autoMemoryLimit derives a staging ceiling from available system
// memory, clamped to [64 MiB, 1 GiB].
func autoMemoryLimit() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return DefaultMaxInMemoryBytes
	}
	limit := int64(vm.Available / 4)
	if limit < 64<<20 {
		limit = 64 << 20
	}
	if limit > 1<<30 {
		limit = 1 << 30
	}
	return limit
}

// AddFile registers a data file and returns its 0-based handle. Only
// the base name is stored; an index travels alongside its data files.
// Duplicate names are not rejected.
func (b *Builder) AddFile(name string, format uint32) (uint16, error) {
	if b.finished {
		return 0, ErrFinished
	}
	if len(b.files) >= MaxFiles {
		return 0, ErrTooManyFiles
	}
	base := filepath.Base(name)
	if err := validKey(base); err != nil {
		return 0, fmt.Errorf("file name %q: %w", name, err)
	}
	fh := uint16(len(b.files))
	b.files = append(b.files, indexedFile{name: base, format: format})
	if n := int64(len(base)) + 1; n > b.flen {
		b.flen = n
	}
	return fh, nil
}

// SetSubseqInfo marks a registered file as having uniform line
// geometry: bpl bytes per line, rpl residues per line. The caller
// must guarantee the uniformity; this enables FindSubseq on keys in
// that file.
func (b *Builder) SetSubseqInfo(fh uint16, bpl, rpl uint32) error {
	if b.finished {
		return ErrFinished
	}
	if int(fh) >= len(b.files) {
		return fmt.Errorf("file handle %d: %w", fh, ErrUnknownFile)
	}
	if bpl == 0 || rpl == 0 {
		return fmt.Errorf("file handle %d: line geometry must be positive", fh)
	}
	f := &b.files[fh]
	f.flags |= FileFastSubseq
	f.bpl = bpl
	f.rpl = rpl
	return nil
}

// AddKey stages a primary key for a previously registered file.
// recordOff is where the record begins in the data file, dataOff where
// its payload begins, and seqLen its logical length.
func (b *Builder) AddKey(key string, fh uint16, recordOff, dataOff int64, seqLen uint32) error {
	if b.finished {
		return ErrFinished
	}
	if err := validKey(key); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	if int(fh) >= len(b.files) {
		return fmt.Errorf("file handle %d: %w", fh, ErrUnknownFile)
	}
	if b.nprimary >= MaxKeys {
		return ErrTooManyKeys
	}
	if err := checkOffset(recordOff, b.opts.DataOffsetMode); err != nil {
		return fmt.Errorf("key %q record offset %d: %w", key, recordOff, err)
	}
	if err := checkOffset(dataOff, b.opts.DataOffsetMode); err != nil {
		return fmt.Errorf("key %q data offset %d: %w", key, dataOff, err)
	}

	rec := make([]byte, 0, len(key)+1+spoolPayloadSize)
	rec = append(rec, key...)
	rec = append(rec, 0)
	var payload [spoolPayloadSize]byte
	binary.BigEndian.PutUint16(payload[0:2], fh)
	binary.BigEndian.PutUint64(payload[2:10], uint64(recordOff))
	binary.BigEndian.PutUint64(payload[10:18], uint64(dataOff))
	binary.BigEndian.PutUint32(payload[18:22], seqLen)
	rec = append(rec, payload[:]...)

	if err := b.primary.Append(rec); err != nil {
		return fmt.Errorf("failed to stage key %q: %w", key, err)
	}
	b.nprimary++
	if n := int64(len(key)) + 1; n > b.plen {
		b.plen = n
	}
	return b.checkFootprint()
}

// AddAlias stages a secondary key resolving to a primary key. The
// primary key need not have been added yet; resolution is deferred to
// query time, and an alias to a key that never arrives simply misses.
func (b *Builder) AddAlias(alias, primaryKey string) error {
	if b.finished {
		return ErrFinished
	}
	if err := validKey(alias); err != nil {
		return fmt.Errorf("alias %q: %w", alias, err)
	}
	if err := validKey(primaryKey); err != nil {
		return fmt.Errorf("key %q: %w", primaryKey, err)
	}
	if b.nsecondary >= MaxKeys {
		return ErrTooManyKeys
	}

	rec := make([]byte, 0, len(alias)+1+len(primaryKey))
	rec = append(rec, alias...)
	rec = append(rec, 0)
	rec = append(rec, primaryKey...)
	if err := b.secondary.Append(rec); err != nil {
		return fmt.Errorf("failed to stage alias %q: %w", alias, err)
	}
	b.nsecondary++
	if n := int64(len(alias)) + 1; n > b.slen {
		b.slen = n
	}
	// The secondary table stores the referenced primary key in a
	// plen-wide field, so aliases widen plen too.
	if n := int64(len(primaryKey)) + 1; n > b.plen {
		b.plen = n
	}
	return b.checkFootprint()
}

// checkFootprint estimates the final index size from the running
// statistics and switches both key spools to external sort once the
// estimate crosses the configured ceiling.
func (b *Builder) checkFootprint() error {
	if b.external {
		return nil
	}
	est := headerSize(binio.Offset64) +
		int64(len(b.files))*int64(fileRecSize(uint32(b.flen))) +
		b.nprimary*int64(primaryRecSize(uint32(b.plen), binio.Offset64)) +
		b.nsecondary*int64(secondaryRecSize(uint32(b.slen), uint32(b.plen)))
	if est < b.opts.MaxInMemoryBytes {
		return nil
	}
	b.logger.Info("switching to external key sort",
		"estimated_bytes", est, "limit_bytes", b.opts.MaxInMemoryBytes,
		"primary_keys", b.nprimary, "secondary_keys", b.nsecondary)
	if err := b.primary.Spill(); err != nil {
		return fmt.Errorf("failed to spill primary keys: %w", err)
	}
	if err := b.secondary.Spill(); err != nil {
		return fmt.Errorf("failed to spill secondary keys: %w", err)
	}
	b.external = true
	return nil
}

// Write sorts all staged keys and serializes the index to w. On
// success the builder refuses further mutation; on error the caller
// must treat the output as unusable and discard it.
func (b *Builder) Write(w io.Writer) (err error) {
	if b.finished {
		return ErrFinished
	}
	ctx := context.Background()
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "ssi.Builder.Write",
			trace.WithAttributes(
				attribute.Int("ssi.files", len(b.files)),
				attribute.Int64("ssi.primary_keys", b.nprimary),
				attribute.Int64("ssi.secondary_keys", b.nsecondary),
			))
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}

	imode := b.opts.IndexOffsetMode
	smode := b.opts.DataOffsetMode
	flen := uint32(b.flen)
	plen := uint32(b.plen)
	slen := uint32(b.slen)
	frecsize := fileRecSize(flen)
	precsize := primaryRecSize(plen, smode)
	srecsize := secondaryRecSize(slen, plen)

	foffset := headerSize(imode)
	poffset := foffset + int64(len(b.files))*int64(frecsize)
	soffset := poffset + b.nprimary*int64(precsize)
	total := soffset + b.nsecondary*int64(srecsize)
	if imode == binio.Offset32 && total > math.MaxUint32 {
		return fmt.Errorf("index size %d exceeds 32-bit internal offsets: %w", total, binio.ErrOffsetOverflow)
	}

	var flags uint32
	if smode == binio.Offset64 {
		flags |= FlagUse64
	}
	if imode == binio.Offset64 {
		flags |= FlagUse64Index
	}

	bw := bufio.NewWriterSize(w, 64*1024)
	if err := b.writeHeader(bw, flags, flen, plen, slen, frecsize, precsize, srecsize, foffset, poffset, soffset); err != nil {
		return err
	}
	if err := b.writeFileTable(bw, flen); err != nil {
		return err
	}
	if err := b.writePrimaryTable(ctx, bw, plen); err != nil {
		return err
	}
	if err := b.writeSecondaryTable(ctx, bw, slen, plen); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush index: %w", err)
	}

	b.finished = true
	b.logger.Info("index written",
		"files", len(b.files), "primary_keys", b.nprimary,
		"secondary_keys", b.nsecondary, "bytes", total, "external_sort", b.external)
	return nil
}

func (b *Builder) writeHeader(w io.Writer, flags, flen, plen, slen, frecsize, precsize, srecsize uint32, foffset, poffset, soffset int64) error {
	imode := b.opts.IndexOffsetMode
	if err := binio.WriteUint32(w, Magic); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binio.WriteUint32(w, flags); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binio.WriteUint16(w, uint16(len(b.files))); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, v := range []uint32{
		uint32(b.nprimary), uint32(b.nsecondary),
		flen, plen, slen,
		frecsize, precsize, srecsize,
	} {
		if err := binio.WriteUint32(w, v); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	for _, off := range []int64{foffset, poffset, soffset} {
		if err := binio.WriteOffset(w, imode, off); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	return nil
}

func (b *Builder) writeFileTable(w io.Writer, flen uint32) error {
	name := make([]byte, flen)
	for _, f := range b.files {
		for i := range name {
			name[i] = 0
		}
		copy(name, f.name)
		if _, err := w.Write(name); err != nil {
			return fmt.Errorf("failed to write file table: %w", err)
		}
		for _, v := range []uint32{f.format, f.flags, f.bpl, f.rpl} {
			if err := binio.WriteUint32(w, v); err != nil {
				return fmt.Errorf("failed to write file table: %w", err)
			}
		}
	}
	return nil
}

func (b *Builder) writePrimaryTable(ctx context.Context, w io.Writer, plen uint32) error {
	it, err := b.primary.Sort(ctx)
	if err != nil {
		return fmt.Errorf("failed to sort primary keys: %w", err)
	}
	defer it.Close()

	smode := b.opts.DataOffsetMode
	field := make([]byte, plen)
	var prev []byte
	for it.Next() {
		key, payload, err := splitSpooled(it.Record())
		if err != nil {
			return err
		}
		if len(payload) != spoolPayloadSize {
			return fmt.Errorf("staged primary record for %q has payload size %d", key, len(payload))
		}
		if prev != nil && bytes.Equal(prev, key) {
			return fmt.Errorf("key %q: %w", key, ErrDuplicateKey)
		}
		prev = append(prev[:0], key...)

		for i := range field {
			field[i] = 0
		}
		copy(field, key)
		if _, err := w.Write(field); err != nil {
			return fmt.Errorf("failed to write primary key table: %w", err)
		}
		if err := binio.WriteUint16(w, binary.BigEndian.Uint16(payload[0:2])); err != nil {
			return fmt.Errorf("failed to write primary key table: %w", err)
		}
		for _, off := range []uint64{
			binary.BigEndian.Uint64(payload[2:10]),
			binary.BigEndian.Uint64(payload[10:18]),
		} {
			if err := binio.WriteOffset(w, smode, int64(off)); err != nil {
				return fmt.Errorf("failed to write primary key table: %w", err)
			}
		}
		if err := binio.WriteUint32(w, binary.BigEndian.Uint32(payload[18:22])); err != nil {
			return fmt.Errorf("failed to write primary key table: %w", err)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("primary key sort failed: %w", err)
	}
	return nil
}

func (b *Builder) writeSecondaryTable(ctx context.Context, w io.Writer, slen, plen uint32) error {
	it, err := b.secondary.Sort(ctx)
	if err != nil {
		return fmt.Errorf("failed to sort secondary keys: %w", err)
	}
	defer it.Close()

	aliasField := make([]byte, slen)
	keyField := make([]byte, plen)
	for it.Next() {
		alias, pkey, err := splitSpooled(it.Record())
		if err != nil {
			return err
		}
		for i := range aliasField {
			aliasField[i] = 0
		}
		copy(aliasField, alias)
		for i := range keyField {
			keyField[i] = 0
		}
		copy(keyField, pkey)
		if _, err := w.Write(aliasField); err != nil {
			return fmt.Errorf("failed to write secondary key table: %w", err)
		}
		if _, err := w.Write(keyField); err != nil {
			return fmt.Errorf("failed to write secondary key table: %w", err)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("secondary key sort failed: %w", err)
	}
	return nil
}

// Destroy removes all temp files. Safe to call more than once and
// regardless of whether Write succeeded.
func (b *Builder) Destroy() error {
	err1 := b.primary.Destroy()
	err2 := b.secondary.Destroy()
	if err1 != nil {
		return err1
	}
	return err2
}

// splitSpooled separates a staged record into its NUL-terminated key
// and the trailing payload.
func splitSpooled(rec []byte) ([]byte, []byte, error) {
	i := bytes.IndexByte(rec, 0)
	if i < 0 {
		return nil, nil, fmt.Errorf("staged record is missing its key terminator")
	}
	return rec[:i], rec[i+1:], nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrBadKey)
	}
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return fmt.Errorf("%w: contains NUL byte", ErrBadKey)
		}
	}
	return nil
}

func checkOffset(off int64, mode binio.OffsetMode) error {
	if off < 0 {
		return binio.ErrOffsetOverflow
	}
	if mode == binio.Offset32 && off > math.MaxUint32 {
		return binio.ErrOffsetOverflow
	}
	return nil
}
