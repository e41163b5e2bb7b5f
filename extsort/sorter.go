// Package extsort sorts opaque byte records that may not fit in memory.
//
// Records accumulate in an in-memory buffer; when the buffer exceeds the
// configured ceiling, it is sorted and spilled to a compressed temp file
// ("chunk"), and accumulation continues. Sorting then either sorts the
// single in-memory buffer, or streams a k-way merge over the spilled
// chunks. Both paths yield records in exactly the same order, so output
// built from the sorted stream is byte-identical regardless of which
// path a given data set size took.
package extsort

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/seqindex/compressors"
	"github.com/INLOpen/seqindex/core"
)

var (
	// ErrSorted is returned by Append after Sort has been called.
	ErrSorted = errors.New("sorter is already sorted")
	// ErrDestroyed is returned by any call after Destroy.
	ErrDestroyed = errors.New("sorter is destroyed")
)

// DefaultMaxMemoryBytes is the spill threshold used when Options leaves
// MaxMemoryBytes zero.
const DefaultMaxMemoryBytes = 256 << 20

// Options configures a Sorter.
type Options struct {
	// MaxMemoryBytes is the in-memory buffer ceiling; crossing it
	// switches the sorter to spill mode for the rest of its life.
	// Zero means DefaultMaxMemoryBytes.
	MaxMemoryBytes int64
	// TempDir is where spill chunks are created. Empty means the
	// system temp dir. Chunk names are uniquified by os.CreateTemp.
	TempDir string
	// Compressor is the spill chunk codec. Nil means snappy.
	Compressor core.Compressor
	// MaxConcurrentSpills bounds background chunk writers. Zero means 2.
	MaxConcurrentSpills int
	Logger              *slog.Logger
}

// Sorter accumulates records and produces them in sorted order. Records
// are compared as raw bytes (bytes.Compare); ties preserve insertion
// order. A Sorter is not safe for concurrent use.
type Sorter struct {
	opts    Options
	records [][]byte
	bufSize int64
	count   int64

	spilled bool
	chunks  []string // spill file paths, in creation order
	g       *errgroup.Group
	gctx    context.Context

	mu        sync.Mutex // guards spillErr from background writers
	spillErr  error
	sorted    bool
	destroyed bool
}

// NewSorter creates an empty Sorter.
func NewSorter(opts Options) *Sorter {
	if opts.MaxMemoryBytes == 0 {
		opts.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewSnappyCompressor()
	}
	if opts.MaxConcurrentSpills <= 0 {
		opts.MaxConcurrentSpills = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "extsort")

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(opts.MaxConcurrentSpills)
	return &Sorter{opts: opts, g: g, gctx: gctx}
}

// Append stages one record. The record is copied. When the in-memory
// buffer crosses the configured ceiling the buffer is handed to a
// background writer and a fresh buffer begins.
func (s *Sorter) Append(rec []byte) error {
	if s.destroyed {
		return ErrDestroyed
	}
	if s.sorted {
		return ErrSorted
	}
	if err := s.takeSpillErr(); err != nil {
		return err
	}

	cp := make([]byte, len(rec))
	copy(cp, rec)
	s.records = append(s.records, cp)
	s.bufSize += int64(len(cp)) + recordFrameSize
	s.count++

	if s.bufSize >= s.opts.MaxMemoryBytes {
		return s.spill()
	}
	return nil
}

// Count returns the number of records appended so far.
func (s *Sorter) Count() int64 { return s.count }

// Spilled reports whether the sorter has gone external.
func (s *Sorter) Spilled() bool { return s.spilled }

// BufferedBytes returns the estimated size of the current in-memory buffer.
func (s *Sorter) BufferedBytes() int64 { return s.bufSize }

// Spill forces the current buffer out to a chunk file, switching the
// sorter to external mode even if its own ceiling was never crossed.
// Callers use this to tie several sorters to one shared memory budget.
func (s *Sorter) Spill() error {
	if s.destroyed {
		return ErrDestroyed
	}
	if s.sorted {
		return ErrSorted
	}
	if err := s.spill(); err != nil {
		return err
	}
	s.spilled = true
	return nil
}

// spill sorts the current buffer and writes it to a new chunk file in
// the background. The chunk file is created synchronously so chunk
// order (and therefore merge tie-breaking) matches insertion order.
func (s *Sorter) spill() error {
	if len(s.records) == 0 {
		return nil
	}
	f, err := os.CreateTemp(s.opts.TempDir, "extsort-chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create spill chunk: %w", err)
	}
	s.chunks = append(s.chunks, f.Name())
	if !s.spilled {
		s.opts.Logger.Debug("switching to external sort", "buffered_bytes", s.bufSize, "records", len(s.records))
		s.spilled = true
	}

	records := s.records
	s.records = nil
	s.bufSize = 0

	s.g.Go(func() error {
		defer f.Close()
		sortRecords(records)
		if err := writeChunk(f, records, s.opts.Compressor); err != nil {
			s.setSpillErr(err)
			return err
		}
		return nil
	})
	return nil
}

func sortRecords(records [][]byte) {
	sort.SliceStable(records, func(i, j int) bool {
		return bytes.Compare(records[i], records[j]) < 0
	})
}

func (s *Sorter) setSpillErr(err error) {
	s.mu.Lock()
	if s.spillErr == nil {
		s.spillErr = err
	}
	s.mu.Unlock()
}

func (s *Sorter) takeSpillErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spillErr
}

// Sort finalizes the sorter and returns an iterator over all records in
// sorted order. No records may be appended afterwards. The iterator
// must be closed; the sorter must still be destroyed to remove chunks.
func (s *Sorter) Sort(ctx context.Context) (Iterator, error) {
	if s.destroyed {
		return nil, ErrDestroyed
	}
	if s.sorted {
		return nil, ErrSorted
	}
	s.sorted = true

	if !s.spilled {
		sortRecords(s.records)
		return &memIterator{records: s.records}, nil
	}

	// Flush the tail buffer as a final chunk, then wait out the
	// background writers before opening anything for merge.
	if err := s.spill(); err != nil {
		return nil, err
	}
	if err := s.g.Wait(); err != nil {
		return nil, fmt.Errorf("spill chunk write failed: %w", err)
	}
	if err := s.takeSpillErr(); err != nil {
		return nil, fmt.Errorf("spill chunk write failed: %w", err)
	}
	return newMergeIterator(ctx, s.chunks)
}

// Destroy removes all spill chunks. Safe to call more than once; the
// sorter is unusable afterwards.
func (s *Sorter) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	// Wait for in-flight writers so removal does not race them.
	_ = s.g.Wait()
	var firstErr error
	for _, path := range s.chunks {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	s.chunks = nil
	s.records = nil
	return firstErr
}
