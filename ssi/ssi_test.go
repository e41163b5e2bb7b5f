package ssi

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/seqindex/binio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildToFile runs setup against a fresh builder and writes the index
// to a temp file, returning its path.
func buildToFile(t *testing.T, opts BuilderOptions, setup func(t *testing.T, b *Builder)) string {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	b := NewBuilder(opts)
	t.Cleanup(func() { b.Destroy() })
	setup(t, b)

	path := filepath.Join(t.TempDir(), "test.ssi")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, b.Write(f))
	require.NoError(t, f.Close())
	return path
}

func openIndex(t *testing.T, path string) *Reader {
	t.Helper()
	r, err := Open(path, ReaderOptions{Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRoundTrip(t *testing.T) {
	type keyInfo struct {
		fh   uint16
		roff int64
		doff int64
		n    uint32
	}

	cases := []struct {
		name string
		opts BuilderOptions
	}{
		{"inmemory-64", BuilderOptions{}},
		{"inmemory-32", BuilderOptions{DataOffsetMode: binio.Offset32, IndexOffsetMode: binio.Offset32}},
		// A tiny ceiling forces the external sort path after a handful
		// of keys.
		{"external-64", BuilderOptions{MaxInMemoryBytes: 2048}},
		{"external-32", BuilderOptions{MaxInMemoryBytes: 2048, DataOffsetMode: binio.Offset32, IndexOffsetMode: binio.Offset32}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keys := make(map[string]keyInfo)
			rng := rand.New(rand.NewSource(42))
			path := buildToFile(t, tc.opts, func(t *testing.T, b *Builder) {
				fh0, err := b.AddFile("/data/seqs1.fa", 1)
				require.NoError(t, err)
				fh1, err := b.AddFile("/data/seqs2.fa", 1)
				require.NoError(t, err)
				for i := 0; i < 500; i++ {
					fh := fh0
					if i%2 == 1 {
						fh = fh1
					}
					ki := keyInfo{
						fh:   fh,
						roff: int64(rng.Intn(1 << 30)),
						doff: int64(rng.Intn(1 << 30)),
						n:    uint32(rng.Intn(100000)),
					}
					key := fmt.Sprintf("seq%05d", i)
					keys[key] = ki
					require.NoError(t, b.AddKey(key, ki.fh, ki.roff, ki.doff, ki.n))
				}
			})

			r := openIndex(t, path)
			assert.Equal(t, uint16(2), r.NumFiles())
			assert.Equal(t, uint32(500), r.NumPrimaryKeys())
			for key, ki := range keys {
				fh, roff, err := r.FindName(key)
				require.NoError(t, err, "key %s", key)
				assert.Equal(t, ki.fh, fh)
				assert.Equal(t, ki.roff, roff)
			}
			_, _, err := r.FindName("no-such-key")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSortOrderInvariance(t *testing.T) {
	// The same key set, fed in different insertion orders through
	// different sort paths, must serialize to the same bytes.
	keys := make([]string, 800)
	for i := range keys {
		keys[i] = fmt.Sprintf("contig-%04d", i)
	}

	build := func(order []string, opts BuilderOptions) string {
		return buildToFile(t, opts, func(t *testing.T, b *Builder) {
			fh, err := b.AddFile("genome.fa", 2)
			require.NoError(t, err)
			for _, key := range order {
				var n int
				fmt.Sscanf(key, "contig-%d", &n)
				require.NoError(t, b.AddKey(key, fh, int64(n)*100, int64(n)*100+20, 80))
			}
		})
	}

	shuffled := append([]string(nil), keys...)
	rand.New(rand.NewSource(9)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	inMem, err := os.ReadFile(build(keys, BuilderOptions{}))
	require.NoError(t, err)
	external, err := os.ReadFile(build(shuffled, BuilderOptions{MaxInMemoryBytes: 4096}))
	require.NoError(t, err)
	assert.Equal(t, inMem, external, "index files must be bit-for-bit reproducible")
}

func TestOnDiskTableIsSorted(t *testing.T) {
	path := buildToFile(t, BuilderOptions{}, func(t *testing.T, b *Builder) {
		fh, err := b.AddFile("seqs.fa", 1)
		require.NoError(t, err)
		for _, key := range []string{"zebra", "aardvark", "mongoose", "ant", "z", "a"} {
			require.NoError(t, b.AddKey(key, fh, 0, 0, 1))
		}
	})

	r := openIndex(t, path)
	var prev string
	for n := int64(0); n < int64(r.NumPrimaryKeys()); n++ {
		buf := make([]byte, r.plen)
		_, err := r.f.ReadAt(buf, r.poffset+n*int64(r.precsize))
		require.NoError(t, err)
		key := string(trimKey(buf))
		if n > 0 {
			assert.Less(t, prev, key, "keys must be strictly sorted on disk")
		}
		prev = key
	}
}

func TestSecondaryKeyResolution(t *testing.T) {
	path := buildToFile(t, BuilderOptions{}, func(t *testing.T, b *Builder) {
		fh, err := b.AddFile("seqs.fa", 1)
		require.NoError(t, err)
		// Alias registered before its primary key arrives.
		require.NoError(t, b.AddAlias("B", "A"))
		require.NoError(t, b.AddKey("A", fh, 1234, 1240, 99))
		require.NoError(t, b.AddAlias("orphan", "never-added"))
	})

	r := openIndex(t, path)
	fhA, offA, err := r.FindName("A")
	require.NoError(t, err)
	fhB, offB, err := r.FindName("B")
	require.NoError(t, err)
	assert.Equal(t, fhA, fhB)
	assert.Equal(t, offA, offB)
	assert.Equal(t, int64(1234), offB)

	// A dangling alias is a miss, not a structural error.
	_, _, err = r.FindName("orphan")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcreteScenario(t *testing.T) {
	path := buildToFile(t, BuilderOptions{}, func(t *testing.T, b *Builder) {
		fh, err := b.AddFile("seqs.fa", 1)
		require.NoError(t, err)
		require.Equal(t, uint16(0), fh)
		require.NoError(t, b.AddKey("gene1", fh, 0, 10, 500))
		require.NoError(t, b.AddKey("gene2", fh, 520, 530, 300))
	})

	r := openIndex(t, path)

	fh, off, err := r.FindName("gene2")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), fh)
	assert.Equal(t, int64(520), off)

	// gene1 sorts first lexicographically.
	fh, off, err = r.FindNumber(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), fh)
	assert.Equal(t, int64(0), off)

	name, format, err := r.FileInfo(fh)
	require.NoError(t, err)
	assert.Equal(t, "seqs.fa", name)
	assert.Equal(t, uint32(1), format)

	// One past the last key is a clean miss.
	_, _, err = r.FindNumber(2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = r.FindNumber(-1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindSubseq(t *testing.T) {
	path := buildToFile(t, BuilderOptions{}, func(t *testing.T, b *Builder) {
		fa, err := b.AddFile("wrapped.fa", 1)
		require.NoError(t, err)
		require.NoError(t, b.SetSubseqInfo(fa, 61, 60))
		require.NoError(t, b.AddKey("seq1", fa, 50, 100, 1000))

		odd, err := b.AddFile("odd-geometry.fa", 1)
		require.NoError(t, err)
		require.NoError(t, b.SetSubseqInfo(odd, 70, 60))
		require.NoError(t, b.AddKey("seq2", odd, 0, 0, 600))

		plain, err := b.AddFile("unwrapped.fa", 1)
		require.NoError(t, err)
		require.NoError(t, b.AddKey("seq3", plain, 0, 0, 100))
	})

	r := openIndex(t, path)

	t.Run("exact arithmetic", func(t *testing.T) {
		// 61 bytes per line, 60 residues: residue 61 starts line two,
		// one newline byte past 60 residues.
		loc, err := r.FindSubseq("seq1", 61)
		require.NoError(t, err)
		assert.Equal(t, uint16(0), loc.FileHandle)
		assert.Equal(t, int64(50), loc.RecordOffset)
		assert.Equal(t, int64(161), loc.DataOffset)
		assert.Equal(t, int64(61), loc.ActualStart)

		loc, err = r.FindSubseq("seq1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(100), loc.DataOffset)
		assert.Equal(t, int64(1), loc.ActualStart)

		loc, err = r.FindSubseq("seq1", 1000)
		require.NoError(t, err)
		assert.Equal(t, int64(100+16*61+39), loc.DataOffset)
		assert.Equal(t, int64(1000), loc.ActualStart)
	})

	t.Run("line-start fallback", func(t *testing.T) {
		// Geometry without a single terminator byte: land on the start
		// of the line holding the requested residue.
		loc, err := r.FindSubseq("seq2", 75)
		require.NoError(t, err)
		assert.Equal(t, int64(70), loc.DataOffset)
		assert.Equal(t, int64(61), loc.ActualStart)
	})

	t.Run("bounds", func(t *testing.T) {
		_, err := r.FindSubseq("seq1", 0)
		assert.ErrorIs(t, err, ErrRange)
		_, err = r.FindSubseq("seq1", 1001)
		assert.ErrorIs(t, err, ErrRange)
		_, err = r.FindSubseq("seq1", -5)
		assert.ErrorIs(t, err, ErrRange)
	})

	t.Run("capability", func(t *testing.T) {
		_, err := r.FindSubseq("seq3", 10)
		assert.ErrorIs(t, err, ErrNoSubseq)
		_, err = r.FindSubseq("missing", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBuilderLimits(t *testing.T) {
	t.Run("file count", func(t *testing.T) {
		b := NewBuilder(BuilderOptions{Logger: discardLogger(), TempDir: t.TempDir()})
		defer b.Destroy()
		for i := 0; i < MaxFiles; i++ {
			_, err := b.AddFile(fmt.Sprintf("f%05d", i), 0)
			require.NoError(t, err)
		}
		_, err := b.AddFile("one-too-many", 0)
		assert.ErrorIs(t, err, ErrTooManyFiles)
	})

	t.Run("bad keys", func(t *testing.T) {
		b := NewBuilder(BuilderOptions{Logger: discardLogger(), TempDir: t.TempDir()})
		defer b.Destroy()
		fh, err := b.AddFile("seqs.fa", 1)
		require.NoError(t, err)

		assert.ErrorIs(t, b.AddKey("", fh, 0, 0, 1), ErrBadKey)
		assert.ErrorIs(t, b.AddKey("nul\x00key", fh, 0, 0, 1), ErrBadKey)
		assert.ErrorIs(t, b.AddAlias("", "A"), ErrBadKey)
		assert.ErrorIs(t, b.AddKey("key", fh+1, 0, 0, 1), ErrUnknownFile)
		assert.ErrorIs(t, b.SetSubseqInfo(fh+1, 61, 60), ErrUnknownFile)
		assert.Error(t, b.SetSubseqInfo(fh, 0, 60))
	})

	t.Run("32-bit data offsets", func(t *testing.T) {
		b := NewBuilder(BuilderOptions{
			Logger: discardLogger(), TempDir: t.TempDir(),
			DataOffsetMode: binio.Offset32,
		})
		defer b.Destroy()
		fh, err := b.AddFile("huge.fa", 1)
		require.NoError(t, err)
		assert.ErrorIs(t, b.AddKey("k", fh, math.MaxUint32+1, 0, 1), binio.ErrOffsetOverflow)
		assert.ErrorIs(t, b.AddKey("k", fh, 0, math.MaxUint32+1, 1), binio.ErrOffsetOverflow)
		require.NoError(t, b.AddKey("k", fh, math.MaxUint32, 0, 1))
	})
}

func TestDuplicatePrimaryKeyRejectedAtWrite(t *testing.T) {
	b := NewBuilder(BuilderOptions{Logger: discardLogger(), TempDir: t.TempDir()})
	defer b.Destroy()
	fh, err := b.AddFile("seqs.fa", 1)
	require.NoError(t, err)
	require.NoError(t, b.AddKey("dup", fh, 0, 0, 1))
	require.NoError(t, b.AddKey("unique", fh, 10, 10, 1))
	require.NoError(t, b.AddKey("dup", fh, 20, 20, 1))

	f, err := os.Create(filepath.Join(t.TempDir(), "dup.ssi"))
	require.NoError(t, err)
	defer f.Close()
	assert.ErrorIs(t, b.Write(f), ErrDuplicateKey)
}

func TestBuilderRejectsMutationAfterWrite(t *testing.T) {
	b := NewBuilder(BuilderOptions{Logger: discardLogger(), TempDir: t.TempDir()})
	defer b.Destroy()
	fh, err := b.AddFile("seqs.fa", 1)
	require.NoError(t, err)
	require.NoError(t, b.AddKey("k", fh, 0, 0, 1))

	f, err := os.Create(filepath.Join(t.TempDir(), "x.ssi"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, b.Write(f))

	_, err = b.AddFile("more.fa", 1)
	assert.ErrorIs(t, err, ErrFinished)
	assert.ErrorIs(t, b.AddKey("k2", fh, 0, 0, 1), ErrFinished)
	assert.ErrorIs(t, b.AddAlias("a", "k"), ErrFinished)
	assert.ErrorIs(t, b.SetSubseqInfo(fh, 61, 60), ErrFinished)
	assert.ErrorIs(t, b.Write(f), ErrFinished)
	require.NoError(t, b.Destroy())
}

func TestOpenRejectsCorruptIndex(t *testing.T) {
	path := buildToFile(t, BuilderOptions{}, func(t *testing.T, b *Builder) {
		fh, err := b.AddFile("seqs.fa", 1)
		require.NoError(t, err)
		require.NoError(t, b.AddKey("gene1", fh, 0, 10, 500))
	})
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	corrupt := func(t *testing.T, mutate func([]byte) []byte) error {
		t.Helper()
		data := mutate(append([]byte(nil), good...))
		p := filepath.Join(t.TempDir(), "corrupt.ssi")
		require.NoError(t, os.WriteFile(p, data, 0o644))
		r, err := Open(p, ReaderOptions{Logger: discardLogger()})
		if err == nil {
			r.Close()
		}
		return err
	}

	t.Run("bad magic", func(t *testing.T) {
		err := corrupt(t, func(d []byte) []byte { d[0] = 0x00; return d })
		assert.ErrorIs(t, err, ErrFormat)
	})
	t.Run("byteswapped magic", func(t *testing.T) {
		err := corrupt(t, func(d []byte) []byte {
			d[0], d[1], d[2], d[3] = 0xb1, 0xe9, 0xf3, 0xf3
			return d
		})
		assert.ErrorIs(t, err, ErrFormat)
	})
	t.Run("inconsistent record size", func(t *testing.T) {
		// frecsize occupies header bytes 30..33.
		err := corrupt(t, func(d []byte) []byte { d[33]++; return d })
		assert.ErrorIs(t, err, ErrFormat)
	})
	t.Run("truncated tables", func(t *testing.T) {
		err := corrupt(t, func(d []byte) []byte { return d[:len(d)-8] })
		assert.ErrorIs(t, err, ErrFormat)
	})
	t.Run("truncated header", func(t *testing.T) {
		err := corrupt(t, func(d []byte) []byte { return d[:20] })
		assert.ErrorIs(t, err, ErrFormat)
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope.ssi"), ReaderOptions{Logger: discardLogger()})
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestConcurrentLookups(t *testing.T) {
	keys := make([]string, 200)
	path := buildToFile(t, BuilderOptions{}, func(t *testing.T, b *Builder) {
		fh, err := b.AddFile("seqs.fa", 1)
		require.NoError(t, err)
		for i := range keys {
			keys[i] = fmt.Sprintf("gene%03d", i)
			require.NoError(t, b.AddKey(keys[i], fh, int64(i)*100, int64(i)*100+5, 90))
		}
	})

	r := openIndex(t, path)

	// Lookups are stateless positioned reads, so goroutines may share
	// one reader.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i, key := range keys {
				_, off, err := r.FindName(key)
				if err != nil {
					errs[g] = err
					return
				}
				if off != int64(i)*100 {
					errs[g] = fmt.Errorf("key %s: got offset %d", key, off)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Idempotence: the same query gives the same answer twice.
	fh1, off1, err := r.FindName("gene042")
	require.NoError(t, err)
	fh2, off2, err := r.FindName("gene042")
	require.NoError(t, err)
	assert.Equal(t, fh1, fh2)
	assert.Equal(t, off1, off2)
}

func TestClosedReader(t *testing.T) {
	path := buildToFile(t, BuilderOptions{}, func(t *testing.T, b *Builder) {
		fh, err := b.AddFile("seqs.fa", 1)
		require.NoError(t, err)
		require.NoError(t, b.AddKey("k", fh, 0, 0, 1))
	})
	r := openIndex(t, path)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, _, err := r.FindName("k")
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = r.FindNumber(0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.FindSubseq("k", 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = r.FileInfo(0)
	assert.ErrorIs(t, err, ErrClosed)
}
