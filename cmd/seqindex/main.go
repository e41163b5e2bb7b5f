// Command seqindex builds and queries SSI index files.
//
//	seqindex build -out seqs.ssi -keys keys.tsv [-aliases aliases.tsv] seqs1.fa seqs2.fa
//	seqindex lookup -index seqs.ssi gene1 gene2
//	seqindex info -index seqs.ssi
//
// The keys manifest is tab-separated: key, file number, record offset,
// data offset, sequence length. The aliases manifest is: alias, primary
// key. A scanner that understands a sequence format (FASTA etc.) is
// expected to produce these manifests; this tool only builds the index.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/INLOpen/seqindex/config"
	"github.com/INLOpen/seqindex/ssi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "lookup":
		err = runLookup(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: seqindex <build|lookup|info> [flags]")
	fmt.Fprintln(os.Stderr, "Run 'seqindex <command> -h' for command flags.")
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	out := fs.String("out", "", "Output index file path (required)")
	keysPath := fs.String("keys", "", "Tab-separated key manifest (required)")
	aliasesPath := fs.String("aliases", "", "Tab-separated alias manifest")
	configPath := fs.String("config", "", "YAML configuration file")
	format := fs.Uint("format", 0, "Format code recorded for every data file")
	bpl := fs.Uint("bpl", 0, "Bytes per line for fast subsequence lookup (with -rpl)")
	rpl := fs.Uint("rpl", 0, "Residues per line for fast subsequence lookup (with -bpl)")
	fs.Parse(args)

	if *out == "" || *keysPath == "" {
		fs.Usage()
		return errors.New("-out and -keys are required")
	}
	if fs.NArg() == 0 {
		return errors.New("at least one data file name is required")
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	opts, err := cfg.BuilderOptions(logger)
	if err != nil {
		return err
	}

	b := ssi.NewBuilder(opts)
	defer b.Destroy()

	for _, name := range fs.Args() {
		fh, err := b.AddFile(name, uint32(*format))
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
		if *bpl > 0 && *rpl > 0 {
			if err := b.SetSubseqInfo(fh, uint32(*bpl), uint32(*rpl)); err != nil {
				return err
			}
		}
	}

	nkeys, err := loadKeys(b, *keysPath)
	if err != nil {
		return err
	}
	naliases := 0
	if *aliasesPath != "" {
		if naliases, err = loadAliases(b, *aliasesPath); err != nil {
			return err
		}
	}

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", *out, err)
	}
	if err := b.Write(f); err != nil {
		f.Close()
		// A failed write leaves no usable index behind.
		os.Remove(*out)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(*out)
		return err
	}
	fmt.Printf("Indexed %d keys (%d aliases) across %d files into %s\n",
		nkeys, naliases, fs.NArg(), *out)
	return nil
}

// loadKeys feeds a key manifest into the builder. Lines are
// key<TAB>filenum<TAB>record_off<TAB>data_off<TAB>len; blank lines and
// #-comments are skipped.
func loadKeys(b *ssi.Builder, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open key manifest: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 5 {
			return n, fmt.Errorf("%s:%d: want 5 tab-separated fields, got %d", path, line, len(fields))
		}
		fnum, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return n, fmt.Errorf("%s:%d: bad file number %q: %w", path, line, fields[1], err)
		}
		roff, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return n, fmt.Errorf("%s:%d: bad record offset %q: %w", path, line, fields[2], err)
		}
		doff, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return n, fmt.Errorf("%s:%d: bad data offset %q: %w", path, line, fields[3], err)
		}
		seqLen, err := strconv.ParseUint(fields[4], 10, 32)
		if err != nil {
			return n, fmt.Errorf("%s:%d: bad length %q: %w", path, line, fields[4], err)
		}
		if err := b.AddKey(fields[0], uint16(fnum), roff, doff, uint32(seqLen)); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("failed to read key manifest: %w", err)
	}
	return n, nil
}

// loadAliases feeds an alias manifest into the builder. Lines are
// alias<TAB>primary_key.
func loadAliases(b *ssi.Builder, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open alias manifest: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 2 {
			return n, fmt.Errorf("%s:%d: want 2 tab-separated fields, got %d", path, line, len(fields))
		}
		if err := b.AddAlias(fields[0], fields[1]); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("failed to read alias manifest: %w", err)
	}
	return n, nil
}

func runLookup(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	indexPath := fs.String("index", "", "Index file to query (required)")
	number := fs.Int64("number", -1, "Look up the n-th key in sorted order instead of by name")
	start := fs.Int64("start", 0, "Residue position for a subsequence lookup (1-based)")
	fs.Parse(args)

	if *indexPath == "" {
		fs.Usage()
		return errors.New("-index is required")
	}

	r, err := ssi.Open(*indexPath, ssi.ReaderOptions{})
	if err != nil {
		return err
	}
	defer r.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer w.Flush()

	if *number >= 0 {
		fh, off, err := r.FindNumber(*number)
		if err != nil {
			return err
		}
		name, _, err := r.FileInfo(fh)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "N\tFILE\tRECORD OFFSET")
		fmt.Fprintf(w, "%d\t%s\t%d\n", *number, name, off)
		return nil
	}

	if fs.NArg() == 0 {
		return errors.New("no keys given")
	}

	missed := false
	if *start > 0 {
		fmt.Fprintln(w, "KEY\tFILE\tRECORD OFFSET\tDATA OFFSET\tACTUAL START")
		for _, key := range fs.Args() {
			loc, err := r.FindSubseq(key, *start)
			if err != nil {
				missed = true
				fmt.Fprintf(w, "%s\t(%v)\t-\t-\t-\n", key, err)
				continue
			}
			name, _, err := r.FileInfo(loc.FileHandle)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", key, name, loc.RecordOffset, loc.DataOffset, loc.ActualStart)
		}
	} else {
		fmt.Fprintln(w, "KEY\tFILE\tRECORD OFFSET")
		for _, key := range fs.Args() {
			fh, off, err := r.FindName(key)
			if err != nil {
				if errors.Is(err, ssi.ErrNotFound) {
					missed = true
					fmt.Fprintf(w, "%s\t(not found)\t-\n", key)
					continue
				}
				return err
			}
			name, _, err := r.FileInfo(fh)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%d\n", key, name, off)
		}
	}
	if missed {
		w.Flush()
		return errors.New("one or more keys were not found")
	}
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	indexPath := fs.String("index", "", "Index file to describe (required)")
	fs.Parse(args)

	if *indexPath == "" {
		fs.Usage()
		return errors.New("-index is required")
	}

	r, err := ssi.Open(*indexPath, ssi.ReaderOptions{})
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("index file:       %s\n", *indexPath)
	fmt.Printf("files:            %d\n", r.NumFiles())
	fmt.Printf("primary keys:     %d\n", r.NumPrimaryKeys())
	fmt.Printf("secondary keys:   %d\n", r.NumSecondaryKeys())
	fmt.Printf("data offsets:     %s-bit\n", r.DataOffsetMode())
	fmt.Printf("index offsets:    %s-bit\n", r.IndexOffsetMode())
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tNAME\tFORMAT\tFAST SUBSEQ\tBYTES/LINE\tRESIDUES/LINE")
	for fh := uint16(0); fh < r.NumFiles(); fh++ {
		e, err := r.FileEntry(fh)
		if err != nil {
			return err
		}
		fast := "no"
		if e.Flags&ssi.FileFastSubseq != 0 {
			fast = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%d\n",
			fh, e.Name, e.Format, fast, e.BytesPerLine, e.ResiduesPerLine)
	}
	return w.Flush()
}
