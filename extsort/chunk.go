package extsort

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/seqindex/compressors"
	"github.com/INLOpen/seqindex/core"
)

// Chunk file layout:
//
//	byte 0:  codec (core.CompressionType)
//	then blocks until EOF, each:
//	  uint32  compressed payload length (little-endian)
//	  payload (compressed)
//
// A decompressed payload is a sequence of records, each framed as
// uint32 length + bytes. Records never span blocks, so the merge holds
// at most one decompressed block per chunk in memory.

// recordFrameSize is the per-record framing overhead inside a block,
// also counted against the sorter's memory ceiling.
const recordFrameSize = 4

// targetBlockSize is the uncompressed block size chunks are cut into.
const targetBlockSize = 256 * 1024

func writeChunk(f *os.File, records [][]byte, comp core.Compressor) error {
	w := bufio.NewWriterSize(f, 64*1024)
	if err := w.WriteByte(byte(comp.Type())); err != nil {
		return err
	}

	block := core.BufferPool.Get()
	defer core.BufferPool.Put(block)
	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)

	flush := func() error {
		if block.Len() == 0 {
			return nil
		}
		if err := comp.CompressTo(compressed, block.Bytes()); err != nil {
			return fmt.Errorf("failed to compress spill block: %w", err)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(compressed.Len()))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(compressed.Bytes()); err != nil {
			return err
		}
		block.Reset()
		return nil
	}

	var frame [4]byte
	for _, rec := range records {
		if block.Len() > 0 && block.Len()+recordFrameSize+len(rec) > targetBlockSize {
			if err := flush(); err != nil {
				return err
			}
		}
		binary.LittleEndian.PutUint32(frame[:], uint32(len(rec)))
		block.Write(frame[:])
		block.Write(rec)
	}
	if err := flush(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// chunkReader streams records back out of one spill chunk.
type chunkReader struct {
	f     *os.File
	br    *bufio.Reader
	comp  core.Compressor
	block []byte // current decompressed block
	pos   int
}

func openChunk(path string) (*chunkReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill chunk %s: %w", path, err)
	}
	br := bufio.NewReaderSize(f, 64*1024)
	codec, err := br.ReadByte()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read spill chunk codec: %w", err)
	}
	comp, err := compressors.Get(core.CompressionType(codec))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &chunkReader{f: f, br: br, comp: comp}, nil
}

// next returns the next record, or (nil, io.EOF) at end of chunk.
func (cr *chunkReader) next() ([]byte, error) {
	if cr.pos >= len(cr.block) {
		if err := cr.readBlock(); err != nil {
			return nil, err
		}
	}
	if cr.pos+recordFrameSize > len(cr.block) {
		return nil, fmt.Errorf("truncated record frame in spill chunk %s", cr.f.Name())
	}
	n := int(binary.LittleEndian.Uint32(cr.block[cr.pos:]))
	cr.pos += recordFrameSize
	if cr.pos+n > len(cr.block) {
		return nil, fmt.Errorf("record overruns block in spill chunk %s", cr.f.Name())
	}
	rec := cr.block[cr.pos : cr.pos+n]
	cr.pos += n
	return rec, nil
}

func (cr *chunkReader) readBlock() error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(cr.br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read spill block header: %w", err)
	}
	compressed := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(cr.br, compressed); err != nil {
		return fmt.Errorf("failed to read spill block: %w", err)
	}
	rc, err := cr.comp.Decompress(compressed)
	if err != nil {
		return fmt.Errorf("failed to decompress spill block: %w", err)
	}
	defer rc.Close()
	block, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to decompress spill block: %w", err)
	}
	cr.block = block
	cr.pos = 0
	return nil
}

func (cr *chunkReader) close() error {
	return cr.f.Close()
}
