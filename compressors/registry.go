package compressors

import (
	"fmt"

	"github.com/INLOpen/seqindex/core"
)

// Get returns a Compressor for the given CompressionType. Used when
// reading back spill files whose codec is recorded in the chunk header.
func Get(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}
