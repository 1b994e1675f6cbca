// Package transform implements the two page-granular stream filters of
// spec.md §4.4: compression and encryption. Both are pure functions of
// their input buffer, usable either inline in a single-threaded writer
// or across the pipeline's goroutine stages.
//
// spec.md places the real LZO/libgcrypt bindings out of scope as
// external, black-box collaborators (§1). Compressor is the pluggable
// seam that stood-in library would occupy; [FlateCompressor] is the
// default implementation, backed by the standard library's
// compress/flate since no third-party compression binding appears
// anywhere in this codebase's dependency surface (see DESIGN.md).
package transform

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	"uswsusp/internal/werr"
)

// sizePrefixLen is sizeof(size) in the on-disk compressed block
// {size, data} layout of spec.md §4.4.
const sizePrefixLen = 4

// Compressor compresses and decompresses one write-buffer batch at a
// time into the {size, data} block format spec.md §4.4 describes.
type Compressor interface {
	// MaxCompressedSize returns the worst-case output size for a
	// batch of plainLen plaintext bytes, including the size prefix.
	// Implementations MUST reserve ceil(plainLen/16) + 67 + sizeof(size)
	// extra bytes so that a write buffer sized for this never
	// overflows, even on incompressible input (spec.md §4.4).
	MaxCompressedSize(plainLen int) int

	// CompressBatch compresses plain into a {size, data} block.
	CompressBatch(plain []byte) ([]byte, error)

	// DecompressBatch inverts CompressBatch, given the expected
	// plaintext length.
	DecompressBatch(block []byte, plainLen int) ([]byte, error)
}

// compressionSlack reserves the worst-case LZO-style expansion bound
// named in spec.md §4.4: ceil(size/16) + 67 extra bytes, plus the
// 4-byte size prefix itself.
func compressionSlack(plainLen int) int {
	return (plainLen+15)/16 + 67 + sizePrefixLen
}

// FlateCompressor implements [Compressor] using the standard
// library's DEFLATE codec.
type FlateCompressor struct {
	level int
}

// NewFlateCompressor returns a Compressor using compress/flate at the
// given level (flate.DefaultCompression if level is 0).
func NewFlateCompressor(level int) *FlateCompressor {
	if level == 0 {
		level = flate.DefaultCompression
	}

	return &FlateCompressor{level: level}
}

func (c *FlateCompressor) MaxCompressedSize(plainLen int) int {
	return plainLen + compressionSlack(plainLen)
}

func (c *FlateCompressor) CompressBatch(plain []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("%w: flate writer: %w", werr.ErrIO, err)
	}

	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("%w: flate write: %w", werr.ErrIO, err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: flate close: %w", werr.ErrIO, err)
	}

	compressed := buf.Bytes()

	block := make([]byte, sizePrefixLen+len(compressed))
	binary.LittleEndian.PutUint32(block, uint32(len(compressed)))
	copy(block[sizePrefixLen:], compressed)

	return block, nil
}

func (c *FlateCompressor) DecompressBatch(block []byte, plainLen int) ([]byte, error) {
	if len(block) < sizePrefixLen {
		return nil, fmt.Errorf("%w: compressed block shorter than size prefix", werr.ErrIO)
	}

	size := binary.LittleEndian.Uint32(block)
	if int(size) > len(block)-sizePrefixLen {
		return nil, fmt.Errorf("%w: compressed block truncated: declares %d bytes, have %d", werr.ErrIO, size, len(block)-sizePrefixLen)
	}

	r := flate.NewReader(bytes.NewReader(block[sizePrefixLen : sizePrefixLen+size]))
	defer func() { _ = r.Close() }()

	plain := make([]byte, plainLen)

	if _, err := io.ReadFull(r, plain); err != nil {
		return nil, fmt.Errorf("%w: flate read: %w", werr.ErrIO, err)
	}

	return plain, nil
}

// Compile-time interface check.
var _ Compressor = (*FlateCompressor)(nil)
