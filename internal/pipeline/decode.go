package pipeline

import (
	"encoding/binary"
	"fmt"

	"uswsusp/internal/werr"
)

// PageSource supplies physical, post-transform pages in the order they
// were written, for the verify pass and eventual resume path. ok is
// false once the map is exhausted.
type PageSource func() (data []byte, ok bool, err error)

// Decode inverts whatever transforms were applied during the write
// path (encryption, then compression) and feeds every reconstructed
// pre-transform page to sink, in order. It mirrors compressAndSplit's
// batching exactly: the same BatchPages/PageSize/TotalPages Config
// must be used for both the original run and Decode.
func (e *Engine) Decode(next PageSource, sink func([]byte) error) error {
	pageSize := e.cfg.PageSize
	remaining := e.cfg.TotalPages
	pageIndex := uint64(0)

	for remaining > 0 {
		batchPages := e.cfg.BatchPages
		if uint64(batchPages) > remaining {
			batchPages = int(remaining)
		}

		plainLen := batchPages * pageSize

		block, err := e.readBlock(next, &pageIndex, plainLen)
		if err != nil {
			return err
		}

		if e.cfg.Compressor != nil {
			decompressed, err := e.cfg.Compressor.DecompressBatch(block, plainLen)
			if err != nil {
				return fmt.Errorf("decompressing batch: %w", err)
			}

			block = decompressed
		}

		for off := 0; off < len(block); off += pageSize {
			if err := sink(block[off : off+pageSize]); err != nil {
				return err
			}
		}

		remaining -= uint64(batchPages)
	}

	return nil
}

// readBlock reads and decrypts as many physical chunks as one batch's
// write-time block spanned. Without compression the block is exactly
// plainLen bytes (one chunk per page, no framing). With compression
// the first chunk carries a 4-byte little-endian payload-size prefix
// (see transform.FlateCompressor), from which the total chunk count is
// derived.
func (e *Engine) readBlock(next PageSource, pageIndex *uint64, plainLen int) ([]byte, error) {
	pageSize := e.cfg.PageSize

	first, err := e.nextDecrypted(next, pageIndex)
	if err != nil {
		return nil, err
	}

	if e.cfg.Compressor == nil {
		// Uncompressed batches are written as plainLen/pageSize whole
		// pages with no framing, one chunk per page.
		block := make([]byte, 0, plainLen)
		block = append(block, first...)

		for len(block) < plainLen {
			chunk, err := e.nextDecrypted(next, pageIndex)
			if err != nil {
				return nil, err
			}

			block = append(block, chunk...)
		}

		return block[:plainLen], nil
	}

	const sizePrefixLen = 4

	if len(first) < sizePrefixLen {
		return nil, fmt.Errorf("%w: compressed block header truncated", werr.ErrIO)
	}

	payloadLen := int(binary.LittleEndian.Uint32(first))
	totalLen := sizePrefixLen + payloadLen

	chunksNeeded := (totalLen + pageSize - 1) / pageSize

	block := make([]byte, 0, chunksNeeded*pageSize)
	block = append(block, first...)

	for i := 1; i < chunksNeeded; i++ {
		chunk, err := e.nextDecrypted(next, pageIndex)
		if err != nil {
			return nil, err
		}

		block = append(block, chunk...)
	}

	return block[:totalLen], nil
}

func (e *Engine) nextDecrypted(next PageSource, pageIndex *uint64) ([]byte, error) {
	data, ok, err := next()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: extent map exhausted before all pages were read back", werr.ErrIO)
	}

	if e.cfg.Crypto != nil {
		plain, err := e.cfg.Crypto.DecryptPage(data, *pageIndex)
		if err != nil {
			return nil, err
		}

		data = plain
	}

	*pageIndex++

	return data, nil
}
