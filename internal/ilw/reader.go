package ilw

import (
	"fmt"

	"uswsusp/internal/blockdev"
	"uswsusp/internal/header"
	"uswsusp/internal/werr"
)

// MapReader walks a previously written extent map chain and yields
// each physical data page in the same order SwapWriter handed offsets
// out, for the verify pass and the eventual resume path.
type MapReader struct {
	dev      blockdev.Device
	pageSize uint64

	extents []header.Extent
	idx     int

	cursor     uint64
	haveCursor bool

	nextMapPage uint64
	chainDone   bool
}

// NewMapReader returns a MapReader positioned at the start of the
// extent map chain rooted at mapStart (header.ImageHeader.MapStart).
func NewMapReader(dev blockdev.Device, pageSize, mapStart uint64) *MapReader {
	return &MapReader{dev: dev, pageSize: pageSize, nextMapPage: mapStart}
}

func (r *MapReader) loadNextMapPage() error {
	buf := make([]byte, r.pageSize)

	if _, err := r.dev.ReadAt(buf, int64(r.nextMapPage)); err != nil {
		return fmt.Errorf("%w: reading extent map page at %d: %w", werr.ErrIO, r.nextMapPage, err)
	}

	page, err := header.DecodeExtentPage(buf, int(r.pageSize))
	if err != nil {
		return fmt.Errorf("decoding extent map page at %d: %w", r.nextMapPage, err)
	}

	r.extents = page.Extents
	r.idx = 0
	r.haveCursor = false

	if page.Link == 0 {
		r.chainDone = true
	} else {
		r.nextMapPage = page.Link
	}

	return nil
}

// NextOffset returns the swap offset of the next physical data page, or
// ok==false once every extent in the chain has been exhausted.
func (r *MapReader) NextOffset() (uint64, bool, error) {
	for {
		if r.idx >= len(r.extents) {
			if r.chainDone {
				return 0, false, nil
			}

			if err := r.loadNextMapPage(); err != nil {
				return 0, false, err
			}

			continue
		}

		if !r.haveCursor {
			r.cursor = r.extents[r.idx].Start
			r.haveCursor = true
		} else {
			r.cursor += r.pageSize
		}

		if r.cursor >= r.extents[r.idx].End {
			r.idx++
			r.haveCursor = false

			continue
		}

		return r.cursor, true, nil
	}
}

// Next reads and returns the next physical data page's contents,
// matching the pipeline's PageSource shape (data, ok, err).
func (r *MapReader) Next() ([]byte, bool, error) {
	offset, ok, err := r.NextOffset()
	if err != nil || !ok {
		return nil, ok, err
	}

	buf := make([]byte, r.pageSize)

	if _, err := r.dev.ReadAt(buf, int64(offset)); err != nil {
		return nil, false, fmt.Errorf("%w: reading data page at %d: %w", werr.ErrIO, offset, err)
	}

	return buf, true, nil
}
