// Package ilw implements the Image Layout Writer: it turns a stream of
// "write one data page" calls into physical swap offsets, spilling the
// extent map to disk as a linked chain of header.ExtentPage records,
// per spec.md §4.3.
package ilw

import (
	"fmt"

	"uswsusp/internal/blockdev"
	"uswsusp/internal/header"
	"uswsusp/internal/sea"
	"uswsusp/internal/werr"
)

// SwapWriter positions an allocator-backed extent array against a
// block device and hands out one physical page offset per call,
// spilling the consumed portion of the extent array into on-disk
// ExtentPages as it goes.
type SwapWriter struct {
	dev      blockdev.Device
	pageSize uint64
	alloc    *sea.Allocator
	src      sea.PageSource
	maxExt   int

	// mapStart is the swap offset of the very first ExtentPage,
	// reserved during Init. It becomes header.ImageHeader.MapStart.
	mapStart uint64
	// mapPageOffset is the swap offset reserved for the next
	// ExtentPage still to be written.
	mapPageOffset uint64

	// pending is the suffix of alloc.Extents() not yet spilled to an
	// on-disk ExtentPage. flushed is the count already spilled.
	pending []header.Extent
	flushed int

	// extentIdx/cursor track the writer's position within pending.
	extentIdx int
	cursor    uint64
	havePos   bool

	swapNeeded uint64
}

// NewSwapWriter reserves the first ExtentPage's on-disk slot and
// returns a SwapWriter ready for Preallocate calls. maxExt bounds how
// many extents the allocator packs per Preallocate batch (spec.md §4.2
// "array reaches maxExtents entries").
func NewSwapWriter(dev blockdev.Device, pageSize uint64, src sea.PageSource, maxExt int) (*SwapWriter, error) {
	mapStart, ok := src.AllocSwapPage()
	if !ok {
		return nil, fmt.Errorf("%w: no swap page for extent map head", werr.ErrNoSwapSpace)
	}

	return &SwapWriter{
		dev:           dev,
		pageSize:      pageSize,
		alloc:         sea.New(pageSize),
		src:           src,
		maxExt:        maxExt,
		mapStart:      mapStart,
		mapPageOffset: mapStart,
	}, nil
}

// MapStart returns the swap offset of the first ExtentPage.
func (w *SwapWriter) MapStart() uint64 { return w.mapStart }

// Preallocate grows the extent array by at least target additional
// bytes (or until swap is exhausted) and records how much more is
// still owed for later write calls.
func (w *SwapWriter) Preallocate(target uint64) (uint64, error) {
	got, err := w.alloc.Preallocate(target, w.flushed+w.maxExt, w.src)
	w.swapNeeded += got
	w.refreshPending()

	if err != nil {
		return got, err
	}

	return got, nil
}

// refreshPending resyncs pending/extentIdx/cursor against the
// allocator's current (possibly just-extended) extent array.
func (w *SwapWriter) refreshPending() {
	all := w.alloc.Extents()
	w.pending = all[w.flushed:]

	if !w.havePos && len(w.pending) > 0 {
		w.extentIdx = 0
		w.cursor = w.pending[0].Start - w.pageSize
		w.havePos = true
	}
}

// NextSwapPage returns the next physical swap offset in the preallocated
// extent array, per spec.md §4.3 next_swap_page. When the array is
// exhausted it flushes the consumed extents to disk as an ExtentPage
// and requests more space from the allocator before returning.
func (w *SwapWriter) NextSwapPage() (uint64, error) {
	if !w.havePos {
		return 0, fmt.Errorf("%w: next_swap_page called before any extent was preallocated", werr.ErrNoSwapSpace)
	}

	w.cursor += w.pageSize
	if w.cursor < w.pending[w.extentIdx].End {
		return w.cursor, nil
	}

	w.extentIdx++
	if w.extentIdx < len(w.pending) {
		w.cursor = w.pending[w.extentIdx].Start
		return w.cursor, nil
	}

	// Pending array exhausted: spill what's been fully consumed, then
	// ask the allocator for more (it will drain any carry first).
	if err := w.flush(false); err != nil {
		return 0, err
	}

	if _, err := w.alloc.Preallocate(w.pageSize, w.flushed+w.maxExt, w.src); err != nil {
		return 0, err
	}

	w.refreshPending()

	if len(w.pending) == 0 {
		return 0, fmt.Errorf("%w: out of swap while extending the image", werr.ErrNoSwapSpace)
	}

	w.extentIdx = 0
	w.cursor = w.pending[0].Start

	return w.cursor, nil
}

// WritePage writes one data page to the next available swap offset,
// per spec.md §4.3 save_page.
func (w *SwapWriter) WritePage(data []byte) (uint64, error) {
	offset, err := w.NextSwapPage()
	if err != nil {
		return 0, err
	}

	n, err := w.dev.WriteAt(data, int64(offset))
	if err != nil {
		return 0, fmt.Errorf("%w: writing data page at %d: %w", werr.ErrIO, offset, err)
	}

	if n != len(data) {
		return 0, fmt.Errorf("%w: short write of data page at %d: %d of %d bytes", werr.ErrIO, offset, n, len(data))
	}

	if w.swapNeeded > 0 {
		w.swapNeeded -= w.pageSize
	}

	return offset, nil
}

// SaveExtents spills every extent consumed since the last spill to
// disk as a chain of ExtentPages, per spec.md §4.3 save_extents. Call
// with finish=true exactly once, after the last WritePage, to
// terminate the chain; NextSwapPage calls it internally with
// finish=false whenever the preallocated array runs dry.
func (w *SwapWriter) SaveExtents(finish bool) error {
	return w.flush(finish)
}

// flush is the shared implementation behind SaveExtents and the
// mid-stream exhaustion path in NextSwapPage. With finish==false it
// spills only the extents fully consumed so far (w.pending[:extentIdx])
// and reserves a slot for whatever comes next, leaving the chain open.
// With finish==true it spills everything still pending and terminates
// the chain with a zero link.
func (w *SwapWriter) flush(finish bool) error {
	batch := w.pending[:w.extentIdx]
	if finish {
		batch = w.pending
	}

	consumed := len(batch)
	capacity := header.ExtentsPerPage(int(w.pageSize))

	for {
		isLastChunk := len(batch) <= capacity

		chunk := batch
		if !isLastChunk {
			chunk = batch[:capacity]
		}

		page := header.ExtentPage{Extents: chunk}

		var nextOffset uint64

		if !(isLastChunk && finish) {
			var ok bool

			nextOffset, ok = w.src.AllocSwapPage()
			if !ok {
				return fmt.Errorf("%w: no swap page for next extent map page", werr.ErrNoSwapSpace)
			}

			page.Link = nextOffset
		}

		buf, err := header.EncodeExtentPage(page, int(w.pageSize))
		if err != nil {
			return fmt.Errorf("encoding extent page: %w", err)
		}

		n, err := w.dev.WriteAt(buf, int64(w.mapPageOffset))
		if err != nil {
			return fmt.Errorf("%w: writing extent map page at %d: %w", werr.ErrIO, w.mapPageOffset, err)
		}

		if n != len(buf) {
			return fmt.Errorf("%w: short write of extent map page at %d", werr.ErrIO, w.mapPageOffset)
		}

		batch = batch[len(chunk):]

		if isLastChunk {
			w.mapPageOffset = nextOffset

			break
		}

		w.mapPageOffset = nextOffset
	}

	w.flushed += consumed

	return nil
}

// SwapNeeded reports how many of the bytes requested across all
// Preallocate calls have not yet been consumed by WritePage, useful
// for the supervisor's midstream re-allocation decision.
func (w *SwapWriter) SwapNeeded() uint64 { return w.swapNeeded }

// Sync flushes the resume device. It makes SwapWriter a
// pipeline.Syncer, so early writeout forces writeback mid-run.
func (w *SwapWriter) Sync() error { return w.dev.Sync() }
