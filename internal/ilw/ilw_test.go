package ilw

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"uswsusp/internal/blockdev"
	"uswsusp/internal/header"
	"uswsusp/internal/werr"
)

const pageSize = 64

// sequentialSource hands out offsets from a fixed list in order,
// reporting exhaustion once the list runs out. Shared between the
// allocator's data-page requests and the writer's own map-page-slot
// reservations, mirroring how both draw from the same kernel pool.
type sequentialSource struct {
	offsets []uint64
	i       int
}

func (s *sequentialSource) AllocSwapPage() (uint64, bool) {
	if s.i >= len(s.offsets) {
		return 0, false
	}

	o := s.offsets[s.i]
	s.i++

	return o, true
}

func page(b byte) []byte {
	return bytes.Repeat([]byte{b}, pageSize)
}

func Test_SwapWriter_Writes_Pages_And_Spills_A_Linked_Extent_Map(t *testing.T) {
	t.Parallel()

	// 0 is claimed by the map head; 64/128/192 form one contiguous data
	// extent; of the rest, 640 and 768 go to extent map pages, so the
	// data pages 704 and 832 each start a fresh extent instead of
	// merging into an extent already spilled to disk.
	src := &sequentialSource{offsets: []uint64{0, 64, 128, 192, 640, 704, 768, 832, 896}}

	dev := blockdev.NewFake(2048)

	w, err := NewSwapWriter(dev, pageSize, src, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(0), w.MapStart())

	_, err = w.Preallocate(3 * pageSize)
	require.NoError(t, err)

	wantOffsets := []uint64{}
	pages := [][]byte{page('a'), page('b'), page('c'), page('d'), page('e')}

	for i, p := range pages {
		off, err := w.WritePage(p)
		require.NoErrorf(t, err, "write %d", i)
		wantOffsets = append(wantOffsets, off)
	}

	require.Equal(t, []uint64{64, 128, 192, 704, 832}, wantOffsets)

	require.NoError(t, w.SaveExtents(true))

	// Walk the on-disk extent map chain from the head and collect every
	// extent, following Link until it terminates at zero.
	var all []header.Extent

	next := w.MapStart()
	for {
		buf := make([]byte, pageSize)

		_, err := dev.ReadAt(buf, int64(next))
		require.NoError(t, err)

		mp, err := header.DecodeExtentPage(buf, pageSize)
		require.NoError(t, err)

		all = append(all, mp.Extents...)

		if mp.Link == 0 {
			break
		}

		next = mp.Link
	}

	var total uint64
	for _, e := range all {
		total += e.Len()
	}

	require.Equal(t, uint64(len(pages)*pageSize), total, "map must cover exactly the bytes written")

	// Every data page must read back exactly what was written.
	for i, off := range wantOffsets {
		got := make([]byte, pageSize)
		_, err := dev.ReadAt(got, int64(off))
		require.NoError(t, err)
		require.Equal(t, pages[i], got)
	}
}

func Test_SwapWriter_Fails_With_NoSwapSpace_When_Source_Runs_Dry_Mid_Stream(t *testing.T) {
	t.Parallel()

	// Same shape as the happy-path test but missing the final three
	// offsets, so the writer exhausts swap while extending the image.
	src := &sequentialSource{offsets: []uint64{0, 64, 128, 192, 640, 704}}

	dev := blockdev.NewFake(2048)

	w, err := NewSwapWriter(dev, pageSize, src, 10)
	require.NoError(t, err)

	_, err = w.Preallocate(3 * pageSize)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := w.WritePage(page('x'))
		require.NoErrorf(t, err, "write %d", i)
	}

	_, err = w.WritePage(page('x'))
	require.Error(t, err)
	require.True(t, errors.Is(err, werr.ErrNoSwapSpace))
}

func Test_NewSwapWriter_Fails_When_No_Page_Available_For_Map_Head(t *testing.T) {
	t.Parallel()

	src := &sequentialSource{}
	dev := blockdev.NewFake(2048)

	_, err := NewSwapWriter(dev, pageSize, src, 10)
	require.Error(t, err)
	require.True(t, errors.Is(err, werr.ErrNoSwapSpace))
}

func Test_SwapWriter_SwapNeeded_Tracks_Unconsumed_Preallocation(t *testing.T) {
	t.Parallel()

	src := &sequentialSource{offsets: []uint64{0, 64, 128}}
	dev := blockdev.NewFake(2048)

	w, err := NewSwapWriter(dev, pageSize, src, 10)
	require.NoError(t, err)

	got, err := w.Preallocate(2 * pageSize)
	require.NoError(t, err)
	require.Equal(t, uint64(2*pageSize), got)
	require.Equal(t, uint64(2*pageSize), w.SwapNeeded())

	_, err = w.WritePage(page('z'))
	require.NoError(t, err)
	require.Equal(t, uint64(pageSize), w.SwapNeeded())
}
