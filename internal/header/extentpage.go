package header

import (
	"encoding/binary"
	"fmt"
)

// extentSize is sizeof(Extent) on disk: two uint64 fields.
const extentSize = 16

// Extent is a contiguous run of swap pages, expressed as a half-open
// byte range [Start, End). Invariants (spec.md §3): Start < End,
// extents in an array are strictly sorted by Start, and no two
// extents touch.
type Extent struct {
	Start uint64
	End   uint64
}

// Len returns the extent's length in bytes.
func (e Extent) Len() uint64 { return e.End - e.Start }

// ExtentsPerPage returns M, the number of Extent slots an ExtentPage
// of the given page size can hold, reserving one slot for the link
// (spec.md §3: "M = floor(page_size / sizeof(Extent)) − 1").
func ExtentsPerPage(pageSize int) int {
	return pageSize/extentSize - 1
}

// ExtentPage is one page of the on-disk extent map: up to M extents
// followed by a link slot pointing at the next ExtentPage (Link == 0
// terminates the chain).
type ExtentPage struct {
	Extents []Extent
	Link    uint64
}

// EncodeExtentPage serializes page into a pageSize-byte slice. It
// returns an error if len(page.Extents) exceeds ExtentsPerPage(pageSize).
func EncodeExtentPage(page ExtentPage, pageSize int) ([]byte, error) {
	capacity := ExtentsPerPage(pageSize)
	if len(page.Extents) > capacity {
		return nil, fmt.Errorf("extent page holds %d extents, capacity is %d", len(page.Extents), capacity)
	}

	buf := make([]byte, pageSize)

	for i, e := range page.Extents {
		off := i * extentSize
		binary.LittleEndian.PutUint64(buf[off:], e.Start)
		binary.LittleEndian.PutUint64(buf[off+8:], e.End)
	}

	linkOff := capacity * extentSize
	binary.LittleEndian.PutUint64(buf[linkOff:], page.Link)

	return buf, nil
}

// DecodeExtentPage parses a pageSize-byte slice into an ExtentPage.
// Decoding stops at the first zero-valued {0,0} slot before the link;
// EncodeExtentPage zero-fills every slot past the last extent, so this
// recovers exactly the encoded extents.
func DecodeExtentPage(buf []byte, pageSize int) (ExtentPage, error) {
	var page ExtentPage

	if len(buf) < pageSize {
		return page, fmt.Errorf("extent page buffer is %d bytes, want %d", len(buf), pageSize)
	}

	capacity := ExtentsPerPage(pageSize)

	for i := 0; i < capacity; i++ {
		off := i * extentSize

		start := binary.LittleEndian.Uint64(buf[off:])
		end := binary.LittleEndian.Uint64(buf[off+8:])

		if start == 0 && end == 0 {
			break
		}

		page.Extents = append(page.Extents, Extent{Start: start, End: end})
	}

	linkOff := capacity * extentSize
	page.Link = binary.LittleEndian.Uint64(buf[linkOff:])

	return page, nil
}
