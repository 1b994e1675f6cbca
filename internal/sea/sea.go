// Package sea implements the Swap Extent Allocator: it packs
// ad-hoc, one-page-at-a-time swap offsets from the kernel into a
// compact, sorted, non-touching array of extents, per spec.md §4.2.
package sea

import (
	"fmt"
	"sort"

	"uswsusp/internal/header"
	"uswsusp/internal/werr"
)

// PageSource supplies one swap page offset at a time, mirroring
// KCI.alloc_swap_page (spec.md §4.1). A zero offset with ok==false
// means the kernel is out of swap.
type PageSource interface {
	AllocSwapPage() (offset uint64, ok bool)
}

// Allocator maintains the extent array for one image. Per the design
// notes in spec.md §9, the "reserved last slot" convention of the
// original allocator is replaced here by an explicit Carry field: a
// leftover singleton extent that didn't fit in the last batch and
// seeds the next one.
type Allocator struct {
	pageSize uint64
	extents  []header.Extent
	carry    *header.Extent
}

// New returns an empty allocator for the given page size.
func New(pageSize uint64) *Allocator {
	return &Allocator{pageSize: pageSize}
}

// Extents returns the current sorted, non-touching extent array.
// The returned slice is a copy; callers must not rely on aliasing.
func (a *Allocator) Extents() []header.Extent {
	out := make([]header.Extent, len(a.extents))
	copy(out, a.extents)

	return out
}

// Carry returns the leftover singleton extent from the last
// Preallocate call that hit capacity, if any.
func (a *Allocator) Carry() *header.Extent {
	return a.carry
}

// totalBytes returns the sum of all extent lengths.
func (a *Allocator) totalBytes() uint64 {
	var total uint64
	for _, e := range a.extents {
		total += e.Len()
	}

	return total
}

// Preallocate requests swap pages from src until the extent array
// covers at least target additional bytes beyond what it already
// covers, or the array reaches maxExtents entries, or src runs out of
// swap. It returns the number of bytes actually added.
//
// Tie-break rule (spec.md §4.2): merges always prefer extending the
// earlier extent and deleting the later one.
func (a *Allocator) Preallocate(target uint64, maxExtents int, src PageSource) (uint64, error) {
	startBytes := a.totalBytes()

	for a.totalBytes()-startBytes < target {
		offset, ok := a.nextPage(src)
		if !ok {
			return a.totalBytes() - startBytes, fmt.Errorf("%w: alloc_swap_page returned none", werr.ErrNoSwapSpace)
		}

		inserted := a.absorb(offset, maxExtents)
		if !inserted {
			// Array is at capacity; the unmerged singleton seeds the
			// next batch instead of being dropped.
			return a.totalBytes() - startBytes, nil
		}
	}

	return a.totalBytes() - startBytes, nil
}

// nextPage returns the carried-over singleton first, if present,
// before asking src for a fresh page.
func (a *Allocator) nextPage(src PageSource) (uint64, bool) {
	if a.carry != nil {
		offset := a.carry.Start
		a.carry = nil

		return offset, true
	}

	return src.AllocSwapPage()
}

// absorb merges offset into the extent array, or inserts a new
// singleton extent if it touches nothing and room remains. It returns
// false if the array was already at capacity and had no room for a
// new singleton — in that case the singleton is stashed in a.carry.
func (a *Allocator) absorb(offset uint64, maxExtents int) bool {
	pageEnd := offset + a.pageSize

	// Binary search for the insertion point: first extent whose Start
	// is >= offset.
	k := sort.Search(len(a.extents), func(i int) bool {
		return a.extents[i].Start >= offset
	})

	// Prepend to extents[k]: offset immediately precedes it.
	if k < len(a.extents) && offset+a.pageSize == a.extents[k].Start {
		a.extents[k].Start = offset

		if k > 0 && a.extents[k-1].End == a.extents[k].Start {
			// Touches the earlier extent too: merge right into it,
			// preferring to keep the earlier extent and drop the
			// later one (tie-break rule).
			a.extents[k-1].End = a.extents[k].End
			a.extents = append(a.extents[:k], a.extents[k+1:]...)
		}

		return true
	}

	// Append to extents[k-1]: offset immediately follows it.
	if k > 0 && a.extents[k-1].End == offset {
		a.extents[k-1].End = pageEnd

		if k < len(a.extents) && a.extents[k-1].End == a.extents[k].Start {
			// Touches the later extent too: merge it in, again
			// preferring the earlier (now-extended) extent.
			a.extents[k-1].End = a.extents[k].End
			a.extents = append(a.extents[:k], a.extents[k+1:]...)
		}

		return true
	}

	// No extension matched. Insert a new singleton if there's room.
	if len(a.extents) >= maxExtents {
		a.carry = &header.Extent{Start: offset, End: pageEnd}

		return false
	}

	a.extents = append(a.extents, header.Extent{})
	copy(a.extents[k+1:], a.extents[k:])
	a.extents[k] = header.Extent{Start: offset, End: pageEnd}

	return true
}
