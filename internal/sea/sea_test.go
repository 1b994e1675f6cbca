package sea

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"uswsusp/internal/header"
	"uswsusp/internal/werr"
)

const pageSize = 4096

// fakeSource hands out pages from a fixed pool in a given order,
// reporting exhaustion once the pool (or an explicit budget) runs out.
type fakeSource struct {
	offsets []uint64
	i       int
}

func (f *fakeSource) AllocSwapPage() (uint64, bool) {
	if f.i >= len(f.offsets) {
		return 0, false
	}

	o := f.offsets[f.i]
	f.i++

	return o, true
}

func Test_Preallocate_Merges_Contiguous_Pages_Into_One_Extent(t *testing.T) {
	t.Parallel()

	src := &fakeSource{offsets: []uint64{0, pageSize, 2 * pageSize, 3 * pageSize}}
	a := New(pageSize)

	got, err := a.Preallocate(4*pageSize, 100, src)
	require.NoError(t, err)
	require.Equal(t, uint64(4*pageSize), got)

	extents := a.Extents()
	require.Len(t, extents, 1)
	require.Equal(t, header.Extent{Start: 0, End: 4 * pageSize}, extents[0])
}

func Test_Preallocate_Keeps_Noncontiguous_Pages_As_Separate_Extents(t *testing.T) {
	t.Parallel()

	src := &fakeSource{offsets: []uint64{0, 10 * pageSize, 20 * pageSize}}
	a := New(pageSize)

	_, err := a.Preallocate(3*pageSize, 100, src)
	require.NoError(t, err)

	extents := a.Extents()
	require.Len(t, extents, 3)
	assertSortedNonTouching(t, extents)

	want := []header.Extent{
		{Start: 0, End: pageSize},
		{Start: 10 * pageSize, End: 11 * pageSize},
		{Start: 20 * pageSize, End: 21 * pageSize},
	}
	if diff := cmp.Diff(want, extents); diff != "" {
		t.Errorf("extent list mismatch (-want +got):\n%s", diff)
	}
}

func Test_Preallocate_Merges_Out_Of_Order_Arrival_Preferring_Earlier_Extent(t *testing.T) {
	t.Parallel()

	// Pages arrive out of order: 2, 0, 1 -> should coalesce into one
	// extent [0, 3*pageSize) regardless of arrival order.
	src := &fakeSource{offsets: []uint64{2 * pageSize, 0, pageSize}}
	a := New(pageSize)

	_, err := a.Preallocate(3*pageSize, 100, src)
	require.NoError(t, err)

	extents := a.Extents()
	require.Len(t, extents, 1)
	require.Equal(t, header.Extent{Start: 0, End: 3 * pageSize}, extents[0])
}

func Test_Preallocate_Fails_With_NoSwapSpace_When_Source_Exhausted(t *testing.T) {
	t.Parallel()

	src := &fakeSource{offsets: []uint64{0, pageSize}}
	a := New(pageSize)

	_, err := a.Preallocate(10*pageSize, 100, src)
	require.Error(t, err)
	require.True(t, errors.Is(err, werr.ErrNoSwapSpace))
}

func Test_Preallocate_At_Capacity_Stashes_Unmerged_Singleton_As_Carry(t *testing.T) {
	t.Parallel()

	// Two non-touching pages, but capacity is 1: the second page can't
	// fit as a new extent and must be carried for the next batch.
	src := &fakeSource{offsets: []uint64{0, 100 * pageSize}}
	a := New(pageSize)

	_, err := a.Preallocate(2*pageSize, 1, src)
	require.NoError(t, err)

	require.Len(t, a.Extents(), 1)
	require.NotNil(t, a.Carry())
	require.Equal(t, uint64(100*pageSize), a.Carry().Start)
}

func Test_Preallocate_Reuses_Carry_Before_Requesting_New_Pages(t *testing.T) {
	t.Parallel()

	src := &fakeSource{offsets: []uint64{0, 100 * pageSize, 101 * pageSize}}
	a := New(pageSize)

	_, err := a.Preallocate(2*pageSize, 1, src)
	require.NoError(t, err)
	require.NotNil(t, a.Carry())

	// Next batch: capacity is now large enough to also absorb the
	// carried singleton and merge it with the page that follows it.
	_, err = a.Preallocate(2*pageSize, 10, src)
	require.NoError(t, err)

	extents := a.Extents()
	assertSortedNonTouching(t, extents)

	var total uint64
	for _, e := range extents {
		total += e.Len()
	}

	require.Equal(t, uint64(3*pageSize), total)
}

func assertSortedNonTouching(t *testing.T, extents []header.Extent) {
	t.Helper()

	for i := range extents {
		require.Less(t, extents[i].Start, extents[i].End, "extent %d: start must be < end", i)

		if i > 0 {
			require.Less(t, extents[i-1].Start, extents[i].Start, "extents must be strictly sorted by start")
			require.NotEqual(t, extents[i-1].End, extents[i].Start, "adjacent extents must not touch")
		}
	}
}

// Test_Preallocate_Property_Holds_Over_Random_Page_Sequences exercises
// the invariants from spec.md §8 ("Extent sortedness") over random
// permutations of swap pages drawn from a bounded pool.
func Test_Preallocate_Property_Holds_Over_Random_Page_Sequences(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		numPages := 1 + rng.Intn(64)

		pool := make([]uint64, numPages)
		for i := range pool {
			pool[i] = uint64(i) * pageSize
		}

		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

		src := &fakeSource{offsets: pool}
		a := New(pageSize)

		_, err := a.Preallocate(uint64(numPages)*pageSize, numPages, src)
		require.NoError(t, err)

		extents := a.Extents()
		assertSortedNonTouching(t, extents)

		var total uint64
		for _, e := range extents {
			total += e.Len()
		}

		require.Equal(t, uint64(numPages)*pageSize, total, "trial %d: coverage must equal pages returned", trial)
	}
}

func Test_ExtentsPerPage_Matches_Extent_Sizeof(t *testing.T) {
	t.Parallel()

	// A 4096-byte page holds 4096/16 - 1 = 255 extents plus the link slot.
	require.Equal(t, 255, header.ExtentsPerPage(4096))
}

func Test_Extents_Snapshot_Is_Independent_Copy(t *testing.T) {
	t.Parallel()

	src := &fakeSource{offsets: []uint64{0}}
	a := New(pageSize)

	_, err := a.Preallocate(pageSize, 10, src)
	require.NoError(t, err)

	snap := a.Extents()
	snap[0].Start = 999999

	require.NotEqual(t, snap[0].Start, a.Extents()[0].Start)
}

func Test_Preallocate_Sorted_Check_Uses_Sort_IsSorted(t *testing.T) {
	t.Parallel()

	src := &fakeSource{offsets: []uint64{5 * pageSize, pageSize, 9 * pageSize, 3 * pageSize}}
	a := New(pageSize)

	_, err := a.Preallocate(4*pageSize, 100, src)
	require.NoError(t, err)

	extents := a.Extents()
	require.True(t, sort.SliceIsSorted(extents, func(i, j int) bool { return extents[i].Start < extents[j].Start }))
}
