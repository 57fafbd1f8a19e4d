package stripealloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// twoMirrorLayout builds a layout with mirror 1 bound to the given targets
// and mirror 2 pending allocation, both covering the same extent.
func twoMirrorLayout(bound []uint32, stripeCount uint32) *Layout {
	lo := &Layout{
		composite: true,
		comps: []Component{
			{
				ID:          1<<16 | 1,
				Pattern:     patternRAID0,
				StripeCount: uint32(len(bound)),
				Extent:      Extent{Start: 0, End: 1 << 30},
				ostIndices:  bound,
			},
			{
				ID:           2<<16 | 1,
				Pattern:      patternRAID0,
				StripeCount:  stripeCount,
				StripeOffset: DefaultOffset,
				Extent:       Extent{Start: 0, End: 1 << 30},
			},
		},
	}
	if err := lo.fillMirrors(); err != nil {
		panic(err)
	}
	return lo
}

func TestCollectAvoidance_MarksOverlappingMirrors(t *testing.T) {
	x, _ := newTestDevice(t, nil,
		testTarget{0, 1, 10}, testTarget{1, 1, 10},
		testTarget{2, 2, 10}, testTarget{3, 2, 10},
	)
	lo := twoMirrorLayout([]uint32{0, 2}, 2)

	var g avoidGuide
	g.prepare(x)
	x.collectAvoidance(lo, &g, 1)

	// the bitmap is exactly the union of target indices used by the
	// overlapping components of the other mirror
	for idx, want := range map[uint32]bool{0: true, 1: false, 2: true, 3: false} {
		if g.bm.test(idx) != want {
			t.Fatalf("Expected bitmap[%d]=%v", idx, want)
		}
	}
	require.ElementsMatch(t, []uint32{1, 2}, g.servers)
	require.Equal(t, uint32(2), g.available)
}

func TestCollectAvoidance_SkipsOwnMirrorAndDisjointExtents(t *testing.T) {
	x, _ := newTestDevice(t, nil,
		testTarget{0, 1, 10}, testTarget{1, 2, 10},
	)
	lo := &Layout{
		composite: true,
		comps: []Component{
			// other mirror, disjoint extent: not collected
			{ID: 1<<16 | 1, Pattern: patternRAID0, StripeCount: 1,
				Extent: Extent{Start: 1 << 20, End: 1 << 21}, ostIndices: []uint32{0}},
			// same mirror as the component being allocated: not collected
			{ID: 2<<16 | 1, Pattern: patternRAID0, StripeCount: 1,
				Extent: Extent{Start: 0, End: 1 << 20}, ostIndices: []uint32{1}},
			{ID: 2<<16 | 2, Pattern: patternRAID0, StripeCount: 1,
				StripeOffset: DefaultOffset, Extent: Extent{Start: 0, End: 1 << 20}},
		},
	}
	require.NoError(t, lo.fillMirrors())

	var g avoidGuide
	g.prepare(x)
	x.collectAvoidance(lo, &g, 2)

	if g.bm.test(0) || g.bm.test(1) {
		t.Fatal("Expected nothing collected")
	}
	require.Empty(t, g.servers)
}

func TestShouldAvoidTarget(t *testing.T) {
	x, _ := newTestDevice(t, nil,
		testTarget{0, 1, 10}, testTarget{1, 1, 10},
		testTarget{2, 2, 10}, testTarget{3, 2, 10},
	)
	lo := twoMirrorLayout([]uint32{0, 2}, 2)

	var g avoidGuide
	g.prepare(x)
	x.collectAvoidance(lo, &g, 1)

	if !x.shouldAvoidTarget(&g, 99) {
		t.Fatal("Expected an unconfigured target to always be avoided")
	}
	if !x.shouldAvoidTarget(&g, 0) || !x.shouldAvoidTarget(&g, 2) {
		t.Fatal("Expected targets of the conflicting mirror to be avoided")
	}
	if x.shouldAvoidTarget(&g, 1) || x.shouldAvoidTarget(&g, 3) {
		t.Fatal("Expected unused targets on used servers to be preferred, not avoided")
	}

	// once everything available has been used, avoidance gives up
	g.available = 0
	if x.shouldAvoidTarget(&g, 0) {
		t.Fatal("Expected best-effort fallback once no targets remain")
	}
}

func TestMirrorAvoidance_EndToEnd(t *testing.T) {
	// S5: mirror 1 bound to {0, 2} on servers {1, 2}; mirror 2 must land on
	// {1, 3}.
	x, _ := newTestDevice(t, nil,
		testTarget{0, 1, 100}, testTarget{1, 1, 90},
		testTarget{2, 2, 80}, testTarget{3, 2, 70},
	)
	require.NoError(t, x.refreshStatfs(context.Background()))
	lo := twoMirrorLayout([]uint32{0, 2}, 2)

	sc := newScratch(x, 2)
	sc.avoid.prepare(x)
	x.collectAvoidance(lo, &sc.avoid, 1)
	err := x.allocQOS(context.Background(), lo, 1, 0, nil, sc)
	if err != nil {
		require.ErrorIs(t, err, errTryAgain)
		err = x.allocRR(context.Background(), lo, 1, 0, nil, sc)
	}
	require.NoError(t, err)
	require.Equal(t, uint32(2), sc.found)
	require.ElementsMatch(t, []uint32{1, 3}, sc.osts[:sc.found])
}
