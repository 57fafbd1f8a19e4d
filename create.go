package stripealloc

import (
	"context"
	"errors"

	"github.com/joeycumines/go-stripealloc/layout"
)

// PrepareCreate drives the striping of a new logical file: it parses and
// validates the hint, then allocates stripes for every component whose
// extent intersects [0, sizeHint] (the first component, or a plain layout,
// always does). On any failure every reservation declared so far is
// released. The caller must ensure no concurrent call mutates the same
// layout, and owns commit/abort of the transaction.
func (x *Device) PrepareCreate(ctx context.Context, lo *Layout, sizeHint uint64,
	hint []byte, tx Transaction) error {
	if x.TargetCount() == 0 {
		return ErrNoTargets
	}

	if err := x.ParseConfig(lo, hint); err != nil {
		return err
	}

	for i := range lo.comps {
		ext := lo.comps[i].Extent
		x.log.Debug().
			Int(`component`, i).
			Uint64(`size`, sizeHint).
			Uint64(`start`, ext.Start).
			Uint64(`end`, ext.End).
			Msg(`preparing component`)
		if !lo.composite || sizeHint >= ext.Start {
			if err := x.prepStripes(ctx, lo, i, tx); err != nil {
				lo.Release()
				return err
			}
		}
	}
	return nil
}

// prepStripes allocates one component's stripes, choosing the policy from
// the hint: an explicit target list wins, a default offset tries weighted
// allocation with round-robin fallback, and anything else anchors at the
// requested offset.
func (x *Device) prepStripes(ctx context.Context, lo *Layout, compIdx int, tx Transaction) error {
	comp := &lo.comps[compIdx]

	// released components and metadata-resident components hold no objects
	if comp.Pattern&patternFReleased != 0 ||
		layout.PatternBase(comp.Pattern) == patternMDT {
		return nil
	}

	// hydrated from a fully-defined striping; nothing to allocate
	if comp.ostIndices != nil {
		return nil
	}

	// statfs and check targets now, since the active count may have
	// changed if targets were (de)activated manually
	if err := x.refreshStatfs(ctx); err != nil {
		return err
	}

	overstriping := comp.Pattern&patternOverstriping != 0
	stripeCount := x.GetStripeCount(lo, comp.StripeCount, overstriping)
	if stripeCount == 0 {
		return ErrInvalid
	}
	comp.StripeCount = stripeCount

	sc := newScratch(x, stripeCount)

	var err error
	switch {
	case len(comp.OSTList) > 0:
		err = x.allocOSTList(ctx, lo, compIdx, tx, sc)
	case comp.StripeOffset == DefaultOffset:
		// collect targets and servers used by conflicting components of
		// other mirrors, then prefer the weighted allocator
		sc.avoid.prepare(x)
		x.collectAvoidance(lo, &sc.avoid, compIdx)
		err = x.allocQOS(ctx, lo, compIdx, 0, tx, sc)
		if errors.Is(err, errTryAgain) {
			err = x.allocRR(ctx, lo, compIdx, 0, tx, sc)
		}
	default:
		err = x.allocSpecific(ctx, lo, compIdx, 0, tx, sc)
	}

	if err != nil {
		sc.releaseAll()
		comp.StripeCount = 0
		return surfaceError(err)
	}

	// with enough targets, a component that requested overstriping will
	// not actually end up overstriped; the stored pattern should agree
	if !sc.overstriped {
		comp.Pattern &^= patternOverstriping
	}

	comp.stripes = sc.stripes[:sc.found]
	comp.ostIndices = sc.osts[:sc.found]
	return nil
}
