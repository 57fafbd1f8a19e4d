package stripealloc

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"
)

// allocSpecific allocates a striping anchored at the requested starting
// target, scanning forward through the pool with wrap-around. Skip rules
// match round-robin across three speed passes, except that the start target
// itself is never skipped for being slow, only on hard failure.
func (x *Device) allocSpecific(ctx context.Context, lo *Layout, compIdx int,
	flags allocFlags, tx Transaction, sc *scratch) error {
	comp := &lo.comps[compIdx]
	sc.reset(comp.StripeCount)

	p, _ := x.poolFor(comp.Pool)
	p.mu.RLock()
	defer p.mu.RUnlock()

	x.qos.rwmu.RLock()
	defer x.qos.rwmu.RUnlock()

	count := len(p.targets)
	start := slices.Index(p.targets, comp.StripeOffset)
	if start < 0 {
		x.log.Error().
			Uint32(`offset`, comp.StripeOffset).
			Str(`pool`, comp.Pool).
			Msg(`start index not found in pool`)
		return fmt.Errorf(`%w: start target %d not in pool %q`, ErrInvalid, comp.StripeOffset, comp.Pool)
	}

	stripesPerOST := 1
	if comp.Pattern&patternOverstriping != 0 {
		stripesPerOST = (int(comp.StripeCount)-1)/count + 1
	}

	for speed := 0; speed < 3; speed++ {
		arrayIdx := start
		for i := 0; i < count*stripesPerOST; i, arrayIdx = i+1, (arrayIdx+1)%count {
			ostIdx := p.targets[arrayIdx]

			if !x.targetLive(ostIdx) {
				continue
			}
			if x.failTarget != nil && x.failTarget(ostIdx) {
				continue
			}

			// the requested start target is exempt from the slow-target
			// rules; it is only skipped if it hard-fails
			_, _ = x.checkAndReserve(ctx, lo, comp, ostIdx, speed, i == 0, sc, tx)

			// we have enough stripes
			if sc.found == comp.StripeCount {
				return nil
			}
		}
	}

	// specific striping params are a contract: failing to meet them is an
	// error rather than a partial success
	x.log.Error().
		Uint32(`found`, sc.found).
		Uint32(`want`, comp.StripeCount).
		Msg(`cannot fulfil requested striping`)
	if sc.found == 0 {
		return ErrNoSpace
	}
	return ErrTooBig
}
