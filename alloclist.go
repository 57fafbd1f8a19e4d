package stripealloc

import (
	"context"
	"fmt"
)

// allocOSTList allocates a striping on the user's explicit ordered target
// list, starting from the requested offset's position and wrapping. Every
// target must exist and probe healthy; any failure is fatal, and the full
// requested count must be placed.
func (x *Device) allocOSTList(ctx context.Context, lo *Layout, compIdx int,
	tx Transaction, sc *scratch) error {
	comp := &lo.comps[compIdx]
	overstriping := comp.Pattern&patternOverstriping != 0
	sc.reset(comp.StripeCount)

	offset := comp.StripeOffset
	if offset == DefaultOffset {
		offset = comp.OSTList[0]
		comp.StripeOffset = offset
	}
	arrayIdx := -1
	for i, idx := range comp.OSTList {
		if idx == offset {
			arrayIdx = i
			break
		}
	}
	if arrayIdx < 0 {
		x.log.Debug().Uint32(`offset`, offset).Msg(`start index not in the specified target list`)
		return fmt.Errorf(`%w: start target %d not in list`, ErrInvalid, offset)
	}

	x.qos.rwmu.RLock()
	defer x.qos.rwmu.RUnlock()

	count := int(comp.StripeCount)
	for i := 0; i < count; i, arrayIdx = i+1, (arrayIdx+1)%len(comp.OSTList) {
		ostIdx := comp.OSTList[arrayIdx]

		if !x.targetLive(ostIdx) {
			return fmt.Errorf(`%w: target %d`, ErrNoSuchDevice, ostIdx)
		}

		// do not put more than one object on a single target, except for
		// overstriping
		dup := sc.usedTarget(ostIdx)
		if dup && !overstriping {
			return fmt.Errorf(`%w: duplicate target %d without overstriping`, ErrInvalid, ostIdx)
		}

		if _, err := x.statfsAndCheck(ctx, x.targets[ostIdx]); err != nil {
			// this target doesn't feel well
			return fmt.Errorf(`stripealloc: target %d unavailable: %w`, ostIdx, err)
		}

		o, err := x.declareObjectOn(ctx, ostIdx, tx)
		if err != nil {
			return err
		}
		if dup {
			sc.overstriped = true
		}
		sc.record(ostIdx, o)
	}

	return nil
}
