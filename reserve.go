package stripealloc

import "context"

type allocFlags uint32

const (
	// useDefaultStripe marks a stripe count taken from defaults rather than
	// requested explicitly; the allocator then accepts 3/4 of it.
	useDefaultStripe allocFlags = 1 << iota
)

// minStripeCount returns the acceptable stripe count: all stripes, or 3/4
// when the count came from defaults.
func minStripeCount(count uint32, flags allocFlags) uint32 {
	if flags&useDefaultStripe != 0 {
		return count - count/4
	}
	return count
}

// declareObjectOn reserves a placeholder object on the target within the
// caller's transaction.
func (x *Device) declareObjectOn(ctx context.Context, idx uint32, tx Transaction) (ObjectHandle, error) {
	o, err := x.backend.DeclareCreate(ctx, idx, tx)
	if err != nil {
		x.log.Debug().Uint32(`target`, idx).Err(err).Msg(`cannot declare new object`)
		return nil, err
	}
	return o, nil
}

// checkAndReserve probes a candidate target and, if it passes the skip
// rules for the current speed pass, reserves a placeholder object on it.
// Higher speeds relax the rules: speed 0 demands precreated objects and
// clean separation from sibling components, speed 1 admits targets without
// precreated objects, speed 2 admits degraded targets and ignores mirror
// avoidance. exemptSlow lifts all slow-target rules (for a requested start
// target, which is only ever skipped on hard failure).
//
// Returns whether a stripe was reserved; a nil error with no reservation
// means the target was merely skipped.
func (x *Device) checkAndReserve(ctx context.Context, lo *Layout, comp *Component,
	idx uint32, speed int, exemptSlow bool, sc *scratch, tx Transaction) (bool, error) {
	t := x.target(idx)
	if t == nil {
		return false, nil
	}
	sfs, err := x.statfsAndCheck(ctx, t)
	if err != nil {
		return false, err
	}

	overstriping := comp.Pattern&patternOverstriping != 0

	if !exemptSlow {
		// we expect precreated objects on the first pass; skip targets with
		// none ready
		if sfs.Precreated == 0 && speed == 0 {
			x.log.Debug().Uint32(`target`, idx).Msg(`precreation is empty`)
			return false, nil
		}
		if sfs.State&StateDegraded != 0 && speed < 2 {
			x.log.Debug().Uint32(`target`, idx).Msg(`degraded`)
			return false, nil
		}
		if speed == 0 && lo.ostUsedByOtherComp(idx) {
			x.log.Debug().Uint32(`target`, idx).Msg(`used by other component`)
			return false, nil
		}
		if speed < 2 && x.shouldAvoidTarget(&sc.avoid, idx) {
			x.log.Debug().Uint32(`target`, idx).Msg(`used by conflicting mirror component`)
			return false, nil
		}
	}

	// do not put more than one object on a single target, except for
	// overstriping
	dup := sc.usedTarget(idx)
	if dup && !overstriping {
		return false, nil
	}

	o, err := x.declareObjectOn(ctx, idx, tx)
	if err != nil {
		return false, err
	}
	if dup {
		sc.overstriped = true
	}
	sc.avoid.consume(lo)
	sc.record(idx, o)
	return true, nil
}
