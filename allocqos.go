package stripealloc

import "context"

// allocQOS allocates a striping by weighted random selection proportional
// to free space, biased away from loaded servers by decaying penalties. It
// demands the full (possibly reduced) stripe count; on shortfall every
// reservation is released and errTryAgain asks the orchestrator to fall
// back to round-robin.
func (x *Device) allocQOS(ctx context.Context, lo *Layout, compIdx int,
	flags allocFlags, tx Transaction, sc *scratch) error {
	comp := &lo.comps[compIdx]
	stripeCount := comp.StripeCount
	stripeCountMin := minStripeCount(stripeCount, flags)
	if stripeCountMin < 1 {
		return ErrInvalid
	}
	overstriping := comp.Pattern&patternOverstriping != 0

	p, _ := x.poolFor(comp.Pool)
	p.mu.RLock()
	defer p.mu.RUnlock()

	// detect the fallback early, before the expensive lock is taken
	if !x.QOSUsable() {
		return errTryAgain
	}

	stripesPerOST := uint32(1)
	if overstriping && len(p.targets) > 0 {
		stripesPerOST = (stripeCount-1)/uint32(len(p.targets)) + 1
	}

	x.qos.rwmu.Lock()
	defer x.qos.rwmu.Unlock()

	// check again, things could change while we were sleeping on the lock
	if !x.QOSUsable() {
		return errTryAgain
	}

	x.qosCalcPenalties()
	sc.reset(stripeCount)

	// find all the targets that are valid stripe candidates
	var totalWeight uint64
	goodTargets := uint32(0)
	for _, idx := range p.targets {
		if !x.bm.test(idx) {
			continue
		}
		t := x.targets[idx]
		t.usable = false
		sfs, err := x.statfsAndCheck(ctx, t)
		if err != nil {
			continue
		}
		if sfs.State&StateDegraded != 0 {
			continue
		}
		if x.failTarget != nil && x.failTarget(idx) {
			continue
		}
		t.usable = true
		x.qosCalcWeight(t)
		totalWeight += t.weight
		goodTargets++
	}

	x.log.Debug().Uint32(`good`, goodTargets).Msg(`weighted candidates found`)

	if goodTargets < stripeCountMin {
		return errTryAgain
	}

	// if there are not enough targets for the requested stripe count, do
	// not put more stripes per target than requested
	if stripeCount/stripesPerOST > goodTargets {
		stripeCount = goodTargets * stripesPerOST
	}

	for sc.found < stripeCount {
		// on average this hits larger-weighted targets more often; zero
		// weights are used only when the draw is zero
		r := x.randUint64n(totalWeight)
		var cur uint64
		picked := false
		for _, idx := range p.targets {
			if x.shouldAvoidTarget(&sc.avoid, idx) {
				continue
			}
			t := x.target(idx)
			if t == nil || !t.usable {
				continue
			}
			cur += t.weight
			if cur < r {
				continue
			}

			if lo.ostUsedByOtherComp(idx) && !overstriping {
				continue
			}
			dup := sc.usedTarget(idx)
			if dup && !overstriping {
				continue
			}

			o, err := x.declareObjectOn(ctx, idx, tx)
			if err != nil {
				continue
			}
			if dup {
				sc.overstriped = true
			}
			sc.avoid.consume(lo)
			sc.record(idx, o)
			x.qosRecalcWeight(t, &totalWeight)
			picked = true
			break
		}
		if !picked {
			// no target found on this iteration, give up
			break
		}
	}

	if sc.found != stripeCount {
		// when the decision to use the weighted algorithm was made we had
		// enough candidates, but target state can change at any time
		x.log.Debug().
			Uint32(`want`, stripeCount).
			Uint32(`found`, sc.found).
			Msg(`weighted allocation shortfall`)
		sc.releaseAll()
		// makes sense to rebalance next time
		x.qos.dirty.Store(true)
		x.qos.sameSpace.Store(false)
		return errTryAgain
	}

	return nil
}
