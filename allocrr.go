package stripealloc

import "context"

// allocRR allocates a striping by round-robin over the server-interleaved
// table, giving priority to targets with precreated objects and retrying
// with progressively relaxed skip rules (three speed passes). It succeeds
// even partially: the component's stripe count is truncated to what was
// placed.
func (x *Device) allocRR(ctx context.Context, lo *Layout, compIdx int,
	flags allocFlags, tx Transaction, sc *scratch) error {
	comp := &lo.comps[compIdx]
	stripeCount := comp.StripeCount
	stripeCountMin := minStripeCount(stripeCount, flags)

	p, lqr := x.poolFor(comp.Pool)
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := x.rrRecompute(p, lqr); err != nil {
		return err
	}
	sc.reset(stripeCount)

	x.qos.rwmu.RLock()
	defer x.qos.rwmu.RUnlock()
	lqr.mu.Lock()
	defer lqr.mu.Unlock()

	poolCount := uint32(len(p.targets))
	if poolCount == 0 {
		return ErrNoSpace
	}

	lqr.startCount--
	if lqr.startCount <= 0 {
		lqr.startIdx = x.randUint32n(poolCount)
		lqr.startCount = (createReseedMin/int64(poolCount) + createReseedMult) *
			int64(poolCount)
	} else if stripeCountMin >= poolCount || lqr.startIdx > poolCount {
		// If we have allocated from all of the targets, slowly precess the
		// next start if the target/stripe count isn't already doing this
		// for us.
		lqr.startIdx %= poolCount
		if stripeCount > 1 && poolCount%stripeCount != 1 {
			lqr.offsetIdx++
		}
	}
	startIdxSaved := lqr.startIdx

	stripesPerOST := uint32(1)
	if comp.Pattern&patternOverstriping != 0 {
		stripesPerOST = (stripeCount-1)/poolCount + 1
	}

	speed := 0
	connecting := false
	for {
		x.log.Debug().
			Str(`pool`, comp.Pool).
			Uint32(`want`, stripeCount).
			Uint32(`startIdx`, lqr.startIdx).
			Int64(`startCount`, lqr.startCount).
			Uint32(`offset`, lqr.offsetIdx).
			Uint32(`count`, poolCount).
			Msg(`round-robin pass`)

		for i := uint32(0); i < poolCount*stripesPerOST && sc.found < stripeCount; i++ {
			arrayIdx := (lqr.startIdx + lqr.offsetIdx) % poolCount
			lqr.startIdx++
			ostIdx := lqr.table[arrayIdx]

			if ostIdx == rrEmpty || !x.targetLive(ostIdx) {
				continue
			}
			if x.failTarget != nil && x.failTarget(ostIdx) {
				continue
			}

			lqr.mu.Unlock()
			_, err := x.checkAndReserve(ctx, lo, comp, ostIdx, speed, false, sc, tx)
			lqr.mu.Lock()

			if err != nil && x.targetConnecting(ostIdx) {
				connecting = true
			}
		}

		if speed < 2 && sc.found < stripeCountMin {
			// try again, allowing slower targets
			speed++
			lqr.startIdx = startIdxSaved
			connecting = false
			continue
		}
		break
	}

	if sc.found == 0 {
		// nobody provided us with a single object
		if connecting {
			return ErrInProgress
		}
		return ErrNoSpace
	}
	comp.StripeCount = sc.found
	return nil
}
