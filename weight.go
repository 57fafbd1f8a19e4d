package stripealloc

import (
	"sync"
	"sync/atomic"
)

// qosState is the device-wide weighted-allocation state. The readers-writer
// lock guards the statfs sweep, the round-robin rebuild, and all penalty and
// weight computation; readers are the pick loops.
type qosState struct {
	rwmu sync.RWMutex

	// dirty requests a penalty recompute: active count changed, or free
	// space moved measurably.
	dirty atomic.Bool
	// sameSpace records that free space was near-uniform at the last
	// recompute, making round-robin sufficient. Cleared on QoS shortfall so
	// the next allocation rebalances.
	sameSpace atomic.Bool

	// lastCalc is the epoch of the last penalty recompute, guarded by rwmu
	// (write side).
	lastCalc     int64
	thresholdPct uint32
}

// QOSUsable reports whether the weighted allocator can do better than plain
// round-robin: at least two servers must participate and free space must be
// uneven enough to be worth rebalancing. The imbalance threshold is tuned
// via Config.UsableThresholdPercent.
func (x *Device) QOSUsable() bool {
	if !x.qos.dirty.Load() && x.qos.sameSpace.Load() {
		return false
	}
	x.mu.Lock()
	active := x.activeTargets
	var servers uint32
	for _, s := range x.servers {
		if s.active > 0 {
			servers++
		}
	}
	x.mu.Unlock()
	return active >= 2 && servers >= 2
}

// QOSSameSpace exposes the uniform-free-space hint recorded by the last
// penalty recompute (cleared on allocation shortfall).
func (x *Device) QOSSameSpace() bool {
	return x.qos.sameSpace.Load()
}

// qosCalcPenalties recomputes per-target and per-server penalties and the
// uniform-space hint. No-op unless the weight state is dirty. The caller
// must hold the QoS write lock.
func (x *Device) qosCalcPenalties() {
	if !x.qos.dirty.Load() {
		return
	}

	now := timeNow().Unix()
	maxAge := x.qosMaxAgeSeconds()
	// accumulated penalties halve once per elapsed 2*maxage window
	var steps int64
	if x.qos.lastCalc > 0 {
		steps = (now - x.qos.lastCalc) / (2 * maxAge)
	}

	for _, s := range x.servers {
		s.bavail = 0
		s.penalty = decayPenalty(s.penalty, steps)
	}

	var (
		active             uint64
		totalFree, minFree uint64
		maxFree            uint64
		haveMin            bool
	)
	for _, t := range x.targets {
		if t == nil || !t.active {
			continue
		}
		ba := t.statfs.FreeBytes()
		t.penalty = decayPenalty(t.penalty, steps)
		t.svr.bavail += ba
		totalFree += ba
		if !haveMin || ba < minFree {
			minFree, haveMin = ba, true
		}
		if ba > maxFree {
			maxFree = ba
		}
		active++
	}
	for _, t := range x.targets {
		if t == nil || !t.active {
			continue
		}
		// transient per-pick bump: half the target's free space
		t.penaltyPerObj = t.statfs.FreeBytes() / 2
	}
	for _, s := range x.servers {
		if s.tgtCount > 0 {
			s.penaltyPerObj = s.bavail / (2 * uint64(s.tgtCount))
		}
	}

	sameSpace := false
	if active > 0 {
		mean := totalFree / active
		sameSpace = (maxFree-minFree)*100 <= mean*uint64(x.qos.thresholdPct)
	}
	x.qos.sameSpace.Store(sameSpace)
	x.qos.lastCalc = now
	x.qos.dirty.Store(false)
}

func decayPenalty(p uint64, steps int64) uint64 {
	if steps <= 0 {
		return p
	}
	if steps >= 64 {
		return 0
	}
	return p >> uint(steps)
}

// qosCalcWeight derives a target's sampling weight from its free space less
// its own penalty and its share of the server penalty. The caller must hold
// the QoS write lock.
func (x *Device) qosCalcWeight(t *target) {
	ba := t.statfs.FreeBytes()
	p := t.penalty
	if t.svr.tgtCount > 0 {
		p += t.svr.penalty / uint64(t.svr.tgtCount)
	}
	if p >= ba {
		t.weight = 0
		return
	}
	t.weight = ba - p
}

// qosRecalcWeight applies the post-pick penalties for a reserved target,
// removes its contribution from the running total, and refreshes the
// weights of its server siblings so sampling stays unbiased. The caller
// must hold the QoS write lock.
func (x *Device) qosRecalcWeight(t *target, total *uint64) {
	t.penalty += t.penaltyPerObj
	t.svr.penalty += t.svr.penaltyPerObj
	*total -= t.weight
	t.usable = false
	x.qosCalcWeight(t)
	for _, u := range x.targets {
		if u == nil || u == t || !u.usable || u.svr != t.svr {
			continue
		}
		*total -= u.weight
		x.qosCalcWeight(u)
		*total += u.weight
	}
}
