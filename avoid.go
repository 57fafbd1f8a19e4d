package stripealloc

import "golang.org/x/exp/slices"

// avoidGuide is the per-allocation record of targets and servers already
// used by overlapping components in other mirrors, so a new mirror lands on
// different fault domains where possible. It lives in per-allocation scratch
// and is never shared.
type avoidGuide struct {
	prepared bool
	// available counts targets still not marked; once it hits zero the
	// guide stops avoiding (best effort).
	available uint32
	servers   []uint32
	bm        bitmap
}

// prepare sizes and resets the guide for a new component allocation.
func (g *avoidGuide) prepare(x *Device) {
	x.mu.Lock()
	active := x.activeTargets
	size := len(x.targets)
	x.mu.Unlock()
	g.prepared = true
	g.available = active
	g.servers = g.servers[:0]
	g.bm.reset(size)
}

// collectAvoidance marks every target used by an already-bound component of
// another mirror whose extent overlaps the component being allocated, and
// records the owning servers.
func (x *Device) collectAvoidance(lo *Layout, g *avoidGuide, compIdx int) {
	comp := &lo.comps[compIdx]
	my := mirrorOf(comp.ID)

	x.qos.rwmu.RLock()
	defer x.qos.rwmu.RUnlock()

	for _, m := range lo.mirrors {
		first := &lo.comps[m.start]
		// only conflicting components of other mirrors matter: a degraded
		// read must find a mirror on different targets
		if first.ID != 0 && mirrorOf(first.ID) == my {
			continue
		}
		for ci := m.start; ci < m.end; ci++ {
			c := &lo.comps[ci]
			if !c.Extent.Overlaps(comp.Extent) || c.ostIndices == nil {
				continue
			}
			for _, idx := range c.ostIndices {
				if g.bm.test(idx) {
					continue
				}
				g.bm.set(idx)
				if g.available > 0 {
					g.available--
				}
				x.log.Debug().Uint32(`target`, idx).Msg(`target used in conflicting mirror component`)
				if t := x.target(idx); t != nil {
					if !slices.Contains(g.servers, t.svr.id) {
						g.servers = append(g.servers, t.svr.id)
					}
				}
			}
		}
	}
}

// shouldAvoidTarget reports whether a candidate should be passed over for
// fault-domain spreading. A target that is not configured at all is always
// avoided; once every available target is marked the guide gives up and
// stops avoiding.
func (x *Device) shouldAvoidTarget(g *avoidGuide, idx uint32) bool {
	if !x.targetLive(idx) {
		return true
	}
	if !g.prepared || g.available == 0 {
		return false
	}
	t := x.target(idx)
	if t == nil || !slices.Contains(g.servers, t.svr.id) {
		// the server this target resides on has not been used; prefer it
		return false
	}
	return g.bm.test(idx)
}

// consume notes a successful reservation, shrinking the pool of targets the
// guide may still steer away from. Only mirrored layouts pay the cost.
func (g *avoidGuide) consume(lo *Layout) {
	if !g.prepared || len(lo.mirrors) < 2 {
		return
	}
	if g.available > 0 {
		g.available--
	}
}
