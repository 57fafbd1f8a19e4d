package stripealloc

import (
	"sync"
	"sync/atomic"
)

// rrEmpty is the "no target" sentinel in a round-robin table slot.
const rrEmpty = ^uint32(0)

const (
	createReseedMin  = 2000
	createReseedMult = 30
)

// rrTable is the per-pool round-robin state: an ordering of the pool targets
// interleaved across servers, plus the allocation cursor. The cursor fields
// are guarded by mu (the allocation spinlock); the table itself is rebuilt
// under the QoS write lock when dirty.
type rrTable struct {
	mu         sync.Mutex
	table      []uint32
	startIdx   uint32
	offsetIdx  uint32
	startCount int64
	dirty      atomic.Bool
}

// rrRecompute rebuilds the round-robin table for a pool so that targets from
// distinct servers are interleaved: sequential picks then round-robin across
// fault domains. The caller must hold the pool read lock. Resorts whenever
// the table was marked dirty (new target, activation change).
func (x *Device) rrRecompute(p *Pool, lqr *rrTable) error {
	if !lqr.dirty.Load() {
		return nil
	}

	x.qos.rwmu.Lock()

	// Check again. While we were sleeping on the QoS lock something could
	// change.
	if !lqr.dirty.Load() {
		x.qos.rwmu.Unlock()
		return nil
	}

	count := len(p.targets)
	if cap(lqr.table) < count {
		lqr.table = make([]uint32, count)
	}
	lqr.table = lqr.table[:count]
	for i := range lqr.table {
		lqr.table[i] = rrEmpty
	}

	// Place all the targets from one server at a time, evenly spaced across
	// the array.
	placed := 0
	for _, s := range x.servers {
		j := 0
		for _, idx := range p.targets {
			if !x.bm.test(idx) {
				continue
			}
			t := x.targets[idx]
			if t == nil || t.svr != s {
				continue
			}
			next := j * count / int(s.tgtCount)
			for lqr.table[next] != rrEmpty {
				next = (next + 1) % count
			}
			lqr.table[next] = idx
			j++
			placed++
		}
	}

	lqr.dirty.Store(false)
	x.qos.rwmu.Unlock()

	if placed != count {
		x.log.Error().
			Str(`pool`, p.name).
			Int(`placed`, placed).
			Int(`count`, count).
			Msg(`failed to place all targets in the round-robin table`)
		for i, idx := range lqr.table {
			x.log.Debug().Int(`slot`, i).Uint32(`target`, idx).Msg(`round-robin slot`)
		}
		lqr.dirty.Store(true)
		return errRRPlacement
	}

	return nil
}
