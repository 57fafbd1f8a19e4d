package stripealloc

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Pool is a named ordered set of target indices. Insertion order is kept so
// offset-anchored allocations are deterministic. Membership is guarded by a
// readers-writer lock; allocators hold the read side for the duration of a
// pick.
type Pool struct {
	name    string
	dev     *Device
	mu      sync.RWMutex
	targets []uint32
	rr      rrTable
}

// NewPool creates an empty named pool.
func (x *Device) NewPool(name string) (*Pool, error) {
	if name == `` || len(name) > MaxPoolNameLen {
		return nil, fmt.Errorf(`%w: pool name %q`, ErrInvalid, name)
	}
	x.poolsMu.Lock()
	defer x.poolsMu.Unlock()
	if _, ok := x.pools[name]; ok {
		return nil, fmt.Errorf(`%w: pool %q already exists`, ErrInvalid, name)
	}
	p := &Pool{name: name, dev: x}
	p.rr.dirty.Store(true)
	x.pools[name] = p
	return p, nil
}

// Pool returns the named pool, or nil if it does not exist.
func (x *Device) Pool(name string) *Pool {
	x.poolsMu.RLock()
	defer x.poolsMu.RUnlock()
	return x.pools[name]
}

// RemovePool destroys a named pool.
func (x *Device) RemovePool(name string) error {
	x.poolsMu.Lock()
	defer x.poolsMu.Unlock()
	if _, ok := x.pools[name]; !ok {
		return fmt.Errorf(`%w: pool %q`, ErrInvalid, name)
	}
	delete(x.pools, name)
	return nil
}

// Name returns the pool name; empty for the device-wide pool.
func (x *Pool) Name() string { return x.name }

// Add appends a configured target to the pool.
func (x *Pool) Add(idx uint32) error {
	x.dev.mu.Lock()
	live := x.dev.bm.test(idx)
	x.dev.mu.Unlock()
	if !live {
		return fmt.Errorf(`%w: target %d`, ErrNoSuchDevice, idx)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if slices.Contains(x.targets, idx) {
		return fmt.Errorf(`%w: target %d already in pool %q`, ErrInvalid, idx, x.name)
	}
	x.targets = append(x.targets, idx)
	x.rr.dirty.Store(true)
	return nil
}

// Remove drops a target from the pool, if present.
func (x *Pool) Remove(idx uint32) error {
	if !x.remove(idx) {
		return fmt.Errorf(`%w: target %d not in pool %q`, ErrNoSuchDevice, idx, x.name)
	}
	return nil
}

func (x *Pool) remove(idx uint32) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	i := slices.Index(x.targets, idx)
	if i < 0 {
		return false
	}
	x.targets = append(x.targets[:i], x.targets[i+1:]...)
	x.rr.dirty.Store(true)
	return true
}

// Targets returns a snapshot of the pool membership, in insertion order.
func (x *Pool) Targets() []uint32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.targets)
}

// Contains reports pool membership.
func (x *Pool) Contains(idx uint32) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Contains(x.targets, idx)
}

// poolFor resolves the pool and round-robin table an allocation should use.
// A named pool that does not exist falls back to the device-wide pool, like
// an empty name.
func (x *Device) poolFor(name string) (*Pool, *rrTable) {
	if name != `` {
		if p := x.Pool(name); p != nil {
			return p, &p.rr
		}
	}
	return x.all, &x.all.rr
}
