package stripealloc

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// StateFlags are the target state bits reported by a backend statfs query.
type StateFlags uint32

const (
	// StateNoSpace marks a target that has run out of blocks.
	StateNoSpace StateFlags = 1 << iota
	// StateNoInodes marks a target that has run out of objects; it is still
	// usable while precreated objects remain.
	StateNoInodes
	// StateReadonly marks a target that cannot accept new objects.
	StateReadonly
	// StateNoPrecreate marks a target with object precreation disabled.
	StateNoPrecreate
	// StateDegraded marks a target that works but should be avoided while
	// healthy alternatives exist, e.g. during RAID rebuild.
	StateDegraded
)

// Statfs is the per-target free-space and state snapshot returned by a
// backend probe.
type Statfs struct {
	BlocksAvail uint64
	BlocksTotal uint64
	BlockSize   uint32
	// Precreated is the number of objects already precreated on the target
	// and ready to be bound to new files.
	Precreated uint64
	State      StateFlags
}

// FreeBytes returns the available capacity of the target.
func (x Statfs) FreeBytes() uint64 {
	return x.BlocksAvail * uint64(x.BlockSize)
}

// Transaction is an opaque handle threaded through to
// Backend.DeclareCreate. Commit and abort are the caller's responsibility.
type Transaction any

// ObjectHandle is a placeholder object reserved on a target within a
// transaction. Release drops the reservation; it must be safe to call on
// rollback paths.
type ObjectHandle interface {
	Release()
}

// Backend is the storage protocol contract the allocator depends on. A
// transport that cannot reach a target must return an error matching
// ErrDisconnected (via errors.Is) so the allocator can distinguish
// connecting targets from failed ones.
type Backend interface {
	Statfs(ctx context.Context, target uint32) (Statfs, error)
	DeclareCreate(ctx context.Context, target uint32, tx Transaction) (ObjectHandle, error)
}

// for testing purposes
var timeNow = time.Now

// statfsConcurrency bounds the parallel probes of a full statfs sweep.
const statfsConcurrency = 8

// statfsAndCheck probes a target and reports whether it can hold new
// objects. The normalization rules apply in order: out of space (or out of
// objects with nothing precreated), read-only, precreation disabled,
// transport not connected. Activity transitions flip the active-target
// counter and mark the round-robin table and QoS weights dirty.
//
// The caller must hold either side of the QoS lock; the short device lock is
// taken internally for the statfs store and the activity bits.
func (x *Device) statfsAndCheck(ctx context.Context, t *target) (Statfs, error) {
	sfs, ferr := x.backend.Statfs(ctx, t.idx)
	err := ferr
	if err == nil {
		if sfs.State&StateNoSpace != 0 ||
			(sfs.State&StateNoInodes != 0 && sfs.Precreated == 0) {
			err = errFull
		} else if sfs.State&StateReadonly != 0 {
			err = errReadonly
		} else if sfs.State&StateNoPrecreate != 0 {
			err = errNoPrecreate
		}
	}
	if err != nil && !errors.Is(err, ErrDisconnected) {
		x.logProbeError(t.idx, err)
	}

	x.mu.Lock()
	if ferr == nil {
		t.statfs = sfs
	}
	if err != nil && t.active {
		t.active = false
		if errors.Is(err, ErrDisconnected) {
			t.connecting = true
		}
		x.activeTargets--
		t.svr.active--
		x.qos.dirty.Store(true)
		x.all.rr.dirty.Store(true)
		x.mu.Unlock()
		x.log.Info().Uint32(`target`, t.idx).Msg(`target turns inactive`)
		return sfs, err
	}
	if err == nil && !t.active {
		t.active = true
		t.connecting = false
		x.activeTargets++
		t.svr.active++
		x.qos.dirty.Store(true)
		x.all.rr.dirty.Store(true)
		x.mu.Unlock()
		x.log.Info().Uint32(`target`, t.idx).Msg(`target turns active`)
		return sfs, err
	}
	x.mu.Unlock()
	return sfs, err
}

// refreshStatfs refreshes the cached statfs data for every target unless the
// cache is younger than twice the configured max age. Concurrent callers
// race to the QoS write lock; exactly one winner performs the sweep, the
// rest observe the refreshed epoch on the double-check and return.
func (x *Device) refreshStatfs(ctx context.Context) error {
	cutoff := timeNow().Unix() - 2*x.qosMaxAgeSeconds()

	x.mu.Lock()
	age := x.statfsAge
	x.mu.Unlock()
	if age > cutoff {
		return nil
	}

	x.qos.rwmu.Lock()
	defer x.qos.rwmu.Unlock()

	x.mu.Lock()
	age = x.statfsAge
	x.mu.Unlock()
	if age > cutoff {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(statfsConcurrency)
	for _, t := range x.targets {
		if t == nil {
			continue
		}
		g.Go(func() error {
			x.mu.Lock()
			prev := t.statfs.BlocksAvail
			x.mu.Unlock()
			if _, err := x.statfsAndCheck(ctx, t); err != nil {
				return ctx.Err()
			}
			x.mu.Lock()
			changed := t.statfs.BlocksAvail != prev
			x.mu.Unlock()
			if changed {
				// recalculate weights
				x.qos.dirty.Store(true)
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	x.mu.Lock()
	x.statfsAge = timeNow().Unix()
	x.mu.Unlock()
	return nil
}
