package stripealloc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefreshStatfs_Staleness(t *testing.T) {
	base := time.Now()
	now := base
	var nowMu sync.Mutex
	timeNow = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	defer func() { timeNow = time.Now }()

	x, b := newTestDevice(t, nil, testTarget{0, 1, 10}, testTarget{1, 2, 10})
	require.NoError(t, x.refreshStatfs(context.Background()))
	calls := b.statfsCalls
	require.Equal(t, 2, calls)

	// within the window: a no-op
	require.NoError(t, x.refreshStatfs(context.Background()))
	require.Equal(t, calls, b.statfsCalls)

	// past twice the max age: sweeps again
	nowMu.Lock()
	now = base.Add(2*DefaultQOSMaxAge + time.Second)
	nowMu.Unlock()
	require.NoError(t, x.refreshStatfs(context.Background()))
	require.Equal(t, calls+2, b.statfsCalls)
}

func TestRefreshStatfs_SingleWinner(t *testing.T) {
	x, b := newTestDevice(t, nil, testTarget{0, 1, 10}, testTarget{1, 2, 10})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = x.refreshStatfs(context.Background())
		}()
	}
	wg.Wait()

	// exactly one sweep ran; the rest observed the refreshed epoch on the
	// double-check
	require.Equal(t, 2, b.statfsCalls)
}

func TestStatfsAndCheck_Normalization(t *testing.T) {
	x, b := newTestDevice(t, nil, testTarget{0, 1, 10})
	tgt := x.targets[0]

	for _, tc := range []struct {
		name  string
		state StateFlags
		pre   uint64
		err   error
	}{
		{`ok`, 0, 32, nil},
		{`enospc`, StateNoSpace, 32, errFull},
		{`enoino exhausted`, StateNoInodes, 0, errFull},
		{`enoino with precreated`, StateNoInodes, 32, nil},
		{`readonly`, StateReadonly, 32, errReadonly},
		{`noprecreate`, StateNoPrecreate, 32, errNoPrecreate},
		{`full wins over readonly`, StateNoSpace | StateReadonly, 32, errFull},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b.setState(0, tc.state)
			b.setPrecreated(0, tc.pre)
			_, err := x.statfsAndCheck(context.Background(), tgt)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestStatfsAndCheck_ActivityTransitions(t *testing.T) {
	x, b := newTestDevice(t, nil, testTarget{0, 1, 10}, testTarget{1, 2, 10})
	tgt := x.targets[0]
	require.Equal(t, uint32(2), x.ActiveTargetCount())

	b.mu.Lock()
	b.statfsErr[0] = ErrDisconnected
	b.mu.Unlock()
	_, err := x.statfsAndCheck(context.Background(), tgt)
	require.ErrorIs(t, err, ErrDisconnected)
	require.Equal(t, uint32(1), x.ActiveTargetCount())
	require.True(t, x.targetConnecting(0))
	require.True(t, x.qos.dirty.Load())
	require.True(t, x.all.rr.dirty.Load())

	// repeated failure does not double-count
	_, _ = x.statfsAndCheck(context.Background(), tgt)
	require.Equal(t, uint32(1), x.ActiveTargetCount())

	b.mu.Lock()
	delete(b.statfsErr, 0)
	b.mu.Unlock()
	_, err = x.statfsAndCheck(context.Background(), tgt)
	require.NoError(t, err)
	require.Equal(t, uint32(2), x.ActiveTargetCount())
	require.False(t, x.targetConnecting(0))
}

func TestRefreshStatfs_FreeSpaceChangeMarksDirty(t *testing.T) {
	base := time.Now()
	now := base
	var nowMu sync.Mutex
	timeNow = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	defer func() { timeNow = time.Now }()

	x, b := newTestDevice(t, nil, testTarget{0, 1, 10}, testTarget{1, 2, 20})
	require.NoError(t, x.refreshStatfs(context.Background()))
	x.qos.rwmu.Lock()
	x.qosCalcPenalties()
	x.qos.rwmu.Unlock()
	require.False(t, x.qos.dirty.Load())

	b.setFree(0, 5)
	nowMu.Lock()
	now = base.Add(3 * DefaultQOSMaxAge)
	nowMu.Unlock()
	require.NoError(t, x.refreshStatfs(context.Background()))
	require.True(t, x.qos.dirty.Load(), "expected a weight recompute request")
}
