package stripealloc

import (
	"context"
	"math/rand"
	"sync"
	"testing"
)

type (
	// testBackend is an in-memory Backend with per-target canned statfs
	// results and failure injection.
	testBackend struct {
		mu          sync.Mutex
		statfs      map[uint32]Statfs
		statfsErr   map[uint32]error
		declareErr  map[uint32]error
		declared    map[uint32]int
		released    int
		statfsCalls int
	}

	testObject struct {
		b   *testBackend
		tgt uint32
	}
)

func newTestBackend() *testBackend {
	return &testBackend{
		statfs:     make(map[uint32]Statfs),
		statfsErr:  make(map[uint32]error),
		declareErr: make(map[uint32]error),
		declared:   make(map[uint32]int),
	}
}

func (b *testBackend) Statfs(_ context.Context, target uint32) (Statfs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statfsCalls++
	if err := b.statfsErr[target]; err != nil {
		return Statfs{}, err
	}
	return b.statfs[target], nil
}

func (b *testBackend) DeclareCreate(_ context.Context, target uint32, _ Transaction) (ObjectHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.declareErr[target]; err != nil {
		return nil, err
	}
	b.declared[target]++
	return &testObject{b: b, tgt: target}, nil
}

func (o *testObject) Release() {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	o.b.released++
	o.b.declared[o.tgt]--
}

func (b *testBackend) setFree(target uint32, freeGB uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statfs[target] = Statfs{
		BlocksAvail: freeGB << 18, // 4KiB blocks
		BlocksTotal: 1 << 28,
		BlockSize:   4096,
		Precreated:  32,
	}
}

func (b *testBackend) setState(target uint32, state StateFlags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sfs := b.statfs[target]
	sfs.State = state
	b.statfs[target] = sfs
}

func (b *testBackend) setPrecreated(target uint32, n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sfs := b.statfs[target]
	sfs.Precreated = n
	b.statfs[target] = sfs
}

func (b *testBackend) declaredCount(target uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declared[target]
}

func (b *testBackend) releasedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// testTarget describes one target for newTestDevice.
type testTarget struct {
	idx    uint32
	server uint32
	freeGB uint64
}

// newTestDevice builds a device with a deterministic random source and the
// given targets, all probing healthy with the given free space.
func newTestDevice(t *testing.T, cfg *Config, targets ...testTarget) (*Device, *testBackend) {
	t.Helper()
	b := newTestBackend()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Backend = b
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	x := NewDevice(cfg)
	for _, tt := range targets {
		b.setFree(tt.idx, tt.freeGB)
		if err := x.AddTarget(tt.idx, tt.server); err != nil {
			t.Fatalf("AddTarget(%d, %d): %v", tt.idx, tt.server, err)
		}
	}
	return x, b
}

// plainComponent builds a single-component layout ready for direct policy
// calls.
func plainComponent(comp Component) *Layout {
	lo := &Layout{comps: []Component{comp}}
	if err := lo.fillMirrors(); err != nil {
		panic(err)
	}
	return lo
}
