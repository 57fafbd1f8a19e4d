package stripealloc

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
)

const (
	// DefaultQOSMaxAge is the default statfs staleness window.
	DefaultQOSMaxAge = 5 * time.Second
	// DefaultStripeSize is the default stripe size applied to hints that
	// leave it unset.
	DefaultStripeSize = 1 << 20
	// DefaultMaxAttrSize is the default backing-store attribute size bound
	// used to cap stripe counts.
	DefaultMaxAttrSize = 1 << 16
	// DefaultUsableThresholdPercent is the default free-space imbalance,
	// as a percentage of the mean, above which the weighted allocator is
	// preferred over round-robin.
	DefaultUsableThresholdPercent = 17

	// MaxPoolNameLen is the longest pool name representable on the wire.
	MaxPoolNameLen = 15
)

type (
	// Config models the device configuration, for NewDevice. Backend is
	// mandatory; zero values elsewhere select the documented defaults.
	Config struct {
		// Backend performs the actual statfs and object-declaration calls.
		Backend Backend

		// Logger receives structured allocator logs.
		// **Defaults to a disabled logger, if nil.**
		Logger *zerolog.Logger

		// QOSMaxAge is the statfs staleness window; a full sweep runs at
		// most once per 2*QOSMaxAge.
		// **Defaults to DefaultQOSMaxAge, if 0.**
		QOSMaxAge time.Duration

		// DefaultStripeCount applies to hints that leave the stripe count
		// unset. **Defaults to 1, if 0.**
		DefaultStripeCount uint32

		// DefaultStripeSize applies to hints that leave the stripe size
		// unset. **Defaults to DefaultStripeSize, if 0.**
		DefaultStripeSize uint32

		// DefaultPool, if non-empty, is the pool used by hints that name
		// none.
		DefaultPool string

		// MaxAttrSize bounds the encoded layout size, capping stripe
		// counts. **Defaults to DefaultMaxAttrSize, if 0.**
		MaxAttrSize uint32

		// UsableThresholdPercent tunes the QOSUsable predicate.
		// **Defaults to DefaultUsableThresholdPercent, if 0.**
		UsableThresholdPercent uint32

		// Rand overrides the random source used for cursor reseeding and
		// weighted sampling. **Defaults to a time-seeded source, if nil.**
		Rand *rand.Rand
	}

	// Device owns the device-wide allocator state: the target and server
	// descriptors, the statfs cache, the round-robin tables, the QoS weight
	// state, and the pools. Create one per logical device with NewDevice and
	// tear it down by dropping all references.
	Device struct {
		backend  Backend
		log      zerolog.Logger
		probeLog *catrate.Limiter

		qos qosState

		// mu is the short device lock: activity bits, cached statfs
		// stores, counters, and tunables. Never held across a backend
		// call.
		mu            sync.Mutex
		targets       []*target
		bm            bitmap
		servers       []*server
		activeTargets uint32
		statfsAge     int64

		qosMaxAge      time.Duration
		defStripeCount uint32
		defStripeSize  uint32
		defPool        string
		maxAttrSize    uint32

		poolsMu sync.RWMutex
		pools   map[string]*Pool
		// all is the unnamed pool holding every configured target, in
		// insertion order; its round-robin table is the device-wide one.
		all *Pool

		randMu sync.Mutex
		rng    *rand.Rand

		// for testing purposes
		failTarget func(idx uint32) bool
	}

	// target is the per-OST descriptor. Statfs, activity and connecting
	// bits are guarded by Device.mu; the QoS fields (usable, weight,
	// penalties) are guarded by the QoS write lock.
	target struct {
		idx        uint32
		svr        *server
		statfs     Statfs
		active     bool
		connecting bool

		usable        bool
		weight        uint64
		penalty       uint64
		penaltyPerObj uint64
	}

	// server is the per-OSS descriptor; it exists while at least one
	// target references it.
	server struct {
		id       uint32
		tgtCount uint32
		active   uint32

		bavail        uint64
		penalty       uint64
		penaltyPerObj uint64
	}
)

// NewDevice creates a device with no targets. Panics if cfg is nil or has no
// backend.
func NewDevice(cfg *Config) *Device {
	if cfg == nil || cfg.Backend == nil {
		panic(`stripealloc: config requires a backend`)
	}
	x := &Device{
		backend: cfg.Backend,
		log:     zerolog.Nop(),
		// at most a few probe-error lines per target per minute
		probeLog:       catrate.NewLimiter(map[time.Duration]int{time.Minute: 4}),
		qosMaxAge:      cfg.QOSMaxAge,
		defStripeCount: cfg.DefaultStripeCount,
		defStripeSize:  cfg.DefaultStripeSize,
		defPool:        cfg.DefaultPool,
		maxAttrSize:    cfg.MaxAttrSize,
		pools:          make(map[string]*Pool),
		rng:            cfg.Rand,
	}
	if cfg.Logger != nil {
		x.log = *cfg.Logger
	}
	if x.qosMaxAge <= 0 {
		x.qosMaxAge = DefaultQOSMaxAge
	}
	if x.defStripeCount == 0 {
		x.defStripeCount = 1
	}
	if x.defStripeSize == 0 {
		x.defStripeSize = DefaultStripeSize
	}
	if x.maxAttrSize == 0 {
		x.maxAttrSize = DefaultMaxAttrSize
	}
	x.qos.thresholdPct = cfg.UsableThresholdPercent
	if x.qos.thresholdPct == 0 {
		x.qos.thresholdPct = DefaultUsableThresholdPercent
	}
	x.qos.dirty.Store(true)
	if x.rng == nil {
		x.rng = rand.New(rand.NewSource(timeNow().UnixNano()))
	}
	x.all = &Pool{dev: x}
	x.all.rr.dirty.Store(true)
	return x
}

// AddTarget registers a target under the given server (fault domain). New
// targets start active; the next statfs sweep corrects that if the backend
// disagrees.
func (x *Device) AddTarget(idx, serverID uint32) error {
	x.all.mu.Lock()
	defer x.all.mu.Unlock()
	x.qos.rwmu.Lock()
	defer x.qos.rwmu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	if int(idx) < len(x.targets) && x.targets[idx] != nil {
		return fmt.Errorf(`%w: target %d already configured`, ErrInvalid, idx)
	}
	for int(idx) >= len(x.targets) {
		x.targets = append(x.targets, nil)
	}

	var svr *server
	for _, s := range x.servers {
		if s.id == serverID {
			svr = s
			break
		}
	}
	if svr == nil {
		svr = &server{id: serverID}
		x.servers = append(x.servers, svr)
	}
	svr.tgtCount++
	svr.active++

	x.targets[idx] = &target{idx: idx, svr: svr, active: true}
	x.bm.set(idx)
	x.activeTargets++
	x.all.targets = append(x.all.targets, idx)

	x.all.rr.dirty.Store(true)
	x.qos.dirty.Store(true)
	return nil
}

// RemoveTarget deregisters a target, dropping it from every pool.
func (x *Device) RemoveTarget(idx uint32) error {
	x.poolsMu.RLock()
	pools := make([]*Pool, 0, len(x.pools)+1)
	pools = append(pools, x.all)
	for _, p := range x.pools {
		pools = append(pools, p)
	}
	x.poolsMu.RUnlock()
	for _, p := range pools {
		p.remove(idx)
	}

	x.qos.rwmu.Lock()
	defer x.qos.rwmu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()

	if int(idx) >= len(x.targets) || x.targets[idx] == nil {
		return fmt.Errorf(`%w: target %d`, ErrNoSuchDevice, idx)
	}
	t := x.targets[idx]
	if t.active {
		x.activeTargets--
		t.svr.active--
	}
	t.svr.tgtCount--
	if t.svr.tgtCount == 0 {
		for i, s := range x.servers {
			if s == t.svr {
				x.servers = append(x.servers[:i], x.servers[i+1:]...)
				break
			}
		}
	}
	x.targets[idx] = nil
	x.bm.clear(idx)

	x.all.rr.dirty.Store(true)
	x.qos.dirty.Store(true)
	return nil
}

// TargetCount returns the number of configured targets.
func (x *Device) TargetCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, t := range x.targets {
		if t != nil {
			n++
		}
	}
	return n
}

// ActiveTargetCount returns the number of targets currently able to accept
// objects, per the cached statfs state.
func (x *Device) ActiveTargetCount() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.activeTargets
}

func (x *Device) activeServerCount() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n uint32
	for _, s := range x.servers {
		if s.active > 0 {
			n++
		}
	}
	return n
}

// targetLive reports whether idx names a configured target. The caller must
// hold either side of the QoS lock or a pool read lock.
func (x *Device) targetLive(idx uint32) bool {
	return x.bm.test(idx)
}

func (x *Device) target(idx uint32) *target {
	if int(idx) >= len(x.targets) {
		return nil
	}
	return x.targets[idx]
}

func (x *Device) targetConnecting(idx uint32) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	t := x.target(idx)
	return t != nil && t.connecting
}

// SetQOSMaxAge adjusts the statfs staleness window.
func (x *Device) SetQOSMaxAge(d time.Duration) {
	if d <= 0 {
		d = DefaultQOSMaxAge
	}
	x.mu.Lock()
	x.qosMaxAge = d
	x.mu.Unlock()
}

// SetDefaults adjusts the default stripe count, stripe size, and pool
// applied to hints that leave them unset. Zero values keep the current
// setting; pass pool as "-" to clear the default pool.
func (x *Device) SetDefaults(stripeCount, stripeSize uint32, pool string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if stripeCount != 0 {
		x.defStripeCount = stripeCount
	}
	if stripeSize != 0 {
		x.defStripeSize = stripeSize
	}
	if pool == `-` {
		x.defPool = ``
	} else if pool != `` {
		x.defPool = pool
	}
}

func (x *Device) qosMaxAgeSeconds() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := int64(x.qosMaxAge / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (x *Device) defaults() (count, size uint32, pool string, attr uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.defStripeCount, x.defStripeSize, x.defPool, x.maxAttrSize
}

// randUint64n returns a uniform value in [0, n); 0 if n is 0.
func (x *Device) randUint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x.randMu.Lock()
	defer x.randMu.Unlock()
	if n <= 1<<63-1 {
		return uint64(x.rng.Int63n(int64(n)))
	}
	for {
		if v := x.rng.Uint64(); v < n {
			return v
		}
	}
}

func (x *Device) randUint32n(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	x.randMu.Lock()
	defer x.randMu.Unlock()
	return uint32(x.rng.Int63n(int64(n)))
}

func (x *Device) logProbeError(idx uint32, err error) {
	if _, ok := x.probeLog.Allow(idx); ok {
		x.log.Error().Uint32(`target`, idx).Err(err).Msg(`statfs probe failed`)
	}
}
