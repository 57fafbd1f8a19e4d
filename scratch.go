package stripealloc

// scratch is the per-allocation working state: the reservation buffer, the
// targets already used by this striping, and the mirror-avoidance guide. It
// is owned by the orchestrator, passed down to the policies, and never
// shared between allocations.
type scratch struct {
	stripes []ObjectHandle
	osts    []uint32
	found   uint32
	// overstriped records whether any target was actually reserved more
	// than once.
	overstriped bool
	avoid       avoidGuide
}

func newScratch(_ *Device, stripes uint32) *scratch {
	return &scratch{
		stripes: make([]ObjectHandle, stripes),
		osts:    make([]uint32, stripes),
	}
}

// reset prepares the used-set and reservation buffer for a (re)try with the
// given stripe count. Previously recorded reservations are forgotten, not
// released; use releaseAll first when they must be dropped.
func (x *scratch) reset(stripes uint32) {
	if uint32(len(x.stripes)) < stripes {
		x.stripes = make([]ObjectHandle, stripes)
		x.osts = make([]uint32, stripes)
	}
	x.found = 0
	x.overstriped = false
}

// usedTarget reports whether the target has already been picked for this
// striping.
func (x *scratch) usedTarget(idx uint32) bool {
	for _, o := range x.osts[:x.found] {
		if o == idx {
			return true
		}
	}
	return false
}

// record stores a successful reservation. The buffer's index order is the
// order in which picks succeeded.
func (x *scratch) record(idx uint32, o ObjectHandle) {
	x.stripes[x.found] = o
	x.osts[x.found] = idx
	x.found++
}

// releaseAll drops every reservation recorded so far.
func (x *scratch) releaseAll() {
	for i := uint32(0); i < x.found; i++ {
		if x.stripes[i] != nil {
			x.stripes[i].Release()
			x.stripes[i] = nil
		}
	}
	x.found = 0
}
