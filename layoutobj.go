package stripealloc

import (
	"fmt"

	"github.com/joeycumines/go-stripealloc/layout"
)

// DefaultOffset is the stripe offset meaning "let the allocator choose".
const DefaultOffset uint32 = 0xffff

// aliases for the wire-level pattern bits, which double as the in-core form
const (
	patternRAID0        = layout.PatternRAID0
	patternMDT          = layout.PatternMDT
	patternOverstriping = layout.PatternOverstriping
	patternFReleased    = layout.PatternFReleased
)

// Extent is a half-open byte range [Start, End) of the logical file.
type Extent struct {
	Start, End uint64
}

// Overlaps reports whether two extents intersect.
func (x Extent) Overlaps(o Extent) bool {
	return x.Start < o.End && o.Start < x.End
}

type (
	// Component is one sub-range of a file with its own striping
	// parameters. For plain (non-composite) layouts there is exactly one,
	// covering the whole file.
	Component struct {
		// ID encodes the mirror in its upper half; zero means unassigned.
		ID        uint32
		Flags     uint32
		Timestamp uint64
		Pattern   uint32
		// StripeSize and StripeCount may be zero in a hint; parsing fills
		// in device defaults.
		StripeSize   uint32
		StripeCount  uint32
		StripeOffset uint32
		Pool         string
		// OSTList requests placement on an explicit ordered target list.
		OSTList []uint32
		Extent  Extent

		stripes    []ObjectHandle
		ostIndices []uint32
		// objects holds hydrated wire stripe references for fully-defined
		// layouts.
		objects []layout.ObjectRef
	}

	mirrorSpan struct {
		id         uint16
		start, end int // comps[start:end]
	}

	// Layout is the in-core striping of one logical file: an ordered list
	// of components plus the mirror table. The caller must not run
	// concurrent allocations against the same Layout.
	Layout struct {
		comps     []Component
		mirrors   []mirrorSpan
		composite bool
		flrState  uint16
		layoutGen uint16
		foreign   *layout.Foreign
	}
)

// NewLayout returns an empty layout, ready for ParseConfig.
func NewLayout() *Layout {
	return &Layout{}
}

func mirrorOf(compID uint32) uint16 {
	return uint16(compID >> 16)
}

// ComponentCount returns the number of components.
func (x *Layout) ComponentCount() int { return len(x.comps) }

// Component returns the i-th component.
func (x *Layout) Component(i int) *Component { return &x.comps[i] }

// Composite reports whether the layout has composite (multi-component)
// form.
func (x *Layout) Composite() bool { return x.composite }

// MirrorCount returns the number of mirrors; at most one unless the layout
// is composite.
func (x *Layout) MirrorCount() int { return len(x.mirrors) }

// Foreign returns the opaque foreign layout blob, if any.
func (x *Layout) Foreign() *layout.Foreign { return x.foreign }

// LayoutGen returns the layout generation recovered from a fully-defined
// plain striping. Hydrating a composite record does not set it.
func (x *Layout) LayoutGen() uint16 { return x.layoutGen }

// FLRState returns the mirror read/write state of a composite layout with
// two or more mirrors.
func (x *Layout) FLRState() uint16 { return x.flrState }

// OSTIndices returns the target index per allocated stripe, in pick order.
func (x *Component) OSTIndices() []uint32 { return x.ostIndices }

// Objects returns the reserved placeholder objects, matching OSTIndices.
func (x *Component) Objects() []ObjectHandle { return x.stripes }

// WireObjects returns the hydrated stripe references of a fully-defined
// layout.
func (x *Component) WireObjects() []layout.ObjectRef { return x.objects }

// reset releases any reservations and drops all components and mirror
// state.
func (x *Layout) reset() {
	x.Release()
	x.comps = nil
	x.mirrors = nil
	x.composite = false
	x.flrState = 0
	x.layoutGen = 0
	x.foreign = nil
}

// Release drops every placeholder object reserved for this layout. Used on
// rollback and by callers abandoning an in-progress allocation.
func (x *Layout) Release() {
	for i := range x.comps {
		c := &x.comps[i]
		for _, o := range c.stripes {
			if o != nil {
				o.Release()
			}
		}
		c.stripes = nil
		c.ostIndices = nil
	}
}

// fillMirrors rebuilds the mirror table from component ids. Components of
// one mirror must be adjacent; within one mirror, extents are expected to be
// disjoint, which neither this function nor the parser checks.
func (x *Layout) fillMirrors() error {
	x.mirrors = x.mirrors[:0]
	for i := range x.comps {
		id := mirrorOf(x.comps[i].ID)
		if n := len(x.mirrors); n > 0 && x.mirrors[n-1].id == id {
			x.mirrors[n-1].end = i + 1
			continue
		}
		for _, m := range x.mirrors {
			if m.id == id {
				return fmt.Errorf(`%w: mirror %d components not adjacent`, ErrInvalid, id)
			}
		}
		x.mirrors = append(x.mirrors, mirrorSpan{id: id, start: i, end: i + 1})
	}
	return nil
}

// ostUsedByOtherComp reports whether any already-bound component of this
// layout holds a stripe on the target.
func (x *Layout) ostUsedByOtherComp(idx uint32) bool {
	for i := range x.comps {
		for _, o := range x.comps[i].ostIndices {
			if o == idx {
				return true
			}
		}
	}
	return false
}
