package stripealloc

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-stripealloc/layout"
)

// ParseConfig validates and normalizes a suggested striping configuration
// into the layout, applying device defaults and checking pool membership.
// An empty buffer keeps the layout's prior state. A buffer whose magic
// carries the defined bit is treated as a fully-bound striping and hydrated
// instead. Must not be called concurrently against the same layout.
func (x *Device) ParseConfig(lo *Layout, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	// the prior components' pool becomes the default for the new ones
	defPool := ``
	for i := range lo.comps {
		if lo.comps[i].Pool != `` {
			defPool = lo.comps[i].Pool
			break
		}
	}
	defCount, defSize, devPool, _ := x.defaults()
	if defPool == `` {
		defPool = devPool
	}

	lo.reset()

	rec, defined, err := layout.Decode(buf)
	if err != nil {
		return fmt.Errorf(`%w: %v`, ErrInvalid, err)
	}
	if defined {
		return x.useDefinedStriping(lo, rec)
	}

	var entries []parsedEntry
	switch v := rec.(type) {
	case *layout.Foreign:
		lo.foreign = v
		return nil
	case *layout.Plain:
		entries = []parsedEntry{{sub: v}}
	case *layout.Composite:
		mirrorCount := int(v.MirrorCount) + 1
		if mirrorCount > 1 {
			lo.flrState = v.Flags & layout.FLRMask
		}
		lo.composite = true
		for i := range v.Entries {
			e := &v.Entries[i]
			entries = append(entries, parsedEntry{
				id:     e.ID,
				flags:  e.Flags,
				extent: Extent{Start: e.Start, End: e.End},
				sub:    e.Layout,
			})
		}
	}

	active := x.ActiveTargetCount()
	lo.comps = make([]Component, len(entries))
	for i, e := range entries {
		comp := &lo.comps[i]
		comp.ID = e.id
		comp.Flags = e.flags
		comp.Extent = e.extent

		sub := e.sub
		pattern := sub.Pattern
		if pattern == 0 {
			pattern = patternRAID0
		}
		switch layout.PatternBase(pattern) {
		case patternRAID0, patternMDT, patternRAID0 | patternOverstriping:
		default:
			lo.reset()
			return fmt.Errorf(`%w: pattern %#x`, ErrInvalid, pattern)
		}
		comp.Pattern = pattern
		overstriping := pattern&patternOverstriping != 0

		comp.StripeSize = defSize
		if sub.StripeSize != 0 {
			comp.StripeSize = sub.StripeSize
		}
		comp.StripeCount = defCount
		if sub.StripeCount != 0 || layout.PatternBase(pattern) == patternMDT {
			comp.StripeCount = uint32(sub.StripeCount)
		}
		comp.StripeOffset = uint32(sub.StripeOffset)

		pool := sub.Pool
		if pool == `` {
			pool = defPool
		}
		comp.Pool = pool

		if sub.Magic == layout.MagicSpecific {
			if len(sub.Objects) != int(comp.StripeCount) {
				lo.reset()
				return fmt.Errorf(`%w: %d explicit targets for stripe count %d`,
					ErrInvalid, len(sub.Objects), comp.StripeCount)
			}
			comp.OSTList = make([]uint32, len(sub.Objects))
			for j := range sub.Objects {
				comp.OSTList[j] = sub.Objects[j].Index
			}
		}

		if !overstriping && active > 0 && comp.StripeCount > active {
			comp.StripeCount = active
		}

		if pool == `` {
			continue
		}
		p := x.Pool(pool)
		if p == nil {
			continue
		}
		if comp.StripeOffset != DefaultOffset && !p.Contains(comp.StripeOffset) {
			lo.reset()
			x.log.Debug().Uint32(`offset`, comp.StripeOffset).Str(`pool`, pool).Msg(`invalid offset`)
			return fmt.Errorf(`%w: offset %d not in pool %q`, ErrInvalid, comp.StripeOffset, pool)
		}
		if n := uint32(len(p.Targets())); comp.StripeCount > n && !overstriping {
			comp.StripeCount = n
		}
	}

	if err := lo.fillMirrors(); err != nil {
		lo.reset()
		return err
	}
	return nil
}

type parsedEntry struct {
	id     uint32
	flags  uint32
	extent Extent
	sub    *layout.Plain
}

// useDefinedStriping rebuilds the in-core state for a fully-defined
// striping: everything including the stripe object references is present in
// the record, so the components are hydrated rather than allocated.
func (x *Device) useDefinedStriping(lo *Layout, rec any) error {
	switch v := rec.(type) {
	case *layout.Foreign:
		lo.foreign = v
		return nil
	case *layout.Plain:
		lo.composite = false
		lo.layoutGen = v.StripeOffset
		lo.comps = make([]Component, 1)
		if err := hydrateComponent(&lo.comps[0], v, false); err != nil {
			lo.reset()
			return err
		}
		return lo.fillMirrors()
	case *layout.Composite:
		lo.composite = true
		lo.flrState = v.Flags & layout.FLRMask
		lo.comps = make([]Component, len(v.Entries))
		for i := range v.Entries {
			e := &v.Entries[i]
			comp := &lo.comps[i]
			if e.ID == 0 {
				lo.reset()
				return fmt.Errorf(`%w: composite entry %d has no id`, ErrInvalid, i)
			}
			comp.ID = e.ID
			comp.Flags = e.Flags
			comp.Extent = Extent{Start: e.Start, End: e.End}
			if e.Flags&layout.FlagNoSync != 0 {
				comp.Timestamp = e.Timestamp
			}
			if err := hydrateComponent(comp, e.Layout, e.Flags&layout.FlagInit == 0); err != nil {
				lo.reset()
				return err
			}
		}
		if err := lo.fillMirrors(); err != nil {
			lo.reset()
			return err
		}
		return nil
	}
	return fmt.Errorf(`%w: cannot hydrate %T`, ErrInvalid, rec)
}

func hydrateComponent(comp *Component, sub *layout.Plain, uninited bool) error {
	comp.Pattern = sub.Pattern
	comp.StripeSize = sub.StripeSize
	comp.StripeCount = uint32(sub.StripeCount)
	comp.Pool = sub.Pool
	if uninited {
		// the stripe offset of an uninstantiated component is stored in
		// the layout generation slot
		comp.StripeOffset = uint32(sub.StripeOffset)
		return nil
	}
	if comp.Pattern&patternFReleased != 0 ||
		layout.PatternBase(comp.Pattern) == patternMDT {
		return nil
	}
	if len(sub.Objects) != int(sub.StripeCount) {
		return fmt.Errorf(`%w: %d stripe objects for stripe count %d`,
			ErrInvalid, len(sub.Objects), sub.StripeCount)
	}
	comp.objects = sub.Objects
	comp.ostIndices = make([]uint32, len(sub.Objects))
	for i := range sub.Objects {
		comp.ostIndices[i] = sub.Objects[i].Index
	}
	return nil
}

// GetStripeCount returns the stripe count the caller can actually use:
// device defaults applied, clamped to the active target count (unless
// overstriping), and bounded by what fits in the backing store's maximum
// attribute size; for composite layouts the header and component sizes are
// deducted from that size first.
func (x *Device) GetStripeCount(lo *Layout, stripeCount uint32, overstriping bool) uint32 {
	defCount, _, _, attrSize := x.defaults()
	if stripeCount == 0 {
		stripeCount = defCount
	}
	if stripeCount == 0 {
		stripeCount = 1
	}
	if active := x.ActiveTargetCount(); stripeCount > active && !overstriping {
		stripeCount = active
	}

	if lo.composite {
		headerSize := uint32(layout.CompHeaderSize)
		headerSize += uint32(layout.CompEntrySize * len(lo.comps))
		var initSize, totalSize uint32
		for i := range lo.comps {
			compSize := uint32(layout.RecordSize(int(lo.comps[i].StripeCount), true))
			totalSize += compSize
			if lo.comps[i].Flags&layout.FlagInit != 0 {
				initSize += compSize
			}
		}
		if initSize > 0 {
			totalSize = initSize
		}
		headerSize += totalSize
		if attrSize > headerSize {
			attrSize -= headerSize
		} else {
			attrSize = 0
		}
	}
	if max := layout.MaxStripeCount(attrSize); stripeCount > max {
		stripeCount = max
	}
	return stripeCount
}

// surfaceError translates internal skip-level errors leaking out of a
// policy into the closest surfaced kind.
func surfaceError(err error) error {
	switch {
	case errors.Is(err, errFull):
		return fmt.Errorf(`%w: %v`, ErrNoSpace, err)
	default:
		return err
	}
}
