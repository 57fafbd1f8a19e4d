package layout

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Decode parses a striping record. It returns a *Plain, *Composite, or
// *Foreign, plus whether the record's magic carried the defined bit
// (fully-bound striping to hydrate, rather than a hint). Byte-swapped magic
// selects the opposite byte order for the whole record.
func Decode(buf []byte) (rec any, defined bool, _ error) {
	if len(buf) < 4 {
		return nil, false, fmt.Errorf(`%w: short buffer (%d bytes)`, ErrInvalid, len(buf))
	}

	order := binary.ByteOrder(binary.LittleEndian)
	magic := order.Uint32(buf)
	if magic&MagicDefined != 0 && knownMagic(magic&^MagicDefined) {
		defined = true
		magic &^= MagicDefined
	} else if !knownMagic(magic) {
		if swapped := bits.ReverseBytes32(magic); knownMagic(swapped) {
			order = binary.BigEndian
			magic = swapped
		} else {
			return nil, false, fmt.Errorf(`%w: unrecognized magic %#x`, ErrInvalid, magic)
		}
	}

	var err error
	switch magic {
	case MagicV1, MagicV3, MagicSpecific:
		rec, err = decodePlain(buf, order, defined)
	case MagicCompV1:
		rec, err = decodeComp(buf, order, defined)
	case MagicForeign:
		rec, err = decodeForeign(buf, order)
	}
	if err != nil {
		return nil, false, err
	}
	return rec, defined, nil
}

func knownMagic(magic uint32) bool {
	switch magic {
	case MagicV1, MagicV3, MagicSpecific, MagicCompV1, MagicForeign:
		return true
	}
	return false
}

// withObjects reports whether a plain record carries stripe object
// records: always for SPECIFIC (the explicit target list), and for
// fully-defined stripings of any plain kind.
func withObjects(magic uint32, defined bool) bool {
	return defined || magic == MagicSpecific
}

func decodePlain(buf []byte, order binary.ByteOrder, defined bool) (*Plain, error) {
	if len(buf) < V1HeaderSize {
		return nil, fmt.Errorf(`%w: plain record truncated at %d bytes`, ErrInvalid, len(buf))
	}
	p := Plain{
		Magic:        order.Uint32(buf[0:]) &^ MagicDefined,
		Pattern:      order.Uint32(buf[4:]),
		ObjectID:     order.Uint64(buf[8:]),
		ObjectSeq:    order.Uint64(buf[16:]),
		StripeSize:   order.Uint32(buf[24:]),
		StripeCount:  order.Uint16(buf[28:]),
		StripeOffset: order.Uint16(buf[30:]),
	}
	off := V1HeaderSize
	if p.Magic != MagicV1 {
		if len(buf) < V3HeaderSize {
			return nil, fmt.Errorf(`%w: v3 record truncated at %d bytes`, ErrInvalid, len(buf))
		}
		p.Pool = poolString(buf[off : off+PoolNameSize])
		off = V3HeaderSize
	}
	if withObjects(p.Magic, defined) {
		n := int(p.StripeCount)
		if len(buf) < off+n*ObjectSize {
			return nil, fmt.Errorf(`%w: %d stripe objects do not fit in %d bytes`, ErrInvalid, n, len(buf))
		}
		p.Objects = make([]ObjectRef, n)
		for i := range p.Objects {
			o := buf[off+i*ObjectSize:]
			p.Objects[i] = ObjectRef{
				ID:    order.Uint64(o[0:]),
				Seq:   order.Uint64(o[8:]),
				Gen:   order.Uint32(o[16:]),
				Index: order.Uint32(o[20:]),
			}
		}
	}
	return &p, nil
}

func decodeComp(buf []byte, order binary.ByteOrder, defined bool) (*Composite, error) {
	if len(buf) < CompHeaderSize {
		return nil, fmt.Errorf(`%w: composite header truncated at %d bytes`, ErrInvalid, len(buf))
	}
	c := Composite{
		LayoutGen:   order.Uint32(buf[8:]),
		Flags:       order.Uint16(buf[12:]),
		MirrorCount: order.Uint16(buf[16:]),
	}
	entryCount := int(order.Uint16(buf[14:]))
	if entryCount == 0 {
		return nil, fmt.Errorf(`%w: composite record with no entries`, ErrInvalid)
	}
	if len(buf) < CompHeaderSize+entryCount*CompEntrySize {
		return nil, fmt.Errorf(`%w: %d composite entries do not fit in %d bytes`, ErrInvalid, entryCount, len(buf))
	}
	c.Entries = make([]CompEntry, entryCount)
	for i := range c.Entries {
		e := buf[CompHeaderSize+i*CompEntrySize:]
		ent := CompEntry{
			ID:        order.Uint32(e[0:]),
			Flags:     order.Uint32(e[4:]),
			Start:     order.Uint64(e[8:]),
			End:       order.Uint64(e[16:]),
			LayoutGen: order.Uint32(e[32:]),
			Timestamp: order.Uint64(e[40:]),
		}
		off := int(order.Uint32(e[24:]))
		size := int(order.Uint32(e[28:]))
		if off < CompHeaderSize || size < V1HeaderSize || off+size > len(buf) {
			return nil, fmt.Errorf(`%w: composite entry %d sub-record out of bounds`, ErrInvalid, i)
		}
		sub := buf[off : off+size]
		subMagic := order.Uint32(sub) &^ MagicDefined
		if subMagic != MagicV1 && subMagic != MagicV3 && subMagic != MagicSpecific {
			return nil, fmt.Errorf(`%w: composite entry %d magic %#x`, ErrInvalid, i, subMagic)
		}
		p, err := decodePlain(sub, order, defined)
		if err != nil {
			return nil, err
		}
		ent.Layout = p
		c.Entries[i] = ent
	}
	return &c, nil
}

func decodeForeign(buf []byte, order binary.ByteOrder) (*Foreign, error) {
	if len(buf) < ForeignHdrSize {
		return nil, fmt.Errorf(`%w: foreign header truncated at %d bytes`, ErrInvalid, len(buf))
	}
	length := int(order.Uint32(buf[4:]))
	if len(buf) < ForeignHdrSize+length {
		return nil, fmt.Errorf(`%w: foreign value of %d bytes does not fit in %d`, ErrInvalid, length, len(buf))
	}
	f := Foreign{
		Type:  order.Uint32(buf[8:]),
		Flags: order.Uint32(buf[12:]),
	}
	if length > 0 {
		f.Value = make([]byte, length)
		copy(f.Value, buf[ForeignHdrSize:])
	}
	return &f, nil
}

func poolString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
