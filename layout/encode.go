package layout

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a *Plain, *Composite, or *Foreign record in wire
// (little-endian) order. Set defined to mark the record as a fully-bound
// striping; plain records then always include their stripe objects.
func Encode(rec any, defined bool) ([]byte, error) {
	return EncodeOrder(rec, defined, binary.LittleEndian)
}

// EncodeOrder is Encode with an explicit byte order, exercising the
// byte-swapped decode path of an opposite-endian writer.
func EncodeOrder(rec any, defined bool, order binary.ByteOrder) ([]byte, error) {
	switch v := rec.(type) {
	case *Plain:
		return encodePlain(v, defined, order)
	case *Composite:
		return encodeComp(v, defined, order)
	case *Foreign:
		return encodeForeign(v, order)
	}
	return nil, fmt.Errorf(`%w: cannot encode %T`, ErrInvalid, rec)
}

func plainMagic(p *Plain, defined bool) (uint32, error) {
	switch p.Magic {
	case MagicV1, MagicV3, MagicSpecific:
	default:
		return 0, fmt.Errorf(`%w: plain magic %#x`, ErrInvalid, p.Magic)
	}
	magic := p.Magic
	if defined {
		magic |= MagicDefined
	}
	return magic, nil
}

func encodePlain(p *Plain, defined bool, order binary.ByteOrder) ([]byte, error) {
	magic, err := plainMagic(p, defined)
	if err != nil {
		return nil, err
	}
	objs := withObjects(p.Magic, defined)
	if objs && len(p.Objects) != int(p.StripeCount) {
		return nil, fmt.Errorf(`%w: %d stripe objects for stripe count %d`, ErrInvalid, len(p.Objects), p.StripeCount)
	}
	if len(p.Pool) > PoolNameSize-1 {
		return nil, fmt.Errorf(`%w: pool name %q too long`, ErrInvalid, p.Pool)
	}

	n := 0
	if objs {
		n = len(p.Objects)
	}
	buf := make([]byte, RecordSize(n, p.Magic != MagicV1))
	order.PutUint32(buf[0:], magic)
	order.PutUint32(buf[4:], p.Pattern)
	order.PutUint64(buf[8:], p.ObjectID)
	order.PutUint64(buf[16:], p.ObjectSeq)
	order.PutUint32(buf[24:], p.StripeSize)
	order.PutUint16(buf[28:], p.StripeCount)
	order.PutUint16(buf[30:], p.StripeOffset)
	off := V1HeaderSize
	if p.Magic != MagicV1 {
		copy(buf[off:off+PoolNameSize], p.Pool)
		off = V3HeaderSize
	}
	if objs {
		for i, o := range p.Objects {
			b := buf[off+i*ObjectSize:]
			order.PutUint64(b[0:], o.ID)
			order.PutUint64(b[8:], o.Seq)
			order.PutUint32(b[16:], o.Gen)
			order.PutUint32(b[20:], o.Index)
		}
	}
	return buf, nil
}

func encodeComp(c *Composite, defined bool, order binary.ByteOrder) ([]byte, error) {
	if len(c.Entries) == 0 {
		return nil, fmt.Errorf(`%w: composite record with no entries`, ErrInvalid)
	}
	subs := make([][]byte, len(c.Entries))
	size := CompHeaderSize + len(c.Entries)*CompEntrySize
	for i := range c.Entries {
		if c.Entries[i].Layout == nil {
			return nil, fmt.Errorf(`%w: composite entry %d has no sub-record`, ErrInvalid, i)
		}
		sub, err := encodePlain(c.Entries[i].Layout, defined, order)
		if err != nil {
			return nil, err
		}
		subs[i] = sub
		size += len(sub)
	}

	buf := make([]byte, size)
	magic := MagicCompV1
	if defined {
		magic |= MagicDefined
	}
	order.PutUint32(buf[0:], magic)
	order.PutUint32(buf[4:], uint32(size))
	order.PutUint32(buf[8:], c.LayoutGen)
	order.PutUint16(buf[12:], c.Flags)
	order.PutUint16(buf[14:], uint16(len(c.Entries)))
	order.PutUint16(buf[16:], c.MirrorCount)

	off := CompHeaderSize + len(c.Entries)*CompEntrySize
	for i := range c.Entries {
		ent := &c.Entries[i]
		e := buf[CompHeaderSize+i*CompEntrySize:]
		order.PutUint32(e[0:], ent.ID)
		order.PutUint32(e[4:], ent.Flags)
		order.PutUint64(e[8:], ent.Start)
		order.PutUint64(e[16:], ent.End)
		order.PutUint32(e[24:], uint32(off))
		order.PutUint32(e[28:], uint32(len(subs[i])))
		order.PutUint32(e[32:], ent.LayoutGen)
		order.PutUint64(e[40:], ent.Timestamp)
		copy(buf[off:], subs[i])
		off += len(subs[i])
	}
	return buf, nil
}

func encodeForeign(f *Foreign, order binary.ByteOrder) ([]byte, error) {
	buf := make([]byte, ForeignHdrSize+len(f.Value))
	order.PutUint32(buf[0:], MagicForeign)
	order.PutUint32(buf[4:], uint32(len(f.Value)))
	order.PutUint32(buf[8:], f.Type)
	order.PutUint32(buf[12:], f.Flags)
	copy(buf[ForeignHdrSize:], f.Value)
	return buf, nil
}
