package layout

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTrip(t *testing.T, rec any, defined bool) {
	t.Helper()
	buf, err := Encode(rec, defined)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, gotDefined, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotDefined != defined {
		t.Fatalf("Expected defined=%v, got %v", defined, gotDefined)
	}
	if diff := cmp.Diff(rec, got); diff != `` {
		t.Fatalf("Round trip mismatch (-want +got):\n%s", diff)
	}

	// byte-swapped encode followed by parse yields the native-order record
	if defined {
		return // the defined bit is only recognized in wire order
	}
	buf, err = EncodeOrder(rec, defined, binary.BigEndian)
	if err != nil {
		t.Fatalf("EncodeOrder: %v", err)
	}
	got, _, err = Decode(buf)
	if err != nil {
		t.Fatalf("Decode swapped: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != `` {
		t.Fatalf("Swapped round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip_V1(t *testing.T) {
	roundTrip(t, &Plain{
		Magic:        MagicV1,
		Pattern:      PatternRAID0,
		StripeSize:   1 << 20,
		StripeCount:  4,
		StripeOffset: 0xffff,
	}, false)
}

func TestRoundTrip_V3(t *testing.T) {
	roundTrip(t, &Plain{
		Magic:        MagicV3,
		Pattern:      PatternRAID0 | PatternOverstriping,
		StripeSize:   4 << 20,
		StripeCount:  2,
		StripeOffset: 3,
		Pool:         `archive`,
	}, false)
}

func TestRoundTrip_Specific(t *testing.T) {
	roundTrip(t, &Plain{
		Magic:        MagicSpecific,
		Pattern:      PatternRAID0,
		StripeSize:   1 << 20,
		StripeCount:  3,
		StripeOffset: 5,
		Pool:         `fast`,
		Objects: []ObjectRef{
			{Index: 5}, {Index: 9}, {Index: 2},
		},
	}, false)
}

func TestRoundTrip_DefinedV1(t *testing.T) {
	roundTrip(t, &Plain{
		Magic:       MagicV1,
		Pattern:     PatternRAID0,
		StripeSize:  1 << 20,
		StripeCount: 2,
		Objects: []ObjectRef{
			{ID: 0xdead, Seq: 0x10000, Gen: 1, Index: 0},
			{ID: 0xbeef, Seq: 0x10000, Gen: 1, Index: 3},
		},
	}, true)
}

func TestRoundTrip_Composite(t *testing.T) {
	roundTrip(t, &Composite{
		LayoutGen:   7,
		Flags:       1,
		MirrorCount: 1,
		Entries: []CompEntry{
			{
				ID:     1<<16 | 1,
				Flags:  FlagInit,
				Start:  0,
				End:    1 << 26,
				Layout: &Plain{Magic: MagicV1, Pattern: PatternRAID0, StripeSize: 1 << 20, StripeCount: 1},
			},
			{
				ID:        2<<16 | 1,
				Flags:     FlagNoSync,
				Start:     0,
				End:       1 << 26,
				Timestamp: 0x5eadbeef,
				Layout: &Plain{Magic: MagicV3, Pattern: PatternRAID0, StripeSize: 1 << 20,
					StripeCount: 1, StripeOffset: 0xffff, Pool: `mirror2`},
			},
		},
	}, false)
}

func TestRoundTrip_Foreign(t *testing.T) {
	roundTrip(t, &Foreign{
		Type:  42,
		Flags: 3,
		Value: []byte(`daos-layout-blob`),
	}, false)
}

func TestDecode_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{`short`, []byte{1, 2}},
		{`unknown magic`, []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}},
		{`truncated v1`, func() []byte {
			buf, _ := Encode(&Plain{Magic: MagicV1, StripeCount: 1}, false)
			return buf[:16]
		}()},
		{`specific objects overflow`, func() []byte {
			buf, _ := Encode(&Plain{
				Magic: MagicSpecific, StripeCount: 2,
				Objects: []ObjectRef{{Index: 0}, {Index: 1}},
			}, false)
			return buf[:len(buf)-8]
		}()},
		{`foreign truncated`, func() []byte {
			buf, _ := Encode(&Foreign{Value: []byte(`abcdef`)}, false)
			return buf[:len(buf)-3]
		}()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Decode(tc.buf); err == nil {
				t.Fatal("Expected an error")
			}
		})
	}
}

func TestDecode_CompositeNoEntries(t *testing.T) {
	buf := make([]byte, CompHeaderSize)
	binary.LittleEndian.PutUint32(buf, MagicCompV1)
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("Expected an error for a composite record with no entries")
	}
}

func TestMaxStripeCount(t *testing.T) {
	if got := MaxStripeCount(V3HeaderSize); got != 0 {
		t.Fatalf("Expected 0, got %d", got)
	}
	if got := MaxStripeCount(V3HeaderSize + 3*ObjectSize); got != 3 {
		t.Fatalf("Expected 3, got %d", got)
	}
}
