// Package layout encodes and decodes striping records: the wire and on-disk
// form of a file's striping hint or fully-defined striping.
//
// Five record kinds are supported, distinguished by magic: plain V1, V3
// (V1 plus a pool name), SPECIFIC (V3 plus an explicit target list),
// COMP_V1 (composite: a header plus per-component entries, each pointing at
// an embedded V1/V3 sub-record), and FOREIGN (an opaque blob kept
// verbatim). All multi-byte fields are little-endian on the wire; records
// written by an opposite-endian host are recognized by their byte-swapped
// magic and decoded accordingly.
//
// A magic with the defined bit set marks a fully-bound striping, carrying
// stripe object references to hydrate rather than a hint to allocate from.
package layout
