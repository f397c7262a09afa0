// Package wire implements the canonical byte encoding described in spec §6: little-endian
// fixed-width integers, raw (non-hex) fixed-length byte fields, map entries sorted by key,
// arrays in declaration order. OperationId is the hash of this encoding excluding the
// signature field.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// OperationId is a 32-byte content hash of a signed operation's canonical encoding,
// excluding the signature. Globally unique; ties are broken by byte-ascending order.
type OperationId [32]byte

// Less implements the total order ties are broken with throughout the orderer and CRDT.
func (id OperationId) Less(other OperationId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Encoder accumulates canonical bytes for hashing or signing.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated canonical encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

// U8 appends a single byte.
func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

// U64 appends v as 8 little-endian bytes, per spec §6 ("all integers are little-endian
// unsigned").
func (e *Encoder) U64(v uint64) *Encoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// Raw appends b verbatim (fixed-length fields are raw bytes, never hex-encoded).
func (e *Encoder) Raw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// Bytes32 appends a 32-byte array verbatim.
func (e *Encoder) Bytes32(b [32]byte) *Encoder {
	e.buf = append(e.buf, b[:]...)
	return e
}

// LengthPrefixed appends a u64 length followed by b, for variable-length fields (arrays,
// ciphertexts).
func (e *Encoder) LengthPrefixed(b []byte) *Encoder {
	e.U64(uint64(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// SortedMapEntry is one entry of a canonically-ordered map encoding.
type SortedMapEntry struct {
	Key   []byte
	Value []byte
}

// SortedMap appends entries ordered by Key ascending, per spec §6 ("canonical serialization
// sorts map entries by key").
func (e *Encoder) SortedMap(entries []SortedMapEntry) *Encoder {
	sorted := make([]SortedMapEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return compareBytes(sorted[i].Key, sorted[j].Key) < 0
	})
	e.U64(uint64(len(sorted)))
	for _, entry := range sorted {
		e.LengthPrefixed(entry.Key)
		e.LengthPrefixed(entry.Value)
	}
	return e
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// HashOperation returns the OperationId for a canonical encoding excluding the signature.
//
// The spec names BLAKE3 (or SHA-256 as a fallback) for this hash. No BLAKE3 package is
// present in this module's dependency set, so SHA-256 is used throughout; operation ids
// only need to be collision-resistant and locally unique, not interoperable with any other
// implementation, so this substitution does not change any observable protocol behavior.
// See DESIGN.md.
func HashOperation(canonicalWithoutSignature []byte) OperationId {
	return OperationId(sha256.Sum256(canonicalWithoutSignature))
}
