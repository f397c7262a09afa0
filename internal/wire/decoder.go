package wire

import (
	"encoding/binary"

	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
)

// Decoder reads canonical fields off a cursor into buf, the mirror of Encoder. Every
// read method returns spaceerr.KindUnexpectedMessage on a short buffer, per spec §7
// ("control operation references an unknown prior operation or has malformed fields").
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential reads starting at offset 0.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) need(n int) error {
	if len(d.buf)-d.pos < n {
		return spaceerr.New(spaceerr.KindUnexpectedMessage, "truncated canonical encoding")
	}
	return nil
}

// U8 reads a single byte.
func (d *Decoder) U8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// U64 reads 8 little-endian bytes.
func (d *Decoder) U64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

// Raw reads n bytes verbatim.
func (d *Decoder) Raw(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	out := append([]byte{}, d.buf[d.pos:d.pos+n]...)
	d.pos += n
	return out, nil
}

// Bytes32 reads a fixed 32-byte array.
func (d *Decoder) Bytes32() ([32]byte, error) {
	var out [32]byte
	raw, err := d.Raw(32)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

// ID reads a 32-byte identity.ID.
func (d *Decoder) ID() (identity.ID, error) {
	raw, err := d.Bytes32()
	return identity.ID(raw), err
}

// OperationId reads a 32-byte OperationId.
func (d *Decoder) OperationId() (OperationId, error) {
	raw, err := d.Bytes32()
	return OperationId(raw), err
}

// LengthPrefixed reads a u64 length followed by that many raw bytes.
func (d *Decoder) LengthPrefixed() ([]byte, error) {
	n, err := d.U64()
	if err != nil {
		return nil, err
	}
	return d.Raw(int(n))
}

// Remaining reports how many bytes are left unread.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Done reports whether every byte has been consumed.
func (d *Decoder) Done() bool {
	return d.Remaining() == 0
}
