// This file defines the wire message shapes named in spec §6: the byte-for-byte formats
// the transport carries, independent of any particular transport implementation.
package wire

import (
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
)

// Action discriminates a ControlOperation's effect on group membership.
type Action uint8

const (
	ActionCreate Action = iota
	ActionAdd
	ActionRemove
	ActionPromote
	ActionDemote
	ActionAck
	ActionPcsUpdate
)

// DirectMessage is one 2SM-sealed payload addressed to a single recipient, carried
// alongside a ControlOperation so the DCGKA seed/member-secret reaches every other
// member in the same broadcast.
type DirectMessage struct {
	Recipient  identity.ID
	Ciphertext []byte
}

// InitialMember is one (member, access) pair in a Create action's initial membership.
type InitialMember struct {
	Member identity.ID
	Access identity.Access
}

// ControlOperation is a signed membership-changing or acknowledgment message, per spec
// §6. Access and Target are nil unless Action needs them (Promote/Demote/Add need both,
// Remove needs only Target, Ack/PcsUpdate need neither).
//
// TargetMemberCounter/TargetAccessCounter carry the CRDT counters the sender computed for
// Target when it locally applied this action (authgroup §4.D); a receiver merges a
// single-member delta built from these rather than re-running the precondition-checked
// local mutator, which is what keeps concurrent Promote/Demote application
// order-independent (spec §8 property 7, scenario S4) instead of racily rejecting one side
// of a concurrent pair. AckOf names the control operation an Ack covers; EpochMembers is
// the exact membership list BeginUpdate ran over, so every recipient's DCGKA.ReceiveSeed
// derives the identical set of per-member secrets the sender did (spec §4.F).
type ControlOperation struct {
	Version             uint8
	Sender              identity.ID
	Seq                 uint64
	Previous            []OperationId
	Action              Action
	Access              *identity.Access
	Target              *identity.ID
	TargetMemberCounter uint64
	TargetAccessCounter uint64
	InitialMembers      []InitialMember
	EpochMembers        []identity.ID
	AckOf               *OperationId
	DirectMessages      []DirectMessage
	Signature           [64]byte
}

// CanonicalBytes returns the canonical encoding of every field except Signature, per spec
// §6 ("signatures are XEdDSA over the canonical serialization of all other fields"). The
// caller (internal/space) signs and verifies this directly against internal/crypto's
// XEdDSA functions; this package stays independent of internal/crypto to avoid a cycle.
func (op ControlOperation) CanonicalBytes() []byte {
	e := NewEncoder().U8(op.Version).Raw(op.Sender[:]).U64(op.Seq)
	e.U64(uint64(len(op.Previous)))
	for _, p := range op.Previous {
		e.Bytes32([32]byte(p))
	}
	e.U8(uint8(op.Action))

	hasAccess := op.Access != nil
	e.U8(boolByte(hasAccess))
	if hasAccess {
		e.U8(uint8(*op.Access))
	}
	hasTarget := op.Target != nil
	e.U8(boolByte(hasTarget))
	if hasTarget {
		e.Raw((*op.Target)[:])
	}
	e.U64(op.TargetMemberCounter).U64(op.TargetAccessCounter)

	e.U64(uint64(len(op.InitialMembers)))
	for _, m := range op.InitialMembers {
		e.Raw(m.Member[:]).U8(uint8(m.Access))
	}

	e.U64(uint64(len(op.EpochMembers)))
	for _, m := range op.EpochMembers {
		e.Raw(m[:])
	}

	hasAckOf := op.AckOf != nil
	e.U8(boolByte(hasAckOf))
	if hasAckOf {
		e.Bytes32([32]byte(*op.AckOf))
	}

	e.U64(uint64(len(op.DirectMessages)))
	for _, d := range op.DirectMessages {
		e.Raw(d.Recipient[:]).LengthPrefixed(d.Ciphertext)
	}
	return e.Bytes()
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// ID returns this operation's content-addressed OperationId.
func (op ControlOperation) ID() OperationId {
	return HashOperation(op.CanonicalBytes())
}

// Encode returns the full transport encoding: the canonical fields followed by the
// signature, per spec §6.
func (op ControlOperation) Encode() []byte {
	e := NewEncoder().Raw(op.CanonicalBytes()).Raw(op.Signature[:])
	return e.Bytes()
}

// DecodeControlOperation reverses Encode.
func DecodeControlOperation(b []byte) (ControlOperation, error) {
	d := NewDecoder(b)
	var op ControlOperation
	var err error

	if op.Version, err = d.U8(); err != nil {
		return op, err
	}
	if op.Sender, err = d.ID(); err != nil {
		return op, err
	}
	if op.Seq, err = d.U64(); err != nil {
		return op, err
	}

	prevCount, err := d.U64()
	if err != nil {
		return op, err
	}
	op.Previous = make([]OperationId, prevCount)
	for i := range op.Previous {
		if op.Previous[i], err = d.OperationId(); err != nil {
			return op, err
		}
	}

	action, err := d.U8()
	if err != nil {
		return op, err
	}
	op.Action = Action(action)

	hasAccess, err := d.U8()
	if err != nil {
		return op, err
	}
	if hasAccess != 0 {
		lvl, err := d.U8()
		if err != nil {
			return op, err
		}
		access := identity.Access(lvl)
		op.Access = &access
	}

	hasTarget, err := d.U8()
	if err != nil {
		return op, err
	}
	if hasTarget != 0 {
		target, err := d.ID()
		if err != nil {
			return op, err
		}
		op.Target = &target
	}

	if op.TargetMemberCounter, err = d.U64(); err != nil {
		return op, err
	}
	if op.TargetAccessCounter, err = d.U64(); err != nil {
		return op, err
	}

	memberCount, err := d.U64()
	if err != nil {
		return op, err
	}
	op.InitialMembers = make([]InitialMember, memberCount)
	for i := range op.InitialMembers {
		member, err := d.ID()
		if err != nil {
			return op, err
		}
		lvl, err := d.U8()
		if err != nil {
			return op, err
		}
		op.InitialMembers[i] = InitialMember{Member: member, Access: identity.Access(lvl)}
	}

	epochMemberCount, err := d.U64()
	if err != nil {
		return op, err
	}
	op.EpochMembers = make([]identity.ID, epochMemberCount)
	for i := range op.EpochMembers {
		if op.EpochMembers[i], err = d.ID(); err != nil {
			return op, err
		}
	}

	hasAckOf, err := d.U8()
	if err != nil {
		return op, err
	}
	if hasAckOf != 0 {
		ackOf, err := d.OperationId()
		if err != nil {
			return op, err
		}
		op.AckOf = &ackOf
	}

	dmCount, err := d.U64()
	if err != nil {
		return op, err
	}
	op.DirectMessages = make([]DirectMessage, dmCount)
	for i := range op.DirectMessages {
		recipient, err := d.ID()
		if err != nil {
			return op, err
		}
		ciphertext, err := d.LengthPrefixed()
		if err != nil {
			return op, err
		}
		op.DirectMessages[i] = DirectMessage{Recipient: recipient, Ciphertext: ciphertext}
	}

	sig, err := d.Raw(64)
	if err != nil {
		return op, err
	}
	copy(op.Signature[:], sig)

	if !d.Done() {
		return op, spaceerr.New(spaceerr.KindUnexpectedMessage, "trailing bytes after control operation")
	}
	return op, nil
}

// ApplicationMessage is a signed, ratchet-encrypted payload, per spec §6.
type ApplicationMessage struct {
	Version    uint8
	Sender     identity.ID
	Seq        uint64
	Previous   []OperationId
	EpochRef   OperationId
	Generation uint64
	Nonce      [24]byte
	Ciphertext []byte
	Signature  [64]byte
}

func (m ApplicationMessage) CanonicalBytes() []byte {
	e := NewEncoder().U8(m.Version).Raw(m.Sender[:]).U64(m.Seq)
	e.U64(uint64(len(m.Previous)))
	for _, p := range m.Previous {
		e.Bytes32([32]byte(p))
	}
	e.Bytes32([32]byte(m.EpochRef)).U64(m.Generation).Raw(m.Nonce[:]).LengthPrefixed(m.Ciphertext)
	return e.Bytes()
}

// ID returns this message's content-addressed OperationId.
func (m ApplicationMessage) ID() OperationId {
	return HashOperation(m.CanonicalBytes())
}

// Encode returns the full transport encoding: canonical fields followed by the signature.
func (m ApplicationMessage) Encode() []byte {
	e := NewEncoder().Raw(m.CanonicalBytes()).Raw(m.Signature[:])
	return e.Bytes()
}

// DecodeApplicationMessage reverses Encode.
func DecodeApplicationMessage(b []byte) (ApplicationMessage, error) {
	d := NewDecoder(b)
	var m ApplicationMessage
	var err error

	if m.Version, err = d.U8(); err != nil {
		return m, err
	}
	if m.Sender, err = d.ID(); err != nil {
		return m, err
	}
	if m.Seq, err = d.U64(); err != nil {
		return m, err
	}

	prevCount, err := d.U64()
	if err != nil {
		return m, err
	}
	m.Previous = make([]OperationId, prevCount)
	for i := range m.Previous {
		if m.Previous[i], err = d.OperationId(); err != nil {
			return m, err
		}
	}

	if m.EpochRef, err = d.OperationId(); err != nil {
		return m, err
	}
	if m.Generation, err = d.U64(); err != nil {
		return m, err
	}
	nonce, err := d.Raw(24)
	if err != nil {
		return m, err
	}
	copy(m.Nonce[:], nonce)
	if m.Ciphertext, err = d.LengthPrefixed(); err != nil {
		return m, err
	}
	sig, err := d.Raw(64)
	if err != nil {
		return m, err
	}
	copy(m.Signature[:], sig)

	if !d.Done() {
		return m, spaceerr.New(spaceerr.KindUnexpectedMessage, "trailing bytes after application message")
	}
	return m, nil
}

// FrameKind discriminates which message type a Frame carries, so a single
// transport.Send/OnReceive byte stream can multiplex both (spec §6's two message shapes
// share one wire).
type FrameKind uint8

const (
	FrameControl FrameKind = iota
	FrameApplication
)

// EncodeFrame prefixes payload (an already-encoded ControlOperation or ApplicationMessage)
// with a one-byte kind discriminant.
func EncodeFrame(kind FrameKind, payload []byte) []byte {
	return append([]byte{uint8(kind)}, payload...)
}

// DecodeFrame splits a frame into its kind and payload.
func DecodeFrame(b []byte) (FrameKind, []byte, error) {
	if len(b) < 1 {
		return 0, nil, spaceerr.New(spaceerr.KindUnexpectedMessage, "empty frame")
	}
	return FrameKind(b[0]), b[1:], nil
}

// PreKeyBundleWire is the publishable form of a keymanager.Bundle, per spec §6; Lifetime
// is (not-before, not-after) as Unix seconds, checked by the consumer before use
// (keymanager.VerifyBundle's verify_lifetime/verify_signature checks). SigningKey carries
// this module's HKDF-derived XEdDSA signing public key alongside IdentityKey: unlike the
// reference XEdDSA construction, internal/crypto cannot rederive the signing key from the
// X25519 public key alone (see internal/crypto/xeddsa.go), so it must travel on the wire
// too.
type PreKeyBundleWire struct {
	IdentityKey     identity.ID
	SigningKey      [32]byte
	SignedPrekey    [32]byte
	Lifetime        [2]uint64
	PrekeySignature [64]byte
	OnetimeID       *uint64
	OnetimeKey      *[32]byte
}

// EncodePreKeyBundle returns b's canonical byte encoding for directory storage/transport.
func EncodePreKeyBundle(b PreKeyBundleWire) []byte {
	e := NewEncoder().Raw(b.IdentityKey[:]).Raw(b.SigningKey[:]).Raw(b.SignedPrekey[:])
	e.U64(b.Lifetime[0]).U64(b.Lifetime[1]).Raw(b.PrekeySignature[:])

	hasOnetime := b.OnetimeID != nil && b.OnetimeKey != nil
	e.U8(boolByte(hasOnetime))
	if hasOnetime {
		e.U64(*b.OnetimeID).Raw(b.OnetimeKey[:])
	}
	return e.Bytes()
}

// DecodePreKeyBundle reverses EncodePreKeyBundle.
func DecodePreKeyBundle(buf []byte) (PreKeyBundleWire, error) {
	d := NewDecoder(buf)
	var b PreKeyBundleWire
	var err error

	if b.IdentityKey, err = d.ID(); err != nil {
		return b, err
	}
	signingKey, err := d.Bytes32()
	if err != nil {
		return b, err
	}
	b.SigningKey = signingKey
	signedPrekey, err := d.Bytes32()
	if err != nil {
		return b, err
	}
	b.SignedPrekey = signedPrekey

	if b.Lifetime[0], err = d.U64(); err != nil {
		return b, err
	}
	if b.Lifetime[1], err = d.U64(); err != nil {
		return b, err
	}

	sig, err := d.Raw(64)
	if err != nil {
		return b, err
	}
	copy(b.PrekeySignature[:], sig)

	hasOnetime, err := d.U8()
	if err != nil {
		return b, err
	}
	if hasOnetime != 0 {
		id, err := d.U64()
		if err != nil {
			return b, err
		}
		key, err := d.Bytes32()
		if err != nil {
			return b, err
		}
		b.OnetimeID = &id
		b.OnetimeKey = &key
	}

	if !d.Done() {
		return b, spaceerr.New(spaceerr.KindUnexpectedMessage, "trailing bytes after prekey bundle")
	}
	return b, nil
}

// TwoPartyEnvelope is an opaque 2SM payload; the core only stores and forwards it, per
// spec §6 ("the core only stores/forwards it").
type TwoPartyEnvelope struct {
	Counter    uint64
	Ciphertext []byte
}
