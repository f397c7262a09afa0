// Package dcgka implements the Decentralized Continuous Group Key Agreement engine (spec
// §4.F): the seed/member-secret/update-secret flow that lets every group member converge
// on the same sequence of per-sender outer ratchet secrets, with strong forward secrecy
// and post-compromise security, regardless of delivery order. Follows Weidner, Kleppmann,
// Hugenroth, Beresford, "Key Agreement for Decentralized Secure Group Messaging with
// Strong Security Guarantees" (eprint 2020/1281), grounded structurally on
// original_source/p2panda-group/src/message_scheme/dcgka.rs's DcgkaState field layout
// (next_seed, member_secrets keyed (sender, seq, member), per-sender ratchet map).
package dcgka

import (
	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/wire"
)

// ChainSecret is a 256-bit outer ratchet or update secret.
type ChainSecret [32]byte

// Seed is the fresh random value an initiator generates for a membership change or PCS
// update, delivered to every other member over 2SM and never stored beyond the derivation
// that consumes it.
type Seed [32]byte

// Key identifies one pending member secret: the sender who generated it, the operation
// sequence it was generated for, and the member it was generated for.
type Key struct {
	Sender identity.ID
	Seq    uint64
	Member identity.ID
}

// State is one member's DCGKA state. MemberSecrets holds every not-yet-acknowledged
// per-member secret derived from a seed this member has seen, the original paper's
// "member_secrets" map; keeping only these (never the seed itself) bounds what a later
// compromise of local state can expose, per spec §4.F.
type State struct {
	MyID          identity.ID
	MemberSecrets map[Key]ChainSecret
	Ratchet       map[identity.ID]ChainSecret
}

// Init returns an empty DCGKA state for myID.
func Init(myID identity.ID) State {
	return State{
		MyID:          myID,
		MemberSecrets: make(map[Key]ChainSecret),
		Ratchet:       make(map[identity.ID]ChainSecret),
	}
}

func (s State) clone() State {
	out := State{
		MyID:          s.MyID,
		MemberSecrets: make(map[Key]ChainSecret, len(s.MemberSecrets)),
		Ratchet:       make(map[identity.ID]ChainSecret, len(s.Ratchet)),
	}
	for k, v := range s.MemberSecrets {
		out.MemberSecrets[k] = v
	}
	for k, v := range s.Ratchet {
		out.Ratchet[k] = v
	}
	return out
}

var memberSecretInfo = []byte("spacecore-dcgka-member-secret-v1")
var updateSecretInfo = []byte("spacecore-dcgka-update-secret-v1")

func deriveMemberSecret(seed Seed, sender identity.ID, seq uint64, member identity.ID) (ChainSecret, error) {
	salt := wire.NewEncoder().Raw(sender[:]).U64(seq).Raw(member[:]).Bytes()
	out, err := crypto.HKDFDerive(seed[:], salt, memberSecretInfo, 32)
	if err != nil {
		return ChainSecret{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "derive member secret", err)
	}
	var secret ChainSecret
	copy(secret[:], out)
	return secret, nil
}

func deriveUpdateSecret(memberSecret ChainSecret, prevChain ChainSecret) (ChainSecret, error) {
	out, err := crypto.HKDFDerive(memberSecret[:], prevChain[:], updateSecretInfo, 32)
	if err != nil {
		return ChainSecret{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "derive update secret", err)
	}
	var secret ChainSecret
	copy(secret[:], out)
	return secret, nil
}

// BeginUpdate starts a membership change or PCS update this member initiates for
// operation seq, covering every member in the group's post-change membership list
// (members must include the initiator itself). It derives one member secret per member
// from a freshly generated seed, immediately consumes its own entry to advance its own
// ratchet (the initiator never sends itself a 2SM message, so there is no Ack to wait
// for), and returns the seed for the caller to deliver to every other member over 2SM,
// plus the resulting update secret the initiator's own message ratchet should be seeded
// with.
func BeginUpdate(s State, seq uint64, members []identity.ID, rng *crypto.Rng) (State, Seed, ChainSecret, error) {
	rawSeed, err := rng.RandomArray32()
	if err != nil {
		return s, Seed{}, ChainSecret{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate dcgka seed", err)
	}
	seed := Seed(rawSeed)

	out := s.clone()
	for _, member := range members {
		secret, err := deriveMemberSecret(seed, s.MyID, seq, member)
		if err != nil {
			return s, Seed{}, ChainSecret{}, err
		}
		out.MemberSecrets[Key{Sender: s.MyID, Seq: seq, Member: member}] = secret
	}

	selfKey := Key{Sender: s.MyID, Seq: seq, Member: s.MyID}
	selfSecret := out.MemberSecrets[selfKey]
	updateSecret, err := deriveUpdateSecret(selfSecret, out.Ratchet[s.MyID])
	if err != nil {
		return s, Seed{}, ChainSecret{}, err
	}
	out.Ratchet[s.MyID] = updateSecret
	delete(out.MemberSecrets, selfKey)

	return out, seed, updateSecret, nil
}

// ReceiveSeed processes a seed delivered via 2SM from sender for operation seq, covering
// the same members list BeginUpdate was called with on sender's side. It derives and
// stores every member's secret (so later Acks from other recipients can be processed
// without another 2SM round trip), then immediately consumes this member's own entry to
// advance sender's ratchet, returning the update secret to seed the message ratchet for
// sender with. The caller broadcasts an Ack for (sender, seq) after this returns.
func ReceiveSeed(s State, sender identity.ID, seq uint64, seed Seed, members []identity.ID) (State, ChainSecret, error) {
	out := s.clone()
	for _, member := range members {
		secret, err := deriveMemberSecret(seed, sender, seq, member)
		if err != nil {
			return s, ChainSecret{}, err
		}
		out.MemberSecrets[Key{Sender: sender, Seq: seq, Member: member}] = secret
	}

	ownKey := Key{Sender: sender, Seq: seq, Member: s.MyID}
	ownSecret, ok := out.MemberSecrets[ownKey]
	if !ok {
		return s, ChainSecret{}, spaceerr.New(spaceerr.KindCannotDecryptDirect, "no member secret derived for self in received seed")
	}
	updateSecret, err := deriveUpdateSecret(ownSecret, out.Ratchet[sender])
	if err != nil {
		return s, ChainSecret{}, err
	}
	out.Ratchet[sender] = updateSecret
	delete(out.MemberSecrets, ownKey)

	return out, updateSecret, nil
}

// ReceiveAck processes an acknowledgment broadcast by acker for the update sender
// initiated at seq. Every peer holding the member secret it derived for acker (from
// having seen sender's seed, whether as the original recipient of the seed delivery or by
// deriving every member's secret when it received the seed) advances acker's ratchet and
// forgets the now-consumed secret. KindDependencyMissing signals the orderer should hold
// this Ack pending rather than fail outright: the seed for this operation may simply not
// have arrived yet (spec §4.F failure semantics).
func ReceiveAck(s State, sender identity.ID, seq uint64, acker identity.ID) (State, ChainSecret, error) {
	key := Key{Sender: sender, Seq: seq, Member: acker}
	secret, ok := s.MemberSecrets[key]
	if !ok {
		return s, ChainSecret{}, spaceerr.New(spaceerr.KindDependencyMissing, "no member secret on hand for acking member; seed not yet received")
	}

	out := s.clone()
	updateSecret, err := deriveUpdateSecret(secret, out.Ratchet[acker])
	if err != nil {
		return s, ChainSecret{}, err
	}
	out.Ratchet[acker] = updateSecret
	delete(out.MemberSecrets, key)

	return out, updateSecret, nil
}

// RatchetFor returns the current outer chain secret known for member, or the zero
// ChainSecret if no update has ever been observed for them (the baseline a freshly
// created group starts from).
func (s State) RatchetFor(member identity.ID) ChainSecret {
	return s.Ratchet[member]
}

// PendingCount reports how many not-yet-acknowledged member secrets are held, for callers
// deciding whether to prompt for a resync (bounds the exposure window named in spec §4.F).
func (s State) PendingCount() int {
	return len(s.MemberSecrets)
}
