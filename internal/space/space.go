// Package space implements the group façade (spec §4.H), the component letter "H" in
// SPEC_FULL.md's module table: it ties internal/authgroup, internal/dcgka,
// internal/orderer, internal/twoparty, internal/ratchet, and internal/keymanager together
// behind one handle exposing create/add/remove/promote/demote/send/receive, and emits
// membership and application events to the caller. Grounded on the teacher's
// cmd/groupservice/main.go group-scoped handle idiom, generalized from an HTTP-request-
// scoped struct into the long-lived (State, Input) -> (State, Outputs) façade spec §4.H
// names, with the HTTP layer moved out into cmd/spaced.
//
// Space is a single-owner mutable handle, not a pure value: the Orderer it wraps is
// inherently stateful (spec §4.E describes Queue/TakeNextReady as admitting into a
// buffer, not as a pure transition), so the façade that composes it is too. Spec §5's
// "single-owner task" requirement is satisfied by the caller (cmd/spaced's actor loop)
// never sharing one Space across goroutines, not by Space itself taking a lock.
package space

import (
	"github.com/jaydenbeard/spacecore/internal/authgroup"
	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/dcgka"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/keymanager"
	"github.com/jaydenbeard/spacecore/internal/orderer"
	"github.com/jaydenbeard/spacecore/internal/ratchet"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/twoparty"
	"github.com/jaydenbeard/spacecore/internal/wire"
)

const wireVersion uint8 = 1

// staleEpoch is passed to ratchet.Open whenever an incoming application message's
// EpochRef does not match the epoch-establishing control operation this Space currently
// has on file for that sender, forcing ratchet.Open down its skipped-window path (which
// will miss) instead of the current-epoch path. This is what makes forward secrecy and
// removed-member exclusion (spec §8 properties 5-6) fall out of the epoch-reference check
// rather than needing bespoke bookkeeping: a stale or unknown epoch reference can never
// collide with a live ratchet.State.Epoch value by construction (Epoch starts at 0 and
// only ever increases by Reseed).
const staleEpoch = ^uint64(0)

// Directory resolves a peer's published pre-key bundle, the external collaborator spec §1
// names as out of scope for the core itself (no discovery/registry logic lives here).
type Directory interface {
	Bundle(member identity.ID) (keymanager.Bundle, error)
}

// ApplicationEvent is a decrypted application message delivered to the caller.
type ApplicationEvent struct {
	Sender    identity.ID
	Plaintext []byte
}

// Event is one notification Receive/Create/Add/Remove/Send emits to the application,
// exactly one of Membership or Application set per occurrence.
type Event struct {
	Membership  *authgroup.Event
	Application *ApplicationEvent
}

// Outbound is one frame the caller's transport must deliver to every other current
// member (control operations) or is addressed by the envelope's own sender/recipient
// routing (application messages travel the same broadcast path; 2SM traffic is embedded
// inside a ControlOperation's DirectMessages rather than sent standalone).
type Outbound struct {
	Frame []byte
}

type controlMeta struct {
	Sender  identity.ID
	Seq     uint64
	Members []identity.ID
}

// Space is the façade for one group: every exported method is the mutating counterpart of
// one of spec §4.H's named operations.
type Space struct {
	GroupID identity.ID
	MyID    identity.ID

	KeyManager keymanager.State
	Auth       authgroup.State
	DCGKA      dcgka.State
	Orderer    *orderer.Orderer
	Ratchets   map[identity.ID]ratchet.State
	TwoParty   map[identity.ID]twoparty.State
	GroupStore authgroup.Store
	Directory  Directory
	RNG        *crypto.Rng

	nextSeq         uint64
	heads           []wire.OperationId
	epochRef        wire.OperationId
	ratchetEpochRef map[identity.ID]wire.OperationId
	lastAppID       map[identity.ID]wire.OperationId
	lastAppEpoch    map[identity.ID]wire.OperationId
	controlMeta     map[wire.OperationId]controlMeta
}

// New returns a Space for myID with no group joined yet; call Create to found a new group
// or Welcome to join one another member founded.
func New(km keymanager.State, dir Directory, rng *crypto.Rng) *Space {
	return &Space{
		MyID:            identity.ID(km.IdentityKey),
		KeyManager:      km,
		Orderer:         orderer.New(),
		Ratchets:        make(map[identity.ID]ratchet.State),
		TwoParty:        make(map[identity.ID]twoparty.State),
		GroupStore:      authgroup.NewMemoryStore(),
		Directory:       dir,
		RNG:             rng,
		ratchetEpochRef: make(map[identity.ID]wire.OperationId),
		lastAppID:       make(map[identity.ID]wire.OperationId),
		lastAppEpoch:    make(map[identity.ID]wire.OperationId),
		controlMeta:     make(map[wire.OperationId]controlMeta),
	}
}

// Create founds a new group with the given initial members (the caller is included only
// if it appears in initial; most callers should list themselves at AccessManage so they
// can later Add/Remove). Returns the outbound frames to deliver to every other initial
// member (they complete their side by calling Welcome with the Create frame).
func (s *Space) Create(initial []wire.InitialMember) ([]Outbound, error) {
	groupIDBytes, err := s.RNG.RandomArray32()
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate group id", err)
	}
	s.GroupID = identity.ID(groupIDBytes)

	members := make([]authgroup.MemberState, 0, len(initial))
	everyone := make([]identity.ID, 0, len(initial)+1)
	includesSelf := false
	for _, m := range initial {
		members = append(members, authgroup.MemberState{Member: m.Member, Access: m.Access})
		everyone = append(everyone, m.Member)
		if m.Member == s.MyID {
			includesSelf = true
		}
	}
	if !includesSelf {
		members = append(members, authgroup.MemberState{Member: s.MyID, Access: identity.AccessManage})
		everyone = append(everyone, s.MyID)
		initial = append(append([]wire.InitialMember{}, initial...), wire.InitialMember{Member: s.MyID, Access: identity.AccessManage})
	}
	s.Auth = authgroup.Create(s.GroupID, members)
	s.DCGKA = dcgka.Init(s.MyID)

	seq := s.nextSeq
	s.nextSeq++

	newDCGKA, seed, updateSecret, err := dcgka.BeginUpdate(s.DCGKA, seq, everyone, s.RNG)
	if err != nil {
		return nil, err
	}
	s.DCGKA = newDCGKA
	s.Ratchets[s.MyID] = ratchet.New(updateSecret)

	directMessages, err := s.sealSeedToOthers(everyone, seed)
	if err != nil {
		return nil, err
	}

	op := wire.ControlOperation{
		Version:        wireVersion,
		Sender:         s.MyID,
		Seq:            seq,
		Action:         wire.ActionCreate,
		InitialMembers: initial,
		EpochMembers:   everyone,
		DirectMessages: directMessages,
	}
	op.Signature = crypto.XSign(s.KeyManager.IdentitySecret, op.CanonicalBytes())
	id := op.ID()

	s.heads = []wire.OperationId{id}
	s.epochRef = id
	s.ratchetEpochRef[s.MyID] = id
	s.Orderer.MarkDelivered(id)
	s.controlMeta[id] = controlMeta{Sender: s.MyID, Seq: seq, Members: everyone}

	return []Outbound{{Frame: wire.EncodeFrame(wire.FrameControl, op.Encode())}}, nil
}

// Welcome bootstraps this Space to join a group another member already founded or grew
// into: groupID and welcomeOp are learned out of band (e.g. over the transport that
// delivered the invite), priorHistory lists every operation id causally before the
// welcome that this peer will never need to process itself (spec §4.E set_welcome).
//
// seedAuth is the full membership state as it stood immediately after welcomeOp was
// applied by whoever is extending the invitation, e.g. handed over alongside the invite
// itself out of band. It seeds s.Auth before welcomeOp is processed so a late joiner (whose
// welcomeOp is an Add/Promote/Demote rather than a Create) converges on the complete
// membership rather than just the single-member delta that operation's canonical encoding
// carries (authgroup.Merge is idempotent, so a founder calling Welcome with its own
// just-applied Create state works the same way; pass the zero State when welcomeOp's
// Action is ActionCreate, since applyCreateOrChange installs the full initial membership
// itself in that case).
func (s *Space) Welcome(groupID identity.ID, welcomeOp wire.ControlOperation, priorHistory []wire.OperationId, seedAuth authgroup.State) ([]Outbound, []Event, error) {
	s.GroupID = groupID
	if s.DCGKA.MyID != s.MyID {
		s.DCGKA = dcgka.Init(s.MyID)
	}
	if welcomeOp.Action != wire.ActionCreate {
		s.Auth = seedAuth
	}
	s.Orderer.SetWelcome(priorHistory)
	frame := wire.EncodeFrame(wire.FrameControl, welcomeOp.Encode())
	return s.Receive(frame)
}

// sealSeedToOthers seals seed to every member of everyone other than ourselves.
func (s *Space) sealSeedToOthers(everyone []identity.ID, seed dcgka.Seed) ([]wire.DirectMessage, error) {
	out := make([]wire.DirectMessage, 0, len(everyone))
	for _, member := range everyone {
		if member == s.MyID {
			continue
		}
		ciphertext, err := s.sealDirect(member, seed[:])
		if err != nil {
			return nil, err
		}
		out = append(out, wire.DirectMessage{Recipient: member, Ciphertext: ciphertext})
	}
	return out, nil
}

// Add, Remove, Promote, Demote apply a local membership-changing action, check its
// precondition (spec §4.D), and if it succeeds return the outbound control frame every
// other current member must receive.
func (s *Space) Add(member identity.ID, access identity.Access) ([]Outbound, error) {
	newAuth, err := authgroup.Add(s.Auth, s.MyID, member, access)
	if err != nil {
		return nil, err
	}
	return s.commitMembershipChange(wire.ActionAdd, member, &access, newAuth)
}

func (s *Space) Remove(member identity.ID) ([]Outbound, error) {
	newAuth, err := authgroup.Remove(s.Auth, s.MyID, member)
	if err != nil {
		return nil, err
	}
	return s.commitMembershipChange(wire.ActionRemove, member, nil, newAuth)
}

func (s *Space) Promote(member identity.ID, access identity.Access) ([]Outbound, error) {
	newAuth, err := authgroup.Promote(s.Auth, s.MyID, member, access)
	if err != nil {
		return nil, err
	}
	return s.commitMembershipChange(wire.ActionPromote, member, &access, newAuth)
}

func (s *Space) Demote(member identity.ID, access identity.Access) ([]Outbound, error) {
	newAuth, err := authgroup.Demote(s.Auth, s.MyID, member, access)
	if err != nil {
		return nil, err
	}
	return s.commitMembershipChange(wire.ActionDemote, member, &access, newAuth)
}

// commitMembershipChange runs the shared tail of Add/Remove/Promote/Demote: a fresh
// DCGKA update covering the post-change membership, seed delivery to every member still
// (or newly) in the group, and assembly/signing of the outbound control operation.
func (s *Space) commitMembershipChange(action wire.Action, target identity.ID, access *identity.Access, newAuth authgroup.State) ([]Outbound, error) {
	seq := s.nextSeq
	s.nextSeq++

	everyone := newAuth.MemberIDs()
	newDCGKA, seed, updateSecret, err := dcgka.BeginUpdate(s.DCGKA, seq, everyone, s.RNG)
	if err != nil {
		return nil, err
	}

	directMessages, err := s.sealSeedToOthers(everyone, seed)
	if err != nil {
		return nil, err
	}

	targetState := newAuth.Members[target]
	op := wire.ControlOperation{
		Version:             wireVersion,
		Sender:              s.MyID,
		Seq:                 seq,
		Previous:            append([]wire.OperationId{}, s.heads...),
		Action:              action,
		Access:              access,
		Target:              &target,
		TargetMemberCounter: targetState.MemberCounter,
		TargetAccessCounter: targetState.AccessCounter,
		EpochMembers:        everyone,
		DirectMessages:      directMessages,
	}
	op.Signature = crypto.XSign(s.KeyManager.IdentitySecret, op.CanonicalBytes())
	id := op.ID()

	s.Auth = newAuth
	s.DCGKA = newDCGKA
	s.Ratchets[s.MyID] = ratchet.Reseed(s.ratchetOrNew(s.MyID), updateSecret)
	s.ratchetEpochRef[s.MyID] = id
	s.heads = []wire.OperationId{id}
	s.epochRef = id
	s.Orderer.MarkDelivered(id)
	s.controlMeta[id] = controlMeta{Sender: s.MyID, Seq: seq, Members: everyone}

	return []Outbound{{Frame: wire.EncodeFrame(wire.FrameControl, op.Encode())}}, nil
}

// PCSUpdate performs a pure post-compromise-security rekey with no membership delta
// (spec §4.F "own state compromise"): the same seed-broadcast flow, covering the current
// membership, with no DGM change.
func (s *Space) PCSUpdate() ([]Outbound, error) {
	seq := s.nextSeq
	s.nextSeq++

	everyone := s.Auth.MemberIDs()
	newDCGKA, seed, updateSecret, err := dcgka.BeginUpdate(s.DCGKA, seq, everyone, s.RNG)
	if err != nil {
		return nil, err
	}
	directMessages, err := s.sealSeedToOthers(everyone, seed)
	if err != nil {
		return nil, err
	}

	op := wire.ControlOperation{
		Version:        wireVersion,
		Sender:         s.MyID,
		Seq:            seq,
		Previous:       append([]wire.OperationId{}, s.heads...),
		Action:         wire.ActionPcsUpdate,
		EpochMembers:   everyone,
		DirectMessages: directMessages,
	}
	op.Signature = crypto.XSign(s.KeyManager.IdentitySecret, op.CanonicalBytes())
	id := op.ID()

	s.DCGKA = newDCGKA
	s.Ratchets[s.MyID] = ratchet.Reseed(s.ratchetOrNew(s.MyID), updateSecret)
	s.ratchetEpochRef[s.MyID] = id
	s.heads = []wire.OperationId{id}
	s.epochRef = id
	s.Orderer.MarkDelivered(id)
	s.controlMeta[id] = controlMeta{Sender: s.MyID, Seq: seq, Members: everyone}

	return []Outbound{{Frame: wire.EncodeFrame(wire.FrameControl, op.Encode())}}, nil
}

func (s *Space) ratchetOrNew(who identity.ID) ratchet.State {
	if r, ok := s.Ratchets[who]; ok {
		return r
	}
	return ratchet.State{}
}

// Send encrypts plaintext for the current epoch and returns the outbound application
// frame, or an error if the caller is not currently a member.
func (s *Space) Send(plaintext []byte) (Outbound, error) {
	if !s.Auth.IsMember(s.MyID) {
		return Outbound{}, spaceerr.New(spaceerr.KindNotMember, "cannot send: not a current member")
	}
	r, ok := s.Ratchets[s.MyID]
	if !ok {
		return Outbound{}, spaceerr.New(spaceerr.KindCorruptState, "no ratchet established for self")
	}

	newR, env, err := ratchet.Seal(r, plaintext, s.GroupID[:], s.RNG)
	if err != nil {
		return Outbound{}, err
	}
	s.Ratchets[s.MyID] = newR

	seq := s.nextSeq
	s.nextSeq++

	var previous []wire.OperationId
	if s.lastAppEpoch[s.MyID] != s.epochRef {
		previous = []wire.OperationId{s.epochRef}
	} else {
		previous = []wire.OperationId{s.lastAppID[s.MyID]}
	}

	if len(env.Ciphertext) < 24 {
		return Outbound{}, spaceerr.New(spaceerr.KindCorruptState, "sealed envelope shorter than nonce")
	}
	var nonce [24]byte
	copy(nonce[:], env.Ciphertext[:24])

	msg := wire.ApplicationMessage{
		Version:    wireVersion,
		Sender:     s.MyID,
		Seq:        seq,
		Previous:   previous,
		EpochRef:   s.epochRef,
		Generation: env.Generation,
		Nonce:      nonce,
		Ciphertext: env.Ciphertext[24:],
	}
	msg.Signature = crypto.XSign(s.KeyManager.IdentitySecret, msg.CanonicalBytes())
	id := msg.ID()

	s.lastAppID[s.MyID] = id
	s.lastAppEpoch[s.MyID] = s.epochRef
	s.Orderer.MarkDelivered(id)

	return Outbound{Frame: wire.EncodeFrame(wire.FrameApplication, msg.Encode())}, nil
}

// Receive admits an inbound frame into the orderer and applies every operation that
// becomes ready as a result, returning the events the application should react to.
func (s *Space) Receive(frame []byte) ([]Outbound, []Event, error) {
	kind, payload, err := wire.DecodeFrame(frame)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case wire.FrameControl:
		op, err := wire.DecodeControlOperation(payload)
		if err != nil {
			return nil, nil, err
		}
		if err := s.verifyControlSignature(op); err != nil {
			return nil, nil, err
		}
		s.Orderer.Queue(orderer.Op{ID: op.ID(), Dependencies: op.Previous, Payload: op})
	case wire.FrameApplication:
		msg, err := wire.DecodeApplicationMessage(payload)
		if err != nil {
			return nil, nil, err
		}
		if err := s.verifyApplicationSignature(msg); err != nil {
			return nil, nil, err
		}
		s.Orderer.Queue(orderer.Op{ID: msg.ID(), Dependencies: msg.Previous, Payload: msg})
	default:
		return nil, nil, spaceerr.New(spaceerr.KindUnexpectedMessage, "unknown frame kind")
	}

	return s.drainReady()
}

func (s *Space) verifyControlSignature(op wire.ControlOperation) error {
	if op.Sender == s.MyID {
		return nil
	}
	bundle, err := s.Directory.Bundle(op.Sender)
	if err != nil {
		return spaceerr.Wrap(spaceerr.KindUnexpectedMessage, "resolve sender signing key", err)
	}
	if !crypto.XVerify(bundle.SigningKey, op.CanonicalBytes(), op.Signature) {
		return spaceerr.New(spaceerr.KindUnexpectedMessage, "control operation signature does not verify")
	}
	return nil
}

func (s *Space) verifyApplicationSignature(msg wire.ApplicationMessage) error {
	if msg.Sender == s.MyID {
		return nil
	}
	bundle, err := s.Directory.Bundle(msg.Sender)
	if err != nil {
		return spaceerr.Wrap(spaceerr.KindUnexpectedMessage, "resolve sender signing key", err)
	}
	if !crypto.XVerify(bundle.SigningKey, msg.CanonicalBytes(), msg.Signature) {
		return spaceerr.New(spaceerr.KindUnexpectedMessage, "application message signature does not verify")
	}
	return nil
}

func (s *Space) drainReady() ([]Outbound, []Event, error) {
	var outbound []Outbound
	var events []Event
	for {
		readyOp, ok := s.Orderer.TakeNextReady()
		if !ok {
			return outbound, events, nil
		}
		switch payload := readyOp.Payload.(type) {
		case wire.ControlOperation:
			out, evs, err := s.applyControl(payload)
			if err != nil {
				return outbound, events, err
			}
			outbound = append(outbound, out...)
			events = append(events, evs...)
		case wire.ApplicationMessage:
			ev, err := s.applyApplication(payload)
			if err != nil {
				return outbound, events, err
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
	}
}

func (s *Space) applyControl(op wire.ControlOperation) ([]Outbound, []Event, error) {
	id := op.ID()
	// A self-originated op was already applied synchronously and marked delivered;
	// seeing it again here (e.g. the caller also feeds its own outbound frames back
	// through Receive) is a no-op re-delivery.
	if op.Sender == s.MyID {
		return nil, nil, nil
	}

	s.advanceHeads(id, op.Previous)

	switch op.Action {
	case wire.ActionCreate:
		return s.applyCreateOrChange(op, id)
	case wire.ActionAdd, wire.ActionRemove, wire.ActionPromote, wire.ActionDemote:
		return s.applyCreateOrChange(op, id)
	case wire.ActionPcsUpdate:
		return s.applyPcsUpdate(op, id)
	case wire.ActionAck:
		return nil, nil, s.applyAck(op)
	default:
		return nil, nil, spaceerr.New(spaceerr.KindUnexpectedMessage, "unknown control action")
	}
}

// applyCreateOrChange handles Create/Add/Remove/Promote/Demote uniformly: merge the
// membership delta (or install the initial membership for Create), derive this sender's
// update secret from the bundled seed, and broadcast an Ack.
func (s *Space) applyCreateOrChange(op wire.ControlOperation, id wire.OperationId) ([]Outbound, []Event, error) {
	var events []Event
	if op.Action == wire.ActionCreate {
		members := make([]authgroup.MemberState, len(op.InitialMembers))
		for i, m := range op.InitialMembers {
			members[i] = authgroup.MemberState{Member: m.Member, Access: m.Access}
		}
		s.Auth = authgroup.Create(s.GroupID, members)
		events = append(events, Event{Membership: eventPtr(authgroup.NewEvent(authgroup.EventCreated, s.GroupID, identity.ID{}, identity.AccessNone, s.Auth, s.GroupStore))})
	} else {
		target := *op.Target
		delta := authgroup.State{GroupID: s.Auth.GroupID, Members: map[identity.ID]authgroup.MemberState{
			target: {
				Member:        target,
				MemberCounter: op.TargetMemberCounter,
				Access:        accessOrNone(op.Access),
				AccessCounter: op.TargetAccessCounter,
			},
		}}
		s.Auth = authgroup.Merge(s.Auth, delta)
		if op.Action == wire.ActionAdd {
			events = append(events, Event{Membership: eventPtr(authgroup.NewEvent(authgroup.EventAdded, s.GroupID, target, accessOrNone(op.Access), s.Auth, s.GroupStore))})
		} else if op.Action == wire.ActionRemove {
			events = append(events, Event{Membership: eventPtr(authgroup.NewEvent(authgroup.EventRemoved, s.GroupID, target, identity.AccessNone, s.Auth, s.GroupStore))})
		}
	}

	s.epochRef = id
	s.controlMeta[id] = controlMeta{Sender: op.Sender, Seq: op.Seq, Members: op.EpochMembers}

	outbound, err := s.deriveSenderSecretAndAck(op, id)
	if err != nil {
		return nil, events, err
	}
	return outbound, events, nil
}

func (s *Space) applyPcsUpdate(op wire.ControlOperation, id wire.OperationId) ([]Outbound, []Event, error) {
	s.epochRef = id
	s.controlMeta[id] = controlMeta{Sender: op.Sender, Seq: op.Seq, Members: op.EpochMembers}
	outbound, err := s.deriveSenderSecretAndAck(op, id)
	return outbound, nil, err
}

// deriveSenderSecretAndAck finds our own direct message in op, derives op.Sender's update
// secret via DCGKA.ReceiveSeed, reseeds that sender's ratchet, and broadcasts our Ack.
// If we are not a recipient of op's direct messages (e.g. op removed us), no Ack is sent.
func (s *Space) deriveSenderSecretAndAck(op wire.ControlOperation, id wire.OperationId) ([]Outbound, error) {
	var ourPayload []byte
	found := false
	for _, dm := range op.DirectMessages {
		if dm.Recipient == s.MyID {
			ourPayload = dm.Ciphertext
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	seedBytes, err := s.openDirect(op.Sender, ourPayload)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCannotDecryptDirect, "open direct message from sender", err)
	}
	if len(seedBytes) != 32 {
		return nil, spaceerr.New(spaceerr.KindUnexpectedMessage, "direct message did not decode to a 32-byte seed")
	}
	var seed dcgka.Seed
	copy(seed[:], seedBytes)

	newDCGKA, updateSecret, err := dcgka.ReceiveSeed(s.DCGKA, op.Sender, op.Seq, seed, op.EpochMembers)
	if err != nil {
		return nil, err
	}
	s.DCGKA = newDCGKA
	s.Ratchets[op.Sender] = ratchet.Reseed(s.ratchetOrNew(op.Sender), updateSecret)
	s.ratchetEpochRef[op.Sender] = id

	ackSeq := s.nextSeq
	s.nextSeq++
	ack := wire.ControlOperation{
		Version:  wireVersion,
		Sender:   s.MyID,
		Seq:      ackSeq,
		Previous: []wire.OperationId{id},
		Action:   wire.ActionAck,
		AckOf:    &id,
	}
	ack.Signature = crypto.XSign(s.KeyManager.IdentitySecret, ack.CanonicalBytes())
	ackID := ack.ID()
	s.heads = replaceHead(s.heads, id, ackID)
	s.Orderer.MarkDelivered(ackID)

	return []Outbound{{Frame: wire.EncodeFrame(wire.FrameControl, ack.Encode())}}, nil
}

func (s *Space) applyAck(op wire.ControlOperation) error {
	if op.AckOf == nil {
		return spaceerr.New(spaceerr.KindUnexpectedMessage, "ack missing ack_of reference")
	}
	meta, ok := s.controlMeta[*op.AckOf]
	if !ok {
		return spaceerr.New(spaceerr.KindDependencyMissing, "ack references an operation not yet applied locally")
	}
	if op.Sender == s.MyID {
		return nil
	}

	newDCGKA, updateSecret, err := dcgka.ReceiveAck(s.DCGKA, meta.Sender, meta.Seq, op.Sender)
	if err != nil {
		return err
	}
	s.DCGKA = newDCGKA
	s.Ratchets[op.Sender] = ratchet.Reseed(s.ratchetOrNew(op.Sender), updateSecret)
	s.ratchetEpochRef[op.Sender] = *op.AckOf
	return nil
}

func (s *Space) applyApplication(msg wire.ApplicationMessage) (*Event, error) {
	if msg.Sender == s.MyID {
		return nil, nil
	}
	r, ok := s.Ratchets[msg.Sender]
	if !ok {
		return nil, spaceerr.New(spaceerr.KindCannotDecryptDirect, "no ratchet established for sender yet")
	}

	epoch := staleEpoch
	if s.ratchetEpochRef[msg.Sender] == msg.EpochRef {
		epoch = r.Epoch
	}

	ciphertext := append(append([]byte{}, msg.Nonce[:]...), msg.Ciphertext...)
	env := ratchet.Envelope{Epoch: epoch, Generation: msg.Generation, Ciphertext: ciphertext}
	newR, plaintext, err := ratchet.Open(r, env, s.GroupID[:])
	if err != nil {
		if epoch == staleEpoch {
			// The sender's epoch reference no longer matches ours (they rekeyed past us,
			// or we excluded them as a removed member); no ratchet Open on the stale
			// epoch can ever succeed, so this is indistinguishable from never having had
			// a channel with them at all (spec scenario S2, property 6).
			return nil, spaceerr.New(spaceerr.KindCannotDecryptDirect, "sender epoch reference is stale; cannot decrypt")
		}
		return nil, err
	}
	s.Ratchets[msg.Sender] = newR

	return &Event{Application: &ApplicationEvent{Sender: msg.Sender, Plaintext: plaintext}}, nil
}

func (s *Space) advanceHeads(id wire.OperationId, deps []wire.OperationId) {
	filtered := s.heads[:0]
	for _, h := range s.heads {
		keep := true
		for _, d := range deps {
			if h == d {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, h)
		}
	}
	s.heads = append(append([]wire.OperationId{}, filtered...), id)
}

func replaceHead(heads []wire.OperationId, old, next wire.OperationId) []wire.OperationId {
	out := make([]wire.OperationId, 0, len(heads)+1)
	replaced := false
	for _, h := range heads {
		if h == old {
			out = append(out, next)
			replaced = true
			continue
		}
		out = append(out, h)
	}
	if !replaced {
		out = append(out, next)
	}
	return out
}

func accessOrNone(a *identity.Access) identity.Access {
	if a == nil {
		return identity.AccessNone
	}
	return *a
}

func eventPtr(e authgroup.Event) *authgroup.Event {
	return &e
}
