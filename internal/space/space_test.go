package space

import (
	"testing"
	"time"

	"github.com/jaydenbeard/spacecore/internal/authgroup"
	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/keymanager"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapDirectory is a Directory backed by a plain map, standing in for the registry/directory
// service (internal/registry) in isolation from transport and storage concerns.
type mapDirectory map[identity.ID]keymanager.Bundle

func (d mapDirectory) Bundle(member identity.ID) (keymanager.Bundle, error) {
	b, ok := d[member]
	if !ok {
		return keymanager.Bundle{}, spaceerr.New(spaceerr.KindInvalidBundle, "unknown member in test directory")
	}
	return b, nil
}

type participant struct {
	id identity.ID
	sp *Space
}

func newParticipant(t *testing.T, rng *crypto.Rng, dir mapDirectory) *participant {
	km, err := keymanager.Init(rng, keymanager.NewLifetime(time.Now(), keymanager.DefaultPrekeyValidity))
	require.NoError(t, err)
	km, onetimes, err := keymanager.GenerateOnetimePreKeys(km, 4, rng)
	require.NoError(t, err)
	id := identity.ID(km.IdentityKey)
	dir[id] = keymanager.PublishBundle(km, &onetimes[0])
	return &participant{id: id, sp: New(km, dir, rng)}
}

func allOf(ps ...*participant) map[identity.ID]*participant {
	out := make(map[identity.ID]*participant, len(ps))
	for _, p := range ps {
		out[p.id] = p
	}
	return out
}

// deliverAll floods frame (sent by sender) to every other participant in all, then
// recursively delivers whatever those deliveries themselves produce (Acks chase the
// operation they acknowledge, which may already have been delivered by the time they
// arrive). Map iteration order is unspecified, so this also exercises order-independence
// (spec §8 property 7): no assertion below depends on a particular delivery order.
func deliverAll(t *testing.T, all map[identity.ID]*participant, sender identity.ID, frame []byte) {
	type job struct {
		sender identity.ID
		frame  []byte
	}
	queue := []job{{sender, frame}}
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		for id, p := range all {
			if id == j.sender {
				continue
			}
			out, _, err := p.sp.Receive(j.frame)
			require.NoError(t, err)
			for _, o := range out {
				queue = append(queue, job{sender: id, frame: o.Frame})
			}
		}
	}
}

func decodeControl(t *testing.T, frame []byte) wire.ControlOperation {
	kind, payload, err := wire.DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, wire.FrameControl, kind)
	op, err := wire.DecodeControlOperation(payload)
	require.NoError(t, err)
	return op
}

// foundGroup creates a group owned by founder with the given initial members, welcomes
// every other founder, and drains every Ack produced in the process. After this call every
// founder's Auth and DCGKA state has converged, but only founder itself has a sending
// ratchet: spec §4.F's per-sender design means every other member must still issue its own
// PCSUpdate before it can Send.
func foundGroup(t *testing.T, founder *participant, others []*participant, access map[identity.ID]identity.Access) map[identity.ID]*participant {
	initial := []wire.InitialMember{{Member: founder.id, Access: access[founder.id]}}
	for _, o := range others {
		initial = append(initial, wire.InitialMember{Member: o.id, Access: access[o.id]})
	}

	out, err := founder.sp.Create(initial)
	require.NoError(t, err)
	require.Len(t, out, 1)
	createOp := decodeControl(t, out[0].Frame)

	all := allOf(append([]*participant{founder}, others...)...)
	for _, o := range others {
		ackOut, _, err := o.sp.Welcome(founder.sp.GroupID, createOp, nil, authgroup.State{})
		require.NoError(t, err)
		for _, ack := range ackOut {
			deliverAll(t, all, o.id, ack.Frame)
		}
	}
	return all
}

// establishSendingRatchet has p perform a PCS update and propagates the resulting Acks, so
// p gains a sending ratchet every current member can decrypt.
func establishSendingRatchet(t *testing.T, all map[identity.ID]*participant, p *participant) {
	out, err := p.sp.PCSUpdate()
	require.NoError(t, err)
	for _, o := range out {
		deliverAll(t, all, p.id, o.Frame)
	}
}

// TestCreateAndExchangeMessagesConverge covers scenario S1 from spec §8: founders converge
// on the same membership and can decrypt each other's messages once each has issued at
// least one DCGKA update.
func TestCreateAndExchangeMessagesConverge(t *testing.T) {
	rng := crypto.NewRng()
	dir := mapDirectory{}
	alice := newParticipant(t, rng, dir)
	bob := newParticipant(t, rng, dir)
	carol := newParticipant(t, rng, dir)

	access := map[identity.ID]identity.Access{
		alice.id: identity.AccessManage,
		bob.id:   identity.AccessManage,
		carol.id: identity.AccessRead,
	}
	all := foundGroup(t, alice, []*participant{bob, carol}, access)

	assert.True(t, alice.sp.Auth.IsMember(carol.id))
	assert.True(t, bob.sp.Auth.IsMember(alice.id))
	assert.Equal(t, identity.AccessRead, alice.sp.Auth.Access(carol.id))

	// Alice can send from group creation onward; everyone else decrypts her message.
	out, err := alice.sp.Send([]byte("hello from alice"))
	require.NoError(t, err)

	var bobEvents, carolEvents []Event
	_, bobEvents, err = bob.sp.Receive(out.Frame)
	require.NoError(t, err)
	_, carolEvents, err = carol.sp.Receive(out.Frame)
	require.NoError(t, err)

	require.Len(t, bobEvents, 1)
	require.NotNil(t, bobEvents[0].Application)
	assert.Equal(t, "hello from alice", string(bobEvents[0].Application.Plaintext))
	require.Len(t, carolEvents, 1)
	assert.Equal(t, "hello from alice", string(carolEvents[0].Application.Plaintext))

	// Bob gains a sending ratchet by issuing his own update; then he can speak too.
	establishSendingRatchet(t, all, bob)
	bobMsg, err := bob.sp.Send([]byte("hello from bob"))
	require.NoError(t, err)

	_, aliceEvents, err := alice.sp.Receive(bobMsg.Frame)
	require.NoError(t, err)
	require.Len(t, aliceEvents, 1)
	assert.Equal(t, "hello from bob", string(aliceEvents[0].Application.Plaintext))

	_, carolEvents, err = carol.sp.Receive(bobMsg.Frame)
	require.NoError(t, err)
	require.Len(t, carolEvents, 1)
	assert.Equal(t, "hello from bob", string(carolEvents[0].Application.Plaintext))
}

// TestAddLateJoinerConverges covers scenario S2 from spec §8: a member added after
// creation learns the full current membership and can decrypt the inviter's messages
// from the point of the invite onward.
func TestAddLateJoinerConverges(t *testing.T) {
	rng := crypto.NewRng()
	dir := mapDirectory{}
	alice := newParticipant(t, rng, dir)
	bob := newParticipant(t, rng, dir)
	dave := newParticipant(t, rng, dir)

	access := map[identity.ID]identity.Access{
		alice.id: identity.AccessManage,
		bob.id:   identity.AccessManage,
	}
	all := foundGroup(t, alice, []*participant{bob}, access)

	addOut, err := alice.sp.Add(dave.id, identity.AccessRead)
	require.NoError(t, err)
	require.Len(t, addOut, 1)
	addOp := decodeControl(t, addOut[0].Frame)

	deliverAll(t, all, alice.id, addOut[0].Frame)
	all[dave.id] = dave

	ackOut, _, err := dave.sp.Welcome(alice.sp.GroupID, addOp, nil, alice.sp.Auth)
	require.NoError(t, err)
	for _, ack := range ackOut {
		deliverAll(t, all, dave.id, ack.Frame)
	}

	assert.True(t, dave.sp.Auth.IsMember(alice.id))
	assert.True(t, dave.sp.Auth.IsMember(bob.id))
	assert.True(t, alice.sp.Auth.IsMember(dave.id))
	assert.True(t, bob.sp.Auth.IsMember(dave.id))

	// Dave can decrypt Alice's messages (Alice's direct message in the Add op seeded his
	// ratchet for her), but not Bob's yet: Dave never received a seed for Bob's chain.
	aliceMsg, err := alice.sp.Send([]byte("welcome dave"))
	require.NoError(t, err)
	_, daveEvents, err := dave.sp.Receive(aliceMsg.Frame)
	require.NoError(t, err)
	require.Len(t, daveEvents, 1)
	assert.Equal(t, "welcome dave", string(daveEvents[0].Application.Plaintext))

	establishSendingRatchet(t, all, bob)
	bobMsg, err := bob.sp.Send([]byte("hi dave, I'm bob"))
	require.NoError(t, err)
	_, daveEvents2, err := dave.sp.Receive(bobMsg.Frame)
	require.NoError(t, err)
	require.Len(t, daveEvents2, 1)
	assert.Equal(t, "hi dave, I'm bob", string(daveEvents2[0].Application.Plaintext))
}

// TestRemovedMemberExcludedFromFutureMessages pins properties 5 and 6 from spec §8: once a
// member is removed and the remaining members rekey, that member's stale epoch reference
// can never again decrypt a current message, even if it is somehow still delivered to them.
func TestRemovedMemberExcludedFromFutureMessages(t *testing.T) {
	rng := crypto.NewRng()
	dir := mapDirectory{}
	alice := newParticipant(t, rng, dir)
	bob := newParticipant(t, rng, dir)
	carol := newParticipant(t, rng, dir)

	access := map[identity.ID]identity.Access{
		alice.id: identity.AccessManage,
		bob.id:   identity.AccessRead,
		carol.id: identity.AccessRead,
	}
	foundGroup(t, alice, []*participant{bob, carol}, access)

	beforeRemoval, err := alice.sp.Send([]byte("still in the group"))
	require.NoError(t, err)
	_, bobEvents, err := bob.sp.Receive(beforeRemoval.Frame)
	require.NoError(t, err)
	require.Len(t, bobEvents, 1)
	assert.Equal(t, "still in the group", string(bobEvents[0].Application.Plaintext))

	removeOut, err := alice.sp.Remove(bob.id)
	require.NoError(t, err)
	require.Len(t, removeOut, 1)

	// Deliver the removal to Carol only; a real transport would simply stop delivering to
	// Bob, but an adversarial or misconfigured relay that still forwards to him must not
	// let him process it either.
	aliceOnlyAll := allOf(alice, carol)
	deliverAll(t, aliceOnlyAll, alice.id, removeOut[0].Frame)
	assert.False(t, carol.sp.Auth.IsMember(bob.id))

	afterRemoval, err := alice.sp.Send([]byte("bob should not see this"))
	require.NoError(t, err)

	_, carolEvents, err := carol.sp.Receive(afterRemoval.Frame)
	require.NoError(t, err)
	require.Len(t, carolEvents, 1)
	assert.Equal(t, "bob should not see this", string(carolEvents[0].Application.Plaintext))

	_, _, err = bob.sp.Receive(afterRemoval.Frame)
	require.Error(t, err)
	serr, ok := err.(*spaceerr.Error)
	require.True(t, ok)
	assert.Equal(t, spaceerr.KindCannotDecryptDirect, serr.Kind)
}

// TestConcurrentPromoteDemoteConvergesThroughTheWire pins scenario S4 and property 7 at the
// full Space/wire-format level (authgroup_test.go already pins the same tie-break at the
// pure CRDT level): two managers concurrently promote and demote the same target from
// independent forks of the same state, and two observers that apply the resulting control
// operations in opposite orders still converge on the same access level.
func TestConcurrentPromoteDemoteConvergesThroughTheWire(t *testing.T) {
	rng := crypto.NewRng()
	dir := mapDirectory{}
	alice := newParticipant(t, rng, dir)
	bob := newParticipant(t, rng, dir)
	frank := newParticipant(t, rng, dir)

	access := map[identity.ID]identity.Access{
		alice.id: identity.AccessManage,
		bob.id:   identity.AccessManage,
		frank.id: identity.AccessRead,
	}
	foundGroup(t, alice, []*participant{bob, frank}, access)

	promoteOut, err := alice.sp.Promote(frank.id, identity.AccessManage)
	require.NoError(t, err)
	demoteOut, err := bob.sp.Demote(frank.id, identity.AccessPull)
	require.NoError(t, err)

	promoteOp := promoteOut[0].Frame
	demoteOp := demoteOut[0].Frame

	observerA := frank.sp.Auth
	observerA = applyDeltaInOrder(t, observerA, []byte{}, promoteOp, demoteOp)
	observerB := frank.sp.Auth
	observerB = applyDeltaInOrder(t, observerB, []byte{}, demoteOp, promoteOp)

	assert.Equal(t, observerA.Access(frank.id), observerB.Access(frank.id))
	assert.Equal(t, identity.AccessPull, observerA.Access(frank.id))
}

// applyDeltaInOrder merges the single-member deltas carried by a sequence of encoded
// control operations into base, in the given order, mirroring exactly what
// Space.applyCreateOrChange does on receipt of a remote operation.
func applyDeltaInOrder(t *testing.T, base authgroup.State, _ []byte, frames ...[]byte) authgroup.State {
	out := base
	for _, frame := range frames {
		op := decodeControl(t, frame)
		target := *op.Target
		delta := authgroup.State{GroupID: out.GroupID, Members: map[identity.ID]authgroup.MemberState{
			target: {
				Member:        target,
				MemberCounter: op.TargetMemberCounter,
				Access:        *op.Access,
				AccessCounter: op.TargetAccessCounter,
			},
		}}
		out = authgroup.Merge(out, delta)
	}
	return out
}
