package dcgka

import (
	"testing"

	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkID(b byte) identity.ID {
	var out identity.ID
	out[0] = b
	return out
}

func mkSeq(b byte) uint64 {
	return uint64(b)
}

// TestUpdateConvergesAcrossGroup simulates the full flow from spec §4.F: Alice initiates
// a change, Bob and Carol each receive the seed and Ack, and every member ends up with
// the same ratchet entry for every other member.
func TestUpdateConvergesAcrossGroup(t *testing.T) {
	rng := crypto.NewRng()
	alice, bob, carol := mkID(1), mkID(2), mkID(3)
	members := []identity.ID{alice, bob, carol}
	seq := mkSeq(1)

	aliceState := Init(alice)
	bobState := Init(bob)
	carolState := Init(carol)

	aliceState, seed, aliceUpdateSecret, err := BeginUpdate(aliceState, seq, members, rng)
	require.NoError(t, err)

	bobState, bobUpdateForAlice, err := ReceiveSeed(bobState, alice, seq, seed, members)
	require.NoError(t, err)
	assert.Equal(t, aliceUpdateSecret, bobUpdateForAlice)

	carolState, carolUpdateForAlice, err := ReceiveSeed(carolState, alice, seq, seed, members)
	require.NoError(t, err)
	assert.Equal(t, aliceUpdateSecret, carolUpdateForAlice)

	// Bob's ack propagates to Alice and Carol, both deriving the same ratchet[bob].
	aliceState, aliceUpdateForBob, err := ReceiveAck(aliceState, alice, seq, bob)
	require.NoError(t, err)
	carolState, carolUpdateForBob, err := ReceiveAck(carolState, alice, seq, bob)
	require.NoError(t, err)
	assert.Equal(t, aliceUpdateForBob, carolUpdateForBob)

	// Carol's ack likewise propagates to Alice and Bob.
	aliceState, aliceUpdateForCarol, err := ReceiveAck(aliceState, alice, seq, carol)
	require.NoError(t, err)
	bobState, bobUpdateForCarol, err := ReceiveAck(bobState, alice, seq, carol)
	require.NoError(t, err)
	assert.Equal(t, aliceUpdateForCarol, bobUpdateForCarol)

	assert.Equal(t, 0, aliceState.PendingCount())
	assert.Equal(t, 0, bobState.PendingCount())
	assert.Equal(t, 0, carolState.PendingCount())

	assert.Equal(t, aliceState.RatchetFor(alice), bobState.RatchetFor(alice))
	assert.Equal(t, aliceState.RatchetFor(alice), carolState.RatchetFor(alice))
	assert.Equal(t, aliceState.RatchetFor(bob), carolState.RatchetFor(bob))
	assert.Equal(t, aliceState.RatchetFor(carol), bobState.RatchetFor(carol))
}

func TestReceiveAckWithoutSeedIsRetryable(t *testing.T) {
	bob := Init(mkID(2))
	_, _, err := ReceiveAck(bob, mkID(1), mkSeq(9), mkID(3))
	require.Error(t, err)
}

func TestReceiveSeedRejectsMissingSelfEntry(t *testing.T) {
	alice, bob := mkID(1), mkID(2)
	seq := mkSeq(1)
	rng := crypto.NewRng()

	aliceState := Init(alice)
	// members excludes bob so bob's own-entry lookup on ReceiveSeed must fail.
	_, seed, _, err := BeginUpdate(aliceState, seq, []identity.ID{alice}, rng)
	require.NoError(t, err)

	bobState := Init(bob)
	_, _, err = ReceiveSeed(bobState, alice, seq, seed, []identity.ID{alice})
	require.Error(t, err)
}

// TestForkedConcurrentUpdatesStayIndependent pins the concurrency rule from spec §4.F: two
// concurrent changes produce disjoint seed chains and advance ratchets independently.
func TestForkedConcurrentUpdatesStayIndependent(t *testing.T) {
	rng := crypto.NewRng()
	alice, bob := mkID(1), mkID(2)
	members := []identity.ID{alice, bob}

	aliceState := Init(alice)
	bobState := Init(bob)

	aliceState, seedA, _, err := BeginUpdate(aliceState, mkSeq(1), members, rng)
	require.NoError(t, err)
	bobState, seedB, _, err := BeginUpdate(bobState, mkSeq(2), members, rng)
	require.NoError(t, err)

	assert.NotEqual(t, seedA, seedB)
	assert.NotEqual(t, aliceState.RatchetFor(alice), bobState.RatchetFor(bob))
}
