package ratchet

import (
	"testing"

	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	rng := crypto.NewRng()
	seed, err := rng.RandomArray32()
	require.NoError(t, err)

	sender := New(seed)
	receiver := New(seed)

	sender, env, err := Seal(sender, []byte("hello group"), nil, rng)
	require.NoError(t, err)

	receiver, plaintext, err := Open(receiver, env, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello group", string(plaintext))
	assert.Equal(t, uint64(1), receiver.Generation)
}

func TestOutOfOrderDeliveryWithinEpoch(t *testing.T) {
	rng := crypto.NewRng()
	seed, err := rng.RandomArray32()
	require.NoError(t, err)

	sender := New(seed)
	receiver := New(seed)

	var envs []Envelope
	for i := 0; i < 3; i++ {
		var env Envelope
		sender, env, err = Seal(sender, []byte{byte(i)}, nil, rng)
		require.NoError(t, err)
		envs = append(envs, env)
	}

	// Deliver generation 3 first: receiver catches up, skipping 1 and 2.
	receiver, pt3, err := Open(receiver, envs[2], nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, pt3)

	receiver, pt1, err := Open(receiver, envs[0], nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, pt1)

	receiver, pt2, err := Open(receiver, envs[1], nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, pt2)
}

func TestReplayOfSkippedKeyFails(t *testing.T) {
	rng := crypto.NewRng()
	seed, err := rng.RandomArray32()
	require.NoError(t, err)

	sender := New(seed)
	receiver := New(seed)

	sender, envA, err := Seal(sender, []byte("a"), nil, rng)
	require.NoError(t, err)
	_, envB, err := Seal(sender, []byte("b"), nil, rng)
	require.NoError(t, err)

	receiver, _, err = Open(receiver, envB, nil)
	require.NoError(t, err)

	receiver, _, err = Open(receiver, envA, nil)
	require.NoError(t, err)

	_, _, err = Open(receiver, envA, nil)
	require.Error(t, err)
}

func TestReseedStartsNewEpochAndDropsOldSkippedKeys(t *testing.T) {
	rng := crypto.NewRng()
	seed, err := rng.RandomArray32()
	require.NoError(t, err)

	sender := New(seed)
	sender, _, err = Seal(sender, []byte("a"), nil, rng)
	require.NoError(t, err)

	newChain, err := rng.RandomArray32()
	require.NoError(t, err)
	reseeded := Reseed(sender, newChain)

	assert.Equal(t, uint64(1), reseeded.Epoch)
	assert.Equal(t, uint64(0), reseeded.Generation)

	reseeded, env, err := Seal(reseeded, []byte("first in new epoch"), nil, rng)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.Epoch)
}

func TestOpenRejectsUnknownFutureEpoch(t *testing.T) {
	rng := crypto.NewRng()
	seed, err := rng.RandomArray32()
	require.NoError(t, err)

	sender := New(seed)
	_, env, err := Seal(sender, []byte("x"), nil, rng)
	require.NoError(t, err)
	env.Epoch = 5

	receiver := New(seed)
	_, _, err = Open(receiver, env, nil)
	require.Error(t, err)
}
