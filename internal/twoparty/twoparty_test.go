package twoparty

import (
	"testing"
	"time"

	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/keymanager"
	"github.com/stretchr/testify/require"
)

func testLifetime() [2]uint64 {
	return keymanager.NewLifetime(time.Now(), keymanager.DefaultPrekeyValidity)
}

func mkIdentity(b byte) identity.ID {
	var out identity.ID
	for i := range out {
		out[i] = b
	}
	return out
}

func TestHandshakeAndExchangeWithOnetime(t *testing.T) {
	rng := crypto.NewRng()

	initiatorSecret, err := crypto.GenerateSecretKey(rng)
	require.NoError(t, err)

	responder, err := keymanager.Init(rng, testLifetime())
	require.NoError(t, err)
	responder, onetimes, err := keymanager.GenerateOnetimePreKeys(responder, 1, rng)
	require.NoError(t, err)

	bundle := keymanager.PublishBundle(responder, &onetimes[0])
	require.NoError(t, keymanager.VerifyBundle(bundle))

	initiatorState, ephemeral, err := InitiateSession(initiatorSecret, mkIdentity(2), bundle, rng)
	require.NoError(t, err)

	responder, onetimeSecret, err := keymanager.UseOnetimeSecret(responder, onetimes[0].ID)
	require.NoError(t, err)

	responderState, err := AcceptSession(responder.IdentitySecret, responder.PrekeySecret, &onetimeSecret, mkIdentity(1), initiatorSecret.Public(), ephemeral)
	require.NoError(t, err)

	require.Equal(t, initiatorState.SendChainKey, responderState.RecvChainKey)
	require.Equal(t, initiatorState.RecvChainKey, responderState.SendChainKey)

	var after Envelope
	var plaintext []byte
	initiatorState, after, err = Seal(initiatorState, []byte("seed secret payload"), rng)
	require.NoError(t, err)

	responderState, plaintext, err = Open(responderState, after)
	require.NoError(t, err)
	require.Equal(t, "seed secret payload", string(plaintext))

	// Second message in the same direction advances the chain again.
	_, second, err := Seal(initiatorState, []byte("second message"), rng)
	require.NoError(t, err)
	_, plaintext2, err := Open(responderState, second)
	require.NoError(t, err)
	require.Equal(t, "second message", string(plaintext2))
}

func TestOpenRejectsOutOfOrderEnvelope(t *testing.T) {
	rng := crypto.NewRng()
	initiatorSecret, err := crypto.GenerateSecretKey(rng)
	require.NoError(t, err)

	responder, err := keymanager.Init(rng, testLifetime())
	require.NoError(t, err)
	bundle := keymanager.PublishBundle(responder, nil)

	initiatorState, ephemeral, err := InitiateSession(initiatorSecret, mkIdentity(2), bundle, rng)
	require.NoError(t, err)
	responderState, err := AcceptSession(responder.IdentitySecret, responder.PrekeySecret, nil, mkIdentity(1), initiatorSecret.Public(), ephemeral)
	require.NoError(t, err)

	stateAfterA, envA, err := Seal(initiatorState, []byte("first"), rng)
	require.NoError(t, err)
	_, envB, err := Seal(stateAfterA, []byte("second"), rng)
	require.NoError(t, err)

	_, _, err = Open(responderState, envB)
	require.Error(t, err)

	responderState, _, err = Open(responderState, envA)
	require.NoError(t, err)
}
