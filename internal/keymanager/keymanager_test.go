package keymanager

import (
	"testing"
	"time"

	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLifetime() [2]uint64 {
	return NewLifetime(time.Now(), DefaultPrekeyValidity)
}

func TestInitProducesVerifiableBundle(t *testing.T) {
	rng := crypto.NewRng()
	s, err := Init(rng, testLifetime())
	require.NoError(t, err)

	bundle := PublishBundle(s, nil)
	assert.NoError(t, VerifyBundle(bundle))
}

func TestRotatePrekeyChangesKeyAndKeepsSignatureValid(t *testing.T) {
	rng := crypto.NewRng()
	s, err := Init(rng, testLifetime())
	require.NoError(t, err)

	oldPrekey := s.Prekey
	rotated, err := RotatePrekey(s, rng, testLifetime())
	require.NoError(t, err)

	assert.NotEqual(t, oldPrekey, rotated.Prekey)
	assert.NoError(t, VerifyBundle(PublishBundle(rotated, nil)))
}

func TestVerifyBundleRejectsExpiredLifetime(t *testing.T) {
	rng := crypto.NewRng()
	expired := NewLifetime(time.Now().Add(-48*time.Hour), 24*time.Hour)
	s, err := Init(rng, expired)
	require.NoError(t, err)

	err = VerifyBundle(PublishBundle(s, nil))
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindInvalidBundle, err.(*spaceerr.Error).Kind)
}

func TestVerifyBundleRejectsNotYetValidLifetime(t *testing.T) {
	rng := crypto.NewRng()
	future := NewLifetime(time.Now().Add(24*time.Hour), 24*time.Hour)
	s, err := Init(rng, future)
	require.NoError(t, err)

	err = VerifyBundle(PublishBundle(s, nil))
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindInvalidBundle, err.(*spaceerr.Error).Kind)
}

func TestVerifyBundleRejectsTamperedPrekey(t *testing.T) {
	rng := crypto.NewRng()
	s, err := Init(rng, testLifetime())
	require.NoError(t, err)

	bundle := PublishBundle(s, nil)
	bundle.Prekey[0] ^= 0xFF

	err = VerifyBundle(bundle)
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindInvalidBundle, err.(*spaceerr.Error).Kind)
}

func TestBundleWireRoundTripStillVerifies(t *testing.T) {
	rng := crypto.NewRng()
	s, err := Init(rng, testLifetime())
	require.NoError(t, err)
	s, onetimes, err := GenerateOnetimePreKeys(s, 1, rng)
	require.NoError(t, err)

	bundle := PublishBundle(s, &onetimes[0])
	roundTripped := BundleFromWire(bundle.ToWire())

	assert.Equal(t, bundle, roundTripped)
	assert.NoError(t, VerifyBundle(roundTripped))
}

func TestOnetimePreKeysConsumedOnce(t *testing.T) {
	rng := crypto.NewRng()
	s, err := Init(rng, testLifetime())
	require.NoError(t, err)

	s, published, err := GenerateOnetimePreKeys(s, 3, rng)
	require.NoError(t, err)
	require.Len(t, published, 3)

	target := published[1]
	s, secret, err := UseOnetimeSecret(s, target.ID)
	require.NoError(t, err)
	assert.Equal(t, target.Public, secret.Public())
	assert.Len(t, s.OnetimeSecrets, 2)

	_, _, err = UseOnetimeSecret(s, target.ID)
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindUnknownOneTimePreKey, err.(*spaceerr.Error).Kind)
}

func TestOnetimePreKeyIDsNeverReused(t *testing.T) {
	rng := crypto.NewRng()
	s, err := Init(rng, testLifetime())
	require.NoError(t, err)

	s, first, err := GenerateOnetimePreKeys(s, 2, rng)
	require.NoError(t, err)
	s, _, err = UseOnetimeSecret(s, first[0].ID)
	require.NoError(t, err)

	_, second, err := GenerateOnetimePreKeys(s, 2, rng)
	require.NoError(t, err)
	for _, p := range second {
		assert.NotEqual(t, first[0].ID, p.ID)
	}
}
