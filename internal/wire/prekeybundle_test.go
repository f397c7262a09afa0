package wire

import (
	"testing"

	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreKeyBundleEncodeDecodeRoundTripWithOnetime(t *testing.T) {
	onetimeID := uint64(7)
	var onetimeKey [32]byte
	onetimeKey[0] = 0xAB

	want := PreKeyBundleWire{
		IdentityKey:     identity.ID{1, 2, 3},
		SigningKey:      [32]byte{4, 5, 6},
		SignedPrekey:    [32]byte{7, 8, 9},
		Lifetime:        [2]uint64{1000, 2000},
		PrekeySignature: [64]byte{10, 11, 12},
		OnetimeID:       &onetimeID,
		OnetimeKey:      &onetimeKey,
	}

	got, err := DecodePreKeyBundle(EncodePreKeyBundle(want))
	require.NoError(t, err)
	assert.Equal(t, want.IdentityKey, got.IdentityKey)
	assert.Equal(t, want.SigningKey, got.SigningKey)
	assert.Equal(t, want.SignedPrekey, got.SignedPrekey)
	assert.Equal(t, want.Lifetime, got.Lifetime)
	assert.Equal(t, want.PrekeySignature, got.PrekeySignature)
	require.NotNil(t, got.OnetimeID)
	assert.Equal(t, *want.OnetimeID, *got.OnetimeID)
	require.NotNil(t, got.OnetimeKey)
	assert.Equal(t, *want.OnetimeKey, *got.OnetimeKey)
}

func TestPreKeyBundleEncodeDecodeRoundTripWithoutOnetime(t *testing.T) {
	want := PreKeyBundleWire{
		IdentityKey:     identity.ID{9},
		SigningKey:      [32]byte{8},
		SignedPrekey:    [32]byte{7},
		Lifetime:        [2]uint64{100, 200},
		PrekeySignature: [64]byte{6},
	}

	got, err := DecodePreKeyBundle(EncodePreKeyBundle(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Nil(t, got.OnetimeID)
	assert.Nil(t, got.OnetimeKey)
}
