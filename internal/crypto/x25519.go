package crypto

import (
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"golang.org/x/crypto/curve25519"
)

// SecretKey is a clamped X25519 scalar. It doubles as the XEdDSA signing key (4.A): the
// same key pair serves both Diffie-Hellman and signatures, so identities need only publish
// one public key.
type SecretKey [32]byte

// PublicKey is an X25519 point.
type PublicKey [32]byte

// GenerateSecretKey draws a fresh clamped X25519 scalar from rng.
func GenerateSecretKey(rng *Rng) (SecretKey, error) {
	raw, err := rng.RandomArray32()
	if err != nil {
		return SecretKey{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate secret key", err)
	}
	raw[0] &= 248
	raw[31] &= 127
	raw[31] |= 64
	return SecretKey(raw), nil
}

// Public derives the public X25519 point for this secret key.
func (s SecretKey) Public() PublicKey {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, (*[32]byte)(&s))
	return PublicKey(pub)
}

// DH performs X25519 Diffie-Hellman between our secret and their public key.
func (s SecretKey) DH(their PublicKey) ([32]byte, error) {
	var shared [32]byte
	scalar := [32]byte(s)
	point := [32]byte(their)
	curve25519.ScalarMult(&shared, &scalar, &point)
	var zero [32]byte
	if shared == zero {
		return shared, spaceerr.New(spaceerr.KindCryptoFailure, "low-order DH point")
	}
	return shared, nil
}
