package crypto

import (
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
)

// HPKESealedBox is the output of HPKESeal: an ephemeral public key plus an AEAD ciphertext
// sealed under a key derived from the DH of that ephemeral key and the recipient's public
// key. This module assembles it from the existing X25519 + HKDF + ChaCha20-Poly1305
// primitives (DHKEM-X25519 + HKDF-SHA256 + ChaCha20-Poly1305, RFC 9180's "base" mode),
// because no standalone HPKE package is available in this module's dependency set; see
// DESIGN.md.
type HPKESealedBox struct {
	EphemeralPublic PublicKey
	Ciphertext      []byte
}

const hpkeInfo = "spacecore-hpke-v1"

// HPKESeal seals plaintext to recipientPublic. aad is authenticated but not encrypted.
func HPKESeal(recipientPublic PublicKey, plaintext, aad []byte, rng *Rng) (HPKESealedBox, error) {
	ephemeralSecret, err := GenerateSecretKey(rng)
	if err != nil {
		return HPKESealedBox{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "hpke ephemeral key", err)
	}
	shared, err := ephemeralSecret.DH(recipientPublic)
	if err != nil {
		return HPKESealedBox{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "hpke dh", err)
	}
	ephemeralPublic := ephemeralSecret.Public()
	key, err := hpkeKey(shared, ephemeralPublic, recipientPublic)
	if err != nil {
		return HPKESealedBox{}, err
	}
	ciphertext, err := AEADSeal(key, plaintext, aad, rng)
	Zero(shared[:])
	Zero(key)
	if err != nil {
		return HPKESealedBox{}, err
	}
	return HPKESealedBox{EphemeralPublic: ephemeralPublic, Ciphertext: ciphertext}, nil
}

// HPKEOpen opens a box sealed to recipientSecret's public key.
func HPKEOpen(recipientSecret SecretKey, box HPKESealedBox, aad []byte) ([]byte, error) {
	shared, err := recipientSecret.DH(box.EphemeralPublic)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "hpke dh", err)
	}
	key, err := hpkeKey(shared, box.EphemeralPublic, recipientSecret.Public())
	if err != nil {
		return nil, err
	}
	plaintext, err := AEADOpen(key, box.Ciphertext, aad)
	Zero(shared[:])
	Zero(key)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func hpkeKey(shared [32]byte, ephemeralPublic, recipientPublic PublicKey) ([]byte, error) {
	salt := append(append([]byte{}, ephemeralPublic[:]...), recipientPublic[:]...)
	return HKDFDerive(shared[:], salt, []byte(hpkeInfo), 32)
}
