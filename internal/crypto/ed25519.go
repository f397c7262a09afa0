package crypto

import "crypto/ed25519"

// Ed25519KeyPair is a standalone Ed25519 identity, used where a participant publishes a
// dedicated signing key rather than relying on XEdDSA's single-key-pair trick (e.g. test
// fixtures that want to sign arbitrary fixtures without going through an X25519 identity).
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateEd25519 creates a fresh Ed25519 key pair from rng.
func GenerateEd25519(rng *Rng) (Ed25519KeyPair, error) {
	seed, err := rng.RandomBytes(ed25519.SeedSize)
	if err != nil {
		return Ed25519KeyPair{}, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Ed25519KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Sign signs message with the Ed25519 private key.
func (k Ed25519KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify checks an Ed25519 signature.
func Verify(public ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(public, message, signature)
}
