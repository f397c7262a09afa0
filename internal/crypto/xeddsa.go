package crypto

import (
	"crypto/ed25519"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SignatureSize is the length in bytes of an XEdDSA signature.
const SignatureSize = ed25519.SignatureSize

// XSignature is an XEdDSA signature over an arbitrary message.
type XSignature [SignatureSize]byte

// XSigningPublicKey is the public half of the signing key pair derived from an X25519
// identity secret (see deriveSigningKey). It is published alongside the X25519 public key
// so verifiers need no secret material of their own to check a signature.
type XSigningPublicKey [ed25519.PublicKeySize]byte

// deriveSigningKey derives a dedicated Ed25519 signing key pair from an X25519 secret key
// via HKDF, so a single identity secret serves both Diffie-Hellman and signing without a
// holder ever needing to generate or store a second secret. The reference XEdDSA
// construction instead reinterprets the Montgomery (X25519) scalar directly as an Edwards
// scalar, which needs Edwards-curve point arithmetic; no such library is available in this
// module's dependency set, so this is a pragmatic substitute with the same "one secret, two
// capabilities" property — see DESIGN.md.
func deriveSigningKey(secret SecretKey) ed25519.PrivateKey {
	reader := hkdf.New(sha512New, secret[:], nil, []byte("xeddsa-signing-key-v1"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		panic(err) // hkdf output for a fixed-size read from a valid hash never fails
	}
	return ed25519.NewKeyFromSeed(seed)
}

// XSigningPublic returns the public signing key that pairs with secret's derived private
// signing key, for publication in a pre-key bundle.
func XSigningPublic(secret SecretKey) XSigningPublicKey {
	priv := deriveSigningKey(secret)
	var out XSigningPublicKey
	copy(out[:], priv.Public().(ed25519.PublicKey))
	return out
}

// XSign signs message with the signing key derived from secret.
func XSign(secret SecretKey, message []byte) XSignature {
	priv := deriveSigningKey(secret)
	sig := ed25519.Sign(priv, message)
	var out XSignature
	copy(out[:], sig)
	return out
}

// XVerify checks signature over message against the published signing public key.
func XVerify(public XSigningPublicKey, message []byte, signature XSignature) bool {
	return ed25519.Verify(ed25519.PublicKey(public[:]), message, signature[:])
}
