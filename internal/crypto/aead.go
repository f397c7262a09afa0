package crypto

import (
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"golang.org/x/crypto/chacha20poly1305"
)

// AEADSeal encrypts plaintext with ChaCha20-Poly1305 under key, authenticating aad, and
// returns nonce||ciphertext. Grounded on the teacher's EncryptAESGCM, swapping AES-GCM for
// ChaCha20-Poly1305 per the spec's reference construction.
func AEADSeal(key, plaintext, aad []byte, rng *Rng) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "construct aead", err)
	}
	nonce, err := rng.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// AEADOpen reverses AEADSeal; ciphertext must be nonce||sealed-bytes.
func AEADOpen(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "construct aead", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, spaceerr.New(spaceerr.KindCryptoFailure, "ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "aead open", err)
	}
	return plaintext, nil
}

// XAEADSeal encrypts with XChaCha20-Poly1305, used where nonces must be safe to generate
// independently at high volume (the message ratchet, §4.G) rather than paired with a
// counter.
func XAEADSeal(key, plaintext, aad []byte, rng *Rng) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "construct xaead", err)
	}
	nonce, err := rng.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate xnonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// XAEADOpen reverses XAEADSeal.
func XAEADOpen(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "construct xaead", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, spaceerr.New(spaceerr.KindCryptoFailure, "ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "xaead open", err)
	}
	return plaintext, nil
}

// sealWithExplicitNonce exists so HPKE (which derives its own nonce from a sequence
// counter rather than sampling one) can reuse the same AEAD construction.
func sealWithExplicitNonce(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "construct aead", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func openWithExplicitNonce(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "construct aead", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "aead open", err)
	}
	return plaintext, nil
}
