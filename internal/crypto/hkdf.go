package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"golang.org/x/crypto/hkdf"
)

func sha512New() hash.Hash { return sha512.New() }

// HKDFDerive derives outLen bytes from secret using HKDF-SHA256, grounded on the teacher's
// internal/security/signal.go HKDFDeriveKey helper and generalized to a free function shared
// by every ratchet/DCGKA derivation site.
func HKDFDerive(secret, salt, info []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "hkdf derive", err)
	}
	return out, nil
}

// Sha512 hashes data with SHA-512, used by the XEdDSA-style signing key derivation.
func Sha512(data ...[]byte) [64]byte {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}
