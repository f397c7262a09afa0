package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20"
)

// Rng is a CSPRNG. The zero value reads from the OS; NewSeeded returns a deterministic
// instance for reproducible tests (scenarios S1-S6 in the test suite rely on this).
type Rng struct {
	stream io.Reader
}

// NewRng returns an Rng backed by the OS CSPRNG.
func NewRng() *Rng {
	return &Rng{stream: rand.Reader}
}

// NewSeededRng returns a deterministic Rng derived from a 32-byte seed, for reproducible
// test scenarios. The stream is a ChaCha20 keystream keyed by the seed with a zero nonce.
func NewSeededRng(seed [32]byte) *Rng {
	nonce := make([]byte, chacha20.NonceSize)
	cipher, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce)
	if err != nil {
		// chacha20.NewUnauthenticatedCipher only fails on malformed key/nonce sizes,
		// which are both fixed-size arrays here.
		panic(err)
	}
	return &Rng{stream: &keystreamReader{cipher: cipher}}
}

type keystreamReader struct {
	cipher *chacha20.Cipher
}

func (k *keystreamReader) Read(p []byte) (int, error) {
	zero := make([]byte, len(p))
	k.cipher.XORKeyStream(p, zero)
	return len(p), nil
}

// RandomBytes fills and returns a slice of n random bytes.
func (r *Rng) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RandomArray32 returns 32 random bytes, the size used throughout the core for secrets,
// identity keys, and operation ids.
func (r *Rng) RandomArray32() ([32]byte, error) {
	var out [32]byte
	if _, err := io.ReadFull(r.stream, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
