package crypto

// RngProvider is the capability set every stateful component takes a dependency on instead
// of reading global randomness directly, so tests can substitute NewSeededRng for
// reproducible scenarios (spec §8, scenarios S1-S6).
type RngProvider interface {
	RandomBytes(n int) ([]byte, error)
	RandomArray32() ([32]byte, error)
}

// CryptoProvider bundles the AEAD, HKDF, HPKE, and Ed25519 sign/verify primitives the core
// depends on, grounded on p2panda-group/src/crypto/provider.rs's capability-set split.
type CryptoProvider interface {
	AEADSeal(key, plaintext, aad []byte, rng RngProvider) ([]byte, error)
	AEADOpen(key, ciphertext, aad []byte) ([]byte, error)
	HKDF(secret, salt, info []byte, outLen int) ([]byte, error)
	HPKESeal(recipientPublic PublicKey, plaintext, aad []byte, rng RngProvider) (HPKESealedBox, error)
	HPKEOpen(recipientSecret SecretKey, box HPKESealedBox, aad []byte) ([]byte, error)
}

// XCryptoProvider adds XEdDSA signing/verification and X25519 agreement on top of
// CryptoProvider, so the same identity key pair signs and performs DH.
type XCryptoProvider interface {
	CryptoProvider
	XSign(secret SecretKey, message []byte) XSignature
	XVerify(public XSigningPublicKey, message []byte, signature XSignature) bool
	XAgree(secret SecretKey, public PublicKey) ([32]byte, error)
}

// DefaultProvider is the reference CryptoProvider/XCryptoProvider implementation: DHKEM-X25519
// + SHA-256 HKDF + (X)ChaCha20-Poly1305 + an HKDF-derived Ed25519 signing key, per spec §4.A.
type DefaultProvider struct{}

var _ XCryptoProvider = DefaultProvider{}

func (DefaultProvider) AEADSeal(key, plaintext, aad []byte, rng RngProvider) ([]byte, error) {
	return AEADSeal(key, plaintext, aad, asRng(rng))
}

func (DefaultProvider) AEADOpen(key, ciphertext, aad []byte) ([]byte, error) {
	return AEADOpen(key, ciphertext, aad)
}

func (DefaultProvider) HKDF(secret, salt, info []byte, outLen int) ([]byte, error) {
	return HKDFDerive(secret, salt, info, outLen)
}

func (DefaultProvider) HPKESeal(recipientPublic PublicKey, plaintext, aad []byte, rng RngProvider) (HPKESealedBox, error) {
	return HPKESeal(recipientPublic, plaintext, aad, asRng(rng))
}

func (DefaultProvider) HPKEOpen(recipientSecret SecretKey, box HPKESealedBox, aad []byte) ([]byte, error) {
	return HPKEOpen(recipientSecret, box, aad)
}

func (DefaultProvider) XSign(secret SecretKey, message []byte) XSignature {
	return XSign(secret, message)
}

func (DefaultProvider) XVerify(public XSigningPublicKey, message []byte, signature XSignature) bool {
	return XVerify(public, message, signature)
}

func (DefaultProvider) XAgree(secret SecretKey, public PublicKey) ([32]byte, error) {
	return secret.DH(public)
}

// asRng adapts an RngProvider back to the concrete *Rng the package-level helper functions
// expect. *Rng already satisfies RngProvider, so this is only needed to support alternative
// implementations passed in through the interface.
func asRng(rng RngProvider) *Rng {
	if r, ok := rng.(*Rng); ok {
		return r
	}
	return &Rng{stream: &providerReader{rng}}
}

type providerReader struct{ rng RngProvider }

func (p *providerReader) Read(buf []byte) (int, error) {
	b, err := p.rng.RandomBytes(len(buf))
	if err != nil {
		return 0, err
	}
	copy(buf, b)
	return len(buf), nil
}
