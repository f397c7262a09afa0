// Package keymanager owns one participant's long-term identity key, its currently
// published signed pre-key, and a pool of one-time pre-keys consumed by X3DH-style
// handshakes (spec §4.B). Grounded verbatim on
// original_source/p2panda-group/src/key_manager.rs.
package keymanager

import (
	"time"

	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/wire"
)

// DefaultPrekeyValidity is the suggested signed pre-key rotation window for callers with
// no externally imposed policy (spec §4.B's prekey_lifetime).
const DefaultPrekeyValidity = 30 * 24 * time.Hour

// NewLifetime returns the (not-before, not-after) pair Init/RotatePrekey expect, as Unix
// seconds, covering validity starting at now.
func NewLifetime(now time.Time, validity time.Duration) [2]uint64 {
	return [2]uint64{uint64(now.Unix()), uint64(now.Add(validity).Unix())}
}

// OneTimePreKeyID identifies one entry in the local one-time pre-key pool. IDs are
// assigned sequentially and never reused, so a consumed id can never collide with a
// later-generated one.
type OneTimePreKeyID uint64

// State is one participant's key manager state: an identity key pair, a currently
// signed pre-key, and the pool of as-yet-unconsumed one-time pre-key secrets.
type State struct {
	IdentitySecret  crypto.SecretKey
	IdentityKey     crypto.PublicKey
	SigningKey      crypto.XSigningPublicKey
	PrekeySecret    crypto.SecretKey
	Prekey          crypto.PublicKey
	PrekeySignature crypto.XSignature
	PrekeyLifetime  [2]uint64
	OnetimeSecrets  map[OneTimePreKeyID]crypto.SecretKey
	OnetimeNextID   OneTimePreKeyID
}

// OneTimePreKeyPublic is the published half of a one-time pre-key, handed out by a
// directory/registry service for others to consume in a handshake.
type OneTimePreKeyPublic struct {
	ID     OneTimePreKeyID
	Public crypto.PublicKey
}

// Bundle is the publishable pre-key bundle a participant advertises so others can
// X3DH-handshake with them without an interactive round trip (spec §4.C). OneTime is nil
// once the directory has exhausted that participant's one-time pool; handshakes still
// proceed using only the signed pre-key, with a smaller forward-secrecy margin.
type Bundle struct {
	IdentityKey     crypto.PublicKey
	SigningKey      crypto.XSigningPublicKey
	Prekey          crypto.PublicKey
	PrekeySignature crypto.XSignature
	Lifetime        [2]uint64
	OneTime         *OneTimePreKeyPublic
}

// Init generates a fresh identity key pair and an initial signed pre-key valid for
// lifetime (spec §4.B's init(identity_secret, prekey_lifetime)).
func Init(rng *crypto.Rng, lifetime [2]uint64) (State, error) {
	identitySecret, err := crypto.GenerateSecretKey(rng)
	if err != nil {
		return State{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate identity key", err)
	}
	s := State{
		IdentitySecret: identitySecret,
		IdentityKey:    identitySecret.Public(),
		SigningKey:     crypto.XSigningPublic(identitySecret),
		OnetimeSecrets: make(map[OneTimePreKeyID]crypto.SecretKey),
	}
	return RotatePrekey(s, rng, lifetime)
}

// RotatePrekey replaces the currently published signed pre-key with a fresh one, signed
// by the identity key and valid for lifetime. Callers republish the resulting Bundle so
// peers stop using the old pre-key for new handshakes; in-flight sessions already derived
// from it are unaffected.
func RotatePrekey(s State, rng *crypto.Rng, lifetime [2]uint64) (State, error) {
	prekeySecret, err := crypto.GenerateSecretKey(rng)
	if err != nil {
		return s, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate prekey", err)
	}
	prekey := prekeySecret.Public()
	out := s
	out.PrekeySecret = prekeySecret
	out.Prekey = prekey
	out.PrekeySignature = crypto.XSign(s.IdentitySecret, prekey[:])
	out.PrekeyLifetime = lifetime
	return out, nil
}

// GenerateOnetimePreKeys extends the one-time pre-key pool by count fresh entries and
// returns their public halves for publication. The secrets stay local until consumed by
// UseOnetimeSecret.
func GenerateOnetimePreKeys(s State, count int, rng *crypto.Rng) (State, []OneTimePreKeyPublic, error) {
	out := s
	out.OnetimeSecrets = make(map[OneTimePreKeyID]crypto.SecretKey, len(s.OnetimeSecrets)+count)
	for id, secret := range s.OnetimeSecrets {
		out.OnetimeSecrets[id] = secret
	}

	published := make([]OneTimePreKeyPublic, 0, count)
	for i := 0; i < count; i++ {
		secret, err := crypto.GenerateSecretKey(rng)
		if err != nil {
			return s, nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate onetime prekey", err)
		}
		id := out.OnetimeNextID
		out.OnetimeNextID++
		out.OnetimeSecrets[id] = secret
		published = append(published, OneTimePreKeyPublic{ID: id, Public: secret.Public()})
	}
	return out, published, nil
}

// UseOnetimeSecret consumes and removes the one-time pre-key secret for id, returning
// KindUnknownOneTimePreKey if it was already consumed or never existed. A directory
// service calls this at most once per id before handing the bundle to an initiator.
func UseOnetimeSecret(s State, id OneTimePreKeyID) (State, crypto.SecretKey, error) {
	secret, ok := s.OnetimeSecrets[id]
	if !ok {
		return s, crypto.SecretKey{}, spaceerr.New(spaceerr.KindUnknownOneTimePreKey, "onetime prekey already consumed or unknown")
	}
	out := s
	out.OnetimeSecrets = make(map[OneTimePreKeyID]crypto.SecretKey, len(s.OnetimeSecrets)-1)
	for otherID, otherSecret := range s.OnetimeSecrets {
		if otherID == id {
			continue
		}
		out.OnetimeSecrets[otherID] = otherSecret
	}
	return out, secret, nil
}

// PublishBundle builds the Bundle a directory/registry publishes on this participant's
// behalf. onetime is optional: pass nil once the pool is exhausted.
func PublishBundle(s State, onetime *OneTimePreKeyPublic) Bundle {
	return Bundle{
		IdentityKey:     s.IdentityKey,
		SigningKey:      s.SigningKey,
		Prekey:          s.Prekey,
		PrekeySignature: s.PrekeySignature,
		Lifetime:        s.PrekeyLifetime,
		OneTime:         onetime,
	}
}

// VerifyBundle checks that a fetched Bundle's signed pre-key is actually signed by the
// identity key it claims and that its lifetime has not expired, rejecting a tampered or
// stale bundle before it's used to seed a handshake (spec §3's verify_signature and
// verify_lifetime checks).
func VerifyBundle(b Bundle) error {
	if !crypto.XVerify(b.SigningKey, b.Prekey[:], b.PrekeySignature) {
		return spaceerr.New(spaceerr.KindInvalidBundle, "prekey signature does not verify against bundle identity key")
	}
	now := uint64(time.Now().Unix())
	if now < b.Lifetime[0] || now > b.Lifetime[1] {
		return spaceerr.New(spaceerr.KindInvalidBundle, "prekey bundle lifetime expired or not yet valid")
	}
	return nil
}

// ToWire converts b to its publishable wire form (spec §6), for a directory service to
// store/transmit in place of this package's gob encoding.
func (b Bundle) ToWire() wire.PreKeyBundleWire {
	w := wire.PreKeyBundleWire{
		IdentityKey:     identity.ID(b.IdentityKey),
		SigningKey:      [32]byte(b.SigningKey),
		SignedPrekey:    [32]byte(b.Prekey),
		Lifetime:        b.Lifetime,
		PrekeySignature: [64]byte(b.PrekeySignature),
	}
	if b.OneTime != nil {
		id := uint64(b.OneTime.ID)
		key := [32]byte(b.OneTime.Public)
		w.OnetimeID = &id
		w.OnetimeKey = &key
	}
	return w
}

// BundleFromWire reverses ToWire.
func BundleFromWire(w wire.PreKeyBundleWire) Bundle {
	b := Bundle{
		IdentityKey:     crypto.PublicKey(w.IdentityKey),
		SigningKey:      crypto.XSigningPublicKey(w.SigningKey),
		Prekey:          crypto.PublicKey(w.SignedPrekey),
		Lifetime:        w.Lifetime,
		PrekeySignature: crypto.XSignature(w.PrekeySignature),
	}
	if w.OnetimeID != nil && w.OnetimeKey != nil {
		b.OneTime = &OneTimePreKeyPublic{
			ID:     OneTimePreKeyID(*w.OnetimeID),
			Public: crypto.PublicKey(*w.OnetimeKey),
		}
	}
	return b
}
