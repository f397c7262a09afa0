package space

import (
	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/keymanager"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/twoparty"
	"github.com/jaydenbeard/spacecore/internal/wire"
)

// directHeader is present only on the first direct message ever sent to a peer: it carries
// the X3DH handshake material the 2SM session is initialized from (spec §4.C). Every
// DirectMessage.Ciphertext value is directHeader (optional) followed by a twoparty.Envelope,
// both opaque to everything outside this file per spec §6 ("the core only stores/forwards
// it").
type directHeader struct {
	ephemeral crypto.PublicKey
	onetimeID *uint32
}

func encodeDirectPayload(hdr *directHeader, env twoparty.Envelope) []byte {
	e := wire.NewEncoder()
	hasHeader := hdr != nil
	e.U8(boolByte(hasHeader))
	if hasHeader {
		e.Raw(hdr.ephemeral[:])
		hasOnetime := hdr.onetimeID != nil
		e.U8(boolByte(hasOnetime))
		if hasOnetime {
			e.U64(uint64(*hdr.onetimeID))
		}
	}
	e.Raw(env.Encode())
	return e.Bytes()
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func decodeDirectPayload(b []byte) (*directHeader, twoparty.Envelope, error) {
	d := wire.NewDecoder(b)
	hasHeader, err := d.U8()
	if err != nil {
		return nil, twoparty.Envelope{}, err
	}
	var hdr *directHeader
	if hasHeader != 0 {
		raw, err := d.Raw(32)
		if err != nil {
			return nil, twoparty.Envelope{}, err
		}
		h := &directHeader{}
		copy(h.ephemeral[:], raw)
		hasOnetime, err := d.U8()
		if err != nil {
			return nil, twoparty.Envelope{}, err
		}
		if hasOnetime != 0 {
			id, err := d.U64()
			if err != nil {
				return nil, twoparty.Envelope{}, err
			}
			onetimeID := uint32(id)
			h.onetimeID = &onetimeID
		}
		hdr = h
	}
	rest, err := d.Raw(d.Remaining())
	if err != nil {
		return nil, twoparty.Envelope{}, err
	}
	env, err := twoparty.DecodeEnvelope(rest)
	return hdr, env, err
}

// sealDirect encrypts plaintext (a DCGKA seed) for peer over 2SM, establishing a fresh
// session via X3DH against peer's published bundle if none exists yet.
func (s *Space) sealDirect(peer identity.ID, plaintext []byte) ([]byte, error) {
	sess, ok := s.TwoParty[peer]
	var hdr *directHeader
	if !ok {
		bundle, err := s.Directory.Bundle(peer)
		if err != nil {
			return nil, spaceerr.Wrap(spaceerr.KindInvalidBundle, "fetch peer bundle", err)
		}
		if err := keymanager.VerifyBundle(bundle); err != nil {
			return nil, err
		}
		newSess, ephemeral, err := twoparty.InitiateSession(s.KeyManager.IdentitySecret, peer, bundle, s.RNG)
		if err != nil {
			return nil, err
		}
		sess = newSess
		hdr = &directHeader{ephemeral: ephemeral}
		if bundle.OneTime != nil {
			id := uint32(bundle.OneTime.ID)
			hdr.onetimeID = &id
		}
	}

	newSess, env, err := twoparty.Seal(sess, plaintext, s.RNG)
	if err != nil {
		return nil, err
	}
	s.TwoParty[peer] = newSess
	return encodeDirectPayload(hdr, env), nil
}

// openDirect decrypts a direct message from sender, completing the responder side of the
// X3DH handshake the first time a direct message from sender arrives.
func (s *Space) openDirect(sender identity.ID, payload []byte) ([]byte, error) {
	hdr, env, err := decodeDirectPayload(payload)
	if err != nil {
		return nil, err
	}

	sess, ok := s.TwoParty[sender]
	if !ok {
		if hdr == nil {
			return nil, spaceerr.New(spaceerr.KindCannotDecryptDirect, "no 2sm session and no handshake header from sender")
		}
		var onetimeSecret *crypto.SecretKey
		if hdr.onetimeID != nil {
			newKM, secret, err := keymanager.UseOnetimeSecret(s.KeyManager, keymanager.OneTimePreKeyID(*hdr.onetimeID))
			if err != nil {
				return nil, err
			}
			s.KeyManager = newKM
			onetimeSecret = &secret
		}
		newSess, err := twoparty.AcceptSession(s.KeyManager.IdentitySecret, s.KeyManager.PrekeySecret, onetimeSecret, sender, crypto.PublicKey(sender), hdr.ephemeral)
		if err != nil {
			return nil, err
		}
		sess = newSess
	}

	newSess, plaintext, err := twoparty.Open(sess, env)
	if err != nil {
		return nil, err
	}
	s.TwoParty[sender] = newSess
	return plaintext, nil
}
