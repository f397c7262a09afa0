// Package twoparty implements 2SM, the two-party secure messaging side channel DCGKA uses
// to deliver seed and member secrets out of band from the main group ratchet (spec §4.C).
// A session is established once via an X3DH-style handshake against a peer's published
// keymanager.Bundle, then advances a single symmetric sending/receiving chain per
// direction. Grounded on the teacher's internal/security/signal.go X3DH and Double
// Ratchet helpers, generalized to this module's crypto provider.
package twoparty

import (
	"encoding/binary"

	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/keymanager"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/jaydenbeard/spacecore/internal/wire"
)

var x3dhInfo = []byte("spacecore-2sm-x3dh-v1")

// State is one two-party session, keyed by the peer's identity in the caller's session
// map. SendChain/RecvChain are independent HKDF chains derived from the initial X3DH
// secret, so once established neither side needs the identity secret again.
type State struct {
	Peer           identity.ID
	SendChainKey   [32]byte
	RecvChainKey   [32]byte
	SendCounter    uint64
	RecvCounter    uint64
	initiator      bool
}

// Envelope is one 2SM message on the wire: the sender's chain position plus an
// AEAD-sealed payload under the chain key at that position.
type Envelope struct {
	Counter    uint64
	Ciphertext []byte
}

// Encode serializes env to the opaque bytes blob carried as a ControlOperation direct
// message or a standalone 2SM transport frame (spec §6: "an opaque bytes blob whose
// internal format is the 2SM ratchet's business").
func (env Envelope) Encode() []byte {
	e := wire.NewEncoder()
	e.U64(env.Counter)
	e.LengthPrefixed(env.Ciphertext)
	return e.Bytes()
}

// DecodeEnvelope parses the bytes Encode produced.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < 8 {
		return Envelope{}, spaceerr.New(spaceerr.KindUnexpectedMessage, "2sm envelope shorter than counter field")
	}
	counter := binary.LittleEndian.Uint64(b[:8])
	rest := b[8:]
	if len(rest) < 8 {
		return Envelope{}, spaceerr.New(spaceerr.KindUnexpectedMessage, "2sm envelope missing ciphertext length")
	}
	length := binary.LittleEndian.Uint64(rest[:8])
	rest = rest[8:]
	if uint64(len(rest)) < length {
		return Envelope{}, spaceerr.New(spaceerr.KindUnexpectedMessage, "2sm envelope ciphertext truncated")
	}
	return Envelope{Counter: counter, Ciphertext: rest[:length]}, nil
}

// InitiateSession runs the initiating side of the handshake: initiatorSecret is the
// caller's own identity secret, peerBundle is the responder's fetched and
// keymanager.VerifyBundle-checked pre-key bundle. Returns the established session and the
// ephemeral public key the initiator must send alongside the first Envelope so the
// responder can complete its side.
func InitiateSession(initiatorSecret crypto.SecretKey, peerIdentity identity.ID, peerBundle keymanager.Bundle, rng *crypto.Rng) (State, crypto.PublicKey, error) {
	ephemeralSecret, err := crypto.GenerateSecretKey(rng)
	if err != nil {
		return State{}, crypto.PublicKey{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "generate x3dh ephemeral key", err)
	}

	dh1, err := initiatorSecret.DH(peerBundle.Prekey)
	if err != nil {
		return State{}, crypto.PublicKey{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh1", err)
	}
	dh2, err := ephemeralSecret.DH(peerBundle.IdentityKey)
	if err != nil {
		return State{}, crypto.PublicKey{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh2", err)
	}
	dh3, err := ephemeralSecret.DH(peerBundle.Prekey)
	if err != nil {
		return State{}, crypto.PublicKey{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh3", err)
	}

	concat := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if peerBundle.OneTime != nil {
		dh4, err := ephemeralSecret.DH(peerBundle.OneTime.Public)
		if err != nil {
			return State{}, crypto.PublicKey{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh4", err)
		}
		concat = append(concat, dh4[:]...)
	}

	secret, err := deriveInitialChains(concat)
	if err != nil {
		return State{}, crypto.PublicKey{}, err
	}
	return State{
		Peer:         peerIdentity,
		SendChainKey: secret.initiatorToResponder,
		RecvChainKey: secret.responderToInitiator,
		initiator:    true,
	}, ephemeralSecret.Public(), nil
}

// AcceptSession runs the responding side: responderSecret/prekeySecret are the keys whose
// public halves were published in the bundle the initiator used, onetimeSecret is the
// secret UseOnetimeSecret returned for the consumed one-time pre-key, or nil if none was
// offered. initiatorIdentity/initiatorEphemeral are read off the first handshake message.
func AcceptSession(responderSecret, prekeySecret crypto.SecretKey, onetimeSecret *crypto.SecretKey, peerIdentity identity.ID, initiatorIdentityKey, initiatorEphemeral crypto.PublicKey) (State, error) {
	dh1, err := prekeySecret.DH(initiatorIdentityKey)
	if err != nil {
		return State{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh1", err)
	}
	dh2, err := responderSecret.DH(initiatorEphemeral)
	if err != nil {
		return State{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh2", err)
	}
	dh3, err := prekeySecret.DH(initiatorEphemeral)
	if err != nil {
		return State{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh3", err)
	}

	concat := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if onetimeSecret != nil {
		dh4, err := onetimeSecret.DH(initiatorEphemeral)
		if err != nil {
			return State{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "x3dh dh4", err)
		}
		concat = append(concat, dh4[:]...)
	}

	secret, err := deriveInitialChains(concat)
	if err != nil {
		return State{}, err
	}
	return State{
		Peer:         peerIdentity,
		SendChainKey: secret.responderToInitiator,
		RecvChainKey: secret.initiatorToResponder,
		initiator:    false,
	}, nil
}

type initialChains struct {
	initiatorToResponder [32]byte
	responderToInitiator [32]byte
}

func deriveInitialChains(concatDH []byte) (initialChains, error) {
	var zeroSalt [32]byte
	out, err := crypto.HKDFDerive(concatDH, zeroSalt[:], x3dhInfo, 64)
	if err != nil {
		return initialChains{}, spaceerr.Wrap(spaceerr.KindCryptoFailure, "derive x3dh chains", err)
	}
	var chains initialChains
	copy(chains.initiatorToResponder[:], out[:32])
	copy(chains.responderToInitiator[:], out[32:])
	return chains, nil
}

var sendInfo = []byte("spacecore-2sm-send-v1")
var msgInfo = []byte("spacecore-2sm-msg-v1")

// Seal advances the send chain one step and encrypts plaintext under the resulting
// message key, returning the updated state and the Envelope to transmit.
func Seal(s State, plaintext []byte, rng *crypto.Rng) (State, Envelope, error) {
	nextChainKey, messageKey, err := ratchetStep(s.SendChainKey)
	if err != nil {
		return s, Envelope{}, err
	}
	ciphertext, err := crypto.AEADSeal(messageKey[:], plaintext, nil, rng)
	crypto.Zero(messageKey[:])
	if err != nil {
		return s, Envelope{}, err
	}

	out := s
	out.SendChainKey = nextChainKey
	out.SendCounter++
	return out, Envelope{Counter: out.SendCounter, Ciphertext: ciphertext}, nil
}

// Open advances the receive chain to env.Counter and decrypts its ciphertext.
// KindUnexpectedMessage is returned for a counter at or behind the current position: 2SM
// carries only ordered control traffic and never needs the ratchet's skipped-key window.
func Open(s State, env Envelope) (State, []byte, error) {
	if env.Counter != s.RecvCounter+1 {
		return s, nil, spaceerr.New(spaceerr.KindUnexpectedMessage, "2sm envelope out of order")
	}
	nextChainKey, messageKey, err := ratchetStep(s.RecvChainKey)
	if err != nil {
		return s, nil, err
	}
	plaintext, err := crypto.AEADOpen(messageKey[:], env.Ciphertext, nil)
	crypto.Zero(messageKey[:])
	if err != nil {
		return s, nil, spaceerr.Wrap(spaceerr.KindCannotDecryptDirect, "2sm envelope decrypt failed", err)
	}

	out := s
	out.RecvChainKey = nextChainKey
	out.RecvCounter = env.Counter
	return out, plaintext, nil
}

// ratchetStep derives the next chain key and a message key from the current chain key,
// using distinct HKDF info strings so neither can be recovered from the other.
func ratchetStep(chainKey [32]byte) (next [32]byte, messageKey [32]byte, err error) {
	nextBytes, err := crypto.HKDFDerive(chainKey[:], nil, sendInfo, 32)
	if err != nil {
		return next, messageKey, spaceerr.Wrap(spaceerr.KindCryptoFailure, "2sm chain step", err)
	}
	keyBytes, err := crypto.HKDFDerive(chainKey[:], nil, msgInfo, 32)
	if err != nil {
		return next, messageKey, spaceerr.Wrap(spaceerr.KindCryptoFailure, "2sm message key", err)
	}
	copy(next[:], nextBytes)
	copy(messageKey[:], keyBytes)
	return next, messageKey, nil
}
