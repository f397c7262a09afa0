// Package ratchet implements the per-sender message ratchet (spec §4.G): an outer chain
// secret advanced once per DCGKA epoch (re-seeded whenever dcgka.ReceiveSeed/ReceiveAck
// produces a new ChainSecret for that sender), driving an inner per-message chain key
// that advances on every encrypt/decrypt. Grounded on the teacher's
// internal/security/signal.go DeriveMessageKey/RatchetStep HKDF-chaining idiom and
// internal/security/keyrotation.go's bounded-window idea, generalized from Double Ratchet
// DH steps to DCGKA-driven outer-epoch steps.
package ratchet

import (
	"github.com/jaydenbeard/spacecore/internal/crypto"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
)

// DefaultSkippedKeyWindow bounds how many out-of-order inner generations within the
// current epoch a receiver will hold onto before evicting the oldest, per spec §4.G.
const DefaultSkippedKeyWindow = 64

var messageKeyInfo = []byte("spacecore-ratchet-message-key-v1")
var nextChainInfo = []byte("spacecore-ratchet-next-chain-v1")

// Envelope is one sealed application message: the sending epoch and inner generation
// counter travel alongside the ciphertext so a receiver can derive the matching key
// without having processed every prior message.
type Envelope struct {
	Epoch      uint64
	Generation uint64
	Ciphertext []byte
}

type skippedKey struct {
	epoch      uint64
	generation uint64
	key        [32]byte
}

// State is the ratchet for a single sender, as tracked either by that sender (for
// sending) or by a receiver (for decrypting that sender's messages).
type State struct {
	Epoch        uint64
	ChainKey     [32]byte
	Generation   uint64
	skipped      []skippedKey
	skippedLimit int
}

// New starts a ratchet at epoch 0 with chainKey as the initial inner chain key, typically
// the ChainSecret DCGKA produced for this sender at group creation.
func New(chainKey [32]byte) State {
	return State{ChainKey: chainKey, skippedLimit: DefaultSkippedKeyWindow}
}

// Reseed advances to a new epoch with a fresh outer chain secret, as produced by
// dcgka.BeginUpdate/ReceiveSeed/ReceiveAck for this sender. The inner generation counter
// resets; skipped keys from the old epoch are discarded, since DCGKA never revisits
// a prior seed (spec §4.F: "replay of old secrets must not re-advance it").
func Reseed(s State, newChainKey [32]byte) State {
	limit := s.skippedLimit
	if limit == 0 {
		limit = DefaultSkippedKeyWindow
	}
	return State{Epoch: s.Epoch + 1, ChainKey: newChainKey, Generation: 0, skippedLimit: limit}
}

func deriveStep(chainKey [32]byte) (messageKey [32]byte, nextChain [32]byte, err error) {
	mk, err := crypto.HKDFDerive(chainKey[:], nil, messageKeyInfo, 32)
	if err != nil {
		return messageKey, nextChain, spaceerr.Wrap(spaceerr.KindCryptoFailure, "derive message key", err)
	}
	nc, err := crypto.HKDFDerive(chainKey[:], nil, nextChainInfo, 32)
	if err != nil {
		return messageKey, nextChain, spaceerr.Wrap(spaceerr.KindCryptoFailure, "derive next chain key", err)
	}
	copy(messageKey[:], mk)
	copy(nextChain[:], nc)
	return messageKey, nextChain, nil
}

// Seal advances the chain one inner step and encrypts plaintext under the resulting
// message key. The sender advances immediately, before transmission, per spec §4.G.
func Seal(s State, plaintext, aad []byte, rng *crypto.Rng) (State, Envelope, error) {
	messageKey, nextChain, err := deriveStep(s.ChainKey)
	if err != nil {
		return s, Envelope{}, err
	}
	ciphertext, err := crypto.XAEADSeal(messageKey[:], plaintext, aad, rng)
	crypto.Zero(messageKey[:])
	if err != nil {
		return s, Envelope{}, err
	}

	out := s
	out.ChainKey = nextChain
	out.Generation++
	return out, Envelope{Epoch: s.Epoch, Generation: out.Generation, Ciphertext: ciphertext}, nil
}

// Open decrypts env against this ratchet. A generation within the current epoch that is
// ahead of where the receiver's chain currently stands is caught up to, with the
// intervening message keys held in the skipped window for later out-of-order delivery.
// A generation already advanced past, or from an epoch other than the current one, is
// only satisfiable from the skipped window; a hit there is consumed and evicted, a miss
// is KindUnexpectedMessage. The receiver advances its persistent chain position only on
// a successful decrypt of the next expected generation, per spec §4.G.
func Open(s State, env Envelope, aad []byte) (State, []byte, error) {
	if env.Epoch != s.Epoch {
		return openFromSkipped(s, env, aad)
	}
	if env.Generation <= s.Generation {
		return openFromSkipped(s, env, aad)
	}

	out := s
	for out.Generation < env.Generation {
		messageKey, nextChain, err := deriveStep(out.ChainKey)
		if err != nil {
			return s, nil, err
		}
		out.Generation++
		if out.Generation == env.Generation {
			plaintext, err := crypto.XAEADOpen(messageKey[:], env.Ciphertext, aad)
			crypto.Zero(messageKey[:])
			out.ChainKey = nextChain
			if err != nil {
				return s, nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "ratchet open", err)
			}
			return out, plaintext, nil
		}
		out.pushSkipped(skippedKey{epoch: env.Epoch, generation: out.Generation, key: messageKey})
		out.ChainKey = nextChain
	}
	return s, nil, spaceerr.New(spaceerr.KindUnexpectedMessage, "ratchet generation did not advance")
}

func openFromSkipped(s State, env Envelope, aad []byte) (State, []byte, error) {
	for i, sk := range s.skipped {
		if sk.epoch != env.Epoch || sk.generation != env.Generation {
			continue
		}
		plaintext, err := crypto.XAEADOpen(sk.key[:], env.Ciphertext, aad)
		out := s
		out.skipped = append(append([]skippedKey{}, s.skipped[:i]...), s.skipped[i+1:]...)
		if err != nil {
			return s, nil, spaceerr.Wrap(spaceerr.KindCryptoFailure, "ratchet open from skipped window", err)
		}
		return out, plaintext, nil
	}
	return s, nil, spaceerr.New(spaceerr.KindUnexpectedMessage, "no key available for epoch/generation; too old or not yet derivable")
}

// pushSkipped appends a skipped key, scrubbing and evicting the oldest entry once the
// window limit is reached (spec §4.G: "skipped keys are scrubbed once either used or
// pushed out of the window").
func (s *State) pushSkipped(sk skippedKey) {
	limit := s.skippedLimit
	if limit == 0 {
		limit = DefaultSkippedKeyWindow
	}
	if len(s.skipped) >= limit {
		crypto.Zero(s.skipped[0].key[:])
		s.skipped = s.skipped[1:]
	}
	s.skipped = append(s.skipped, sk)
}
