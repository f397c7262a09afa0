// Package spaceerr defines the flat error taxonomy shared by every package in the
// secure group membership and messaging core. Callers type-switch on Kind rather than on
// package-specific sentinel values.
package spaceerr

import "fmt"

// Kind identifies one of the error categories a core operation can surface.
type Kind int

const (
	// KindCryptoFailure means a cryptographic primitive rejected its input: a bad AEAD
	// tag, a malformed curve point, or a key of the wrong length.
	KindCryptoFailure Kind = iota
	// KindInvalidBundle means a pre-key bundle failed signature or lifetime verification.
	KindInvalidBundle
	// KindUnknownOneTimePreKey means the referenced one-time pre-key secret was already
	// consumed or never existed.
	KindUnknownOneTimePreKey
	// KindInsufficientAccess means the actor lacks the Manage level an action requires.
	KindInsufficientAccess
	// KindAlreadyMember means an Add targeted someone already a current member.
	KindAlreadyMember
	// KindNotMember means Remove/Promote/Demote targeted someone not a current member.
	KindNotMember
	// KindSameAccessLevel means Promote/Demote requested the access level the target
	// already holds.
	KindSameAccessLevel
	// KindCannotDecryptDirect means the 2SM channel could not decrypt a direct message
	// because the local key material is missing or the sender is unknown.
	KindCannotDecryptDirect
	// KindUnexpectedMessage means a control operation referenced an unknown prior
	// operation or carried malformed fields.
	KindUnexpectedMessage
	// KindDependencyMissing is transient: the orderer is still waiting on a declared
	// dependency. Callers should not treat this as fatal.
	KindDependencyMissing
	// KindCorruptState means a local invariant was violated; the wrapping task should
	// abort rather than continue operating on this state.
	KindCorruptState
	// KindStorageFailure means a durability backend (Postgres snapshot/log store, Consul
	// directory) rejected or failed an operation; distinct from KindCorruptState because
	// the in-memory state itself is still trustworthy.
	KindStorageFailure
)

func (k Kind) String() string {
	switch k {
	case KindCryptoFailure:
		return "crypto_failure"
	case KindInvalidBundle:
		return "invalid_bundle"
	case KindUnknownOneTimePreKey:
		return "unknown_onetime_prekey"
	case KindInsufficientAccess:
		return "insufficient_access"
	case KindAlreadyMember:
		return "already_member"
	case KindNotMember:
		return "not_member"
	case KindSameAccessLevel:
		return "same_access_level"
	case KindCannotDecryptDirect:
		return "cannot_decrypt_direct"
	case KindUnexpectedMessage:
		return "unexpected_message"
	case KindDependencyMissing:
		return "dependency_missing"
	case KindCorruptState:
		return "corrupt_state"
	case KindStorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the core. It carries a Kind for
// programmatic dispatch, a human message, and an optional opaque source error for chaining.
type Error struct {
	Kind    Kind
	Message string
	Source  error
}

func (e *Error) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Source)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Source
}

// Is lets errors.Is(err, spaceerr.Kind) style matching work via a kind-tagged sentinel.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given kind with no wrapped source.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, chaining source for errors.Unwrap.
func Wrap(kind Kind, message string, source error) *Error {
	return &Error{Kind: kind, Message: message, Source: source}
}

// Sentinel returns a zero-value Error of the given kind, suitable for errors.Is comparisons,
// e.g. errors.Is(err, spaceerr.Sentinel(spaceerr.KindNotMember)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
