// Package identity defines the identifiers and access-level enum shared by every
// component of the core (spec §3: Identity, Access level).
package identity

import "fmt"

// ID is a 32-byte Ed25519/X25519 public key identifying one participant. XEdDSA lets the
// same key pair serve both DH and signing, so one ID is enough per participant.
type ID [32]byte

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// Less gives IDs a total order, used to break ties deterministically (e.g. in the
// orderer's ready-message ordering when operation ids collide, which cannot happen in
// practice but keeps comparisons total).
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Access is the total-ordered enum of group access levels (spec §3). Manage is the only
// level that may alter membership.
type Access int

const (
	AccessNone Access = iota
	AccessPull
	AccessRead
	AccessWrite
	AccessManage
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessPull:
		return "pull"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessManage:
		return "manage"
	default:
		return "unknown"
	}
}

// Valid reports whether a is one of the defined access levels.
func (a Access) Valid() bool {
	return a >= AccessNone && a <= AccessManage
}
