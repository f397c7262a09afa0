// Package authgroup implements the access-control CRDT ("AuthGroup"/DGM, spec §4.D): a
// state-based CL-CRDT over (member -> access level, counters) with a deterministic,
// commutative, associative, idempotent merge.
//
// Grounded verbatim on original_source/p2panda-auth/src/group/group_state.rs for the merge
// tie-break and preconditions, and on original_source/p2panda-auth/src/group/dgm.rs for the
// precondition error shapes.
package authgroup

import (
	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
)

// MemberState is the CRDT payload for one member (spec §3). member_counter odd means
// currently joined; access_counter only ever increases and resolves concurrent
// promote/demote.
type MemberState struct {
	Member        identity.ID
	MemberCounter uint64
	Access        identity.Access
	AccessCounter uint64
}

// IsMember reports whether this member is currently in the group.
func (m MemberState) IsMember() bool {
	return m.MemberCounter%2 != 0
}

// IsManager reports whether this member currently holds Manage access.
func (m MemberState) IsManager() bool {
	return m.IsMember() && m.Access == identity.AccessManage
}

// State is the full AuthGroup CRDT state for one group. The group's own id never appears
// as a key in Members (spec §3 invariant iii); a group may nest as a Member value of
// another group's state, which callers resolve via a GroupStore (see nested.go).
type State struct {
	GroupID identity.ID
	Members map[identity.ID]MemberState
}

// New returns an empty AuthGroup state for groupID, with no members. Create below is what
// callers use to populate the initial member set as a first CRDT operation.
func New(groupID identity.ID) State {
	return State{GroupID: groupID, Members: make(map[identity.ID]MemberState)}
}

// Clone returns a deep copy so mutation of the returned State never aliases s.
func (s State) Clone() State {
	out := State{GroupID: s.GroupID, Members: make(map[identity.ID]MemberState, len(s.Members))}
	for id, m := range s.Members {
		out.Members[id] = m
	}
	return out
}

// MemberIDs returns the set of current (root-level) members.
func (s State) MemberIDs() []identity.ID {
	out := make([]identity.ID, 0, len(s.Members))
	for id, m := range s.Members {
		if m.IsMember() {
			out = append(out, id)
		}
	}
	return out
}

// Access returns the access level of member, or AccessNone if they are not a current
// member.
func (s State) Access(member identity.ID) identity.Access {
	m, ok := s.Members[member]
	if !ok || !m.IsMember() {
		return identity.AccessNone
	}
	return m.Access
}

// IsMember reports whether member currently belongs to the group.
func (s State) IsMember(member identity.ID) bool {
	m, ok := s.Members[member]
	return ok && m.IsMember()
}

// IsManager reports whether member currently holds Manage access.
func (s State) IsManager(member identity.ID) bool {
	m, ok := s.Members[member]
	return ok && m.IsManager()
}

// Create returns the initial CRDT state for groupID with the given members, all with
// member_counter 1 (joined) and access_counter 0. Create has no dependency on any prior
// operation (spec §4.E rule 1) and no precondition to check: anyone may create a group.
func Create(groupID identity.ID, initial []MemberState) State {
	s := New(groupID)
	for _, m := range initial {
		m.MemberCounter = 1
		m.AccessCounter = 0
		s.Members[m.Member] = m
	}
	return s
}

// Add applies a local Add action: actor adds member at access. Returns the updated state
// or a precondition error (spec §4.D); the caller emits the resulting control operation
// only when this call succeeds, never a delta reflecting a rejected action.
func Add(s State, actor, member identity.ID, access identity.Access) (State, error) {
	if !s.IsManager(actor) {
		return s, spaceerr.New(spaceerr.KindInsufficientAccess, "actor lacks manage access")
	}
	if s.IsMember(member) {
		return s, spaceerr.New(spaceerr.KindAlreadyMember, "member already in group")
	}

	out := s.Clone()
	if existing, ok := out.Members[member]; ok {
		existing.MemberCounter++
		existing.Access = access
		existing.AccessCounter = 0
		out.Members[member] = existing
	} else {
		out.Members[member] = MemberState{Member: member, MemberCounter: 1, Access: access, AccessCounter: 0}
	}
	return out, nil
}

// Remove applies a local Remove action.
func Remove(s State, actor, member identity.ID) (State, error) {
	if !s.IsManager(actor) {
		return s, spaceerr.New(spaceerr.KindInsufficientAccess, "actor lacks manage access")
	}
	if !s.IsMember(member) {
		return s, spaceerr.New(spaceerr.KindNotMember, "member not in group")
	}

	out := s.Clone()
	m := out.Members[member]
	m.MemberCounter++
	m.AccessCounter = 0
	out.Members[member] = m
	return out, nil
}

// Promote applies a local Promote action: member's access must strictly increase.
func Promote(s State, actor, member identity.ID, access identity.Access) (State, error) {
	if !s.IsManager(actor) {
		return s, spaceerr.New(spaceerr.KindInsufficientAccess, "actor lacks manage access")
	}
	if !s.IsMember(member) {
		return s, spaceerr.New(spaceerr.KindNotMember, "member not in group")
	}
	current := s.Access(member)
	if access == current {
		return s, spaceerr.New(spaceerr.KindSameAccessLevel, "member already at requested access")
	}
	if access < current {
		return s, spaceerr.New(spaceerr.KindUnexpectedMessage, "promote requires a strictly higher access level")
	}

	out := s.Clone()
	m := out.Members[member]
	m.Access = access
	m.AccessCounter++
	out.Members[member] = m
	return out, nil
}

// Demote applies a local Demote action: member's access must strictly decrease.
func Demote(s State, actor, member identity.ID, access identity.Access) (State, error) {
	if !s.IsManager(actor) {
		return s, spaceerr.New(spaceerr.KindInsufficientAccess, "actor lacks manage access")
	}
	if !s.IsMember(member) {
		return s, spaceerr.New(spaceerr.KindNotMember, "member not in group")
	}
	current := s.Access(member)
	if access == current {
		return s, spaceerr.New(spaceerr.KindSameAccessLevel, "member already at requested access")
	}
	if access > current {
		return s, spaceerr.New(spaceerr.KindUnexpectedMessage, "demote requires a strictly lower access level")
	}

	out := s.Clone()
	m := out.Members[member]
	m.Access = access
	m.AccessCounter++
	out.Members[member] = m
	return out, nil
}

// Merge combines two AuthGroup states, commutatively, associatively, and idempotently.
//
// Tie-break, grounded verbatim on p2panda-auth/src/group/group_state.rs merge():
//  1. Higher member_counter wins.
//  2. Equal member_counter: higher access_counter wins.
//  3. Equal access_counter: the *lower* access level wins (demote wins on tie — the
//     conservative safety choice named in spec §4.D and confirmed, not revisited, in
//     DESIGN.md per the Open Question in spec §9).
func Merge(a, b State) State {
	out := b.Clone()
	for id, left := range a.Members {
		right, ok := out.Members[id]
		if !ok {
			out.Members[id] = left
			continue
		}
		out.Members[id] = mergeMember(left, right)
	}
	return out
}

func mergeMember(a, b MemberState) MemberState {
	switch {
	case a.MemberCounter > b.MemberCounter:
		return a
	case a.MemberCounter < b.MemberCounter:
		return b
	}
	// Equal member_counter.
	switch {
	case a.AccessCounter > b.AccessCounter:
		return a
	case a.AccessCounter < b.AccessCounter:
		return b
	}
	// Equal access_counter: lower access level wins.
	if a.Access < b.Access {
		return a
	}
	return b
}
