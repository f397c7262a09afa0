package authgroup

import "github.com/jaydenbeard/spacecore/internal/identity"

// Store resolves a group id to its current AuthGroup state, letting one group hold another
// group as a member (spec §9: nested groups). Implementations own the arena of group
// states; TransitiveMembers below only ever reads through this interface, never holds a
// pointer into another group's state, per the "arena + index, not owning pointers"
// guidance in spec §9.
type Store interface {
	Group(id identity.ID) (State, bool)
}

// TransitiveMembers flattens s through any nested groups reachable via Store, returning the
// set of individual (non-group) members. Cycles are broken by treating a second visit to
// the same group id as a no-op, per spec §9.
func TransitiveMembers(s State, store Store) []identity.ID {
	visited := make(map[identity.ID]bool)
	var out []identity.ID
	var walk func(State)
	walk = func(g State) {
		if visited[g.GroupID] {
			return
		}
		visited[g.GroupID] = true
		for _, member := range g.MemberIDs() {
			if nested, ok := store.Group(member); ok {
				walk(nested)
				continue
			}
			out = append(out, member)
		}
	}
	walk(s)
	return dedupe(out)
}

func dedupe(ids []identity.ID) []identity.ID {
	seen := make(map[identity.ID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// MemoryStore is a simple in-memory Store implementation used by tests and by the single
// process cmd/spaced deployment mode when it hosts nested sub-groups in one actor.
type MemoryStore struct {
	groups map[identity.ID]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[identity.ID]State)}
}

// Put registers or replaces a group's state.
func (m *MemoryStore) Put(s State) {
	m.groups[s.GroupID] = s
}

// Group implements Store.
func (m *MemoryStore) Group(id identity.ID) (State, bool) {
	s, ok := m.groups[id]
	return s, ok
}
