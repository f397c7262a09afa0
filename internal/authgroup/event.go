package authgroup

import "github.com/jaydenbeard/spacecore/internal/identity"

// EventKind discriminates the GroupEvent variants emitted on a membership change, grounded
// on original_source/p2panda-spaces/src/event.rs's GroupEvent enum.
type EventKind int

const (
	EventCreated EventKind = iota
	EventAdded
	EventRemoved
)

// Event is emitted by the group façade (§4.H) whenever a membership-changing operation is
// applied locally or merged in from a remote peer, carrying both root and transitive
// member lists as spec §4.D requires.
type Event struct {
	Kind               EventKind
	GroupID            identity.ID
	Subject            identity.ID // the added/removed member; zero value for Created
	Access             identity.Access
	RootMembers        []identity.ID
	TransitiveMembers  []identity.ID
}

// NewEvent builds the Event that corresponds to applying state s (the post-action state)
// with the given kind/subject, resolving transitive members through store.
func NewEvent(kind EventKind, groupID, subject identity.ID, access identity.Access, s State, store Store) Event {
	return Event{
		Kind:              kind,
		GroupID:           groupID,
		Subject:           subject,
		Access:            access,
		RootMembers:       s.MemberIDs(),
		TransitiveMembers: TransitiveMembers(s, store),
	}
}
