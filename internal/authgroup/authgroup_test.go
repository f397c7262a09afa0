package authgroup

import (
	"testing"

	"github.com/jaydenbeard/spacecore/internal/identity"
	"github.com/jaydenbeard/spacecore/internal/spaceerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(b byte) identity.ID {
	var out identity.ID
	for i := range out {
		out[i] = b
	}
	return out
}

func TestCreateAndAccessors(t *testing.T) {
	alice, bob := id(1), id(2)
	s := Create(alice, []MemberState{
		{Member: alice, Access: identity.AccessManage},
		{Member: bob, Access: identity.AccessRead},
	})

	assert.True(t, s.IsMember(alice))
	assert.True(t, s.IsManager(alice))
	assert.Equal(t, identity.AccessRead, s.Access(bob))
	assert.ElementsMatch(t, []identity.ID{alice, bob}, s.MemberIDs())
}

func TestAddPreconditions(t *testing.T) {
	alice, bob, charlie := id(1), id(2), id(3)
	s := Create(alice, []MemberState{{Member: alice, Access: identity.AccessManage}})

	_, err := Add(s, bob, charlie, identity.AccessRead)
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindInsufficientAccess, err.(*spaceerr.Error).Kind)

	s2, err := Add(s, alice, bob, identity.AccessRead)
	require.NoError(t, err)
	assert.True(t, s2.IsMember(bob))

	_, err = Add(s2, alice, bob, identity.AccessWrite)
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindAlreadyMember, err.(*spaceerr.Error).Kind)
}

func TestRemovePromoteDemotePreconditions(t *testing.T) {
	alice, bob, ghost := id(1), id(2), id(9)
	s := Create(alice, []MemberState{
		{Member: alice, Access: identity.AccessManage},
		{Member: bob, Access: identity.AccessRead},
	})

	_, err := Remove(s, alice, ghost)
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindNotMember, err.(*spaceerr.Error).Kind)

	_, err = Promote(s, alice, bob, identity.AccessRead)
	require.Error(t, err)
	assert.Equal(t, spaceerr.KindSameAccessLevel, err.(*spaceerr.Error).Kind)

	promoted, err := Promote(s, alice, bob, identity.AccessWrite)
	require.NoError(t, err)
	assert.Equal(t, identity.AccessWrite, promoted.Access(bob))

	demoted, err := Demote(promoted, alice, bob, identity.AccessRead)
	require.NoError(t, err)
	assert.Equal(t, identity.AccessRead, demoted.Access(bob))

	removed, err := Remove(demoted, alice, bob)
	require.NoError(t, err)
	assert.False(t, removed.IsMember(bob))
}

// TestMergeCommutativeAndIdempotent pins property 1 and 2 from spec §8.
func TestMergeCommutativeAndIdempotent(t *testing.T) {
	alice, bob, charlie := id(1), id(2), id(3)
	base := Create(alice, []MemberState{
		{Member: alice, Access: identity.AccessManage},
		{Member: bob, Access: identity.AccessManage},
	})

	left, err := Add(base, bob, charlie, identity.AccessRead)
	require.NoError(t, err)
	right, err := Remove(base, alice, bob)
	require.NoError(t, err)

	mergedLR := Merge(left, right)
	mergedRL := Merge(right, left)
	assert.Equal(t, mergedLR, mergedRL)

	assert.Equal(t, mergedLR, Merge(mergedLR, mergedLR))
}

// TestMergeConcurrentPromoteDemoteTie pins scenario S4 from spec §8: equal access_counter
// ties resolve to the lower access level.
func TestMergeConcurrentPromoteDemoteTie(t *testing.T) {
	alice, bob, frank := id(1), id(2), id(5)
	base := Create(alice, []MemberState{
		{Member: alice, Access: identity.AccessManage},
		{Member: bob, Access: identity.AccessManage},
		{Member: frank, Access: identity.AccessRead},
	})

	promoted, err := Promote(base, alice, frank, identity.AccessManage)
	require.NoError(t, err)
	demoted, err := Demote(base, bob, frank, identity.AccessPull)
	require.NoError(t, err)

	merged := Merge(promoted, demoted)
	assert.Equal(t, identity.AccessPull, merged.Access(frank))
}

// TestMergeConcurrentAdd pins scenario S3: disjoint concurrent adds both survive a merge.
func TestMergeConcurrentAdd(t *testing.T) {
	alice, bob, dave, eve := id(1), id(2), id(4), id(5)
	base := Create(alice, []MemberState{
		{Member: alice, Access: identity.AccessManage},
		{Member: bob, Access: identity.AccessManage},
	})

	left, err := Add(base, bob, dave, identity.AccessRead)
	require.NoError(t, err)
	right, err := Add(base, alice, eve, identity.AccessRead)
	require.NoError(t, err)

	merged := Merge(left, right)
	assert.ElementsMatch(t, []identity.ID{alice, bob, dave, eve}, merged.MemberIDs())
}

func TestTransitiveMembersBreaksCycles(t *testing.T) {
	groupA, groupB := id(10), id(11)
	alice := id(1)

	stateA := Create(groupA, []MemberState{{Member: alice, Access: identity.AccessManage}, {Member: groupB, Access: identity.AccessRead}})
	stateB := Create(groupB, []MemberState{{Member: groupA, Access: identity.AccessRead}})

	store := NewMemoryStore()
	store.Put(stateA)
	store.Put(stateB)

	members := TransitiveMembers(stateA, store)
	assert.ElementsMatch(t, []identity.ID{alice}, members)
}
