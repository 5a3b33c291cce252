package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRosterCapacity(t *testing.T) {
	r := newRoster(2)

	_, ok := r.lookupOrAdd("alice")
	require.True(t, ok)
	_, ok = r.lookupOrAdd("bob")
	require.True(t, ok)

	_, ok = r.lookupOrAdd("carol")
	assert.False(t, ok, "third member must not fit")

	// An existing member is refreshed, not re-allocated.
	_, ok = r.lookupOrAdd("alice")
	assert.True(t, ok)
}

func TestBanRemovesMembership(t *testing.T) {
	r := newRoster(4)
	r.lookupOrAdd("carol")

	r.ban("carol")
	assert.True(t, r.isBanned("carol"))
	assert.NotContains(t, r.names(), "carol", "a banned user is never a member")

	require.True(t, r.unban("carol"))
	assert.False(t, r.isBanned("carol"))
	assert.False(t, r.unban("carol"), "second unban reports not banned")
}

func TestBanUnbanRoundTrip(t *testing.T) {
	r := newRoster(4)
	r.lookupOrAdd("alice")
	before := r.names()

	r.ban("bob")
	r.unban("bob")
	assert.Equal(t, before, r.names())
	assert.False(t, r.isBanned("bob"))
}
