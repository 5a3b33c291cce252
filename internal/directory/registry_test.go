package directory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAllocation(t *testing.T) {
	reg := NewRegistry(8010, 3)

	slot, rec, exists, err := reg.Allocate("alpha", "")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, slot)
	assert.Equal(t, 8010, rec.Port)
	assert.Equal(t, "127.0.0.1", rec.Admin.IP.String())

	_, rec2, _, err := reg.Allocate("beta", "tok")
	require.NoError(t, err)
	assert.Equal(t, 8011, rec2.Port)

	// Same name returns the live record instead of a new slot.
	_, again, exists, err := reg.Allocate("alpha", "ignored")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, rec.Port, again.Port)
	assert.Empty(t, again.Token, "replay keeps the original token")

	_, _, _, err = reg.Allocate("gamma", "")
	require.NoError(t, err)
	_, _, _, err = reg.Allocate("delta", "")
	assert.ErrorIs(t, err, ErrNoSlot)
}

func TestRegistryFreeReusesLowestSlot(t *testing.T) {
	reg := NewRegistry(9000, 4)
	for i, name := range []string{"a", "b", "c"} {
		slot, rec, _, err := reg.Allocate(name, "")
		require.NoError(t, err)
		require.Equal(t, i, slot)
		require.Equal(t, 9000+i, rec.Port)
	}

	reg.Free(1)
	_, ok := reg.Lookup("b")
	assert.False(t, ok)

	slot, rec, _, err := reg.Allocate("d", "")
	require.NoError(t, err)
	assert.Equal(t, 1, slot, "lowest free slot wins")
	assert.Equal(t, 9001, rec.Port)
}

func TestRegistryInvariants(t *testing.T) {
	base, max := 7000, 16
	reg := NewRegistry(base, max)
	for i := 0; i < max; i++ {
		_, _, _, err := reg.Allocate(fmt.Sprintf("g%d", i), "")
		require.NoError(t, err)
	}

	seenName := map[string]bool{}
	seenPort := map[int]bool{}
	for _, rec := range reg.List() {
		assert.False(t, seenName[rec.Name], "duplicate name %s", rec.Name)
		assert.False(t, seenPort[rec.Port], "duplicate port %d", rec.Port)
		assert.GreaterOrEqual(t, rec.Port, base)
		assert.Less(t, rec.Port, base+max)
		seenName[rec.Name] = true
		seenPort[rec.Port] = true
	}
}
