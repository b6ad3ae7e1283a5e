package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashToken(t *testing.T) {
	a := HashToken([]byte("pepper"), "token-1")
	b := HashToken([]byte("pepper"), "token-1")
	c := HashToken([]byte("other"), "token-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{ID: "u1", Role: RoleUser, Groups: []string{"g1"}})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", id.ID)
	assert.True(t, id.InGroup("g1"))
	assert.False(t, id.InGroup("g2"))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RolePending.Valid())
	assert.False(t, Role("root").Valid())
}
