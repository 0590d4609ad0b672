package sessionstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_ContainerMissingUntilEnsured(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	_, err := m.Read(ctx, "sessions/1.json")
	assert.ErrorIs(t, err, ErrContainerMissing)
	_, err = m.Write(ctx, WriteRequest{Path: "sessions/1.json", Data: []byte("{}")})
	assert.ErrorIs(t, err, ErrContainerMissing)

	require.NoError(t, m.EnsureContainer(ctx))
	require.NoError(t, m.EnsureContainer(ctx))

	_, err = m.Read(ctx, "sessions/1.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_ConditionalWrites(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, m.EnsureContainer(ctx))

	v1, err := m.Write(ctx, WriteRequest{Path: "p", Data: []byte("one")})
	require.NoError(t, err)

	_, err = m.Write(ctx, WriteRequest{Path: "p", Data: []byte("again")})
	assert.ErrorIs(t, err, ErrConflict, "create over an existing path")

	v2, err := m.Write(ctx, WriteRequest{Path: "p", Data: []byte("two"), Version: v1})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	_, err = m.Write(ctx, WriteRequest{Path: "p", Data: []byte("three"), Version: v1})
	assert.ErrorIs(t, err, ErrConflict, "stale version")

	assert.ErrorIs(t, m.Remove(ctx, RemoveRequest{Path: "p", Version: v1}), ErrConflict)
	require.NoError(t, m.Remove(ctx, RemoveRequest{Path: "p", Version: v2}))
	assert.ErrorIs(t, m.Remove(ctx, RemoveRequest{Path: "p", Version: v2}), ErrNotFound)
}

func TestContentVersion_Stable(t *testing.T) {
	a := contentVersion([]byte("{}\n"))
	assert.Equal(t, a, contentVersion([]byte("{}\n")))
	assert.NotEqual(t, a, contentVersion([]byte("{ }\n")))
	assert.Len(t, a, 40)
}
