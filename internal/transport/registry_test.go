package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySharesManagerPerEndpoint(t *testing.T) {
	r := newTestRegistry(t, Config{MaxReconnectAttempts: 1})

	a := r.GetOrCreate("ws://127.0.0.1:1/oss/futures", Options{})
	b := r.GetOrCreate("ws://127.0.0.1:1/oss/futures", Options{})
	c := r.GetOrCreate("ws://127.0.0.1:1/futures", Options{})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get("ws://127.0.0.1:1/futures")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestRegistryReleaseClosesOnLastReference(t *testing.T) {
	r := newTestRegistry(t, Config{MaxReconnectAttempts: 1})
	const endpoint = "ws://127.0.0.1:1/oss/futures"

	a := r.GetOrCreate(endpoint, Options{})
	b := r.GetOrCreate(endpoint, Options{})

	require.NoError(t, a.Release())
	assert.Equal(t, 1, r.Len(), "one consumer still holds the endpoint")
	assert.NoError(t, b.Subscribe("topic", &recorder{}))

	require.NoError(t, r.Release(b))
	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, b.Subscribe("topic", &recorder{}), ErrClosed)

	// releasing an evicted manager is harmless
	require.NoError(t, r.Release(a))

	fresh := r.GetOrCreate(endpoint, Options{})
	assert.NotSame(t, a, fresh)
}

func TestManagerCloseEvictsForEveryone(t *testing.T) {
	r := newTestRegistry(t, Config{MaxReconnectAttempts: 1})
	const endpoint = "ws://127.0.0.1:1/oss/futures"

	a := r.GetOrCreate(endpoint, Options{})
	_ = r.GetOrCreate(endpoint, Options{})

	require.NoError(t, a.Close())
	_, ok := r.Get(endpoint)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryHealthOrderedByEndpoint(t *testing.T) {
	r := newTestRegistry(t, Config{MaxReconnectAttempts: 1})
	r.GetOrCreate("ws://127.0.0.1:1/b", Options{})
	r.GetOrCreate("ws://127.0.0.1:1/a", Options{})

	statuses := r.Health()
	require.Len(t, statuses, 2)
	assert.Equal(t, "ws://127.0.0.1:1/a", statuses[0].Endpoint)
	assert.Equal(t, "ws://127.0.0.1:1/b", statuses[1].Endpoint)
}

func TestRegistryCloseClosesAll(t *testing.T) {
	r := NewRegistry(Config{MaxReconnectAttempts: 1}, nil)
	a := r.GetOrCreate("ws://127.0.0.1:1/a", Options{})
	b := r.GetOrCreate("ws://127.0.0.1:1/b", Options{})

	require.NoError(t, r.Close())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, StateDisconnected, b.State())
}
