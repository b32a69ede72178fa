package panflux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- MemoryStorage ---

func TestMemoryStorage_RoundTrip(t *testing.T) {
	s := NewMemoryStorage()

	_, ok, err := s.Get(StorageKeyCSRFState)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(StorageKeyCSRFState, "abc"))

	v, ok, err := s.Get(StorageKeyCSRFState)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	require.NoError(t, s.Delete(StorageKeyCSRFState))

	_, ok, _ = s.Get(StorageKeyCSRFState)
	assert.False(t, ok)
}

// --- MemoryHub ---

func TestMemoryHub_DeliversToOthersOnly(t *testing.T) {
	hub := NewMemoryHub()
	a, b, c := hub.Endpoint(), hub.Endpoint(), hub.Endpoint()

	var gotA, gotB, gotC []string
	a.Subscribe(func(m []byte) { gotA = append(gotA, string(m)) })
	b.Subscribe(func(m []byte) { gotB = append(gotB, string(m)) })
	c.Subscribe(func(m []byte) { gotC = append(gotC, string(m)) })

	require.NoError(t, a.Publish([]byte("hello")))

	assert.Empty(t, gotA)
	assert.Equal(t, []string{"hello"}, gotB)
	assert.Equal(t, []string{"hello"}, gotC)
}

func TestMemoryHub_Unsubscribe(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Endpoint(), hub.Endpoint()

	calls := 0
	unsubscribe := b.Subscribe(func([]byte) { calls++ })

	require.NoError(t, a.Publish([]byte("1")))
	unsubscribe()
	require.NoError(t, a.Publish([]byte("2")))

	assert.Equal(t, 1, calls)
}

func TestMemoryHub_CopiesPayload(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Endpoint(), hub.Endpoint()

	var got []byte
	b.Subscribe(func(m []byte) { got = m })

	msg := []byte("abc")
	require.NoError(t, a.Publish(msg))
	msg[0] = 'x'

	assert.Equal(t, "abc", string(got))
}

// --- listeners ---

func TestListeners_OrderAndRemoval(t *testing.T) {
	var l listeners[int]

	var order []string
	l.add(func(v int) { order = append(order, "first") })
	remove := l.add(func(v int) { order = append(order, "second") })
	l.add(func(v int) { order = append(order, "third") })

	l.emit(1)
	remove()
	l.emit(2)

	assert.Equal(t, []string{"first", "second", "third", "first", "third"}, order)
	assert.Equal(t, 2, l.len())
}
