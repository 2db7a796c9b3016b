package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpires(t *testing.T) {
	c, err := New(10, 10*time.Millisecond)
	require.NoError(t, err)

	c.Add("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestInFlightSetRejectsDuplicate(t *testing.T) {
	s, err := NewInFlightSet()
	require.NoError(t, err)

	assert.True(t, s.TryAcquire("id-1"))
	assert.False(t, s.TryAcquire("id-1"))

	s.Release("id-1")
	assert.True(t, s.TryAcquire("id-1"))
}

func TestStatusCacheRoundTrip(t *testing.T) {
	s, err := NewStatusCache()
	require.NoError(t, err)

	_, ok := s.Get("id-1")
	assert.False(t, ok)

	s.Put("id-1", "confirmed")
	v, ok := s.Get("id-1")
	require.True(t, ok)
	assert.Equal(t, "confirmed", v)
}
