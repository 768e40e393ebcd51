package sidechannel

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	a = netip.MustParseAddrPort("192.0.2.1:1000")
	b = netip.MustParseAddrPort("192.0.2.2:2000")
	c = netip.MustParseAddrPort("192.0.2.3:3000")
)

func TestRelayBind(t *testing.T) {
	r := NewRelay(0, 0)
	r.Bind(a, b)

	dst, ok := r.Peer(a)
	require.True(t, ok)
	assert.Equal(t, b, dst)

	dst, ok = r.Peer(b)
	require.True(t, ok)
	assert.Equal(t, a, dst)

	_, ok = r.Peer(c)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRelayRebind(t *testing.T) {
	r := NewRelay(0, 0)
	r.Bind(a, b)
	r.Bind(b, c)

	_, ok := r.Peer(a)
	assert.False(t, ok, "a lost its partner")

	dst, ok := r.Peer(c)
	require.True(t, ok)
	assert.Equal(t, b, dst)
	assert.Equal(t, 1, r.Len())

	r.Unbind(c)
	assert.Equal(t, 0, r.Len())
}

func TestRelayCapacity(t *testing.T) {
	r := NewRelay(1, time.Minute)
	r.Bind(a, b)
	r.Bind(c, netip.MustParseAddrPort("192.0.2.4:4000"))

	_, ok := r.Peer(a)
	assert.False(t, ok)
	_, ok = r.Peer(b)
	assert.False(t, ok)
	_, ok = r.Peer(c)
	assert.True(t, ok)
}

func TestRelayExpiry(t *testing.T) {
	r := NewRelay(4, 50*time.Millisecond)
	r.Bind(a, b)

	// Peer refreshes the pair, so only look once the TTL has passed.
	time.Sleep(150 * time.Millisecond)
	_, ok := r.Peer(a)
	assert.False(t, ok)
}
