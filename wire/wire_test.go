package wire

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEndpoint(t *testing.T) {
	assert.Equal(t, "203.0.113.7:40000", string(EncodeEndpoint(netip.MustParseAddrPort("203.0.113.7:40000"))))
	assert.Equal(t, "[2001:db8::1]:53", string(EncodeEndpoint(netip.MustParseAddrPort("[2001:db8::1]:53"))))
}

func TestDecodeEndpoint(t *testing.T) {
	want := netip.MustParseAddrPort("198.51.100.2:5000")

	for _, payload := range []string{
		"198.51.100.2:5000",
		"198.51.100.2:5000\x00\x00\x00\x00",
		"198.51.100.2:5000\n",
		"[::ffff:198.51.100.2]:5000",
	} {
		ep, err := DecodeEndpoint([]byte(payload))
		require.NoError(t, err, "payload %q", payload)
		assert.Equal(t, want, ep)
	}
}

func TestDecodeEndpointStaleBuffer(t *testing.T) {
	// A shorter datagram decoded from a reused buffer must only see its own bytes.
	buf := make([]byte, 64)
	copy(buf, "198.51.100.200:50000")
	n := copy(buf, "10.0.0.1:7")

	ep, err := DecodeEndpoint(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7", ep.String())
}

func TestDecodeEndpointErrors(t *testing.T) {
	_, err := DecodeEndpoint([]byte{0xff, 0xfe, ':', '1'})
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	for _, payload := range []string{"", "\x00\x00", "localhost:80", "1.2.3.4", "1.2.3.4:0", "1.2.3.4:70000", " 1.2.3.4:5"} {
		_, err := DecodeEndpoint([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalidEndpoint, "payload %q", payload)
	}
}

func TestEndpointOf(t *testing.T) {
	ep, err := EndpointOf(&net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 9})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:9", ep.String())

	ep, err = EndpointOf(&net.UDPAddr{IP: net.ParseIP("::ffff:192.0.2.1"), Port: 9})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:9", ep.String())

	_, err = EndpointOf(nil)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	assert.Equal(t, ep, Canonical(UDPAddr(ep).AddrPort()))
}

func TestParseNetwork(t *testing.T) {
	for tag, want := range map[string]string{"": "udp", "udp": "udp", "UDP": "udp", "udp4": "udp4", "Udp6": "udp6"} {
		got, err := ParseNetwork(tag)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, tag := range []string{"tcp", "TCP", "quic", "ip"} {
		_, err := ParseNetwork(tag)
		assert.ErrorIs(t, err, ErrUnsupportedProtocol, tag)
	}
}
