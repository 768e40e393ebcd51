// Package wire holds the payload formats exchanged between the rendezvous
// server and the punching clients.
//
// An endpoint travels as its UTF-8 text form IP:PORT, for example
// "203.0.113.7:40000" or "[2001:db8::1]:40000". Registration and punch
// markers are short opaque byte strings the server never interprets.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"unicode/utf8"
)

const (
	// DefaultBufferSize is the receive capacity used for relayed payloads.
	// Datagrams longer than the capacity are truncated to it.
	DefaultBufferSize = 1024

	// MaxDatagramSize bounds the client receive buffer.
	MaxDatagramSize = 4096
)

var (
	// RegisterMarker is sent by a client to the server so the server observes
	// its public endpoint.
	RegisterMarker = []byte("REGISTER")

	// PunchMarker is the first datagram a client sends directly to its peer.
	PunchMarker = []byte("PUNCH")
)

var (
	ErrInvalidUTF8     = errors.New("payload is not valid UTF-8")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// EncodeEndpoint renders ep in the canonical text form.
func EncodeEndpoint(ep netip.AddrPort) []byte {
	return []byte(ep.String())
}

// DecodeEndpoint parses a pairing payload. Trailing NUL padding and
// whitespace left over from fixed-size buffers are ignored.
func DecodeEndpoint(payload []byte) (netip.AddrPort, error) {
	payload = bytes.TrimRight(payload, "\x00 \t\r\n")
	if !utf8.Valid(payload) {
		return netip.AddrPort{}, ErrInvalidUTF8
	}
	if len(payload) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: empty payload", ErrInvalidEndpoint)
	}

	ep, err := netip.ParseAddrPort(string(payload))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, payload, err)
	}
	if ep.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: zero port", ErrInvalidEndpoint, payload)
	}
	return Canonical(ep), nil
}

// Canonical strips the IPv4-in-IPv6 mapping so the same peer seen through a
// dual-stack socket compares equal to its plain IPv4 form.
func Canonical(ep netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
}

// EndpointOf converts socket peer metadata into an endpoint.
func EndpointOf(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return Canonical(a.AddrPort()), nil
	case nil:
		return netip.AddrPort{}, fmt.Errorf("%w: nil address", ErrInvalidEndpoint)
	default:
		ep, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		return Canonical(ep), nil
	}
}

// UDPAddr is the inverse of EndpointOf.
func UDPAddr(ep netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ep)
}
