// This file asks a STUN server (RFC 5389 Binding request) for the public
// endpoint of the socket the client punches with. The answer is only used
// for diagnostics: the rendezvous server's view of the client is what the
// peer is told.
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/lyc8503/udppunch/wire"
	"github.com/pion/stun"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 3 * time.Second

	// initial retransmission timeout, doubled after each retransmission
	initialRTO = 500 * time.Millisecond
)

var (
	ErrTimeout         = errors.New("timed out waiting for response")
	ErrNoMappedAddress = errors.New("no mapped address in STUN response")
)

// MappedAddress sends a Binding request to server over conn and returns the
// XOR-MAPPED-ADDRESS (or MAPPED-ADDRESS) of the response. conn must not be
// connected, and no other reader may use it meanwhile. Datagrams that are
// not the matching response are discarded.
func MappedAddress(ctx context.Context, conn net.PacketConn, network, server string, timeout time.Duration) (netip.AddrPort, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log.Debugf("Querying STUN server: %s", server)
	addr, err := net.ResolveUDPAddr(network, server)
	if err != nil {
		log.Warnf("Error resolving address: %s", err)
		return netip.AddrPort{}, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	defer conn.SetReadDeadline(time.Time{})
	// wake up a blocked read on cancellation
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	buf := make([]byte, 1500)
	rto := initialRTO

	for {
		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, err
		}
		log.Debugf("Sending to %v: (%v bytes)", addr, len(request.Raw))
		if _, err := conn.WriteTo(request.Raw, addr); err != nil {
			log.Warnf("Error sending request to %v: %s", addr, err.Error())
			return netip.AddrPort{}, err
		}

		wait := time.Now().Add(rto)
		if wait.After(deadline) {
			wait = deadline
		}
		if err := conn.SetReadDeadline(wait); err != nil {
			return netip.AddrPort{}, err
		}

		resp, err := readResponse(conn, buf, request.TransactionID)
		if err == nil {
			return mapped(resp)
		}
		if ctx.Err() != nil {
			return netip.AddrPort{}, ctx.Err()
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return netip.AddrPort{}, err
		}
		if !time.Now().Before(deadline) {
			log.Debugf("Timed out waiting for response from server %v", addr)
			return netip.AddrPort{}, ErrTimeout
		}
		rto *= 2
	}
}

// readResponse reads until a STUN message with the given transaction ID
// arrives or the read deadline passes.
func readResponse(conn net.PacketConn, buf []byte, id [stun.TransactionIDSize]byte) (*stun.Message, error) {
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			log.Tracef("Ignoring non-STUN datagram from %v (%v bytes)", from, n)
			continue
		}

		m := new(stun.Message)
		m.Raw = append([]byte(nil), buf[:n]...)
		if err := m.Decode(); err != nil {
			log.Warnf("Error decoding message: %v", err)
			continue
		}
		if m.TransactionID != id {
			log.Tracef("Ignoring STUN message with foreign transaction ID from %v", from)
			continue
		}
		log.Debugf("Response from %v: (%v bytes)", from, n)
		return m, nil
	}
}

func mapped(msg *stun.Message) (netip.AddrPort, error) {
	resp := parse(msg)
	var ip net.IP
	var port int
	switch {
	case resp.xorAddr != nil:
		ip, port = resp.xorAddr.IP, resp.xorAddr.Port
	case resp.mappedAddr != nil:
		ip, port = resp.mappedAddr.IP, resp.mappedAddr.Port
	default:
		return netip.AddrPort{}, ErrNoMappedAddress
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok || port <= 0 || port > 0xffff {
		return netip.AddrPort{}, fmt.Errorf("%w: %v:%d", ErrNoMappedAddress, ip, port)
	}
	return wire.Canonical(netip.AddrPortFrom(addr, uint16(port))), nil
}

// Parse a STUN message
func parse(msg *stun.Message) (ret struct {
	xorAddr    *stun.XORMappedAddress
	mappedAddr *stun.MappedAddress
	software   *stun.Software
},
) {
	ret.xorAddr = &stun.XORMappedAddress{}
	ret.mappedAddr = &stun.MappedAddress{}
	ret.software = &stun.Software{}
	if ret.xorAddr.GetFrom(msg) != nil {
		ret.xorAddr = nil
	}
	if ret.mappedAddr.GetFrom(msg) != nil {
		ret.mappedAddr = nil
	}
	if ret.software.GetFrom(msg) != nil {
		ret.software = nil
	}
	log.Tracef("%v", msg)
	log.Tracef("\tMAPPED-ADDRESS:     %v", ret.mappedAddr)
	log.Tracef("\tXOR-MAPPED-ADDRESS: %v", ret.xorAddr)
	log.Tracef("\tSOFTWARE: %v", ret.software)
	return ret
}
