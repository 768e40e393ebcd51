// Package punch implements the client side of UDP hole punching.
//
// A client walks through Bind, Register, AwaitPeer and Punch once, then
// runs Duplex until its input ends:
//
//	Bind -> Register -> AwaitPeer -> Punch -> Duplex(receive | send) -> Done
//
// The socket is re-targeted by dialing again from the same local endpoint
// with SO_REUSEPORT, first to the rendezvous server and then to the peer,
// so the NAT mapping the server observed is the one the peer is sent to.
package punch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/lyc8503/udppunch/stun"
	"github.com/lyc8503/udppunch/wire"
	log "github.com/sirupsen/logrus"
)

type State int

const (
	StateInit State = iota
	StateBound
	StateRegistered
	StatePeerKnown
	StatePunched
	StateDuplex
	StateDone
)

var stateNames = [...]string{"init", "bound", "registered", "peer-known", "punched", "duplex", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

var (
	ErrState       = errors.New("operation not allowed in this state")
	ErrPunchFailed = errors.New("punch failed")
)

type Client struct {
	params Params
	logger log.FieldLogger
	state  State

	// holds the local endpoint between Bind and Register
	listener net.PacketConn
	// connected to the server after Register, to the peer after Punch
	conn net.Conn

	local  netip.AddrPort
	mapped netip.AddrPort
	peer   netip.AddrPort

	// dial opens a connected socket sharing the local endpoint
	dial func(network, laddr, raddr string) (net.Conn, error)
}

// New validates params and returns a client that has not touched the
// network yet. A nil logger means the standard logrus logger.
func New(params Params, logger log.FieldLogger) (*Client, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{params: params, logger: logger, dial: reuseport.Dial}, nil
}

func (c *Client) State() State { return c.state }

// Local is the bound endpoint, valid after Bind.
func (c *Client) Local() netip.AddrPort { return c.local }

// Peer is the endpoint the server reported, valid after AwaitPeer.
func (c *Client) Peer() netip.AddrPort { return c.peer }

// Mapped is the endpoint reported by STUN, if Discover succeeded.
func (c *Client) Mapped() netip.AddrPort { return c.mapped }

func (c *Client) expect(op string, states ...State) error {
	for _, s := range states {
		if c.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrState, op, c.state)
}

// Bind creates the local socket.
func (c *Client) Bind() error {
	if err := c.expect("bind", StateInit); err != nil {
		return err
	}
	l, err := reuseport.ListenPacket(c.params.Network, c.params.Local)
	if err != nil {
		return fmt.Errorf("bind %s: %w", c.params.Local, err)
	}
	local, err := wire.EndpointOf(l.LocalAddr())
	if err != nil {
		l.Close()
		return fmt.Errorf("bind %s: %w", c.params.Local, err)
	}

	c.listener = l
	c.local = local
	c.logger = c.logger.WithField("local", local)
	c.state = StateBound
	c.logger.Info("Bound local socket")
	return nil
}

// Discover asks the configured STUN server for the public endpoint of the
// bound socket. It may only run between Bind and Register.
func (c *Client) Discover(ctx context.Context) (netip.AddrPort, error) {
	if err := c.expect("discover", StateBound); err != nil {
		return netip.AddrPort{}, err
	}
	if c.params.StunServer == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: no STUN server configured", ErrInvalidParams)
	}
	ep, err := stun.MappedAddress(ctx, c.listener, c.params.Network, c.params.StunServer, stun.DefaultTimeout)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun %s: %w", c.params.StunServer, err)
	}
	c.mapped = ep
	c.logger.WithField("mapped", ep).Info("Public endpoint reported by STUN server")
	return ep, nil
}

// Register points the socket at the server and sends the registration
// marker, which lets the server observe our public endpoint.
func (c *Client) Register() error {
	if err := c.expect("register", StateBound); err != nil {
		return err
	}
	conn, err := c.dial(c.params.Network, c.local.String(), c.params.Server)
	if err != nil {
		return fmt.Errorf("connect to server %s: %w", c.params.Server, err)
	}
	c.listener.Close()
	c.listener = nil
	c.conn = conn

	if _, err := conn.Write(wire.RegisterMarker); err != nil {
		return fmt.Errorf("register with %s: %w", c.params.Server, err)
	}
	c.state = StateRegistered
	c.logger.WithField("server", conn.RemoteAddr()).Info("Registered with rendezvous server")
	return nil
}

// AwaitPeer blocks until the server sends the peer's endpoint. There is no
// timeout; only ctx ends the wait early.
func (c *Client) AwaitPeer(ctx context.Context) (netip.AddrPort, error) {
	if err := c.expect("await peer", StateRegistered); err != nil {
		return netip.AddrPort{}, err
	}

	defer c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, wire.MaxDatagramSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return netip.AddrPort{}, ctx.Err()
		}
		return netip.AddrPort{}, fmt.Errorf("await peer: %w", err)
	}
	peer, err := wire.DecodeEndpoint(buf[:n])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("await peer: %w", err)
	}

	c.peer = peer
	c.logger = c.logger.WithField("peer", peer)
	c.state = StatePeerKnown
	c.logger.Info("Received peer endpoint")
	return peer, nil
}

// Punch re-targets the socket at the peer and sends the punch marker. Send
// failures are retried PunchAttempts times, PunchInterval apart, since the
// peer's side of the hole may open a little later.
func (c *Client) Punch(ctx context.Context) error {
	if err := c.expect("punch", StatePeerKnown); err != nil {
		return err
	}
	if c.params.Relay {
		return fmt.Errorf("%w: punch in relay mode", ErrState)
	}

	conn, err := c.dial(c.params.Network, c.local.String(), c.peer.String())
	if err != nil {
		return fmt.Errorf("connect to peer %s: %w", c.peer, err)
	}
	c.conn.Close()
	c.conn = conn

	for attempt := 1; ; attempt++ {
		_, err = conn.Write(wire.PunchMarker)
		if err == nil {
			break
		}
		c.logger.Warnf("Punch attempt %d/%d failed: %v", attempt, c.params.PunchAttempts, err)
		if attempt >= c.params.PunchAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrPunchFailed, attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.params.PunchInterval):
		}
	}

	c.state = StatePunched
	c.logger.Info("Punched towards peer")
	return nil
}

// Close releases the socket. It is safe to call in any state.
func (c *Client) Close() error {
	var errs []error
	if c.listener != nil {
		errs = append(errs, c.listener.Close())
	}
	if c.conn != nil {
		if err := c.conn.Close(); !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
