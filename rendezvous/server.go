// Package rendezvous implements the UDP server that introduces two clients
// to each other's public endpoint.
//
// Each pairing round waits for a datagram from some endpoint, then for a
// datagram from a different endpoint, and sends each of them the other's
// endpoint as text. Repeated registrations from the first endpoint are
// ignored. In ModeRelay the server additionally remembers every pair and
// forwards datagrams between its members.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/lyc8503/udppunch/sidechannel"
	"github.com/lyc8503/udppunch/wire"
	log "github.com/sirupsen/logrus"
)

type Mode int

const (
	// ModeExchange only exchanges endpoints; clients then talk directly.
	ModeExchange Mode = iota
	// ModeRelay exchanges endpoints and keeps forwarding traffic of each pair.
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModeExchange:
		return "exchange"
	case ModeRelay:
		return "relay"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "exchange" or "relay".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "exchange":
		return ModeExchange, nil
	case "relay":
		return ModeRelay, nil
	}
	return 0, fmt.Errorf("unknown server mode %q (allowed: exchange, relay)", s)
}

type Config struct {
	Mode Mode

	// BufferSize is the receive capacity. Longer datagrams are truncated,
	// which matters for relayed payloads only.
	BufferSize int

	// Relay table settings, ModeRelay only.
	RelayCapacity int
	RelayTTL      time.Duration

	Logger log.FieldLogger
}

func DefaultConfig() Config {
	return Config{
		Mode:          ModeExchange,
		BufferSize:    wire.DefaultBufferSize,
		RelayCapacity: sidechannel.DefaultCapacity,
		RelayTTL:      sidechannel.DefaultTTL,
		Logger:        log.StandardLogger(),
	}
}

type Server struct {
	conn   net.PacketConn
	cfg    Config
	relay  *sidechannel.Relay
	logger log.FieldLogger
}

// Listen binds a UDP socket on addr and returns a server using it. A port
// already taken by another process is reported here, before serving.
func Listen(network, addr string, cfg Config) (*Server, error) {
	network, err := wire.ParseNetwork(network)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return New(conn, cfg), nil
}

// New creates a server on an already bound socket. The server owns conn.
func New(conn net.PacketConn, cfg Config) *Server {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = wire.DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}

	s := &Server{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger.WithField("mode", cfg.Mode),
	}
	if cfg.Mode == ModeRelay {
		s.relay = sidechannel.NewRelay(cfg.RelayCapacity, cfg.RelayTTL)
	}
	return s
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// Serve runs pairing rounds until ctx is done or the socket fails. It
// returns nil after cancellation and the socket error otherwise; a server
// whose socket is broken cannot go on.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.logger.Infof("Server started listening on %s", s.conn.LocalAddr())

	buf := make([]byte, s.cfg.BufferSize)
	var first netip.AddrPort // zero while no round is open

	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		src, err := wire.EndpointOf(addr)
		if err != nil {
			s.logger.Warnf("Dropping datagram with unusable source %v: %v", addr, err)
			continue
		}

		if s.relay != nil {
			if dst, ok := s.relay.Peer(src); ok {
				if err := s.forward(buf[:n], src, dst); err != nil {
					return err
				}
				continue
			}
		}

		// The payload of a registration is never looked at.
		switch {
		case !first.IsValid():
			first = src
			s.logger.WithField("from", src).Info("First client registered")
		case src == first:
			s.logger.WithField("from", src).Debug("Ignoring repeated registration")
		default:
			s.logger.WithField("from", src).Info("Second client registered")
			if err := s.introduce(first, src); err != nil {
				return err
			}
			first = netip.AddrPort{}
		}
	}
}

// introduce sends each endpoint the other's text form.
func (s *Server) introduce(first, second netip.AddrPort) error {
	if _, err := s.conn.WriteTo(wire.EncodeEndpoint(first), wire.UDPAddr(second)); err != nil {
		return fmt.Errorf("send endpoint %s to %s: %w", first, second, err)
	}
	if _, err := s.conn.WriteTo(wire.EncodeEndpoint(second), wire.UDPAddr(first)); err != nil {
		return fmt.Errorf("send endpoint %s to %s: %w", second, first, err)
	}
	if s.relay != nil {
		s.relay.Bind(first, second)
	}
	s.logger.WithFields(log.Fields{"first": first, "second": second}).Info("Paired clients")
	return nil
}

func (s *Server) forward(payload []byte, src, dst netip.AddrPort) error {
	entry := s.logger.WithFields(log.Fields{"from": src, "to": dst, "bytes": len(payload)})
	if len(payload) == s.cfg.BufferSize {
		entry.Debug("Relayed payload fills the buffer, it may have been truncated")
	}
	if _, err := s.conn.WriteTo(payload, wire.UDPAddr(dst)); err != nil {
		return fmt.Errorf("relay to %s: %w", dst, err)
	}
	entry.Trace("Relayed datagram")
	return nil
}
