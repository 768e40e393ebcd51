package punch

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lyc8503/udppunch/wire"
)

const (
	DefaultPunchAttempts = 5
	DefaultPunchInterval = 200 * time.Millisecond
)

var ErrInvalidParams = errors.New("invalid parameters")

// Params configures a client. It is checked by Validate before any socket
// is created and not modified afterwards.
type Params struct {
	// Local is the endpoint to bind, e.g. "0.0.0.0:40000". Port 0 picks one.
	Local string
	// Server is the rendezvous server endpoint.
	Server string
	// Network is the transport protocol tag, see wire.ParseNetwork.
	Network string

	// Relay keeps talking through the server instead of punching. The server
	// must run in relay mode.
	Relay bool

	// StunServer, if set, is queried for the public endpoint before
	// registering. Failure is only logged.
	StunServer string

	PunchAttempts int
	PunchInterval time.Duration
}

// Validate checks p and fills in defaults.
func (p *Params) Validate() error {
	if p.Local == "" {
		return fmt.Errorf("%w: source address not specified", ErrInvalidParams)
	}
	if p.Server == "" {
		return fmt.Errorf("%w: destination address not specified", ErrInvalidParams)
	}

	network, err := wire.ParseNetwork(p.Network)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	p.Network = network

	if _, _, err := net.SplitHostPort(p.Local); err != nil {
		return fmt.Errorf("%w: source address %q: %v", ErrInvalidParams, p.Local, err)
	}
	if _, _, err := net.SplitHostPort(p.Server); err != nil {
		return fmt.Errorf("%w: destination address %q: %v", ErrInvalidParams, p.Server, err)
	}

	if p.PunchAttempts <= 0 {
		p.PunchAttempts = DefaultPunchAttempts
	}
	if p.PunchInterval <= 0 {
		p.PunchInterval = DefaultPunchInterval
	}
	return nil
}
