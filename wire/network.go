package wire

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedProtocol = errors.New("unsupported transport protocol")

// DefaultNetwork is used when no protocol tag is given.
const DefaultNetwork = "udp"

var networks = map[string]bool{
	"udp":  true,
	"udp4": true,
	"udp6": true,
	// reserved, not implemented
	"tcp": false,
}

// ParseNetwork validates a transport protocol tag and returns the Go network
// name to listen or dial with.
func ParseNetwork(tag string) (string, error) {
	if tag == "" {
		return DefaultNetwork, nil
	}
	n := strings.ToLower(tag)
	implemented, known := networks[n]
	if !known {
		return "", fmt.Errorf("%w: %q (allowed: udp, udp4, udp6)", ErrUnsupportedProtocol, tag)
	}
	if !implemented {
		return "", fmt.Errorf("%w: %q is reserved and not implemented", ErrUnsupportedProtocol, tag)
	}
	return n, nil
}
