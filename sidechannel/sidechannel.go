// This file implements the side-channel used when direct NAT traversal does
// not apply: the rendezvous server keeps the paired endpoints and forwards
// their traffic.

package sidechannel

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 512
)

// Relay is a table of paired endpoints. Each member maps to the other one.
// Entries that carry no traffic for the TTL are evicted together with their
// partner; when the table is full the least recently used pair goes first.
//
// Relay is safe for concurrent use.
type Relay struct {
	peers *expirable.LRU[netip.AddrPort, netip.AddrPort]
}

// NewRelay creates a table holding at most capacity pairs.
func NewRelay(capacity int, ttl time.Duration) *Relay {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	// Both directions are always added and refreshed together, so they
	// age and get evicted as a unit.
	return &Relay{
		peers: expirable.NewLRU[netip.AddrPort, netip.AddrPort](capacity*2, nil, ttl),
	}
}

// Bind records a and b as a pair, replacing any pair either one was in.
func (r *Relay) Bind(a, b netip.AddrPort) {
	r.Unbind(a)
	r.Unbind(b)
	r.peers.Add(a, b)
	r.peers.Add(b, a)
}

// Unbind removes the pair member belongs to, if any.
func (r *Relay) Unbind(member netip.AddrPort) {
	if other, ok := r.peers.Peek(member); ok {
		r.peers.Remove(member)
		r.peers.Remove(other)
	}
}

// Peer returns the partner of src and refreshes the pair's expiry.
func (r *Relay) Peer(src netip.AddrPort) (netip.AddrPort, bool) {
	dst, ok := r.peers.Get(src)
	if !ok {
		return netip.AddrPort{}, false
	}
	r.peers.Add(src, dst)
	r.peers.Add(dst, src)
	return dst, true
}

// Len returns the number of active pairs.
func (r *Relay) Len() int {
	return r.peers.Len() / 2
}
