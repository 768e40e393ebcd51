package stun

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers Binding requests with the sender's address. Requests
// listed in drop are swallowed, counting from zero.
func fakeServer(t *testing.T, legacy bool, drop ...int) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	skip := map[int]bool{}
	for _, d := range drop {
		skip[d] = true
	}

	go func() {
		buf := make([]byte, 1500)
		for i := 0; ; i++ {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if skip[i] {
				continue
			}
			req := new(stun.Message)
			req.Raw = append([]byte(nil), buf[:n]...)
			if req.Decode() != nil {
				continue
			}

			var addr stun.Setter = &stun.XORMappedAddress{IP: from.IP, Port: from.Port}
			if legacy {
				addr = &stun.MappedAddress{IP: from.IP, Port: from.Port}
			}
			resp := stun.MustBuild(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess, addr, stun.NewSoftware("fake"))

			// noise first: a stray datagram and a response to another transaction
			conn.WriteToUDP([]byte("hello"), from)
			conn.WriteToUDP(stun.MustBuild(stun.TransactionID, stun.BindingSuccess).Raw, from)
			conn.WriteToUDP(resp.Raw, from)
		}
	}()
	return conn
}

func clientConn(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMappedAddress(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		srv := fakeServer(t, legacy)
		conn := clientConn(t)

		ep, err := MappedAddress(context.Background(), conn, "udp4", srv.LocalAddr().String(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, conn.LocalAddr().String(), ep.String())
	}
}

func TestMappedAddressRetransmits(t *testing.T) {
	srv := fakeServer(t, false, 0)
	conn := clientConn(t)

	ep, err := MappedAddress(context.Background(), conn, "udp4", srv.LocalAddr().String(), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, conn.LocalAddr().String(), ep.String())
}

func TestMappedAddressTimeout(t *testing.T) {
	silent := clientConn(t)
	conn := clientConn(t)

	start := time.Now()
	_, err := MappedAddress(context.Background(), conn, "udp4", silent.LocalAddr().String(), 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMappedAddressCancel(t *testing.T) {
	silent := clientConn(t)
	conn := clientConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := MappedAddress(ctx, conn, "udp4", silent.LocalAddr().String(), 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMappedNoAddress(t *testing.T) {
	_, err := mapped(stun.MustBuild(stun.TransactionID, stun.BindingSuccess))
	assert.ErrorIs(t, err, ErrNoMappedAddress)
}
