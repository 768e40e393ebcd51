package punch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/lyc8503/udppunch/wire"
)

// Duplex sends every line of in to the peer and writes every datagram from
// the peer to out, concurrently, over the one connected socket.
//
// It returns when in is exhausted, when receiving fails for good, or when
// ctx is done; the socket is closed in all cases. A sender still blocked
// reading in is left behind, as there is no way to interrupt an arbitrary
// reader.
func (c *Client) Duplex(ctx context.Context, in io.Reader, out io.Writer) error {
	allowed := []State{StatePunched}
	if c.params.Relay {
		allowed = append(allowed, StatePeerKnown)
	}
	if err := c.expect("duplex", allowed...); err != nil {
		return err
	}
	c.state = StateDuplex
	defer func() { c.state = StateDone }()

	c.logger.Info("Connection ready, reading messages from input")

	recvErr := make(chan error, 1)
	sendErr := make(chan error, 1)
	go func() { recvErr <- c.receive(out) }()
	go func() { sendErr <- c.send(in) }()

	var err error
	select {
	case err = <-sendErr:
		c.conn.Close()
		if rerr := <-recvErr; err == nil {
			err = rerr
		}
	case err = <-recvErr:
		c.conn.Close()
	case <-ctx.Done():
		c.conn.Close()
		<-recvErr
		err = ctx.Err()
	}
	return err
}

// refused reports the error a connected UDP socket returns after an ICMP
// port unreachable, typically while the peer has not punched yet.
func refused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func (c *Client) receive(out io.Writer) error {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				return nil
			case refused(err):
				c.logger.Debugf("Peer unreachable for now: %v", err)
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		msg := buf[:n]
		if bytes.Equal(msg, wire.PunchMarker) || bytes.Equal(msg, wire.RegisterMarker) {
			c.logger.Debugf("Dropping control marker %q", msg)
			continue
		}

		text := string(msg)
		if !utf8.Valid(msg) {
			c.logger.Warnf("Received %d bytes of invalid UTF-8, replacing bad sequences", n)
			text = strings.ToValidUTF8(text, "�")
		}
		if _, err := io.WriteString(out, text); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}

func (c *Client) send(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		msg := []byte(scanner.Text() + "\n")
		_, err := c.conn.Write(msg)
		if refused(err) {
			// the pending ICMP error was reported instead of sending
			c.logger.Debugf("Peer unreachable for now, resending: %v", err)
			_, err = c.conn.Write(msg)
		}
		if err != nil {
			if refused(err) {
				c.logger.Warnf("Message lost, peer unreachable: %v", err)
				continue
			}
			return fmt.Errorf("send: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// Run performs the whole client sequence and returns when in is exhausted
// or a step fails.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	defer c.Close()

	if err := c.Bind(); err != nil {
		return err
	}
	if c.params.StunServer != "" {
		if _, err := c.Discover(ctx); err != nil {
			c.logger.Warnf("Public endpoint discovery failed: %v", err)
		}
	}
	if err := c.Register(); err != nil {
		return err
	}
	if _, err := c.AwaitPeer(ctx); err != nil {
		return err
	}
	if !c.params.Relay {
		if err := c.Punch(ctx); err != nil {
			return err
		}
	}
	return c.Duplex(ctx, in, out)
}
