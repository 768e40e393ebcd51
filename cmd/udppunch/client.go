package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyc8503/udppunch/punch"
	"github.com/lyc8503/udppunch/wire"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	clientParams punch.Params

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Punch a hole to the peer the server introduces and chat over stdin/stdout",
		RunE:  runClient,
	}
)

func init() {
	f := clientCmd.Flags()
	f.StringVarP(&clientParams.Local, "src", "s", "", "local endpoint to bind, e.g. 0.0.0.0:40000")
	f.StringVarP(&clientParams.Server, "dst", "d", "", "rendezvous server endpoint, e.g. 203.0.113.1:9000")
	f.StringVarP(&clientParams.Network, "proto", "t", wire.DefaultNetwork, "transport protocol [udp, udp4, udp6]")
	f.BoolVar(&clientParams.Relay, "relay", false, "talk through the server instead of punching (server must run in relay mode)")
	f.StringVar(&clientParams.StunServer, "stun-server", "", "STUN server to report our public endpoint, e.g. stun.l.google.com:19302")
	f.IntVar(&clientParams.PunchAttempts, "punch-attempts", punch.DefaultPunchAttempts, "attempts to send the punch datagram")
	f.DurationVar(&clientParams.PunchInterval, "punch-interval", punch.DefaultPunchInterval, "wait between punch attempts")
	clientCmd.MarkFlagRequired("src")
	clientCmd.MarkFlagRequired("dst")
	rootCmd.AddCommand(clientCmd)
}

func runClient(cmd *cobra.Command, args []string) error {
	c, err := punch.New(clientParams, log.StandardLogger())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	err = c.Run(ctx, os.Stdin, os.Stdout)
	log.Debugf("Client ran for %s in state %s", time.Since(start).Round(time.Millisecond), c.State())
	return err
}
