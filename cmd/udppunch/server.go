package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyc8503/udppunch/rendezvous"
	"github.com/lyc8503/udppunch/sidechannel"
	"github.com/lyc8503/udppunch/wire"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serverFlags = struct {
		Port       uint16
		Proto      string
		Mode       string
		Buffer     int
		RelayTTL   time.Duration
		RelayPairs int
	}{}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Run the rendezvous server that exchanges client endpoints",
		RunE:  runServer,
	}
)

func init() {
	f := serverCmd.Flags()
	f.Uint16VarP(&serverFlags.Port, "port", "p", 0, "port to listen on, all interfaces")
	f.StringVarP(&serverFlags.Proto, "proto", "t", wire.DefaultNetwork, "transport protocol [udp, udp4, udp6]")
	f.StringVar(&serverFlags.Mode, "mode", "exchange", "exchange: only introduce peers; relay: also forward their traffic")
	f.IntVar(&serverFlags.Buffer, "buffer", wire.DefaultBufferSize, "receive buffer size, longer relayed datagrams are truncated")
	f.DurationVar(&serverFlags.RelayTTL, "relay-ttl", sidechannel.DefaultTTL, "forget relay pairs idle for this long")
	f.IntVar(&serverFlags.RelayPairs, "relay-pairs", sidechannel.DefaultCapacity, "maximum number of relay pairs")
	serverCmd.MarkFlagRequired("port")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	network, err := wire.ParseNetwork(serverFlags.Proto)
	if err != nil {
		return err
	}
	mode, err := rendezvous.ParseMode(serverFlags.Mode)
	if err != nil {
		return err
	}
	if serverFlags.Port == 0 {
		return errors.New("port must be between 1 and 65535")
	}
	if serverFlags.Buffer <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", serverFlags.Buffer)
	}

	cfg := rendezvous.DefaultConfig()
	cfg.Mode = mode
	cfg.BufferSize = serverFlags.Buffer
	cfg.RelayTTL = serverFlags.RelayTTL
	cfg.RelayCapacity = serverFlags.RelayPairs

	srv, err := rendezvous.Listen(network, fmt.Sprintf(":%d", serverFlags.Port), cfg)
	if err != nil {
		return err
	}
	if mode == rendezvous.ModeRelay {
		log.Warn("Relay mode: a new pairing replaces any earlier pair of the same endpoints")
		log.Warn("Relay mode: an endpoint still paired is relayed, not re-paired; a client restarted on the same public endpoint waits until its old pair idles out (--relay-ttl)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Serve(ctx); err != nil {
		return err
	}
	log.Info("Bye!")
	return nil
}
