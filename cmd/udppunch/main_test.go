package main

import (
	"testing"

	"github.com/lyc8503/udppunch/punch"
	"github.com/lyc8503/udppunch/wire"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	defer log.SetReportCaller(false)
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, setupLogging("debug"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	assert.Error(t, setupLogging("loud"))
}

func TestVersion(t *testing.T) {
	assert.Contains(t, version(), "udppunch version")
}

func TestConfigErrorsBeforeSockets(t *testing.T) {
	// flag values stick between Execute calls, so every case here must fail
	// before a socket is opened whatever ran earlier
	for _, args := range [][]string{
		{"server"},
		{"client", "-s", "127.0.0.1:0"},
	} {
		rootCmd.SetArgs(args)
		assert.Error(t, rootCmd.Execute(), "%v", args)
	}

	rootCmd.SetArgs([]string{"client", "-s", "127.0.0.1:0", "-d", "127.0.0.1:9", "-t", "tcp"})
	err := rootCmd.Execute()
	assert.ErrorIs(t, err, punch.ErrInvalidParams)
	assert.ErrorIs(t, err, wire.ErrUnsupportedProtocol)

	rootCmd.SetArgs([]string{"server", "-p", "9000", "--mode", "mesh"})
	assert.Error(t, rootCmd.Execute())
}
