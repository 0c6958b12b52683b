package tunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazysuperheroes/hedera-multisig/internal/logging"
)

func TestNoop(t *testing.T) {
	var tun Noop
	url, err := tun.Start(context.Background(), "8089")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8089", url)
	tun.Stop()
}

func TestCommand_ScrapesURL(t *testing.T) {
	// A stand-in tunnel binary that prints a banner and then the URL.
	// The IP-literal URL keeps the SSRF check from needing DNS.
	tun := NewCommand(`echo starting tunnel on {port}; echo url is https://203.0.113.10; sleep 30`, logging.New("error", "text"))
	defer tun.Stop()

	url, err := tun.Start(context.Background(), "8089")
	require.NoError(t, err)
	assert.Equal(t, "https://203.0.113.10", url)
}

func TestCommand_RejectsInternalURL(t *testing.T) {
	// A tunnel that reports a loopback URL is refused.
	tun := NewCommand(`echo http://127.0.0.1:9999; sleep 30`, logging.New("error", "text"))
	defer tun.Stop()

	_, err := tun.Start(context.Background(), "8089")
	assert.Error(t, err)
}

func TestCommand_Empty(t *testing.T) {
	tun := NewCommand("", logging.New("error", "text"))
	_, err := tun.Start(context.Background(), "8089")
	assert.Error(t, err)
}

func TestCommand_ContextCancelled(t *testing.T) {
	tun := NewCommand(`sleep 60`, logging.New("error", "text"))
	defer tun.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tun.Start(ctx, "8089")
	assert.Error(t, err)
}
