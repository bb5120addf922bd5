package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/carpool-chat/internal/config"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "carpool-chat dev")
}

func TestServeWithMemoryBackends(t *testing.T) {
	req := require.New(t)

	cfg := config.Default()
	cfg.Server.Port = "127.0.0.1:0"
	cfg.Broker.Driver = config.BrokerMemory
	cfg.Store.Driver = config.StoreMemory
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg = config.Sanitize(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, &cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestServeRejectsBadRedisURL(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.StoreMemory
	cfg.Redis.URL = "not-a-url"
	cfg = config.Sanitize(cfg)

	err := serve(context.Background(), &cfg)
	require.Error(t, err)
}
