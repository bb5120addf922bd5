package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/carpool-chat/internal/bridge"
	"github.com/Tyrowin/carpool-chat/internal/broker"
	"github.com/Tyrowin/carpool-chat/internal/chat"
	"github.com/Tyrowin/carpool-chat/internal/config"
	"github.com/Tyrowin/carpool-chat/internal/metrics"
	"github.com/Tyrowin/carpool-chat/internal/registry"
	"github.com/Tyrowin/carpool-chat/internal/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Driver = config.BrokerMemory
	cfg.Store.Driver = config.StoreMemory
	cfg = config.Sanitize(cfg)
	return &cfg
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	log := zaptest.NewLogger(t)
	b := bridge.New(registry.New(), broker.NewMemory(), log)
	h := chat.NewHandler(b, store.NewMemory(0), log)
	return New(testConfig(), h, log, opts...)
}

func newTestClient(sendBuffer int) *Client {
	cfg := testConfig()
	cfg.WS.SendBuffer = sendBuffer
	return NewClient(nil, NewHub(zap.NewNop()), "test", cfg, zap.NewNop(), metrics.NewUnregistered())
}

func newRegistryWithMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	return reg, metrics.New(reg)
}
