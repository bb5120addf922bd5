package server

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/carpool-chat/internal/chat"
	"github.com/Tyrowin/carpool-chat/internal/config"
	"github.com/Tyrowin/carpool-chat/internal/metrics"
)

// Server adapts WebSocket connections to chat sessions and serves the HTTP
// surface around them.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	chat     *chat.Handler
	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	origins  *originPolicy
	identity *identityReader
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics sets the instruments connections report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithGatherer exposes g on /metrics. Without it the route is not mounted.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a Server whose connections are handled by h.
func New(cfg *config.Config, h *chat.Handler, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      NewHub(log.Named("hub")),
		chat:     h,
		log:      log,
		origins:  newOriginPolicy(cfg.Server.AllowedOrigins, log),
		identity: newIdentityReader(cfg.Auth.JWTSecret),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewUnregistered()
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the connection supervisor.
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartHub starts the hub's run loop in a separate goroutine. It must be
// called before the HTTP server accepts connections.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.log.Info("hub started and ready to manage WebSocket connections")
}

// accept attaches a chat session to a freshly upgraded connection and hands
// it to the hub.
func (s *Server) accept(conn *websocket.Conn, addr string, peer chat.Peer) {
	client := NewClient(conn, s.hub, addr, s.cfg, s.log, s.metrics)
	client.session = s.chat.Open(client, peer)

	if !s.hub.registerClient(client) {
		s.log.Warn("hub is shutting down; rejecting connection", zap.String("remote", addr))
		client.session.Close(context.Background())
		client.closeSend()
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("error closing rejected connection", zap.Error(err))
		}
	}
}
