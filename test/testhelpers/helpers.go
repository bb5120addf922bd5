// Package testhelpers provides common utilities and helper functions for testing the carpool chat server.
//
// It assembles the full connection stack (registry, bridge, chat handler and
// WebSocket server) over an in-memory broker and store, and wraps the
// WebSocket client calls the integration tests repeat.
package testhelpers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/carpool-chat/internal/bridge"
	"github.com/Tyrowin/carpool-chat/internal/broker"
	"github.com/Tyrowin/carpool-chat/internal/chat"
	"github.com/Tyrowin/carpool-chat/internal/config"
	"github.com/Tyrowin/carpool-chat/internal/metrics"
	"github.com/Tyrowin/carpool-chat/internal/registry"
	"github.com/Tyrowin/carpool-chat/internal/server"
	"github.com/Tyrowin/carpool-chat/internal/store"
)

// TestOrigin is the origin every helper dials with; it is allowed by the
// default test configuration.
const TestOrigin = "http://localhost:8080"

// Stack is one running server process backed by in-memory infrastructure.
type Stack struct {
	Config   *config.Config
	Broker   *broker.Memory
	Bridge   *bridge.Bridge
	Store    *store.Memory
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Server   *server.Server
	HTTP     *httptest.Server
}

// NewStack starts a server on an httptest listener. Stacks created on the
// same bus behave like separate processes sharing one broker; a nil bus gives
// the stack a private one. mutate may adjust the configuration before the
// server is built.
func NewStack(t *testing.T, bus *broker.MemoryBus, mutate ...func(*config.Config)) *Stack {
	t.Helper()

	cfg := config.Default()
	cfg.Broker.Driver = config.BrokerMemory
	cfg.Store.Driver = config.StoreMemory
	cfg.Server.AllowedOrigins = []string{TestOrigin}
	for _, fn := range mutate {
		fn(&cfg)
	}
	cfg = config.Sanitize(cfg)

	if bus == nil {
		bus = broker.NewMemoryBus()
	}

	log := zaptest.NewLogger(t)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	br := bus.Client()
	b := bridge.New(registry.New(), br, log.Named("bridge"),
		bridge.WithMetrics(m), bridge.WithTimeout(cfg.Broker.Timeout))
	st := store.NewMemory(0)
	h := chat.NewHandler(b, st, log.Named("chat"),
		chat.WithMetrics(m), chat.WithStoreTimeout(cfg.Store.Timeout))

	srv := server.New(&cfg, h, log.Named("server"),
		server.WithMetrics(m), server.WithGatherer(promReg))
	srv.StartHub()

	s := &Stack{
		Config:   &cfg,
		Broker:   br,
		Bridge:   b,
		Store:    st,
		Metrics:  m,
		Registry: promReg,
		Server:   srv,
		HTTP:     httptest.NewServer(srv.Routes()),
	}

	t.Cleanup(func() {
		_ = srv.Hub().Shutdown(2 * time.Second)
		s.HTTP.Close()
		b.Shutdown(context.Background())
		_ = br.Close()
	})
	return s
}

// WebSocketURL returns the stack's /ws endpoint.
func (s *Stack) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/ws"
}

// Connect dials the stack's WebSocket endpoint and closes the connection
// when the test ends.
func (s *Stack) Connect(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(s.WebSocketURL())
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// WaitForMembers blocks until room has n local members.
func (s *Stack) WaitForMembers(t *testing.T, room string, n int) {
	t.Helper()
	Eventually(t, func() bool {
		return s.Bridge.Registry().Count(room) == n
	}, "room %q never reached %d members", room, n)
}

// Eventually polls cond for up to two seconds.
func Eventually(t *testing.T, cond func() bool, format string, args ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL
// using the test origin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	conn, _, err := DialWebSocket(url, headers)
	return conn, err
}

// DialWebSocket dials url with the given headers and returns the handshake
// status code alongside the connection.
func DialWebSocket(url string, headers http.Header) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(url, headers)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

// Join sends a join envelope for room.
func Join(conn *websocket.Conn, room string) error {
	return conn.WriteJSON(map[string]string{"type": chat.TypeJoin, "carpoolId": room})
}

// SendChat sends a chat envelope to room.
func SendChat(conn *websocket.Conn, room, name, message string) error {
	return conn.WriteJSON(map[string]string{
		"type":      chat.TypeChat,
		"carpoolId": room,
		"name":      name,
		"message":   message,
	})
}

// ReceiveMessage reads one outbound chat message, waiting at most timeout.
func ReceiveMessage(conn *websocket.Conn, timeout time.Duration) (bridge.OutboundMessage, error) {
	var msg bridge.OutboundMessage
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return msg, err
	}
	err := conn.ReadJSON(&msg)
	return msg, err
}

// ExpectMessage fails the test unless the next message on conn is the
// expected one.
func ExpectMessage(t *testing.T, conn *websocket.Conn, name, message string) {
	t.Helper()

	got, err := ReceiveMessage(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to receive %q: %v", message, err)
	}
	if got.Name != name || got.Message != message {
		t.Fatalf("Expected {%s: %s}, got {%s: %s}", name, message, got.Name, got.Message)
	}
}

// SendRawMessage sends a raw byte message over the WebSocket connection.
func SendRawMessage(conn *websocket.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
