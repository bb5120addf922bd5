// Package integration exercises the carpool chat server end to end over real
// HTTP and WebSocket connections.
package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/carpool-chat/test/testhelpers"
)

// TestHealthEndpointIntegration tests the health endpoints with the full router.
func TestHealthEndpointIntegration(t *testing.T) {
	stack := testhelpers.NewStack(t, nil)

	for _, path := range []string{"/", "/healthz"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, stack.HTTP.URL+path)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)

		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
		require.Equal(t, "Carpool chat server is running!", string(body))
	}
}

// TestTestPageIntegration checks the test page drives the join/chat protocol.
func TestTestPageIntegration(t *testing.T) {
	stack := testhelpers.NewStack(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, stack.HTTP.URL+"/test")
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/html")
	require.Contains(t, string(body), "type: 'join'")
	require.Contains(t, string(body), "type: 'chat'")
}

// TestMetricsEndpointIntegration checks the Prometheus exposition after a
// connection has been opened.
func TestMetricsEndpointIntegration(t *testing.T) {
	stack := testhelpers.NewStack(t, nil)
	stack.Connect(t)

	testhelpers.Eventually(t, func() bool {
		resp := testhelpers.MakeRequest(t, http.MethodGet, stack.HTTP.URL+"/metrics")
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "carpool_chat_connections_active 1")
	}, "connections_active never reported the open connection")
}

// TestWebSocketEndpointRejectsPost keeps the GET-only contract of /ws.
func TestWebSocketEndpointRejectsPost(t *testing.T) {
	stack := testhelpers.NewStack(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, stack.HTTP.URL+"/ws")
	defer resp.Body.Close()

	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}
