package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	req := require.New(t)
	rec := httptest.NewRecorder()

	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	req.Equal(http.StatusOK, rec.Code)
	req.Equal("text/plain", rec.Header().Get("Content-Type"))
	req.Equal("Carpool chat server is running!", rec.Body.String())
}

func TestTestPageHandler(t *testing.T) {
	req := require.New(t)
	rec := httptest.NewRecorder()

	TestPageHandler(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	req.Equal(http.StatusOK, rec.Code)
	req.Equal("text/html", rec.Header().Get("Content-Type"))
	req.Contains(rec.Body.String(), "<title>Carpool Chat WebSocket Test</title>")
	req.Contains(rec.Body.String(), "carpoolId")
}

func TestWebSocketHandler_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.WebSocketHandler(rec, httptest.NewRequest(method, "/ws", http.NoBody))
			require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestWebSocketHandler_NotAnUpgrade(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()

	r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	r.Header.Set("Origin", "http://localhost:8080")
	srv.WebSocketHandler(rec, r)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 0, srv.Hub().ClientCount())
}

func TestRoutes(t *testing.T) {
	reg, m := newRegistryWithMetrics()
	srv := newTestServer(t, WithMetrics(m), WithGatherer(reg))
	m.ConnectionsActive.Set(3)

	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/", http.StatusOK, "Carpool chat server is running!"},
		{"/healthz", http.StatusOK, "Carpool chat server is running!"},
		{"/test", http.StatusOK, "Carpool Chat WebSocket Test"},
		{"/metrics", http.StatusOK, "carpool_chat_connections_active 3"},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			require.True(t, strings.Contains(string(body), tt.wantBody))
		})
	}
}

func TestRoutes_NoGatherer(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
