package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazysuperheroes/hedera-multisig/internal/chain"
	"github.com/lazysuperheroes/hedera-multisig/internal/config"
	"github.com/lazysuperheroes/hedera-multisig/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8089",
		Env:            "development",
		LogLevel:       "error",
		LogFormat:      "text",
		Network:        "testnet",
		SessionTimeout: time.Hour,
		SweepInterval:  time.Minute,
		GracePeriod:    time.Minute,
		VerifyTimeout:  2 * time.Second,
		MaxFrameBytes:  256 << 10,
		MsgRatePerSec:  20,
		MsgBurst:       40,
		PingInterval:   30 * time.Second,
		SendQueueSize:  64,
		RateLimitRPM:   10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), WithAdapter(&chain.FakeAdapter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run starts the listener.
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "multisig_"))
}

func TestSessionsEndpointHidesSecrets(t *testing.T) {
	srv := newTestServer(t)

	snap, _, err := srv.Manager().CreateSession(t.Context(), session.CreateConfig{
		Threshold:       2,
		EligibleKeys:    []string{"K1", "K2"},
		ExpectedSigners: 2,
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Sessions []map[string]any `json:"sessions"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, snap.ID, listing.Sessions[0]["sessionId"])

	// The PIN must never leak through the REST view.
	assert.False(t, strings.Contains(w.Body.String(), snap.PIN))

	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+snap.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, strings.Contains(w.Body.String(), snap.PIN))

	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionIDShapeGate(t *testing.T) {
	srv := newTestServer(t)

	// Malformed IDs are refused before any store lookup.
	for _, id := range []string{"..%2f..", "ABCDEF", strings.Repeat("a", 31)} {
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, "id %q", id)
	}

	// A well-formed but unknown ID also yields not-found.
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+strings.Repeat("ab", 16), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestWsURL(t *testing.T) {
	assert.Equal(t, "wss://x.example.com", wsURL("https://x.example.com"))
	assert.Equal(t, "ws://x.example.com", wsURL("http://x.example.com"))
	assert.Equal(t, "wss://already", wsURL("wss://already"))
}
