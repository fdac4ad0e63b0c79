package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/mendan/internal/auth"
	"github.com/lukasbauer/mendan/internal/generation"
)

func testHandler(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	if deps.Generator == nil {
		deps.Generator = generation.NewService(nil, generation.DefaultConfig(), zerolog.Nop())
	}
	return NewRouter(RouterConfig{}, deps, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, testHandler(t, Deps{}), httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
		Mode    string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, Version, body.Version)
	assert.Equal(t, generation.ModeFallback, body.Mode)
}

func TestHealthAndReadiness(t *testing.T) {
	sessions := NewSessionRegistry()
	h := testHandler(t, Deps{Sessions: sessions})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	var ready struct {
		Status  string           `json:"status"`
		Bridges map[string]int64 `json:"bridges"`
	}
	require.True(t, sessions.Add(modeMock))
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, map[string]int64{modeMock: 1}, ready.Bridges)

	sessions.StartDraining()
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "draining", ready.Status)
	sessions.Done(modeMock)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, testHandler(t, Deps{}), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mendan_bridge_sessions_total")
}

func TestCORSPreflight(t *testing.T) {
	rec := do(t, testHandler(t, Deps{}), httptest.NewRequest(http.MethodOptions, "/generate-stage1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestAuth(t *testing.T) {
	tokens := auth.New("test-secret", 0)
	h := testHandler(t, Deps{Tokens: tokens})
	valid, _, err := tokens.Issue("laptop")
	require.NoError(t, err)
	other, _, err := auth.New("other-secret", 0).Issue("laptop")
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{"missing header", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "invalid authorization format"},
		{"wrong secret", "Bearer " + other, http.StatusUnauthorized, "invalid token"},
		{"valid token", "Bearer " + valid, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/generate-stage1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := do(t, h, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantError, body["error"])
			}
		})
	}

	// Probes stay open.
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthStoresClientID(t *testing.T) {
	tokens := auth.New("test-secret", 0)
	r := &Router{tokens: tokens, logger: zerolog.Nop()}
	token, _, err := tokens.Issue("laptop")
	require.NoError(t, err)

	var got string
	h := r.withAuth(func(w http.ResponseWriter, req *http.Request) {
		got = clientIDFromContext(req.Context())
		_, _ = io.WriteString(w, "ok")
	})
	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "laptop", got)
}

func TestPanicIsRecovered(t *testing.T) {
	h := withSentryRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
