package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestChain builds a router the way main does: an /echo route behind
// the full admission chain, returning the caller's principal and body.
func newTestChain(limiter *rateLimiter, verifier TokenVerifier) http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/").Subrouter()
	attachAdmissionChain(api, limiter, verifier)
	api.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"subject": requestPrincipal(r).Subject,
			"note":    r.URL.Query().Get("note"),
			"body":    string(body),
		})
	}).Methods(http.MethodPost)
	return corsMiddleware("*")(router)
}

func TestPipelineCountsRequestsEvenWhenAuthFails(t *testing.T) {
	t.Parallel()

	limiter := newRateLimiter(100, time.Minute, quartz.NewMock(t))
	verifier := allowWallet("wallet-1")
	handler := newTestChain(limiter, verifier)

	// No Authorization header: rejected at the auth gate, but the rate
	// limiter ran first and consumed a slot. Ordering is the contract.
	r := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{}`))
	r.Header.Set("X-Client-Id", "client-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, codeAuthRequired, decodeEnvelope(t, w).Code)
	assert.Equal(t, 1, limiter.windowCount("client-1"))
	assert.Zero(t, verifier.calls)
}

func TestPipelineRateLimitsBeforeAuth(t *testing.T) {
	t.Parallel()

	limiter := newRateLimiter(1, time.Minute, quartz.NewMock(t))
	verifier := allowWallet("wallet-1")
	handler := newTestChain(limiter, verifier)

	first := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{}`))
	first.Header.Set("X-Client-Id", "client-1")
	first.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, first)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, verifier.calls)

	second := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{}`))
	second.Header.Set("X-Client-Id", "client-1")
	second.Header.Set("Authorization", "Bearer good")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, second)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var envelope errorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	assert.Equal(t, codeRateLimitExceeded, envelope.Code)
	assert.GreaterOrEqual(t, envelope.RetryAfter, 1)
	assert.LessOrEqual(t, envelope.RetryAfter, 60)
	// Exhausted clients are turned away before verification runs again.
	assert.Equal(t, 1, verifier.calls)
}

func TestPipelineCORSPreflightSkipsAdmission(t *testing.T) {
	t.Parallel()

	limiter := newRateLimiter(1, time.Minute, quartz.NewMock(t))
	verifier := allowWallet("wallet-1")
	handler := newTestChain(limiter, verifier)

	r := httptest.NewRequest(http.MethodOptions, "/echo", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Less(t, w.Code, 300)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	// The preflight touched neither the limiter nor the verifier.
	assert.Zero(t, limiter.size())
	assert.Zero(t, verifier.calls)
}

func TestPipelineSanitizesBeforeHandler(t *testing.T) {
	t.Parallel()

	limiter := newRateLimiter(100, time.Minute, quartz.NewMock(t))
	handler := newTestChain(limiter, allowWallet("wallet-1"))

	r := httptest.NewRequest(http.MethodPost, "/echo?note=%3Chi%3E", strings.NewReader(`{"msg":"<script>"}`))
	r.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Subject string `json:"subject"`
		Note    string `json:"note"`
		Body    string `json:"body"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "wallet-1", resp.Subject)
	assert.Equal(t, "hi", resp.Note)
	assert.NotContains(t, resp.Body, "<")
	assert.Contains(t, resp.Body, "script")
}

func TestPipelineRejectsMalformedBodyBeforeRateLimitCounts(t *testing.T) {
	t.Parallel()

	limiter := newRateLimiter(100, time.Minute, quartz.NewMock(t))
	handler := newTestChain(limiter, allowWallet("wallet-1"))

	r := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`not json`))
	r.Header.Set("X-Client-Id", "client-1")
	r.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeInvalidInput, decodeEnvelope(t, w).Code)
	// Sanitization runs first, so the malformed request never consumed a
	// rate-limit slot.
	assert.Zero(t, limiter.windowCount("client-1"))
}
