package connection_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testClientID     = "client-id"
	testClientSecret = "client-secret"
)

// tokenServer is a token endpoint that rotates refresh tokens on every use,
// like most production authorization servers.
type tokenServer struct {
	*httptest.Server

	calls atomic.Int32
	delay time.Duration

	mu              sync.Mutex
	validRefresh    string
	lastParams      url.Values
	lastContentType string
	failStatus      int
	failBody        string
}

func newTokenServer(t *testing.T, initialRefresh string) *tokenServer {
	t.Helper()

	ts := &tokenServer{validRefresh: initialRefresh}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.serve))
	t.Cleanup(ts.Close)

	return ts
}

// failWith makes every subsequent exchange fail with the given response.
func (ts *tokenServer) failWith(status int, body string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failStatus = status
	ts.failBody = body
}

func (ts *tokenServer) params() (url.Values, string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastParams, ts.lastContentType
}

func (ts *tokenServer) serve(w http.ResponseWriter, r *http.Request) {
	n := ts.calls.Add(1)
	if ts.delay > 0 {
		time.Sleep(ts.delay)
	}

	contentType := r.Header.Get("Content-Type")
	params := url.Values{}
	if strings.HasPrefix(contentType, "application/json") {
		var body map[string]string
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &body); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		for k, v := range body {
			params.Set(k, v)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		params = r.PostForm
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.lastParams = params
	ts.lastContentType = contentType

	if ts.failStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ts.failStatus)
		_, _ = w.Write([]byte(ts.failBody))
		return
	}
	if params.Get("grant_type") != "refresh_token" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if params.Get("client_id") != testClientID || params.Get("client_secret") != testClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if params.Get("refresh_token") != ts.validRefresh {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	ts.validRefresh = fmt.Sprintf("refresh-%d", n)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  fmt.Sprintf("access-%d", n),
		"refresh_token": ts.validRefresh,
		"token_type":    "bearer",
		"expires_in":    3600,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// forbiddenTransport fails the test on any network access.
func forbiddenTransport(t *testing.T) http.RoundTripper {
	t.Helper()

	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		t.Errorf("unexpected network request to %s", req.URL)
		return nil, fmt.Errorf("network disabled in test")
	})
}

// fixedClock returns a clock frozen at t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
