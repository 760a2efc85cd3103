package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/florianilch/apiconn/internal/connection"
	"github.com/florianilch/apiconn/internal/connection/connectiontest"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	cookie string
	body   string
}

func newUpstream(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		seen []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			cookie: r.Header.Get("Cookie"),
			body:   string(body),
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"0"}`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), seen...)
	}
}

func TestProxy_ForwardsWithConnectionToken(t *testing.T) {
	upstream, recorded := newUpstream(t)
	conn := connection.NewWithAccessToken("secret-token", connection.WithBaseURL(upstream.URL+"/2.0"))

	p, err := New(connection.NewPipeline(conn), conn.BaseURL())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/files/content?fields=id", strings.NewReader(`{"name":"a"}`))
	req.Header.Set("Authorization", "Bearer client-supplied")
	req.Header.Set("Cookie", "session=1")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"0"}`, rec.Body.String())

	seen := recorded()
	require.Len(t, seen, 1)
	assert.Equal(t, http.MethodPost, seen[0].method)
	assert.Equal(t, "/2.0/files/content", seen[0].path)
	assert.Equal(t, "fields=id", seen[0].query)
	assert.Equal(t, "Bearer secret-token", seen[0].auth)
	assert.Empty(t, seen[0].cookie)
	assert.Equal(t, `{"name":"a"}`, seen[0].body)
}

func TestProxy_ForwardsUpstreamErrorsUnchanged(t *testing.T) {
	fixture := connectiontest.NewResponse(http.StatusNotFound).WithBody(`{"code":"not_found"}`)
	conn := connection.NewWithAccessToken("token", connection.WithRequestInterceptor(fixture.Interceptor()))

	p, err := New(connection.NewPipeline(conn), conn.BaseURL())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/404", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, `{"code":"not_found"}`, rec.Body.String())
}

func TestProxy_UpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"transport", connection.ErrTransport, http.StatusBadGateway, "upstream_failed"},
		{"revoked", errors.Join(connection.ErrAuthentication, connection.ErrRefreshTokenRevoked), http.StatusServiceUnavailable, "credentials_revoked"},
		{"authentication", connection.ErrAuthentication, http.StatusServiceUnavailable, "authentication_failed"},
		{"configuration", connection.ErrConfiguration, http.StatusServiceUnavailable, "authentication_failed"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "upstream_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failing := roundTripFunc(func(*http.Request) (*http.Response, error) {
				return nil, tt.err
			})
			p, err := New(failing, "https://api.example.com/2.0")
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/me", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		})
	}
}

func TestProxy_Health(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthFunc
		wantStatus int
		wantBody   string
	}{
		{
			name:       "fresh",
			health:     func(context.Context) (connection.State, error) { return connection.StateFresh, nil },
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok","state":"fresh"}`,
		},
		{
			name:       "expired but refreshable",
			health:     func(context.Context) (connection.State, error) { return connection.StateExpired, nil },
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok","state":"expired"}`,
		},
		{
			name:       "invalid",
			health:     func(context.Context) (connection.State, error) { return connection.StateInvalid, nil },
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unavailable","state":"invalid"}`,
		},
		{
			name:       "not loaded",
			health:     func(context.Context) (connection.State, error) { return 0, errors.New("no state stored") },
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unavailable","error":"no state stored"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(http.DefaultTransport, "https://api.example.com", WithHealth(tt.health))
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "https://api.example.com")
	assert.Error(t, err)

	_, err = New(http.DefaultTransport, "not a url")
	assert.Error(t, err)

	_, err = New(http.DefaultTransport, "://bad")
	assert.Error(t, err)
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error","code":"internal_error"}`, rec.Body.String())
}

func TestProxy_CanceledClientGetsNoBody(t *testing.T) {
	failing := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, context.Canceled
	})
	p, err := New(failing, "https://api.example.com")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/me", nil))

	assert.Empty(t, rec.Body.String())
}

func TestProxy_StartShutdown(t *testing.T) {
	upstream, _ := newUpstream(t)
	conn := connection.NewWithAccessToken("token", connection.WithBaseURL(upstream.URL))
	p, err := New(connection.NewPipeline(conn), conn.BaseURL())
	require.NoError(t, err)

	errCh, err := p.Start(t.Context(), "127.0.0.1:0")
	require.NoError(t, err)
	require.NotEmpty(t, p.Addr())

	resp, err := http.Get("http://" + p.Addr() + "/folders/0")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	_, open := <-errCh
	assert.False(t, open, "error channel closes after graceful shutdown")
}

func TestProxy_ShutdownWithoutStart(t *testing.T) {
	p, err := New(http.DefaultTransport, "https://api.example.com")
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(t.Context()))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestProxy_ForwardsTraceContext(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	seen := make(chan string, 1)
	conn := connection.NewWithAccessToken("token",
		connection.WithRequestInterceptor(connection.InterceptorFunc(func(req *http.Request) (*http.Response, error) {
			seen <- req.Header.Get("Traceparent")
			return connectiontest.NewResponse(http.StatusNoContent).Build(req), nil
		})))
	p, err := New(connection.NewPipeline(conn), conn.BaseURL())
	require.NoError(t, err)

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set("Traceparent", traceparent)
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, traceparent, <-seen)
}
