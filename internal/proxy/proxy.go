package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/florianilch/apiconn/internal/connection"
)

// HealthFunc reports whether the upstream connection is usable.
type HealthFunc func(ctx context.Context) (connection.State, error)

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger used for request logs. If not provided,
// slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithHealth serves GET /healthz from fn.
func WithHealth(fn HealthFunc) Option {
	return func(p *Proxy) {
		p.health = fn
	}
}

// Proxy forwards local requests to the upstream API. Authentication is
// added by the transport; client-supplied credentials are dropped.
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server
	addr   string
	logger *slog.Logger
	health HealthFunc
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a forward proxy for baseURL that sends through transport,
// normally a connection.Pipeline.
func New(transport http.RoundTripper, baseURL string, opts ...Option) (*Proxy, error) {
	if transport == nil {
		return nil, errors.New("missing transport")
	}

	upstream, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host required", baseURL)
	}

	p := &Proxy{}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	basePath := strings.TrimRight(upstream.Path, "/")

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = upstream.Scheme
			pr.Out.URL.Host = upstream.Host
			pr.Out.URL.Path = basePath + pr.In.URL.Path
			pr.Out.URL.RawPath = ""
			pr.Out.Host = upstream.Host

			// The transport authenticates; never forward the caller's credentials.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		// FlushInterval: -1 flushes as soon as the upstream writes, so
		// streamed downloads are not held back.
		FlushInterval: -1,
		Transport:     transport,
		ErrorHandler:  p.handleUpstreamError,
	}

	mux := http.NewServeMux()
	mux.Handle("/", chain(reverseProxyHandler,
		TraceContext,
		Logging(p.logger),
		Recovery,
	))
	if p.health != nil {
		mux.Handle("GET "+healthPath, chain(http.HandlerFunc(p.serveHealth),
			Logging(p.logger),
			Recovery,
		))
	}

	p.mux = mux
	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// handleUpstreamError maps connection errors to gateway responses.
func (p *Proxy) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	status, code, message := http.StatusBadGateway, codeUpstreamFailed, "upstream request failed"
	switch {
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		return
	case errors.Is(err, connection.ErrRefreshTokenRevoked):
		status, code, message = http.StatusServiceUnavailable, codeCredentialsRevoked, "upstream credentials revoked, re-import required"
	case errors.Is(err, connection.ErrAuthentication), errors.Is(err, connection.ErrConfiguration):
		status, code, message = http.StatusServiceUnavailable, codeAuthentication, "upstream authentication failed"
	case errors.Is(err, context.DeadlineExceeded):
		status, code, message = http.StatusGatewayTimeout, codeUpstreamTimeout, "upstream request timed out"
	}

	p.logger.ErrorContext(ctx, "proxying request failed", "error", err, "status", status)
	writeJSONError(ctx, w, code, message, status)
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (p *Proxy) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := p.health(ctx)
	if err != nil {
		writeJSON(ctx, w, healthResponse{Status: "unavailable", Error: err.Error()}, http.StatusServiceUnavailable)
		return
	}
	if state == connection.StateInvalid {
		writeJSON(ctx, w, healthResponse{Status: "unavailable", State: state.String()}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(ctx, w, healthResponse{Status: "ok", State: state.String()}, http.StatusOK)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	p.addr = listener.Addr().String()

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  5 * time.Minute,  // Inbound: uploads may be large
		WriteTimeout: 30 * time.Minute, // Inbound: downloads may be large, still bounded
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Addr returns the listening address once Start has succeeded.
func (p *Proxy) Addr() string {
	return p.addr
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
