package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/apiconn/internal/connection"
	"github.com/florianilch/apiconn/internal/proxy"
)

// App runs the authenticating proxy on top of a persistent connection.
type App struct {
	cfg  *Config
	conn *PersistentConnection
}

// New creates a new App instance. The connection state is not read until
// Start.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	conn, err := NewConnection(cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return &App{
		cfg:  cfg,
		conn: conn,
	}, nil
}

// Start serves until ctx is canceled or the server fails, then shuts down
// within the configured timeout.
func (a *App) Start(ctx context.Context) error {
	// A missing or unreadable state fails here rather than on the first request.
	conn, err := a.conn.Connection()
	if err != nil {
		return fmt.Errorf("connection unavailable: %w", err)
	}

	upstream := upstreamURL(ctx, slog.Default(), a.cfg, conn)
	proxyServer, err := proxy.New(a.conn, upstream, proxy.WithHealth(a.conn.Health))
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	address := net.JoinHostPort(a.cfg.Server.Host, strconv.FormatUint(uint64(a.cfg.Server.Port), 10))
	proxyErrCh, err := proxyServer.Start(ctx, address)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	slog.InfoContext(ctx, "proxy listening", "address", proxyServer.Addr(), "upstream", upstream)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err, ok := <-proxyErrCh:
			if ok && err != nil {
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()
	if runtimeErr != nil {
		slog.ErrorContext(ctx, "service failed", "error", runtimeErr)
	}

	slog.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// upstreamURL returns the base URL the proxy forwards to. Endpoints stored
// with the connection are authoritative, so that the proxy and the
// connection never disagree; configured values that differ are reported.
func upstreamURL(ctx context.Context, logger *slog.Logger, cfg *Config, conn *connection.Manager) string {
	if stored := conn.BaseURL(); stored != cfg.Upstream.BaseURL {
		logger.WarnContext(ctx, "configured upstream.base_url ignored, the stored connection defines its own",
			"configured", cfg.Upstream.BaseURL, "stored", stored)
	}
	if stored := conn.TokenURL(); stored != cfg.Auth.TokenURL {
		logger.WarnContext(ctx, "configured auth.token_url ignored, the stored connection defines its own",
			"configured", cfg.Auth.TokenURL, "stored", stored)
	}
	return conn.BaseURL()
}

// NewConnection creates a PersistentConnection from application configuration.
// No I/O is performed - the state is loaded on first use.
func NewConnection(cfg *Config, logger *slog.Logger) (*PersistentConnection, error) {
	store, err := cfg.Auth.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	return NewPersistentConnection(store, cfg.Auth.Method, logger, cfg.ConnectionOptions()...)
}
