package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/florianilch/apiconn/internal/connection"
	"github.com/florianilch/apiconn/internal/statestore"
)

// PersistentConnection wraps a connection.Manager with state persistence.
// Initialization is deferred to avoid I/O during application startup.
type PersistentConnection struct {
	store  statestore.Store
	method AuthenticationMethod
	opts   []connection.Option
	logger *slog.Logger

	conn     func() (*connection.Manager, error)
	pipeline func() (*connection.Pipeline, error)

	lastSaved atomic.Pointer[string] // savedKey of the stored state
	writeMu   sync.Mutex
}

// Compile-time check to ensure PersistentConnection implements http.RoundTripper
var _ http.RoundTripper = (*PersistentConnection)(nil)

// NewPersistentConnection creates a PersistentConnection. No I/O is
// performed until the connection is first used.
func NewPersistentConnection(store statestore.Store, method AuthenticationMethod, logger *slog.Logger, opts ...connection.Option) (*PersistentConnection, error) {
	if store == nil {
		return nil, fmt.Errorf("missing state store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &PersistentConnection{
		store:  store,
		method: method,
		opts:   opts,
		logger: logger,
	}

	p.conn = sync.OnceValues(p.load)
	p.pipeline = sync.OnceValues(func() (*connection.Pipeline, error) {
		conn, err := p.conn()
		if err != nil {
			return nil, err
		}
		return connection.NewPipeline(conn, connection.WithPipelineLogger(p.logger)), nil
	})

	return p, nil
}

// load performs the one-time restore from the store.
func (p *PersistentConnection) load() (*connection.Manager, error) {
	ctx := context.Background()

	state, err := p.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection state: %w", err)
	}

	opts := append([]connection.Option{connection.WithLogger(p.logger)}, p.opts...)

	switch p.method {
	case AuthenticationMethodStatic:
		// A bare token is accepted so secrets managers can inject it directly.
		if !looksLikeState(state) {
			return connection.NewWithAccessToken(strings.TrimSpace(state), opts...), nil
		}
		return connection.Restore(state, opts...)

	case AuthenticationMethodOAuth:
		conn, err := connection.Restore(state, append(opts, connection.WithRefreshHook(p.persist))...)
		if err != nil {
			return nil, err
		}
		// Remember what is stored to avoid an unnecessary write-back
		initial := savedKey(conn)
		p.lastSaved.Store(&initial)
		return conn, nil

	default:
		return nil, fmt.Errorf("unsupported authentication method: %s", p.method)
	}
}

// persist writes the state back after a refresh rotated the refresh token
// or the server revoked it.
func (p *PersistentConnection) persist(ctx context.Context, m *connection.Manager) {
	// The rotated token must reach the store even if the caller gave up.
	ctx = context.WithoutCancel(ctx)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	current := savedKey(m)
	if last := p.lastSaved.Load(); last != nil && *last == current {
		return
	}

	state, err := m.Save()
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode connection state", "error", err)
		return
	}
	if err := p.store.Save(ctx, state); err != nil {
		// The access token is still valid, but the next process start
		// will hold a refresh token the server no longer accepts.
		p.logger.ErrorContext(ctx, "failed to persist connection state", "error", err)
		return
	}

	// Update cached token only on success - allows retry on next refresh
	p.lastSaved.Store(&current)
	p.logger.DebugContext(ctx, "connection state persisted")
}

// Connection returns the underlying manager, loading it on first use.
func (p *PersistentConnection) Connection() (*connection.Manager, error) {
	return p.conn()
}

// AccessToken returns a valid access token, refreshing and persisting if
// necessary.
func (p *PersistentConnection) AccessToken(ctx context.Context) (string, error) {
	conn, err := p.conn()
	if err != nil {
		return "", err
	}
	return conn.AccessToken(ctx)
}

// Refresh forces a refresh and persists the result.
func (p *PersistentConnection) Refresh(ctx context.Context) error {
	conn, err := p.conn()
	if err != nil {
		return err
	}
	return conn.Refresh(ctx)
}

// RoundTrip implements http.RoundTripper by sending through the
// connection's pipeline.
func (p *PersistentConnection) RoundTrip(req *http.Request) (*http.Response, error) {
	pipeline, err := p.pipeline()
	if err != nil {
		return nil, err
	}
	return pipeline.RoundTrip(req)
}

// Status summarizes a connection for display.
type Status struct {
	State       connection.State `json:"state"`
	CanRefresh  bool             `json:"can_refresh"`
	ExpiresAt   time.Time        `json:"expires_at,omitzero"`
	LastRefresh time.Time        `json:"last_refresh,omitzero"`
	ClientID    string           `json:"client_id,omitempty"`
	TokenURL    string           `json:"token_url"`
	BaseURL     string           `json:"base_url"`
}

// Status reports the connection state without contacting the network.
func (p *PersistentConnection) Status() (Status, error) {
	conn, err := p.conn()
	if err != nil {
		return Status{}, err
	}

	tokens := conn.Tokens()
	return Status{
		State:       conn.State(),
		CanRefresh:  conn.CanRefresh(),
		ExpiresAt:   tokens.Expiry(),
		LastRefresh: tokens.LastRefreshTime(),
		ClientID:    conn.ClientID(),
		TokenURL:    conn.TokenURL(),
		BaseURL:     conn.BaseURL(),
	}, nil
}

// Health implements proxy.HealthFunc.
func (p *PersistentConnection) Health(context.Context) (connection.State, error) {
	conn, err := p.conn()
	if err != nil {
		return 0, err
	}
	return conn.State(), nil
}

// Import saves conn as the initial state, replacing whatever is stored.
func Import(ctx context.Context, store statestore.Store, conn *connection.Manager) error {
	state, err := conn.Save()
	if err != nil {
		return err
	}
	if err := store.Save(ctx, state); err != nil {
		if errors.Is(err, statestore.ErrReadOnly) {
			return fmt.Errorf("cannot import into read-only storage: %w", err)
		}
		return fmt.Errorf("failed to save connection state: %w", err)
	}
	return nil
}

func looksLikeState(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

// savedKey identifies the parts of the saved state that a refresh can
// change: the refresh token and whether it was revoked.
func savedKey(m *connection.Manager) string {
	key := m.RefreshToken()
	if m.State() == connection.StateInvalid {
		key += "\x00revoked"
	}
	return key
}
