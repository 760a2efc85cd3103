package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Default endpoints and tuning values.
const (
	DefaultTokenURL      = "https://api.box.com/oauth2/token"
	DefaultBaseURL       = "https://api.box.com/2.0"
	DefaultRefreshMargin = 60 * time.Second
	DefaultTokenTimeout  = 30 * time.Second
)

// State is the lifecycle state of a connection's access token.
type State int

const (
	StateFresh State = iota
	StateExpired
	StateRefreshing
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateExpired:
		return "expired"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RequestEncoding selects how refresh requests are encoded.
type RequestEncoding string

const (
	EncodingForm RequestEncoding = "form"
	EncodingJSON RequestEncoding = "json"
)

// RefreshHook is called, outside the manager's lock, whenever a refresh
// exchange changed what Save would return: after every successful refresh,
// and when the server revoked the refresh token.
type RefreshHook func(ctx context.Context, m *Manager)

// Option configures a Manager.
type Option func(*Manager)

// WithTokenURL sets the token endpoint used for refresh exchanges.
func WithTokenURL(tokenURL string) Option {
	return func(m *Manager) {
		m.tokenURL = tokenURL
	}
}

// WithBaseURL sets the base URL API paths are resolved against.
func WithBaseURL(baseURL string) Option {
	return func(m *Manager) {
		m.baseURL = baseURL
	}
}

// WithTransport sets the transport used for token exchanges and API calls.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(m *Manager) {
		m.transport = transport
	}
}

// WithRequestInterceptor installs an interceptor at construction time.
func WithRequestInterceptor(interceptor RequestInterceptor) Option {
	return func(m *Manager) {
		m.interceptor = interceptor
	}
}

// WithRefreshMargin sets how long before the literal expiry a token is
// already considered stale.
func WithRefreshMargin(margin time.Duration) Option {
	return func(m *Manager) {
		m.refreshMargin = margin
	}
}

// WithTokenTimeout bounds a single refresh exchange.
func WithTokenTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.tokenTimeout = timeout
	}
}

// WithJSONTokenRequests sends refresh requests JSON-encoded instead of
// form-encoded, for authorization servers that require it.
func WithJSONTokenRequests() Option {
	return func(m *Manager) {
		m.encoding = EncodingJSON
	}
}

// WithRequestEncoding sets the refresh request encoding.
func WithRequestEncoding(encoding RequestEncoding) Option {
	return func(m *Manager) {
		m.encoding = encoding
	}
}

// WithExpiresAt sets the expiry of the initial access token.
func WithExpiresAt(expiry time.Time) Option {
	return func(m *Manager) {
		m.tokens.ExpiresAt = expiry.UnixMilli()
	}
}

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRefreshHook registers a callback invoked after every successful
// refresh and on revocation.
func WithRefreshHook(hook RefreshHook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, hook)
	}
}

// Manager owns the token state of one API connection. All methods are safe
// for concurrent use.
type Manager struct {
	// mu guards every field below it.
	mu           sync.RWMutex
	tokens       TokenState
	clientID     string
	clientSecret string
	tokenURL     string
	baseURL      string
	interceptor  RequestInterceptor
	refreshing   bool
	revoked      bool

	transport     http.RoundTripper
	encoding      RequestEncoding
	refreshMargin time.Duration
	tokenTimeout  time.Duration
	now           func() time.Time
	logger        *slog.Logger
	hooks         []RefreshHook

	flight singleflight.Group
}

// Compile-time check to ensure Manager implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Manager)(nil)

func newManager(tokens TokenState, opts []Option) *Manager {
	m := &Manager{
		tokens:        tokens,
		tokenURL:      DefaultTokenURL,
		baseURL:       DefaultBaseURL,
		transport:     http.DefaultTransport,
		encoding:      EncodingForm,
		refreshMargin: DefaultRefreshMargin,
		tokenTimeout:  DefaultTokenTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.transport == nil {
		m.transport = http.DefaultTransport
	}
	return m
}

// NewWithAccessToken creates a connection from a bare access token. The
// connection cannot be refreshed, and the token never expires unless
// WithExpiresAt says otherwise.
func NewWithAccessToken(accessToken string, opts ...Option) *Manager {
	return newManager(TokenState{
		AccessToken: accessToken,
		ExpiresAt:   NeverExpires,
	}, opts)
}

// New creates a refreshable connection. Without WithExpiresAt the expiry of
// accessToken is unknown, so the first AccessToken call refreshes it.
func New(clientID, clientSecret, accessToken, refreshToken string, opts ...Option) *Manager {
	m := newManager(TokenState{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, opts)
	m.clientID = clientID
	m.clientSecret = clientSecret
	return m
}

// AccessToken returns the current access token. A stale token is refreshed
// first if the connection can be refreshed; otherwise it is returned
// unchanged and the API will reject it.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	stale := m.tokens.NeedsRefresh(m.now(), m.refreshMargin)
	refreshable := m.canRefreshLocked()
	token := m.tokens.AccessToken
	m.mu.RUnlock()

	if !stale || !refreshable {
		return token, nil
	}

	return m.refreshIf(ctx, func(t TokenState) bool {
		return t.NeedsRefresh(m.now(), m.refreshMargin)
	})
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	access, err := m.AccessToken(context.Background())
	if err != nil {
		return nil, err
	}

	tokens := m.Tokens()
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      tokens.Expiry(),
	}, nil
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens.RefreshToken
}

// Tokens returns a snapshot of the token state.
func (m *Manager) Tokens() TokenState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens
}

// NeedsRefresh reports whether the access token is stale.
func (m *Manager) NeedsRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens.NeedsRefresh(m.now(), m.refreshMargin)
}

// CanRefresh reports whether a refresh token and both client credentials
// are present.
func (m *Manager) CanRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canRefreshLocked()
}

func (m *Manager) canRefreshLocked() bool {
	return m.tokens.HasRefreshToken() && m.clientID != "" && m.clientSecret != ""
}

// State reports the lifecycle state of the access token.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.revoked:
		return StateInvalid
	case m.refreshing:
		return StateRefreshing
	case m.tokens.NeedsRefresh(m.now(), m.refreshMargin):
		return StateExpired
	default:
		return StateFresh
	}
}

// ClientID returns the OAuth2 client identifier.
func (m *Manager) ClientID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID
}

// TokenURL returns the token endpoint.
func (m *Manager) TokenURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokenURL
}

// BaseURL returns the base URL API paths are resolved against.
func (m *Manager) BaseURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseURL
}

// SetRequestInterceptor installs interceptor, replacing any previously
// installed one. A nil interceptor removes it.
func (m *Manager) SetRequestInterceptor(interceptor RequestInterceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptor = interceptor
}

// RequestInterceptor returns the installed interceptor, or nil.
func (m *Manager) RequestInterceptor() RequestInterceptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interceptor
}

// SetCredentials replaces the tokens with externally obtained ones, for
// example after the user re-authorized the application. It also clears a
// revoked refresh token.
func (m *Manager) SetCredentials(accessToken, refreshToken string, expiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens = TokenState{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiry.UnixMilli(),
		LastRefresh:  m.now().UnixMilli(),
	}
	m.revoked = false
}

// SetExpires forces the expiry timestamp (Unix milliseconds). Intended for
// deterministic tests.
func (m *Manager) SetExpires(epochMillis int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens.ExpiresAt = epochMillis
}

// SetLastRefresh forces the last refresh timestamp (Unix milliseconds).
// Intended for deterministic tests.
func (m *Manager) SetLastRefresh(epochMillis int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens.LastRefresh = epochMillis
}
