package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// refreshKey is the single singleflight key: a manager never runs two
// exchanges at once.
const refreshKey = "refresh"

const oauthInvalidGrant = "invalid_grant"

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// maxTokenLifetime caps expires_in; larger values would overflow
// time.Duration.
const maxTokenLifetime = 365 * 24 * time.Hour

// Refresh exchanges the refresh token for a new token pair. Callers that
// arrive while an exchange is in flight wait for it and share its result.
// On failure the previous tokens are kept untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.refreshIf(ctx, nil)
	return err
}

// refreshUnless refreshes only if the access token is still rejected, i.e.
// no other caller has replaced it since it was handed out.
func (m *Manager) refreshUnless(ctx context.Context, rejected string) (string, error) {
	return m.refreshIf(ctx, func(t TokenState) bool {
		return t.AccessToken == rejected
	})
}

// refreshIf runs a coalesced refresh. need is evaluated by the flight
// leader under the lock; when it reports false the current access token is
// returned without contacting the token endpoint. A nil need always
// refreshes.
func (m *Manager) refreshIf(ctx context.Context, need func(TokenState) bool) (string, error) {
	v, err, shared := m.flight.Do(refreshKey, func() (any, error) {
		return m.refresh(ctx, need)
	})
	if shared {
		m.logger.DebugContext(ctx, "joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh performs one exchange. The lock is not held during network I/O.
func (m *Manager) refresh(ctx context.Context, need func(TokenState) bool) (string, error) {
	m.mu.Lock()
	if need != nil && !need(m.tokens) {
		token := m.tokens.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	if m.revoked {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrAuthentication, ErrRefreshTokenRevoked)
	}
	if !m.canRefreshLocked() {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: refresh requires a refresh token, client ID and client secret", ErrConfiguration)
	}

	config := &oauth2.Config{
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	refreshToken := m.tokens.RefreshToken
	m.refreshing = true
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "refreshing access token", "token_url", config.Endpoint.TokenURL)

	tok, err := m.exchange(ctx, config, refreshToken)

	m.mu.Lock()
	m.refreshing = false
	if err != nil {
		err = classifyRefreshError(err)
		revoked := errors.Is(err, ErrRefreshTokenRevoked)
		if revoked {
			m.revoked = true
		}
		m.mu.Unlock()
		m.logger.ErrorContext(ctx, "token refresh failed", "error", err)

		// Revocation changes the saved state too.
		if revoked {
			m.runHooks(ctx)
		}
		return "", err
	}

	now := m.now()
	next := TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    now.Add(tokenLifetime(tok)).UnixMilli(),
		LastRefresh:  now.UnixMilli(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	m.tokens = next
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "access token refreshed", "expires_at", next.Expiry())

	m.runHooks(ctx)
	return next.AccessToken, nil
}

func (m *Manager) runHooks(ctx context.Context) {
	for _, hook := range m.hooks {
		hook(ctx, m)
	}
}

// exchange sends the refresh request through the interceptor-aware
// transport. The exchange is detached from ctx cancellation so that one
// caller giving up cannot fail the others sharing the flight; the HTTP
// client timeout bounds it instead.
func (m *Manager) exchange(ctx context.Context, config *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	var transport http.RoundTripper = interceptingTransport{m: m}
	if m.encoding == EncodingJSON {
		transport = &jsonTokenTransport{base: transport}
	}

	httpClient := &http.Client{
		Timeout:   m.tokenTimeout,
		Transport: transport,
	}
	// oauth2 picks up custom HTTP clients from the context (oauth2.HTTPClient key).
	oauthCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, httpClient)

	return config.TokenSource(oauthCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// tokenLifetime prefers the wire "expires_in" value. Form-encoded responses
// only populate Expiry, which oauth2 derived from the wall clock.
func tokenLifetime(tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		if tok.ExpiresIn > int64(maxTokenLifetime/time.Second) {
			return maxTokenLifetime
		}
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		return time.Until(tok.Expiry).Round(time.Second)
	}
	return defaultTokenLifetime
}

// classifyRefreshError separates server rejections from transport failures.
// A 5xx from the token endpoint says nothing about the credentials and is
// reported as a transport failure.
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: token endpoint returned %d: %w", ErrTransport, retrieveErr.Response.StatusCode, err)
		}
		authErr := &AuthError{
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
			Err:         err,
		}
		if retrieveErr.Response != nil {
			authErr.StatusCode = retrieveErr.Response.StatusCode
		}
		return authErr
	}
	return fmt.Errorf("%w: token exchange: %w", ErrTransport, err)
}

// jsonTokenTransport converts oauth2's form-encoded refresh requests to the
// JSON format some token endpoints require. The oauth2 package guarantees
// this transport only receives token endpoint requests.
type jsonTokenTransport struct {
	base http.RoundTripper
}

// Compile-time check that jsonTokenTransport implements http.RoundTripper.
var _ http.RoundTripper = (*jsonTokenTransport)(nil)

// RoundTrip rewrites the form body as a JSON object.
func (t *jsonTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// We consume the body entirely and send a new one, so close it here.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	jsonData := make(map[string]string, len(formData))
	for key, values := range formData {
		jsonData[key] = values[0] // OAuth2 parameters are single-valued
	}

	jsonBody, err := json.Marshal(jsonData)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(jsonBody))
	newReq.ContentLength = int64(len(jsonBody))
	newReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonBody)), nil
	}
	newReq.Header.Set("Content-Type", "application/json")

	return t.base.RoundTrip(newReq)
}
