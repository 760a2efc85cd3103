package connection

import (
	"encoding/json"
	"fmt"
)

// stateVersion is written by Save. Restore accepts any version, ignoring
// fields it does not know.
const stateVersion = 1

// savedState is the persisted form of a Manager.
type savedState struct {
	Version      int    `json:"version"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	LastRefresh  int64  `json:"last_refresh"`
	TokenURL     string `json:"token_url,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	Revoked      bool   `json:"revoked,omitempty"`
}

// Save serializes tokens, client credentials, timestamps and endpoints.
// The result contains secrets and must be stored accordingly.
func (m *Manager) Save() (string, error) {
	m.mu.RLock()
	state := savedState{
		Version:      stateVersion,
		AccessToken:  m.tokens.AccessToken,
		RefreshToken: m.tokens.RefreshToken,
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
		ExpiresAt:    m.tokens.ExpiresAt,
		LastRefresh:  m.tokens.LastRefresh,
		TokenURL:     m.tokenURL,
		BaseURL:      m.baseURL,
		Revoked:      m.revoked,
	}
	m.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encoding connection state: %w", err)
	}
	return string(data), nil
}

// Restore rebuilds a Manager from the output of Save. No network access
// happens. Options configure what is not persisted (transport, logger,
// interceptor, refresh margin); persisted endpoints take precedence over
// WithTokenURL and WithBaseURL.
func Restore(state string, opts ...Option) (*Manager, error) {
	var saved savedState
	if err := json.Unmarshal([]byte(state), &saved); err != nil {
		return nil, fmt.Errorf("%w: decoding connection state: %w", ErrConfiguration, err)
	}
	if saved.AccessToken == "" && saved.RefreshToken == "" {
		return nil, fmt.Errorf("%w: connection state holds no tokens", ErrConfiguration)
	}

	m := newManager(TokenState{
		AccessToken:  saved.AccessToken,
		RefreshToken: saved.RefreshToken,
		ExpiresAt:    saved.ExpiresAt,
		LastRefresh:  saved.LastRefresh,
	}, opts)
	m.clientID = saved.ClientID
	m.clientSecret = saved.ClientSecret
	m.revoked = saved.Revoked
	if saved.TokenURL != "" {
		m.tokenURL = saved.TokenURL
	}
	if saved.BaseURL != "" {
		m.baseURL = saved.BaseURL
	}

	if saved.Version > stateVersion {
		m.logger.Debug("restoring connection state from a newer version", "version", saved.Version)
	}
	return m, nil
}
