package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/apiconn/internal/connection"
	"github.com/florianilch/apiconn/internal/statestore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
)

// StorageType represents the backends supported for the connection state.
type StorageType string

const (
	StorageTypeFile    StorageType = "file"
	StorageTypeEnv     StorageType = "env"
	StorageTypeKeyring StorageType = "keyring"
)

// AuthenticationMethod represents the different authentication methods supported.
type AuthenticationMethod string

const (
	// AuthenticationMethodStatic uses a stored access token as is.
	AuthenticationMethodStatic AuthenticationMethod = "static"
	// AuthenticationMethodOAuth refreshes the stored state and writes it back.
	AuthenticationMethodOAuth AuthenticationMethod = "oauth"
)

// KeyringService is the service name under which keyring entries are stored.
const KeyringService = "apiconn"

// Default configuration values
const (
	DefaultConfigLogFormat           = LogFormatText
	DefaultConfigServerHost          = "127.0.0.1"
	DefaultConfigServerPort          = 4000
	DefaultConfigShutdownTimeout     = 5 * time.Second
	DefaultConfigAuthStorage         = StorageTypeFile
	DefaultConfigAuthMethod          = AuthenticationMethodOAuth
	DefaultConfigAuthRequestEncoding = connection.EncodingForm
	DefaultConfigUpstreamBaseURL     = connection.DefaultBaseURL
	DefaultConfigAuthTokenURL        = connection.DefaultTokenURL
	DefaultConfigAuthRefreshMargin   = connection.DefaultRefreshMargin
	DefaultConfigAuthTokenTimeout    = connection.DefaultTokenTimeout
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// UpstreamConfig holds upstream API configuration.
type UpstreamConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// AuthConfig describes where the connection state lives and how it is
// refreshed.
type AuthConfig struct {
	// Storage configuration - where the connection state comes from
	Storage StorageType `json:"storage" validate:"required,oneof=file env keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to state file
	EnvKey      string `json:"env_key,omitempty"`      // For env storage: environment variable name
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier

	Method AuthenticationMethod `json:"method" validate:"required,oneof=oauth static"`

	// Token endpoint settings. Endpoints persisted in the state take
	// precedence; these apply to newly imported connections.
	TokenURL        string                     `json:"token_url" validate:"required,url"`
	ClientID        string                     `json:"client_id,omitempty"`
	ClientSecret    string                     `json:"client_secret,omitempty"`
	RequestEncoding connection.RequestEncoding `json:"request_encoding" validate:"oneof=form json"`
	RefreshMargin   time.Duration              `json:"refresh_margin" validate:"gte=0"`
	TokenTimeout    time.Duration              `json:"token_timeout" validate:"gt=0"`
}

// NewStore creates the state store from the authentication configuration.
func (a *AuthConfig) NewStore() (statestore.Store, error) {
	switch a.Storage {
	case StorageTypeFile:
		return statestore.NewFileStore(a.File)
	case StorageTypeEnv:
		return statestore.NewEnvStore(a.EnvKey)
	case StorageTypeKeyring:
		return statestore.NewKeyringStore(KeyringService, a.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// ConnectionOptions translates the configuration into connection options.
func (c *Config) ConnectionOptions() []connection.Option {
	return []connection.Option{
		connection.WithTokenURL(c.Auth.TokenURL),
		connection.WithBaseURL(c.Upstream.BaseURL),
		connection.WithRefreshMargin(c.Auth.RefreshMargin),
		connection.WithTokenTimeout(c.Auth.TokenTimeout),
		connection.WithRequestEncoding(c.Auth.RequestEncoding),
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json otel"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
	Upstream  UpstreamConfig `json:"upstream"`
	Auth      AuthConfig     `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultConfigUpstreamBaseURL
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.Method == "" {
		c.Auth.Method = DefaultConfigAuthMethod
	}
	if c.Auth.TokenURL == "" {
		c.Auth.TokenURL = DefaultConfigAuthTokenURL
	}
	if c.Auth.RequestEncoding == "" {
		c.Auth.RequestEncoding = DefaultConfigAuthRequestEncoding
	}
	if c.Auth.RefreshMargin == 0 {
		c.Auth.RefreshMargin = DefaultConfigAuthRefreshMargin
	}
	if c.Auth.TokenTimeout == 0 {
		c.Auth.TokenTimeout = DefaultConfigAuthTokenTimeout
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case StorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "apiconn", "state.json")
		}
	case StorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case StorageTypeEnv:
		// env_key must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Refreshing rotates the refresh token, which must be written back
	if c.Auth.Method == AuthenticationMethodOAuth && c.Auth.Storage == StorageTypeEnv {
		return errors.New("oauth authentication requires writable storage, env is read-only")
	}

	switch c.Auth.Storage {
	case StorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case StorageTypeEnv:
		if c.Auth.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
	case StorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	return nil
}
