package connection

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Use errors.Is(err, connection.ErrAuthentication) to check.
var (
	// ErrConfiguration reports a refresh attempted without a refresh token
	// or client credentials, or an unusable persisted state.
	ErrConfiguration = errors.New("connection: configuration error")
	// ErrAuthentication reports that the authorization server rejected a
	// refresh exchange.
	ErrAuthentication = errors.New("connection: authentication failed")
	// ErrTransport reports a failure to complete an exchange with either
	// the token endpoint or the API.
	ErrTransport = errors.New("connection: transport error")
	// ErrAPI reports a non-success response from an API call.
	ErrAPI = errors.New("connection: api error")
)

// Status sentinels carried by APIError, in addition to ErrAPI.
var (
	ErrUnauthorized = errors.New("connection: unauthorized")
	ErrForbidden    = errors.New("connection: forbidden")
	ErrNotFound     = errors.New("connection: not found")
	ErrConflict     = errors.New("connection: conflict")
	ErrThrottled    = errors.New("connection: throttled")
	ErrServerError  = errors.New("connection: server error")
)

// ErrRefreshTokenRevoked is reported (alongside ErrAuthentication) once the
// authorization server has rejected the refresh token itself. The
// connection stays unusable until SetCredentials supplies new tokens.
var ErrRefreshTokenRevoked = errors.New("connection: refresh token revoked")

// AuthError describes a refresh exchange rejected by the authorization
// server.
type AuthError struct {
	StatusCode  int
	Code        string // RFC 6749 "error" parameter, e.g. "invalid_grant"
	Description string
	Err         error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("connection: token endpoint returned HTTP %d", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

func (e *AuthError) Unwrap() []error {
	errs := []error{ErrAuthentication}
	if e.Code == oauthInvalidGrant {
		errs = append(errs, ErrRefreshTokenRevoked)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// APIError wraps a non-success API response with its status code, request
// ID and body.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // status sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("connection: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("connection: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAPI}
	}
	return []error{ErrAPI, e.Err}
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}
		return nil
	}
}
