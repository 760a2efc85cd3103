package connection

import (
	"math"
	"time"
)

// NeverExpires is the expiry used for tokens without a known lifetime.
const NeverExpires int64 = math.MaxInt64

// TokenState holds the token values of a connection together with their
// refresh bookkeeping. Timestamps are absolute, in Unix milliseconds.
type TokenState struct {
	AccessToken  string
	RefreshToken string // empty when the connection cannot be refreshed
	ExpiresAt    int64
	LastRefresh  int64
}

// NeedsRefresh reports whether the access token is expired at now, or will
// be within margin. The deadline itself counts as expired. Zero and negative
// expiry timestamps are always expired.
func (t TokenState) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if t.ExpiresAt <= 0 {
		return true
	}
	if margin < 0 {
		margin = 0
	}
	return now.UnixMilli() >= t.ExpiresAt-margin.Milliseconds()
}

// HasRefreshToken reports whether a refresh token is present.
func (t TokenState) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// Expiry returns ExpiresAt as a time. The zero time is returned for tokens
// that never expire or were never given an expiry.
func (t TokenState) Expiry() time.Time {
	if t.ExpiresAt <= 0 || t.ExpiresAt == NeverExpires {
		return time.Time{}
	}
	return time.UnixMilli(t.ExpiresAt).UTC()
}

// LastRefreshTime returns LastRefresh as a time, or the zero time if the
// connection was never refreshed.
func (t TokenState) LastRefreshTime() time.Time {
	if t.LastRefresh <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.LastRefresh).UTC()
}
