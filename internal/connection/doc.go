// Package connection manages the OAuth2 token lifecycle of an API connection.
//
// A Manager owns one access/refresh token pair together with the client
// credentials needed to refresh it. Tokens are refreshed lazily: reading an
// access token that is stale (or about to be) performs a refresh exchange
// against the token endpoint first. Concurrent readers share a single
// in-flight exchange, because most authorization servers invalidate a
// refresh token once it has been used.
//
// # Connections
//
// Use New for refreshable connections and NewWithAccessToken for a bare
// access token that cannot be refreshed:
//
//	conn := connection.New(clientID, clientSecret, accessToken, refreshToken,
//		connection.WithExpiresAt(expiry),
//	)
//	token, err := conn.AccessToken(ctx)
//
// # Persistence
//
// Save serializes the complete connection state (tokens, credentials,
// endpoints) into a versioned JSON document; Restore rebuilds an equivalent
// Manager from it without any network access:
//
//	state, err := conn.Save()
//	restored, err := connection.Restore(state)
//
// # Sending requests
//
// A Pipeline sends requests on behalf of a Manager. It attaches the bearer
// token, gives an installed RequestInterceptor the first chance to answer,
// and retries exactly once after refreshing when the API answers 401:
//
//	p := connection.NewPipeline(conn)
//	resp, err := p.Do(ctx, http.MethodGet, "/folders/0", nil)
//
// Interceptors substitute responses without touching the network, which
// makes fully offline tests possible (see package connectiontest).
package connection
