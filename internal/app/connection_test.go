package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/apiconn/internal/connection"
	"github.com/florianilch/apiconn/internal/connection/connectiontest"
	"github.com/florianilch/apiconn/internal/statestore"
)

// memStore is an in-memory statestore.Store that counts operations.
type memStore struct {
	mu       sync.Mutex
	state    string
	loads    int
	saves    int
	failSave error
}

func (s *memStore) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.state == "" {
		return "", statestore.ErrNotFound
	}
	return s.state, nil
}

func (s *memStore) Save(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failSave != nil {
		return s.failSave
	}
	s.saves++
	s.state = state
	return nil
}

func (s *memStore) snapshot() (state string, loads, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.loads, s.saves
}

func savedState(t *testing.T, conn *connection.Manager) string {
	t.Helper()
	state, err := conn.Save()
	require.NoError(t, err)
	return state
}

// tokenInterceptor answers token requests with rotating tokens.
func tokenInterceptor(calls *atomic.Int32) *connectiontest.Interceptor {
	return connectiontest.NewInterceptor().
		HandleFunc(http.MethodPost, "/oauth2/token", func(req *http.Request) (*http.Response, error) {
			n := calls.Add(1)
			access := fmt.Sprintf("access-%d", n)
			refresh := fmt.Sprintf("refresh-%d", n)
			return connectiontest.TokenResponse(access, refresh, 3600).Build(req), nil
		})
}

func TestPersistentConnection_NoIOUntilFirstUse(t *testing.T) {
	store := &memStore{}

	_, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil)
	require.NoError(t, err)

	_, loads, saves := store.snapshot()
	assert.Zero(t, loads)
	assert.Zero(t, saves)
}

func TestPersistentConnection_LoadsOnce(t *testing.T) {
	fresh := connection.New("id", "secret", "access-0", "refresh-0",
		connection.WithExpiresAt(time.Now().Add(time.Hour)))
	store := &memStore{state: savedState(t, fresh)}

	p, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil)
	require.NoError(t, err)

	for range 3 {
		token, err := p.AccessToken(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "access-0", token)
	}

	_, loads, saves := store.snapshot()
	assert.Equal(t, 1, loads)
	assert.Zero(t, saves, "fresh token must not be written back")
}

func TestPersistentConnection_PersistsRotatedState(t *testing.T) {
	var calls atomic.Int32
	stale := connection.New("id", "secret", "access-0", "refresh-0")
	store := &memStore{state: savedState(t, stale)}

	p, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil,
		connection.WithRequestInterceptor(tokenInterceptor(&calls)))
	require.NoError(t, err)

	token, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	state, _, saves := store.snapshot()
	assert.Equal(t, 1, saves)

	restored, err := connection.Restore(state)
	require.NoError(t, err)
	assert.Equal(t, "access-1", restored.Tokens().AccessToken)
	assert.Equal(t, "refresh-1", restored.RefreshToken())
	assert.Equal(t, "id", restored.ClientID())

	require.NoError(t, p.Refresh(t.Context()))
	state, _, saves = store.snapshot()
	assert.Equal(t, 2, saves)
	assert.Contains(t, state, "refresh-2")
}

func TestPersistentConnection_RefreshesOnlyOnDemand(t *testing.T) {
	var calls atomic.Int32
	stale := connection.New("id", "secret", "access-0", "refresh-0")
	store := &memStore{state: savedState(t, stale)}

	p, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil,
		connection.WithRequestInterceptor(tokenInterceptor(&calls)))
	require.NoError(t, err)

	// Health checks and status reads leave an expired token alone.
	health, err := p.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, connection.StateExpired, health)
	_, err = p.Status()
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())

	token, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPersistentConnection_PersistsDespiteCanceledCaller(t *testing.T) {
	var calls atomic.Int32
	store := &memStore{state: savedState(t, connection.New("id", "secret", "access-0", "refresh-0"))}

	p, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil,
		connection.WithRequestInterceptor(tokenInterceptor(&calls)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, p.Refresh(ctx))

	_, _, saves := store.snapshot()
	assert.Equal(t, 1, saves)
}

func TestPersistentConnection_RetriesFailedWriteBack(t *testing.T) {
	var calls atomic.Int32
	store := &memStore{
		state:    savedState(t, connection.New("id", "secret", "access-0", "refresh-0")),
		failSave: errors.New("disk full"),
	}

	p, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil,
		connection.WithRequestInterceptor(tokenInterceptor(&calls)))
	require.NoError(t, err)

	// The refresh itself succeeds even though persisting fails.
	require.NoError(t, p.Refresh(t.Context()))
	_, _, saves := store.snapshot()
	assert.Zero(t, saves)

	store.mu.Lock()
	store.failSave = nil
	store.mu.Unlock()

	require.NoError(t, p.Refresh(t.Context()))
	state, _, saves := store.snapshot()
	assert.Equal(t, 1, saves)
	assert.Contains(t, state, "refresh-2")
}

func TestPersistentConnection_PersistsRevocation(t *testing.T) {
	revoked := connectiontest.NewInterceptor().
		Handle(http.MethodPost, "/oauth2/token", connectiontest.NewResponse(http.StatusBadRequest).
			WithJSON(map[string]string{"error": "invalid_grant"}))
	store := &memStore{state: savedState(t, connection.New("id", "secret", "access-0", "refresh-0"))}

	p, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil,
		connection.WithRequestInterceptor(revoked))
	require.NoError(t, err)

	_, err = p.AccessToken(t.Context())
	require.ErrorIs(t, err, connection.ErrRefreshTokenRevoked)

	state, _, saves := store.snapshot()
	assert.Equal(t, 1, saves)

	// A restarted process sees the revocation without contacting the server.
	restarted, err := NewPersistentConnection(&memStore{state: state}, AuthenticationMethodOAuth, nil,
		connection.WithRequestInterceptor(connectiontest.NewInterceptor().Forbid(t, "/oauth2/token")))
	require.NoError(t, err)
	health, err := restarted.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, connection.StateInvalid, health)
}

func TestPersistentConnection_StaticBareToken(t *testing.T) {
	store := &memStore{state: "  plain-access-token\n"}

	p, err := NewPersistentConnection(store, AuthenticationMethodStatic, nil)
	require.NoError(t, err)

	token, err := p.AccessToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "plain-access-token", token)

	status, err := p.Status()
	require.NoError(t, err)
	assert.False(t, status.CanRefresh)
	assert.Equal(t, connection.StateFresh, status.State)
	assert.True(t, status.ExpiresAt.IsZero())
}

func TestPersistentConnection_StaticSavedStateIsNeverWritten(t *testing.T) {
	var calls atomic.Int32
	store := &memStore{state: savedState(t, connection.New("id", "secret", "access-0", "refresh-0"))}

	p, err := NewPersistentConnection(store, AuthenticationMethodStatic, nil,
		connection.WithRequestInterceptor(tokenInterceptor(&calls)))
	require.NoError(t, err)

	require.NoError(t, p.Refresh(t.Context()))

	_, _, saves := store.snapshot()
	assert.Zero(t, saves)
}

func TestPersistentConnection_LoadError(t *testing.T) {
	p, err := NewPersistentConnection(&memStore{}, AuthenticationMethodOAuth, nil)
	require.NoError(t, err)

	_, err = p.AccessToken(t.Context())
	require.ErrorIs(t, err, statestore.ErrNotFound)

	_, err = p.Health(t.Context())
	require.ErrorIs(t, err, statestore.ErrNotFound)

	_, err = p.RoundTrip(httptest.NewRequest(http.MethodGet, "https://api.example.com/", nil))
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestPersistentConnection_RoundTrip(t *testing.T) {
	auths := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(upstream.Close)

	store := &memStore{state: "static-token"}
	p, err := NewPersistentConnection(store, AuthenticationMethodStatic, nil)
	require.NoError(t, err)

	client := &http.Client{Transport: p}
	resp, err := client.Get(upstream.URL + "/users/me")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "Bearer static-token", <-auths)
}

func TestPersistentConnection_StatusJSON(t *testing.T) {
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	conn := connection.New("id", "secret", "access", "refresh", connection.WithExpiresAt(expiry))
	store := &memStore{state: savedState(t, conn)}

	p, err := NewPersistentConnection(store, AuthenticationMethodOAuth, nil)
	require.NoError(t, err)

	status, err := p.Status()
	require.NoError(t, err)

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "fresh", fields["state"])
	assert.Equal(t, true, fields["can_refresh"])
	assert.Equal(t, "2030-01-02T03:04:05Z", fields["expires_at"])
	assert.Equal(t, "id", fields["client_id"])
	assert.NotContains(t, fields, "last_refresh")
}

func TestImport(t *testing.T) {
	store, err := statestore.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	conn := connection.New("id", "secret", "access", "refresh")
	require.NoError(t, Import(t.Context(), store, conn))

	state, err := store.Load(t.Context())
	require.NoError(t, err)
	restored, err := connection.Restore(state)
	require.NoError(t, err)
	assert.Equal(t, conn.Tokens(), restored.Tokens())
}

func TestImport_ReadOnlyStore(t *testing.T) {
	store, err := statestore.NewEnvStore("APICONN_TEST_IMPORT")
	require.NoError(t, err)

	err = Import(t.Context(), store, connection.NewWithAccessToken("access"))
	require.ErrorIs(t, err, statestore.ErrReadOnly)
}
