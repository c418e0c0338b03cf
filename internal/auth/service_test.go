package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axiomtrade/axiom/config"
	"github.com/axiomtrade/axiom/internal/domain/substore"
)

type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]string
	sets    int
}

func newFakeVault() *fakeVault {
	return &fakeVault{secrets: make(map[string]string)}
}

func (v *fakeVault) Get(_ context.Context, name string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, ok := v.secrets[name]
	return value, ok, nil
}

func (v *fakeVault) Set(_ context.Context, name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = value
	v.sets++
	return nil
}

func (v *fakeVault) Delete(_ context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, name)
	return nil
}

type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]string // state -> user
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]string)}
}

func (s *fakeStateStore) Replace(_ context.Context, userID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for existing, user := range s.states {
		if user == userID {
			delete(s.states, existing)
		}
	}
	s.states[state] = userID
	return nil
}

func (s *fakeStateStore) Consume(_ context.Context, state string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.states[state]
	if ok {
		delete(s.states, state)
	}
	return user, ok, nil
}

func (s *fakeStateStore) DeleteExpired(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func testSettings(tokenURL string) config.SchwabSettings {
	return config.SchwabSettings{
		APIKey:       "client-id",
		AppSecret:    "app-secret",
		CallbackURL:  "https://app.example.com/callback",
		AuthorizeURL: "https://api.schwabapi.com/v1/oauth/authorize",
		TokenURL:     tokenURL,
		HTTPTimeout:  5 * time.Second,
	}
}

func newTestService(t *testing.T, tokenURL string) (*Service, *fakeVault, *fakeStateStore) {
	t.Helper()
	vault := newFakeVault()
	states := newFakeStateStore()
	svc, err := NewService(testSettings(tokenURL), vault, states, nil, nil)
	require.NoError(t, err)
	return svc, vault, states
}

func TestMintAuthorizeURL(t *testing.T) {
	svc, _, states := newTestService(t, "https://example.com/token")

	authorizeURL, state, err := svc.MintAuthorizeURL(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, state, 64, "state must be 256 bits hex-encoded")

	parsed, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "client-id", q.Get("client_id"))
	require.Equal(t, "https://app.example.com/callback", q.Get("redirect_uri"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "readonly", q.Get("scope"))
	require.Equal(t, state, q.Get("state"))

	// Minting again replaces the old state.
	_, second, err := svc.MintAuthorizeURL(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotEqual(t, state, second)
	_, ok, err := states.Consume(context.Background(), state)
	require.NoError(t, err)
	require.False(t, ok, "replaced state must be gone")
}

func TestConsumeStateSingleUse(t *testing.T) {
	svc, _, _ := newTestService(t, "https://example.com/token")
	_, state, err := svc.MintAuthorizeURL(context.Background(), "user-1")
	require.NoError(t, err)

	user, ok, err := svc.ConsumeState(context.Background(), state)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "user-1", user)

	_, ok, err = svc.ConsumeState(context.Background(), state)
	require.NoError(t, err)
	require.False(t, ok, "state must be single-use")
}

func TestExchangeCodePersistsAugmentedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "app-secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "the-code", r.PostForm.Get("code"))
		require.Equal(t, "https://app.example.com/callback", r.PostForm.Get("redirect_uri"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"acc","refresh_token":"ref","token_type":"Bearer","expires_in":1800}`)
	}))
	defer srv.Close()

	svc, vault, _ := newTestService(t, srv.URL)
	before := time.Now()
	token, err := svc.ExchangeCode(context.Background(), "user-1", "the-code")
	require.NoError(t, err)
	require.Equal(t, "acc", token.AccessToken)
	require.False(t, token.ExpiresAt.Before(before.Add(29*time.Minute)), "expires_at must be absolute")
	require.False(t, token.RefreshTokenExpiresAt.IsZero(), "refresh expiry must be derived")

	stored, ok, err := vault.Get(context.Background(), "schwab_tokens_user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, stored, `"access_token":"acc"`)
}

func TestExchangeCodeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, srv.URL)
	_, err := svc.ExchangeCode(context.Background(), "user-1", "bad-code")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrExchangeFailed))
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	var refreshes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "ref-old", r.PostForm.Get("refresh_token"))
		refreshes++
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"acc-new","refresh_token":"ref-new","expires_in":1800}`)
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, srv.URL)
	now := time.Now()
	seed := Token{
		AccessToken:           "acc-old",
		RefreshToken:          "ref-old",
		ExpiresAt:             now.Add(time.Minute), // inside the 300s leeway
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, svc.SaveToken(context.Background(), "user-1", seed))

	token, err := svc.AccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "acc-new", token.AccessToken)
	require.Equal(t, 1, refreshes)

	// The refreshed token is persisted, so a second call needs no refresh.
	token, err = svc.AccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "acc-new", token.AccessToken)
	require.Equal(t, 1, refreshes)
}

func TestAccessTokenStillFreshSkipsRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("token endpoint must not be called")
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, srv.URL)
	seed := Token{
		AccessToken:  "acc",
		RefreshToken: "ref",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, svc.SaveToken(context.Background(), "user-1", seed))

	token, err := svc.AccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "acc", token.AccessToken)
}

func TestAccessTokenNoStoredToken(t *testing.T) {
	svc, _, _ := newTestService(t, "https://example.com/token")
	_, err := svc.AccessToken(context.Background(), "user-unknown")
	require.ErrorIs(t, err, ErrNoToken)
}

func TestRefreshExpiredRefreshToken(t *testing.T) {
	svc, _, _ := newTestService(t, "https://example.com/token")
	seed := Token{
		AccessToken:           "acc",
		RefreshToken:          "ref",
		ExpiresAt:             time.Now().Add(-time.Minute),
		RefreshTokenExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, svc.SaveToken(context.Background(), "user-1", seed))

	_, err := svc.AccessToken(context.Background(), "user-1")
	require.Error(t, err)
}

func TestLoadTokenUnwrapsLegacyEnvelopes(t *testing.T) {
	svc, vault, _ := newTestService(t, "https://example.com/token")

	legacy := `{"token":{"access_token":"acc","refresh_token":"ref","expires_at":"2030-01-01T00:00:00Z"}}`
	require.NoError(t, vault.Set(context.Background(), "schwab_tokens_user-1", legacy))

	token, err := svc.LoadToken(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "acc", token.AccessToken)

	// The flat shape is written back.
	stored, ok, err := vault.Get(context.Background(), "schwab_tokens_user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, stored, `"token":`)
	require.Contains(t, stored, `"access_token":"acc"`)
}

func TestLoadTokenUnwrapsSecretWrapper(t *testing.T) {
	svc, vault, _ := newTestService(t, "https://example.com/token")

	wrapped := `{"secret":"{\"access_token\":\"acc\",\"refresh_token\":\"ref\"}"}`
	require.NoError(t, vault.Set(context.Background(), "schwab_tokens_user-1", wrapped))

	token, err := svc.LoadToken(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "acc", token.AccessToken)
	require.Equal(t, "ref", token.RefreshToken)
}

func TestDisconnectUser(t *testing.T) {
	vault := newFakeVault()
	states := newFakeStateStore()
	subs := &fakeSubStore{}
	svc, err := NewService(testSettings("https://example.com/token"), vault, states, subs, nil)
	require.NoError(t, err)

	require.NoError(t, svc.SaveToken(context.Background(), "user-1", Token{AccessToken: "acc"}))
	require.NoError(t, svc.DisconnectUser(context.Background(), "user-1"))

	_, ok, err := vault.Get(context.Background(), "schwab_tokens_user-1")
	require.NoError(t, err)
	require.False(t, ok, "token must be deleted")
	require.Equal(t, []string{"user-1"}, subs.deactivated)
}

type fakeSubStore struct {
	deactivated []string
}

func (f *fakeSubStore) ListActive(context.Context, string) ([]substore.Subscription, error) {
	return nil, nil
}

func (f *fakeSubStore) Add(context.Context, string, string, []string, *string) (int64, error) {
	return 0, nil
}

func (f *fakeSubStore) SetActive(context.Context, string, string, []string, *string, bool) (int64, error) {
	return 0, nil
}

func (f *fakeSubStore) ActivateAll(context.Context, string) (int64, error) {
	return 0, nil
}

func (f *fakeSubStore) DeactivateAll(_ context.Context, userID string) (int64, error) {
	f.deactivated = append(f.deactivated, userID)
	return 1, nil
}
