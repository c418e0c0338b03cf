package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"github.com/axiomtrade/axiom/config"
	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/domain/authstore"
	"github.com/axiomtrade/axiom/internal/domain/substore"
	"github.com/axiomtrade/axiom/internal/observability"
	"github.com/axiomtrade/axiom/internal/secrets"
)

const (
	// refreshLeeway refreshes tokens this close to expiry.
	refreshLeeway = 300 * time.Second

	stateBytes  = 32
	oauthScope  = "readonly"
	secretsName = "schwab_tokens_"
)

// ErrExchangeFailed marks a token endpoint rejection during code exchange.
var ErrExchangeFailed = errs.New("auth", errs.CodeAuth, errs.WithMessage("authorization code exchange failed"))

// ErrNoToken reports that the user has no stored token and must authorize.
var ErrNoToken = errs.New("auth", errs.CodeAuth, errs.WithMessage("no stored token for user"))

// Service owns the OAuth lifecycle for Schwab users: state minting, code
// exchange, refresh with per-user single-flight, and token custody in the
// vault.
type Service struct {
	cfg    config.SchwabSettings
	vault  secrets.Vault
	states authstore.Store
	subs   substore.Store
	client *http.Client

	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	inFlght map[string]*sync.Mutex

	now func() time.Time
}

// NewService constructs the auth service. subs may be nil when subscription
// reconciliation on disconnect is not wanted.
func NewService(cfg config.SchwabSettings, vault secrets.Vault, states authstore.Store, subs substore.Store, client *http.Client) (*Service, error) {
	if vault == nil {
		return nil, errs.New("auth", errs.CodeConfig, errs.WithMessage("vault required"))
	}
	if states == nil {
		return nil, errs.New("auth", errs.CodeConfig, errs.WithMessage("state store required"))
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, errs.New("auth", errs.CodeConfig, errs.WithMessage("schwab credentials required"))
	}
	if client == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "schwab-token",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Service{
		cfg:     cfg,
		vault:   vault,
		states:  states,
		subs:    subs,
		client:  client,
		breaker: breaker,
		inFlght: make(map[string]*sync.Mutex),
		now:     time.Now,
	}, nil
}

// MintAuthorizeURL creates a fresh single-use state for the user and returns
// the Schwab authorize URL carrying it. Any prior state for the user is
// replaced.
func (s *Service) MintAuthorizeURL(ctx context.Context, userID string) (string, string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", errs.New("auth", errs.CodeAuth,
			errs.WithMessage("generate state"), errs.WithCause(err))
	}
	state := hex.EncodeToString(buf)
	if err := s.states.Replace(ctx, userID, state); err != nil {
		return "", "", errs.New("auth", errs.CodeStorage,
			errs.WithMessage("store oauth state"), errs.WithCause(err))
	}

	params := url.Values{}
	params.Set("client_id", s.cfg.APIKey)
	params.Set("redirect_uri", s.cfg.CallbackURL)
	params.Set("response_type", "code")
	params.Set("scope", oauthScope)
	params.Set("state", state)
	return s.cfg.AuthorizeURL + "?" + params.Encode(), state, nil
}

// ConsumeState resolves and invalidates a callback state nonce.
func (s *Service) ConsumeState(ctx context.Context, state string) (string, bool, error) {
	userID, ok, err := s.states.Consume(ctx, state)
	if err != nil {
		return "", false, errs.New("auth", errs.CodeStorage,
			errs.WithMessage("consume oauth state"), errs.WithCause(err))
	}
	return userID, ok, nil
}

// ExchangeCode trades an authorization code for a token, augments expiry
// fields, and persists the token for the user.
func (s *Service) ExchangeCode(ctx context.Context, userID, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.cfg.CallbackURL)

	token, err := s.tokenRequest(ctx, form, nil)
	if err != nil {
		return Token{}, err
	}
	if err := s.SaveToken(ctx, userID, token); err != nil {
		return Token{}, err
	}
	observability.Log().Info("exchanged authorization code",
		observability.F("user_id", userID))
	return token, nil
}

// LoadToken fetches the user's stored token, unwrapping and rewriting legacy
// envelope shapes. A missing secret returns ErrNoToken.
func (s *Service) LoadToken(ctx context.Context, userID string) (Token, error) {
	payload, ok, err := s.vault.Get(ctx, secretName(userID))
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, ErrNoToken
	}
	token, legacy, err := decodeStoredToken(payload)
	if err != nil {
		return Token{}, errs.New("auth", errs.CodeDecode,
			errs.WithMessage("decode stored token"), errs.WithCause(err))
	}
	if legacy {
		if err := s.SaveToken(ctx, userID, token); err != nil {
			observability.Log().Warn("rewrite legacy token envelope failed",
				observability.F("user_id", userID),
				observability.F("error", err))
		}
	}
	return token, nil
}

// SaveToken persists the token in the vault under the user's secret name.
func (s *Service) SaveToken(ctx context.Context, userID string, token Token) error {
	payload, err := encodeToken(token)
	if err != nil {
		return errs.New("auth", errs.CodeDecode,
			errs.WithMessage("encode token"), errs.WithCause(err))
	}
	return s.vault.Set(ctx, secretName(userID), payload)
}

// AccessToken returns a token valid for at least the refresh leeway,
// refreshing through the token endpoint when needed. Concurrent callers for
// the same user share one refresh.
func (s *Service) AccessToken(ctx context.Context, userID string) (Token, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	token, err := s.LoadToken(ctx, userID)
	if err != nil {
		return Token{}, err
	}
	if !token.ExpiresWithin(s.now(), refreshLeeway) {
		return token, nil
	}
	return s.refreshLocked(ctx, userID, token)
}

// Refresh forces a refresh-grant exchange for the user's stored token and
// persists the result before returning it.
func (s *Service) Refresh(ctx context.Context, userID string) (Token, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	token, err := s.LoadToken(ctx, userID)
	if err != nil {
		return Token{}, err
	}
	return s.refreshLocked(ctx, userID, token)
}

func (s *Service) refreshLocked(ctx context.Context, userID string, token Token) (Token, error) {
	if token.RefreshExpired(s.now()) {
		return Token{}, errs.New("auth", errs.CodeAuth,
			errs.WithMessage("refresh token expired, re-authorization required"))
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", token.RefreshToken)

	fresh, err := s.tokenRequest(ctx, form, &token)
	if err != nil {
		return Token{}, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	if err := s.SaveToken(ctx, userID, fresh); err != nil {
		return Token{}, err
	}
	observability.Log().Info("refreshed access token",
		observability.F("user_id", userID))
	return fresh, nil
}

// DisconnectUser removes the stored token and deactivates the user's
// subscriptions.
func (s *Service) DisconnectUser(ctx context.Context, userID string) error {
	if err := s.vault.Delete(ctx, secretName(userID)); err != nil {
		return err
	}
	if s.subs != nil {
		if _, err := s.subs.DeactivateAll(ctx, userID); err != nil {
			return errs.New("auth", errs.CodeStorage,
				errs.WithMessage("deactivate subscriptions"), errs.WithCause(err))
		}
	}
	observability.Log().Info("disconnected user", observability.F("user_id", userID))
	return nil
}

func (s *Service) tokenRequest(ctx context.Context, form url.Values, prior *Token) (Token, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, errs.New("auth", errs.CodeNetwork,
				errs.WithMessage("build token request"), errs.WithCause(err))
		}
		req.SetBasicAuth(s.cfg.APIKey, s.cfg.AppSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, errs.New("auth", errs.CodeNetwork,
				errs.WithMessage("token request failed"), errs.WithCause(err))
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, errs.New("auth", errs.CodeNetwork,
				errs.WithMessage("read token response"), errs.WithCause(err))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, errs.New("auth", errs.CodeAuth,
				errs.WithMessage(fmt.Sprintf("token endpoint returned %d", resp.StatusCode)),
				errs.WithHTTP(resp.StatusCode),
				errs.WithRawMessage(string(body)),
				errs.WithCause(ErrExchangeFailed))
		}
		var token Token
		if err := json.Unmarshal(body, &token); err != nil {
			return nil, errs.New("auth", errs.CodeDecode,
				errs.WithMessage("decode token response"), errs.WithCause(err))
		}
		return token, nil
	})
	if err != nil {
		return Token{}, err
	}
	token := result.(Token)
	token.augment(s.now(), prior)
	return token, nil
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.inFlght[userID]
	if !ok {
		lock = new(sync.Mutex)
		s.inFlght[userID] = lock
	}
	return lock
}

func secretName(userID string) string {
	return secretsName + userID
}
