// Package auth implements the Schwab OAuth token lifecycle: authorize-URL
// minting, code exchange, refresh with single-flight, and vault custody.
package auth

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// refreshTokenLifetime is the documented Schwab refresh token validity,
// used when the token response omits refresh_token_expires_in.
const refreshTokenLifetime = 7 * 24 * time.Hour

// Token is a Schwab OAuth token augmented with absolute expiry fields.
type Token struct {
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token"`
	TokenType             string    `json:"token_type,omitempty"`
	Scope                 string    `json:"scope,omitempty"`
	IDToken               string    `json:"id_token,omitempty"`
	ExpiresIn             int64     `json:"expires_in,omitempty"`
	RefreshTokenExpiresIn int64     `json:"refresh_token_expires_in,omitempty"`
	ExpiresAt             time.Time `json:"expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
}

// augment fills the absolute expiry fields from the relative ones, keeping
// the prior refresh expiry when the response carries no refresh lifetime.
func (t *Token) augment(now time.Time, prior *Token) {
	if t.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	switch {
	case t.RefreshTokenExpiresIn > 0:
		t.RefreshTokenExpiresAt = now.Add(time.Duration(t.RefreshTokenExpiresIn) * time.Second)
	case prior != nil && prior.RefreshToken == t.RefreshToken && !prior.RefreshTokenExpiresAt.IsZero():
		t.RefreshTokenExpiresAt = prior.RefreshTokenExpiresAt
	default:
		t.RefreshTokenExpiresAt = now.Add(refreshTokenLifetime)
	}
}

// ExpiresWithin reports whether the access token expires inside leeway.
func (t Token) ExpiresWithin(now time.Time, leeway time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(leeway).Before(t.ExpiresAt)
}

// RefreshExpired reports whether the refresh token itself is past its
// lifetime, requiring a fresh user authorization.
func (t Token) RefreshExpired(now time.Time) bool {
	return !t.RefreshTokenExpiresAt.IsZero() && now.After(t.RefreshTokenExpiresAt)
}

// decodeStoredToken parses a vault payload into a Token, unwrapping the
// legacy envelopes older writers produced: a {"secret": "<json>"} wrapper
// and a metadata wrapper holding the token under a nested "token" key.
// rewrapped reports whether the payload was in a legacy shape and should be
// rewritten flat.
func decodeStoredToken(payload string) (Token, bool, error) {
	raw := strings.TrimSpace(payload)

	var secretWrap struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal([]byte(raw), &secretWrap); err == nil && secretWrap.Secret != "" {
		inner, _, err := decodeStoredToken(secretWrap.Secret)
		return inner, true, err
	}

	var tokenWrap struct {
		Token json.RawMessage `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &tokenWrap); err == nil && len(tokenWrap.Token) > 0 {
		var token Token
		if err := json.Unmarshal(tokenWrap.Token, &token); err != nil {
			return Token{}, false, err
		}
		return token, true, nil
	}

	var token Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return Token{}, false, err
	}
	return token, false, nil
}

func encodeToken(token Token) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
