// Package schwab implements the upstream Schwab trader API: the REST surface
// needed for streaming bootstrap and the streamer websocket session.
package schwab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/axiomtrade/axiom/errs"
)

const (
	// Schwab allows 120 requests per rolling minute per app.
	restRateRequests = 120
	restRateWindow   = 60 * time.Second

	defaultRESTTimeout = 10 * time.Second
)

// AccountNumber pairs a plain account number with its opaque hash, which all
// account-scoped endpoints require.
type AccountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

// StreamerInfo carries the streamer connection parameters served by the user
// preference endpoint.
type StreamerInfo struct {
	SocketURL  string `json:"streamerSocketUrl"`
	CustomerID string `json:"schwabClientCustomerId"`
	CorrelID   string `json:"schwabClientCorrelId"`
	Channel    string `json:"schwabClientChannel"`
	FunctionID string `json:"schwabClientFunctionId"`
}

// RESTClient is a rate-limited, breaker-guarded client for the Schwab trader
// REST API. Tokens are supplied per call; the client holds no credentials.
type RESTClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient constructs a client against baseURL.
func NewRESTClient(baseURL string, client *http.Client) (*RESTClient, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errs.New("schwab", errs.CodeConfig, errs.WithMessage("rest base url required"))
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRESTTimeout}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "schwab-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RESTClient{
		baseURL: base,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(restRateWindow/restRateRequests), restRateRequests),
		breaker: breaker,
	}, nil
}

// AccountNumbers lists the account number/hash pairs for the token's user.
func (c *RESTClient) AccountNumbers(ctx context.Context, accessToken string) ([]AccountNumber, error) {
	body, err := c.get(ctx, "/accounts/accountNumbers", accessToken)
	if err != nil {
		return nil, err
	}
	var accounts []AccountNumber
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, errs.New("schwab", errs.CodeDecode,
			errs.WithMessage("decode account numbers"), errs.WithCause(err))
	}
	return accounts, nil
}

// PrimaryAccountHash returns the hash of the first listed account.
func (c *RESTClient) PrimaryAccountHash(ctx context.Context, accessToken string) (string, error) {
	accounts, err := c.AccountNumbers(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", errs.New("schwab", errs.CodeNotFound, errs.WithMessage("no accounts for user"))
	}
	return accounts[0].HashValue, nil
}

// UserPreferences fetches the streamer connection parameters.
func (c *RESTClient) UserPreferences(ctx context.Context, accessToken string) (StreamerInfo, error) {
	body, err := c.get(ctx, "/userPreference", accessToken)
	if err != nil {
		return StreamerInfo{}, err
	}
	var prefs struct {
		StreamerInfo []StreamerInfo `json:"streamerInfo"`
	}
	if err := json.Unmarshal(body, &prefs); err != nil {
		return StreamerInfo{}, errs.New("schwab", errs.CodeDecode,
			errs.WithMessage("decode user preferences"), errs.WithCause(err))
	}
	if len(prefs.StreamerInfo) == 0 {
		return StreamerInfo{}, errs.New("schwab", errs.CodeNotFound,
			errs.WithMessage("user preferences carry no streamer info"))
	}
	return prefs.StreamerInfo[0], nil
}

func (c *RESTClient) get(ctx context.Context, path, accessToken string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New("schwab", errs.CodeRateLimited,
			errs.WithMessage("rate limiter wait"), errs.WithCause(err))
	}
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, errs.New("schwab", errs.CodeNetwork,
				errs.WithMessage("build rest request"), errs.WithCause(err))
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, errs.New("schwab", errs.CodeNetwork,
				errs.WithMessage("rest request failed"), errs.WithCause(err))
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, errs.New("schwab", errs.CodeNetwork,
				errs.WithMessage("read rest response"), errs.WithCause(err))
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, errs.New("schwab", errs.CodeAuth,
				errs.WithMessage("rest request unauthorized"), errs.WithHTTP(resp.StatusCode),
				errs.WithRawMessage(string(body)))
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errs.New("schwab", errs.CodeRateLimited,
				errs.WithMessage("rest request throttled"), errs.WithHTTP(resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, errs.New("schwab", errs.CodeNetwork,
				errs.WithMessage(fmt.Sprintf("rest endpoint %s returned %d", path, resp.StatusCode)),
				errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(string(body)))
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
