package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/axiomtrade/axiom/errs"
)

const (
	vaultProfile       = "vault"
	defaultHTTPTimeout = 10 * time.Second
)

// SupabaseVault stores secrets in Supabase Vault through the PostgREST API:
// writes go through the vault.create_secret RPC, reads through the
// vault.decrypted_secrets view, deletes through the vault.secrets table.
type SupabaseVault struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

// NewSupabaseVault constructs a vault client against the project's REST endpoint.
func NewSupabaseVault(projectURL, serviceKey string, client *http.Client) (*SupabaseVault, error) {
	base := strings.TrimRight(strings.TrimSpace(projectURL), "/")
	if base == "" {
		return nil, errs.New("secrets", errs.CodeConfig, errs.WithMessage("supabase url required"))
	}
	if strings.TrimSpace(serviceKey) == "" {
		return nil, errs.New("secrets", errs.CodeConfig, errs.WithMessage("supabase service key required"))
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &SupabaseVault{baseURL: base, serviceKey: serviceKey, client: client}, nil
}

type secretRow struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DecryptedSecret string `json:"decrypted_secret"`
}

// Get returns the decrypted secret value for name.
func (v *SupabaseVault) Get(ctx context.Context, name string) (string, bool, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/decrypted_secrets?name=eq.%s&select=id,name,decrypted_secret",
		v.baseURL, url.QueryEscape(name))
	body, status, err := v.do(ctx, http.MethodGet, endpoint, nil, vaultProfile)
	if err != nil {
		return "", false, err
	}
	if status != http.StatusOK {
		return "", false, vaultError("read secret", name, status, body)
	}
	var rows []secretRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", false, errs.New("secrets", errs.CodeDecode,
			errs.WithMessage("decode secret response"), errs.WithCause(err))
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].DecryptedSecret, true, nil
}

// Set writes value under name, replacing any existing secret with that name.
func (v *SupabaseVault) Set(ctx context.Context, name, value string) error {
	// create_secret fails on a duplicate name, so clear the old row first.
	if err := v.Delete(ctx, name); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"name": name, "secret": value})
	if err != nil {
		return errs.New("secrets", errs.CodeDecode,
			errs.WithMessage("encode secret payload"), errs.WithCause(err))
	}
	endpoint := v.baseURL + "/rest/v1/rpc/create_secret"
	body, status, err := v.do(ctx, http.MethodPost, endpoint, payload, "")
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return vaultError("create secret", name, status, body)
	}
	return nil
}

// Delete removes the secret named name. Deleting an absent name succeeds.
func (v *SupabaseVault) Delete(ctx context.Context, name string) error {
	endpoint := fmt.Sprintf("%s/rest/v1/secrets?name=eq.%s", v.baseURL, url.QueryEscape(name))
	body, status, err := v.do(ctx, http.MethodDelete, endpoint, nil, vaultProfile)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status < 200 || status > 299 {
		return vaultError("delete secret", name, status, body)
	}
	return nil
}

func (v *SupabaseVault) do(ctx context.Context, method, endpoint string, payload []byte, profile string) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, errs.New("secrets", errs.CodeNetwork,
			errs.WithMessage("build vault request"), errs.WithCause(err))
	}
	req.Header.Set("apikey", v.serviceKey)
	req.Header.Set("Authorization", "Bearer "+v.serviceKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if profile != "" {
		// Vault objects live outside the default public schema.
		req.Header.Set("Accept-Profile", profile)
		req.Header.Set("Content-Profile", profile)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, errs.New("secrets", errs.CodeNetwork,
			errs.WithMessage("vault request failed"), errs.WithCause(err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, errs.New("secrets", errs.CodeNetwork,
			errs.WithMessage("read vault response"), errs.WithCause(err))
	}
	return body, resp.StatusCode, nil
}

func vaultError(op, name string, status int, body []byte) error {
	msg := fmt.Sprintf("%s %q: vault returned %d", op, name, status)
	return errs.New("secrets", errs.CodeUnavailable,
		errs.WithMessage(msg), errs.WithHTTP(status), errs.WithRawMessage(string(body)))
}
