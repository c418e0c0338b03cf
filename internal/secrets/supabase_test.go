package secrets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSupabaseVaultGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/rest/v1/decrypted_secrets", r.URL.Path)
		require.Equal(t, "eq.schwab_tokens_user-1", r.URL.Query().Get("name"))
		require.Equal(t, "service-key", r.Header.Get("apikey"))
		require.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		require.Equal(t, "vault", r.Header.Get("Accept-Profile"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":"abc","name":"schwab_tokens_user-1","decrypted_secret":"{\"access_token\":\"tok\"}"}]`)
	}))
	defer srv.Close()

	vault, err := NewSupabaseVault(srv.URL, "service-key", srv.Client())
	require.NoError(t, err)

	value, ok, err := vault.Get(context.Background(), "schwab_tokens_user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"access_token":"tok"}`, value)
}

func TestSupabaseVaultGetMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	vault, err := NewSupabaseVault(srv.URL, "service-key", srv.Client())
	require.NoError(t, err)

	_, ok, err := vault.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSupabaseVaultSetReplacesExisting(t *testing.T) {
	var deletes, creates int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			deletes++
			require.Equal(t, "/rest/v1/secrets", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost:
			creates++
			require.Equal(t, "/rest/v1/rpc/create_secret", r.URL.Path)
			body, _ := io.ReadAll(r.Body)
			require.JSONEq(t, `{"name":"schwab_tokens_user-1","secret":"v2"}`, string(body))
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	vault, err := NewSupabaseVault(srv.URL, "service-key", srv.Client())
	require.NoError(t, err)

	require.NoError(t, vault.Set(context.Background(), "schwab_tokens_user-1", "v2"))
	require.Equal(t, 1, deletes)
	require.Equal(t, 1, creates)
}

func TestSupabaseVaultServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	vault, err := NewSupabaseVault(srv.URL, "service-key", srv.Client())
	require.NoError(t, err)

	_, _, err = vault.Get(context.Background(), "name")
	require.Error(t, err)
}

func TestNewSupabaseVaultValidation(t *testing.T) {
	if _, err := NewSupabaseVault("", "key", nil); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewSupabaseVault("https://example.supabase.co", "", nil); err == nil {
		t.Fatal("expected error for empty service key")
	}
}
