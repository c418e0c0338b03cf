package schwab

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/axiomtrade/axiom/errs"
)

func TestAccountNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/accountNumbers" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"accountNumber":"12345678","hashValue":"ABCDEF"},{"accountNumber":"87654321","hashValue":"FEDCBA"}]`)
	}))
	defer srv.Close()

	client, err := NewRESTClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	hash, err := client.PrimaryAccountHash(context.Background(), "tok")
	if err != nil {
		t.Fatalf("primary account hash: %v", err)
	}
	if hash != "ABCDEF" {
		t.Fatalf("expected first account hash, got %q", hash)
	}
}

func TestPrimaryAccountHashNoAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	client, err := NewRESTClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.PrimaryAccountHash(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected error for empty account list")
	}
	if !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not-found code, got %v", err)
	}
}

func TestUserPreferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/userPreference" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"streamerInfo":[{"streamerSocketUrl":"wss://streamer.example.com/ws","schwabClientCustomerId":"cust","schwabClientCorrelId":"corr","schwabClientChannel":"N9","schwabClientFunctionId":"APIAPP"}]}`)
	}))
	defer srv.Close()

	client, err := NewRESTClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	info, err := client.UserPreferences(context.Background(), "tok")
	if err != nil {
		t.Fatalf("user preferences: %v", err)
	}
	if info.SocketURL != "wss://streamer.example.com/ws" || info.CustomerID != "cust" {
		t.Fatalf("unexpected streamer info %+v", info)
	}
}

func TestRESTUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewRESTClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.AccountNumbers(context.Background(), "stale")
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !errs.HasCode(err, errs.CodeAuth) {
		t.Fatalf("expected auth code, got %v", err)
	}
}

func TestNewRESTClientValidation(t *testing.T) {
	if _, err := NewRESTClient("  ", nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
