package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/ksaito/crewdesk/backend/internal/crypto"
)

// tokenServer is a fake OAuth token endpoint counting refresh exchanges.
type tokenServer struct {
	*httptest.Server
	calls        atomic.Int64
	accessToken  string
	refreshToken string // returned rotation, empty to omit
	reject       bool
}

func newTokenServer(accessToken string) *tokenServer {
	ts := &tokenServer{accessToken: accessToken}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if ts.reject {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"access_token": ts.accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if ts.refreshToken != "" {
			resp["refresh_token"] = ts.refreshToken
		}
		json.NewEncoder(w).Encode(resp)
	}))
	return ts
}

func refresherWith(t *testing.T, ts *tokenServer, expiry time.Time) (*Refresher, *Store) {
	t.Helper()
	store := NewStore(
		&oauth2.Config{
			ClientID:     "test-client-id",
			ClientSecret: "test-client-secret",
			Endpoint: oauth2.Endpoint{
				TokenURL:  ts.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		nil,
		"test-credentials-table",
		crypto.NewMockEncryptor(),
	)
	err := store.SaveToken(context.Background(), "user1", &oauth2.Token{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		Expiry:       expiry,
	})
	if err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	return NewRefresher(store), store
}

func TestRefresher_ReusesTokenWithinMargin(t *testing.T) {
	ts := newTokenServer("fresh-access")
	defer ts.Close()

	// Expiry 10 minutes out — outside the 5 minute margin.
	r, _ := refresherWith(t, ts, time.Now().Add(10*time.Minute))
	ctx := context.Background()

	first, err := r.AccessToken(ctx, "user1")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	second, err := r.AccessToken(ctx, "user1")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}

	if first != "stored-access" || second != "stored-access" {
		t.Errorf("Expected stored token both times, got '%s' then '%s'", first, second)
	}
	if n := ts.calls.Load(); n != 0 {
		t.Errorf("Expected no refresh calls, got %d", n)
	}
}

func TestRefresher_RefreshesNearExpiry(t *testing.T) {
	ts := newTokenServer("fresh-access")
	defer ts.Close()

	// Expiry 2 minutes out — inside the margin.
	r, store := refresherWith(t, ts, time.Now().Add(2*time.Minute))
	ctx := context.Background()

	token, err := r.AccessToken(ctx, "user1")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if token != "fresh-access" {
		t.Errorf("Expected refreshed token, got '%s'", token)
	}
	if n := ts.calls.Load(); n != 1 {
		t.Errorf("Expected 1 refresh call, got %d", n)
	}

	// Rotated credential was persisted before returning.
	cred, _ := store.Get(ctx, "user1")
	if cred.AccessToken != "fresh-access" {
		t.Errorf("Expected persisted access token 'fresh-access', got '%s'", cred.AccessToken)
	}
	if !cred.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("Expected persisted expiry in the future, got %v", cred.ExpiresAt)
	}

	// A follow-up call reuses the rotated token without a second exchange.
	again, err := r.AccessToken(ctx, "user1")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if again != "fresh-access" {
		t.Errorf("Expected reuse of refreshed token, got '%s'", again)
	}
	if n := ts.calls.Load(); n != 1 {
		t.Errorf("Expected still 1 refresh call, got %d", n)
	}
}

func TestRefresher_PersistsRotatedRefreshToken(t *testing.T) {
	ts := newTokenServer("fresh-access")
	ts.refreshToken = "rotated-refresh"
	defer ts.Close()

	r, store := refresherWith(t, ts, time.Now().Add(-1*time.Minute))
	ctx := context.Background()

	if _, err := r.AccessToken(ctx, "user1"); err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}

	cred, _ := store.Get(ctx, "user1")
	if cred.EncryptedRefreshToken != "mock:rotated-refresh" {
		t.Errorf("Expected rotated refresh token persisted, got '%s'", cred.EncryptedRefreshToken)
	}
}

func TestRefresher_RejectedRefresh_RequiresReauthorization(t *testing.T) {
	ts := newTokenServer("unused")
	ts.reject = true
	defer ts.Close()

	r, store := refresherWith(t, ts, time.Now().Add(-1*time.Minute))
	ctx := context.Background()

	_, err := r.AccessToken(ctx, "user1")
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("Expected ErrReauthorizationRequired, got %v", err)
	}

	// Stored state is untouched.
	cred, _ := store.Get(ctx, "user1")
	if cred.AccessToken != "stored-access" {
		t.Errorf("Expected stored access token unchanged, got '%s'", cred.AccessToken)
	}
	if cred.EncryptedRefreshToken != "mock:stored-refresh" {
		t.Errorf("Expected stored refresh token unchanged, got '%s'", cred.EncryptedRefreshToken)
	}
}

func TestRefresher_NotConnected(t *testing.T) {
	ts := newTokenServer("unused")
	defer ts.Close()

	store := NewStore(&oauth2.Config{}, nil, "test-credentials-table", crypto.NewMockEncryptor())
	r := NewRefresher(store)

	_, err := r.AccessToken(context.Background(), "unknown-user")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestRefresher_ConcurrentCallsShareOneRefresh(t *testing.T) {
	ts := newTokenServer("fresh-access")
	defer ts.Close()

	r, _ := refresherWith(t, ts, time.Now().Add(-1*time.Minute))
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = r.AccessToken(ctx, "user1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "fresh-access" {
			t.Errorf("caller %d: expected 'fresh-access', got '%s'", i, tokens[i])
		}
	}
	if n := ts.calls.Load(); n != 1 {
		t.Errorf("Expected a single refresh exchange, got %d", n)
	}
}
