package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/accounts"
	"github.com/flowforge/backend/internal/store"
	"github.com/flowforge/backend/internal/tenancy"
)

func newAccounts(t *testing.T) (*accounts.Service, string, string) {
	t.Helper()
	svc := accounts.NewService(store.NewMemoryStore("flowforge"))
	acct, err := svc.CreateAccount(context.Background(), "Acme Corp", "", "")
	require.NoError(t, err)
	key, err := svc.IssueAPIKey(context.Background(), acct.ID)
	require.NoError(t, err)
	return svc, acct.ID, key
}

func echoAccount(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := tenancy.AccountID(r.Context())
		require.NoError(t, err)
		w.Write([]byte(id))
	})
}

func TestTenant_APIKeyAuth(t *testing.T) {
	svc, accountID, key := newAccounts(t)
	h := Tenant(svc, echoAccount(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, accountID, rr.Body.String())
}

func TestTenant_BadAPIKey(t *testing.T) {
	svc, _, _ := newAccounts(t)
	h := Tenant(svc, echoAccount(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ffg_ghost.deadbeef")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestTenant_HeaderFallback(t *testing.T) {
	svc, accountID, _ := newAccounts(t)
	h := Tenant(svc, echoAccount(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", accountID)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, accountID, rr.Body.String())

	// An unknown tenant id is rejected, not passed through.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "ghost")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestTenant_MissingContext(t *testing.T) {
	svc, _, _ := newAccounts(t)
	h := Tenant(svc, echoAccount(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	clk := time.Now()
	rl := NewRateLimiter(3).WithClock(func() time.Time { return clk })
	defer rl.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("a1"))
	}
	assert.False(t, rl.Allow("a1"))

	// Another account has its own budget.
	assert.True(t, rl.Allow("a2"))

	// A new window resets the count.
	clk = clk.Add(time.Minute)
	assert.True(t, rl.Allow("a1"))
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Close()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := rl.Middleware(ok)

	withTenant := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		return req.WithContext(tenancy.WithAccount(req.Context(), "a1"))
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, withTenant())
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, withTenant())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Without the tenant middleware upstream there is no account to bill.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
