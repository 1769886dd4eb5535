// Package middleware holds the HTTP edge concerns: tenant authentication
// and per-tenant rate limiting.
package middleware

import (
	"net/http"
	"strings"

	"github.com/flowforge/backend/internal/accounts"
	"github.com/flowforge/backend/internal/tenancy"
)

// Tenant authenticates the request and injects the account id into the
// request context.
//
// Two schemes are accepted: an API key (`Authorization: Bearer
// ffg_<accountId>.<secret>`, bcrypt-verified against the stored hash) or,
// for trusted internal callers behind the gateway, a bare `X-Tenant-ID`
// header naming an existing account.
func Tenant(accts *accounts.Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var accountID string

		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ffg_") {
			id, err := accts.VerifyAPIKey(ctx, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			accountID = id
		}

		if accountID == "" {
			if hdr := r.Header.Get("X-Tenant-ID"); hdr != "" {
				if _, err := accts.GetAccount(ctx, hdr); err != nil {
					http.Error(w, "invalid tenant id", http.StatusUnauthorized)
					return
				}
				accountID = hdr
			}
		}

		if accountID == "" {
			http.Error(w, "missing tenant context (API key or X-Tenant-ID)", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(tenancy.WithAccount(ctx, accountID)))
	})
}
