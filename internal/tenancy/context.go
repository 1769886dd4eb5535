package tenancy

import (
	"context"
	"errors"
)

type contextKey string

const accountIDKey contextKey = "account_id"

// WithAccount adds the account id to the context. The HTTP middleware sets
// this after validating the caller's credentials.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountID extracts the account id from the context.
func AccountID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(accountIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("account context missing")
	}
	return id, nil
}
