// Package credentials resolves the auth material a stage uses against its
// external tool: either inline YAML-embedded auth or a stored credential
// referenced by id.
//
// Secrets never reach a log surface directly; callers log the handle's
// Redacted() form.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowforge/backend/internal/store"
	"github.com/flowforge/backend/internal/tenancy"
)

// ErrAuthUnresolved marks a stage that requires credentials when none
// resolve. The stage fails; the execution fails.
var ErrAuthUnresolved = errors.New("auth unresolved")

// Credential is the normalized auth handle handed to stage handlers.
type Credential struct {
	Type         string // basic, bearer, oauth2
	Username     string
	APIKey       string
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Redacted returns the only form of the credential allowed on log surfaces.
func (c *Credential) Redacted() string {
	if c == nil {
		return "<none>"
	}
	return fmt.Sprintf("credential{type=%s user=%s secrets=[REDACTED]}", c.Type, c.Username)
}

// String aliases Redacted so accidental %v formatting cannot leak secrets.
func (c *Credential) String() string { return c.Redacted() }

// Empty reports whether the credential carries no usable auth material.
func (c *Credential) Empty() bool {
	return c == nil || (c.APIKey == "" && c.Token == "" && c.ClientSecret == "")
}

// Stored credentials label their fields inconsistently across connector
// types; resolution probes the well-known spellings in order.
var (
	usernameLabels = []string{"username", "Username", "user", "email", "Email"}
	apiKeyLabels   = []string{"apiToken", "apiKey", "API Key", "api_key", "Personal Access Token", "password"}
	tokenLabels    = []string{"token", "accessToken", "Access Token", "pat"}
	clientIDLabels = []string{"clientId", "clientid", "Client ID"}
	secretLabels   = []string{"clientSecret", "clientsecret", "Client Secret"}
	tokenURLLabels = []string{"tokenUrl", "tokenURL", "Token URL", "url"}
)

// StageAuth is the slice of a compiled stage the resolver needs.
type StageAuth struct {
	InlineAuth   map[string]interface{}
	CredentialID string
}

// Resolver resolves stage auth through the tenant-routed credential store.
type Resolver struct {
	router *tenancy.Router
}

// NewResolver creates a resolver over the tenant router.
func NewResolver(router *tenancy.Router) *Resolver {
	return &Resolver{router: router}
}

// Resolve returns the stage's credential, or nil when the stage declares no
// auth at all. Inline auth wins over a stored credential id.
func (r *Resolver) Resolve(ctx context.Context, accountID string, auth StageAuth) (*Credential, error) {
	if len(auth.InlineAuth) > 0 {
		return fromLabels(auth.InlineAuth), nil
	}
	if auth.CredentialID == "" {
		return nil, nil
	}

	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	item, err := route.Store.Get(ctx, store.Key{
		PK: route.PartitionKey(store.EntityCredential, accountID),
		SK: store.SortKey(store.EntityCredential, auth.CredentialID),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: credential %q not found", ErrAuthUnresolved, auth.CredentialID)
	}
	if err != nil {
		return nil, err
	}

	data := item.GetMap("data")
	if data == nil {
		data = map[string]interface{}(item)
	}
	cred := fromLabels(data)
	if cred.Type == "" {
		cred.Type = item.GetString("connectorType")
	}
	return cred, nil
}

// fromLabels normalizes a raw attribute map by probing the known label
// spellings for each field.
func fromLabels(data map[string]interface{}) *Credential {
	cred := &Credential{
		Type:         probe(data, []string{"type", "authType"}),
		Username:     probe(data, usernameLabels),
		APIKey:       probe(data, apiKeyLabels),
		Token:        probe(data, tokenLabels),
		ClientID:     probe(data, clientIDLabels),
		ClientSecret: probe(data, secretLabels),
		TokenURL:     probe(data, tokenURLLabels),
	}
	if cred.Type == "" {
		switch {
		case cred.ClientID != "" && cred.ClientSecret != "":
			cred.Type = "oauth2"
		case cred.Username != "":
			cred.Type = "basic"
		case cred.Token != "":
			cred.Type = "bearer"
		}
	}
	return cred
}

func probe(data map[string]interface{}, labels []string) string {
	for _, label := range labels {
		if v, ok := data[label].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
