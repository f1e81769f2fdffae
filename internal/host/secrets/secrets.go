// Package secrets implements host.SecretsHost backends selected by the
// SECRETS_BACKEND environment variable: env (the
// default), aws (Secrets Manager), gcp (Secret Manager), azure (Key
// Vault). Every backend is policy-filtered by an explicit allow-list
// supplied at construction — only names a tenant's binding declares may
// resolve.
package secrets

import (
	"context"
	"fmt"
	"os"
)

// ErrDenied indicates the requested name was not in the allow-list.
var ErrDenied = fmt.Errorf("secrets: name not declared in bindings")

// Filtered wraps a backend with an allow-list, the policy filter every
// backend below is composed with.
type Filtered struct {
	Backend interface {
		get(ctx context.Context, name string) (string, error)
	}
	Allowed map[string]bool
}

// Get implements host.SecretsHost.
func (f *Filtered) Get(ctx context.Context, name string) (string, error) {
	if !f.Allowed[name] {
		return "", ErrDenied
	}
	return f.Backend.get(ctx, name)
}

// Env resolves secrets from process environment variables. It is the
// default backend (SECRETS_BACKEND=env).
type Env struct{}

func (Env) get(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secrets: env var %q not set", name)
	}
	return v, nil
}

// NewEnv returns a Filtered Env backend restricted to allowed.
func NewEnv(allowed map[string]bool) *Filtered {
	return &Filtered{Backend: Env{}, Allowed: allowed}
}
