package credentials

import (
	"log/slog"
	"os"
	"strings"
)

// Provider supplies the bearer token of the current session, if any.
// The pipeline reads it but never refreshes or validates it.
type Provider interface {
	Token() (string, bool)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func() (string, bool)

// Token calls f
func (f ProviderFunc) Token() (string, bool) {
	return f()
}

// Static always returns the same token. An empty token means no session.
type Static string

// Token returns the static token
func (s Static) Token() (string, bool) {
	token := strings.TrimSpace(string(s))
	return token, token != ""
}

// Env reads the token from an environment variable on every lookup
type Env string

// Token returns the variable's value
func (e Env) Token() (string, bool) {
	token := strings.TrimSpace(os.Getenv(string(e)))
	return token, token != ""
}

// TokenStore is persistent session storage, such as the local database
type TokenStore interface {
	Token() (string, error)
}

// Stored reads the token from a TokenStore
type Stored struct {
	Store TokenStore
}

// Token returns the stored token. Store errors are logged and treated as no session.
func (s Stored) Token() (string, bool) {
	token, err := s.Store.Token()
	if err != nil {
		slog.Warn("Failed to read session token", "error", err)
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Chain returns the first token found among providers
type Chain []Provider

// Token asks each provider in order
func (c Chain) Token() (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if token, ok := p.Token(); ok {
			return token, true
		}
	}
	return "", false
}
