// Package gateway defines the interface for user-facing entry points and the
// API key authentication they share.
package gateway

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/jkaninda/percy/internal/domain"
)

// Gateway is a user-facing interface (HTTP API, WebSocket event feed).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// KeyRing maps API keys to authenticated callers. Read-only after construction.
type KeyRing struct {
	keys map[string]domain.Caller
}

// NewKeyRing copies keys into a KeyRing. Entries with an empty key or caller id are skipped.
func NewKeyRing(keys map[string]domain.Caller) *KeyRing {
	k := &KeyRing{keys: make(map[string]domain.Caller, len(keys))}
	for key, c := range keys {
		if key == "" || c.ID == "" {
			continue
		}
		k.keys[key] = c
	}
	return k
}

// Authenticate returns the caller for apiKey. Every configured key is compared
// in constant time so lookup duration does not depend on which key matched.
func (k *KeyRing) Authenticate(apiKey string) (domain.Caller, bool) {
	if k == nil || apiKey == "" {
		return domain.Caller{}, false
	}
	var found domain.Caller
	var ok bool
	probe := []byte(apiKey)
	for key, c := range k.keys {
		if subtle.ConstantTimeCompare(probe, []byte(key)) == 1 {
			found, ok = c, true
		}
	}
	return found, ok
}

// Len returns the number of configured keys.
func (k *KeyRing) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
