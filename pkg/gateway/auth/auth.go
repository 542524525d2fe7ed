// Package auth identifies operators calling the bridge's HTTP API.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Principal is an authenticated operator. Only a fingerprint of the key is
// kept so it can be logged.
type Principal struct {
	KeyID string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the token from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(authz, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// KeyID is a short, stable fingerprint of an API key.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key_" + hex.EncodeToString(sum[:6])
}

// Authenticate matches token against the configured keys. Every key is
// compared so timing does not depend on which one matched.
func Authenticate(keys map[string]struct{}, token string) (*Principal, bool) {
	matched := 0
	for k := range keys {
		matched |= subtle.ConstantTimeCompare([]byte(k), []byte(token))
	}
	if matched != 1 {
		return nil, false
	}
	return &Principal{KeyID: KeyID(token)}, true
}
