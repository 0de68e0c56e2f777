package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// TokenAuth resolves bearer tokens for the control-plane API and the
// front-end channel. Worker credentials are checked against the
// authorization records instead.
type TokenAuth struct {
	mu       sync.RWMutex
	service  []string
	frontend map[string]string
}

func NewTokenAuth(serviceTokens []string, frontendTokens map[string]string) *TokenAuth {
	ta := &TokenAuth{}
	ta.Set(serviceTokens, frontendTokens)
	return ta
}

// Set replaces both token sets.
func (ta *TokenAuth) Set(serviceTokens []string, frontendTokens map[string]string) {
	service := make([]string, 0, len(serviceTokens))
	for _, t := range serviceTokens {
		if t = strings.TrimSpace(t); t != "" {
			service = append(service, t)
		}
	}
	frontend := make(map[string]string, len(frontendTokens))
	for t, org := range frontendTokens {
		if t = strings.TrimSpace(t); t != "" && org != "" {
			frontend[t] = org
		}
	}
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.service = service
	ta.frontend = frontend
}

// Service reports whether the request carries a valid service token.
func (ta *TokenAuth) Service(r *http.Request) bool {
	candidate := ExtractToken(r)
	if candidate == "" {
		return false
	}
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	ok := false
	for _, t := range ta.service {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(t)) == 1 {
			ok = true
		}
	}
	return ok
}

// Frontend returns the organization a front-end token is bound to.
func (ta *TokenAuth) Frontend(r *http.Request) (string, bool) {
	candidate := ExtractToken(r)
	if candidate == "" {
		return "", false
	}
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	var org string
	for t, o := range ta.frontend {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(t)) == 1 {
			org = o
		}
	}
	return org, org != ""
}

// ExtractToken reads a bearer token from the request. It checks, in order:
// Authorization: Bearer <token>, X-API-Key, and the access_token query
// parameter (browsers cannot set headers on a websocket upgrade).
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("access_token")
}
