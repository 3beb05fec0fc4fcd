package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
)

// ClientIDHeader carries the caller id that must match the token
const ClientIDHeader = "Client-Id"

type principal struct {
	clientID    string
	permissions map[string]struct{}
}

func (p principal) can(method string) bool {
	if _, ok := p.permissions["*"]; ok {
		return true
	}
	_, ok := p.permissions[method]
	return ok
}

type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

func newAuthorizer(cfg config.AuthConfig) *authorizer {
	if len(cfg.Tokens) == 0 {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	tokens := make(map[string]principal, len(cfg.Tokens))
	for token, tc := range cfg.Tokens {
		perms := make(map[string]struct{}, len(tc.Permissions))
		for _, p := range tc.Permissions {
			perms[strings.TrimSpace(p)] = struct{}{}
		}
		tokens[token] = principal{clientID: tc.ClientID, permissions: perms}
	}
	return &authorizer{enabled: true, tokens: tokens}
}

// check returns the caller principal or a message explaining the rejection
func (a *authorizer) check(r *http.Request, method string) (principal, string) {
	if !a.enabled {
		return principal{}, ""
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(raw, "Bearer ") {
		return principal{}, "missing bearer token"
	}
	token := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	clientID := strings.TrimSpace(r.Header.Get(ClientIDHeader))
	if clientID == "" {
		return principal{}, "missing " + ClientIDHeader + " header"
	}

	p, ok := a.lookup(token)
	if !ok {
		return principal{}, "invalid token"
	}
	if p.clientID != clientID {
		return principal{}, "client id does not match token"
	}
	if !p.can(method) {
		return principal{}, "permission denied for " + method
	}
	return p, ""
}

func (a *authorizer) lookup(token string) (principal, bool) {
	for known, p := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return p, true
		}
	}
	return principal{}, false
}

// authorize rejects unauthenticated calls with 401
func (a *Api) authorize(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, msg := a.auth.check(r, method); msg != "" {
			slog.Warn("request rejected", "method", method, "reason", msg, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		next(w, r)
	}
}
