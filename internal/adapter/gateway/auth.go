package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"isa-warehouse/internal/domain"
)

// Authenticator resolves a bearer token to the calling principal.
type Authenticator interface {
	Authenticate(token string) (domain.Principal, error)
}

// TokenEntry binds one static bearer token to a user and its roles.
type TokenEntry struct {
	Token string
	User  string
	Roles []string
}

type authEntry struct {
	token     []byte
	principal domain.Principal
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from token entries. Entries
// with an empty token are skipped so they can never match.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token:     []byte(e.Token),
			principal: domain.Principal{User: e.User, Roles: append([]string(nil), e.Roles...)},
		})
	}
	return a
}

// Authenticate returns the principal bound to token. Every entry is
// compared so the time taken does not reveal which one matched.
func (s *StaticTokenAuth) Authenticate(token string) (domain.Principal, error) {
	tokenBytes := []byte(token)
	var (
		found domain.Principal
		ok    bool
	)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && !ok {
			found, ok = e.principal, true
		}
	}
	if !ok || token == "" {
		return domain.Principal{}, domain.ErrGatewayAuthFailed
	}
	found.Roles = append([]string(nil), found.Roles...)
	return found, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
