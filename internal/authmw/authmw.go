// Package authmw provides HTTP middleware for bearer token authentication.
//
// Each configured token maps to a Principal; the principal name becomes the
// actor recorded in the study audit log.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Principal is the caller a token authenticates as.
type Principal struct {
	Name  string
	Admin bool
}

// Token binds a bearer secret to a principal.
type Token struct {
	Value     string
	Principal Principal
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the authenticated principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Actor returns the principal name for audit entries, or "anonymous".
func Actor(ctx context.Context) string {
	if p, ok := FromContext(ctx); ok && p.Name != "" {
		return p.Name
	}
	return "anonymous"
}

// BearerToken returns middleware that accepts any of the given tokens and
// stores the matching principal in the request context. Tokens with an
// empty value are ignored. Every configured token is compared in constant
// time so the position of a match does not leak through timing.
func BearerToken(tokens ...Token) func(http.Handler) http.Handler {
	type entry struct {
		secret []byte
		p      Principal
	}
	accepted := make([]entry, 0, len(tokens))
	for _, t := range tokens {
		if t.Value == "" {
			continue
		}
		accepted = append(accepted, entry{secret: []byte(t.Value), p: t.Principal})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}
			got := []byte(auth[len("Bearer "):])

			var (
				match Principal
				found bool
			)
			for _, e := range accepted {
				if subtle.ConstantTimeCompare(got, e.secret) == 1 && !found {
					match, found = e.p, true
				}
			}
			if !found {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), match)))
		})
	}
}

// RequireAdmin rejects requests whose principal is not an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := FromContext(r.Context()); !ok || !p.Admin {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
