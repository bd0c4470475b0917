// Package authmw provides bearer-token authentication for the warden API.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type principalKey struct{}

// Tokens maps a principal name (e.g. "ingest", "operator") to its bearer
// token. Several entries allow rotation without downtime.
type Tokens map[string]string

// Principal returns the name of the token that authenticated the request.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// WithPrincipal attaches a principal name to ctx.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// BearerToken returns middleware that accepts a request whose Authorization
// header carries any non-empty token in tokens. Every candidate is compared
// in constant time so the match position does not leak.
func BearerToken(tokens Tokens) func(http.Handler) http.Handler {
	type entry struct {
		name  string
		token []byte
	}
	var known []entry
	for name, tok := range tokens {
		if tok != "" {
			known = append(known, entry{name: name, token: []byte(tok)})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}
			got := []byte(auth[len("Bearer "):])

			matched := ""
			for _, k := range known {
				if subtle.ConstantTimeCompare(got, k.token) == 1 && matched == "" {
					matched = k.name
				}
			}
			if matched == "" {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), matched)))
		})
	}
}

// Require rejects requests not authenticated as one of names. It must run
// after BearerToken.
func Require(names ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed[Principal(r.Context())] {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}
