package jwt

import (
	"context"
	"net/http"
	"strings"

	"meetmesh/internal/pkg/logx"
)

type contextKey struct{}

// identityKey stores the verified identity Payload in the request context.
var identityKey contextKey

// bearerToken returns the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// IdentityExtractorMiddleware attaches a durable identity to requests that carry a valid
// identity token. Anything else passes through as a guest: a meeting never refuses a caller
// over a bad token, it just issues a fresh identity.
func IdentityExtractorMiddleware(secretKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			payload, err := ParseToken(token, secretKey)
			switch {
			case err != nil:
				logx.Debug("Ignoring unusable identity token", "error", err.Error(), "path", r.URL.Path)
			case payload.Kind != KindIdentity:
				// a room access token is only valid on the websocket endpoint
				logx.Debug("Ignoring non-identity token", "kind", string(payload.Kind), "path", r.URL.Path)
			default:
				r = r.WithContext(context.WithValue(r.Context(), identityKey, payload))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPayloadFromContext returns the identity Payload, or nil for guests.
func GetPayloadFromContext(r *http.Request) *Payload {
	payload, _ := r.Context().Value(identityKey).(*Payload)
	return payload
}
