package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/calant/stepup/internal/httputil"
	"github.com/calant/stepup/pkg/domain"
	"github.com/calant/stepup/pkg/session"
)

type contextKey string

const (
	// IdentityKey is the context key for the authenticated identity.
	IdentityKey contextKey = "identity"
	// AccessTokenKey is the context key for the provider access token.
	AccessTokenKey contextKey = "access_token"
	// AttributesKey is the context key for the session-assurance attributes.
	AttributesKey contextKey = "attributes"
)

// IdentityLoader resolves a provider access token into the caller identity.
type IdentityLoader interface {
	GetIdentity(ctx context.Context, accessToken string) (domain.Identity, error)
}

// Auth creates middleware that resolves the caller through the identity
// provider. The access token is read from the Authorization header first,
// then from the cookie for web clients. The session-assurance attributes,
// when present and verifiable, ride along in the context; an untrusted
// attribute token is treated as no attributes at all, never as an error,
// because the identity provider remains the authentication authority.
func Auth(identities IdentityLoader, sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string

			// Try Authorization header first (API clients)
			authHeader := r.Header.Get("Authorization")
			if authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
					tokenString = parts[1]
				}
			}

			// Fall back to cookie (web clients)
			if tokenString == "" {
				if token, ok := httputil.GetCookie(r, httputil.CookieAccessToken); ok {
					tokenString = token
				}
			}

			if tokenString == "" {
				httputil.Error(w, http.StatusUnauthorized, "missing authorization")
				return
			}

			identity, err := identities.GetIdentity(r.Context(), tokenString)
			if err != nil {
				if errors.Is(err, domain.ErrProviderUnavailable) {
					httputil.DomainError(w, err)
					return
				}
				httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			ctx = context.WithValue(ctx, AccessTokenKey, tokenString)

			if raw, ok := httputil.GetCookie(r, httputil.CookieAssurance); ok {
				if attrs, err := sessions.Decode(raw); err == nil {
					ctx = context.WithValue(ctx, AttributesKey, attrs)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity extracts the authenticated identity from the request context.
func GetIdentity(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(domain.Identity)
	return identity, ok
}

// GetAccessToken extracts the provider access token from the request context.
func GetAccessToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(AccessTokenKey).(string)
	return token, ok
}

// GetAttributes extracts the session-assurance attributes from the request
// context. Absent or untrusted attributes come back as the zero value.
func GetAttributes(ctx context.Context) session.Attributes {
	attrs, _ := ctx.Value(AttributesKey).(session.Attributes)
	return attrs
}
