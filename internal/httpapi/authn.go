package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"authhub.org/internal/tenant"
	"authhub.org/internal/token"
)

const authHeader = "Authorization"

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/login",
}
var publicPrefixes = []string{
	"/oauth/",
	"/.well-known/",
}

// withAuth authenticates bearer tokens on the admin surface and attaches
// the resolved access context. Only tokens issued for the configured admin
// client are accepted. The OAuth endpoints stay public: they carry their
// own client authentication.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.tokens.Validate(raw, a.adminAudience)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpired):
				writeError(w, r, http.StatusUnauthorized, "token expired")
			case errors.Is(err, token.ErrBadSignature), errors.Is(err, token.ErrUnknownKey),
				errors.Is(err, token.ErrInvalidAudience), errors.Is(err, token.ErrMalformed):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := tenant.ContextWithAccess(r.Context(), accessFromClaims(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessFromClaims rebuilds the access context embedded in token claims.
func accessFromClaims(claims *token.AccessClaims) tenant.AccessContext {
	perms := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = struct{}{}
	}
	return tenant.AccessContext{
		UserID:      claims.Subject,
		EntityID:    claims.Entity,
		Role:        tenant.Role(claims.Role),
		SystemAdmin: claims.Role == string(tenant.GlobalRoleSystemAdmin),
		Permissions: perms,
	}
}

func (a *API) requirePermission(ctx context.Context, slug string) error {
	access, ok := tenant.AccessFromContext(ctx)
	if !ok {
		return errors.New("authentication required")
	}
	if !access.HasPermission(slug) {
		return errors.New("insufficient permissions")
	}
	return nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
