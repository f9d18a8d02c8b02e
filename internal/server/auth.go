package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls how a request is resolved to an actor.
type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// newAuthMiddleware resolves a bearer JWT (or, when allowed, the legacy
// X-Actor-ID header) to a Principal. Unauthenticated requests pass
// through; handlers that need an actor reject them via actorIDFromContext.
func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") && cfg.JWTSecret != "" {
				token := strings.TrimPrefix(header, "Bearer ")
				var claims jwtClaims
				parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
					return []byte(cfg.JWTSecret), nil
				}, jwt.WithValidMethods([]string{"HS256"}))
				if err == nil && parsed.Valid && claims.Subject != "" {
					ctx = withPrincipal(ctx, Principal{ActorID: claims.Subject, Source: "jwt"})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				cfg.logger().Debug("rejected bearer token", "error", err)
			}
			if cfg.AllowLegacyActorHeader {
				if actor := strings.TrimSpace(r.Header.Get("X-Actor-ID")); actor != "" {
					ctx = withPrincipal(ctx, Principal{ActorID: actor, Source: "header"})
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
