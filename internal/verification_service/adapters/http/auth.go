package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const OwnerContextKey = ContextKey("owner")

// AuthConfig describes how owner tokens are verified.
type AuthConfig struct {
	Secret []byte
	Issuer string // empty accepts any issuer
}

// OwnerFromContext returns the authenticated owner id.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(OwnerContextKey).(string)
	return owner, ok && owner != ""
}

// OwnerAuth verifies an HS256 JWT and stores its subject as the owner id.
// The token is read from "Authorization: Bearer" and, for websocket upgrades, the access_token query parameter.
func OwnerAuth(cfg AuthConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.Secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.WarnContext(ctx, "Missing owner token", "path", r.URL.Path)
				jsonError(w, "authorization required", http.StatusUnauthorized)
				return
			}

			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(tokenString, &claims, keyFunc); err != nil {
				logger.WarnContext(ctx, "Owner token rejected", "path", r.URL.Path, "error", err)
				jsonError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				logger.WarnContext(ctx, "Owner token has no subject")
				jsonError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, OwnerContextKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if websocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ownerKey keys the create rate limit by owner.
func ownerKey(r *http.Request) (string, error) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		return "", errors.New("no owner in request context")
	}
	return owner, nil
}
