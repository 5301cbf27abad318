package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/signalix/keyserver/internal/auth"
	"github.com/signalix/keyserver/internal/errs"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller attached to the request context
type Identity = auth.Identity

// TokenValidator validates session tokens
type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

// Authenticate extracts the bearer token from an Authorization header value and validates it.
// Every failure is errs.ErrUnauthorized.
func Authenticate(v TokenValidator, authHeader string) (Identity, error) {
	if authHeader == "" {
		return Identity{}, errs.ErrUnauthorized
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return Identity{}, errs.ErrUnauthorized
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return Identity{}, errs.ErrUnauthorized
	}

	claims, err := v.Validate(tokenString)
	if err != nil {
		return Identity{}, errs.ErrUnauthorized
	}
	return claims.Identity(), nil
}

// AuthMiddleware validates the bearer token and attaches the caller's Identity to the context.
// It never touches the store.
func AuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(v, r.Header.Get("Authorization"))
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity set by AuthMiddleware
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// respondWithError sends the JSON failure envelope
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": message,
		"status":  statusCode,
	})
}
