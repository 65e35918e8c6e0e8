// Package auth authenticates HTTP and WebSocket callers with static bearer tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

// UserIDKey is the context key used to store the authenticated user's ID.
const UserIDKey contextKey = "user_id"

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("token is empty")
	// ErrUnknownToken is returned when the token is not configured.
	ErrUnknownToken = errors.New("unknown token")
)

// TokenValidator maps bearer tokens to user IDs.
type TokenValidator struct {
	tokens map[string]string
}

// NewTokenValidator creates a validator for the given token -> user ID map.
func NewTokenValidator(tokens map[string]string) *TokenValidator {
	copied := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		copied[token] = userID
	}
	return &TokenValidator{tokens: copied}
}

// ValidateToken returns the user ID the token belongs to.
func (v *TokenValidator) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	// Compare against every entry so the lookup time does not depend on the match.
	userID := ""
	for known, owner := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			userID = owner
		}
	}
	if userID == "" {
		return "", ErrUnknownToken
	}
	return userID, nil
}

// BearerToken parses an "Authorization: Bearer <token>" header (RFC 7235, scheme is
// case-insensitive). It returns "" when the header is absent or malformed.
func BearerToken(r *http.Request) string {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// RequireAuth rejects requests without a valid bearer token and stores the
// user ID in the request context for downstream handlers.
func RequireAuth(validator *TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := validator.ValidateToken(BearerToken(r))
			if err != nil {
				logger.Debug("Rejected request", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserIDFromContext returns the user ID stored by RequireAuth.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
