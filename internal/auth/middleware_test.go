package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireAuth(t *testing.T) {
	validator := NewTokenValidator(map[string]string{"valid_token_12345": "user-1"})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserIDFromContext(r.Context())
		if !assert.True(t, ok, "expected user ID in context") {
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(userID))
	})
	authHandler := RequireAuth(validator, nil)(handler)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid bearer token", "Bearer valid_token_12345", http.StatusOK},
		{"case-insensitive scheme", "bearer   valid_token_12345", http.StatusOK},
		{"no header", "", http.StatusUnauthorized},
		{"invalid format", "InvalidFormat", http.StatusUnauthorized},
		{"wrong scheme", "Basic abcd_abcd_abcd", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			authHandler.ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "user-1", rr.Body.String())
			}
		})
	}
}

func TestTokenValidator(t *testing.T) {
	validator := NewTokenValidator(map[string]string{"a": "user-a", "b": "user-b"})

	userID, err := validator.ValidateToken(" b ")
	require.NoError(t, err)
	assert.Equal(t, "user-b", userID)

	_, err = validator.ValidateToken("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = validator.ValidateToken("c")
	assert.ErrorIs(t, err, ErrUnknownToken)

	_, err = NewTokenValidator(nil).ValidateToken("a")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestGetUserIDFromContext(t *testing.T) {
	_, ok := GetUserIDFromContext(context.Background())
	assert.False(t, ok)

	userID, ok := GetUserIDFromContext(context.WithValue(context.Background(), UserIDKey, "u"))
	assert.True(t, ok)
	assert.Equal(t, "u", userID)
}
