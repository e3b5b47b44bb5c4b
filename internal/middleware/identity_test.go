package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestIdentity(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "taskflow",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantUser string
	}{
		{
			name:     "valid token",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, valid),
			wantCode: http.StatusOK,
			wantUser: "alice",
		},
		{
			name:     "lowercase scheme",
			header:   "bearer " + sign(t, jwt.SigningMethodHS256, testSecret, valid),
			wantCode: http.StatusOK,
			wantUser: "alice",
		},
		{
			name:     "missing header",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "basic auth",
			header:   "Basic YWxpY2U6c2VjcmV0",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong secret",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), valid),
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "other hmac algorithm",
			header:   "Bearer " + sign(t, jwt.SigningMethodHS512, testSecret, valid),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "expired",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    "taskflow",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "no expiry",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
				Subject: "alice",
				Issuer:  "taskflow",
			}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "wrong issuer",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "no subject",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
				Issuer:    "taskflow",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			}),
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = UserID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			Identity(testSecret, "taskflow")(next).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantUser, gotUser)
		})
	}
}

func TestUserID(t *testing.T) {
	_, ok := UserID(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)

	ctx := WithUserID(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "")
	_, ok = UserID(ctx)
	assert.False(t, ok)

	ctx = WithUserID(ctx, "bob")
	id, ok := UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "bob", id)
}
