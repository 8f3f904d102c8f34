package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   string
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), "alice"),
			userId:   "alice",
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %q", tc.userId)
		})
	}
}

func TestTenant(t *testing.T) {
	_, ok := Tenant(context.Background())
	assert.False(t, ok, "expected no tenant on a bare context")

	id, ok := Tenant(WithTenant(context.Background(), "acme"))
	assert.True(t, ok)
	assert.Equal(t, "acme", id)
}

func TestAuthMiddleware(t *testing.T) {
	app, _, _ := newTestApp(t)

	var gotTenant, gotUserId string
	probe := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = Tenant(r.Context())
		gotUserId, _ = UserId(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tcases := []struct {
		name       string
		cookie     *http.Cookie
		statusCode int
	}{
		{
			name:       "no cookie",
			statusCode: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			cookie:     &http.Cookie{Name: tokenCookieKey, Value: "not-a-token"},
			statusCode: http.StatusUnauthorized,
		},
		{
			name:       "wrong signing key",
			cookie:     &http.Cookie{Name: tokenCookieKey, Value: tokenSignedWith(t, []byte("a different key"), "alice")},
			statusCode: http.StatusUnauthorized,
		},
		{
			name:       "missing user id claim",
			cookie:     &http.Cookie{Name: tokenCookieKey, Value: tokenSignedWith(t, testSigningKey)},
			statusCode: http.StatusUnauthorized,
		},
		{
			name:       "valid token",
			cookie:     &http.Cookie{Name: tokenCookieKey, Value: tokenSignedWith(t, testSigningKey, "alice")},
			statusCode: http.StatusOK,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/probe", nil)
			if tc.cookie != nil {
				req.AddCookie(tc.cookie)
			}
			rec := httptest.NewRecorder()
			probe.ServeHTTP(rec, req)

			assert.Equal(t, tc.statusCode, rec.Code, "expected status %d", tc.statusCode)
			if tc.statusCode == http.StatusOK {
				assert.Equal(t, "acme", gotTenant, "expected the resolved tenant on the context")
				assert.Equal(t, "alice", gotUserId, "expected the token's user on the context")
				assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
			}
		})
	}
}

func tokenSignedWith(t *testing.T, key []byte, userId ...string) string {
	t.Helper()
	claims := jwt.MapClaims{}
	if len(userId) > 0 {
		claims[userIdClaim] = userId[0]
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}
