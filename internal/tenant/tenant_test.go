package tenant

import (
	"testing"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)
	return token
}

func TestResolveStaticTenant(t *testing.T) {
	r := NewResolver(WithStaticTenant("acme"))

	id, err := r.Resolve("anything.example.com", "")
	assert.NoError(t, err)
	assert.Equal(t, "acme", id, "expected the static tenant to win")
}

func TestResolveHostMap(t *testing.T) {
	r := NewResolver(WithHostMap(map[string]string{
		"chat.acme.test":  "acme",
		"chat.globex.com": "globex",
	}))

	tcases := []struct {
		name string
		host string
		want string
		err  bool
	}{
		{name: "exact host", host: "chat.acme.test", want: "acme"},
		{name: "host is case-insensitive", host: "Chat.Globex.COM", want: "globex"},
		{name: "port is stripped", host: "chat.acme.test:8443", want: "acme"},
		{name: "unknown host", host: "chat.initech.io", err: true},
		{name: "empty host", host: "", err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := r.Resolve(tc.host, "")
			if tc.err {
				assert.ErrorIs(t, err, ErrNoTenant)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, id)
		})
	}
}

func TestResolveTokenClaim(t *testing.T) {
	r := NewResolver(WithSigningKey(testKey))

	token := signedToken(t, jwt.MapClaims{"tenant": "acme", "user-id": "alice"})
	id, err := r.Resolve("", token)
	assert.NoError(t, err)
	assert.Equal(t, "acme", id, "expected the tenant claim to resolve")
}

func TestResolveTokenWithoutClaim(t *testing.T) {
	r := NewResolver(WithSigningKey(testKey))

	token := signedToken(t, jwt.MapClaims{"user-id": "alice"})
	_, err := r.Resolve("", token)
	assert.ErrorIs(t, err, ErrNoTenant, "expected a token without a tenant claim to resolve nothing")
}

func TestResolveBadSignature(t *testing.T) {
	r := NewResolver(WithSigningKey([]byte("a different key")))

	token := signedToken(t, jwt.MapClaims{"tenant": "acme"})
	_, err := r.Resolve("", token)
	assert.Error(t, err, "expected a token signed with the wrong key to be rejected")
}

func TestResolveOrder(t *testing.T) {
	// host map beats the token claim when both could resolve
	r := NewResolver(
		WithHostMap(map[string]string{"chat.acme.test": "acme"}),
		WithSigningKey(testKey),
	)

	token := signedToken(t, jwt.MapClaims{"tenant": "globex"})
	id, err := r.Resolve("chat.acme.test", token)
	assert.NoError(t, err)
	assert.Equal(t, "acme", id)

	id, err = r.Resolve("unknown.example.com", token)
	assert.NoError(t, err)
	assert.Equal(t, "globex", id, "expected fallback to the token claim")
}
