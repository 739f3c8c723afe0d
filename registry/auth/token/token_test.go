package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGenerateVerifyRoundTrip(t *testing.T) {
	user := auth.UserInfo{
		Name:   "alice",
		Roles:  []string{"user"},
		Scopes: []string{"repository:*:pull", "registry:catalog:*"},
	}

	signed, err := Generate([]byte(testSecret), user, time.Hour, time.Now())
	require.NoError(t, err)

	got, err := Verify([]byte(testSecret), signed)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestVerifyWrongSecret(t *testing.T) {
	signed, err := Generate([]byte(testSecret), auth.UserInfo{Name: "alice"}, time.Hour, time.Now())
	require.NoError(t, err)

	_, err = Verify([]byte("another-secret-another-secret!!!"), signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpiredToken(t *testing.T) {
	signed, err := Generate([]byte(testSecret), auth.UserInfo{Name: "alice"}, time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = Verify([]byte(testSecret), signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	claims := Claims{
		User: auth.UserInfo{Name: "alice"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = Verify([]byte(testSecret), unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := Verify([]byte(testSecret), "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("opensesame"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewIssuer(testSecret, time.Hour, map[string]string{"alice": string(hash)})
}

func TestIssuerIssue(t *testing.T) {
	issuer := newTestIssuer(t)

	signed, err := issuer.Issue("alice", "opensesame", time.Now())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, issuer.Lifetime())

	user, err := Verify([]byte(testSecret), signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)
	assert.Contains(t, user.Scopes, "repository:*:pull")
	assert.Contains(t, user.Scopes, "repository:*:push")
	assert.Contains(t, user.Scopes, "repository:*:delete")
	assert.Contains(t, user.Scopes, "registry:catalog:*")
}

func TestIssuerRejectsBadCredentials(t *testing.T) {
	issuer := newTestIssuer(t)

	_, err := issuer.Issue("alice", "wrong", time.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Issue("mallory", "opensesame", time.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func testAccessController(t *testing.T) auth.AccessController {
	t.Helper()
	ac, err := auth.GetAccessController("token", map[string]interface{}{
		"realm":  "test-realm",
		"secret": testSecret,
	})
	require.NoError(t, err)
	return ac
}

func bearerContext(token string) context.Context {
	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return dcontext.WithRequest(dcontext.Background(), req)
}

func TestAccessControllerAuthorized(t *testing.T) {
	ac := testAccessController(t)

	signed, err := Generate([]byte(testSecret), auth.UserInfo{
		Name:   "alice",
		Scopes: []string{"repository:library/app:pull"},
	}, time.Hour, time.Now())
	require.NoError(t, err)

	ctx, err := ac.Authorized(bearerContext(signed),
		auth.Resource{Type: "repository", Name: "library/app"}, "pull")
	require.NoError(t, err)

	user, ok := auth.GetUser(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", user.Name)
}

func TestAccessControllerInsufficientScope(t *testing.T) {
	ac := testAccessController(t)

	signed, err := Generate([]byte(testSecret), auth.UserInfo{
		Name:   "alice",
		Scopes: []string{"repository:library/app:pull"},
	}, time.Hour, time.Now())
	require.NoError(t, err)

	_, err = ac.Authorized(bearerContext(signed),
		auth.Resource{Type: "repository", Name: "library/app"}, "push")
	require.Error(t, err)

	var denial auth.AuthorizationError
	require.ErrorAs(t, err, &denial)
	assert.NotNil(t, denial.AuthorizationErrorDetails())
}

func TestAccessControllerMissingToken(t *testing.T) {
	ac := testAccessController(t)

	_, err := ac.Authorized(bearerContext(""),
		auth.Resource{Type: "repository", Name: "library/app"}, "pull")
	require.Error(t, err)

	var challenge auth.AuthenticationError
	require.ErrorAs(t, err, &challenge)

	header := http.Header{}
	challenge.SetChallengeHeaders(header)
	assert.Equal(t, `Bearer realm="test-realm"`, header.Get("WWW-Authenticate"))
}

func TestAccessControllerBadToken(t *testing.T) {
	ac := testAccessController(t)

	_, err := ac.Authorized(bearerContext("garbage"),
		auth.Resource{Type: "repository", Name: "library/app"}, "pull")
	var challenge auth.AuthenticationError
	assert.ErrorAs(t, err, &challenge)
}
