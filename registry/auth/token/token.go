// Package token provides a bearer token authentication scheme backed by
// HS256-signed JWTs. The registry both issues tokens, through the token
// endpoint exposed by the handlers package, and verifies them on every
// request. Authorization is scope based: each granted scope has the form
// "<type>:<name>:<action>" and may end in "*" to match a prefix.
package token

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/auth"
)

var (
	// ErrTokenRequired is returned when no bearer token is presented.
	ErrTokenRequired = fmt.Errorf("authorization token required")

	// ErrInvalidToken is returned for malformed, expired or badly signed
	// tokens.
	ErrInvalidToken = fmt.Errorf("invalid authorization token")
)

// Claims is the JWT payload carried by registry tokens.
type Claims struct {
	User auth.UserInfo `json:"user"`
	jwt.RegisteredClaims
}

// Generate signs a token for user valid for the given lifetime.
func Generate(secret []byte, user auth.UserInfo, lifetime time.Duration, now time.Time) (string, error) {
	claims := Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify parses and validates a signed token, returning the user it was
// issued to.
func Verify(secret []byte, tokenString string) (auth.UserInfo, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return auth.UserInfo{}, ErrInvalidToken
	}
	return claims.User, nil
}

type accessController struct {
	realm  string
	secret []byte
}

var _ auth.AccessController = &accessController{}

func newAccessController(options map[string]interface{}) (auth.AccessController, error) {
	realm, ok := options["realm"].(string)
	if !ok || realm == "" {
		return nil, fmt.Errorf(`"realm" must be set for token access controller`)
	}
	secret, ok := options["secret"].(string)
	if !ok || secret == "" {
		return nil, fmt.Errorf(`"secret" must be set for token access controller`)
	}
	return &accessController{realm: realm, secret: []byte(secret)}, nil
}

func (ac *accessController) Authorized(ctx context.Context, resource auth.Resource, actions ...string) (context.Context, error) {
	req, err := dcontext.GetRequest(ctx)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, &authenticationError{realm: ac.realm, err: ErrTokenRequired}
	}

	user, err := Verify(ac.secret, parts[1])
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("rejected bearer token: %v", err)
		return nil, &authenticationError{realm: ac.realm, err: err}
	}

	for _, action := range actions {
		required := auth.ScopeString(resource, action)
		if !auth.ScopeCovers(user.Scopes, required) {
			return nil, &authorizationError{user: user.Name, scope: required}
		}
	}

	return auth.WithUser(ctx, user), nil
}

// Issuer validates basic credentials against bcrypt hashes and mints tokens
// for the token endpoint.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
	users    map[string]string // username -> bcrypt hash
}

// NewIssuer constructs an Issuer.
func NewIssuer(secret string, lifetime time.Duration, users map[string]string) *Issuer {
	return &Issuer{secret: []byte(secret), lifetime: lifetime, users: users}
}

// Lifetime returns the validity period of issued tokens.
func (i *Issuer) Lifetime() time.Duration {
	return i.lifetime
}

// Issue checks the credentials and returns a signed token. Every
// authenticated user is granted pull, push and delete on all repositories
// plus catalog access.
func (i *Issuer) Issue(username, password string, now time.Time) (string, error) {
	hash, ok := i.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte("$2y$05$TjcrrZ67wjoPHJ7kOhnTFeCBMojbGTJV3AU24g7oT0v7gUxsqx0hO"), []byte(password))
		return "", ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidToken
	}

	user := auth.UserInfo{
		Name:  username,
		Roles: []string{"user"},
		Scopes: []string{
			"repository:*:pull",
			"repository:*:push",
			"repository:*:delete",
			"registry:catalog:*",
		},
	}
	return Generate(i.secret, user, i.lifetime, now)
}

// authenticationError implements the auth.AuthenticationError interface.
type authenticationError struct {
	realm string
	err   error
}

var _ auth.AuthenticationError = &authenticationError{}

func (ae *authenticationError) SetChallengeHeaders(h http.Header) {
	h.Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", ae.realm))
}

func (ae *authenticationError) Error() string {
	return ae.err.Error()
}

// authorizationError implements the auth.AuthorizationError interface.
type authorizationError struct {
	user  string
	scope string
}

var _ auth.AuthorizationError = &authorizationError{}

func (ae *authorizationError) Error() string {
	return fmt.Sprintf("user %q lacks required scope %q", ae.user, ae.scope)
}

func (ae *authorizationError) AuthorizationErrorDetails() interface{} {
	return map[string]string{"user": ae.user, "scope": ae.scope}
}

func init() {
	auth.Register("token", auth.InitFunc(newAccessController))
}
