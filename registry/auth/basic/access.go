// Package basic provides an authentication scheme that checks HTTP basic
// credentials against a configured set of bcrypt password hashes.
//
// This authentication method MUST be used under TLS, as a simple token-replay
// attack is possible.
package basic

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/registry/auth"
)

var (
	// ErrAuthenticationRequired is returned when credentials are not
	// provided.
	ErrAuthenticationRequired = fmt.Errorf("authentication required")

	// ErrInvalidCredentials is returned when the provided credentials are
	// not valid.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
)

type accessController struct {
	realm string
	users map[string]string // username -> bcrypt hash
}

var _ auth.AccessController = &accessController{}

func newAccessController(options map[string]interface{}) (auth.AccessController, error) {
	realm, ok := options["realm"].(string)
	if !ok || realm == "" {
		return nil, fmt.Errorf(`"realm" must be set for basic access controller`)
	}

	users, ok := options["users"].(map[string]string)
	if !ok || len(users) == 0 {
		return nil, fmt.Errorf(`"users" must be set for basic access controller`)
	}

	return &accessController{realm: realm, users: users}, nil
}

// Authorized checks the request's basic credentials. Basic mode carries no
// scope negotiation, so any authenticated user is granted full access.
func (ac *accessController) Authorized(ctx context.Context, resource auth.Resource, actions ...string) (context.Context, error) {
	req, err := dcontext.GetRequest(ctx)
	if err != nil {
		return nil, err
	}

	username, password, ok := req.BasicAuth()
	if !ok {
		return nil, &authenticationError{realm: ac.realm, err: ErrAuthenticationRequired}
	}

	if err := ac.authenticateUser(username, password); err != nil {
		dcontext.GetLogger(ctx).Errorf("error authenticating user %q: %v", username, err)
		return nil, &authenticationError{realm: ac.realm, err: ErrInvalidCredentials}
	}

	return auth.WithUser(ctx, auth.UserInfo{
		Name:   username,
		Roles:  []string{"user"},
		Scopes: []string{"registry:*"},
	}), nil
}

func (ac *accessController) authenticateUser(username, password string) error {
	hash, ok := ac.users[username]
	if !ok {
		// Timing mitigation: hash the password anyway so present and
		// absent users cost the same.
		bcrypt.CompareHashAndPassword([]byte("$2y$05$TjcrrZ67wjoPHJ7kOhnTFeCBMojbGTJV3AU24g7oT0v7gUxsqx0hO"), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// authenticationError implements the auth.AuthenticationError interface.
type authenticationError struct {
	realm string
	err   error
}

var _ auth.AuthenticationError = &authenticationError{}

// SetChallengeHeaders sets the basic challenge header.
func (ae *authenticationError) SetChallengeHeaders(h http.Header) {
	h.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", ae.realm))
}

func (ae *authenticationError) Error() string {
	return ae.err.Error()
}

func init() {
	auth.Register("basic", auth.InitFunc(newAccessController))
}
