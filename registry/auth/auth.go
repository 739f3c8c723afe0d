// Package auth defines a standard interface for request access controllers.
//
// An access controller has a single Authorized method which checks that a
// given context is authorized to perform one or more actions on a resource.
// Implementations register by name with a constructor accepting an options
// map, so the configured mode picks the controller at startup:
//
//	options := map[string]interface{}{"realm": "drift-registry"}
//	accessController, _ := auth.GetAccessController("basic", options)
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// UserInfo carries information about an authenticated client.
type UserInfo struct {
	Name   string
	Roles  []string
	Scopes []string
}

// Resource describes a resource by type and name. Type is "repository" or
// "registry".
type Resource struct {
	Type string
	Name string
}

// AuthenticationError indicates that a client either has invalid credentials
// or, if unauthenticated, should attempt to authenticate. A type implementing
// this interface sets WWW-Authenticate challenge headers for the 401
// response.
type AuthenticationError interface {
	error

	// SetChallengeHeaders prepares an authentication challenge response
	// by setting one or more WWW-Authenticate headers. The caller sets
	// the 401 status itself.
	SetChallengeHeaders(h http.Header)
}

// AuthorizationError indicates that an authenticated client is not permitted
// to perform the requested actions. Callers respond with 403.
type AuthorizationError interface {
	error

	// AuthorizationErrorDetails returns a JSON-serializable object
	// describing the denial for the error response body.
	AuthorizationErrorDetails() interface{}
}

// AccessController controls access to a registry resource based on a request
// context and the attempted actions. The given context carries the
// "http.request" value. On success the returned context has "auth.user" set
// to a UserInfo.
type AccessController interface {
	Authorized(ctx context.Context, resource Resource, actions ...string) (context.Context, error)
}

// WithUser returns a context with the authorized user info.
func WithUser(ctx context.Context, user UserInfo) context.Context {
	return userInfoContext{
		Context: ctx,
		user:    user,
	}
}

type userInfoContext struct {
	context.Context
	user UserInfo
}

func (uic userInfoContext) Value(key interface{}) interface{} {
	switch key {
	case "auth.user":
		return uic.user
	case "auth.user.name":
		return uic.user.Name
	}
	return uic.Context.Value(key)
}

// GetUser returns the user info set by an access controller, if any.
func GetUser(ctx context.Context) (UserInfo, bool) {
	user, ok := ctx.Value("auth.user").(UserInfo)
	return user, ok
}

// ScopeString renders the scope required for actions on a resource, in the
// form "<type>:<name>:<action>[,<action>...]".
func ScopeString(resource Resource, actions ...string) string {
	return resource.Type + ":" + resource.Name + ":" + strings.Join(actions, ",")
}

// ScopeCovers reports whether any granted scope covers required. A grant
// matches exactly, or is the superuser grant "registry:*", or ends in "*" and
// is a prefix of the requirement. Grants of the full "<type>:<name>:<action>"
// form additionally match segment-wise, where name and action segments may be
// "*" or end in "*" to glob: "repository:*:pull" covers pulls from every
// repository.
func ScopeCovers(granted []string, required string) bool {
	reqType, reqName, reqAction, reqOK := splitScope(required)

	for _, scope := range granted {
		if scope == required || scope == "registry:*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(scope, "*"); ok && strings.HasPrefix(required, prefix) {
			return true
		}
		if !reqOK {
			continue
		}
		gType, gName, gAction, ok := splitScope(scope)
		if !ok || gType != reqType {
			continue
		}
		if segmentCovers(gName, reqName) && segmentCovers(gAction, reqAction) {
			return true
		}
	}
	return false
}

// splitScope breaks "<type>:<name>:<action>" apart. Repository names never
// contain a colon, so two cuts suffice.
func splitScope(scope string) (typ, name, action string, ok bool) {
	typ, rest, ok := strings.Cut(scope, ":")
	if !ok {
		return "", "", "", false
	}
	name, action, ok = strings.Cut(rest, ":")
	if !ok {
		return "", "", "", false
	}
	return typ, name, action, true
}

func segmentCovers(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}
	prefix, ok := strings.CutSuffix(granted, "*")
	return ok && strings.HasPrefix(required, prefix)
}

// InitFunc is the type of an AccessController factory function, used to
// register constructors for the different controller backends.
type InitFunc func(options map[string]interface{}) (AccessController, error)

var accessControllers = map[string]InitFunc{}

// Register associates an InitFunc with the given name.
func Register(name string, initFunc InitFunc) error {
	if _, exists := accessControllers[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}
	accessControllers[name] = initFunc
	return nil
}

// GetAccessController constructs an AccessController with the given options
// using the named backend.
func GetAccessController(name string, options map[string]interface{}) (AccessController, error) {
	if initFunc, exists := accessControllers[name]; exists {
		return initFunc(options)
	}
	return nil, fmt.Errorf("no access controller registered with name: %s", name)
}
